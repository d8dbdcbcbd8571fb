package rules

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	yamlutil "github.com/msageha/dronebatch/internal/yaml"
)

const sampleTable = `schema_version: 1
file_type: rule_table
version: test-1
rules:
  - {source: takeoff, target: connect, relation: REQUIRES}
  - {source: takeoff, target: land, relation: conflicts}
actions:
  takeoff:
    cost_sec: 4.5
    params:
      - {name: altitude, kind: number}
  land:
    params: []
  connect: {}
`

func TestParse(t *testing.T) {
	tbl, err := Parse([]byte(sampleTable))
	require.NoError(t, err)

	assert.Equal(t, "test-1", tbl.Version())
	assert.True(t, tbl.Requires("takeoff", "connect"))
	assert.True(t, tbl.Conflicts("land", "takeoff"))

	cost, ok := tbl.Cost("takeoff")
	assert.True(t, ok)
	assert.Equal(t, 4500*time.Millisecond, cost)

	_, ok = tbl.Cost("land")
	assert.False(t, ok, "zero cost is no estimate")

	params, ok := tbl.Params("land")
	assert.True(t, ok)
	assert.Empty(t, params)

	_, ok = tbl.Params("connect")
	assert.False(t, ok, "missing params list accepts anything")
}

func TestParse_Rejects(t *testing.T) {
	_, err := Parse([]byte("schema_version: 1\nfile_type: batch_request\n"))
	assert.Error(t, err)

	_, err = Parse([]byte("schema_version: 1\nfile_type: rule_table\nrules:\n  - {source: a, target: b, relation: before}\n"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformedTable))
}

func TestToFile_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")

	orig := Default()
	require.NoError(t, yamlutil.AtomicWrite(path, ToFile(orig)))

	loaded, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, orig.Version(), loaded.Version())
	assert.ElementsMatch(t, orig.Rules(), loaded.Rules())
	assert.Equal(t, orig.Actions(), loaded.Actions())
	for _, a := range orig.Actions() {
		oc, _ := orig.Cost(a)
		lc, _ := loaded.Cost(a)
		assert.Equal(t, oc, lc, a)
	}
	assert.Equal(t, Describe(orig), Describe(loaded))
}

func TestLoadFile_Missing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
