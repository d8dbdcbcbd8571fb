package daemon

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/dronebatch/internal/executor"
	"github.com/msageha/dronebatch/internal/lock"
	"github.com/msageha/dronebatch/internal/model"
	"github.com/msageha/dronebatch/internal/notify"
	"github.com/msageha/dronebatch/internal/rules"
	"github.com/msageha/dronebatch/internal/uds"
	yamlutil "github.com/msageha/dronebatch/internal/yaml"
)

var okHandler = executor.HandlerFunc(func(ctx context.Context, action string, params model.Params) (executor.Outcome, error) {
	return executor.Outcome{Success: true, Message: action + " ok"}, nil
})

// shortRoot keeps the control socket path under the 104-byte macOS limit.
func shortRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "db-d-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func testConfig() model.Config {
	return model.Config{
		Execution: model.ExecConfig{
			Mode:        model.ModeOptimized,
			Strategy:    model.RetryAndContinue,
			TimeoutSec:  2,
			MaxParallel: 4,
		},
		Daemon: model.DaemonConfig{
			ScanIntervalSec:    1,
			MaxConcurrentBatch: 2,
			ShutdownTimeoutSec: 5,
		},
		Logging: model.LoggingConfig{Level: "debug"},
	}
}

func startDaemon(t *testing.T, root string, cfg model.Config, opts Options) *Daemon {
	t.Helper()
	if opts.Handler == nil {
		opts.Handler = okHandler
	}
	d, err := newDaemon(root, cfg, io.Discard, nil, opts)
	require.NoError(t, err)
	require.NoError(t, d.Start())
	t.Cleanup(d.Shutdown)
	return d
}

func client(root string) *uds.Client {
	c := uds.NewClient(filepath.Join(root, uds.DefaultSocketName))
	c.SetTimeout(5 * time.Second)
	return c
}

func flightRequest(id string) model.BatchRequestFile {
	return model.BatchRequestFile{
		SchemaVersion: yamlutil.CurrentSchemaVersion,
		FileType:      yamlutil.FileTypeBatchRequest,
		BatchID:       id,
		Commands: []model.Command{
			{Action: "connect", ResourceKey: "drone_1", Confidence: 0.9},
			{Action: "takeoff", ResourceKey: "drone_1", Confidence: 0.9},
			{Action: "land", ResourceKey: "drone_1", Confidence: 0.9},
		},
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLogLevel(tt.in, slog.LevelInfo), tt.in)
	}
	assert.Equal(t, slog.LevelWarn, ParseLogLevel("", slog.LevelWarn))
	assert.Equal(t, slog.LevelDebug, ParseLogLevel("DEBUG", slog.LevelWarn))
}

func TestNewDaemon_RequiresHandler(t *testing.T) {
	_, err := newDaemon(shortRoot(t), testConfig(), io.Discard, nil, Options{})
	require.Error(t, err)
}

func TestNewDaemon_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Execution.Strategy = "hope"
	_, err := newDaemon(shortRoot(t), cfg, io.Discard, nil, Options{Handler: okHandler})

	var verrs *model.ValidationErrors
	require.ErrorAs(t, err, &verrs)
}

func TestStart_CreatesLayout(t *testing.T) {
	root := shortRoot(t)
	startDaemon(t, root, testConfig(), Options{})

	for _, dir := range []string{InboxDir, ResultsDir, DoneDir, QuarantineDir, LogsDir, LocksDir} {
		info, err := os.Stat(filepath.Join(root, dir))
		require.NoError(t, err, dir)
		assert.True(t, info.IsDir(), dir)
	}
	pid, ok := lock.ReadPID(filepath.Join(root, LocksDir, "daemon.lock"))
	require.True(t, ok)
	assert.Equal(t, os.Getpid(), pid)
}

func TestStart_SecondInstanceIsLocked(t *testing.T) {
	root := shortRoot(t)
	startDaemon(t, root, testConfig(), Options{})

	second, err := newDaemon(root, testConfig(), io.Discard, nil, Options{Handler: okHandler})
	require.NoError(t, err)
	err = second.Start()
	require.Error(t, err)
	assert.True(t, errors.Is(err, lock.ErrLocked), "got %v", err)
}

func TestSpool_ProcessesInboxFile(t *testing.T) {
	root := shortRoot(t)
	reg := prometheus.NewRegistry()
	d := startDaemon(t, root, testConfig(), Options{Registerer: reg})

	req := flightRequest("batch_inbox")
	require.NoError(t, yamlutil.AtomicWrite(filepath.Join(root, InboxDir, "a.yaml"), req))

	resultPath := ResultPath(root, "batch_inbox")
	require.Eventually(t, func() bool {
		return d.Spool().Stats().Completed == 1
	}, 5*time.Second, 20*time.Millisecond)
	_, err := os.Stat(filepath.Join(root, DoneDir, "a.yaml"))
	require.NoError(t, err)

	var out model.BatchResultFile
	require.NoError(t, yamlutil.LoadFile(resultPath, yamlutil.FileTypeBatchResult, &out))
	assert.Equal(t, "a.yaml", out.Request)
	assert.False(t, out.Degraded)
	assert.Equal(t, "batch_inbox", out.Result.BatchID)
	assert.Equal(t, 3, out.Result.Summary.Successful)
	require.Len(t, out.Result.Results, 3)
	assert.Equal(t, "land", out.Result.Results[2].Action)

	_, statErr := os.Stat(filepath.Join(root, InboxDir, "a.yaml"))
	assert.True(t, os.IsNotExist(statErr))

	stats := d.Spool().Stats()
	assert.EqualValues(t, 1, stats.Accepted)
	assert.EqualValues(t, 1, stats.Completed)
	assert.EqualValues(t, 0, stats.Rejected)
	n, err := testutil.GatherAndCount(reg, "dronebatch_batch_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSpool_QuarantinesCorruptRequest(t *testing.T) {
	root := shortRoot(t)
	d := startDaemon(t, root, testConfig(), Options{})

	require.NoError(t, os.WriteFile(filepath.Join(root, InboxDir, "bad.yaml"), []byte("commands: [unterminated\n"), 0644))

	require.Eventually(t, func() bool {
		return d.Spool().Stats().Rejected == 1
	}, 5*time.Second, 20*time.Millisecond)

	matches, err := filepath.Glob(filepath.Join(root, QuarantineDir, "bad.yaml.*.corrupt"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)
	entries, err := os.ReadDir(filepath.Join(root, ResultsDir))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSpool_QuarantinesInvalidCommands(t *testing.T) {
	root := shortRoot(t)
	d := startDaemon(t, root, testConfig(), Options{})

	req := flightRequest("batch_invalid")
	req.Commands = append(req.Commands, model.Command{Action: "move", ResourceKey: "drone_1"})
	require.NoError(t, yamlutil.AtomicWrite(filepath.Join(root, InboxDir, "invalid.yaml"), req))

	require.Eventually(t, func() bool {
		return d.Spool().Stats().Rejected == 1
	}, 5*time.Second, 20*time.Millisecond)

	matches, err := filepath.Glob(filepath.Join(root, QuarantineDir, "invalid.yaml.*.corrupt.reason"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	reason, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	assert.Contains(t, string(reason), "commands[3].parameters.distance")
}

func TestSpool_QuarantinesWhenResultUnwritable(t *testing.T) {
	root := shortRoot(t)
	var connects atomic.Int32
	h := executor.HandlerFunc(func(ctx context.Context, action string, params model.Params) (executor.Outcome, error) {
		if action == "connect" {
			connects.Add(1)
		}
		return executor.Outcome{Success: true}, nil
	})
	d := startDaemon(t, root, testConfig(), Options{Handler: h})

	results := filepath.Join(root, ResultsDir)
	require.NoError(t, os.RemoveAll(results))
	require.NoError(t, os.WriteFile(results, []byte("not a directory"), 0644))

	require.NoError(t, yamlutil.AtomicWrite(filepath.Join(root, InboxDir, "stuck.yaml"), flightRequest("batch_stuck")))

	require.Eventually(t, func() bool {
		return d.Spool().Stats().Rejected == 1
	}, 5*time.Second, 20*time.Millisecond)

	_, statErr := os.Stat(filepath.Join(root, InboxDir, "stuck.yaml"))
	assert.True(t, os.IsNotExist(statErr))
	matches, err := filepath.Glob(filepath.Join(root, QuarantineDir, "stuck.yaml.*.corrupt.reason"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	reason, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	assert.Contains(t, string(reason), "write result")

	// Let a few periodic scans pass; the batch must not run again.
	time.Sleep(2500 * time.Millisecond)
	assert.EqualValues(t, 1, connects.Load())
	assert.EqualValues(t, 0, d.Spool().Stats().Completed)
}

func TestSpool_IgnoresTempFiles(t *testing.T) {
	assert.False(t, isRequestFile(".dronebatch-tmp-123.yaml"))
	assert.False(t, isRequestFile("notes.txt"))
	assert.True(t, isRequestFile("b.yml"))
	assert.True(t, isRequestFile("b.yaml"))
}

func TestControl_Ping(t *testing.T) {
	root := shortRoot(t)
	startDaemon(t, root, testConfig(), Options{})

	var resp PingResponse
	require.NoError(t, client(root).Call(CmdPing, nil, &resp))
	assert.Equal(t, os.Getpid(), resp.PID)
}

func TestControl_SubmitThenResult(t *testing.T) {
	root := shortRoot(t)
	startDaemon(t, root, testConfig(), Options{})
	c := client(root)

	req := flightRequest("")
	var submitted SubmitResponse
	require.NoError(t, c.Call(CmdSubmit, req, &submitted))
	require.NotEmpty(t, submitted.BatchID)

	var out model.BatchResultFile
	require.Eventually(t, func() bool {
		return c.Call(CmdResult, ResultParams{BatchID: submitted.BatchID}, &out) == nil
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, submitted.BatchID, out.Result.BatchID)
	assert.Equal(t, 3, out.Result.Summary.Total)

	var status StatusResponse
	require.Eventually(t, func() bool {
		return c.Call(CmdStatus, nil, &status) == nil && status.Spool.Completed == 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, rules.DefaultVersion, status.RulesVersion)
	assert.Equal(t, 0, status.Pending)

	err := c.Call(CmdSubmit, flightRequest(submitted.BatchID), nil)
	var detail *uds.ErrorDetail
	require.ErrorAs(t, err, &detail)
	assert.Equal(t, uds.ErrCodeValidation, detail.Code)
}

func TestControl_SubmitValidation(t *testing.T) {
	root := shortRoot(t)
	startDaemon(t, root, testConfig(), Options{})
	c := client(root)

	tests := []struct {
		name string
		req  model.BatchRequestFile
	}{
		{"confidence out of range", model.BatchRequestFile{Commands: []model.Command{{Action: "connect", Confidence: 2}}}},
		{"missing parameter", model.BatchRequestFile{Commands: []model.Command{{Action: "move", ResourceKey: "d"}}}},
		{"path in batch id", model.BatchRequestFile{BatchID: "../escape", Commands: []model.Command{{Action: "connect"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Call(CmdSubmit, tt.req, nil)
			var detail *uds.ErrorDetail
			require.ErrorAs(t, err, &detail)
			assert.Equal(t, uds.ErrCodeValidation, detail.Code)
		})
	}

	entries, err := os.ReadDir(filepath.Join(root, InboxDir))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestControl_ResultNotFound(t *testing.T) {
	root := shortRoot(t)
	startDaemon(t, root, testConfig(), Options{})

	err := client(root).Call(CmdResult, ResultParams{BatchID: "batch_missing"}, nil)
	var detail *uds.ErrorDetail
	require.ErrorAs(t, err, &detail)
	assert.Equal(t, uds.ErrCodeNotFound, detail.Code)
}

func TestControl_ReloadRulesPurgesCache(t *testing.T) {
	root := shortRoot(t)
	d := startDaemon(t, root, testConfig(), Options{})
	c := client(root)

	_, err := d.spool.runner.Plan(flightRequest("").Commands, testConfig().Execution)
	require.NoError(t, err)
	require.Equal(t, 1, d.cache.Stats().Size)

	file := rules.ToFile(rules.Default())
	file.Version = "v-test"
	require.NoError(t, yamlutil.AtomicWrite(filepath.Join(root, RulesFile), file))

	var resp ReloadResponse
	require.NoError(t, c.Call(CmdReloadRules, nil, &resp))
	assert.Equal(t, "v-test", resp.Version)
	assert.Equal(t, "v-test", d.rules.Current().Version())
	assert.Equal(t, 0, d.cache.Stats().Size)
}

func TestControl_ReloadRulesRejectsBadFile(t *testing.T) {
	root := shortRoot(t)
	d := startDaemon(t, root, testConfig(), Options{})

	require.NoError(t, os.WriteFile(filepath.Join(root, RulesFile), []byte("schema_version: 1\nfile_type: rule_table\nrules:\n  - source: a\n    target: a\n    relation: requires\n"), 0644))

	err := client(root).Call(CmdReloadRules, nil, nil)
	var detail *uds.ErrorDetail
	require.ErrorAs(t, err, &detail)
	assert.Equal(t, uds.ErrCodeValidation, detail.Code)
	assert.Equal(t, rules.DefaultVersion, d.rules.Current().Version())
}

func TestControl_Shutdown(t *testing.T) {
	root := shortRoot(t)
	d := startDaemon(t, root, testConfig(), Options{})

	require.NoError(t, client(root).Call(CmdShutdown, nil, nil))
	select {
	case <-d.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not shut down")
	}

	_, err := os.Stat(filepath.Join(root, uds.DefaultSocketName))
	assert.True(t, os.IsNotExist(err))
}

func TestShutdown_CancelsRunningBatch(t *testing.T) {
	root := shortRoot(t)
	started := make(chan struct{}, 1)
	slow := executor.HandlerFunc(func(ctx context.Context, action string, params model.Params) (executor.Outcome, error) {
		if action == "takeoff" {
			select {
			case started <- struct{}{}:
			default:
			}
			<-ctx.Done()
			return executor.Outcome{}, ctx.Err()
		}
		return executor.Outcome{Success: true}, nil
	})
	cfg := testConfig()
	cfg.Execution.TimeoutSec = 30
	d := startDaemon(t, root, cfg, Options{Handler: slow})

	require.NoError(t, yamlutil.AtomicWrite(filepath.Join(root, InboxDir, "slow.yaml"), flightRequest("batch_slow")))
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("batch did not start")
	}

	d.Shutdown()

	var out model.BatchResultFile
	require.NoError(t, yamlutil.LoadFile(ResultPath(root, "batch_slow"), yamlutil.FileTypeBatchResult, &out))
	assert.Equal(t, model.StatusCompleted, out.Result.Results[0].Status)
	assert.NotEqual(t, model.StatusCompleted, out.Result.Results[1].Status)
	assert.Equal(t, model.StatusSkipped, out.Result.Results[2].Status)
}

func TestNotifier_FailedBatch(t *testing.T) {
	root := shortRoot(t)
	var (
		mu   sync.Mutex
		sent []string
	)
	notifier := notify.SenderFunc(func(title, message string) error {
		mu.Lock()
		defer mu.Unlock()
		sent = append(sent, title)
		return nil
	})
	refuse := executor.HandlerFunc(func(ctx context.Context, action string, params model.Params) (executor.Outcome, error) {
		return executor.Outcome{Success: action != "land", Message: action}, nil
	})
	startDaemon(t, root, testConfig(), Options{Handler: refuse, Notifier: notifier})

	require.NoError(t, yamlutil.AtomicWrite(filepath.Join(root, InboxDir, "n.yaml"), flightRequest("batch_notify")))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(sent) == 1
	}, 5*time.Second, 20*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "dronebatch: batch failed", sent[0])
}

func TestNew_RestoresRulesBackup(t *testing.T) {
	root := shortRoot(t)
	path := filepath.Join(root, RulesFile)

	file := rules.ToFile(rules.Default())
	file.Version = "v-good"
	require.NoError(t, yamlutil.AtomicWrite(path, file))
	require.NoError(t, yamlutil.AtomicWrite(path, file)) // second write leaves rules.yaml.bak
	require.NoError(t, os.WriteFile(path, []byte("rules: [unclosed\n"), 0644))

	d, err := newDaemon(root, testConfig(), io.Discard, nil, Options{Handler: okHandler})
	require.NoError(t, err)
	assert.Equal(t, "v-good", d.rules.Current().Version())

	quarantined, err := filepath.Glob(filepath.Join(root, QuarantineDir, RulesFile+".*.corrupt"))
	require.NoError(t, err)
	assert.Len(t, quarantined, 1)
}

func TestNew_BrokenRulesWithoutBackup(t *testing.T) {
	root := shortRoot(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, RulesFile), []byte("rules: [unclosed\n"), 0644))

	_, err := newDaemon(root, testConfig(), io.Discard, nil, Options{Handler: okHandler})
	require.Error(t, err)
	assert.FileExists(t, filepath.Join(root, RulesFile))
}
