package planner

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/msageha/dronebatch/internal/model"
)

const DefaultCacheSize = 256

// Cache memoizes plans by a fingerprint of (rule table version, mode,
// max parallel, commands) and collapses concurrent identical requests.
// Cached plans are shared; callers must treat them as read-only.
type Cache struct {
	plans  *lru.Cache[string, *model.Plan]
	flight singleflight.Group
	hits   atomic.Int64
	misses atomic.Int64
}

func NewCache(size int) (*Cache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	plans, err := lru.New[string, *model.Plan](size)
	if err != nil {
		return nil, fmt.Errorf("create plan cache: %w", err)
	}
	return &Cache{plans: plans}, nil
}

// Plan returns the cached plan for the request or builds it with p.
func (c *Cache) Plan(p *Planner, cmds []model.Command, mode model.ExecutionMode) (*model.Plan, error) {
	key, err := Fingerprint(p, cmds, mode)
	if err != nil {
		return nil, err
	}
	if plan, ok := c.plans.Get(key); ok {
		c.hits.Add(1)
		return plan, nil
	}

	v, err, _ := c.flight.Do(key, func() (any, error) {
		if plan, ok := c.plans.Get(key); ok {
			c.hits.Add(1)
			return plan, nil
		}
		c.misses.Add(1)
		plan, err := p.Plan(cmds, nil, mode)
		if err != nil {
			return nil, err
		}
		c.plans.Add(key, plan)
		return plan, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.Plan), nil
}

// Purge drops every cached plan, e.g. after a rule table reload.
func (c *Cache) Purge() {
	c.plans.Purge()
}

type CacheStats struct {
	Size   int   `json:"size"`
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

func (c *Cache) Stats() CacheStats {
	return CacheStats{Size: c.plans.Len(), Hits: c.hits.Load(), Misses: c.misses.Load()}
}

// Fingerprint identifies a planning request. Parameter maps are encoded with
// sorted keys so equal batches hash equally.
func Fingerprint(p *Planner, cmds []model.Command, mode model.ExecutionMode) (string, error) {
	payload := struct {
		Table       string          `json:"table"`
		Digest      string          `json:"digest"`
		Mode        string          `json:"mode"`
		MaxParallel int             `json:"max_parallel"`
		Commands    []model.Command `json:"commands"`
	}{
		Table:       p.table.Version(),
		Digest:      p.table.Digest(),
		Mode:        string(mode),
		MaxParallel: p.maxParallel,
		Commands:    cmds,
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("fingerprint batch: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
