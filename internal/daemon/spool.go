package daemon

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/msageha/dronebatch/internal/batch"
	"github.com/msageha/dronebatch/internal/events"
	"github.com/msageha/dronebatch/internal/lock"
	"github.com/msageha/dronebatch/internal/model"
	yamlutil "github.com/msageha/dronebatch/internal/yaml"
)

const defaultDebounce = 500 * time.Millisecond

// Stats are cumulative spool counters since start.
type Stats struct {
	Accepted  int64 `json:"accepted"`
	Completed int64 `json:"completed"`
	Degraded  int64 `json:"degraded"`
	Rejected  int64 `json:"rejected"`
	Running   int64 `json:"running"`
}

// Spool turns inbox request files into result files. Each file is claimed by
// name so that a file seen by both the watcher and the periodic scan runs once.
type Spool struct {
	ctx    context.Context
	root   string
	base   model.ExecConfig
	runner *batch.Runner
	bus    *events.Bus
	logger *slog.Logger

	claims *lock.MutexMap
	sem    chan struct{}
	wg     sync.WaitGroup

	debounce      time.Duration
	debounceMu    sync.Mutex
	debounceTimer *time.Timer

	accepted  atomic.Int64
	completed atomic.Int64
	degraded  atomic.Int64
	rejected  atomic.Int64
	running   atomic.Int64
}

// NewSpool returns a spool rooted at root. Batches run under ctx; cancelling
// it skips whatever each running batch has not started yet.
func NewSpool(ctx context.Context, root string, base model.ExecConfig, runner *batch.Runner, bus *events.Bus, logger *slog.Logger, maxConcurrent int) *Spool {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Spool{
		ctx:      ctx,
		root:     root,
		base:     base,
		runner:   runner,
		bus:      bus,
		logger:   logger,
		claims:   lock.NewMutexMap(),
		sem:      make(chan struct{}, maxConcurrent),
		debounce: defaultDebounce,
	}
}

func (s *Spool) Stats() Stats {
	return Stats{
		Accepted:  s.accepted.Load(),
		Completed: s.completed.Load(),
		Degraded:  s.degraded.Load(),
		Rejected:  s.rejected.Load(),
		Running:   s.running.Load(),
	}
}

// Wait blocks until every claimed batch has finished.
func (s *Spool) Wait() {
	s.wg.Wait()
}

// HandleFileEvent schedules a debounced scan for request files in the inbox.
func (s *Spool) HandleFileEvent(path string) {
	if !isRequestFile(filepath.Base(path)) {
		return
	}
	s.debounceAndScan()
}

func (s *Spool) debounceAndScan() {
	s.debounceMu.Lock()
	defer s.debounceMu.Unlock()

	if s.debounceTimer != nil {
		s.debounceTimer.Stop()
	}
	s.debounceTimer = time.AfterFunc(s.debounce, func() {
		if s.ctx.Err() != nil {
			return
		}
		s.PeriodicScan()
	})
}

// PeriodicScan claims every unclaimed request in the inbox and starts it,
// oldest name first. It returns without waiting for the batches.
func (s *Spool) PeriodicScan() int {
	if s.ctx.Err() != nil {
		return 0
	}
	inbox := filepath.Join(s.root, InboxDir)
	entries, err := os.ReadDir(inbox)
	if err != nil {
		s.logger.Error("scan inbox", "error", err)
		return 0
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() && isRequestFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	started := 0
	for _, name := range names {
		if !s.claims.TryLock(name) {
			continue
		}
		started++
		s.wg.Add(1)
		go s.run(filepath.Join(inbox, name))
	}
	if started > 0 {
		s.logger.Debug("inbox scan", "started", started, "pending", len(names))
	}
	return started
}

func (s *Spool) run(path string) {
	name := filepath.Base(path)
	defer s.wg.Done()
	defer s.claims.Unlock(name)

	select {
	case s.sem <- struct{}{}:
	case <-s.ctx.Done():
		return
	}
	defer func() { <-s.sem }()

	s.running.Add(1)
	defer s.running.Add(-1)
	s.processFile(path)
}

func (s *Spool) processFile(path string) {
	name := filepath.Base(path)
	content, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		// Already handled by an earlier claim.
		return
	}
	if err != nil {
		s.logger.Error("read request", "file", name, "error", err)
		return
	}

	var req model.BatchRequestFile
	if err := yamlutil.Decode(content, yamlutil.FileTypeBatchRequest, &req); err != nil {
		s.reject(path, "", err)
		return
	}

	batchID := req.BatchID
	if batchID == "" {
		id, err := model.GenerateID(model.IDTypeBatch)
		if err != nil {
			s.logger.Error("generate batch id", "file", name, "error", err)
			return
		}
		batchID = id
	}
	if err := validateBatchID(batchID); err != nil {
		s.reject(path, "", err)
		return
	}
	resultPath := ResultPath(s.root, batchID)
	if _, err := os.Stat(resultPath); err == nil {
		s.reject(path, batchID, fmt.Errorf("batch %s already has a result", batchID))
		return
	}

	cfg := req.Resolve(s.base)
	s.accepted.Add(1)
	s.bus.Publish(events.EventBatchAccepted, map[string]any{
		"batch_id": batchID,
		"file":     name,
		"commands": len(req.Commands),
		"mode":     string(cfg.Mode),
	})
	s.logger.Info("batch accepted", "batch_id", batchID, "file", name, "commands", len(req.Commands))

	res, err := s.runner.Run(s.ctx, batch.Request{BatchID: batchID, Commands: req.Commands, Config: cfg})
	if err != nil {
		s.reject(path, batchID, err)
		return
	}

	degraded := len(res.Analytics.Violations) > 0
	out := model.BatchResultFile{
		SchemaVersion: yamlutil.CurrentSchemaVersion,
		FileType:      yamlutil.FileTypeBatchResult,
		Request:       name,
		Degraded:      degraded,
		CreatedAt:     time.Now().UTC().Format(time.RFC3339),
		Result:        *res,
	}
	if err := yamlutil.AtomicWrite(resultPath, out); err != nil {
		s.logger.Error("write batch result", "batch_id", batchID, "error", err)
		s.reject(path, batchID, fmt.Errorf("write result: %w", err))
		return
	}
	if err := os.Rename(path, filepath.Join(s.root, DoneDir, name)); err != nil {
		s.logger.Error("archive request", "file", name, "error", err)
	}

	s.completed.Add(1)
	if degraded {
		s.degraded.Add(1)
	}
	s.logger.Info("batch finished", "batch_id", batchID, "result", resultPath, "degraded", degraded)
}

func (s *Spool) reject(path, batchID string, cause error) {
	name := filepath.Base(path)
	s.rejected.Add(1)
	s.logger.Warn("batch rejected", "file", name, "batch_id", batchID, "error", cause)

	dest, err := yamlutil.Quarantine(s.root, path, cause.Error())
	if err != nil {
		s.logger.Error("quarantine request", "file", name, "error", err)
	}
	s.bus.Publish(events.EventBatchRejected, map[string]any{
		"batch_id":   batchID,
		"file":       name,
		"reason":     cause.Error(),
		"quarantine": dest,
	})
}

// ResultPath is where the result of batchID is written.
func ResultPath(root, batchID string) string {
	return filepath.Join(root, ResultsDir, batchID+".yaml")
}

// Temp files from atomic writes are dot-prefixed and never picked up.
func isRequestFile(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	ext := filepath.Ext(name)
	return ext == ".yaml" || ext == ".yml"
}
