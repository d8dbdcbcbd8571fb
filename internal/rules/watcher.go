package rules

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultWatchDebounce = 500 * time.Millisecond

// Watcher keeps the current rule table for a file and swaps in a new one when
// the file changes. A reload that fails validation keeps the previous table.
// Plans already built keep the table they were built with.
type Watcher struct {
	path     string
	current  atomic.Pointer[Table]
	logger   *slog.Logger
	debounce time.Duration

	mu       sync.Mutex
	timer    *time.Timer
	onReload []func(*Table)
}

type WatcherOption func(*Watcher)

func WithWatchDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

func WithWatchLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// NewWatcher starts from initial; it does not read path until Reload or a
// file event.
func NewWatcher(path string, initial *Table, opts ...WatcherOption) *Watcher {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	w := &Watcher{
		path:     filepath.Clean(path),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		debounce: defaultWatchDebounce,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.current.Store(initial)
	return w
}

func (w *Watcher) Current() *Table {
	return w.current.Load()
}

// OnReload registers fn to be called with every successfully loaded table.
func (w *Watcher) OnReload(fn func(*Table)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onReload = append(w.onReload, fn)
}

// Reload reads the file now and swaps the table on success.
func (w *Watcher) Reload() error {
	t, err := LoadFile(w.path)
	if err != nil {
		w.logger.Warn("rule table reload rejected", "path", w.path, "error", err)
		return err
	}
	prev := w.current.Swap(t)
	prevVersion := ""
	if prev != nil {
		prevVersion = prev.Version()
	}
	w.logger.Info("rule table reloaded", "path", w.path, "version", t.Version(), "previous", prevVersion, "rules", len(t.rules))

	w.mu.Lock()
	hooks := append(([]func(*Table))(nil), w.onReload...)
	w.mu.Unlock()
	for _, fn := range hooks {
		fn(t)
	}
	return nil
}

// Run watches the file's directory until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create rules watcher: %w", err)
	}
	defer func() { _ = fsw.Close() }()

	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}

	defer func() {
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			w.scheduleReload(ctx)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("rules watcher error", "error", err)
		}
	}
}

func (w *Watcher) scheduleReload(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		if ctx.Err() != nil {
			return
		}
		_ = w.Reload()
	})
}
