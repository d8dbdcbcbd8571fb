// Package daemon runs the spool daemon: batch request files dropped into
// <root>/inbox are planned, executed and answered in <root>/results.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/msageha/dronebatch/internal/analytics"
	"github.com/msageha/dronebatch/internal/batch"
	"github.com/msageha/dronebatch/internal/events"
	"github.com/msageha/dronebatch/internal/executor"
	"github.com/msageha/dronebatch/internal/lock"
	"github.com/msageha/dronebatch/internal/model"
	"github.com/msageha/dronebatch/internal/notify"
	"github.com/msageha/dronebatch/internal/planner"
	"github.com/msageha/dronebatch/internal/rules"
	"github.com/msageha/dronebatch/internal/uds"
	yamlutil "github.com/msageha/dronebatch/internal/yaml"
)

// Layout of the daemon root.
const (
	InboxDir      = "inbox"
	ResultsDir    = "results"
	DoneDir       = "done"
	QuarantineDir = "quarantine"
	LogsDir       = "logs"
	LocksDir      = "locks"
	RulesFile     = "rules.yaml"
	AuditLogFile  = "audit.jsonl"
)

const (
	defaultScanInterval    = 10 * time.Second
	defaultShutdownTimeout = 30 * time.Second
	defaultMaxConcurrent   = 2
)

// ParseLogLevel maps a configured level name to a slog level; empty or
// unknown names yield fallback.
func ParseLogLevel(s string, fallback slog.Level) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return fallback
	}
}

type Options struct {
	// Handler executes commands against the fleet. Required.
	Handler executor.Handler
	// Registerer receives batch analytics collectors. Optional.
	Registerer prometheus.Registerer
	// Notifier is told about failed and rejected batches. Optional.
	Notifier notify.Sender
}

type Daemon struct {
	root    string
	config  model.Config
	logger  *slog.Logger
	logFile io.Closer

	fileLock *lock.FileLock
	submits  *lock.MutexMap
	server   *uds.Server
	watcher  *fsnotify.Watcher
	ticker   *time.Ticker

	rules       *rules.Watcher
	cache       *planner.Cache
	bus         *events.Bus
	audit       *events.AuditLogger
	detachAudit func()
	notifier    notify.Sender
	detachNotes func()
	spool       *Spool

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once
	done     chan struct{}
}

// New opens <root>/logs/daemon.log and builds a daemon. Nothing is touched
// beyond the log until Start.
func New(root string, cfg model.Config, opts Options) (*Daemon, error) {
	logPath := filepath.Join(root, LogsDir, "daemon.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}
	d, err := newDaemon(root, cfg, logFile, logFile, opts)
	if err != nil {
		logFile.Close()
		return nil, err
	}
	return d, nil
}

func newDaemon(root string, cfg model.Config, w io.Writer, closer io.Closer, opts Options) (*Daemon, error) {
	if opts.Handler == nil {
		return nil, errors.New("daemon requires a command handler")
	}
	cfg.Execution = cfg.Execution.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: ParseLogLevel(cfg.Logging.Level, slog.LevelInfo)})).
		With("component", "daemon")

	rulesPath := filepath.Join(root, RulesFile)
	initial, err := loadStartupRules(root, rulesPath, logger)
	if err != nil {
		return nil, err
	}

	cache, err := planner.NewCache(cfg.Daemon.PlanCacheSize)
	if err != nil {
		return nil, err
	}

	scanInterval := time.Duration(cfg.Daemon.ScanIntervalSec) * time.Second
	if scanInterval <= 0 {
		scanInterval = defaultScanInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		root:     root,
		config:   cfg,
		logger:   logger,
		logFile:  closer,
		fileLock: lock.NewFileLock(filepath.Join(root, LocksDir, "daemon.lock")),
		submits:  lock.NewMutexMap(),
		server:   uds.NewServer(filepath.Join(root, uds.DefaultSocketName), logger),
		ticker:   time.NewTicker(scanInterval),
		rules:    rules.NewWatcher(rulesPath, initial, rules.WithWatchLogger(logger)),
		cache:    cache,
		bus:      events.NewBus(256),
		notifier: opts.Notifier,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	var recorder *analytics.PrometheusRecorder
	if opts.Registerer != nil {
		recorder = analytics.NewPrometheusRecorder(opts.Registerer)
	}
	runner := batch.NewRunner(batch.Options{
		Tables:        d.rules,
		Handler:       opts.Handler,
		Cache:         cache,
		Bus:           d.bus,
		Logger:        logger,
		Recorder:      recorder,
		Thresholds:    analytics.ThresholdsFromConfig(cfg.Analytics),
		LowConfidence: cfg.Analytics.LowConfidenceWarning,
	})

	maxConcurrent := cfg.Daemon.MaxConcurrentBatch
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	d.spool = NewSpool(ctx, root, cfg.Execution, runner, d.bus, logger, maxConcurrent)

	d.rules.OnReload(func(t *rules.Table) {
		d.cache.Purge()
		d.bus.Publish(events.EventRulesReloaded, map[string]any{
			"version": t.Version(),
			"rules":   len(t.Rules()),
		})
	})
	return d, nil
}

// loadStartupRules reads rules.yaml, falling back to the built-in table when
// the file is absent. A broken file with a usable rules.yaml.bak is
// quarantined and the backup restored.
func loadStartupRules(root, path string, logger *slog.Logger) (*rules.Table, error) {
	if _, err := os.Stat(path); err != nil {
		return rules.Default(), nil
	}
	t, loadErr := rules.LoadFile(path)
	if loadErr == nil {
		return t, nil
	}
	if _, err := os.Stat(path + ".bak"); err != nil {
		return nil, fmt.Errorf("load %s: %w", path, loadErr)
	}
	if _, err := yamlutil.Quarantine(root, path, loadErr.Error()); err != nil {
		return nil, fmt.Errorf("load %s: %w", path, loadErr)
	}
	if err := yamlutil.RestoreFromBackup(path); err != nil {
		return nil, fmt.Errorf("load %s: %w (restore: %v)", path, loadErr, err)
	}
	t, err := rules.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load restored %s: %w", path, err)
	}
	logger.Warn("rules file invalid, restored backup", "path", path, "error", loadErr)
	return t, nil
}

// Start takes the instance lock, prepares the root layout and starts the
// watchers, the control socket and the background loops. It returns once the
// initial inbox scan has been queued.
func (d *Daemon) Start() error {
	for _, dir := range []string{InboxDir, ResultsDir, DoneDir, QuarantineDir, LogsDir, LocksDir} {
		if err := os.MkdirAll(filepath.Join(d.root, dir), 0755); err != nil {
			return fmt.Errorf("ensure dir %s: %w", dir, err)
		}
	}

	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.logger.Info("daemon starting", "pid", os.Getpid(), "root", d.root, "rules", d.rules.Current().Version())

	audit, err := events.NewAuditLogger(filepath.Join(d.root, LogsDir, AuditLogFile), 0)
	if err != nil {
		d.cleanup()
		return fmt.Errorf("open audit log: %w", err)
	}
	audit.EnableChecksum(true)
	d.audit = audit
	d.detachAudit = audit.Attach(d.bus)
	if d.notifier != nil {
		d.detachNotes = notify.Attach(d.bus, d.notifier, d.logger)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.cleanup()
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	d.watcher = watcher
	if err := watcher.Add(filepath.Join(d.root, InboxDir)); err != nil {
		d.cleanup()
		return fmt.Errorf("watch inbox: %w", err)
	}

	d.registerHandlers()
	if err := d.server.Start(); err != nil {
		d.cleanup()
		return fmt.Errorf("start control socket: %w", err)
	}

	d.wg.Add(2)
	go d.fsnotifyLoop()
	go d.tickerLoop()

	if d.config.Daemon.WatchRules {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := d.rules.Run(d.ctx); err != nil {
				d.logger.Error("rules watcher stopped", "error", err)
			}
		}()
	}

	d.spool.PeriodicScan()
	d.logger.Info("daemon ready")
	return nil
}

// Run starts the daemon and blocks until a signal or a shutdown request.
func (d *Daemon) Run() error {
	if err := d.Start(); err != nil {
		return err
	}
	d.waitSignals()
	return nil
}

// Done is closed once Shutdown has finished.
func (d *Daemon) Done() <-chan struct{} {
	return d.done
}

func (d *Daemon) Spool() *Spool {
	return d.spool
}

func (d *Daemon) fsnotifyLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Rename) {
				d.logger.Debug("inbox event", "op", event.Op.String(), "file", event.Name)
				d.spool.HandleFileEvent(event.Name)
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.logger.Error("fsnotify error", "error", err)
		}
	}
}

func (d *Daemon) tickerLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.ticker.C:
			d.logger.Debug("periodic scan triggered")
			d.spool.PeriodicScan()
		}
	}
}

func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		d.logger.Info("received signal, initiating graceful shutdown", "signal", sig.String())
		go func() {
			<-sigCh
			d.logger.Warn("received second signal, forcing exit")
			os.Exit(1)
		}()
		d.Shutdown()
	case <-d.ctx.Done():
		<-d.done
	}
}

// Shutdown stops intake, cancels running batches and waits for in-flight work
// up to the configured timeout. It is idempotent.
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		defer close(d.done)
		d.logger.Info("shutdown started")

		d.cancel()
		d.ticker.Stop()
		if d.watcher != nil {
			d.watcher.Close()
		}
		if d.server != nil {
			d.server.Stop()
		}

		timeout := time.Duration(d.config.Daemon.ShutdownTimeoutSec) * time.Second
		if timeout <= 0 {
			timeout = defaultShutdownTimeout
		}

		drained := make(chan struct{})
		go func() {
			d.wg.Wait()
			d.spool.Wait()
			close(drained)
		}()

		select {
		case <-drained:
			d.logger.Info("all work drained")
		case <-time.After(timeout):
			d.logger.Warn("shutdown timeout, some batches may be incomplete", "timeout", timeout)
		}

		d.cleanup()
		d.logger.Info("daemon stopped")
	})
}

func (d *Daemon) cleanup() {
	if d.detachNotes != nil {
		d.detachNotes()
		d.detachNotes = nil
	}
	if d.detachAudit != nil {
		d.detachAudit()
		d.detachAudit = nil
	}
	if d.audit != nil {
		_ = d.audit.Close()
	}
	d.bus.Close()
	d.fileLock.Unlock()
	if d.logFile != nil {
		d.logFile.Close()
	}
}
