package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/msageha/dronebatch/internal/model"
	"github.com/msageha/dronebatch/internal/telemetry"
)

type cliTelemetry struct {
	t         *telemetry.Telemetry
	traceFile *os.File
	logger    *slog.Logger
}

// startTelemetry installs tracing and metrics for one CLI process. A relative
// trace_file is resolved against root.
func startTelemetry(ctx context.Context, c model.TelemetryConfig, root string, logger *slog.Logger) (*cliTelemetry, error) {
	cfg := telemetry.ConfigFrom(c, version)
	ct := &cliTelemetry{logger: logger}

	if c.TraceExporter == "stdout" && c.TraceFile != "" {
		path := c.TraceFile
		if !filepath.IsAbs(path) && root != "" {
			path = filepath.Join(root, path)
		}
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("open trace file: %w", err)
		}
		ct.traceFile = f
		cfg.TraceWriter = f
	}

	t, err := telemetry.Init(ctx, cfg, logger)
	if err != nil {
		ct.close()
		return nil, err
	}
	ct.t = t
	if _, err := t.Serve(ctx); err != nil {
		ct.close()
		return nil, err
	}
	return ct, nil
}

func (ct *cliTelemetry) registry() prometheus.Registerer {
	return ct.t.Registry
}

func (ct *cliTelemetry) close() {
	if ct.t != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := ct.t.Shutdown(ctx); err != nil {
			ct.logger.Warn("telemetry shutdown", "error", err)
		}
	}
	if ct.traceFile != nil {
		ct.traceFile.Close()
	}
}
