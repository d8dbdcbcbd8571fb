// Package telemetry wires the OpenTelemetry SDK for the CLI and daemon:
// spans go to a stdout/file exporter and metrics are exposed on a private
// Prometheus registry served at /metrics.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/msageha/dronebatch/internal/model"
)

var ErrUnknownExporter = errors.New("unknown trace exporter")

type Config struct {
	ServiceName    string
	ServiceVersion string
	// TraceExporter is "stdout" or "none" (the default).
	TraceExporter string
	// TraceWriter receives stdout spans; nil means os.Stdout.
	TraceWriter io.Writer
	// MetricsAddr is the listen address for /metrics; empty disables serving.
	MetricsAddr string
}

// ConfigFrom maps the daemon's telemetry section. The caller opens
// TraceFile and sets TraceWriter.
func ConfigFrom(c model.TelemetryConfig, version string) Config {
	return Config{
		ServiceName:    "dronebatch",
		ServiceVersion: version,
		TraceExporter:  c.TraceExporter,
		MetricsAddr:    c.MetricsAddr,
	}
}

// Telemetry owns the installed providers.
type Telemetry struct {
	Registry *prometheus.Registry

	cfg      Config
	logger   *slog.Logger
	shutdown []func(context.Context) error
	server   *http.Server
}

// Init installs global tracer and meter providers. Call Shutdown to flush.
func Init(ctx context.Context, cfg Config, logger *slog.Logger) (*Telemetry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "dronebatch"
	}
	t := &Telemetry{Registry: prometheus.NewRegistry(), cfg: cfg, logger: logger}
	t.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	res := resource.NewWithAttributes(
		"",
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	)

	switch cfg.TraceExporter {
	case "", "none":
	case "stdout":
		w := cfg.TraceWriter
		if w == nil {
			w = os.Stdout
		}
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			return nil, fmt.Errorf("create trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.AlwaysSample()),
		)
		otel.SetTracerProvider(tp)
		t.shutdown = append(t.shutdown, tp.Shutdown)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownExporter, cfg.TraceExporter)
	}

	exporter, err := promexporter.New(promexporter.WithRegisterer(t.Registry))
	if err != nil {
		_ = t.Shutdown(ctx)
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(mp)
	t.shutdown = append(t.shutdown, mp.Shutdown)

	return t, nil
}

// Handler serves the private registry in the Prometheus text format.
func (t *Telemetry) Handler() http.Handler {
	return promhttp.HandlerFor(t.Registry, promhttp.HandlerOpts{Registry: t.Registry})
}

// Serve starts the /metrics endpoint when MetricsAddr is set. It returns the
// bound address and stops the server when ctx is done.
func (t *Telemetry) Serve(ctx context.Context) (string, error) {
	if t.cfg.MetricsAddr == "" {
		return "", nil
	}
	ln, err := net.Listen("tcp", t.cfg.MetricsAddr)
	if err != nil {
		return "", fmt.Errorf("listen %s: %w", t.cfg.MetricsAddr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", t.Handler())
	t.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := t.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error("metrics server stopped", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = t.server.Shutdown(shutdownCtx)
	}()

	t.logger.Info("metrics endpoint listening", "addr", ln.Addr().String())
	return ln.Addr().String(), nil
}

// Shutdown flushes and stops every provider.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	for i := len(t.shutdown) - 1; i >= 0; i-- {
		if err := t.shutdown[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	t.shutdown = nil
	return errors.Join(errs...)
}
