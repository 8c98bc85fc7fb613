package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bda-association/bda-portal/internal/config"

	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Runtime owns the OTel providers of one process: the API server, the
// worker or a CLI tool.
type Runtime struct {
	LoggerProvider *sdklog.LoggerProvider
	MeterProvider  *sdkmetric.MeterProvider
	TracerProvider *sdktrace.TracerProvider

	exporting []string
	closers   []namedShutdown
}

type namedShutdown struct {
	signal string
	fn     func(context.Context) error
}

func InitRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Runtime, error) {
	rt := &Runtime{}
	fail := func(signal string, err error) (*Runtime, error) {
		_ = rt.Shutdown(ctx)
		return nil, fmt.Errorf("init %s: %w", signal, err)
	}

	lp, err := InitLogs(ctx, cfg, logger)
	if err != nil {
		return fail("logs", err)
	}
	if lp != nil {
		rt.LoggerProvider = lp
		rt.track("logs", true, lp.Shutdown)
	}

	mp, err := InitMetrics(ctx, cfg, logger)
	if err != nil {
		return fail("metrics", err)
	}
	rt.MeterProvider = mp
	rt.track("metrics", cfg.OTELMetricsEnabled, mp.Shutdown)

	tp, err := InitTracing(ctx, cfg, logger)
	if err != nil {
		return fail("traces", err)
	}
	rt.TracerProvider = tp
	rt.track("traces", cfg.OTELTracingEnabled, tp.Shutdown)

	logger.Info("observability ready", "service", cfg.OTELServiceName, "environment", cfg.OTELEnvironment, "exporting", rt.exporting)
	return rt, nil
}

func (r *Runtime) track(signal string, exporting bool, fn func(context.Context) error) {
	r.closers = append(r.closers, namedShutdown{signal: signal, fn: fn})
	if exporting {
		r.exporting = append(r.exporting, signal)
	}
}

// Exporting lists the signals sent to the collector.
func (r *Runtime) Exporting() []string {
	if r == nil {
		return nil
	}
	return append([]string(nil), r.exporting...)
}

// Shutdown flushes providers in reverse start order so traces and metrics
// recorded during shutdown still reach the log pipeline.
func (r *Runtime) Shutdown(ctx context.Context) error {
	if r == nil {
		return nil
	}
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		c := r.closers[i]
		if err := c.fn(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown %s: %w", c.signal, err))
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}
