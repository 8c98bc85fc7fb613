package observability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bda-association/bda-portal/internal/config"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/exemplar"
)

type AppMetrics struct {
	authEvents            metric.Int64Counter
	bookingEvents         metric.Int64Counter
	voucherEvents         metric.Int64Counter
	certificateEvents     metric.Int64Counter
	verificationLookups   metric.Int64Counter
	emailDeliveries       metric.Int64Counter
	emailDeliveryDuration metric.Float64Histogram
	reminderEvents        metric.Int64Counter
	workerTickDuration    metric.Float64Histogram
	bulkProvisionRows     metric.Int64Counter
	commerceSyncEvents    metric.Int64Counter
	eventPublishes        metric.Int64Counter
	rateLimitDecisions    metric.Int64Counter
	rbacCacheEvents       metric.Int64Counter
	rbacAuthorizations    metric.Int64Counter
	outboundRetries       metric.Int64Counter
	healthCheckResults    metric.Int64Counter
	healthCheckDuration   metric.Float64Histogram
	idempotencyEvents     metric.Int64Counter
	responseCacheEvents   metric.Int64Counter
}

var (
	metricsMu  sync.RWMutex
	appMetrics *AppMetrics
)

func InitMetrics(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*sdkmetric.MeterProvider, error) {
	if !cfg.OTELMetricsEnabled {
		mp := sdkmetric.NewMeterProvider()
		otel.SetMeterProvider(mp)
		logger.Info("otel metrics disabled")
		return mp, nil
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTELExporterOTLPEndpoint)}
	if cfg.OTELExporterOTLPInsecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create otlp metric exporter: %w", err)
	}
	res, err := newResource(ctx, cfg, "metric")
	if err != nil {
		return nil, err
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(cfg.OTELMetricsExportInterval))),
		sdkmetric.WithExemplarFilter(exemplar.TraceBasedFilter),
		sdkmetric.WithView(sdkmetric.NewView(
			sdkmetric.Instrument{Name: "email.delivery.duration"},
			sdkmetric.Stream{
				Aggregation: sdkmetric.AggregationExplicitBucketHistogram{
					Boundaries: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
				},
			},
		)),
	)
	otel.SetMeterProvider(mp)

	m, err := newAppMetrics(mp.Meter(instrumentationName))
	if err != nil {
		return nil, err
	}
	setAppMetrics(m)
	logger.Info("otel metrics initialized", "endpoint", cfg.OTELExporterOTLPEndpoint)
	return mp, nil
}

func newAppMetrics(meter metric.Meter) (*AppMetrics, error) {
	var firstErr error
	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil && firstErr == nil {
			firstErr = err
		}
		return c
	}
	seconds := func(name, desc string) metric.Float64Histogram {
		h, err := meter.Float64Histogram(name, metric.WithUnit("s"), metric.WithDescription(desc))
		if err != nil && firstErr == nil {
			firstErr = err
		}
		return h
	}

	m := &AppMetrics{
		authEvents:            counter("auth.events", "Authentication attempts by method and outcome"),
		bookingEvents:         counter("exam.booking.events", "Exam booking mutations"),
		voucherEvents:         counter("voucher.events", "Voucher mutations"),
		certificateEvents:     counter("certificate.events", "Certificate issuance, revocation and rendering"),
		verificationLookups:   counter("certificate.verification.lookups", "Public credential verification lookups"),
		emailDeliveries:       counter("email.deliveries", "Email delivery attempts"),
		emailDeliveryDuration: seconds("email.delivery.duration", "Time spent handing a message to the mail provider"),
		reminderEvents:        counter("reminder.events", "Reminder processing outcomes"),
		workerTickDuration:    seconds("worker.tick.duration", "Duration of a background worker polling tick"),
		bulkProvisionRows:     counter("bulk.provision.rows", "Rows processed by bulk user provisioning"),
		commerceSyncEvents:    counter("commerce.sync.events", "Payment platform order synchronisation outcomes"),
		eventPublishes:        counter("events.publish", "Domain events published to the broker"),
		rateLimitDecisions:    counter("http.rate_limit.decisions", "Rate limiter decisions"),
		rbacCacheEvents:       counter("auth.rbac.permission.cache.events", "Permission resolver cache events"),
		rbacAuthorizations:    counter("auth.rbac.authorization.events", "Permission checks by permission and decision"),
		outboundRetries:       counter("outbound.retry.attempts", "Retried calls to external services"),
		healthCheckResults:    counter("health.check.results", "Readiness dependency check results"),
		healthCheckDuration:   seconds("health.check.duration", "Duration of readiness dependency checks"),
		idempotencyEvents:     counter("http.idempotency.events", "Idempotency-Key handling outcomes"),
		responseCacheEvents:   counter("cache.response.events", "Catalog and dashboard cache lookups"),
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return m, nil
}

func setAppMetrics(m *AppMetrics) {
	metricsMu.Lock()
	appMetrics = m
	metricsMu.Unlock()
}

func currentMetrics() *AppMetrics {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return appMetrics
}

func RecordAuthEvent(ctx context.Context, method, outcome string) {
	if m := currentMetrics(); m != nil {
		m.authEvents.Add(ctx, 1, metric.WithAttributes(
			attribute.String("method", method),
			attribute.String("outcome", outcome),
		))
	}
}

func RecordBookingEvent(ctx context.Context, action, outcome string) {
	if m := currentMetrics(); m != nil {
		m.bookingEvents.Add(ctx, 1, metric.WithAttributes(
			attribute.String("action", action),
			attribute.String("outcome", outcome),
		))
	}
}

func RecordVoucherEvent(ctx context.Context, action, outcome string) {
	if m := currentMetrics(); m != nil {
		m.voucherEvents.Add(ctx, 1, metric.WithAttributes(
			attribute.String("action", action),
			attribute.String("outcome", outcome),
		))
	}
}

func RecordCertificateEvent(ctx context.Context, action, outcome string) {
	if m := currentMetrics(); m != nil {
		m.certificateEvents.Add(ctx, 1, metric.WithAttributes(
			attribute.String("action", action),
			attribute.String("outcome", outcome),
		))
	}
}

// RecordVerificationLookup tracks public lookups; source is "cache" or "db".
func RecordVerificationLookup(ctx context.Context, source, outcome string) {
	if m := currentMetrics(); m != nil {
		m.verificationLookups.Add(ctx, 1, metric.WithAttributes(
			attribute.String("source", source),
			attribute.String("outcome", outcome),
		))
	}
}

func RecordEmailDelivery(ctx context.Context, template, outcome string, duration time.Duration) {
	m := currentMetrics()
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("template", template),
		attribute.String("outcome", outcome),
	)
	m.emailDeliveries.Add(ctx, 1, attrs)
	m.emailDeliveryDuration.Record(ctx, duration.Seconds(), attrs)
}

func RecordReminderEvent(ctx context.Context, kind, outcome string) {
	if m := currentMetrics(); m != nil {
		m.reminderEvents.Add(ctx, 1, metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("outcome", outcome),
		))
	}
}

func RecordWorkerTick(ctx context.Context, worker, outcome string, duration time.Duration) {
	if m := currentMetrics(); m != nil {
		m.workerTickDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
			attribute.String("worker", worker),
			attribute.String("outcome", outcome),
		))
	}
}

func RecordBulkProvisionRows(ctx context.Context, outcome string, count int) {
	if m := currentMetrics(); m != nil && count > 0 {
		m.bulkProvisionRows.Add(ctx, int64(count), metric.WithAttributes(
			attribute.String("outcome", outcome),
		))
	}
}

func RecordCommerceSync(ctx context.Context, trigger, outcome string) {
	if m := currentMetrics(); m != nil {
		m.commerceSyncEvents.Add(ctx, 1, metric.WithAttributes(
			attribute.String("trigger", trigger),
			attribute.String("outcome", outcome),
		))
	}
}

func RecordEventPublish(ctx context.Context, routingKey, outcome string) {
	if m := currentMetrics(); m != nil {
		m.eventPublishes.Add(ctx, 1, metric.WithAttributes(
			attribute.String("routing_key", routingKey),
			attribute.String("outcome", outcome),
		))
	}
}

func RecordRateLimitDecision(ctx context.Context, scope, outcome, mode string) {
	if m := currentMetrics(); m != nil {
		m.rateLimitDecisions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("scope", scope),
			attribute.String("outcome", outcome),
			attribute.String("mode", mode),
		))
	}
}

func RecordRBACPermissionCacheEvent(ctx context.Context, outcome string) {
	if m := currentMetrics(); m != nil {
		m.rbacCacheEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

func RecordRBACAuthorizationEvent(ctx context.Context, permission, decision string) {
	if m := currentMetrics(); m != nil {
		m.rbacAuthorizations.Add(ctx, 1, metric.WithAttributes(
			attribute.String("permission", permission),
			attribute.String("decision", decision),
		))
	}
}

func RecordOutboundRetry(ctx context.Context, target string) {
	if m := currentMetrics(); m != nil {
		m.outboundRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("target", target)))
	}
}

func RecordHealthCheckResult(ctx context.Context, dependency, status string) {
	if m := currentMetrics(); m != nil {
		m.healthCheckResults.Add(ctx, 1, metric.WithAttributes(
			attribute.String("dependency", dependency),
			attribute.String("status", status),
		))
	}
}

func RecordHealthCheckDuration(ctx context.Context, dependency string, duration time.Duration) {
	if m := currentMetrics(); m != nil {
		m.healthCheckDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
			attribute.String("dependency", dependency),
		))
	}
}

func RecordIdempotencyEvent(ctx context.Context, scope, outcome string) {
	if m := currentMetrics(); m != nil {
		m.idempotencyEvents.Add(ctx, 1, metric.WithAttributes(
			attribute.String("scope", scope),
			attribute.String("outcome", outcome),
		))
	}
}

func RecordResponseCacheEvent(ctx context.Context, namespace, outcome string) {
	if m := currentMetrics(); m != nil {
		m.responseCacheEvents.Add(ctx, 1, metric.WithAttributes(
			attribute.String("namespace", namespace),
			attribute.String("outcome", outcome),
		))
	}
}
