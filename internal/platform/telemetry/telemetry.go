package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	otelmetric "go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// ShutdownFunc releases telemetry resources.
type ShutdownFunc func(ctx context.Context) error

// Setup initializes OpenTelemetry with a Prometheus exporter.
// Returns a shutdown function that must be called on exit.
func Setup(ctx context.Context, serviceName string) (ShutdownFunc, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("creating prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	return provider.Shutdown, nil
}

// MetricsHandler returns an http.Handler that serves Prometheus metrics.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// Metrics holds the OTel instruments of the authorization pipeline. All
// Record methods are safe on a nil *Metrics.
type Metrics struct {
	httpRequestsTotal      otelmetric.Int64Counter
	httpRequestDuration    otelmetric.Float64Histogram
	tenantResolutionsTotal otelmetric.Int64Counter
	authenticationsTotal   otelmetric.Int64Counter
	authzDecisionsTotal    otelmetric.Int64Counter
	cacheEventsTotal       otelmetric.Int64Counter
	upstreamCallsTotal     otelmetric.Int64Counter
	upstreamDuration       otelmetric.Float64Histogram
	proxyRequestsTotal     otelmetric.Int64Counter
	proxyDuration          otelmetric.Float64Histogram
	tenantLeasesActive     otelmetric.Int64UpDownCounter
	auditDroppedTotal      otelmetric.Int64Counter
}

// NewMetrics creates and registers all pipeline metrics.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter("tenantgate")
	m := &Metrics{}
	var err error

	latencyBuckets := otelmetric.WithExplicitBucketBoundaries(
		0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0,
	)

	if m.httpRequestsTotal, err = meter.Int64Counter("tenantgate_http_requests_total",
		otelmetric.WithDescription("Total HTTP requests")); err != nil {
		return nil, fmt.Errorf("creating http_requests_total: %w", err)
	}
	if m.httpRequestDuration, err = meter.Float64Histogram("tenantgate_http_request_duration_seconds",
		otelmetric.WithDescription("HTTP request duration"), latencyBuckets); err != nil {
		return nil, fmt.Errorf("creating http_request_duration: %w", err)
	}
	if m.tenantResolutionsTotal, err = meter.Int64Counter("tenantgate_tenant_resolutions_total",
		otelmetric.WithDescription("Tenant resolutions by result")); err != nil {
		return nil, fmt.Errorf("creating tenant_resolutions_total: %w", err)
	}
	if m.authenticationsTotal, err = meter.Int64Counter("tenantgate_authentications_total",
		otelmetric.WithDescription("Authentications by source and result")); err != nil {
		return nil, fmt.Errorf("creating authentications_total: %w", err)
	}
	if m.authzDecisionsTotal, err = meter.Int64Counter("tenantgate_authz_decisions_total",
		otelmetric.WithDescription("Authorization decisions by layer and result")); err != nil {
		return nil, fmt.Errorf("creating authz_decisions_total: %w", err)
	}
	if m.cacheEventsTotal, err = meter.Int64Counter("tenantgate_permission_cache_events_total",
		otelmetric.WithDescription("Permission cache events")); err != nil {
		return nil, fmt.Errorf("creating permission_cache_events_total: %w", err)
	}
	if m.upstreamCallsTotal, err = meter.Int64Counter("tenantgate_upstream_calls_total",
		otelmetric.WithDescription("Calls to identity service and tenant registry")); err != nil {
		return nil, fmt.Errorf("creating upstream_calls_total: %w", err)
	}
	if m.upstreamDuration, err = meter.Float64Histogram("tenantgate_upstream_duration_seconds",
		otelmetric.WithDescription("Upstream call duration"), latencyBuckets); err != nil {
		return nil, fmt.Errorf("creating upstream_duration: %w", err)
	}
	if m.proxyRequestsTotal, err = meter.Int64Counter("tenantgate_proxy_requests_total",
		otelmetric.WithDescription("Total proxy requests")); err != nil {
		return nil, fmt.Errorf("creating proxy_requests_total: %w", err)
	}
	if m.proxyDuration, err = meter.Float64Histogram("tenantgate_proxy_duration_seconds",
		otelmetric.WithDescription("Proxy request duration"), latencyBuckets); err != nil {
		return nil, fmt.Errorf("creating proxy_duration: %w", err)
	}
	if m.tenantLeasesActive, err = meter.Int64UpDownCounter("tenantgate_tenant_db_leases_active",
		otelmetric.WithDescription("Outstanding tenant database leases")); err != nil {
		return nil, fmt.Errorf("creating tenant_db_leases_active: %w", err)
	}
	if m.auditDroppedTotal, err = meter.Int64Counter("tenantgate_audit_dropped_total",
		otelmetric.WithDescription("Audit records dropped on a full buffer")); err != nil {
		return nil, fmt.Errorf("creating audit_dropped_total: %w", err)
	}

	return m, nil
}

// RecordHTTPRequest records an HTTP request metric.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, code int, durationSec float64) {
	if m == nil {
		return
	}
	attrs := labels(keyMethod, method, keyRoute, path, keyStatus, status(code))
	m.httpRequestsTotal.Add(ctx, 1, attrs)
	m.httpRequestDuration.Record(ctx, durationSec, attrs)
}

// RecordTenantResolution records a tenant resolution outcome (ok or an error code).
func (m *Metrics) RecordTenantResolution(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.tenantResolutionsTotal.Add(ctx, 1, labels(keyResult, result))
}

// RecordAuthentication records an authentication attempt.
func (m *Metrics) RecordAuthentication(ctx context.Context, source, result string) {
	if m == nil {
		return
	}
	m.authenticationsTotal.Add(ctx, 1, labels(keySource, source, keyResult, result))
}

// RecordAuthorization records which layer decided a permission check.
func (m *Metrics) RecordAuthorization(ctx context.Context, layer, result string) {
	if m == nil {
		return
	}
	m.authzDecisionsTotal.Add(ctx, 1, labels(keyLayer, layer, keyResult, result))
}

// RecordCacheEvent records a permission cache event.
func (m *Metrics) RecordCacheEvent(ctx context.Context, backend, event string) {
	if m == nil {
		return
	}
	m.cacheEventsTotal.Add(ctx, 1, labels(keyBackend, backend, keyEvent, event))
}

// RecordUpstreamCall records a call to an upstream service.
func (m *Metrics) RecordUpstreamCall(ctx context.Context, upstream, result string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := labels(keyUpstream, upstream, keyResult, result)
	m.upstreamCallsTotal.Add(ctx, 1, attrs)
	m.upstreamDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordProxyRequest records a proxied request to a backend.
func (m *Metrics) RecordProxyRequest(ctx context.Context, backend string, code int, durationSec float64) {
	if m == nil {
		return
	}
	attrs := labels(keyBackend, backend, keyStatus, status(code))
	m.proxyRequestsTotal.Add(ctx, 1, attrs)
	m.proxyDuration.Record(ctx, durationSec, attrs)
}

// AddTenantLeases adjusts the outstanding lease gauge by delta.
func (m *Metrics) AddTenantLeases(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.tenantLeasesActive.Add(ctx, delta)
}

// RecordAuditDrop counts a dropped audit record.
func (m *Metrics) RecordAuditDrop() {
	if m == nil {
		return
	}
	m.auditDroppedTotal.Add(context.Background(), 1)
}
