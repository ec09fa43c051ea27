package authz

import (
	"context"
	"log/slog"
	"sync"
	"time"

	gw "tenantgate/internal/gateway"
	"tenantgate/internal/platform/telemetry"
)

// Invalidator runs permission cache invalidations off the request path.
// Each runs once with its own deadline; failures are logged and counted,
// and the cache TTL bounds the resulting staleness.
type Invalidator struct {
	cache   gw.PermissionCache
	timeout time.Duration
	backend string
	metrics *telemetry.Metrics
	wg      sync.WaitGroup
}

// NewInvalidator creates an Invalidator for cache. backend labels metrics.
func NewInvalidator(cache gw.PermissionCache, timeout time.Duration, backend string, m *telemetry.Metrics) *Invalidator {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Invalidator{cache: cache, timeout: timeout, backend: backend, metrics: m}
}

// Subject invalidates the decisions of one user.
func (inv *Invalidator) Subject(ctx context.Context, key gw.SubjectKey) {
	inv.dispatch(ctx, "subject", key.String(), func(ctx context.Context) error {
		return inv.cache.Invalidate(ctx, key)
	})
}

// Role invalidates every decision that may depend on role.
func (inv *Invalidator) Role(ctx context.Context, tenantCode, role string) {
	inv.dispatch(ctx, "role", tenantCode+":"+role, func(ctx context.Context) error {
		return inv.cache.InvalidateRole(ctx, tenantCode, role)
	})
}

// Tenant invalidates every decision of a tenant.
func (inv *Invalidator) Tenant(ctx context.Context, tenantCode string) {
	inv.dispatch(ctx, "tenant", tenantCode, func(ctx context.Context) error {
		return inv.cache.InvalidateAll(ctx, tenantCode)
	})
}

func (inv *Invalidator) dispatch(ctx context.Context, kind, target string, fn func(context.Context) error) {
	if inv == nil || inv.cache == nil {
		return
	}
	inv.wg.Add(1)
	go func() {
		defer inv.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), inv.timeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			slog.Error("permission cache invalidation failed",
				"kind", kind, "target", target, "request_id", gw.RequestIDFromContext(ctx), "error", err)
			inv.metrics.RecordCacheEvent(ctx, inv.backend, "invalidate_error")
		}
	}()
}

// Drain waits for dispatched invalidations or ctx, whichever ends first.
func (inv *Invalidator) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		inv.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
