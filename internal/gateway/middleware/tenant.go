package middleware

import (
	"context"
	"net/http"

	"tenantgate/internal/domain"
	gw "tenantgate/internal/gateway"
	"tenantgate/internal/gateway/adapter/tenantdb"
	"tenantgate/internal/platform/telemetry"
)

// TenantResolver maps a request host to a tenant.
type TenantResolver interface {
	Resolve(ctx context.Context, host string) (domain.Tenant, error)
}

// LeasePool hands out tenant database leases.
type LeasePool interface {
	Acquire(ctx context.Context, t domain.Tenant) (*tenantdb.Lease, error)
}

// Tenant resolves the request's tenant, leases its database handle and
// binds a store over it. The lease is returned when the handler chain
// finishes, on every exit path.
func Tenant(resolver TenantResolver, pool LeasePool, open gw.StoreOpener, rs gw.Responder, m *telemetry.Metrics) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			t, err := resolver.Resolve(ctx, r.Host)
			if err != nil {
				m.RecordTenantResolution(ctx, resultCode(err))
				rs.Error(w, r, err, map[string]any{"host": r.Host})
				return
			}

			lease, err := pool.Acquire(ctx, t)
			if err != nil {
				m.RecordTenantResolution(ctx, resultCode(err))
				rs.Error(w, r, err, map[string]any{"tenant": t.Code})
				return
			}
			defer lease.Release()
			m.RecordTenantResolution(ctx, "ok")

			noteTenant(ctx, t.Code)
			ctx = gw.ContextWithTenant(ctx, t)
			ctx = gw.ContextWithStore(ctx, open(lease.DB))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func resultCode(err error) string {
	if de, ok := domain.AsError(err); ok {
		return de.Code
	}
	return domain.ErrInternal.Code
}
