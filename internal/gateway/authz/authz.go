// Package authz decides whether a principal holds a permission. Checks run
// cheapest first: admin roles, static role capabilities, the permission
// cache and finally the tenant database.
package authz

import (
	"context"
	"log/slog"
	"slices"

	"tenantgate/internal/domain"
	gw "tenantgate/internal/gateway"
	"tenantgate/internal/platform/telemetry"
)

// Layers that can decide a check.
const (
	LayerAdmin     = "admin"
	LayerWhitelist = "whitelist"
	LayerCache     = "cache"
	LayerDB        = "db"
	LayerRole      = "role"
)

// Decision is the outcome of a permission check.
type Decision struct {
	Allowed bool
	Layer   string
	Reason  string
}

// Err returns nil for an allowed decision and FORBIDDEN otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return domain.ErrForbidden
}

// Option configures an Authorizer.
type Option func(*Authorizer)

// WithMetrics records decisions on m.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(a *Authorizer) { a.metrics = m }
}

// Authorizer evaluates permission checks. cache may be nil.
type Authorizer struct {
	cache   gw.PermissionCache
	metrics *telemetry.Metrics
}

func New(cache gw.PermissionCache, opts ...Option) *Authorizer {
	a := &Authorizer{cache: cache}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Authorize checks whether p holds code. perms is the principal's tenant
// store. Database failures are returned as INTERNAL_ERROR; cache failures
// only cost a database lookup.
func (a *Authorizer) Authorize(ctx context.Context, p domain.Principal, code string, perms gw.PermissionStore) (Decision, error) {
	if code == "" {
		return a.decide(ctx, Decision{Layer: LayerWhitelist, Reason: "empty_permission"}), nil
	}
	if p.IsAdmin() {
		return a.decide(ctx, Decision{Allowed: true, Layer: LayerAdmin}), nil
	}
	if Capabilities(p.Role.Kind).Allows(code) {
		return a.decide(ctx, Decision{Allowed: true, Layer: LayerWhitelist}), nil
	}

	key := gw.SubjectKey{TenantCode: p.TenantCode, UserID: p.ID}
	useCache := a.cache != nil
	var stamp gw.CacheStamp
	if useCache {
		look, err := a.cache.Get(ctx, key, code)
		switch {
		case err != nil:
			slog.Warn("permission cache read failed", "subject", key.String(), "permission", code, "error", err)
			useCache = false
		case look.Hit:
			return a.decide(ctx, Decision{Allowed: look.Allowed, Layer: LayerCache, Reason: reason(look.Allowed)}), nil
		default:
			stamp = look.Stamp
		}
	}

	allowed, err := perms.HasPermission(ctx, p.ID, code)
	if err != nil {
		return Decision{}, domain.Wrap(domain.ErrInternal, err)
	}
	if useCache {
		if err := a.cache.Put(ctx, key, code, allowed, stamp); err != nil {
			slog.Warn("permission cache write failed", "subject", key.String(), "permission", code, "error", err)
		}
	}
	return a.decide(ctx, Decision{Allowed: allowed, Layer: LayerDB, Reason: reason(allowed)}), nil
}

// RequireRole fails with INSUFFICIENT_ROLE unless p holds one of kinds.
// Admin roles always pass.
func (a *Authorizer) RequireRole(ctx context.Context, p domain.Principal, kinds ...domain.RoleKind) error {
	if p.IsAdmin() || slices.Contains(kinds, p.Role.Kind) {
		a.decide(ctx, Decision{Allowed: true, Layer: LayerRole})
		return nil
	}
	a.decide(ctx, Decision{Layer: LayerRole, Reason: "role_not_allowed"})
	return domain.ErrInsufficientRole
}

func (a *Authorizer) decide(ctx context.Context, d Decision) Decision {
	result := "denied"
	if d.Allowed {
		result = "allowed"
	}
	a.metrics.RecordAuthorization(ctx, d.Layer, result)
	return d
}

func reason(allowed bool) string {
	if allowed {
		return ""
	}
	return "permission_not_granted"
}
