package middleware

import (
	"context"
	"net/http"

	"tenantgate/internal/domain"
	gw "tenantgate/internal/gateway"
	"tenantgate/internal/gateway/authz"
	"tenantgate/internal/gateway/scope"
)

// Access binds gateway.Authorize for in-handler checks of the request
// principal. It must run after Authenticate.
func Access(a *authz.Authorizer) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, store, err := principalAndStore(r)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			fn := gw.AuthorizeFunc(func(ctx context.Context, code string) (bool, error) {
				d, err := a.Authorize(ctx, p, code, store)
				return d.Allowed, err
			})
			next.ServeHTTP(w, r.WithContext(gw.ContextWithAuthorize(r.Context(), fn)))
		})
	}
}

// RequirePermission denies the request with FORBIDDEN unless the principal
// holds code.
func RequirePermission(a *authz.Authorizer, rs gw.Responder, code string) Middleware {
	return RequirePermissionFunc(a, rs, func(*http.Request) string { return code })
}

// RequirePermissionFunc is RequirePermission with the code chosen per request.
func RequirePermissionFunc(a *authz.Authorizer, rs gw.Responder, codeFor func(*http.Request) string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, store, err := principalAndStore(r)
			if err != nil {
				rs.Error(w, r, err, nil)
				return
			}
			code := codeFor(r)
			d, err := a.Authorize(r.Context(), p, code, store)
			if err != nil {
				rs.Error(w, r, err, map[string]any{"requiredPermission": code})
				return
			}
			if !d.Allowed {
				rs.Error(w, r, d.Err(), map[string]any{
					"requiredPermission": code,
					"userId":             p.ID,
					"role":               p.Role.String(),
					"layer":              d.Layer,
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireRole denies the request with INSUFFICIENT_ROLE unless the
// principal holds one of kinds.
func RequireRole(a *authz.Authorizer, rs gw.Responder, kinds ...domain.RoleKind) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := gw.PrincipalFromContext(r.Context())
			if !ok {
				rs.Error(w, r, errPipelineOrder, nil)
				return
			}
			if err := a.RequireRole(r.Context(), p, kinds...); err != nil {
				required := make([]string, len(kinds))
				for i, k := range kinds {
					required[i] = k.String()
				}
				rs.Error(w, r, err, map[string]any{"requiredRoles": required, "role": p.Role.String()})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// DataScope computes the principal's data filter and binds it to the
// request. Principals without a usable scope are rejected here, so no
// handler runs without a filter.
func DataScope(e *scope.Enforcer, rs gw.Responder) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := gw.PrincipalFromContext(r.Context())
			if !ok {
				rs.Error(w, r, errPipelineOrder, nil)
				return
			}
			f, err := e.ScopeFor(p)
			if err != nil {
				rs.Error(w, r, err, map[string]any{"dataScope": string(p.DataScope), "userId": p.ID})
				return
			}
			next.ServeHTTP(w, r.WithContext(gw.ContextWithDataFilter(r.Context(), f)))
		})
	}
}

// InvalidateOnSuccess calls fn after the handler has produced a 2xx
// response. fn must not block; cache invalidations are dispatched from it.
func InvalidateOnSuccess(fn func(r *http.Request)) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &gw.StatusWriter{ResponseWriter: w, Code: http.StatusOK}
			next.ServeHTTP(sw, r)
			if sw.Code >= 200 && sw.Code < 300 {
				fn(r)
			}
		})
	}
}
