// Package router assembles the gateway's HTTP surface: public health and
// login endpoints, the in-process authorization endpoints, and the route
// table proxied to the business backend.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"tenantgate/internal/domain"
	gw "tenantgate/internal/gateway"
	"tenantgate/internal/gateway/adapter/proxy"
	"tenantgate/internal/gateway/authn"
	"tenantgate/internal/gateway/authz"
	"tenantgate/internal/gateway/middleware"
	"tenantgate/internal/gateway/scope"
	"tenantgate/internal/platform/telemetry"
)

// Route maps a path prefix to the permissions required to reach it on the
// backend. Read applies to GET, HEAD and OPTIONS; Write to every other method.
type Route struct {
	Prefix string
	Read   string
	Write  string
	// Scoped routes require a data filter and point-check a kindergartenId
	// query parameter.
	Scoped bool
}

// Config is the static part of the router.
type Config struct {
	BackendURL   string
	Routes       []Route
	MaxBodyBytes int64
	Dev          bool
}

// TokenIssuer issues local tokens.
type TokenIssuer interface {
	Issue(user domain.User, tenantCode string) (domain.TokenPair, error)
}

// Deps are the pipeline components the router wires together.
type Deps struct {
	Resolver    middleware.TenantResolver
	Pool        middleware.LeasePool
	Open        gw.StoreOpener
	Auth        *authn.Gateway
	Issuer      TokenIssuer
	Identity    gw.IdentityProvider // nil when no tenant is federated
	Authz       *authz.Authorizer
	Scope       *scope.Enforcer
	Invalidator *authz.Invalidator
	Audit       gw.AuditSink
	Metrics     *telemetry.Metrics
	// Ready reports whether shared dependencies are reachable.
	Ready func(ctx context.Context) error
}

func (d Deps) validate() error {
	var missing []string
	if d.Resolver == nil {
		missing = append(missing, "Resolver")
	}
	if d.Pool == nil {
		missing = append(missing, "Pool")
	}
	if d.Open == nil {
		missing = append(missing, "Open")
	}
	if d.Auth == nil {
		missing = append(missing, "Auth")
	}
	if d.Issuer == nil {
		missing = append(missing, "Issuer")
	}
	if d.Authz == nil {
		missing = append(missing, "Authz")
	}
	if d.Scope == nil {
		missing = append(missing, "Scope")
	}
	if d.Invalidator == nil {
		missing = append(missing, "Invalidator")
	}
	if len(missing) > 0 {
		return fmt.Errorf("router: missing dependencies: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Router serves every gateway endpoint.
type Router struct {
	mux  *http.ServeMux
	deps Deps
	rs   gw.Responder
}

// New builds the router. It fails when a dependency is missing or a route
// is malformed.
func New(cfg Config, d Deps) (*Router, error) {
	if err := d.validate(); err != nil {
		return nil, err
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}

	rt := &Router{mux: http.NewServeMux(), deps: d, rs: gw.Responder{Dev: cfg.Dev}}
	rs := rt.rs

	rt.mux.HandleFunc("GET /healthz", rt.healthz)
	rt.mux.HandleFunc("GET /readyz", rt.readyz)

	tenant := middleware.Tenant(d.Resolver, d.Pool, d.Open, rs, d.Metrics)
	body := middleware.JSONBody(cfg.MaxBodyBytes, rs)
	authed := middleware.Pipeline(tenant, middleware.Authenticate(d.Auth, rs), middleware.Access(d.Authz))
	scoped := middleware.DataScope(d.Scope, rs)

	rt.mux.Handle("POST /api/auth/login", middleware.Chain(http.HandlerFunc(rt.login), body, tenant))
	// The only authenticated route without DataScope; it reports a scope
	// failure in the body instead.
	rt.mux.Handle("GET /api/auth/me", middleware.Chain(http.HandlerFunc(rt.me), authed))

	view := middleware.RequirePermission(d.Authz, rs, "KINDERGARTEN_VIEW")
	rt.mux.Handle("GET /api/kindergartens", middleware.Chain(http.HandlerFunc(rt.listKindergartens), authed, view, scoped))
	rt.mux.Handle("GET /api/kindergartens/{id}", middleware.Chain(http.HandlerFunc(rt.kindergarten), authed, view, scoped))

	manage := middleware.Pipeline(authed, middleware.RequirePermission(d.Authz, rs, "ROLE_MANAGE"), scoped)
	subject := middleware.InvalidateOnSuccess(rt.invalidateSubject)
	role := middleware.InvalidateOnSuccess(rt.invalidateRole)
	all := middleware.InvalidateOnSuccess(rt.invalidateTenant)
	rt.mux.Handle("GET /api/user-role/users/{userId}/roles", middleware.Chain(http.HandlerFunc(rt.userRoles), manage))
	rt.mux.Handle("POST /api/user-role/users/{userId}/roles", middleware.Chain(http.HandlerFunc(rt.assignRole), body, manage, subject))
	rt.mux.Handle("DELETE /api/user-role/users/{userId}/roles/{roleCode}", middleware.Chain(http.HandlerFunc(rt.removeRole), manage, subject))
	rt.mux.Handle("PUT /api/roles/{roleCode}/permissions", middleware.Chain(http.HandlerFunc(rt.setRolePermissions), body, manage, role))
	rt.mux.Handle("PATCH /api/permissions/{code}", middleware.Chain(http.HandlerFunc(rt.setPermissionStatus), body, manage, all))
	adminOnly := middleware.RequireRole(d.Authz, rs, domain.RoleAdmin)
	rt.mux.Handle("POST /api/admin/refresh-permission-cache", middleware.Chain(http.HandlerFunc(rt.refreshPermissionCache), manage, adminOnly, all))

	if len(cfg.Routes) > 0 {
		backend, err := proxy.New("business", cfg.BackendURL, rs, d.Metrics)
		if err != nil {
			return nil, err
		}
		for _, r := range cfg.Routes {
			if !strings.HasPrefix(r.Prefix, "/") || strings.HasSuffix(r.Prefix, "/") {
				return nil, fmt.Errorf("router: invalid route prefix %q", r.Prefix)
			}
			h := rt.proxyRoute(r, backend, authed, scoped)
			rt.mux.Handle(r.Prefix, h)
			rt.mux.Handle(r.Prefix+"/{rest...}", h)
		}
	}

	return rt, nil
}

// ServeHTTP notes the matched pattern for metrics, then dispatches through
// the mux so path wildcards are bound.
func (rt *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	_, pattern := rt.mux.Handler(req)
	middleware.NoteRoute(req.Context(), pattern)
	rt.mux.ServeHTTP(w, req)
}

// Mount returns the process-level mux: /metrics plus the router behind the
// ambient middleware, Metrics outermost.
func (rt *Router) Mount(m *telemetry.Metrics, logger *slog.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.MetricsHandler())
	mux.Handle("/", middleware.Chain(
		rt,
		middleware.Metrics(m),
		middleware.RequestID,
		middleware.Logging(logger),
		middleware.Recovery,
	))
	return mux
}

func (rt *Router) proxyRoute(r Route, backend http.Handler, authed, scoped middleware.Middleware) http.Handler {
	perm := middleware.RequirePermissionFunc(rt.deps.Authz, rt.rs, func(req *http.Request) string {
		if isWriteMethod(req.Method) {
			return r.Write
		}
		return r.Read
	})
	if !r.Scoped {
		return middleware.Chain(backend, authed, perm, scoped)
	}
	return middleware.Chain(backend, authed, perm, scoped, rt.kindergartenParam)
}

// kindergartenParam point-checks an explicit kindergartenId query parameter
// against the bound data filter.
func (rt *Router) kindergartenParam(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.URL.Query().Get("kindergartenId")
		if raw == "" {
			next.ServeHTTP(w, r)
			return
		}
		id, err := parseID(raw)
		if err != nil {
			rt.rs.Error(w, r, err, map[string]any{"kindergartenId": raw})
			return
		}
		p, _ := gw.PrincipalFromContext(r.Context())
		f, _ := gw.DataFilterFromContext(r.Context())
		if !rt.deps.Scope.CanAccess(r.Context(), p, f, id) {
			rt.rs.Error(w, r, domain.ErrNoDataAccess, map[string]any{"kindergartenId": id})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	rt.rs.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (rt *Router) readyz(w http.ResponseWriter, r *http.Request) {
	if rt.deps.Ready != nil {
		if err := rt.deps.Ready(r.Context()); err != nil {
			rt.rs.JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "error": err.Error()})
			return
		}
	}
	rt.rs.JSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// envelope is the success body of in-process endpoints.
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

func (rt *Router) ok(w http.ResponseWriter, status int, data any, msg string) {
	rt.rs.JSON(w, status, envelope{Success: true, Data: data, Message: msg})
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return domain.Wrap(domain.ErrPayloadTooLarge, err)
		}
		return domain.Wrap(domain.ErrBadRequest, fmt.Errorf("decoding request body: %w", err))
	}
	return nil
}

func isWriteMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	return true
}
