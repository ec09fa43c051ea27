package middleware_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"tenantgate/internal/domain"
	gw "tenantgate/internal/gateway"
	"tenantgate/internal/gateway/adapter/inmem"
	"tenantgate/internal/gateway/adapter/keyring"
	"tenantgate/internal/gateway/adapter/tenantdb"
	"tenantgate/internal/gateway/authn"
	"tenantgate/internal/gateway/authz"
	"tenantgate/internal/gateway/middleware"
	"tenantgate/internal/gateway/scope"
	"tenantgate/internal/gateway/tenant"
	"tenantgate/internal/testutil"
)

type fixture struct {
	db    *sql.DB
	mgr   *tenantdb.Manager
	keys  *keyring.Keyring
	authz *authz.Authorizer
	rs    gw.Responder
	chain middleware.Middleware
}

func newFixture(t *testing.T, dev bool, maxLeases int64) *fixture {
	t.Helper()
	db := testutil.NewTenantDB(t, "demo")
	reg := inmem.NewTenantRegistry([]domain.TenantRecord{{Code: "k001", Status: domain.TenantActive}}, nil, 8, time.Minute)
	res, err := tenant.NewResolver(tenant.Config{
		Strict:        true,
		Patterns:      []string{`^(k\d+)\.yyup\.cc$`},
		LocalDomains:  []string{"localhost"},
		DefaultTenant: "demo",
		DemoDatabase:  "demo",
	}, reg)
	if err != nil {
		t.Fatal(err)
	}
	mgr := tenantdb.NewManager(func(context.Context, domain.Tenant) (*sql.DB, error) { return db, nil },
		maxLeases, 50*time.Millisecond)
	keys := testutil.NewKeyring(t)
	g, err := authn.New(authn.Config{RoleFallback: true}, keys, nil)
	if err != nil {
		t.Fatal(err)
	}
	a := authz.New(inmem.NewPermissionCache(100, time.Minute, nil))
	rs := gw.Responder{Dev: dev}

	f := &fixture{db: db, mgr: mgr, keys: keys, authz: a, rs: rs}
	f.chain = middleware.Pipeline(
		middleware.Recovery,
		middleware.RequestID,
		middleware.Tenant(res, mgr, func(db *sql.DB) gw.Store { return testutil.NewStore(db) }, rs, nil),
		middleware.Authenticate(g, rs),
		middleware.Access(a),
	)
	return f
}

func (f *fixture) token(t *testing.T, u domain.User) string {
	return testutil.IssueToken(t, f.keys, u, "demo")
}

func (f *fixture) do(h http.Handler, method, host, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/api/thing", nil)
	req.Host = host
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) domain.ErrorResponse {
	t.Helper()
	var resp domain.ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	return resp
}

func ok(called *atomic.Bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called.Store(true)
		w.WriteHeader(http.StatusOK)
	})
}

func TestPipelineRejections(t *testing.T) {
	f := newFixture(t, false, 10)
	noKg := testutil.SeedUser(t, f.db, domain.User{Username: "nokg"}, "teacher")
	none := testutil.SeedUser(t, f.db, domain.User{Username: "none", DataScope: "NONE", PrimaryKindergartenID: 1}, "teacher")
	scoped := middleware.DataScope(scope.NewEnforcer(nil), f.rs)

	tests := []struct {
		name   string
		host   string
		token  string
		status int
		code   string
	}{
		{name: "unknown host in strict mode", host: "evil.example.com", status: 404, code: "INVALID_TENANT_DOMAIN"},
		{name: "unknown tenant", host: "k999.yyup.cc", status: 404, code: "TENANT_NOT_FOUND"},
		{name: "missing token", host: "localhost", status: 401, code: "MISSING_TOKEN"},
		{name: "bad token", host: "localhost", token: "abc", status: 401, code: "INVALID_TOKEN"},
		{name: "single scope without kindergarten", host: "localhost", token: f.token(t, domain.User{ID: noKg}), status: 403, code: "NO_KINDERGARTEN_ASSIGNED"},
		{name: "no data access", host: "localhost", token: f.token(t, domain.User{ID: none}), status: 403, code: "NO_DATA_ACCESS"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var called atomic.Bool
			h := middleware.Chain(ok(&called), f.chain, scoped)
			rec := f.do(h, http.MethodGet, tt.host, tt.token)

			if rec.Code != tt.status {
				t.Errorf("expected %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
			if resp := decode(t, rec); resp.Code != tt.code || resp.Success {
				t.Errorf("expected code %s, got %+v", tt.code, resp)
			}
			if called.Load() {
				t.Error("handler must not run")
			}
			if f.mgr.Active() != 0 {
				t.Errorf("lease leaked: %d active", f.mgr.Active())
			}
		})
	}
}

func TestDataFilterBound(t *testing.T) {
	f := newFixture(t, false, 10)
	id := testutil.SeedUser(t, f.db, domain.User{Username: "t", PrimaryKindergartenID: 3}, "teacher")

	var got scope.DataFilter
	h := middleware.Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = gw.DataFilterFromContext(r.Context())
		p, _ := gw.PrincipalFromContext(r.Context())
		if tn, _ := gw.TenantFromContext(r.Context()); tn.Code != p.TenantCode {
			t.Errorf("principal tenant %q differs from request tenant %q", p.TenantCode, tn.Code)
		}
	}), f.chain, middleware.DataScope(scope.NewEnforcer(nil), f.rs))

	rec := f.do(h, http.MethodGet, "localhost:8080", f.token(t, domain.User{ID: id}))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got.AllowAll || got.KindergartenID != 3 {
		t.Errorf("unexpected filter: %+v", got)
	}
}

func TestLeaseReleasedOnPanic(t *testing.T) {
	f := newFixture(t, false, 1)
	id := testutil.SeedUser(t, f.db, domain.User{Username: "p", PrimaryKindergartenID: 1}, "teacher")
	h := middleware.Chain(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("handler bug")
	}), f.chain)

	for i := 0; i < 3; i++ {
		rec := f.do(h, http.MethodGet, "localhost", f.token(t, domain.User{ID: id}))
		if rec.Code != http.StatusInternalServerError {
			t.Fatalf("expected 500, got %d", rec.Code)
		}
	}
	if f.mgr.Active() != 0 {
		t.Errorf("expected all leases released, got %d", f.mgr.Active())
	}
}

func TestPoolExhaustion(t *testing.T) {
	f := newFixture(t, false, 1)
	held, err := f.mgr.Acquire(context.Background(), domain.Tenant{Code: "demo"})
	if err != nil {
		t.Fatal(err)
	}
	defer held.Release()

	var called atomic.Bool
	rec := f.do(middleware.Chain(ok(&called), f.chain), http.MethodGet, "localhost", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if resp := decode(t, rec); resp.Code != "DB_CONNECTION_FAILED" {
		t.Errorf("expected DB_CONNECTION_FAILED, got %s", resp.Code)
	}
}

func TestRequirePermissionDetails(t *testing.T) {
	for _, dev := range []bool{false, true} {
		f := newFixture(t, dev, 10)
		id := testutil.SeedUser(t, f.db, domain.User{Username: "t", PrimaryKindergartenID: 1}, "teacher")
		var called atomic.Bool
		h := middleware.Chain(ok(&called), f.chain, middleware.RequirePermission(f.authz, f.rs, "FINANCE_VIEW"))

		rec := f.do(h, http.MethodGet, "localhost", f.token(t, domain.User{ID: id}))
		if rec.Code != http.StatusForbidden {
			t.Fatalf("dev=%v: expected 403, got %d", dev, rec.Code)
		}
		resp := decode(t, rec)
		if resp.Code != "FORBIDDEN" {
			t.Errorf("dev=%v: expected FORBIDDEN, got %s", dev, resp.Code)
		}
		if dev && resp.Details["requiredPermission"] != "FINANCE_VIEW" {
			t.Errorf("expected details in dev mode, got %+v", resp.Details)
		}
		if !dev && resp.Details != nil {
			t.Errorf("details leaked outside dev mode: %+v", resp.Details)
		}
		if called.Load() {
			t.Error("handler must not run")
		}
	}
}

func TestRequirePermissionGranted(t *testing.T) {
	f := newFixture(t, false, 10)
	id := testutil.SeedUser(t, f.db, domain.User{Username: "t", PrimaryKindergartenID: 1}, "teacher")
	testutil.Grant(t, f.db, "teacher", "FINANCE_VIEW")

	var called atomic.Bool
	h := middleware.Chain(ok(&called), f.chain, middleware.RequirePermission(f.authz, f.rs, "FINANCE_VIEW"))
	if rec := f.do(h, http.MethodGet, "localhost", f.token(t, domain.User{ID: id})); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !called.Load() {
		t.Error("expected handler to run")
	}
}

func TestAccessBindsAuthorize(t *testing.T) {
	f := newFixture(t, false, 10)
	id := testutil.SeedUser(t, f.db, domain.User{Username: "t", PrimaryKindergartenID: 1}, "teacher")

	var task, finance bool
	h := middleware.Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		task, _ = gw.Authorize(r.Context(), "TASK_VIEW")
		finance, _ = gw.Authorize(r.Context(), "FINANCE_VIEW")
	}), f.chain)

	f.do(h, http.MethodGet, "localhost", f.token(t, domain.User{ID: id}))
	if !task || finance {
		t.Errorf("expected TASK_VIEW allowed and FINANCE_VIEW denied, got %v/%v", task, finance)
	}
}

func TestAuthorizeWithoutAccessDenies(t *testing.T) {
	allowed, err := gw.Authorize(context.Background(), "TASK_VIEW")
	if allowed || err != nil {
		t.Errorf("expected denial without a bound authorizer, got %v, %v", allowed, err)
	}
}

func TestRequireRole(t *testing.T) {
	f := newFixture(t, false, 10)
	parent := testutil.SeedUser(t, f.db, domain.User{Username: "p", PrimaryKindergartenID: 1}, "parent")
	teacher := testutil.SeedUser(t, f.db, domain.User{Username: "t", PrimaryKindergartenID: 1}, "teacher")
	var called atomic.Bool
	h := middleware.Chain(ok(&called), f.chain, middleware.RequireRole(f.authz, f.rs, domain.RoleTeacher, domain.RolePrincipal))

	rec := f.do(h, http.MethodGet, "localhost", f.token(t, domain.User{ID: parent}))
	if rec.Code != http.StatusForbidden || decode(t, rec).Code != "INSUFFICIENT_ROLE" {
		t.Errorf("expected INSUFFICIENT_ROLE for parent, got %d", rec.Code)
	}
	if rec := f.do(h, http.MethodGet, "localhost", f.token(t, domain.User{ID: teacher})); rec.Code != http.StatusOK {
		t.Errorf("expected teacher to pass, got %d", rec.Code)
	}
}

func TestInvalidateOnSuccess(t *testing.T) {
	tests := []struct {
		status int
		fired  bool
	}{
		{http.StatusOK, true},
		{http.StatusNoContent, true},
		{http.StatusBadRequest, false},
		{http.StatusInternalServerError, false},
	}
	for _, tt := range tests {
		var fired atomic.Bool
		h := middleware.InvalidateOnSuccess(func(*http.Request) { fired.Store(true) })(
			http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(tt.status) }))
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", nil))
		if fired.Load() != tt.fired {
			t.Errorf("status %d: fired=%v, want %v", tt.status, fired.Load(), tt.fired)
		}
	}
}

func TestStagesRejectMisorderedChain(t *testing.T) {
	rs := gw.Responder{}
	var called atomic.Bool
	h := middleware.DataScope(scope.NewEnforcer(nil), rs)(ok(&called))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError || called.Load() {
		t.Errorf("expected 500 without a principal, got %d", rec.Code)
	}
}
