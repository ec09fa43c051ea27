package authz_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tenantgate/internal/domain"
	gw "tenantgate/internal/gateway"
	"tenantgate/internal/gateway/adapter/inmem"
	"tenantgate/internal/gateway/authz"
)

var ctx = context.Background()

// countingStore grants the codes in grants and counts lookups.
type countingStore struct {
	mu     sync.Mutex
	grants map[string]bool
	calls  atomic.Int64
	err    error
}

func (s *countingStore) HasPermission(_ context.Context, _ int64, code string) (bool, error) {
	s.calls.Add(1)
	if s.err != nil {
		return false, s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.grants[code], nil
}

func (s *countingStore) set(code string, granted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants[code] = granted
}

// countingCache counts reads on a real cache.
type countingCache struct {
	gw.PermissionCache
	gets atomic.Int64
	puts atomic.Int64
}

func (c *countingCache) Get(ctx context.Context, k gw.SubjectKey, code string) (gw.CacheLookup, error) {
	c.gets.Add(1)
	return c.PermissionCache.Get(ctx, k, code)
}

func (c *countingCache) Put(ctx context.Context, k gw.SubjectKey, code string, allowed bool, s gw.CacheStamp) error {
	c.puts.Add(1)
	return c.PermissionCache.Put(ctx, k, code, allowed, s)
}

type brokenCache struct{ gw.PermissionCache }

func (brokenCache) Get(context.Context, gw.SubjectKey, string) (gw.CacheLookup, error) {
	return gw.CacheLookup{}, errors.New("redis: connection refused")
}

func setup() (*authz.Authorizer, *countingCache, *countingStore) {
	cache := &countingCache{PermissionCache: inmem.NewPermissionCache(100, time.Minute, nil)}
	store := &countingStore{grants: map[string]bool{}}
	return authz.New(cache), cache, store
}

func principal(role string) domain.Principal {
	return domain.Principal{ID: 42, TenantCode: "k001", Role: domain.ParseRole(role), DataScope: domain.ScopeSingle, KindergartenID: 1}
}

func TestTeacherWhitelistSkipsCacheAndDB(t *testing.T) {
	a, cache, store := setup()

	d, err := a.Authorize(ctx, principal("teacher"), "TASK_VIEW", store)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if !d.Allowed || d.Layer != authz.LayerWhitelist {
		t.Errorf("expected whitelist allow, got %+v", d)
	}
	if cache.gets.Load() != 0 || store.calls.Load() != 0 {
		t.Errorf("expected zero cache/db calls, got gets=%d db=%d", cache.gets.Load(), store.calls.Load())
	}
}

func TestTeacherFinanceDenied(t *testing.T) {
	a, _, store := setup()

	d, err := a.Authorize(ctx, principal("teacher"), "FINANCE_VIEW", store)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if d.Allowed || d.Layer != authz.LayerDB {
		t.Errorf("expected db denial, got %+v", d)
	}
	if !errors.Is(d.Err(), domain.ErrForbidden) {
		t.Errorf("expected FORBIDDEN, got %v", d.Err())
	}
	if store.calls.Load() != 1 {
		t.Errorf("expected one db call, got %d", store.calls.Load())
	}
}

func TestAdminShortCircuit(t *testing.T) {
	a, cache, store := setup()
	for _, role := range []string{"admin", "super_admin"} {
		for _, code := range []string{"FINANCE_MANAGE", "ROLE_MANAGE", "anything:at:all"} {
			d, err := a.Authorize(ctx, principal(role), code, store)
			if err != nil || !d.Allowed || d.Layer != authz.LayerAdmin {
				t.Errorf("%s/%s: got %+v, %v", role, code, d, err)
			}
		}
	}
	if cache.gets.Load() != 0 || store.calls.Load() != 0 {
		t.Errorf("admin checks must not touch cache or db")
	}
}

func TestAuthorizeIsIdempotentAndCached(t *testing.T) {
	a, _, store := setup()
	store.set("FINANCE_VIEW", true)
	p := principal("principal")

	first, err := a.Authorize(ctx, p, "FINANCE_VIEW", store)
	if err != nil {
		t.Fatal(err)
	}
	second, err := a.Authorize(ctx, p, "FINANCE_VIEW", store)
	if err != nil {
		t.Fatal(err)
	}
	if first.Allowed != second.Allowed || !second.Allowed {
		t.Errorf("expected identical allowed results, got %+v then %+v", first, second)
	}
	if second.Layer != authz.LayerCache {
		t.Errorf("expected second call from cache, got %s", second.Layer)
	}
	if store.calls.Load() != 1 {
		t.Errorf("expected exactly one db call, got %d", store.calls.Load())
	}
}

func TestDenialIsCachedToo(t *testing.T) {
	a, _, store := setup()
	p := principal("parent")

	a.Authorize(ctx, p, "FINANCE_VIEW", store)
	d, _ := a.Authorize(ctx, p, "FINANCE_VIEW", store)
	if d.Allowed || d.Layer != authz.LayerCache {
		t.Errorf("expected cached denial, got %+v", d)
	}
}

func TestInvalidateForcesRequery(t *testing.T) {
	a, cache, store := setup()
	store.set("FINANCE_VIEW", true)
	p := principal("teacher")

	a.Authorize(ctx, p, "FINANCE_VIEW", store)
	if err := cache.Invalidate(ctx, gw.SubjectKey{TenantCode: "k001", UserID: 42}); err != nil {
		t.Fatal(err)
	}
	store.set("FINANCE_VIEW", false)

	d, err := a.Authorize(ctx, p, "FINANCE_VIEW", store)
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed || d.Layer != authz.LayerDB {
		t.Errorf("expected fresh db denial, got %+v", d)
	}
	if store.calls.Load() != 2 {
		t.Errorf("expected a second db call, got %d", store.calls.Load())
	}
}

func TestRoleRevocationReachesEveryHolder(t *testing.T) {
	a, cache, store := setup()
	store.set("STUDENT_MANAGE", true)
	p1, p2 := principal("principal"), principal("principal")
	p2.ID = 43

	for _, p := range []domain.Principal{p1, p2} {
		if d, _ := a.Authorize(ctx, p, "STUDENT_MANAGE", store); !d.Allowed {
			t.Fatalf("expected grant before revoke")
		}
	}

	store.set("STUDENT_MANAGE", false)
	inv := authz.NewInvalidator(cache, time.Second, "memory", nil)
	inv.Role(ctx, "k001", "principal")
	if err := inv.Drain(ctx); err != nil {
		t.Fatal(err)
	}

	for _, p := range []domain.Principal{p1, p2} {
		if d, _ := a.Authorize(ctx, p, "STUDENT_MANAGE", store); d.Allowed {
			t.Errorf("user %d still allowed after revoke", p.ID)
		}
	}
}

func TestCacheFailureFallsThroughToDB(t *testing.T) {
	store := &countingStore{grants: map[string]bool{"FINANCE_VIEW": true}}
	a := authz.New(brokenCache{PermissionCache: inmem.NewPermissionCache(10, time.Minute, nil)})

	d, err := a.Authorize(ctx, principal("teacher"), "FINANCE_VIEW", store)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if !d.Allowed || d.Layer != authz.LayerDB {
		t.Errorf("expected db decision, got %+v", d)
	}
}

func TestDBFailureIsInternal(t *testing.T) {
	a, _, store := setup()
	store.err = errors.New("timeout")

	_, err := a.Authorize(ctx, principal("teacher"), "FINANCE_VIEW", store)
	if !errors.Is(err, domain.ErrInternal) {
		t.Errorf("expected INTERNAL_ERROR, got %v", err)
	}
}

func TestNilCache(t *testing.T) {
	store := &countingStore{grants: map[string]bool{"FINANCE_VIEW": true}}
	a := authz.New(nil)
	for i := 0; i < 2; i++ {
		d, err := a.Authorize(ctx, principal("teacher"), "FINANCE_VIEW", store)
		if err != nil || !d.Allowed || d.Layer != authz.LayerDB {
			t.Errorf("got %+v, %v", d, err)
		}
	}
}

func TestEmptyPermissionDenied(t *testing.T) {
	a, _, store := setup()
	d, _ := a.Authorize(ctx, principal("parent"), "", store)
	if d.Allowed {
		t.Error("empty permission must be denied")
	}
}

func TestRequireRole(t *testing.T) {
	a := authz.New(nil)
	tests := []struct {
		role  string
		kinds []domain.RoleKind
		ok    bool
	}{
		{"teacher", []domain.RoleKind{domain.RoleTeacher, domain.RolePrincipal}, true},
		{"parent", []domain.RoleKind{domain.RoleTeacher}, false},
		{"admin", []domain.RoleKind{domain.RoleParent}, true},
		{"accountant", []domain.RoleKind{domain.RoleTeacher}, false},
	}
	for _, tt := range tests {
		err := a.RequireRole(ctx, principal(tt.role), tt.kinds...)
		if tt.ok && err != nil {
			t.Errorf("%s: unexpected error %v", tt.role, err)
		}
		if !tt.ok && !errors.Is(err, domain.ErrInsufficientRole) {
			t.Errorf("%s: expected INSUFFICIENT_ROLE, got %v", tt.role, err)
		}
	}
}
