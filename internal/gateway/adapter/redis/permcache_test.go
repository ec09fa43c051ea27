package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	gw "tenantgate/internal/gateway"
	rediscache "tenantgate/internal/gateway/adapter/redis"
)

func setupCache(t *testing.T, ttl time.Duration) (*rediscache.PermissionCache, *miniredis.Miniredis, *[]string) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client, err := rediscache.NewClient(context.Background(), "redis://"+mr.Addr())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	var events []string
	c := rediscache.NewPermissionCache(client, "test", ttl, func(_ context.Context, e string) {
		events = append(events, e)
	})
	return c, mr, &events
}

var alice = gw.SubjectKey{TenantCode: "k001", UserID: 1}

func TestRedisCacheRoundTrip(t *testing.T) {
	c, _, _ := setupCache(t, time.Minute)
	ctx := context.Background()

	l, err := c.Get(ctx, alice, "FINANCE_VIEW")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if l.Hit {
		t.Fatal("expected miss")
	}
	if err := c.Put(ctx, alice, "FINANCE_VIEW", false, l.Stamp); err != nil {
		t.Fatalf("Put: %v", err)
	}

	l, err = c.Get(ctx, alice, "FINANCE_VIEW")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !l.Hit || l.Allowed {
		t.Errorf("expected cached denial, got %+v", l)
	}
}

func TestRedisCacheInvalidate(t *testing.T) {
	c, _, _ := setupCache(t, time.Minute)
	ctx := context.Background()

	l, _ := c.Get(ctx, alice, "FINANCE_VIEW")
	c.Put(ctx, alice, "FINANCE_VIEW", true, l.Stamp)
	if err := c.Invalidate(ctx, alice); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}

	l, _ = c.Get(ctx, alice, "FINANCE_VIEW")
	if l.Hit {
		t.Error("expected miss after invalidation")
	}
	if l.Stamp.Generation != 1 {
		t.Errorf("expected generation 1, got %d", l.Stamp.Generation)
	}
}

func TestRedisCacheStalePutRejected(t *testing.T) {
	c, _, events := setupCache(t, time.Minute)
	ctx := context.Background()

	l, _ := c.Get(ctx, alice, "FINANCE_VIEW")
	c.InvalidateAll(ctx, "k001")
	if err := c.Put(ctx, alice, "FINANCE_VIEW", true, l.Stamp); err != nil {
		t.Fatalf("Put: %v", err)
	}

	l, _ = c.Get(ctx, alice, "FINANCE_VIEW")
	if l.Hit {
		t.Error("stale grant must not be readable")
	}
	var stale int
	for _, e := range *events {
		if e == "stale_put" {
			stale++
		}
	}
	if stale != 1 {
		t.Errorf("expected one stale_put, got %v", *events)
	}
}

func TestRedisCacheRoleInvalidationIsTenantScoped(t *testing.T) {
	c, _, _ := setupCache(t, time.Minute)
	ctx := context.Background()
	other := gw.SubjectKey{TenantCode: "k002", UserID: 1}

	for _, k := range []gw.SubjectKey{alice, other} {
		l, _ := c.Get(ctx, k, "TASK_MANAGE")
		c.Put(ctx, k, "TASK_MANAGE", true, l.Stamp)
	}
	c.InvalidateRole(ctx, "k001", "teacher")

	if l, _ := c.Get(ctx, alice, "TASK_MANAGE"); l.Hit {
		t.Error("expected k001 entry to be invalidated")
	}
	if l, _ := c.Get(ctx, other, "TASK_MANAGE"); !l.Hit {
		t.Error("expected k002 entry to survive")
	}
}

func TestRedisCacheExpiry(t *testing.T) {
	c, mr, _ := setupCache(t, time.Second)
	ctx := context.Background()

	l, _ := c.Get(ctx, alice, "FINANCE_VIEW")
	c.Put(ctx, alice, "FINANCE_VIEW", true, l.Stamp)
	mr.FastForward(2 * time.Second)

	if l, _ := c.Get(ctx, alice, "FINANCE_VIEW"); l.Hit {
		t.Error("expected entry to expire")
	}
}

func TestRedisCacheGenerationExpires(t *testing.T) {
	c, mr, _ := setupCache(t, time.Second)
	ctx := context.Background()

	l, _ := c.Get(ctx, alice, "FINANCE_VIEW")
	c.Put(ctx, alice, "FINANCE_VIEW", true, l.Stamp)
	if err := c.Invalidate(ctx, alice); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if mr.Exists("test:k001:u:1") {
		t.Error("expected invalidation to drop the subject's decisions")
	}
	if ttl := mr.TTL("test:k001:gen:1"); ttl <= 0 || ttl > 2*time.Second {
		t.Errorf("expected generation key to expire within 2s, ttl=%s", ttl)
	}

	// A Put stamped before the bump is still rejected while the key lives.
	c.Put(ctx, alice, "FINANCE_VIEW", true, l.Stamp)
	if l, _ := c.Get(ctx, alice, "FINANCE_VIEW"); l.Hit {
		t.Error("stale grant must not be readable")
	}

	mr.FastForward(3 * time.Second)
	if mr.Exists("test:k001:gen:1") {
		t.Fatal("expected generation key to be pruned")
	}
	l, _ = c.Get(ctx, alice, "FINANCE_VIEW")
	if l.Hit || l.Stamp.Generation != 0 {
		t.Errorf("expected a clean miss, got %+v", l)
	}
	c.Put(ctx, alice, "FINANCE_VIEW", false, l.Stamp)
	if l, _ := c.Get(ctx, alice, "FINANCE_VIEW"); !l.Hit || l.Allowed {
		t.Errorf("expected cached denial after pruning, got %+v", l)
	}
}

func TestRedisCacheUnavailable(t *testing.T) {
	c, mr, _ := setupCache(t, time.Minute)
	mr.Close()

	if _, err := c.Get(context.Background(), alice, "FINANCE_VIEW"); err == nil {
		t.Error("expected error when redis is down")
	}
	if err := c.Invalidate(context.Background(), alice); err == nil {
		t.Error("expected invalidate error when redis is down")
	}
}
