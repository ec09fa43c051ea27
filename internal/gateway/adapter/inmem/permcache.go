// Package inmem provides in-process implementations of the gateway caches.
package inmem

import (
	"context"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	gw "tenantgate/internal/gateway"
)

// EventObserver is told about cache events (hit, miss, stale_put, invalidate).
type EventObserver func(ctx context.Context, event string)

type entry struct {
	allowed bool
	stamp   gw.CacheStamp
}

// PermissionCache is a process-local gateway.PermissionCache. Entries carry
// the subject generation and tenant epoch they were computed under; any
// invalidation bumps one of those counters, which makes older entries
// unreadable and rejects Puts stamped before it.
//
// Generations are dropped whenever their tenant epoch moves, and all of them
// are folded into epoch bumps once more than maxGens subjects are tracked.
// Epochs never reset, so a dropped generation cannot revive an old stamp.
type PermissionCache struct {
	observe EventObserver
	maxGens int

	mu      sync.Mutex
	entries *lru.LRU[string, entry]
	gens    map[string]map[int64]uint64
	tracked int
	epochs  map[string]uint64
}

// NewPermissionCache holds at most size decisions for ttl each.
func NewPermissionCache(size int, ttl time.Duration, observe EventObserver) *PermissionCache {
	if observe == nil {
		observe = func(context.Context, string) {}
	}
	return &PermissionCache{
		observe: observe,
		maxGens: max(size, 1),
		entries: lru.NewLRU[string, entry](size, nil, ttl),
		gens:    make(map[string]map[int64]uint64),
		epochs:  make(map[string]uint64),
	}
}

func entryKey(key gw.SubjectKey, code string) string {
	return key.TenantCode + ":" + strconv.FormatInt(key.UserID, 10) + ":" + code
}

func (c *PermissionCache) stampLocked(key gw.SubjectKey) gw.CacheStamp {
	return gw.CacheStamp{Epoch: c.epochs[key.TenantCode], Generation: c.gens[key.TenantCode][key.UserID]}
}

func (c *PermissionCache) foldGensLocked() {
	for tenant := range c.gens {
		c.epochs[tenant]++
	}
	c.gens = make(map[string]map[int64]uint64)
	c.tracked = 0
}

func (c *PermissionCache) Get(ctx context.Context, key gw.SubjectKey, code string) (gw.CacheLookup, error) {
	c.mu.Lock()
	stamp := c.stampLocked(key)
	e, ok := c.entries.Get(entryKey(key, code))
	c.mu.Unlock()

	if ok && e.stamp == stamp {
		c.observe(ctx, "hit")
		return gw.CacheLookup{Allowed: e.allowed, Hit: true, Stamp: stamp}, nil
	}
	c.observe(ctx, "miss")
	return gw.CacheLookup{Stamp: stamp}, nil
}

func (c *PermissionCache) Put(ctx context.Context, key gw.SubjectKey, code string, allowed bool, stamp gw.CacheStamp) error {
	c.mu.Lock()
	current := c.stampLocked(key)
	if current != stamp {
		c.mu.Unlock()
		c.observe(ctx, "stale_put")
		return nil
	}
	c.entries.Add(entryKey(key, code), entry{allowed: allowed, stamp: stamp})
	c.mu.Unlock()
	return nil
}

func (c *PermissionCache) Invalidate(ctx context.Context, key gw.SubjectKey) error {
	c.mu.Lock()
	users := c.gens[key.TenantCode]
	if _, ok := users[key.UserID]; !ok && c.tracked >= c.maxGens {
		c.foldGensLocked()
		users = nil
	}
	if users == nil {
		users = make(map[int64]uint64)
		c.gens[key.TenantCode] = users
	}
	if _, ok := users[key.UserID]; !ok {
		c.tracked++
	}
	users[key.UserID]++
	c.mu.Unlock()
	c.observe(ctx, "invalidate")
	return nil
}

// InvalidateRole invalidates the whole tenant: role membership is not
// indexed, so every subject of the tenant may be affected.
func (c *PermissionCache) InvalidateRole(ctx context.Context, tenantCode, _ string) error {
	return c.InvalidateAll(ctx, tenantCode)
}

func (c *PermissionCache) InvalidateAll(ctx context.Context, tenantCode string) error {
	c.mu.Lock()
	c.epochs[tenantCode]++
	c.tracked -= len(c.gens[tenantCode])
	delete(c.gens, tenantCode)
	c.mu.Unlock()
	c.observe(ctx, "invalidate")
	return nil
}

// Len returns the number of stored decisions, including unreadable ones.
func (c *PermissionCache) Len() int {
	return c.entries.Len()
}

// Generations returns the number of subjects with a live generation counter.
func (c *PermissionCache) Generations() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tracked
}
