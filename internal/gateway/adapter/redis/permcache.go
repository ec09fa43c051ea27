// Package redis implements the cluster-wide PermissionCache on Redis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	gw "tenantgate/internal/gateway"
)

// NewClient parses url and verifies the connection, with the same timeouts
// for every command.
func NewClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.PoolTimeout = 4 * time.Second

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// putScript stores a decision only if the tenant epoch and subject
// generation still match the stamp taken at read time.
var putScript = redis.NewScript(`
local epoch = tonumber(redis.call('GET', KEYS[1]) or '0')
local gen = tonumber(redis.call('GET', KEYS[2]) or '0')
if epoch ~= tonumber(ARGV[1]) or gen ~= tonumber(ARGV[2]) then
	return 0
end
redis.call('HSET', KEYS[3], ARGV[3], ARGV[4])
redis.call('PEXPIRE', KEYS[3], ARGV[5])
return 1
`)

// PermissionCache is a gateway.PermissionCache shared by every gateway
// instance. Decisions live in one hash per subject; each value records the
// epoch and generation it was computed under plus its own expiry.
type PermissionCache struct {
	rdb     *redis.Client
	prefix  string
	ttl     time.Duration
	now     func() time.Time
	observe func(ctx context.Context, event string)
}

// NewPermissionCache creates a cache with keys under prefix.
func NewPermissionCache(rdb *redis.Client, prefix string, ttl time.Duration, observe func(context.Context, string)) *PermissionCache {
	if prefix == "" {
		prefix = "perm"
	}
	if observe == nil {
		observe = func(context.Context, string) {}
	}
	return &PermissionCache{rdb: rdb, prefix: prefix, ttl: ttl, now: time.Now, observe: observe}
}

func (c *PermissionCache) genRetention() time.Duration {
	return 2 * c.ttl
}

func (c *PermissionCache) epochKey(tenant string) string {
	return fmt.Sprintf("%s:%s:epoch", c.prefix, tenant)
}

func (c *PermissionCache) genKey(k gw.SubjectKey) string {
	return fmt.Sprintf("%s:%s:gen:%d", c.prefix, k.TenantCode, k.UserID)
}

func (c *PermissionCache) hashKey(k gw.SubjectKey) string {
	return fmt.Sprintf("%s:%s:u:%d", c.prefix, k.TenantCode, k.UserID)
}

func (c *PermissionCache) Get(ctx context.Context, key gw.SubjectKey, code string) (gw.CacheLookup, error) {
	var epochCmd, genCmd *redis.StringCmd
	var valCmd *redis.StringCmd
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		epochCmd = pipe.Get(ctx, c.epochKey(key.TenantCode))
		genCmd = pipe.Get(ctx, c.genKey(key))
		valCmd = pipe.HGet(ctx, c.hashKey(key), code)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return gw.CacheLookup{}, fmt.Errorf("redis get: %w", err)
	}

	stamp := gw.CacheStamp{Epoch: counter(epochCmd), Generation: counter(genCmd)}
	val, err := valCmd.Result()
	if err != nil {
		c.observe(ctx, "miss")
		return gw.CacheLookup{Stamp: stamp}, nil
	}

	allowed, ok := c.decode(val, stamp)
	if !ok {
		c.observe(ctx, "miss")
		return gw.CacheLookup{Stamp: stamp}, nil
	}
	c.observe(ctx, "hit")
	return gw.CacheLookup{Allowed: allowed, Hit: true, Stamp: stamp}, nil
}

func counter(cmd *redis.StringCmd) uint64 {
	n, err := cmd.Uint64()
	if err != nil {
		return 0
	}
	return n
}

// decode parses "epoch|gen|allowed|expiresAtMs" and reports whether the
// value is valid under stamp.
func (c *PermissionCache) decode(val string, stamp gw.CacheStamp) (bool, bool) {
	parts := strings.Split(val, "|")
	if len(parts) != 4 {
		return false, false
	}
	epoch, err1 := strconv.ParseUint(parts[0], 10, 64)
	gen, err2 := strconv.ParseUint(parts[1], 10, 64)
	exp, err3 := strconv.ParseInt(parts[3], 10, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return false, false
	}
	if epoch != stamp.Epoch || gen != stamp.Generation || c.now().UnixMilli() >= exp {
		return false, false
	}
	return parts[2] == "1", true
}

func (c *PermissionCache) Put(ctx context.Context, key gw.SubjectKey, code string, allowed bool, stamp gw.CacheStamp) error {
	flag := "0"
	if allowed {
		flag = "1"
	}
	val := fmt.Sprintf("%d|%d|%s|%d", stamp.Epoch, stamp.Generation, flag, c.now().Add(c.ttl).UnixMilli())

	stored, err := putScript.Run(ctx, c.rdb,
		[]string{c.epochKey(key.TenantCode), c.genKey(key), c.hashKey(key)},
		stamp.Epoch, stamp.Generation, code, val, c.ttl.Milliseconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("redis put: %w", err)
	}
	if stored == 0 {
		c.observe(ctx, "stale_put")
	}
	return nil
}

// Invalidate bumps the subject generation and drops its decisions. The
// generation key only has to outlive Puts stamped before the bump, so it
// expires after genRetention.
func (c *PermissionCache) Invalidate(ctx context.Context, key gw.SubjectKey) error {
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, c.genKey(key))
		if r := c.genRetention(); r > 0 {
			pipe.PExpire(ctx, c.genKey(key), r)
		}
		pipe.Del(ctx, c.hashKey(key))
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis invalidate %s: %w", key, err)
	}
	c.observe(ctx, "invalidate")
	return nil
}

// InvalidateRole bumps the tenant epoch: role membership is not indexed.
func (c *PermissionCache) InvalidateRole(ctx context.Context, tenantCode, _ string) error {
	return c.InvalidateAll(ctx, tenantCode)
}

func (c *PermissionCache) InvalidateAll(ctx context.Context, tenantCode string) error {
	if err := c.rdb.Incr(ctx, c.epochKey(tenantCode)).Err(); err != nil {
		return fmt.Errorf("redis invalidate tenant %s: %w", tenantCode, err)
	}
	c.observe(ctx, "invalidate")
	return nil
}
