package inmem

import (
	"context"
	"errors"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"tenantgate/internal/domain"
	gw "tenantgate/internal/gateway"
)

// TenantRegistry answers from static entries first, then from a TTL cache
// of earlier remote answers, then from remote. Concurrent misses for one
// code share a single remote call. Errors are never cached.
type TenantRegistry struct {
	static map[string]domain.TenantRecord
	remote gw.TenantRegistry
	cache  *lru.LRU[string, domain.TenantRecord]
	group  singleflight.Group
}

// NewTenantRegistry creates a registry. remote may be nil, in which case
// only static entries resolve.
func NewTenantRegistry(static []domain.TenantRecord, remote gw.TenantRegistry, size int, ttl time.Duration) *TenantRegistry {
	m := make(map[string]domain.TenantRecord, len(static))
	for _, rec := range static {
		m[rec.Code] = rec
	}
	return &TenantRegistry{
		static: m,
		remote: remote,
		cache:  lru.NewLRU[string, domain.TenantRecord](size, nil, ttl),
	}
}

func (r *TenantRegistry) Lookup(ctx context.Context, code string) (domain.TenantRecord, error) {
	if rec, ok := r.static[code]; ok {
		return rec, nil
	}
	if rec, ok := r.cache.Get(code); ok {
		return rec, nil
	}
	if r.remote == nil {
		return domain.TenantRecord{}, domain.ErrTenantNotFound
	}

	ch := r.group.DoChan(code, func() (any, error) {
		rec, err := r.remote.Lookup(context.WithoutCancel(ctx), code)
		if err != nil {
			return nil, err
		}
		r.cache.Add(code, rec)
		return rec, nil
	})
	// A caller that gives up leaves the shared lookup running for the others.
	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return domain.TenantRecord{}, domain.Wrap(domain.ErrTenantRegistryUnavailable, ctx.Err())
	}
	if err := res.Err; err != nil {
		var de *domain.Error
		if !errors.As(err, &de) {
			err = domain.Wrap(domain.ErrTenantRegistryUnavailable, err)
		}
		return domain.TenantRecord{}, err
	}
	return res.Val.(domain.TenantRecord), nil
}
