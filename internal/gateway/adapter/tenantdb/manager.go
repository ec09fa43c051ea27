// Package tenantdb owns the process-wide tenant database handles and bounds
// how many requests may hold one at a time.
package tenantdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"tenantgate/internal/domain"
)

// Opener opens the database handle of a tenant. It is called at most once
// per tenant code for the lifetime of the Manager, unless it fails.
type Opener func(ctx context.Context, t domain.Tenant) (*sql.DB, error)

// Option configures a Manager.
type Option func(*Manager)

// WithLeaseObserver is notified with +1/-1 whenever a lease is taken or returned.
func WithLeaseObserver(fn func(ctx context.Context, delta int64)) Option {
	return func(m *Manager) { m.observe = fn }
}

// Manager hands out leases on per-tenant handles. Handles are opened lazily
// and shared; the total number of outstanding leases is bounded.
type Manager struct {
	open           Opener
	sem            *semaphore.Weighted
	acquireTimeout time.Duration
	observe        func(ctx context.Context, delta int64)

	group  singleflight.Group
	mu     sync.RWMutex
	dbs    map[string]*sql.DB
	closed bool
	active atomic.Int64
}

// NewManager creates a Manager allowing at most maxLeases concurrent leases.
// Acquire gives up after acquireTimeout.
func NewManager(open Opener, maxLeases int64, acquireTimeout time.Duration, opts ...Option) *Manager {
	m := &Manager{
		open:           open,
		sem:            semaphore.NewWeighted(maxLeases),
		acquireTimeout: acquireTimeout,
		observe:        func(context.Context, int64) {},
		dbs:            make(map[string]*sql.DB),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Lease is a request's claim on a tenant handle. Release must be called
// exactly once per Acquire; extra calls are no-ops.
type Lease struct {
	DB     *sql.DB
	Tenant string

	once    sync.Once
	release func()
}

// Release returns the lease slot.
func (l *Lease) Release() {
	l.once.Do(l.release)
}

// Acquire leases the handle for t. Pool exhaustion and open failures are
// reported as DB_CONNECTION_FAILED; Acquire never waits longer than the
// configured acquire timeout.
func (m *Manager) Acquire(ctx context.Context, t domain.Tenant) (*Lease, error) {
	actx, cancel := context.WithTimeout(ctx, m.acquireTimeout)
	defer cancel()

	if err := m.sem.Acquire(actx, 1); err != nil {
		return nil, domain.Wrap(domain.ErrDBConnectionFailed, fmt.Errorf("waiting for lease on %s: %w", t.Code, err))
	}

	db, err := m.handle(actx, t)
	if err != nil {
		m.sem.Release(1)
		return nil, domain.Wrap(domain.ErrDBConnectionFailed, err)
	}

	m.active.Add(1)
	m.observe(ctx, 1)
	return &Lease{
		DB:     db,
		Tenant: t.Code,
		release: func() {
			m.active.Add(-1)
			m.sem.Release(1)
			m.observe(context.Background(), -1)
		},
	}, nil
}

// Active returns the number of outstanding leases.
func (m *Manager) Active() int64 { return m.active.Load() }

func (m *Manager) handle(ctx context.Context, t domain.Tenant) (*sql.DB, error) {
	m.mu.RLock()
	db, ok := m.dbs[t.Code]
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, errors.New("tenantdb: manager closed")
	}
	if ok {
		return db, nil
	}

	ch := m.group.DoChan(t.Code, func() (any, error) {
		m.mu.RLock()
		db, ok := m.dbs[t.Code]
		m.mu.RUnlock()
		if ok {
			return db, nil
		}

		octx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.acquireTimeout)
		defer cancel()
		db, err := m.open(octx, t)
		if err != nil {
			return nil, fmt.Errorf("opening database for tenant %s: %w", t.Code, err)
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		if m.closed {
			db.Close()
			return nil, errors.New("tenantdb: manager closed")
		}
		m.dbs[t.Code] = db
		slog.Info("opened tenant database", "tenant", t.Code, "database", t.Database)
		return db, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*sql.DB), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for database of tenant %s: %w", t.Code, ctx.Err())
	}
}

// Close closes every tenant handle.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	var errs []error
	for code, db := range m.dbs {
		if err := db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", code, err))
		}
		delete(m.dbs, code)
	}
	return errors.Join(errs...)
}
