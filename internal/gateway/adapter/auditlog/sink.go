// Package auditlog writes audit records to a structured logger without
// blocking the request path.
package auditlog

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"tenantgate/internal/domain"
)

// Sink buffers records in a bounded channel drained by one goroutine.
// When the buffer is full, records are dropped and counted.
type Sink struct {
	logger    *slog.Logger
	records   chan domain.AuditRecord
	onDrop    func()
	dropped   atomic.Int64
	closeOnce sync.Once
	done      chan struct{}
	mu        sync.RWMutex
	closed    bool
}

// New starts a Sink writing to logger with room for buffer pending records.
// onDrop may be nil.
func New(logger *slog.Logger, buffer int, onDrop func()) *Sink {
	if onDrop == nil {
		onDrop = func() {}
	}
	s := &Sink{
		logger:  logger,
		records: make(chan domain.AuditRecord, buffer),
		onDrop:  onDrop,
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

// Emit enqueues rec. It never blocks.
func (s *Sink) Emit(rec domain.AuditRecord) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.drop()
		return
	}
	select {
	case s.records <- rec:
	default:
		s.drop()
	}
}

func (s *Sink) drop() {
	s.dropped.Add(1)
	s.onDrop()
}

// Dropped returns how many records were discarded.
func (s *Sink) Dropped() int64 { return s.dropped.Load() }

func (s *Sink) run() {
	defer close(s.done)
	for rec := range s.records {
		s.logger.LogAttrs(context.Background(), slog.LevelInfo, "audit",
			slog.Time("timestamp", rec.Timestamp),
			slog.String("tenant", rec.TenantCode),
			slog.String("request_id", rec.RequestID),
			slog.Int64("subject_id", rec.SubjectID),
			slog.String("action", rec.Action),
			slog.String("resource_type", rec.ResourceType),
			slog.String("resource_id", rec.ResourceID),
			slog.String("result", string(rec.Result)),
			slog.String("reason", rec.Reason),
		)
	}
}

// Close stops accepting records and waits for the buffer to drain or ctx
// to expire.
func (s *Sink) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.records)
		s.mu.Unlock()
	})
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
