package auditlog_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"tenantgate/internal/domain"
	"tenantgate/internal/gateway/adapter/auditlog"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestSinkWritesJSON(t *testing.T) {
	var buf syncBuffer
	s := auditlog.New(slog.New(slog.NewJSONHandler(&buf, nil)), 8, nil)

	s.Emit(domain.AuditRecord{
		Timestamp:    time.Now(),
		TenantCode:   "k001",
		SubjectID:    7,
		Action:       "kindergarten.access",
		ResourceType: "kindergarten",
		ResourceID:   "2",
		Result:       domain.AuditAllowed,
		Reason:       "cross_kindergarten",
	})
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &entry); err != nil {
		t.Fatalf("decoding log line %q: %v", buf.String(), err)
	}
	if entry["msg"] != "audit" || entry["tenant"] != "k001" || entry["result"] != "allowed" {
		t.Errorf("unexpected entry: %v", entry)
	}
	if entry["subject_id"] != float64(7) {
		t.Errorf("unexpected subject_id: %v", entry["subject_id"])
	}
}

type blockingWriter struct {
	release chan struct{}
}

func (w *blockingWriter) Write(p []byte) (int, error) {
	<-w.release
	return len(p), nil
}

func TestSinkDropsWhenFull(t *testing.T) {
	w := &blockingWriter{release: make(chan struct{})}
	var drops int
	var mu sync.Mutex
	s := auditlog.New(slog.New(slog.NewJSONHandler(w, nil)), 1, func() {
		mu.Lock()
		drops++
		mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			s.Emit(domain.AuditRecord{Action: "x"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked on a full buffer")
	}

	close(w.release)
	s.Close(context.Background())

	if s.Dropped() == 0 {
		t.Error("expected some records to be dropped")
	}
	mu.Lock()
	defer mu.Unlock()
	if int64(drops) != s.Dropped() {
		t.Errorf("onDrop called %d times, Dropped() = %d", drops, s.Dropped())
	}
}

func TestSinkEmitAfterClose(t *testing.T) {
	s := auditlog.New(slog.New(slog.NewJSONHandler(io.Discard, nil)), 4, nil)
	s.Close(context.Background())
	s.Emit(domain.AuditRecord{Action: "late"})
	if s.Dropped() != 1 {
		t.Errorf("expected late record to be dropped, got %d", s.Dropped())
	}
}
