package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/savegress/complycore/internal/storage"
	"github.com/savegress/complycore/pkg/models"
	"go.uber.org/zap"
)

// MockStore wraps the memory store with error injection
type MockStore struct {
	*storage.Memory
	mu        sync.Mutex
	appendErr error
	appends   int
}

func (m *MockStore) AppendAudit(ctx context.Context, rec *models.AuditRecord) error {
	m.mu.Lock()
	m.appends++
	err := m.appendErr
	m.mu.Unlock()
	if err != nil {
		return err
	}
	return m.Memory.AppendAudit(ctx, rec)
}

func newTestLogger(store Store, size int) *Logger {
	return NewLogger(store, size, nil, zap.NewNop().Sugar())
}

func TestLogger_StartStop(t *testing.T) {
	l := newTestLogger(storage.NewMemory(), 10)
	ctx := context.Background()

	if err := l.Start(ctx); err != nil {
		t.Fatalf("failed to start logger: %v", err)
	}
	if !l.running {
		t.Error("logger should be running")
	}
	if err := l.Start(ctx); err != nil {
		t.Fatalf("second start should not fail: %v", err)
	}

	l.Stop()
	if l.running {
		t.Error("logger should not be running after stop")
	}
	l.Stop()
}

func TestLogger_RecordsAreChained(t *testing.T) {
	store := storage.NewMemory()
	l := newTestLogger(store, 10)
	ctx := context.Background()
	l.Start(ctx)

	for i, action := range []string{"alert_created", "alert_acknowledged", "alert_resolved"} {
		l.Record(ctx, &models.AuditRecord{
			TenantID:   "t1",
			ActionType: action,
			EntityType: "alert",
			EntityID:   "alt_1",
			Metadata:   map[string]interface{}{"step": i},
		})
	}
	l.Record(ctx, &models.AuditRecord{TenantID: "t2", ActionType: "edd_created", EntityType: "investigation", EntityID: "edd_1"})
	l.Stop()

	recs, _ := store.ListAudit(ctx, "t1")
	if len(recs) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recs))
	}
	for _, r := range recs {
		if r.ID == "" || r.Timestamp.IsZero() || r.Digest == "" {
			t.Errorf("expected id, timestamp and digest to be set, got %+v", r)
		}
	}
	if err := VerifyChain(recs); err != nil {
		t.Errorf("expected valid chain, got %v", err)
	}

	recs[1].Description = "tampered"
	if err := VerifyChain(recs); err == nil {
		t.Error("expected tampering to break the chain")
	}

	other, _ := store.ListAudit(ctx, "t2")
	if len(other) != 1 {
		t.Errorf("expected 1 record for t2, got %d", len(other))
	}
}

func TestLogger_ResumesChainFromStore(t *testing.T) {
	store := storage.NewMemory()
	ctx := context.Background()

	first := newTestLogger(store, 10)
	first.Start(ctx)
	first.Record(ctx, &models.AuditRecord{TenantID: "t1", ActionType: "a"})
	first.Stop()

	second := newTestLogger(store, 10)
	second.Start(ctx)
	second.Record(ctx, &models.AuditRecord{TenantID: "t1", ActionType: "b"})
	second.Stop()

	recs, _ := store.ListAudit(ctx, "t1")
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if err := VerifyChain(recs); err != nil {
		t.Errorf("expected chain to continue across loggers, got %v", err)
	}
}

func TestLogger_StoreFailureDoesNotAdvanceChain(t *testing.T) {
	store := &MockStore{Memory: storage.NewMemory(), appendErr: errors.New("db down")}
	l := newTestLogger(store, 10)
	ctx := context.Background()
	l.Start(ctx)
	l.Record(ctx, &models.AuditRecord{TenantID: "t1", ActionType: "lost"})
	l.Stop()

	if store.appends != 1 {
		t.Errorf("expected 1 append attempt, got %d", store.appends)
	}
	if _, ok := l.heads["t1"]; ok {
		t.Error("expected chain head to stay unset after failed append")
	}
}

func TestLogger_RecordNeverBlocks(t *testing.T) {
	l := newTestLogger(storage.NewMemory(), 1)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			l.Record(context.Background(), &models.AuditRecord{TenantID: "t1", ActionType: "x"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record blocked on a full buffer")
	}
	if len(l.recordCh) != 1 {
		t.Errorf("expected 1 buffered record, got %d", len(l.recordCh))
	}
}

func TestDigestIsDeterministic(t *testing.T) {
	rec := &models.AuditRecord{
		ID:         "aud_1",
		TenantID:   "t1",
		ActionType: "alert_created",
		Timestamp:  time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC),
		Metadata:   map[string]interface{}{"b": 2, "a": 1},
	}
	d1, err := Digest("", rec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	d2, _ := Digest("", rec)
	if d1 != d2 {
		t.Errorf("expected stable digest, got %s and %s", d1, d2)
	}
	if len(d1) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(d1))
	}
	if d3, _ := Digest(d1, rec); d3 == d1 {
		t.Error("expected previous digest to change the result")
	}
}
