// Package audit records an append-only, digest-chained trail of every
// compliance action
package audit

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/savegress/complycore/internal/metrics"
	"github.com/savegress/complycore/internal/storage"
	"github.com/savegress/complycore/pkg/models"
	"go.uber.org/zap"
	"golang.org/x/crypto/sha3"
)

// Store is the append-only persistence behind the logger
type Store interface {
	AppendAudit(ctx context.Context, rec *models.AuditRecord) error
	LastAuditDigest(ctx context.Context, tenantID string) (string, error)
}

// Logger writes audit records asynchronously. Record never blocks the
// caller; a single writer goroutine keeps each tenant's digest chain ordered.
type Logger struct {
	store   Store
	metrics *metrics.Metrics
	logger  *zap.SugaredLogger

	mu       sync.Mutex
	running  bool
	stopCh   chan struct{}
	recordCh chan *models.AuditRecord
	wg       sync.WaitGroup

	// last digest per tenant, owned by the writer goroutine
	heads map[string]string
	now   func() time.Time
}

// NewLogger creates a new audit logger with the given buffer size
func NewLogger(store Store, bufferSize int, m *metrics.Metrics, logger *zap.SugaredLogger) *Logger {
	if store == nil {
		panic("audit: store is required")
	}
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &Logger{
		store:    store,
		metrics:  m,
		logger:   logger.Named("audit"),
		stopCh:   make(chan struct{}),
		recordCh: make(chan *models.AuditRecord, bufferSize),
		heads:    make(map[string]string),
		now:      time.Now,
	}
}

// Start starts the background writer
func (l *Logger) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return nil
	}
	l.running = true
	l.wg.Add(1)
	go l.processRecords(ctx)
	return nil
}

// Stop stops the writer after flushing buffered records
func (l *Logger) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	close(l.stopCh)
	l.mu.Unlock()
	l.wg.Wait()
}

// Record queues an audit record. When the buffer is full the record is
// dropped and counted.
func (l *Logger) Record(ctx context.Context, rec *models.AuditRecord) {
	if rec == nil {
		return
	}
	cp := *rec
	if cp.ID == "" {
		cp.ID = storage.NewID("aud")
	}
	if cp.Timestamp.IsZero() {
		cp.Timestamp = l.now().UTC()
	}

	select {
	case l.recordCh <- &cp:
	default:
		l.metrics.AuditRecord("dropped")
		l.logger.Warnw("Audit buffer full, dropping record",
			"tenant_id", cp.TenantID, "action", cp.ActionType, "entity_id", cp.EntityID)
	}
}

func (l *Logger) processRecords(ctx context.Context) {
	defer l.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			for {
				select {
				case rec := <-l.recordCh:
					l.write(ctx, rec)
				default:
					return
				}
			}
		case rec := <-l.recordCh:
			l.write(ctx, rec)
		}
	}
}

func (l *Logger) write(ctx context.Context, rec *models.AuditRecord) {
	prev, ok := l.heads[rec.TenantID]
	if !ok {
		var err error
		prev, err = l.store.LastAuditDigest(ctx, rec.TenantID)
		if err != nil {
			l.metrics.AuditRecord("failed")
			l.logger.Errorw("Failed to load audit chain head", "tenant_id", rec.TenantID, "error", err)
			return
		}
	}

	digest, err := Digest(prev, rec)
	if err != nil {
		l.metrics.AuditRecord("failed")
		l.logger.Errorw("Failed to digest audit record", "id", rec.ID, "error", err)
		return
	}
	rec.Digest = digest

	if err := l.store.AppendAudit(ctx, rec); err != nil {
		l.metrics.AuditRecord("failed")
		l.logger.Errorw("Failed to append audit record",
			"tenant_id", rec.TenantID, "action", rec.ActionType, "error", err)
		return
	}
	l.heads[rec.TenantID] = digest
	l.metrics.AuditRecord("written")
}

// Digest computes the SHA3-256 chain digest of rec over the previous
// digest of the same tenant
func Digest(prev string, rec *models.AuditRecord) (string, error) {
	canonical, err := json.Marshal(map[string]interface{}{
		"prev":        prev,
		"id":          rec.ID,
		"tenant_id":   rec.TenantID,
		"action_type": rec.ActionType,
		"entity_type": rec.EntityType,
		"entity_id":   rec.EntityID,
		"description": rec.Description,
		"metadata":    rec.Metadata,
		"timestamp":   rec.Timestamp.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return "", err
	}
	sum := sha3.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyChain checks a tenant's records in append order and reports the
// first record whose digest does not match
func VerifyChain(records []*models.AuditRecord) error {
	prev := ""
	for i, rec := range records {
		want, err := Digest(prev, rec)
		if err != nil {
			return fmt.Errorf("record %d: %w", i, err)
		}
		if rec.Digest != want {
			return fmt.Errorf("record %d (%s): digest mismatch", i, rec.ID)
		}
		prev = rec.Digest
	}
	return nil
}
