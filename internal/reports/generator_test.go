package reports

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/savegress/complycore/internal/storage"
	"github.com/savegress/complycore/pkg/models"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type MockAudit struct {
	mu      sync.Mutex
	records []*models.AuditRecord
}

func (m *MockAudit) Record(ctx context.Context, rec *models.AuditRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
}

type MockEvents struct {
	mu     sync.Mutex
	events []string
}

func (m *MockEvents) Dispatch(ctx context.Context, tenantID, eventType string, payload interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, eventType)
}

// Monday 2 March 2026, 10:00 UTC
var fixedNow = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func newTestGenerator() (*Generator, *storage.Memory, *MockAudit, *MockEvents) {
	store := storage.NewMemory()
	audit := &MockAudit{}
	events := &MockEvents{}
	g := NewGenerator(store, audit, events, nil, zap.NewNop().Sugar())
	g.now = func() time.Time { return fixedNow }
	return g, store, audit, events
}

func TestReferenceFormats(t *testing.T) {
	smr := regexp.MustCompile(`^SMR_\d{13}_[0-9a-f]{9}$`)
	ttr := regexp.MustCompile(`^TTR-\d{8}-[0-9A-F]{8}$`)

	if ref := SMRReference(fixedNow); !smr.MatchString(ref) {
		t.Errorf("unexpected SMR reference %q", ref)
	}
	ref := TTRReference(fixedNow, time.UTC)
	if !ttr.MatchString(ref) {
		t.Errorf("unexpected TTR reference %q", ref)
	}
	if ref[4:12] != "20260302" {
		t.Errorf("expected date 20260302, got %s", ref[4:12])
	}

	sydney, err := time.LoadLocation("Australia/Sydney")
	if err != nil {
		t.Skip("tzdata not available")
	}
	late := time.Date(2026, 3, 2, 20, 0, 0, 0, time.UTC)
	if got := TTRReference(late, sydney)[4:12]; got != "20260303" {
		t.Errorf("expected local date 20260303, got %s", got)
	}
}

func TestGenerateSMR(t *testing.T) {
	cfg := models.DefaultRegionalConfig("AU")

	tests := []struct {
		name      string
		terrorism bool
		want      time.Time
	}{
		{"standard deadline is three business days", false, time.Date(2026, 3, 5, 10, 0, 0, 0, time.UTC)},
		{"terrorism deadline is 24 hours", true, fixedNow.Add(24 * time.Hour)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, store, audit, events := newTestGenerator()
			o, err := g.GenerateSMR(context.Background(), "t1", cfg, ActivityDetails{
				CustomerID:     "c1",
				TransactionIDs: []string{"tx1", "tx2"},
				TotalAmount:    decimal.NewFromInt(27500),
				Currency:       "AUD",
				Indicators:     []string{"3 transactions between AUD 9,000 and AUD 10,000 in 30 days"},
				Terrorism:      tt.terrorism,
			})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !o.Deadline.Equal(tt.want) {
				t.Errorf("expected deadline %v, got %v", tt.want, o.Deadline)
			}
			if o.Urgent != tt.terrorism {
				t.Errorf("expected urgent=%v", tt.terrorism)
			}

			stored, err := store.GetObligation(context.Background(), "t1", o.ID)
			if err != nil {
				t.Fatalf("expected stored obligation: %v", err)
			}
			if len(stored.Indicators) != 1 {
				t.Errorf("expected indicators to be stored, got %v", stored.Indicators)
			}
			if len(audit.records) != 1 || audit.records[0].ActionType != "smr_generated" {
				t.Errorf("expected smr_generated audit record, got %+v", audit.records)
			}
			if len(events.events) != 1 || events.events[0] != "report.generated" {
				t.Errorf("expected report.generated event, got %v", events.events)
			}
		})
	}
}

func TestGenerateSMRValidation(t *testing.T) {
	g, _, audit, _ := newTestGenerator()
	cfg := models.DefaultRegionalConfig("AU")

	_, err := g.GenerateSMR(context.Background(), "t1", cfg, ActivityDetails{})
	var verr *models.ValidationError
	if !errors.As(err, &verr) || verr.Field != "customer_id" {
		t.Errorf("expected customer_id validation error, got %v", err)
	}
	if _, err := g.GenerateSMR(context.Background(), "t1", nil, ActivityDetails{CustomerID: "c1"}); err == nil {
		t.Error("expected error for nil config")
	}
	if len(audit.records) != 0 {
		t.Error("expected no audit records after validation failure")
	}
}

func TestGenerateTTR(t *testing.T) {
	cfg := models.DefaultRegionalConfig("AU")
	ctx := context.Background()
	tx := &models.Transaction{
		ID:         "tx1",
		TenantID:   "t1",
		CustomerID: "c1",
		Type:       models.TransactionTypeCashDeposit,
		Amount:     decimal.NewFromInt(10000),
		Currency:   "AUD",
		CreatedAt:  fixedNow,
	}

	g, _, _, events := newTestGenerator()
	o, err := g.GenerateTTR(ctx, "t1", cfg, tx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := time.Date(2026, 3, 16, 10, 0, 0, 0, time.UTC)
	if !o.Deadline.Equal(want) {
		t.Errorf("expected deadline %v, got %v", want, o.Deadline)
	}
	if len(o.TransactionIDs) != 1 || o.TransactionIDs[0] != "tx1" {
		t.Errorf("expected transaction tx1, got %v", o.TransactionIDs)
	}

	again, err := g.GenerateTTR(ctx, "t1", cfg, tx)
	if !errors.Is(err, ErrAlreadyReported) {
		t.Fatalf("expected ErrAlreadyReported, got %v", err)
	}
	if again.ID != o.ID {
		t.Errorf("expected existing obligation %s, got %s", o.ID, again.ID)
	}
	if len(events.events) != 1 {
		t.Errorf("expected 1 event, got %d", len(events.events))
	}
}

func TestGenerateTTRRejects(t *testing.T) {
	cfg := models.DefaultRegionalConfig("AU")
	g, _, _, _ := newTestGenerator()

	tests := []struct {
		name string
		tx   *models.Transaction
	}{
		{"nil", nil},
		{"below threshold", &models.Transaction{ID: "a", Type: models.TransactionTypeCashDeposit, Amount: decimal.NewFromInt(9999)}},
		{"not cash", &models.Transaction{ID: "b", Type: models.TransactionTypeTransferIn, Amount: decimal.NewFromInt(20000)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := g.GenerateTTR(context.Background(), "t1", cfg, tt.tx)
			var verr *models.ValidationError
			if !errors.As(err, &verr) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestMarkSubmitted(t *testing.T) {
	g, store, audit, _ := newTestGenerator()
	ctx := context.Background()
	o, err := g.GenerateSMR(ctx, "t1", models.DefaultRegionalConfig("AU"), ActivityDetails{CustomerID: "c1", TotalAmount: decimal.NewFromInt(1)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := g.MarkSubmitted(ctx, "t1", o.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	outstanding, _ := store.ListOutstandingObligations(ctx, "t1", models.ObligationSMR)
	if len(outstanding) != 0 {
		t.Errorf("expected no outstanding SMRs, got %d", len(outstanding))
	}
	if audit.records[len(audit.records)-1].ActionType != "report_submitted" {
		t.Error("expected report_submitted audit record")
	}

	if _, err := g.MarkSubmitted(ctx, "t1", "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
