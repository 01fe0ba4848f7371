package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/savegress/complycore/internal/alerts"
	"github.com/savegress/complycore/internal/investigations"
	"github.com/savegress/complycore/internal/reports"
	"github.com/savegress/complycore/internal/risk"
	"github.com/savegress/complycore/internal/screening"
	"github.com/savegress/complycore/internal/storage"
	"github.com/savegress/complycore/internal/structuring"
	"github.com/savegress/complycore/pkg/models"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type MockConfigs struct {
	err error
}

func (m *MockConfigs) GetTenantConfig(ctx context.Context, tenantID string) (*models.RegionalConfig, error) {
	if m.err != nil {
		return nil, m.err
	}
	return models.DefaultRegionalConfig("AU"), nil
}

type MockAudit struct{}

func (MockAudit) Record(ctx context.Context, rec *models.AuditRecord) {}

type MockEvents struct {
	mu     sync.Mutex
	events []string
}

func (m *MockEvents) Dispatch(ctx context.Context, tenantID, eventType string, payload interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, eventType)
}

// PanickingStore panics when loading the configured customer
type PanickingStore struct {
	*storage.Memory
	customerID string
}

func (s *PanickingStore) GetCustomer(ctx context.Context, tenantID, id string) (*models.Customer, error) {
	if id == s.customerID {
		panic("corrupt customer record")
	}
	return s.Memory.GetCustomer(ctx, tenantID, id)
}

type fixture struct {
	orch   *Orchestrator
	mem    *storage.Memory
	events *MockEvents
	base   time.Time
}

func newFixture(t *testing.T, store Store, configs ConfigSource) *fixture {
	t.Helper()
	mem := storage.NewMemory()
	if store == nil {
		store = mem
	} else if ps, ok := store.(*PanickingStore); ok {
		mem = ps.Memory
	}
	if configs == nil {
		configs = &MockConfigs{}
	}

	logger := zap.NewNop().Sugar()
	events := &MockEvents{}
	screener := screening.NewScreener(0.85, logger)
	screener.LoadWatchlist(screening.ListSanctions, []screening.Entry{{ID: "SDN-1", Name: "Viktor Petrov"}})

	orch := New(Deps{
		Store:          store,
		Configs:        configs,
		Screener:       screener,
		Scorer:         risk.NewScorer(),
		Detector:       structuring.NewDetector(mem, logger),
		Alerts:         alerts.NewEngine(mem, mem, configs, MockAudit{}, events, nil, logger),
		Reports:        reports.NewGenerator(mem, MockAudit{}, events, nil, logger),
		Investigations: investigations.NewService(mem, MockAudit{}, events, nil, logger),
		Events:         events,
	}, Config{Workers: 3, QueueSize: 8}, nil, logger)

	return &fixture{orch: orch, mem: mem, events: events, base: time.Now().Add(-time.Hour)}
}

func (f *fixture) customer(id, name string) {
	f.mem.PutCustomer(&models.Customer{
		ID:                 id,
		TenantID:           "t1",
		Name:               name,
		VerificationStatus: models.VerificationVerified,
		CreatedAt:          f.base.AddDate(-1, 0, 0),
	})
}

func (f *fixture) tx(id, customerID string, typ models.TransactionType, amount int64, age time.Duration) string {
	f.mem.PutTransaction(&models.Transaction{
		ID:         id,
		TenantID:   "t1",
		CustomerID: customerID,
		Type:       typ,
		Amount:     decimal.NewFromInt(amount),
		Currency:   "AUD",
		CreatedAt:  f.base.Add(-age),
	})
	return id
}

func TestRunBatch(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	f.customer("c1", "Alice Normal")
	f.customer("c2", "Viktor Petrov")
	f.customer("c3", "Sam Splitter")
	f.customer("c4", "Cash Business")

	f.tx("h1", "c3", models.TransactionTypeCashDeposit, 9500, 5*24*time.Hour)
	f.tx("h2", "c3", models.TransactionTypeCashDeposit, 9400, 3*24*time.Hour)

	ids := []string{
		f.tx("tx1", "c1", models.TransactionTypeCard, 500, 0),
		f.tx("tx2", "c2", models.TransactionTypeTransferIn, 60000, 0),
		f.tx("tx3", "c3", models.TransactionTypeCashDeposit, 9600, 0),
		f.tx("tx4", "c4", models.TransactionTypeCashDeposit, 12000, 0),
	}

	res := f.orch.RunBatch(ctx, "t1", ids)

	if len(res.Errors) != 0 {
		t.Fatalf("unexpected errors: %+v", res.Errors)
	}
	checks := []struct {
		name      string
		got, want int
	}{
		{"transactions", res.Transactions, 4},
		{"customers", res.Customers, 4},
		{"screenings", res.Screenings, 4},
		{"screening matches", res.ScreeningMatches, 1},
		{"risk scored", res.RiskScored, 4},
		{"high risk", res.HighRisk, 1},
		{"structuring", res.StructuringDetected, 1},
		{"alerts created", res.AlertsCreated, 3},
		{"alerts skipped", res.AlertsSkipped, 0},
		{"smrs", res.SMRsGenerated, 1},
		{"ttrs", res.TTRsGenerated, 1},
		{"edd", res.EDDTriggered, 1},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s: expected %d, got %d", c.name, c.want, c.got)
		}
	}

	snap, err := f.mem.GetRiskSnapshot(ctx, "t1", "tx2")
	if err != nil {
		t.Fatalf("expected risk snapshot: %v", err)
	}
	if snap.Score != 80 || snap.Tier != models.RiskTierHigh {
		t.Errorf("expected score 80 high, got %d %s", snap.Score, snap.Tier)
	}

	inv, err := f.mem.FindActiveInvestigation(ctx, "t1", "c2")
	if err != nil || inv.TriggeredBy != "batch_compliance" {
		t.Errorf("expected EDD for c2, got %+v (%v)", inv, err)
	}

	smrs, _ := f.mem.ListOutstandingObligations(ctx, "t1", models.ObligationSMR)
	if len(smrs) != 1 || smrs[0].CustomerID != "c3" || len(smrs[0].Indicators) == 0 {
		t.Errorf("expected one SMR for c3 with indicators, got %+v", smrs)
	}

	if f.events.events[len(f.events.events)-1] != "batch.completed" {
		t.Error("expected batch.completed event last")
	}

	again := f.orch.RunBatch(ctx, "t1", ids)
	if again.TTRsGenerated != 0 {
		t.Errorf("expected TTR not to be regenerated, got %d", again.TTRsGenerated)
	}
	if again.EDDTriggered != 0 {
		t.Errorf("expected no second EDD while one is open, got %d", again.EDDTriggered)
	}
	if again.SMRsGenerated != 0 {
		t.Errorf("expected SMR not to be regenerated, got %d", again.SMRsGenerated)
	}
	smrs, _ = f.mem.ListOutstandingObligations(ctx, "t1", models.ObligationSMR)
	if len(smrs) != 1 {
		t.Errorf("expected 1 SMR after rerun, got %d", len(smrs))
	}
	all, _ := f.mem.ListAlerts(ctx, "t1")
	structuringAlerts := 0
	for _, a := range all {
		if a.RuleCode == RuleStructuring {
			structuringAlerts++
		}
	}
	if structuringAlerts != 1 {
		t.Errorf("expected 1 structuring alert after rerun, got %d", structuringAlerts)
	}
}

func TestRunBatchDuplicateIDs(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.customer("c1", "Alice Normal")
	id := f.tx("tx1", "c1", models.TransactionTypeCard, 500, 0)

	res := f.orch.RunBatch(context.Background(), "t1", []string{id, id, id})

	if len(res.Errors) != 0 {
		t.Fatalf("unexpected errors: %+v", res.Errors)
	}
	if res.Transactions != 1 {
		t.Errorf("expected 1 transaction, got %d", res.Transactions)
	}
	if res.RiskScored != 1 {
		t.Errorf("expected 1 risk score, got %d", res.RiskScored)
	}
}

func TestDedupe(t *testing.T) {
	got := dedupe([]string{"b", "a", "b", "c", "a"})
	want := []string{"b", "a", "c"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestRunBatchIsolatesMalformedCustomer(t *testing.T) {
	f := newFixture(t, nil, nil)

	var ids []string
	for i := 1; i <= 5; i++ {
		id := fmt.Sprintf("c%d", i)
		f.customer(id, "Customer "+id)
		amount := int64(500)
		if i == 3 {
			amount = -100
		}
		ids = append(ids, f.tx("tx"+id, id, models.TransactionTypeCard, amount, 0))
	}

	res := f.orch.RunBatch(context.Background(), "t1", ids)

	if len(res.Errors) != 1 || res.Errors[0].CustomerID != "c3" {
		t.Fatalf("expected exactly one error for c3, got %+v", res.Errors)
	}
	if !strings.Contains(res.Errors[0].Message, "transaction_amount") {
		t.Errorf("expected validation message, got %q", res.Errors[0].Message)
	}
	if res.RiskScored != 4 || res.Customers != 5 {
		t.Errorf("expected 4 scored of 5 customers, got %d of %d", res.RiskScored, res.Customers)
	}
}

func TestRunBatchRecoversPanics(t *testing.T) {
	ps := &PanickingStore{Memory: storage.NewMemory(), customerID: "c3"}
	f := newFixture(t, ps, nil)

	var ids []string
	for i := 1; i <= 5; i++ {
		id := fmt.Sprintf("c%d", i)
		f.customer(id, "Customer "+id)
		ids = append(ids, f.tx("tx"+id, id, models.TransactionTypeCard, 500, 0))
	}

	res := f.orch.RunBatch(context.Background(), "t1", ids)

	if len(res.Errors) != 1 || res.Errors[0].CustomerID != "c3" {
		t.Fatalf("expected exactly one error for c3, got %+v", res.Errors)
	}
	if !strings.Contains(res.Errors[0].Message, "corrupt customer record") {
		t.Errorf("expected panic message, got %q", res.Errors[0].Message)
	}
	if res.RiskScored != 4 {
		t.Errorf("expected other customers processed, got %d", res.RiskScored)
	}
}

func TestRunBatchTenantWideFailures(t *testing.T) {
	f := newFixture(t, nil, &MockConfigs{err: errors.New("config store down")})
	f.customer("c1", "A")
	res := f.orch.RunBatch(context.Background(), "t1", []string{f.tx("tx1", "c1", models.TransactionTypeCard, 10, 0)})

	if len(res.Errors) != 1 || res.Errors[0].CustomerID != "" {
		t.Errorf("expected one tenant-wide error, got %+v", res.Errors)
	}
	if res.Customers != 0 {
		t.Errorf("expected no customers processed, got %d", res.Customers)
	}

	res = f.orch.RunBatch(context.Background(), "", []string{"tx1"})
	if len(res.Errors) != 1 {
		t.Errorf("expected error for missing tenant, got %+v", res.Errors)
	}
}

func TestRunBatchMissingTransactionsAndCustomers(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.customer("c1", "A")
	ids := []string{
		f.tx("tx1", "c1", models.TransactionTypeCard, 10, 0),
		f.tx("tx2", "ghost", models.TransactionTypeCard, 10, 0),
		"missing",
	}

	res := f.orch.RunBatch(context.Background(), "t1", ids)

	if res.Transactions != 2 || res.Customers != 2 {
		t.Errorf("expected 2 transactions for 2 customers, got %d/%d", res.Transactions, res.Customers)
	}
	if len(res.Errors) != 2 {
		t.Fatalf("expected 2 errors, got %+v", res.Errors)
	}
	// tenant-wide errors sort first
	if res.Errors[0].CustomerID != "" || !strings.Contains(res.Errors[0].Message, "missing") {
		t.Errorf("expected missing transaction error, got %+v", res.Errors[0])
	}
	if res.Errors[1].CustomerID != "ghost" {
		t.Errorf("expected ghost customer error, got %+v", res.Errors[1])
	}
}

func TestRunBatchCancelled(t *testing.T) {
	f := newFixture(t, nil, nil)
	var ids []string
	for i := 1; i <= 3; i++ {
		id := fmt.Sprintf("c%d", i)
		f.customer(id, id)
		ids = append(ids, f.tx("tx"+id, id, models.TransactionTypeCard, 10, 0))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := f.orch.RunBatch(ctx, "t1", ids)

	if res.RiskScored != 0 {
		t.Errorf("expected nothing scored, got %d", res.RiskScored)
	}
	if len(res.Errors) != 3 {
		t.Errorf("expected one error per customer, got %+v", res.Errors)
	}
}

func TestCountRecent(t *testing.T) {
	now := time.Now()
	tx := &models.Transaction{ID: "cur", CreatedAt: now}
	history := []*models.Transaction{
		{ID: "old", CreatedAt: now.Add(-8 * 24 * time.Hour)},
		{ID: "a", CreatedAt: now.Add(-2 * 24 * time.Hour)},
		{ID: "b", CreatedAt: now.Add(-time.Hour)},
		{ID: "cur", CreatedAt: now},
		{ID: "later", CreatedAt: now.Add(time.Hour)},
	}
	if got := countRecent(history, tx); got != 2 {
		t.Errorf("expected 2 recent transactions, got %d", got)
	}
}
