package alerts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/savegress/complycore/internal/storage"
	"github.com/savegress/complycore/pkg/models"
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

type MockSequencer struct {
	mu     sync.Mutex
	values []int64
	err    error
}

func (m *MockSequencer) Next(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	v := m.values[0]
	m.values = m.values[1:]
	return v, nil
}

type MockAudit struct {
	mu      sync.Mutex
	actions []string
}

func (m *MockAudit) Record(ctx context.Context, rec *models.AuditRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions = append(m.actions, rec.ActionType)
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

// Monday 2 March 2026, 09:00 UTC
var fixedNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fixture struct {
	engine *Engine
	store  *storage.Memory
	audit  *MockAudit
	events *MockEvents
	now    time.Time
}

func newFixture() *fixture {
	f := &fixture{store: storage.NewMemory(), audit: &MockAudit{}, events: &MockEvents{}, now: fixedNow}
	f.engine = NewEngine(f.store, f.store, &MockConfigs{}, f.audit, f.events, nil, zap.NewNop().Sugar())
	f.engine.now = func() time.Time { return f.now }
	return f
}

func request(entityID string) CreateRequest {
	return CreateRequest{
		TenantID:    "t1",
		RuleCode:    "HIGH_RISK_TRANSACTION",
		Severity:    models.AlertSeverityHigh,
		Entity:      models.EntityRef{Type: "transaction", ID: entityID},
		CustomerID:  "c1",
		TriggerData: map[string]interface{}{"score": 75},
	}
}

func TestCreateValidation(t *testing.T) {
	f := newFixture()

	tests := []struct {
		name   string
		mutate func(*CreateRequest)
		field  string
	}{
		{"missing tenant", func(r *CreateRequest) { r.TenantID = "" }, "tenant_id"},
		{"lowercase rule", func(r *CreateRequest) { r.RuleCode = "high_risk" }, "rule_code"},
		{"single char rule", func(r *CreateRequest) { r.RuleCode = "H" }, "rule_code"},
		{"leading digit", func(r *CreateRequest) { r.RuleCode = "1RULE" }, "rule_code"},
		{"missing entity id", func(r *CreateRequest) { r.Entity.ID = "" }, "entity"},
		{"unknown severity", func(r *CreateRequest) { r.Severity = "urgent" }, "severity"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := request("tx1")
			tt.mutate(&req)
			_, err := f.engine.Create(context.Background(), req)
			var verr *models.ValidationError
			if !errors.As(err, &verr) || verr.Field != tt.field {
				t.Errorf("expected validation error on %s, got %v", tt.field, err)
			}
		})
	}

	if alerts, _ := f.store.ListAlerts(context.Background(), "t1"); len(alerts) != 0 {
		t.Errorf("expected no alerts after validation failures, got %d", len(alerts))
	}
}

func TestCreateWithoutRule(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	res, err := f.engine.Create(ctx, request("tx1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Skipped || res.Alert == nil {
		t.Fatalf("expected alert to be created, got %+v", res)
	}
	a := res.Alert
	if a.AlertNumber != "ALT-20260302-0001" {
		t.Errorf("expected ALT-20260302-0001, got %s", a.AlertNumber)
	}
	if a.Status != models.AlertStatusNew || a.Severity != models.AlertSeverityHigh {
		t.Errorf("unexpected status/severity %s/%s", a.Status, a.Severity)
	}
	// high severity SLA is 2 business days
	wantSLA := time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)
	if a.SLADeadline == nil || !a.SLADeadline.Equal(wantSLA) {
		t.Errorf("expected SLA %v, got %v", wantSLA, a.SLADeadline)
	}
	if a.Title != "HIGH_RISK_TRANSACTION on transaction tx1" {
		t.Errorf("unexpected default title %q", a.Title)
	}
	if res.Case != nil || a.Escalated {
		t.Error("expected no case and no escalation without a rule")
	}

	res2, _ := f.engine.Create(ctx, request("tx1"))
	if res2.Skipped || res2.Alert.AlertNumber != "ALT-20260302-0002" {
		t.Errorf("expected second alert ALT-20260302-0002, got %+v", res2)
	}

	if len(f.audit.actions) != 2 || f.audit.actions[0] != "alert_created" {
		t.Errorf("expected two alert_created audit records, got %v", f.audit.actions)
	}
	if len(f.events.events) != 2 || f.events.events[0] != "alert.created" {
		t.Errorf("expected two alert.created events, got %v", f.events.events)
	}
}

func TestCreateReusesTenantCalendar(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := f.engine.Create(ctx, request(fmt.Sprintf("tx%d", i))); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if n := f.engine.calendars.Len(); n != 1 {
		t.Errorf("expected 1 cached calendar, got %d", n)
	}
}

func TestCreateDisabledRuleIsNotThrottled(t *testing.T) {
	f := newFixture()
	f.store.PutAlertRule(&models.AlertRule{TenantID: "t1", Code: "HIGH_RISK_TRANSACTION", Enabled: false, CooldownMinutes: 60})

	for i := 0; i < 2; i++ {
		res, err := f.engine.Create(context.Background(), request("tx1"))
		if err != nil || res.Skipped {
			t.Fatalf("expected alert %d to be created, got %+v (%v)", i, res, err)
		}
	}
}

func TestCooldownSuppression(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.store.PutAlertRule(&models.AlertRule{TenantID: "t1", Code: "HIGH_RISK_TRANSACTION", Enabled: true, CooldownMinutes: 30})

	first, err := f.engine.Create(ctx, request("tx1"))
	if err != nil || first.Skipped {
		t.Fatalf("expected first alert, got %+v (%v)", first, err)
	}

	f.now = fixedNow.Add(10 * time.Minute)
	second, err := f.engine.Create(ctx, request("tx1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !second.Skipped || second.SkipReason != SkipCooldown || second.Alert != nil {
		t.Errorf("expected cooldown skip, got %+v", second)
	}

	other, _ := f.engine.Create(ctx, request("tx2"))
	if other.Skipped {
		t.Error("expected a different entity to bypass the cooldown")
	}

	f.now = fixedNow.Add(31 * time.Minute)
	third, _ := f.engine.Create(ctx, request("tx1"))
	if third.Skipped {
		t.Error("expected alert after cooldown expired")
	}

	alerts, _ := f.store.ListAlerts(ctx, "t1")
	if len(alerts) != 3 {
		t.Errorf("expected 3 persisted alerts, got %d", len(alerts))
	}
}

func TestDailyRateLimit(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.store.PutAlertRule(&models.AlertRule{TenantID: "t1", Code: "HIGH_RISK_TRANSACTION", Enabled: true, MaxAlertsPerDay: 2})

	var skipped int
	for i := 0; i < 4; i++ {
		res, err := f.engine.Create(ctx, request(fmt.Sprintf("tx%d", i)))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res.Skipped {
			skipped++
			if res.SkipReason != SkipRateLimit {
				t.Errorf("expected rate_limit_reached, got %s", res.SkipReason)
			}
		}
	}
	if skipped != 2 {
		t.Errorf("expected 2 skipped alerts, got %d", skipped)
	}

	f.now = fixedNow.Add(24 * time.Hour)
	res, _ := f.engine.Create(ctx, request("tx9"))
	if res.Skipped {
		t.Error("expected limit to reset the next day")
	}
	if res.Alert.AlertNumber != "ALT-20260303-0001" {
		t.Errorf("expected numbering to restart, got %s", res.Alert.AlertNumber)
	}
}

func TestSeverityOverride(t *testing.T) {
	f := newFixture()
	f.store.PutAlertRule(&models.AlertRule{TenantID: "t1", Code: "HIGH_RISK_TRANSACTION", Enabled: true, SeverityOverride: models.AlertSeverityCritical})

	res, err := f.engine.Create(context.Background(), request("tx1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Alert.Severity != models.AlertSeverityCritical {
		t.Errorf("expected critical, got %s", res.Alert.Severity)
	}
}

func TestAutoCreateCase(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.store.PutAlertRule(&models.AlertRule{
		TenantID:       "t1",
		Code:           "HIGH_RISK_TRANSACTION",
		Enabled:        true,
		AutoCreateCase: true,
		CaseType:       "edd_review",
	})

	res, err := f.engine.Create(ctx, request("tx1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Case == nil {
		t.Fatal("expected case to be created")
	}
	if !res.Alert.Escalated || res.Alert.CaseID != res.Case.ID {
		t.Errorf("expected escalated alert linked to case, got %+v", res.Alert)
	}
	if res.Case.Type != "edd_review" || res.Case.Priority != "high" {
		t.Errorf("unexpected case type/priority %s/%s", res.Case.Type, res.Case.Priority)
	}
	if len(res.Case.CaseNumber) != len("CASE-20260302-ABCDEF12") || res.Case.CaseNumber[:14] != "CASE-20260302-" {
		t.Errorf("unexpected case number %s", res.Case.CaseNumber)
	}

	stored, err := f.store.GetCase(ctx, "t1", res.Case.ID)
	if err != nil || stored.AlertID != res.Alert.ID {
		t.Errorf("expected stored case for alert, got %+v (%v)", stored, err)
	}
}

func TestExplicitSLAAndEscalation(t *testing.T) {
	f := newFixture()
	deadline := fixedNow.Add(-time.Hour)
	req := request("obl1")
	req.SLADeadline = &deadline
	req.Escalate = true
	req.EscalationReason = "overdue"

	res, err := f.engine.Create(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Alert.SLADeadline.Equal(deadline) {
		t.Errorf("expected explicit SLA deadline, got %v", res.Alert.SLADeadline)
	}
	if !res.Alert.Escalated || res.Alert.EscalationReason != "overdue" {
		t.Errorf("expected escalated alert, got %+v", res.Alert)
	}
}

func TestDuplicateNumberRetries(t *testing.T) {
	store := storage.NewMemory()
	seq := &MockSequencer{values: []int64{1, 1, 2}}
	e := NewEngine(store, seq, &MockConfigs{}, &MockAudit{}, &MockEvents{}, nil, zap.NewNop().Sugar())
	e.now = func() time.Time { return fixedNow }

	if _, err := e.Create(context.Background(), request("tx1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res, err := e.Create(context.Background(), request("tx2"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Alert.AlertNumber != "ALT-20260302-0002" {
		t.Errorf("expected retry to draw 0002, got %s", res.Alert.AlertNumber)
	}
}

func TestCreateInfrastructureErrors(t *testing.T) {
	store := storage.NewMemory()

	e := NewEngine(store, store, &MockConfigs{err: errors.New("config store down")}, &MockAudit{}, &MockEvents{}, nil, zap.NewNop().Sugar())
	if _, err := e.Create(context.Background(), request("tx1")); err == nil {
		t.Error("expected config error")
	}

	e = NewEngine(store, &MockSequencer{err: errors.New("redis down")}, &MockConfigs{}, &MockAudit{}, &MockEvents{}, nil, zap.NewNop().Sugar())
	if _, err := e.Create(context.Background(), request("tx1")); err == nil {
		t.Error("expected sequencer error")
	}
}

func TestConcurrentNumbersAreUnique(t *testing.T) {
	f := newFixture()
	const n = 50

	var wg sync.WaitGroup
	numbers := make(chan string, n)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.engine.Create(context.Background(), request(fmt.Sprintf("tx%d", i)))
			if err != nil {
				errs <- err
				return
			}
			numbers <- res.Alert.AlertNumber
		}(i)
	}
	wg.Wait()
	close(numbers)
	close(errs)

	for err := range errs {
		t.Errorf("unexpected error: %v", err)
	}
	seen := make(map[string]bool)
	for num := range numbers {
		if seen[num] {
			t.Errorf("duplicate alert number %s", num)
		}
		seen[num] = true
	}
	if len(seen) != n {
		t.Errorf("expected %d distinct numbers, got %d", n, len(seen))
	}
}

func TestTransitions(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	res, _ := f.engine.Create(ctx, request("tx1"))
	id := res.Alert.ID

	a, err := f.engine.Acknowledge(ctx, "t1", id, "analyst1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.Status != models.AlertStatusAcknowledged || a.AcknowledgedBy != "analyst1" {
		t.Errorf("unexpected acknowledged alert %+v", a)
	}
	firstAck := *a.AcknowledgedAt

	f.now = fixedNow.Add(time.Hour)
	a, _ = f.engine.Acknowledge(ctx, "t1", id, "analyst2")
	if a.AcknowledgedBy != "analyst1" || !a.AcknowledgedAt.Equal(firstAck) {
		t.Errorf("expected re-acknowledge to keep first actor/time, got %s at %v", a.AcknowledgedBy, a.AcknowledgedAt)
	}

	a, _ = f.engine.Assign(ctx, "t1", id, "investigator")
	if a.Status != models.AlertStatusInvestigating || a.AssignedTo != "investigator" {
		t.Errorf("unexpected assigned alert %+v", a)
	}

	a, _ = f.engine.Escalate(ctx, "t1", id, "lead", "large amount")
	if !a.Escalated || a.Status != models.AlertStatusInvestigating {
		t.Errorf("expected escalation to keep status, got %+v", a)
	}

	a, err = f.engine.Resolve(ctx, "t1", id, ResolveRequest{Actor: "lead", Resolution: "false positive", Dismiss: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.Status != models.AlertStatusDismissed || a.ResolvedBy != "lead" || a.Resolution != "false positive" {
		t.Errorf("unexpected dismissed alert %+v", a)
	}

	if _, err := f.engine.Acknowledge(ctx, "t1", id, "x"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
	if _, err := f.engine.Escalate(ctx, "t1", id, "x", "y"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
	if _, err := f.engine.Resolve(ctx, "t1", "missing", ResolveRequest{}); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := f.engine.Assign(ctx, "t1", id, ""); err == nil {
		t.Error("expected validation error for empty assignee")
	}

	want := []string{"alert_created", "alert_acknowledged", "alert_acknowledged", "alert_assigned", "alert_escalated", "alert_dismissed"}
	if len(f.audit.actions) != len(want) {
		t.Fatalf("expected audit actions %v, got %v", want, f.audit.actions)
	}
	for i := range want {
		if f.audit.actions[i] != want[i] {
			t.Errorf("audit[%d]: expected %s, got %s", i, want[i], f.audit.actions[i])
		}
	}
}

func TestGetRefreshesSLA(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	res, _ := f.engine.Create(ctx, request("tx1"))

	a, _ := f.engine.Get(ctx, "t1", res.Alert.ID)
	if a.SLABreached {
		t.Error("expected SLA not breached yet")
	}

	f.now = fixedNow.Add(72 * time.Hour)
	a, _ = f.engine.Get(ctx, "t1", res.Alert.ID)
	if !a.SLABreached {
		t.Error("expected SLA breached after deadline")
	}

	list, _ := f.engine.List(ctx, "t1")
	if len(list) != 1 || !list[0].SLABreached {
		t.Error("expected listed alert to carry breach flag")
	}

	resolved, _ := f.engine.Resolve(ctx, "t1", res.Alert.ID, ResolveRequest{Actor: "a"})
	if !resolved.SLABreached {
		t.Error("expected breach flag to be kept on resolution")
	}
}
