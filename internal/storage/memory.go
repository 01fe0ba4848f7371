package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/savegress/complycore/pkg/models"
)

// Memory is an in-process store used by tests and single-node runs. Values
// are copied on the way in and out so callers never share state with it.
type Memory struct {
	mu sync.RWMutex

	tenants        map[string]*models.Tenant
	regional       map[string]*models.RegionalConfig
	customers      map[string]*models.Customer
	transactions   map[string]*models.Transaction
	snapshots      map[string]*models.RiskSnapshot
	rules          map[string]*models.AlertRule
	alerts         map[string]*models.Alert
	cases          map[string]*models.Case
	obligations    map[string]*models.Obligation
	investigations map[string]*models.EDDInvestigation
	audit          map[string][]*models.AuditRecord
	subscriptions  map[string][]*models.WebhookSubscription
	counters       map[string]int64
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		tenants:        make(map[string]*models.Tenant),
		regional:       make(map[string]*models.RegionalConfig),
		customers:      make(map[string]*models.Customer),
		transactions:   make(map[string]*models.Transaction),
		snapshots:      make(map[string]*models.RiskSnapshot),
		rules:          make(map[string]*models.AlertRule),
		alerts:         make(map[string]*models.Alert),
		cases:          make(map[string]*models.Case),
		obligations:    make(map[string]*models.Obligation),
		investigations: make(map[string]*models.EDDInvestigation),
		audit:          make(map[string][]*models.AuditRecord),
		subscriptions:  make(map[string][]*models.WebhookSubscription),
		counters:       make(map[string]int64),
	}
}

func scoped(tenantID, id string) string {
	return tenantID + "/" + id
}

// =============================================================================
// Tenants
// =============================================================================

// PutTenant inserts or replaces a tenant
func (m *Memory) PutTenant(t *models.Tenant) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.tenants[t.ID] = &cp
}

// GetTenant retrieves a tenant by ID
func (m *Memory) GetTenant(ctx context.Context, id string) (*models.Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tenants[id]
	if !ok {
		return nil, notFound("tenant", id)
	}
	cp := *t
	return &cp, nil
}

// ListActiveTenants returns active tenants ordered by ID
func (m *Memory) ListActiveTenants(ctx context.Context) ([]*models.Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Tenant
	for _, t := range m.tenants {
		if t.Active {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// PutRegionalConfig stores a tenant's regional configuration
func (m *Memory) PutRegionalConfig(tenantID string, rc *models.RegionalConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.regional[tenantID] = cloneRegional(rc)
}

// GetRegionalConfig returns the tenant's stored regional configuration
func (m *Memory) GetRegionalConfig(ctx context.Context, tenantID string) (*models.RegionalConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rc, ok := m.regional[tenantID]
	if !ok {
		return nil, notFound("regional config", tenantID)
	}
	return cloneRegional(rc), nil
}

func cloneRegional(rc *models.RegionalConfig) *models.RegionalConfig {
	cp := *rc
	cp.Holidays = append([]string(nil), rc.Holidays...)
	cp.Workweek = append([]time.Weekday(nil), rc.Workweek...)
	if rc.SLADays != nil {
		cp.SLADays = make(map[models.AlertSeverity]int, len(rc.SLADays))
		for k, v := range rc.SLADays {
			cp.SLADays[k] = v
		}
	}
	return &cp
}

// =============================================================================
// Customers & transactions
// =============================================================================

// PutCustomer inserts or replaces a customer
func (m *Memory) PutCustomer(c *models.Customer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.customers[scoped(c.TenantID, c.ID)] = &cp
}

// GetCustomer retrieves a customer by ID
func (m *Memory) GetCustomer(ctx context.Context, tenantID, id string) (*models.Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.customers[scoped(tenantID, id)]
	if !ok {
		return nil, notFound("customer", id)
	}
	cp := *c
	return &cp, nil
}

// PutTransaction inserts or replaces a transaction
func (m *Memory) PutTransaction(t *models.Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	cp.PatternFlags = append([]string(nil), t.PatternFlags...)
	m.transactions[scoped(t.TenantID, t.ID)] = &cp
}

// GetTransactions returns the tenant's transactions with the given IDs.
// Unknown IDs are skipped.
func (m *Memory) GetTransactions(ctx context.Context, tenantID string, ids []string) ([]*models.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.Transaction, 0, len(ids))
	for _, id := range ids {
		if t, ok := m.transactions[scoped(tenantID, id)]; ok {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

// RecentTransactions returns a customer's transactions created at or after
// since, oldest first
func (m *Memory) RecentTransactions(ctx context.Context, tenantID, customerID string, since time.Time) ([]*models.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Transaction
	for _, t := range m.transactions {
		if t.TenantID == tenantID && t.CustomerID == customerID && !t.CreatedAt.Before(since) {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// SaveRiskSnapshot stores the latest risk evaluation of a transaction
func (m *Memory) SaveRiskSnapshot(ctx context.Context, snap *models.RiskSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *snap
	cp.Factors = append([]models.AppliedFactor(nil), snap.Factors...)
	m.snapshots[scoped(snap.TenantID, snap.TransactionID)] = &cp
	return nil
}

// GetRiskSnapshot retrieves the risk snapshot of a transaction
func (m *Memory) GetRiskSnapshot(ctx context.Context, tenantID, transactionID string) (*models.RiskSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.snapshots[scoped(tenantID, transactionID)]
	if !ok {
		return nil, notFound("risk snapshot", transactionID)
	}
	cp := *s
	return &cp, nil
}

// =============================================================================
// Alert rules, alerts & cases
// =============================================================================

// PutAlertRule inserts or replaces an alert rule
func (m *Memory) PutAlertRule(r *models.AlertRule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.rules[scoped(r.TenantID, r.Code)] = &cp
}

// GetAlertRule retrieves the tenant's rule for a code
func (m *Memory) GetAlertRule(ctx context.Context, tenantID, code string) (*models.AlertRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rules[scoped(tenantID, code)]
	if !ok {
		return nil, notFound("alert rule", code)
	}
	cp := *r
	return &cp, nil
}

// FindAlertSince returns the most recent alert for the rule and entity
// created at or after since, or nil when there is none
func (m *Memory) FindAlertSince(ctx context.Context, tenantID, ruleCode string, entity models.EntityRef, since time.Time) (*models.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var found *models.Alert
	for _, a := range m.alerts {
		if a.TenantID != tenantID || a.RuleCode != ruleCode || a.Entity != entity || a.CreatedAt.Before(since) {
			continue
		}
		if found == nil || a.CreatedAt.After(found.CreatedAt) {
			found = a
		}
	}
	if found == nil {
		return nil, nil
	}
	cp := *found
	return &cp, nil
}

// CountAlertsSince counts the tenant's alerts for a rule created at or after since
func (m *Memory) CountAlertsSince(ctx context.Context, tenantID, ruleCode string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, a := range m.alerts {
		if a.TenantID == tenantID && a.RuleCode == ruleCode && !a.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// CreateAlert stores an alert and, when c is non-nil, its case under the
// same lock so both become visible together
func (m *Memory) CreateAlert(ctx context.Context, a *models.Alert, c *models.Case) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := scoped(a.TenantID, a.ID)
	if _, ok := m.alerts[key]; ok {
		return ErrDuplicate
	}
	for _, existing := range m.alerts {
		if existing.TenantID == a.TenantID && existing.AlertNumber == a.AlertNumber {
			return ErrDuplicate
		}
	}
	cp := *a
	m.alerts[key] = &cp
	if c != nil {
		cc := *c
		m.cases[scoped(c.TenantID, c.ID)] = &cc
	}
	return nil
}

// GetAlert retrieves an alert by ID
func (m *Memory) GetAlert(ctx context.Context, tenantID, id string) (*models.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.alerts[scoped(tenantID, id)]
	if !ok {
		return nil, notFound("alert", id)
	}
	cp := *a
	return &cp, nil
}

// UpdateAlert replaces a stored alert
func (m *Memory) UpdateAlert(ctx context.Context, a *models.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := scoped(a.TenantID, a.ID)
	if _, ok := m.alerts[key]; !ok {
		return notFound("alert", a.ID)
	}
	cp := *a
	m.alerts[key] = &cp
	return nil
}

// ListAlerts returns the tenant's alerts, oldest first
func (m *Memory) ListAlerts(ctx context.Context, tenantID string) ([]*models.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Alert
	for _, a := range m.alerts {
		if a.TenantID == tenantID {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].AlertNumber < out[j].AlertNumber
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// GetCase retrieves a case by ID
func (m *Memory) GetCase(ctx context.Context, tenantID, id string) (*models.Case, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cases[scoped(tenantID, id)]
	if !ok {
		return nil, notFound("case", id)
	}
	cp := *c
	return &cp, nil
}

// Next atomically increments and returns the counter stored under key
func (m *Memory) Next(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[key]++
	return m.counters[key], nil
}

// =============================================================================
// Obligations
// =============================================================================

// CreateObligation stores a new TTR/SMR obligation
func (m *Memory) CreateObligation(ctx context.Context, o *models.Obligation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := scoped(o.TenantID, o.ID)
	if _, ok := m.obligations[key]; ok {
		return ErrDuplicate
	}
	m.obligations[key] = cloneObligation(o)
	return nil
}

// GetObligation retrieves an obligation by ID
func (m *Memory) GetObligation(ctx context.Context, tenantID, id string) (*models.Obligation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.obligations[scoped(tenantID, id)]
	if !ok {
		return nil, notFound("obligation", id)
	}
	return cloneObligation(o), nil
}

// ListOutstandingObligations returns unsubmitted obligations of a kind that
// carry a deadline, earliest deadline first
func (m *Memory) ListOutstandingObligations(ctx context.Context, tenantID string, kind models.ObligationKind) ([]*models.Obligation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Obligation
	for _, o := range m.obligations {
		if o.TenantID == tenantID && o.Kind == kind && o.SubmittedAt == nil && o.Deadline != nil {
			out = append(out, cloneObligation(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Deadline.Before(*out[j].Deadline) })
	return out, nil
}

// FindObligationByTransaction returns the obligation of a kind that covers
// the transaction
func (m *Memory) FindObligationByTransaction(ctx context.Context, tenantID string, kind models.ObligationKind, transactionID string) (*models.Obligation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, o := range m.obligations {
		if o.TenantID != tenantID || o.Kind != kind {
			continue
		}
		for _, id := range o.TransactionIDs {
			if id == transactionID {
				return cloneObligation(o), nil
			}
		}
	}
	return nil, notFound("obligation for transaction", transactionID)
}

// MarkObligationSubmitted records the submission time of an obligation
func (m *Memory) MarkObligationSubmitted(ctx context.Context, tenantID, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.obligations[scoped(tenantID, id)]
	if !ok {
		return notFound("obligation", id)
	}
	o.SubmittedAt = &at
	return nil
}

func cloneObligation(o *models.Obligation) *models.Obligation {
	cp := *o
	cp.TransactionIDs = append([]string(nil), o.TransactionIDs...)
	cp.Indicators = append([]string(nil), o.Indicators...)
	return &cp
}

// =============================================================================
// EDD investigations
// =============================================================================

// CreateInvestigation stores a new investigation
func (m *Memory) CreateInvestigation(ctx context.Context, inv *models.EDDInvestigation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := scoped(inv.TenantID, inv.ID)
	if _, ok := m.investigations[key]; ok {
		return ErrDuplicate
	}
	m.investigations[key] = cloneInvestigation(inv)
	return nil
}

// GetInvestigation retrieves an investigation by ID
func (m *Memory) GetInvestigation(ctx context.Context, tenantID, id string) (*models.EDDInvestigation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inv, ok := m.investigations[scoped(tenantID, id)]
	if !ok {
		return nil, notFound("investigation", id)
	}
	return cloneInvestigation(inv), nil
}

// UpdateInvestigation replaces a stored investigation
func (m *Memory) UpdateInvestigation(ctx context.Context, inv *models.EDDInvestigation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := scoped(inv.TenantID, inv.ID)
	if _, ok := m.investigations[key]; !ok {
		return notFound("investigation", inv.ID)
	}
	m.investigations[key] = cloneInvestigation(inv)
	return nil
}

// FindActiveInvestigation returns the customer's investigation that is not closed
func (m *Memory) FindActiveInvestigation(ctx context.Context, tenantID, customerID string) (*models.EDDInvestigation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, inv := range m.investigations {
		if inv.TenantID == tenantID && inv.CustomerID == customerID && inv.Active() {
			return cloneInvestigation(inv), nil
		}
	}
	return nil, notFound("active investigation for customer", customerID)
}

func cloneInvestigation(inv *models.EDDInvestigation) *models.EDDInvestigation {
	cp := *inv
	cp.EscalationReasons = append([]string(nil), inv.EscalationReasons...)
	return &cp
}

// =============================================================================
// Audit & webhooks
// =============================================================================

// AppendAudit appends an audit record to the tenant's log
func (m *Memory) AppendAudit(ctx context.Context, rec *models.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.audit[rec.TenantID] = append(m.audit[rec.TenantID], &cp)
	return nil
}

// LastAuditDigest returns the digest of the tenant's newest audit record,
// or "" for an empty log
func (m *Memory) LastAuditDigest(ctx context.Context, tenantID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	recs := m.audit[tenantID]
	if len(recs) == 0 {
		return "", nil
	}
	return recs[len(recs)-1].Digest, nil
}

// ListAudit returns the tenant's audit log in append order
func (m *Memory) ListAudit(ctx context.Context, tenantID string) ([]*models.AuditRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.AuditRecord, len(m.audit[tenantID]))
	for i, r := range m.audit[tenantID] {
		cp := *r
		out[i] = &cp
	}
	return out, nil
}

// PutSubscription adds a webhook subscription
func (m *Memory) PutSubscription(s *models.WebhookSubscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.subscriptions[s.TenantID] = append(m.subscriptions[s.TenantID], &cp)
}

// ListSubscriptions returns the tenant's webhook subscriptions
func (m *Memory) ListSubscriptions(ctx context.Context, tenantID string) ([]*models.WebhookSubscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.WebhookSubscription, len(m.subscriptions[tenantID]))
	for i, s := range m.subscriptions[tenantID] {
		cp := *s
		out[i] = &cp
	}
	return out, nil
}
