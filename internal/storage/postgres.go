package storage

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/savegress/complycore/pkg/models"
	"github.com/shopspring/decimal"
)

//go:embed schema.sql
var schema string

// Postgres is the PostgreSQL-backed store
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to the database and verifies the connection
func NewPostgres(ctx context.Context, databaseURL string, maxConns int32) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Postgres{pool: pool}, nil
}

// Close closes the connection pool
func (p *Postgres) Close() {
	p.pool.Close()
}

// Ping checks database connectivity
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (p *Postgres) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";\n") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

func isDuplicateError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func parseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse amount %q: %w", s, err)
	}
	return d, nil
}

// =============================================================================
// Tenants
// =============================================================================

// UpsertTenant inserts or updates a tenant
func (p *Postgres) UpsertTenant(ctx context.Context, t *models.Tenant) error {
	query := `
		INSERT INTO tenants (id, name, region, active) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET name = $2, region = $3, active = $4
	`
	if _, err := p.pool.Exec(ctx, query, t.ID, t.Name, t.Region, t.Active); err != nil {
		return fmt.Errorf("failed to upsert tenant: %w", err)
	}
	return nil
}

// GetTenant retrieves a tenant by ID
func (p *Postgres) GetTenant(ctx context.Context, id string) (*models.Tenant, error) {
	t := &models.Tenant{}
	err := p.pool.QueryRow(ctx, `SELECT id, name, region, active FROM tenants WHERE id = $1`, id).
		Scan(&t.ID, &t.Name, &t.Region, &t.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound("tenant", id)
		}
		return nil, fmt.Errorf("failed to get tenant: %w", err)
	}
	return t, nil
}

// ListActiveTenants returns active tenants ordered by ID
func (p *Postgres) ListActiveTenants(ctx context.Context) ([]*models.Tenant, error) {
	rows, err := p.pool.Query(ctx, `SELECT id, name, region, active FROM tenants WHERE active ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer rows.Close()

	var tenants []*models.Tenant
	for rows.Next() {
		t := &models.Tenant{}
		if err := rows.Scan(&t.ID, &t.Name, &t.Region, &t.Active); err != nil {
			return nil, fmt.Errorf("failed to scan tenant: %w", err)
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

// PutRegionalConfig stores a tenant's regional configuration
func (p *Postgres) PutRegionalConfig(ctx context.Context, tenantID string, rc *models.RegionalConfig) error {
	raw, err := json.Marshal(rc)
	if err != nil {
		return fmt.Errorf("failed to encode regional config: %w", err)
	}
	query := `
		INSERT INTO regional_configs (tenant_id, config, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id) DO UPDATE SET config = $2, updated_at = $3
	`
	if _, err := p.pool.Exec(ctx, query, tenantID, raw, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to store regional config: %w", err)
	}
	return nil
}

// GetRegionalConfig returns the tenant's stored regional configuration
func (p *Postgres) GetRegionalConfig(ctx context.Context, tenantID string) (*models.RegionalConfig, error) {
	var raw []byte
	err := p.pool.QueryRow(ctx, `SELECT config FROM regional_configs WHERE tenant_id = $1`, tenantID).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound("regional config", tenantID)
		}
		return nil, fmt.Errorf("failed to get regional config: %w", err)
	}
	rc := &models.RegionalConfig{}
	if err := json.Unmarshal(raw, rc); err != nil {
		return nil, fmt.Errorf("failed to decode regional config: %w", err)
	}
	return rc, nil
}

// =============================================================================
// Customers & transactions
// =============================================================================

// UpsertCustomer inserts or updates a customer
func (p *Postgres) UpsertCustomer(ctx context.Context, c *models.Customer) error {
	query := `
		INSERT INTO customers (tenant_id, id, name, date_of_birth, country, is_pep, is_sanctioned, verification_status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (tenant_id, id) DO UPDATE SET
			name = $3, date_of_birth = $4, country = $5, is_pep = $6, is_sanctioned = $7, verification_status = $8
	`
	_, err := p.pool.Exec(ctx, query, c.TenantID, c.ID, c.Name, c.DateOfBirth, c.Country,
		c.IsPEP, c.IsSanctioned, string(c.VerificationStatus), c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert customer: %w", err)
	}
	return nil
}

// GetCustomer retrieves a customer by ID
func (p *Postgres) GetCustomer(ctx context.Context, tenantID, id string) (*models.Customer, error) {
	query := `
		SELECT tenant_id, id, name, date_of_birth, country, is_pep, is_sanctioned, verification_status, created_at
		FROM customers WHERE tenant_id = $1 AND id = $2
	`
	c := &models.Customer{}
	var status string
	err := p.pool.QueryRow(ctx, query, tenantID, id).Scan(
		&c.TenantID, &c.ID, &c.Name, &c.DateOfBirth, &c.Country,
		&c.IsPEP, &c.IsSanctioned, &status, &c.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound("customer", id)
		}
		return nil, fmt.Errorf("failed to get customer: %w", err)
	}
	c.VerificationStatus = models.VerificationStatus(status)
	return c, nil
}

// InsertTransaction stores a transaction
func (p *Postgres) InsertTransaction(ctx context.Context, t *models.Transaction) error {
	query := `
		INSERT INTO transactions (tenant_id, id, customer_id, type, amount, currency, pattern_flags, created_at)
		VALUES ($1, $2, $3, $4, $5::text::numeric, $6, $7, $8)
	`
	_, err := p.pool.Exec(ctx, query, t.TenantID, t.ID, t.CustomerID, string(t.Type),
		t.Amount.String(), t.Currency, nonNil(t.PatternFlags), t.CreatedAt)
	if err != nil {
		if isDuplicateError(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

const transactionColumns = `tenant_id, id, customer_id, type, amount::text, currency, pattern_flags, created_at`

func scanTransactions(rows pgx.Rows) ([]*models.Transaction, error) {
	defer rows.Close()

	var out []*models.Transaction
	for rows.Next() {
		t := &models.Transaction{}
		var typ, amount string
		if err := rows.Scan(&t.TenantID, &t.ID, &t.CustomerID, &typ, &amount, &t.Currency, &t.PatternFlags, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		t.Type = models.TransactionType(typ)
		d, err := parseAmount(amount)
		if err != nil {
			return nil, err
		}
		t.Amount = d
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetTransactions returns the tenant's transactions with the given IDs
func (p *Postgres) GetTransactions(ctx context.Context, tenantID string, ids []string) ([]*models.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE tenant_id = $1 AND id = ANY($2) ORDER BY created_at`
	rows, err := p.pool.Query(ctx, query, tenantID, nonNil(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to get transactions: %w", err)
	}
	return scanTransactions(rows)
}

// RecentTransactions returns a customer's transactions created at or after since
func (p *Postgres) RecentTransactions(ctx context.Context, tenantID, customerID string, since time.Time) ([]*models.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions
		WHERE tenant_id = $1 AND customer_id = $2 AND created_at >= $3 ORDER BY created_at`
	rows, err := p.pool.Query(ctx, query, tenantID, customerID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent transactions: %w", err)
	}
	return scanTransactions(rows)
}

// SaveRiskSnapshot stores the latest risk evaluation of a transaction
func (p *Postgres) SaveRiskSnapshot(ctx context.Context, snap *models.RiskSnapshot) error {
	factors, err := json.Marshal(snap.Factors)
	if err != nil {
		return fmt.Errorf("failed to encode risk factors: %w", err)
	}
	query := `
		INSERT INTO risk_snapshots (tenant_id, transaction_id, score, tier, factors, evaluated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id, transaction_id) DO UPDATE SET score = $3, tier = $4, factors = $5, evaluated_at = $6
	`
	_, err = p.pool.Exec(ctx, query, snap.TenantID, snap.TransactionID, snap.Score, string(snap.Tier), factors, snap.EvaluatedAt)
	if err != nil {
		return fmt.Errorf("failed to save risk snapshot: %w", err)
	}
	return nil
}

// =============================================================================
// Alert rules, alerts & cases
// =============================================================================

// UpsertAlertRule inserts or updates an alert rule
func (p *Postgres) UpsertAlertRule(ctx context.Context, r *models.AlertRule) error {
	query := `
		INSERT INTO alert_rules (tenant_id, code, enabled, severity_override, cooldown_minutes, max_alerts_per_day,
			auto_create_case, case_type, case_priority)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (tenant_id, code) DO UPDATE SET enabled = $3, severity_override = $4, cooldown_minutes = $5,
			max_alerts_per_day = $6, auto_create_case = $7, case_type = $8, case_priority = $9
	`
	_, err := p.pool.Exec(ctx, query, r.TenantID, r.Code, r.Enabled, string(r.SeverityOverride), r.CooldownMinutes,
		r.MaxAlertsPerDay, r.AutoCreateCase, r.CaseType, r.CasePriority)
	if err != nil {
		return fmt.Errorf("failed to upsert alert rule: %w", err)
	}
	return nil
}

// GetAlertRule retrieves the tenant's rule for a code
func (p *Postgres) GetAlertRule(ctx context.Context, tenantID, code string) (*models.AlertRule, error) {
	query := `
		SELECT tenant_id, code, enabled, severity_override, cooldown_minutes, max_alerts_per_day,
		       auto_create_case, case_type, case_priority
		FROM alert_rules WHERE tenant_id = $1 AND code = $2
	`
	r := &models.AlertRule{}
	var sev string
	err := p.pool.QueryRow(ctx, query, tenantID, code).Scan(
		&r.TenantID, &r.Code, &r.Enabled, &sev, &r.CooldownMinutes, &r.MaxAlertsPerDay,
		&r.AutoCreateCase, &r.CaseType, &r.CasePriority,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound("alert rule", code)
		}
		return nil, fmt.Errorf("failed to get alert rule: %w", err)
	}
	r.SeverityOverride = models.AlertSeverity(sev)
	return r, nil
}

const alertColumns = `tenant_id, id, alert_number, rule_code, severity, status, escalated, escalated_at, escalated_by,
	escalation_reason, entity_type, entity_id, customer_id, title, trigger_data, case_id, assigned_to, assigned_at,
	acknowledged_by, acknowledged_at, resolved_by, resolved_at, resolution, sla_deadline, sla_breached, created_at, updated_at`

func scanAlert(row pgx.Row) (*models.Alert, error) {
	a := &models.Alert{}
	var sev, status string
	var trigger []byte
	err := row.Scan(
		&a.TenantID, &a.ID, &a.AlertNumber, &a.RuleCode, &sev, &status, &a.Escalated, &a.EscalatedAt, &a.EscalatedBy,
		&a.EscalationReason, &a.Entity.Type, &a.Entity.ID, &a.CustomerID, &a.Title, &trigger, &a.CaseID, &a.AssignedTo,
		&a.AssignedAt, &a.AcknowledgedBy, &a.AcknowledgedAt, &a.ResolvedBy, &a.ResolvedAt, &a.Resolution,
		&a.SLADeadline, &a.SLABreached, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Severity = models.AlertSeverity(sev)
	a.Status = models.AlertStatus(status)
	if len(trigger) > 0 {
		if err := json.Unmarshal(trigger, &a.TriggerData); err != nil {
			return nil, fmt.Errorf("failed to decode trigger data: %w", err)
		}
	}
	return a, nil
}

func alertArgs(a *models.Alert) ([]interface{}, error) {
	var trigger []byte
	if a.TriggerData != nil {
		raw, err := json.Marshal(a.TriggerData)
		if err != nil {
			return nil, fmt.Errorf("failed to encode trigger data: %w", err)
		}
		trigger = raw
	}
	return []interface{}{
		a.TenantID, a.ID, a.AlertNumber, a.RuleCode, string(a.Severity), string(a.Status), a.Escalated, a.EscalatedAt,
		a.EscalatedBy, a.EscalationReason, a.Entity.Type, a.Entity.ID, a.CustomerID, a.Title, trigger, a.CaseID,
		a.AssignedTo, a.AssignedAt, a.AcknowledgedBy, a.AcknowledgedAt, a.ResolvedBy, a.ResolvedAt, a.Resolution,
		a.SLADeadline, a.SLABreached, a.CreatedAt, a.UpdatedAt,
	}, nil
}

// FindAlertSince returns the most recent alert for the rule and entity
// created at or after since, or nil when there is none
func (p *Postgres) FindAlertSince(ctx context.Context, tenantID, ruleCode string, entity models.EntityRef, since time.Time) (*models.Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts
		WHERE tenant_id = $1 AND rule_code = $2 AND entity_type = $3 AND entity_id = $4 AND created_at >= $5
		ORDER BY created_at DESC LIMIT 1`
	a, err := scanAlert(p.pool.QueryRow(ctx, query, tenantID, ruleCode, entity.Type, entity.ID, since))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find alert: %w", err)
	}
	return a, nil
}

// CountAlertsSince counts the tenant's alerts for a rule created at or after since
func (p *Postgres) CountAlertsSince(ctx context.Context, tenantID, ruleCode string, since time.Time) (int, error) {
	var n int
	err := p.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM alerts WHERE tenant_id = $1 AND rule_code = $2 AND created_at >= $3`,
		tenantID, ruleCode, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count alerts: %w", err)
	}
	return n, nil
}

// CreateAlert inserts an alert and, when c is non-nil, its case in one transaction
func (p *Postgres) CreateAlert(ctx context.Context, a *models.Alert, c *models.Case) error {
	args, err := alertArgs(a)
	if err != nil {
		return err
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `INSERT INTO alerts (` + alertColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
		$13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27)`
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		if isDuplicateError(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to insert alert: %w", err)
	}

	if c != nil {
		caseQuery := `
			INSERT INTO cases (tenant_id, id, case_number, type, priority, status, alert_id, customer_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`
		_, err := tx.Exec(ctx, caseQuery, c.TenantID, c.ID, c.CaseNumber, c.Type, c.Priority, string(c.Status),
			c.AlertID, c.CustomerID, c.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert case: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit alert: %w", err)
	}
	return nil
}

// GetAlert retrieves an alert by ID
func (p *Postgres) GetAlert(ctx context.Context, tenantID, id string) (*models.Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts WHERE tenant_id = $1 AND id = $2`
	a, err := scanAlert(p.pool.QueryRow(ctx, query, tenantID, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound("alert", id)
		}
		return nil, fmt.Errorf("failed to get alert: %w", err)
	}
	return a, nil
}

// UpdateAlert writes the mutable alert fields
func (p *Postgres) UpdateAlert(ctx context.Context, a *models.Alert) error {
	query := `
		UPDATE alerts SET severity = $3, status = $4, escalated = $5, escalated_at = $6, escalated_by = $7,
			escalation_reason = $8, case_id = $9, assigned_to = $10, assigned_at = $11, acknowledged_by = $12,
			acknowledged_at = $13, resolved_by = $14, resolved_at = $15, resolution = $16, sla_breached = $17,
			updated_at = $18
		WHERE tenant_id = $1 AND id = $2
	`
	tag, err := p.pool.Exec(ctx, query, a.TenantID, a.ID, string(a.Severity), string(a.Status), a.Escalated,
		a.EscalatedAt, a.EscalatedBy, a.EscalationReason, a.CaseID, a.AssignedTo, a.AssignedAt, a.AcknowledgedBy,
		a.AcknowledgedAt, a.ResolvedBy, a.ResolvedAt, a.Resolution, a.SLABreached, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update alert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("alert", a.ID)
	}
	return nil
}

// Next atomically increments and returns the counter stored under key
func (p *Postgres) Next(ctx context.Context, key string) (int64, error) {
	query := `
		INSERT INTO sequence_counters (key, value) VALUES ($1, 1)
		ON CONFLICT (key) DO UPDATE SET value = sequence_counters.value + 1
		RETURNING value
	`
	var n int64
	if err := p.pool.QueryRow(ctx, query, key).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to increment sequence %s: %w", key, err)
	}
	return n, nil
}

// =============================================================================
// Obligations
// =============================================================================

const obligationColumns = `tenant_id, id, kind, customer_id, transaction_ids, amount::text, currency, deadline,
	submitted_at, urgent, investigation_id, indicators, created_at`

func scanObligation(row pgx.Row) (*models.Obligation, error) {
	o := &models.Obligation{}
	var kind, amount string
	err := row.Scan(&o.TenantID, &o.ID, &kind, &o.CustomerID, &o.TransactionIDs, &amount, &o.Currency, &o.Deadline,
		&o.SubmittedAt, &o.Urgent, &o.InvestigationID, &o.Indicators, &o.CreatedAt)
	if err != nil {
		return nil, err
	}
	o.Kind = models.ObligationKind(kind)
	d, err := parseAmount(amount)
	if err != nil {
		return nil, err
	}
	o.Amount = d
	return o, nil
}

// CreateObligation stores a new TTR/SMR obligation
func (p *Postgres) CreateObligation(ctx context.Context, o *models.Obligation) error {
	query := `
		INSERT INTO obligations (tenant_id, id, kind, customer_id, transaction_ids, amount, currency, deadline,
			submitted_at, urgent, investigation_id, indicators, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::text::numeric, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := p.pool.Exec(ctx, query, o.TenantID, o.ID, string(o.Kind), o.CustomerID, nonNil(o.TransactionIDs),
		o.Amount.String(), o.Currency, o.Deadline, o.SubmittedAt, o.Urgent, o.InvestigationID,
		nonNil(o.Indicators), o.CreatedAt)
	if err != nil {
		if isDuplicateError(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create obligation: %w", err)
	}
	return nil
}

// GetObligation retrieves an obligation by ID
func (p *Postgres) GetObligation(ctx context.Context, tenantID, id string) (*models.Obligation, error) {
	query := `SELECT ` + obligationColumns + ` FROM obligations WHERE tenant_id = $1 AND id = $2`
	o, err := scanObligation(p.pool.QueryRow(ctx, query, tenantID, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound("obligation", id)
		}
		return nil, fmt.Errorf("failed to get obligation: %w", err)
	}
	return o, nil
}

// ListOutstandingObligations returns unsubmitted obligations of a kind that
// carry a deadline, earliest deadline first
func (p *Postgres) ListOutstandingObligations(ctx context.Context, tenantID string, kind models.ObligationKind) ([]*models.Obligation, error) {
	query := `SELECT ` + obligationColumns + ` FROM obligations
		WHERE tenant_id = $1 AND kind = $2 AND submitted_at IS NULL AND deadline IS NOT NULL
		ORDER BY deadline`
	rows, err := p.pool.Query(ctx, query, tenantID, string(kind))
	if err != nil {
		return nil, fmt.Errorf("failed to list obligations: %w", err)
	}
	defer rows.Close()

	var out []*models.Obligation
	for rows.Next() {
		o, err := scanObligation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan obligation: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// FindObligationByTransaction returns the obligation of a kind that covers
// the transaction
func (p *Postgres) FindObligationByTransaction(ctx context.Context, tenantID string, kind models.ObligationKind, transactionID string) (*models.Obligation, error) {
	query := `SELECT ` + obligationColumns + ` FROM obligations
		WHERE tenant_id = $1 AND kind = $2 AND $3 = ANY(transaction_ids) LIMIT 1`
	o, err := scanObligation(p.pool.QueryRow(ctx, query, tenantID, string(kind), transactionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound("obligation for transaction", transactionID)
		}
		return nil, fmt.Errorf("failed to find obligation: %w", err)
	}
	return o, nil
}

// MarkObligationSubmitted records the submission time of an obligation
func (p *Postgres) MarkObligationSubmitted(ctx context.Context, tenantID, id string, at time.Time) error {
	tag, err := p.pool.Exec(ctx, `UPDATE obligations SET submitted_at = $3 WHERE tenant_id = $1 AND id = $2`, tenantID, id, at)
	if err != nil {
		return fmt.Errorf("failed to mark obligation submitted: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("obligation", id)
	}
	return nil
}

// =============================================================================
// EDD investigations
// =============================================================================

const investigationColumns = `tenant_id, id, customer_id, reason, triggered_by, status, escalation_reasons, created_at, updated_at`

func scanInvestigation(row pgx.Row) (*models.EDDInvestigation, error) {
	inv := &models.EDDInvestigation{}
	var status string
	err := row.Scan(&inv.TenantID, &inv.ID, &inv.CustomerID, &inv.Reason, &inv.TriggeredBy, &status,
		&inv.EscalationReasons, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		return nil, err
	}
	inv.Status = models.InvestigationStatus(status)
	return inv, nil
}

// CreateInvestigation stores a new investigation
func (p *Postgres) CreateInvestigation(ctx context.Context, inv *models.EDDInvestigation) error {
	query := `INSERT INTO edd_investigations (` + investigationColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := p.pool.Exec(ctx, query, inv.TenantID, inv.ID, inv.CustomerID, inv.Reason, inv.TriggeredBy,
		string(inv.Status), nonNil(inv.EscalationReasons), inv.CreatedAt, inv.UpdatedAt)
	if err != nil {
		if isDuplicateError(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create investigation: %w", err)
	}
	return nil
}

// GetInvestigation retrieves an investigation by ID
func (p *Postgres) GetInvestigation(ctx context.Context, tenantID, id string) (*models.EDDInvestigation, error) {
	query := `SELECT ` + investigationColumns + ` FROM edd_investigations WHERE tenant_id = $1 AND id = $2`
	inv, err := scanInvestigation(p.pool.QueryRow(ctx, query, tenantID, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound("investigation", id)
		}
		return nil, fmt.Errorf("failed to get investigation: %w", err)
	}
	return inv, nil
}

// UpdateInvestigation writes the mutable investigation fields
func (p *Postgres) UpdateInvestigation(ctx context.Context, inv *models.EDDInvestigation) error {
	query := `UPDATE edd_investigations SET status = $3, escalation_reasons = $4, updated_at = $5
		WHERE tenant_id = $1 AND id = $2`
	tag, err := p.pool.Exec(ctx, query, inv.TenantID, inv.ID, string(inv.Status), nonNil(inv.EscalationReasons), inv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update investigation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("investigation", inv.ID)
	}
	return nil
}

// FindActiveInvestigation returns the customer's investigation that is not closed
func (p *Postgres) FindActiveInvestigation(ctx context.Context, tenantID, customerID string) (*models.EDDInvestigation, error) {
	query := `SELECT ` + investigationColumns + ` FROM edd_investigations
		WHERE tenant_id = $1 AND customer_id = $2 AND status <> 'closed' ORDER BY created_at DESC LIMIT 1`
	inv, err := scanInvestigation(p.pool.QueryRow(ctx, query, tenantID, customerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound("active investigation for customer", customerID)
		}
		return nil, fmt.Errorf("failed to find investigation: %w", err)
	}
	return inv, nil
}

// =============================================================================
// Audit & webhooks
// =============================================================================

// AppendAudit appends an audit record
func (p *Postgres) AppendAudit(ctx context.Context, rec *models.AuditRecord) error {
	var metadata []byte
	if rec.Metadata != nil {
		raw, err := json.Marshal(rec.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode audit metadata: %w", err)
		}
		metadata = raw
	}
	query := `
		INSERT INTO audit_log (id, tenant_id, action_type, entity_type, entity_id, description, metadata, timestamp, digest)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := p.pool.Exec(ctx, query, rec.ID, rec.TenantID, rec.ActionType, rec.EntityType, rec.EntityID,
		rec.Description, metadata, rec.Timestamp, rec.Digest)
	if err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}
	return nil
}

// LastAuditDigest returns the digest of the tenant's newest audit record
func (p *Postgres) LastAuditDigest(ctx context.Context, tenantID string) (string, error) {
	var digest string
	err := p.pool.QueryRow(ctx,
		`SELECT digest FROM audit_log WHERE tenant_id = $1 ORDER BY seq DESC LIMIT 1`, tenantID).Scan(&digest)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("failed to get last audit digest: %w", err)
	}
	return digest, nil
}

// ListSubscriptions returns the tenant's webhook subscriptions
func (p *Postgres) ListSubscriptions(ctx context.Context, tenantID string) ([]*models.WebhookSubscription, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT tenant_id, id, url, secret, event_types, active FROM webhook_subscriptions WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*models.WebhookSubscription
	for rows.Next() {
		s := &models.WebhookSubscription{}
		if err := rows.Scan(&s.TenantID, &s.ID, &s.URL, &s.Secret, &s.EventTypes, &s.Active); err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}

// UpsertSubscription inserts or updates a webhook subscription
func (p *Postgres) UpsertSubscription(ctx context.Context, s *models.WebhookSubscription) error {
	query := `
		INSERT INTO webhook_subscriptions (tenant_id, id, url, secret, event_types, active)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id, id) DO UPDATE SET url = $3, secret = $4, event_types = $5, active = $6
	`
	if _, err := p.pool.Exec(ctx, query, s.TenantID, s.ID, s.URL, s.Secret, nonNil(s.EventTypes), s.Active); err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return nil
}

// ListAudit returns the tenant's audit trail in append order
func (p *Postgres) ListAudit(ctx context.Context, tenantID string) ([]*models.AuditRecord, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, tenant_id, action_type, entity_type, entity_id, description, metadata, timestamp, digest
		FROM audit_log WHERE tenant_id = $1 ORDER BY seq`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit records: %w", err)
	}
	defer rows.Close()

	var out []*models.AuditRecord
	for rows.Next() {
		rec := &models.AuditRecord{}
		var metadata []byte
		if err := rows.Scan(&rec.ID, &rec.TenantID, &rec.ActionType, &rec.EntityType, &rec.EntityID,
			&rec.Description, &metadata, &rec.Timestamp, &rec.Digest); err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &rec.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode audit metadata: %w", err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListAlerts returns the tenant's alerts, oldest first
func (p *Postgres) ListAlerts(ctx context.Context, tenantID string) ([]*models.Alert, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+alertColumns+` FROM alerts WHERE tenant_id = $1 ORDER BY created_at, alert_number`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	var out []*models.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetCase retrieves a case by ID
func (p *Postgres) GetCase(ctx context.Context, tenantID, id string) (*models.Case, error) {
	c := &models.Case{}
	var status string
	err := p.pool.QueryRow(ctx, `
		SELECT tenant_id, id, case_number, type, priority, status, alert_id, customer_id, created_at
		FROM cases WHERE tenant_id = $1 AND id = $2`, tenantID, id).
		Scan(&c.TenantID, &c.ID, &c.CaseNumber, &c.Type, &c.Priority, &status, &c.AlertID, &c.CustomerID, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound("case", id)
		}
		return nil, fmt.Errorf("failed to get case: %w", err)
	}
	c.Status = models.CaseStatus(status)
	return c, nil
}

// GetRiskSnapshot returns the stored risk evaluation of a transaction
func (p *Postgres) GetRiskSnapshot(ctx context.Context, tenantID, transactionID string) (*models.RiskSnapshot, error) {
	snap := &models.RiskSnapshot{}
	var tier string
	var factors []byte
	err := p.pool.QueryRow(ctx, `
		SELECT tenant_id, transaction_id, score, tier, factors, evaluated_at
		FROM risk_snapshots WHERE tenant_id = $1 AND transaction_id = $2`, tenantID, transactionID).
		Scan(&snap.TenantID, &snap.TransactionID, &snap.Score, &tier, &factors, &snap.EvaluatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound("risk snapshot", transactionID)
		}
		return nil, fmt.Errorf("failed to get risk snapshot: %w", err)
	}
	snap.Tier = models.RiskTier(tier)
	if err := json.Unmarshal(factors, &snap.Factors); err != nil {
		return nil, fmt.Errorf("failed to decode risk factors: %w", err)
	}
	return snap, nil
}
