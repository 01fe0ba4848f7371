// Package alerts creates compliance alerts and applies their lifecycle
// transitions.
//
// Cooldown and daily rate-limit checks read then insert without a lock, so
// concurrent creates for the same rule may let a few extra alerts through.
// Alert numbers come from an atomic sequencer and are always unique.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/savegress/complycore/internal/calendar"
	"github.com/savegress/complycore/internal/metrics"
	"github.com/savegress/complycore/internal/storage"
	"github.com/savegress/complycore/internal/webhooks"
	"github.com/savegress/complycore/pkg/models"
	"go.uber.org/zap"
)

// ErrInvalidTransition is returned when a terminal alert is modified
var ErrInvalidTransition = errors.New("invalid alert transition")

var ruleCodePattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]{1,63}$`)

const maxNumberAttempts = 3

// SkipReason names why an alert was not created
type SkipReason string

const (
	SkipCooldown  SkipReason = "cooldown_active"
	SkipRateLimit SkipReason = "rate_limit_reached"
)

// Store is the alert persistence surface
type Store interface {
	GetAlertRule(ctx context.Context, tenantID, code string) (*models.AlertRule, error)
	FindAlertSince(ctx context.Context, tenantID, ruleCode string, entity models.EntityRef, since time.Time) (*models.Alert, error)
	CountAlertsSince(ctx context.Context, tenantID, ruleCode string, since time.Time) (int, error)
	CreateAlert(ctx context.Context, a *models.Alert, c *models.Case) error
	GetAlert(ctx context.Context, tenantID, id string) (*models.Alert, error)
	UpdateAlert(ctx context.Context, a *models.Alert) error
	ListAlerts(ctx context.Context, tenantID string) ([]*models.Alert, error)
}

// Sequencer atomically increments and returns a named counter
type Sequencer interface {
	Next(ctx context.Context, key string) (int64, error)
}

// ConfigSource resolves a tenant's regional config
type ConfigSource interface {
	GetTenantConfig(ctx context.Context, tenantID string) (*models.RegionalConfig, error)
}

// AuditSink receives audit records
type AuditSink interface {
	Record(ctx context.Context, rec *models.AuditRecord)
}

// EventSink receives webhook events
type EventSink interface {
	Dispatch(ctx context.Context, tenantID, eventType string, payload interface{})
}

// CreateRequest describes an alert to raise
type CreateRequest struct {
	TenantID         string
	RuleCode         string
	Severity         models.AlertSeverity
	Entity           models.EntityRef
	CustomerID       string
	Title            string
	TriggerData      map[string]interface{}
	SLADeadline      *time.Time
	Escalate         bool
	EscalationReason string
}

func (r CreateRequest) validate() error {
	if r.TenantID == "" {
		return models.NewValidationError("tenant_id", "is required")
	}
	if !ruleCodePattern.MatchString(r.RuleCode) {
		return models.NewValidationError("rule_code", "%q must match %s", r.RuleCode, ruleCodePattern)
	}
	if r.Entity.Type == "" || r.Entity.ID == "" {
		return models.NewValidationError("entity", "type and id are required")
	}
	if !r.Severity.Valid() {
		return models.NewValidationError("severity", "unknown severity %q", r.Severity)
	}
	return nil
}

// CreateResult is the outcome of Create. A skipped result carries no alert.
type CreateResult struct {
	Alert      *models.Alert `json:"alert,omitempty"`
	Case       *models.Case  `json:"case,omitempty"`
	Skipped    bool          `json:"skipped"`
	SkipReason SkipReason    `json:"skip_reason,omitempty"`
}

// ResolveRequest closes an alert as resolved or dismissed
type ResolveRequest struct {
	Actor      string
	Resolution string
	Dismiss    bool
}

// Engine creates and updates alerts
type Engine struct {
	store     Store
	seq       Sequencer
	configs   ConfigSource
	calendars *calendar.Cache
	audit     AuditSink
	events    EventSink
	metrics   *metrics.Metrics
	logger    *zap.SugaredLogger
	now       func() time.Time
}

// NewEngine creates a new alert engine
func NewEngine(store Store, seq Sequencer, configs ConfigSource, audit AuditSink, events EventSink, m *metrics.Metrics, logger *zap.SugaredLogger) *Engine {
	if store == nil || seq == nil || configs == nil || audit == nil || events == nil {
		panic("alerts: nil dependency")
	}
	return &Engine{
		store:     store,
		seq:       seq,
		configs:   configs,
		calendars: calendar.NewCache(),
		audit:     audit,
		events:    events,
		metrics:   m,
		logger:    logger.Named("alerts"),
		now:       time.Now,
	}
}

// Create raises an alert unless the rule's cooldown or daily limit applies.
// A missing or disabled rule still creates the alert without throttling.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	rule, err := e.store.GetAlertRule(ctx, req.TenantID, req.RuleCode)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		rule = nil
	case err != nil:
		return nil, fmt.Errorf("failed to load alert rule: %w", err)
	case !rule.Enabled:
		rule = nil
	}

	cfg, err := e.configs.GetTenantConfig(ctx, req.TenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load tenant config: %w", err)
	}
	cal, err := e.calendars.ForRegional(cfg)
	if err != nil {
		return nil, err
	}

	now := e.now()
	severity := req.Severity
	if rule != nil {
		if rule.SeverityOverride.Valid() {
			severity = rule.SeverityOverride
		}
		if skip, err := e.throttled(ctx, req, rule, cal, now); err != nil || skip != "" {
			if err != nil {
				return nil, err
			}
			e.metrics.AlertSkipped(req.RuleCode, string(skip))
			e.logger.Debugw("Alert skipped", "tenant_id", req.TenantID, "rule_code", req.RuleCode, "entity_id", req.Entity.ID, "reason", skip)
			return &CreateResult{Skipped: true, SkipReason: skip}, nil
		}
	}

	alert := &models.Alert{
		ID:          storage.NewID("alt"),
		TenantID:    req.TenantID,
		RuleCode:    req.RuleCode,
		Severity:    severity,
		Status:      models.AlertStatusNew,
		Entity:      req.Entity,
		CustomerID:  req.CustomerID,
		Title:       req.Title,
		TriggerData: copyData(req.TriggerData),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if alert.Title == "" {
		alert.Title = fmt.Sprintf("%s on %s %s", req.RuleCode, req.Entity.Type, req.Entity.ID)
	}

	deadline := cal.AddBusinessDays(now, cfg.SLADays[severity])
	if req.SLADeadline != nil {
		deadline = *req.SLADeadline
	}
	alert.SLADeadline = &deadline

	if req.Escalate {
		alert.Escalated = true
		alert.EscalatedAt = &now
		alert.EscalatedBy = "system"
		alert.EscalationReason = req.EscalationReason
	}

	day := now.In(cal.Location()).Format("20060102")
	var c *models.Case
	if rule != nil && rule.AutoCreateCase {
		c = newCase(rule, alert, day, now)
		alert.CaseID = c.ID
		alert.Escalated = true
		alert.EscalatedAt = &now
		alert.EscalatedBy = "system"
		if alert.EscalationReason == "" {
			alert.EscalationReason = "case " + c.CaseNumber + " opened"
		}
	}

	if err := e.persist(ctx, alert, c, day); err != nil {
		return nil, err
	}

	e.metrics.AlertCreated(alert.RuleCode, string(alert.Severity))
	e.logger.Infow("Alert created",
		"tenant_id", alert.TenantID,
		"alert_number", alert.AlertNumber,
		"rule_code", alert.RuleCode,
		"severity", alert.Severity,
		"entity_type", alert.Entity.Type,
		"entity_id", alert.Entity.ID,
	)

	metadata := map[string]interface{}{
		"rule_code":   alert.RuleCode,
		"severity":    string(alert.Severity),
		"entity_type": alert.Entity.Type,
		"entity_id":   alert.Entity.ID,
	}
	if c != nil {
		metadata["case_id"] = c.ID
		metadata["case_number"] = c.CaseNumber
	}
	e.audit.Record(ctx, &models.AuditRecord{
		TenantID:    alert.TenantID,
		ActionType:  "alert_created",
		EntityType:  "alert",
		EntityID:    alert.ID,
		Description: fmt.Sprintf("Alert %s created: %s", alert.AlertNumber, alert.Title),
		Metadata:    metadata,
	})
	e.events.Dispatch(ctx, alert.TenantID, webhooks.EventAlertCreated, alert)

	return &CreateResult{Alert: alert, Case: c}, nil
}

func (e *Engine) throttled(ctx context.Context, req CreateRequest, rule *models.AlertRule, cal *calendar.Calendar, now time.Time) (SkipReason, error) {
	if rule.CooldownMinutes > 0 {
		since := now.Add(-time.Duration(rule.CooldownMinutes) * time.Minute)
		recent, err := e.store.FindAlertSince(ctx, req.TenantID, req.RuleCode, req.Entity, since)
		if err != nil {
			return "", fmt.Errorf("failed to check cooldown: %w", err)
		}
		if recent != nil {
			return SkipCooldown, nil
		}
	}
	if rule.MaxAlertsPerDay > 0 {
		count, err := e.store.CountAlertsSince(ctx, req.TenantID, req.RuleCode, cal.StartOfDay(now))
		if err != nil {
			return "", fmt.Errorf("failed to check rate limit: %w", err)
		}
		if count >= rule.MaxAlertsPerDay {
			return SkipRateLimit, nil
		}
	}
	return "", nil
}

// persist numbers the alert and stores it. A number already taken means the
// counter was reset, so the next value is drawn.
func (e *Engine) persist(ctx context.Context, alert *models.Alert, c *models.Case, day string) error {
	key := fmt.Sprintf("alerts:%s:%s", alert.TenantID, day)
	for attempt := 1; ; attempt++ {
		n, err := e.seq.Next(ctx, key)
		if err != nil {
			return fmt.Errorf("failed to allocate alert number: %w", err)
		}
		alert.AlertNumber = fmt.Sprintf("ALT-%s-%04d", day, n)

		err = e.store.CreateAlert(ctx, alert, c)
		if err == nil {
			return nil
		}
		if !errors.Is(err, storage.ErrDuplicate) || attempt == maxNumberAttempts {
			return fmt.Errorf("failed to store alert: %w", err)
		}
		e.logger.Warnw("Alert number already taken", "tenant_id", alert.TenantID, "alert_number", alert.AlertNumber)
	}
}

func newCase(rule *models.AlertRule, alert *models.Alert, day string, now time.Time) *models.Case {
	caseType := rule.CaseType
	if caseType == "" {
		caseType = "aml_review"
	}
	priority := rule.CasePriority
	if priority == "" {
		priority = string(alert.Severity)
	}
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", "")[:8])
	return &models.Case{
		ID:         storage.NewID("case"),
		TenantID:   alert.TenantID,
		CaseNumber: fmt.Sprintf("CASE-%s-%s", day, suffix),
		Type:       caseType,
		Priority:   priority,
		Status:     models.CaseStatusOpen,
		AlertID:    alert.ID,
		CustomerID: alert.CustomerID,
		CreatedAt:  now,
	}
}

func copyData(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Get returns an alert with its SLA breach flag refreshed
func (e *Engine) Get(ctx context.Context, tenantID, id string) (*models.Alert, error) {
	a, err := e.store.GetAlert(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	a.RefreshSLA(e.now())
	return a, nil
}

// List returns the tenant's alerts, oldest first
func (e *Engine) List(ctx context.Context, tenantID string) ([]*models.Alert, error) {
	alerts, err := e.store.ListAlerts(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	now := e.now()
	for _, a := range alerts {
		a.RefreshSLA(now)
	}
	return alerts, nil
}

// Acknowledge moves a new alert to acknowledged. Actor and time are only
// stamped on the first acknowledgement.
func (e *Engine) Acknowledge(ctx context.Context, tenantID, id, actor string) (*models.Alert, error) {
	return e.update(ctx, tenantID, id, "acknowledged", func(a *models.Alert, now time.Time) error {
		if a.Status == models.AlertStatusNew {
			a.Status = models.AlertStatusAcknowledged
		}
		if a.AcknowledgedBy == "" {
			a.AcknowledgedBy = actor
		}
		if a.AcknowledgedAt == nil {
			a.AcknowledgedAt = &now
		}
		return nil
	})
}

// Assign hands the alert to an investigator and moves it to investigating
func (e *Engine) Assign(ctx context.Context, tenantID, id, assignee string) (*models.Alert, error) {
	if assignee == "" {
		return nil, models.NewValidationError("assignee", "is required")
	}
	return e.update(ctx, tenantID, id, "assigned", func(a *models.Alert, now time.Time) error {
		a.AssignedTo = assignee
		a.AssignedAt = &now
		a.Status = models.AlertStatusInvestigating
		return nil
	})
}

// Resolve closes the alert as resolved, or dismissed when req.Dismiss is set
func (e *Engine) Resolve(ctx context.Context, tenantID, id string, req ResolveRequest) (*models.Alert, error) {
	action := "resolved"
	if req.Dismiss {
		action = "dismissed"
	}
	return e.update(ctx, tenantID, id, action, func(a *models.Alert, now time.Time) error {
		a.RefreshSLA(now)
		a.Status = models.AlertStatusResolved
		if req.Dismiss {
			a.Status = models.AlertStatusDismissed
		}
		if a.ResolvedBy == "" {
			a.ResolvedBy = req.Actor
		}
		if a.ResolvedAt == nil {
			a.ResolvedAt = &now
		}
		a.Resolution = req.Resolution
		return nil
	})
}

// Escalate sets the escalated flag without changing the status
func (e *Engine) Escalate(ctx context.Context, tenantID, id, actor, reason string) (*models.Alert, error) {
	return e.update(ctx, tenantID, id, "escalated", func(a *models.Alert, now time.Time) error {
		a.Escalated = true
		a.EscalatedAt = &now
		a.EscalatedBy = actor
		a.EscalationReason = reason
		return nil
	})
}

func (e *Engine) update(ctx context.Context, tenantID, id, action string, apply func(*models.Alert, time.Time) error) (*models.Alert, error) {
	a, err := e.store.GetAlert(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if a.Status.Terminal() {
		return nil, fmt.Errorf("alert %s is %s: %w", a.AlertNumber, a.Status, ErrInvalidTransition)
	}

	now := e.now()
	if err := apply(a, now); err != nil {
		return nil, err
	}
	a.UpdatedAt = now
	a.RefreshSLA(now)
	if err := e.store.UpdateAlert(ctx, a); err != nil {
		return nil, fmt.Errorf("failed to update alert: %w", err)
	}

	e.metrics.AlertTransition(action)
	e.audit.Record(ctx, &models.AuditRecord{
		TenantID:    tenantID,
		ActionType:  "alert_" + action,
		EntityType:  "alert",
		EntityID:    a.ID,
		Description: fmt.Sprintf("Alert %s %s", a.AlertNumber, action),
		Metadata:    map[string]interface{}{"status": string(a.Status), "escalated": a.Escalated},
	})
	e.events.Dispatch(ctx, tenantID, webhooks.EventAlertUpdated, a)
	return a, nil
}
