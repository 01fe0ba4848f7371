// Package deadlines raises alerts for TTR and SMR obligations approaching
// or past their regulatory due date.
package deadlines

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/savegress/complycore/internal/alerts"
	"github.com/savegress/complycore/internal/calendar"
	"github.com/savegress/complycore/internal/investigations"
	"github.com/savegress/complycore/internal/metrics"
	"github.com/savegress/complycore/internal/webhooks"
	"github.com/savegress/complycore/pkg/models"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Alert thresholds in business days remaining
const (
	TTRThresholdDays = 5
	SMRThresholdDays = 2
)

const (
	RuleTTRDeadline = "TTR_DEADLINE"
	RuleSMRDeadline = "SMR_DEADLINE"
)

// Store is the read surface the monitor scans
type Store interface {
	ListActiveTenants(ctx context.Context) ([]*models.Tenant, error)
	ListOutstandingObligations(ctx context.Context, tenantID string, kind models.ObligationKind) ([]*models.Obligation, error)
	FindAlertSince(ctx context.Context, tenantID, ruleCode string, entity models.EntityRef, since time.Time) (*models.Alert, error)
}

// AlertCreator raises alerts
type AlertCreator interface {
	Create(ctx context.Context, req alerts.CreateRequest) (*alerts.CreateResult, error)
}

// Escalator escalates EDD investigations
type Escalator interface {
	EscalateEDDInvestigation(ctx context.Context, tenantID, investigationID, reason string) (*models.EDDInvestigation, error)
}

// ConfigSource resolves a tenant's regional config
type ConfigSource interface {
	GetTenantConfig(ctx context.Context, tenantID string) (*models.RegionalConfig, error)
}

// EventSink receives webhook events
type EventSink interface {
	Dispatch(ctx context.Context, tenantID, eventType string, payload interface{})
}

// TenantResult summarizes one tenant's scan
type TenantResult struct {
	TenantID    string `json:"tenant_id"`
	TTRAlerts   int    `json:"ttr_alerts"`
	SMRAlerts   int    `json:"smr_alerts"`
	Skipped     int    `json:"skipped"`
	Escalations int    `json:"escalations"`
}

// Alerts returns the number of alerts created for the tenant
func (r *TenantResult) Alerts() int {
	return r.TTRAlerts + r.SMRAlerts
}

// RunResult summarizes a scan across all active tenants
type RunResult struct {
	AlertsByTenant map[string]int `json:"alerts_by_tenant"`
	TotalAlerts    int            `json:"total_alerts"`
	Errors         []string       `json:"errors"`
	Duration       time.Duration  `json:"duration"`
}

// SeverityFor maps business days remaining to alert severity. Overdue
// obligations are always critical.
func SeverityFor(kind models.ObligationKind, daysRemaining int) models.AlertSeverity {
	if daysRemaining <= 0 {
		return models.AlertSeverityCritical
	}
	if kind == models.ObligationSMR {
		if daysRemaining <= 1 {
			return models.AlertSeverityCritical
		}
		return models.AlertSeverityHigh
	}
	switch {
	case daysRemaining <= 1:
		return models.AlertSeverityCritical
	case daysRemaining <= 2:
		return models.AlertSeverityHigh
	case daysRemaining <= 5:
		return models.AlertSeverityMedium
	default:
		return models.AlertSeverityLow
	}
}

func thresholdFor(kind models.ObligationKind) int {
	if kind == models.ObligationSMR {
		return SMRThresholdDays
	}
	return TTRThresholdDays
}

func ruleFor(kind models.ObligationKind) string {
	if kind == models.ObligationSMR {
		return RuleSMRDeadline
	}
	return RuleTTRDeadline
}

// Monitor scans outstanding obligations
type Monitor struct {
	store       Store
	alerts      AlertCreator
	escalator   Escalator
	configs     ConfigSource
	calendars   *calendar.Cache
	events      EventSink
	concurrency int
	metrics     *metrics.Metrics
	logger      *zap.SugaredLogger
	now         func() time.Time
}

// NewMonitor creates a deadline monitor scanning up to concurrency tenants at once
func NewMonitor(store Store, creator AlertCreator, escalator Escalator, configs ConfigSource, events EventSink, concurrency int, m *metrics.Metrics, logger *zap.SugaredLogger) *Monitor {
	if store == nil || creator == nil || escalator == nil || configs == nil || events == nil {
		panic("deadlines: nil dependency")
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Monitor{
		store:       store,
		alerts:      creator,
		escalator:   escalator,
		configs:     configs,
		calendars:   calendar.NewCache(),
		events:      events,
		concurrency: concurrency,
		metrics:     m,
		logger:      logger.Named("deadlines"),
		now:         time.Now,
	}
}

// CheckTenant runs the TTR scan then the SMR scan. Failures on individual
// obligations do not stop the scan and are returned joined.
func (m *Monitor) CheckTenant(ctx context.Context, tenantID string) (*TenantResult, error) {
	result := &TenantResult{TenantID: tenantID}

	cfg, err := m.configs.GetTenantConfig(ctx, tenantID)
	if err != nil {
		return result, fmt.Errorf("failed to load config: %w", err)
	}
	cal, err := m.calendars.ForRegional(cfg)
	if err != nil {
		return result, err
	}

	var errs []error
	for _, kind := range []models.ObligationKind{models.ObligationTTR, models.ObligationSMR} {
		if err := m.scan(ctx, tenantID, kind, cal, result); err != nil {
			errs = append(errs, err)
		}
	}

	m.logger.Infow("Deadline scan completed",
		"tenant_id", tenantID,
		"ttr_alerts", result.TTRAlerts,
		"smr_alerts", result.SMRAlerts,
		"skipped", result.Skipped,
		"escalations", result.Escalations,
	)
	m.events.Dispatch(ctx, tenantID, webhooks.EventDeadlineScanEnded, result)
	return result, errors.Join(errs...)
}

func (m *Monitor) scan(ctx context.Context, tenantID string, kind models.ObligationKind, cal *calendar.Calendar, result *TenantResult) error {
	obligations, err := m.store.ListOutstandingObligations(ctx, tenantID, kind)
	if err != nil {
		return fmt.Errorf("failed to list %s obligations: %w", kind, err)
	}

	now := m.now()
	today := cal.StartOfDay(now)
	threshold := thresholdFor(kind)

	var errs []error
	for _, o := range obligations {
		if o.Deadline == nil {
			continue
		}
		days := DaysRemaining(cal, now, *o.Deadline)
		if days > threshold {
			continue
		}
		if err := m.raise(ctx, o, days, now.After(*o.Deadline), today, result); err != nil {
			errs = append(errs, fmt.Errorf("%s %s: %w", kind, o.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Monitor) raise(ctx context.Context, o *models.Obligation, days int, overdue bool, today time.Time, result *TenantResult) error {
	rule := ruleFor(o.Kind)
	entity := models.EntityRef{Type: string(o.Kind), ID: o.ID}

	existing, err := m.store.FindAlertSince(ctx, o.TenantID, rule, entity, today)
	if err != nil {
		return fmt.Errorf("failed to check existing alert: %w", err)
	}
	if existing != nil {
		result.Skipped++
		return nil
	}

	label := strings.ToUpper(string(o.Kind))
	title := fmt.Sprintf("%s %s due in %d business days", label, o.ID, days)
	if overdue {
		title = fmt.Sprintf("%s %s is overdue", label, o.ID)
	}
	severity := SeverityFor(o.Kind, days)

	res, err := m.alerts.Create(ctx, alerts.CreateRequest{
		TenantID:   o.TenantID,
		RuleCode:   rule,
		Severity:   severity,
		Entity:     entity,
		CustomerID: o.CustomerID,
		Title:      title,
		TriggerData: map[string]interface{}{
			"reference":      o.ID,
			"kind":           string(o.Kind),
			"deadline":       o.Deadline.Format(time.RFC3339),
			"days_remaining": days,
			"overdue":        overdue,
			"amount":         o.Amount.String(),
			"currency":       o.Currency,
		},
		SLADeadline:      o.Deadline,
		Escalate:         overdue,
		EscalationReason: "regulatory deadline passed",
	})
	if err != nil {
		return err
	}
	if res.Skipped {
		result.Skipped++
		return nil
	}

	if o.Kind == models.ObligationSMR {
		result.SMRAlerts++
	} else {
		result.TTRAlerts++
	}
	m.metrics.DeadlineAlert(string(o.Kind), string(severity))

	if overdue && o.Kind == models.ObligationSMR && o.InvestigationID != "" {
		_, err := m.escalator.EscalateEDDInvestigation(ctx, o.TenantID, o.InvestigationID, fmt.Sprintf("SMR %s overdue", o.ID))
		switch {
		case errors.Is(err, investigations.ErrClosed):
			m.logger.Debugw("Investigation already closed", "tenant_id", o.TenantID, "investigation_id", o.InvestigationID)
		case err != nil:
			return fmt.Errorf("failed to escalate investigation %s: %w", o.InvestigationID, err)
		default:
			result.Escalations++
		}
	}
	return nil
}

// DaysRemaining counts business days until the deadline. Past deadlines
// yield the negated number of business days elapsed.
func DaysRemaining(cal *calendar.Calendar, now, deadline time.Time) int {
	if now.After(deadline) {
		return -cal.BusinessDaysBetween(deadline, now)
	}
	return cal.BusinessDaysBetween(now, deadline)
}

// RunAllTenants scans every active tenant. One tenant's failure never
// stops the others.
func (m *Monitor) RunAllTenants(ctx context.Context) *RunResult {
	start := m.now()
	result := &RunResult{AlertsByTenant: make(map[string]int), Errors: []string{}}

	tenants, err := m.store.ListActiveTenants(ctx)
	if err != nil {
		m.metrics.DeadlineScanFailed()
		result.Errors = append(result.Errors, fmt.Sprintf("failed to list tenants: %v", err))
		return result
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(m.concurrency)

	for _, t := range tenants {
		tenantID := t.ID
		g.Go(func() error {
			res, err := m.checkIsolated(ctx, tenantID)

			mu.Lock()
			defer mu.Unlock()
			if res != nil {
				result.AlertsByTenant[tenantID] = res.Alerts()
				result.TotalAlerts += res.Alerts()
			}
			if err != nil {
				m.metrics.DeadlineScanFailed()
				result.Errors = append(result.Errors, fmt.Sprintf("tenant %s: %v", tenantID, err))
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(result.Errors)
	result.Duration = m.now().Sub(start)

	m.logger.Infow("All-tenant deadline scan completed",
		"tenants", len(tenants),
		"total_alerts", result.TotalAlerts,
		"errors", len(result.Errors),
		"duration", result.Duration,
	)
	return result
}

func (m *Monitor) checkIsolated(ctx context.Context, tenantID string) (res *TenantResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Errorw("Deadline scan panicked", "tenant_id", tenantID, "panic", r)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return m.CheckTenant(ctx, tenantID)
}
