// Package reports generates SMR and TTR obligations and their reference
// numbers.
package reports

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/savegress/complycore/internal/calendar"
	"github.com/savegress/complycore/internal/metrics"
	"github.com/savegress/complycore/internal/storage"
	"github.com/savegress/complycore/internal/webhooks"
	"github.com/savegress/complycore/pkg/models"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrAlreadyReported is returned when a transaction is already covered by a TTR
var ErrAlreadyReported = errors.New("transaction already reported")

// Store persists obligations
type Store interface {
	CreateObligation(ctx context.Context, o *models.Obligation) error
	GetObligation(ctx context.Context, tenantID, id string) (*models.Obligation, error)
	FindObligationByTransaction(ctx context.Context, tenantID string, kind models.ObligationKind, transactionID string) (*models.Obligation, error)
	MarkObligationSubmitted(ctx context.Context, tenantID, id string, at time.Time) error
}

// AuditSink receives audit records
type AuditSink interface {
	Record(ctx context.Context, rec *models.AuditRecord)
}

// EventSink receives webhook events
type EventSink interface {
	Dispatch(ctx context.Context, tenantID, eventType string, payload interface{})
}

// ActivityDetails describes the suspicious activity behind an SMR
type ActivityDetails struct {
	CustomerID      string
	TransactionIDs  []string
	TotalAmount     decimal.Decimal
	Currency        string
	Indicators      []string
	Narrative       string
	Terrorism       bool
	InvestigationID string
	DetectedAt      time.Time
}

// Generator creates report obligations
type Generator struct {
	store     Store
	calendars *calendar.Cache
	audit     AuditSink
	events    EventSink
	metrics   *metrics.Metrics
	logger    *zap.SugaredLogger
	now       func() time.Time
}

// NewGenerator creates a new report generator
func NewGenerator(store Store, audit AuditSink, events EventSink, m *metrics.Metrics, logger *zap.SugaredLogger) *Generator {
	if store == nil || audit == nil || events == nil {
		panic("reports: nil dependency")
	}
	return &Generator{
		store:     store,
		calendars: calendar.NewCache(),
		audit:     audit,
		events:    events,
		metrics:   m,
		logger:    logger.Named("reports"),
		now:       time.Now,
	}
}

// SMRReference formats a suspicious matter report reference
func SMRReference(at time.Time) string {
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:9]
	return fmt.Sprintf("SMR_%d_%s", at.UnixMilli(), suffix)
}

// TTRReference formats a threshold transaction report reference using the
// date in loc
func TTRReference(at time.Time, loc *time.Location) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", "")[:8])
	return fmt.Sprintf("TTR-%s-%s", at.In(loc).Format("20060102"), suffix)
}

// GenerateSMR records an outstanding SMR for the activity. Terrorism
// related activity is due within the urgent window.
func (g *Generator) GenerateSMR(ctx context.Context, tenantID string, cfg *models.RegionalConfig, d ActivityDetails) (*models.Obligation, error) {
	if tenantID == "" {
		return nil, models.NewValidationError("tenant_id", "is required")
	}
	if d.CustomerID == "" {
		return nil, models.NewValidationError("customer_id", "is required")
	}
	if d.TotalAmount.IsNegative() {
		return nil, models.NewValidationError("total_amount", "must not be negative")
	}
	if cfg == nil {
		return nil, models.NewValidationError("config", "regional config is required")
	}

	cal, err := g.calendars.ForRegional(cfg)
	if err != nil {
		return nil, err
	}

	now := g.now()
	start := d.DetectedAt
	if start.IsZero() {
		start = now
	}
	deadline := cal.SMRDeadline(start, d.Terrorism)

	o := &models.Obligation{
		ID:              SMRReference(now),
		TenantID:        tenantID,
		Kind:            models.ObligationSMR,
		CustomerID:      d.CustomerID,
		TransactionIDs:  append([]string{}, d.TransactionIDs...),
		Amount:          d.TotalAmount,
		Currency:        d.Currency,
		Deadline:        &deadline,
		Urgent:          d.Terrorism,
		InvestigationID: d.InvestigationID,
		Indicators:      append([]string{}, d.Indicators...),
		CreatedAt:       now,
	}
	if err := g.store.CreateObligation(ctx, o); err != nil {
		return nil, fmt.Errorf("failed to store SMR: %w", err)
	}

	g.logger.Infow("SMR generated",
		"tenant_id", tenantID,
		"reference", o.ID,
		"customer_id", d.CustomerID,
		"urgent", d.Terrorism,
		"deadline", deadline,
	)
	g.published(ctx, o, d.Narrative)
	return o, nil
}

// GenerateTTR records an outstanding TTR for a cash transaction at or
// above the tenant's TTR threshold
func (g *Generator) GenerateTTR(ctx context.Context, tenantID string, cfg *models.RegionalConfig, tx *models.Transaction) (*models.Obligation, error) {
	if tenantID == "" {
		return nil, models.NewValidationError("tenant_id", "is required")
	}
	if cfg == nil {
		return nil, models.NewValidationError("config", "regional config is required")
	}
	if tx == nil || tx.ID == "" {
		return nil, models.NewValidationError("transaction", "is required")
	}
	if !tx.Type.IsCash() {
		return nil, models.NewValidationError("transaction.type", "%s is not a cash transaction", tx.Type)
	}
	if tx.Amount.LessThan(cfg.Thresholds.TTR) {
		return nil, models.NewValidationError("transaction.amount", "%s is below the TTR threshold %s", tx.Amount, cfg.Thresholds.TTR)
	}

	existing, err := g.store.FindObligationByTransaction(ctx, tenantID, models.ObligationTTR, tx.ID)
	switch {
	case err == nil:
		return existing, fmt.Errorf("transaction %s in %s: %w", tx.ID, existing.ID, ErrAlreadyReported)
	case !errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("failed to check existing TTR: %w", err)
	}

	cal, err := g.calendars.ForRegional(cfg)
	if err != nil {
		return nil, err
	}

	now := g.now()
	start := tx.CreatedAt
	if start.IsZero() {
		start = now
	}
	deadline := cal.TTRDeadline(start)

	o := &models.Obligation{
		ID:             TTRReference(now, cal.Location()),
		TenantID:       tenantID,
		Kind:           models.ObligationTTR,
		CustomerID:     tx.CustomerID,
		TransactionIDs: []string{tx.ID},
		Amount:         tx.Amount,
		Currency:       tx.Currency,
		Deadline:       &deadline,
		CreatedAt:      now,
	}
	if err := g.store.CreateObligation(ctx, o); err != nil {
		return nil, fmt.Errorf("failed to store TTR: %w", err)
	}

	g.logger.Infow("TTR generated", "tenant_id", tenantID, "reference", o.ID, "transaction_id", tx.ID, "deadline", deadline)
	g.published(ctx, o, "")
	return o, nil
}

// MarkSubmitted records that an obligation was filed with the regulator
func (g *Generator) MarkSubmitted(ctx context.Context, tenantID, id string) (*models.Obligation, error) {
	o, err := g.store.GetObligation(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if !o.Outstanding() {
		return o, nil
	}

	at := g.now()
	if err := g.store.MarkObligationSubmitted(ctx, tenantID, id, at); err != nil {
		return nil, err
	}
	o.SubmittedAt = &at

	g.audit.Record(ctx, &models.AuditRecord{
		TenantID:    tenantID,
		ActionType:  "report_submitted",
		EntityType:  string(o.Kind),
		EntityID:    o.ID,
		Description: fmt.Sprintf("%s %s submitted", strings.ToUpper(string(o.Kind)), o.ID),
	})
	return o, nil
}

func (g *Generator) published(ctx context.Context, o *models.Obligation, narrative string) {
	g.metrics.ReportGenerated(string(o.Kind))

	metadata := map[string]interface{}{
		"customer_id":     o.CustomerID,
		"transaction_ids": o.TransactionIDs,
		"amount":          o.Amount.String(),
		"currency":        o.Currency,
		"deadline":        o.Deadline,
	}
	if o.Kind == models.ObligationSMR {
		metadata["urgent"] = o.Urgent
		metadata["indicators"] = o.Indicators
		if narrative != "" {
			metadata["narrative"] = narrative
		}
	}

	g.audit.Record(ctx, &models.AuditRecord{
		TenantID:    o.TenantID,
		ActionType:  string(o.Kind) + "_generated",
		EntityType:  string(o.Kind),
		EntityID:    o.ID,
		Description: fmt.Sprintf("%s %s generated for customer %s", strings.ToUpper(string(o.Kind)), o.ID, o.CustomerID),
		Metadata:    metadata,
	})
	g.events.Dispatch(ctx, o.TenantID, webhooks.EventReportGenerated, o)
}
