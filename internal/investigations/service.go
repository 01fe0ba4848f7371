// Package investigations creates and escalates enhanced due diligence
// investigations.
package investigations

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/savegress/complycore/internal/metrics"
	"github.com/savegress/complycore/internal/storage"
	"github.com/savegress/complycore/internal/webhooks"
	"github.com/savegress/complycore/pkg/models"
	"go.uber.org/zap"
)

var (
	ErrAlreadyOpen = errors.New("investigation already open for customer")
	ErrClosed      = errors.New("investigation is closed")
)

// Store persists investigations
type Store interface {
	CreateInvestigation(ctx context.Context, inv *models.EDDInvestigation) error
	GetInvestigation(ctx context.Context, tenantID, id string) (*models.EDDInvestigation, error)
	UpdateInvestigation(ctx context.Context, inv *models.EDDInvestigation) error
	FindActiveInvestigation(ctx context.Context, tenantID, customerID string) (*models.EDDInvestigation, error)
}

// AuditSink receives audit records
type AuditSink interface {
	Record(ctx context.Context, rec *models.AuditRecord)
}

// EventSink receives webhook events
type EventSink interface {
	Dispatch(ctx context.Context, tenantID, eventType string, payload interface{})
}

// Service manages EDD investigations
type Service struct {
	store   Store
	audit   AuditSink
	events  EventSink
	metrics *metrics.Metrics
	logger  *zap.SugaredLogger
	now     func() time.Time
}

// NewService creates a new investigation service
func NewService(store Store, audit AuditSink, events EventSink, m *metrics.Metrics, logger *zap.SugaredLogger) *Service {
	if store == nil || audit == nil || events == nil {
		panic("investigations: nil dependency")
	}
	return &Service{
		store:   store,
		audit:   audit,
		events:  events,
		metrics: m,
		logger:  logger.Named("investigations"),
		now:     time.Now,
	}
}

// ActiveFor returns the customer's open or escalated investigation, or nil
func (s *Service) ActiveFor(ctx context.Context, tenantID, customerID string) (*models.EDDInvestigation, error) {
	inv, err := s.store.FindActiveInvestigation(ctx, tenantID, customerID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return inv, err
}

// CreateEDDInvestigation opens an investigation for a customer. A customer
// has at most one active investigation.
func (s *Service) CreateEDDInvestigation(ctx context.Context, tenantID, customerID, reason, triggeredBy string) (*models.EDDInvestigation, error) {
	if tenantID == "" {
		return nil, models.NewValidationError("tenant_id", "is required")
	}
	if customerID == "" {
		return nil, models.NewValidationError("customer_id", "is required")
	}
	if reason == "" {
		return nil, models.NewValidationError("reason", "is required")
	}

	existing, err := s.ActiveFor(ctx, tenantID, customerID)
	if err != nil {
		return nil, fmt.Errorf("failed to check active investigation: %w", err)
	}
	if existing != nil {
		return existing, fmt.Errorf("customer %s (%s): %w", customerID, existing.ID, ErrAlreadyOpen)
	}

	now := s.now()
	inv := &models.EDDInvestigation{
		ID:          storage.NewID("edd"),
		TenantID:    tenantID,
		CustomerID:  customerID,
		Reason:      reason,
		TriggeredBy: triggeredBy,
		Status:      models.InvestigationOpen,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateInvestigation(ctx, inv); err != nil {
		return nil, fmt.Errorf("failed to store investigation: %w", err)
	}

	s.metrics.EDD()
	s.logger.Infow("EDD investigation opened", "tenant_id", tenantID, "investigation_id", inv.ID, "customer_id", customerID, "reason", reason)
	s.audit.Record(ctx, &models.AuditRecord{
		TenantID:    tenantID,
		ActionType:  "edd_created",
		EntityType:  "edd_investigation",
		EntityID:    inv.ID,
		Description: fmt.Sprintf("EDD investigation opened for customer %s", customerID),
		Metadata:    map[string]interface{}{"reason": reason, "triggered_by": triggeredBy},
	})
	s.events.Dispatch(ctx, tenantID, webhooks.EventEDDCreated, inv)
	return inv, nil
}

// EscalateEDDInvestigation marks an investigation escalated and records the reason
func (s *Service) EscalateEDDInvestigation(ctx context.Context, tenantID, investigationID, reason string) (*models.EDDInvestigation, error) {
	if reason == "" {
		return nil, models.NewValidationError("reason", "is required")
	}

	inv, err := s.store.GetInvestigation(ctx, tenantID, investigationID)
	if err != nil {
		return nil, err
	}
	if !inv.Active() {
		return nil, fmt.Errorf("investigation %s: %w", investigationID, ErrClosed)
	}

	inv.Status = models.InvestigationEscalated
	inv.EscalationReasons = append(inv.EscalationReasons, reason)
	inv.UpdatedAt = s.now()
	if err := s.store.UpdateInvestigation(ctx, inv); err != nil {
		return nil, fmt.Errorf("failed to update investigation: %w", err)
	}

	s.logger.Warnw("EDD investigation escalated", "tenant_id", tenantID, "investigation_id", inv.ID, "reason", reason)
	s.audit.Record(ctx, &models.AuditRecord{
		TenantID:    tenantID,
		ActionType:  "edd_escalated",
		EntityType:  "edd_investigation",
		EntityID:    inv.ID,
		Description: reason,
	})
	s.events.Dispatch(ctx, tenantID, webhooks.EventEDDEscalated, inv)
	return inv, nil
}
