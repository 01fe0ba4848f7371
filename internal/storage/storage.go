// Package storage provides the in-memory and PostgreSQL implementations of
// the tenant-scoped collections the compliance core reads and writes.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/savegress/complycore/pkg/models"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("already exists")
)

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
}

// NewID generates an entity id with a short type prefix
func NewID(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.New().String(), "-", "")
}

// Store is the read/write surface shared by Memory and Postgres
type Store interface {
	GetTenant(ctx context.Context, id string) (*models.Tenant, error)
	ListActiveTenants(ctx context.Context) ([]*models.Tenant, error)
	GetRegionalConfig(ctx context.Context, tenantID string) (*models.RegionalConfig, error)

	GetCustomer(ctx context.Context, tenantID, id string) (*models.Customer, error)
	GetTransactions(ctx context.Context, tenantID string, ids []string) ([]*models.Transaction, error)
	RecentTransactions(ctx context.Context, tenantID, customerID string, since time.Time) ([]*models.Transaction, error)
	SaveRiskSnapshot(ctx context.Context, snap *models.RiskSnapshot) error
	GetRiskSnapshot(ctx context.Context, tenantID, transactionID string) (*models.RiskSnapshot, error)

	GetAlertRule(ctx context.Context, tenantID, code string) (*models.AlertRule, error)
	FindAlertSince(ctx context.Context, tenantID, ruleCode string, entity models.EntityRef, since time.Time) (*models.Alert, error)
	CountAlertsSince(ctx context.Context, tenantID, ruleCode string, since time.Time) (int, error)
	CreateAlert(ctx context.Context, a *models.Alert, c *models.Case) error
	GetAlert(ctx context.Context, tenantID, id string) (*models.Alert, error)
	UpdateAlert(ctx context.Context, a *models.Alert) error
	ListAlerts(ctx context.Context, tenantID string) ([]*models.Alert, error)
	GetCase(ctx context.Context, tenantID, id string) (*models.Case, error)
	Next(ctx context.Context, key string) (int64, error)

	CreateObligation(ctx context.Context, o *models.Obligation) error
	GetObligation(ctx context.Context, tenantID, id string) (*models.Obligation, error)
	ListOutstandingObligations(ctx context.Context, tenantID string, kind models.ObligationKind) ([]*models.Obligation, error)
	FindObligationByTransaction(ctx context.Context, tenantID string, kind models.ObligationKind, transactionID string) (*models.Obligation, error)
	MarkObligationSubmitted(ctx context.Context, tenantID, id string, at time.Time) error

	CreateInvestigation(ctx context.Context, inv *models.EDDInvestigation) error
	GetInvestigation(ctx context.Context, tenantID, id string) (*models.EDDInvestigation, error)
	UpdateInvestigation(ctx context.Context, inv *models.EDDInvestigation) error
	FindActiveInvestigation(ctx context.Context, tenantID, customerID string) (*models.EDDInvestigation, error)

	AppendAudit(ctx context.Context, rec *models.AuditRecord) error
	LastAuditDigest(ctx context.Context, tenantID string) (string, error)
	ListAudit(ctx context.Context, tenantID string) ([]*models.AuditRecord, error)
	ListSubscriptions(ctx context.Context, tenantID string) ([]*models.WebhookSubscription, error)
}

var (
	_ Store = (*Memory)(nil)
	_ Store = (*Postgres)(nil)
)
