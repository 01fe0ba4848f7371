package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType represents the type of a monitored transaction
type TransactionType string

const (
	TransactionTypeCashDeposit    TransactionType = "cash_deposit"
	TransactionTypeCashWithdrawal TransactionType = "cash_withdrawal"
	TransactionTypeTransferIn     TransactionType = "transfer_in"
	TransactionTypeTransferOut    TransactionType = "transfer_out"
	TransactionTypeCard           TransactionType = "card"
)

// IsCash reports whether the transaction moves physical currency
func (t TransactionType) IsCash() bool {
	return t == TransactionTypeCashDeposit || t == TransactionTypeCashWithdrawal
}

// Transaction represents a customer transaction under monitoring
type Transaction struct {
	ID           string          `json:"id"`
	TenantID     string          `json:"tenant_id"`
	CustomerID   string          `json:"customer_id"`
	Type         TransactionType `json:"type"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	PatternFlags []string        `json:"pattern_flags,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// VerificationStatus represents the identity verification state of a customer
type VerificationStatus string

const (
	VerificationVerified   VerificationStatus = "verified"
	VerificationPending    VerificationStatus = "pending"
	VerificationUnverified VerificationStatus = "unverified"
	VerificationRejected   VerificationStatus = "rejected"
)

// Customer represents a tenant's customer
type Customer struct {
	ID                 string             `json:"id"`
	TenantID           string             `json:"tenant_id"`
	Name               string             `json:"name"`
	DateOfBirth        string             `json:"date_of_birth,omitempty"`
	Country            string             `json:"country,omitempty"`
	IsPEP              bool               `json:"is_pep"`
	IsSanctioned       bool               `json:"is_sanctioned"`
	VerificationStatus VerificationStatus `json:"verification_status"`
	CreatedAt          time.Time          `json:"created_at"`
}

// IsUnverified reports whether the customer's identity has not been verified
func (c *Customer) IsUnverified() bool {
	return c.VerificationStatus != VerificationVerified
}

// AgeDays returns the number of whole days since the customer was onboarded
func (c *Customer) AgeDays(now time.Time) int {
	if c.CreatedAt.IsZero() || now.Before(c.CreatedAt) {
		return 0
	}
	return int(now.Sub(c.CreatedAt).Hours() / 24)
}

// Tenant represents a reporting entity using the platform
type Tenant struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Region string `json:"region"`
	Active bool   `json:"active"`
}

// RiskTier represents the tier derived from a risk score
type RiskTier string

const (
	RiskTierLow    RiskTier = "low"
	RiskTierMedium RiskTier = "medium"
	RiskTierHigh   RiskTier = "high"
)

// AppliedFactor is a risk factor that contributed to a score
type AppliedFactor struct {
	Name   string `json:"name"`
	Points int    `json:"points"`
	Reason string `json:"reason"`
}

// RiskSnapshot is the persisted copy of a risk evaluation for one transaction
type RiskSnapshot struct {
	TenantID      string          `json:"tenant_id"`
	TransactionID string          `json:"transaction_id"`
	Score         int             `json:"score"`
	Tier          RiskTier        `json:"tier"`
	Factors       []AppliedFactor `json:"factors"`
	EvaluatedAt   time.Time       `json:"evaluated_at"`
}

// ObligationKind identifies the regulatory report behind a deadline
type ObligationKind string

const (
	ObligationTTR ObligationKind = "ttr"
	ObligationSMR ObligationKind = "smr"
)

// Obligation is an outstanding or submitted TTR/SMR filing
type Obligation struct {
	ID              string          `json:"id"`
	TenantID        string          `json:"tenant_id"`
	Kind            ObligationKind  `json:"kind"`
	CustomerID      string          `json:"customer_id"`
	TransactionIDs  []string        `json:"transaction_ids"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	Deadline        *time.Time      `json:"deadline,omitempty"`
	SubmittedAt     *time.Time      `json:"submitted_at,omitempty"`
	Urgent          bool            `json:"urgent"`
	InvestigationID string          `json:"investigation_id,omitempty"`
	Indicators      []string        `json:"indicators,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Outstanding reports whether the obligation still needs to be submitted
func (o *Obligation) Outstanding() bool {
	return o.SubmittedAt == nil
}

// InvestigationStatus represents the state of an EDD investigation
type InvestigationStatus string

const (
	InvestigationOpen      InvestigationStatus = "open"
	InvestigationEscalated InvestigationStatus = "escalated"
	InvestigationClosed    InvestigationStatus = "closed"
)

// EDDInvestigation is an enhanced due diligence investigation on a customer
type EDDInvestigation struct {
	ID                string              `json:"id"`
	TenantID          string              `json:"tenant_id"`
	CustomerID        string              `json:"customer_id"`
	Reason            string              `json:"reason"`
	TriggeredBy       string              `json:"triggered_by"`
	Status            InvestigationStatus `json:"status"`
	EscalationReasons []string            `json:"escalation_reasons,omitempty"`
	CreatedAt         time.Time           `json:"created_at"`
	UpdatedAt         time.Time           `json:"updated_at"`
}

// Active reports whether the investigation is still in progress
func (i *EDDInvestigation) Active() bool {
	return i.Status != InvestigationClosed
}

// AuditRecord is an append-only audit log entry
type AuditRecord struct {
	ID          string                 `json:"id"`
	TenantID    string                 `json:"tenant_id"`
	ActionType  string                 `json:"action_type"`
	EntityType  string                 `json:"entity_type"`
	EntityID    string                 `json:"entity_id"`
	Description string                 `json:"description"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
	Digest      string                 `json:"digest"`
}

// WebhookSubscription is a tenant endpoint subscribed to core events
type WebhookSubscription struct {
	ID         string   `json:"id"`
	TenantID   string   `json:"tenant_id"`
	URL        string   `json:"url"`
	Secret     string   `json:"-"`
	EventTypes []string `json:"event_types"`
	Active     bool     `json:"active"`
}

// Wants reports whether the subscription receives the given event type
func (s *WebhookSubscription) Wants(eventType string) bool {
	if !s.Active {
		return false
	}
	if len(s.EventTypes) == 0 {
		return true
	}
	for _, t := range s.EventTypes {
		if t == eventType || t == "*" {
			return true
		}
	}
	return false
}
