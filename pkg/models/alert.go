package models

import (
	"fmt"
	"time"
)

// AlertSeverity represents alert severity levels
type AlertSeverity string

const (
	AlertSeverityLow      AlertSeverity = "low"
	AlertSeverityMedium   AlertSeverity = "medium"
	AlertSeverityHigh     AlertSeverity = "high"
	AlertSeverityCritical AlertSeverity = "critical"
)

// Valid reports whether the severity is one of the known levels
func (s AlertSeverity) Valid() bool {
	switch s {
	case AlertSeverityLow, AlertSeverityMedium, AlertSeverityHigh, AlertSeverityCritical:
		return true
	}
	return false
}

// AlertStatus represents alert status
type AlertStatus string

const (
	AlertStatusNew           AlertStatus = "new"
	AlertStatusAcknowledged  AlertStatus = "acknowledged"
	AlertStatusInvestigating AlertStatus = "investigating"
	AlertStatusResolved      AlertStatus = "resolved"
	AlertStatusDismissed     AlertStatus = "dismissed"
)

// Terminal reports whether no further transitions are allowed
func (s AlertStatus) Terminal() bool {
	return s == AlertStatusResolved || s == AlertStatusDismissed
}

// EntityRef points at the object an alert is raised against
type EntityRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Alert represents a compliance alert
type Alert struct {
	ID               string                 `json:"id"`
	TenantID         string                 `json:"tenant_id"`
	AlertNumber      string                 `json:"alert_number"`
	RuleCode         string                 `json:"rule_code"`
	Severity         AlertSeverity          `json:"severity"`
	Status           AlertStatus            `json:"status"`
	Escalated        bool                   `json:"escalated"`
	EscalatedAt      *time.Time             `json:"escalated_at,omitempty"`
	EscalatedBy      string                 `json:"escalated_by,omitempty"`
	EscalationReason string                 `json:"escalation_reason,omitempty"`
	Entity           EntityRef              `json:"entity"`
	CustomerID       string                 `json:"customer_id,omitempty"`
	Title            string                 `json:"title"`
	TriggerData      map[string]interface{} `json:"trigger_data,omitempty"`
	CaseID           string                 `json:"case_id,omitempty"`
	AssignedTo       string                 `json:"assigned_to,omitempty"`
	AssignedAt       *time.Time             `json:"assigned_at,omitempty"`
	AcknowledgedBy   string                 `json:"acknowledged_by,omitempty"`
	AcknowledgedAt   *time.Time             `json:"acknowledged_at,omitempty"`
	ResolvedBy       string                 `json:"resolved_by,omitempty"`
	ResolvedAt       *time.Time             `json:"resolved_at,omitempty"`
	Resolution       string                 `json:"resolution,omitempty"`
	SLADeadline      *time.Time             `json:"sla_deadline,omitempty"`
	SLABreached      bool                   `json:"sla_breached"`
	CreatedAt        time.Time              `json:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
}

// RefreshSLA recomputes the breach flag against now. Terminal alerts keep
// the flag they had when they were closed.
func (a *Alert) RefreshSLA(now time.Time) {
	if a.SLADeadline == nil || a.Status.Terminal() {
		return
	}
	a.SLABreached = now.After(*a.SLADeadline)
}

// AlertRule configures how alerts for a rule code are throttled
type AlertRule struct {
	TenantID         string        `json:"tenant_id"`
	Code             string        `json:"code"`
	Enabled          bool          `json:"enabled"`
	SeverityOverride AlertSeverity `json:"severity_override,omitempty"`
	CooldownMinutes  int           `json:"cooldown_minutes"`
	MaxAlertsPerDay  int           `json:"max_alerts_per_day"`
	AutoCreateCase   bool          `json:"auto_create_case"`
	CaseType         string        `json:"case_type,omitempty"`
	CasePriority     string        `json:"case_priority,omitempty"`
}

// CaseStatus represents the status of an investigation case
type CaseStatus string

const (
	CaseStatusOpen   CaseStatus = "open"
	CaseStatusClosed CaseStatus = "closed"
)

// Case is an investigation case opened from an alert
type Case struct {
	ID         string     `json:"id"`
	TenantID   string     `json:"tenant_id"`
	CaseNumber string     `json:"case_number"`
	Type       string     `json:"type"`
	Priority   string     `json:"priority"`
	Status     CaseStatus `json:"status"`
	AlertID    string     `json:"alert_id"`
	CustomerID string     `json:"customer_id,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// ValidationError reports malformed input rejected before any side effect
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

// NewValidationError creates a validation error for a field
func NewValidationError(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}
