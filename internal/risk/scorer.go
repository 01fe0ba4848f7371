// Package risk implements deterministic transaction risk scoring.
package risk

import (
	"fmt"
	"time"

	"github.com/savegress/complycore/pkg/models"
	"github.com/shopspring/decimal"
)

// MaxScore is the upper clamp applied to every score
const MaxScore = 100

// Context is the input to a single risk evaluation. It is rebuilt for
// every call and never persisted.
type Context struct {
	TransactionAmount      decimal.Decimal
	Currency               string
	CustomerAgeDays        int
	RecentTransactionCount int
	HasUnusualPattern      bool
	IsPEP                  bool
	IsSanctioned           bool
	IsUnverified           bool
	Thresholds             models.Thresholds
}

// Validate rejects malformed numeric input. Callers must validate before
// calling Calculate, which has no error path.
func (c Context) Validate() error {
	if c.TransactionAmount.IsNegative() {
		return models.NewValidationError("transaction_amount", "must not be negative, got %s", c.TransactionAmount)
	}
	if c.CustomerAgeDays < 0 {
		return models.NewValidationError("customer_age_days", "must not be negative, got %d", c.CustomerAgeDays)
	}
	if c.RecentTransactionCount < 0 {
		return models.NewValidationError("recent_transaction_count", "must not be negative, got %d", c.RecentTransactionCount)
	}
	t := c.Thresholds
	if !t.KYC.IsPositive() || !t.TTR.IsPositive() || !t.EnhancedDD.IsPositive() {
		return models.NewValidationError("thresholds", "all thresholds must be positive")
	}
	if t.KYC.GreaterThan(t.TTR) || t.TTR.GreaterThan(t.EnhancedDD) {
		return models.NewValidationError("thresholds", "expected kyc <= ttr <= enhanced_dd, got %s/%s/%s", t.KYC, t.TTR, t.EnhancedDD)
	}
	return nil
}

// Factor is a named predicate worth a fixed number of points
type Factor struct {
	Name    string
	Points  int
	Applies func(c Context) bool
	Reason  func(c Context) string
}

func (f Factor) reason(c Context) string {
	if f.Reason == nil {
		return f.Name
	}
	return f.Reason(c)
}

// Result is an immutable risk evaluation
type Result struct {
	Score   int                    `json:"score"`
	Tier    models.RiskTier        `json:"tier"`
	Factors []models.AppliedFactor `json:"factors"`
}

// Snapshot converts the result into the record stored against a transaction
func (r Result) Snapshot(tenantID, transactionID string, at time.Time) *models.RiskSnapshot {
	factors := make([]models.AppliedFactor, len(r.Factors))
	copy(factors, r.Factors)
	return &models.RiskSnapshot{
		TenantID:      tenantID,
		TransactionID: transactionID,
		Score:         r.Score,
		Tier:          r.Tier,
		Factors:       factors,
		EvaluatedAt:   at,
	}
}

// Scorer evaluates the built-in factors followed by any tenant factors
type Scorer struct {
	factors []Factor
}

// NewScorer creates a scorer. Tenant factors are evaluated after the
// built-in set on every call.
func NewScorer(tenantFactors ...Factor) *Scorer {
	factors := make([]Factor, 0, len(builtinFactors)+len(tenantFactors))
	factors = append(factors, builtinFactors...)
	factors = append(factors, tenantFactors...)
	return &Scorer{factors: factors}
}

// Calculate scores the context. Custom factors are appended after the
// scorer's own list; factors with negative points are ignored.
func (s *Scorer) Calculate(c Context, custom ...Factor) Result {
	result := Result{Factors: []models.AppliedFactor{}}
	total := 0

	evaluate := func(f Factor) {
		if f.Points < 0 || f.Applies == nil || !f.Applies(c) {
			return
		}
		total += f.Points
		result.Factors = append(result.Factors, models.AppliedFactor{
			Name:   f.Name,
			Points: f.Points,
			Reason: f.reason(c),
		})
	}

	for _, f := range s.factors {
		evaluate(f)
	}
	for _, f := range custom {
		evaluate(f)
	}

	if total > MaxScore {
		total = MaxScore
	}
	result.Score = total
	result.Tier = TierForScore(total)
	return result
}

// TierForScore maps a score onto the fixed tier breakpoints
func TierForScore(score int) models.RiskTier {
	switch {
	case score >= 70:
		return models.RiskTierHigh
	case score >= 40:
		return models.RiskTierMedium
	default:
		return models.RiskTierLow
	}
}

// SeverityForScore maps a score onto an alert severity
func SeverityForScore(score int) models.AlertSeverity {
	switch {
	case score >= 90:
		return models.AlertSeverityCritical
	case score >= 70:
		return models.AlertSeverityHigh
	case score >= 40:
		return models.AlertSeverityMedium
	default:
		return models.AlertSeverityLow
	}
}

func money(d decimal.Decimal, currency string) string {
	if currency == "" {
		return d.StringFixed(2)
	}
	return fmt.Sprintf("%s %s", d.StringFixed(2), currency)
}
