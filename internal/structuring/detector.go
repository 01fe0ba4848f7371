// Package structuring detects transactions split to stay below reporting
// thresholds.
package structuring

import (
	"context"
	"time"

	"github.com/savegress/complycore/pkg/models"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// HistorySource returns a customer's transactions created at or after since
type HistorySource interface {
	RecentTransactions(ctx context.Context, tenantID, customerID string, since time.Time) ([]*models.Transaction, error)
}

// Band is the half-open amount range [Min, Max) just below the reporting threshold
type Band struct {
	Min decimal.Decimal
	Max decimal.Decimal
}

// Contains reports whether amount falls in [Min, Max)
func (b Band) Contains(amount decimal.Decimal) bool {
	return amount.GreaterThanOrEqual(b.Min) && amount.LessThan(b.Max)
}

// Params configures a single detection run
type Params struct {
	WindowDays   int
	MinCount     int
	Band         Band
	TTRThreshold decimal.Decimal
	// ExcludeTransactionID drops the current transaction from history when
	// it has already been persisted.
	ExcludeTransactionID string
}

// ParamsFromRegional builds detection params from a tenant's regional config
func ParamsFromRegional(rc *models.RegionalConfig) Params {
	return Params{
		WindowDays:   rc.Structuring.WindowDays,
		MinCount:     rc.Structuring.MinCount,
		Band:         Band{Min: rc.Structuring.BandMin, Max: rc.Structuring.BandMax},
		TTRThreshold: rc.Thresholds.TTR,
	}
}

func (p Params) validate() error {
	if p.WindowDays <= 0 {
		return models.NewValidationError("window_days", "must be positive, got %d", p.WindowDays)
	}
	if p.MinCount <= 0 {
		return models.NewValidationError("min_count", "must be positive, got %d", p.MinCount)
	}
	if !p.Band.Min.LessThan(p.Band.Max) {
		return models.NewValidationError("band", "min %s must be below max %s", p.Band.Min, p.Band.Max)
	}
	if !p.TTRThreshold.IsPositive() {
		return models.NewValidationError("ttr_threshold", "must be positive")
	}
	return nil
}

// Result is the outcome of a detection run. It is never persisted.
type Result struct {
	IsStructuring bool            `json:"is_structuring"`
	MatchingCount int             `json:"matching_count"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	Indicators    []string        `json:"indicators"`
}

func neutral() Result {
	return Result{TotalAmount: decimal.Zero, Indicators: []string{}}
}

// Detector runs the structuring checks against a customer's recent history
type Detector struct {
	history HistorySource
	logger  *zap.SugaredLogger
	printer *message.Printer
	now     func() time.Time
}

// NewDetector creates a new structuring detector
func NewDetector(history HistorySource, logger *zap.SugaredLogger) *Detector {
	if history == nil {
		panic("structuring: nil history source")
	}
	return &Detector{
		history: history,
		logger:  logger.Named("structuring"),
		printer: message.NewPrinter(language.English),
		now:     time.Now,
	}
}

// Detect evaluates the band clustering, cumulative evasion and continuation
// checks over a single history scan. Detection is advisory: when history
// cannot be read the result is neutral and the failure is only logged.
func (d *Detector) Detect(ctx context.Context, tenantID, customerID string, current decimal.Decimal, p Params) Result {
	if err := p.validate(); err != nil {
		d.logger.Warnw("Skipping structuring detection", "tenant_id", tenantID, "customer_id", customerID, "error", err)
		return neutral()
	}

	now := d.now()
	since := now.AddDate(0, 0, -p.WindowDays)

	txns, err := d.history.RecentTransactions(ctx, tenantID, customerID, since)
	if err != nil {
		d.logger.Warnw("Failed to load transaction history", "tenant_id", tenantID, "customer_id", customerID, "error", err)
		return neutral()
	}

	total := current
	bandCount := 0
	for _, txn := range txns {
		if txn == nil || (p.ExcludeTransactionID != "" && txn.ID == p.ExcludeTransactionID) {
			continue
		}
		if txn.CreatedAt.Before(since) || txn.CreatedAt.After(now) {
			continue
		}
		total = total.Add(txn.Amount)
		if p.Band.Contains(txn.Amount) {
			bandCount++
		}
	}

	result := Result{
		MatchingCount: bandCount,
		TotalAmount:   total,
		Indicators:    []string{},
	}

	if bandCount >= p.MinCount {
		result.Indicators = append(result.Indicators, d.printer.Sprintf(
			"%d transactions between %s-%s in %d days",
			bandCount, d.money(p.Band.Min), d.money(bandUpper(p.Band)), p.WindowDays))
	}

	if total.GreaterThanOrEqual(p.TTRThreshold) && bandCount >= 2 {
		result.Indicators = append(result.Indicators, d.printer.Sprintf(
			"Cumulative amount %s over %d days reaches the %s reporting threshold with %d transactions just below it",
			d.money(total), p.WindowDays, d.money(p.TTRThreshold), bandCount))
	}

	if p.Band.Contains(current) && bandCount >= 2 {
		result.Indicators = append(result.Indicators, d.printer.Sprintf(
			"Current transaction of %s continues a pattern of %d prior transactions between %s-%s",
			d.money(current), bandCount, d.money(p.Band.Min), d.money(bandUpper(p.Band))))
	}

	result.IsStructuring = len(result.Indicators) > 0
	if result.IsStructuring {
		d.logger.Infow("Structuring pattern detected",
			"tenant_id", tenantID,
			"customer_id", customerID,
			"matching_count", bandCount,
			"indicators", len(result.Indicators),
		)
	}
	return result
}

// bandUpper is the largest whole amount inside the band, used for display.
func bandUpper(b Band) decimal.Decimal {
	if b.Max.IsInteger() {
		upper := b.Max.Sub(decimal.NewFromInt(1))
		if upper.GreaterThanOrEqual(b.Min) {
			return upper
		}
	}
	return b.Max
}

func (d *Detector) money(amount decimal.Decimal) string {
	if amount.IsInteger() {
		return d.printer.Sprintf("$%d", amount.IntPart())
	}
	return d.printer.Sprintf("$%.2f", amount.InexactFloat64())
}
