// Package orchestrator runs the batch compliance pipeline over a set of
// transactions, one customer at a time.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/savegress/complycore/internal/alerts"
	"github.com/savegress/complycore/internal/investigations"
	"github.com/savegress/complycore/internal/metrics"
	"github.com/savegress/complycore/internal/reports"
	"github.com/savegress/complycore/internal/risk"
	"github.com/savegress/complycore/internal/screening"
	"github.com/savegress/complycore/internal/storage"
	"github.com/savegress/complycore/internal/structuring"
	"github.com/savegress/complycore/internal/webhooks"
	"github.com/savegress/complycore/pkg/models"
	"github.com/savegress/complycore/pkg/workerpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Rule codes raised by the batch pipeline
const (
	RuleScreeningMatch      = "SCREENING_MATCH"
	RuleHighRiskTransaction = "HIGH_RISK_TRANSACTION"
	RuleStructuring         = "STRUCTURING_DETECTED"
)

const (
	recentWindow = 7 * 24 * time.Hour
	triggeredBy  = "batch_compliance"
)

// Store is the read/write surface of the pipeline
type Store interface {
	GetCustomer(ctx context.Context, tenantID, id string) (*models.Customer, error)
	GetTransactions(ctx context.Context, tenantID string, ids []string) ([]*models.Transaction, error)
	RecentTransactions(ctx context.Context, tenantID, customerID string, since time.Time) ([]*models.Transaction, error)
	SaveRiskSnapshot(ctx context.Context, snap *models.RiskSnapshot) error
	FindObligationByTransaction(ctx context.Context, tenantID string, kind models.ObligationKind, transactionID string) (*models.Obligation, error)
}

// ConfigSource resolves a tenant's regional config
type ConfigSource interface {
	GetTenantConfig(ctx context.Context, tenantID string) (*models.RegionalConfig, error)
}

// Screener checks customers against watchlists
type Screener interface {
	Screen(ctx context.Context, c *models.Customer) (*screening.Result, error)
}

// Detector runs structuring detection
type Detector interface {
	Detect(ctx context.Context, tenantID, customerID string, current decimal.Decimal, p structuring.Params) structuring.Result
}

// AlertCreator raises alerts
type AlertCreator interface {
	Create(ctx context.Context, req alerts.CreateRequest) (*alerts.CreateResult, error)
}

// ReportGenerator creates SMR and TTR obligations
type ReportGenerator interface {
	GenerateSMR(ctx context.Context, tenantID string, cfg *models.RegionalConfig, d reports.ActivityDetails) (*models.Obligation, error)
	GenerateTTR(ctx context.Context, tenantID string, cfg *models.RegionalConfig, tx *models.Transaction) (*models.Obligation, error)
}

// EDDService opens EDD investigations
type EDDService interface {
	ActiveFor(ctx context.Context, tenantID, customerID string) (*models.EDDInvestigation, error)
	CreateEDDInvestigation(ctx context.Context, tenantID, customerID, reason, triggeredBy string) (*models.EDDInvestigation, error)
}

// EventSink receives webhook events
type EventSink interface {
	Dispatch(ctx context.Context, tenantID, eventType string, payload interface{})
}

// Deps are the collaborators of an Orchestrator
type Deps struct {
	Store          Store
	Configs        ConfigSource
	Screener       Screener
	Scorer         *risk.Scorer
	Detector       Detector
	Alerts         AlertCreator
	Reports        ReportGenerator
	Investigations EDDService
	Events         EventSink
}

// Config sizes the per-batch worker pool
type Config struct {
	Workers   int
	QueueSize int
}

// BatchError records a failure. An empty CustomerID marks a tenant-wide failure.
type BatchError struct {
	CustomerID string `json:"customer_id,omitempty"`
	Message    string `json:"message"`
}

// BatchResult aggregates the outcome of a batch run
type BatchResult struct {
	TenantID            string        `json:"tenant_id"`
	Transactions        int           `json:"transactions"`
	Customers           int           `json:"customers"`
	Screenings          int           `json:"screenings"`
	ScreeningMatches    int           `json:"screening_matches"`
	RiskScored          int           `json:"risk_scored"`
	HighRisk            int           `json:"high_risk"`
	StructuringDetected int           `json:"structuring_detected"`
	AlertsCreated       int           `json:"alerts_created"`
	AlertsSkipped       int           `json:"alerts_skipped"`
	SMRsGenerated       int           `json:"smrs_generated"`
	TTRsGenerated       int           `json:"ttrs_generated"`
	EDDTriggered        int           `json:"edd_triggered"`
	Errors              []BatchError  `json:"errors"`
	Duration            time.Duration `json:"duration"`
}

func (r *BatchResult) merge(o *BatchResult) {
	r.Screenings += o.Screenings
	r.ScreeningMatches += o.ScreeningMatches
	r.RiskScored += o.RiskScored
	r.HighRisk += o.HighRisk
	r.StructuringDetected += o.StructuringDetected
	r.AlertsCreated += o.AlertsCreated
	r.AlertsSkipped += o.AlertsSkipped
	r.SMRsGenerated += o.SMRsGenerated
	r.TTRsGenerated += o.TTRsGenerated
	r.EDDTriggered += o.EDDTriggered
}

// Orchestrator runs batch compliance
type Orchestrator struct {
	deps    Deps
	config  Config
	metrics *metrics.Metrics
	logger  *zap.SugaredLogger
	now     func() time.Time
}

// New creates an orchestrator. The screener is optional.
func New(deps Deps, cfg Config, m *metrics.Metrics, logger *zap.SugaredLogger) *Orchestrator {
	if deps.Store == nil || deps.Configs == nil || deps.Scorer == nil || deps.Detector == nil ||
		deps.Alerts == nil || deps.Reports == nil || deps.Investigations == nil || deps.Events == nil {
		panic("orchestrator: nil dependency")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}
	return &Orchestrator{
		deps:    deps,
		config:  cfg,
		metrics: m,
		logger:  logger.Named("orchestrator"),
		now:     time.Now,
	}
}

// RunBatch processes the transactions grouped by customer. It always
// returns a result; failures are listed in Errors and never stop the
// remaining customers.
func (o *Orchestrator) RunBatch(ctx context.Context, tenantID string, transactionIDs []string) *BatchResult {
	start := o.now()
	result := &BatchResult{TenantID: tenantID, Errors: []BatchError{}}
	defer o.finish(ctx, result, start)

	if tenantID == "" {
		result.Errors = append(result.Errors, BatchError{Message: "tenant id is required"})
		return result
	}
	if len(transactionIDs) == 0 {
		return result
	}

	cfg, err := o.deps.Configs.GetTenantConfig(ctx, tenantID)
	if err != nil {
		result.Errors = append(result.Errors, BatchError{Message: fmt.Sprintf("failed to load tenant config: %v", err)})
		return result
	}

	transactionIDs = dedupe(transactionIDs)
	txs, err := o.deps.Store.GetTransactions(ctx, tenantID, transactionIDs)
	if err != nil {
		result.Errors = append(result.Errors, BatchError{Message: fmt.Sprintf("failed to load transactions: %v", err)})
		return result
	}
	result.Transactions = len(txs)
	for _, id := range missing(transactionIDs, txs) {
		result.Errors = append(result.Errors, BatchError{Message: fmt.Sprintf("transaction %s not found", id)})
	}

	groups, order := groupByCustomer(txs)
	result.Customers = len(order)

	var mu sync.Mutex
	pool, err := workerpool.New(workerpool.Config{
		Workers:   o.config.Workers,
		QueueSize: o.config.QueueSize,
		ErrorHandler: func(te *workerpool.TaskError) {
			if te.Panicked() {
				o.logger.Errorw("Customer processing panicked", "tenant_id", tenantID, "customer_id", te.Key, "error", te.Err, "stack", te.Stack)
			} else {
				o.logger.Warnw("Customer processing failed", "tenant_id", tenantID, "customer_id", te.Key, "error", te.Err)
			}
			mu.Lock()
			result.Errors = append(result.Errors, BatchError{CustomerID: te.Key, Message: te.Err.Error()})
			mu.Unlock()
		},
	})
	if err != nil {
		result.Errors = append(result.Errors, BatchError{Message: fmt.Sprintf("failed to start worker pool: %v", err)})
		return result
	}

	for _, customerID := range order {
		customerID := customerID
		customerTxs := groups[customerID]
		err := pool.Submit(ctx, customerID, func(ctx context.Context) error {
			counts := &BatchResult{}
			defer func() {
				mu.Lock()
				result.merge(counts)
				mu.Unlock()
			}()
			return o.processCustomer(ctx, tenantID, cfg, customerID, customerTxs, counts)
		})
		if err != nil {
			mu.Lock()
			result.Errors = append(result.Errors, BatchError{CustomerID: customerID, Message: err.Error()})
			mu.Unlock()
		}
	}

	pool.Wait()
	stats := pool.Stats()
	o.logger.Debugw("Customer pool drained",
		"tenant_id", tenantID,
		"completed", stats.CompletedTasks,
		"failed", stats.FailedTasks,
		"avg_latency", stats.AverageLatency,
	)
	if err := pool.Stop(); err != nil {
		o.logger.Warnw("Worker pool stopped with error", "error", err)
	}
	return result
}

func (o *Orchestrator) finish(ctx context.Context, result *BatchResult, start time.Time) {
	result.Duration = o.now().Sub(start)
	sort.SliceStable(result.Errors, func(i, j int) bool { return result.Errors[i].CustomerID < result.Errors[j].CustomerID })

	o.metrics.BatchCompleted(result.Duration, len(result.Errors))
	o.logger.Infow("Batch compliance completed",
		"tenant_id", result.TenantID,
		"transactions", result.Transactions,
		"customers", result.Customers,
		"alerts_created", result.AlertsCreated,
		"smrs_generated", result.SMRsGenerated,
		"ttrs_generated", result.TTRsGenerated,
		"edd_triggered", result.EDDTriggered,
		"errors", len(result.Errors),
		"duration", result.Duration,
	)
	if result.TenantID != "" {
		o.deps.Events.Dispatch(ctx, result.TenantID, webhooks.EventBatchCompleted, result)
	}
}

func groupByCustomer(txs []*models.Transaction) (map[string][]*models.Transaction, []string) {
	groups := make(map[string][]*models.Transaction)
	var order []string
	for _, tx := range txs {
		if _, ok := groups[tx.CustomerID]; !ok {
			order = append(order, tx.CustomerID)
		}
		groups[tx.CustomerID] = append(groups[tx.CustomerID], tx)
	}
	for _, g := range groups {
		sort.SliceStable(g, func(i, j int) bool { return g[i].CreatedAt.Before(g[j].CreatedAt) })
	}
	return groups, order
}

// dedupe drops repeated ids, keeping first-seen order
func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func missing(requested []string, found []*models.Transaction) []string {
	seen := make(map[string]bool, len(found))
	for _, tx := range found {
		seen[tx.ID] = true
	}
	var out []string
	for _, id := range requested {
		if !seen[id] {
			out = append(out, id)
			seen[id] = true
		}
	}
	return out
}

// customerRun carries per-customer state through the pipeline stages
type customerRun struct {
	tenantID   string
	cfg        *models.RegionalConfig
	customer   *models.Customer
	txs        []*models.Transaction
	counts     *BatchResult
	sanctioned bool
	pep        bool
	maxScore   int
	maxAmount  decimal.Decimal
}

func (o *Orchestrator) processCustomer(ctx context.Context, tenantID string, cfg *models.RegionalConfig, customerID string, txs []*models.Transaction, counts *BatchResult) error {
	if customerID == "" {
		return errors.New("transactions without a customer id")
	}
	customer, err := o.deps.Store.GetCustomer(ctx, tenantID, customerID)
	if err != nil {
		return fmt.Errorf("failed to load customer: %w", err)
	}

	run := &customerRun{
		tenantID:   tenantID,
		cfg:        cfg,
		customer:   customer,
		txs:        txs,
		counts:     counts,
		sanctioned: customer.IsSanctioned,
		pep:        customer.IsPEP,
		maxAmount:  decimal.Zero,
	}

	if err := o.screen(ctx, run); err != nil {
		return err
	}
	if err := o.scoreTransactions(ctx, run); err != nil {
		return err
	}
	if err := o.detectStructuring(ctx, run); err != nil {
		return err
	}
	if err := o.reportThresholdTransactions(ctx, run); err != nil {
		return err
	}
	return o.triggerEDD(ctx, run)
}

// screen is advisory: lookup failures are logged and the pipeline continues
// with the stored flags.
func (o *Orchestrator) screen(ctx context.Context, run *customerRun) error {
	if o.deps.Screener == nil {
		return nil
	}
	res, err := o.deps.Screener.Screen(ctx, run.customer)
	if err != nil {
		o.logger.Warnw("Screening failed", "tenant_id", run.tenantID, "customer_id", run.customer.ID, "error", err)
		return nil
	}
	run.counts.Screenings++
	if len(res.Matches) == 0 {
		return nil
	}

	run.counts.ScreeningMatches += len(res.Matches)
	run.sanctioned = run.sanctioned || res.Sanctioned()
	run.pep = run.pep || res.PEP()

	severity := models.AlertSeverityHigh
	if res.Sanctioned() {
		severity = models.AlertSeverityCritical
	}
	top := res.Matches[0]
	return o.alert(ctx, run, alerts.CreateRequest{
		TenantID:   run.tenantID,
		RuleCode:   RuleScreeningMatch,
		Severity:   severity,
		Entity:     models.EntityRef{Type: "customer", ID: run.customer.ID},
		CustomerID: run.customer.ID,
		Title:      fmt.Sprintf("Watchlist match for %s on %s list", run.customer.Name, top.List),
		TriggerData: map[string]interface{}{
			"matches":    len(res.Matches),
			"list":       string(top.List),
			"entry_id":   top.EntryID,
			"score":      top.Score,
			"match_type": top.MatchType,
		},
	})
}

func (o *Orchestrator) scoreTransactions(ctx context.Context, run *customerRun) error {
	history, err := o.deps.Store.RecentTransactions(ctx, run.tenantID, run.customer.ID, run.txs[0].CreatedAt.Add(-recentWindow))
	if err != nil {
		return fmt.Errorf("failed to load recent transactions: %w", err)
	}

	for _, tx := range run.txs {
		rc := risk.Context{
			TransactionAmount:      tx.Amount,
			Currency:               tx.Currency,
			CustomerAgeDays:        run.customer.AgeDays(tx.CreatedAt),
			RecentTransactionCount: countRecent(history, tx),
			HasUnusualPattern:      len(tx.PatternFlags) > 0,
			IsPEP:                  run.pep,
			IsSanctioned:           run.sanctioned,
			IsUnverified:           run.customer.IsUnverified(),
			Thresholds:             run.cfg.Thresholds,
		}
		if err := rc.Validate(); err != nil {
			return fmt.Errorf("transaction %s: %w", tx.ID, err)
		}

		res := o.deps.Scorer.Calculate(rc)
		if err := o.deps.Store.SaveRiskSnapshot(ctx, res.Snapshot(run.tenantID, tx.ID, o.now())); err != nil {
			return fmt.Errorf("failed to save risk snapshot for %s: %w", tx.ID, err)
		}
		o.metrics.RiskScored(res.Score)
		run.counts.RiskScored++
		if res.Score > run.maxScore {
			run.maxScore = res.Score
		}
		if tx.Amount.GreaterThan(run.maxAmount) {
			run.maxAmount = tx.Amount
		}

		if res.Tier != models.RiskTierHigh {
			continue
		}
		run.counts.HighRisk++
		factors := make([]string, 0, len(res.Factors))
		for _, f := range res.Factors {
			factors = append(factors, f.Name)
		}
		err := o.alert(ctx, run, alerts.CreateRequest{
			TenantID:   run.tenantID,
			RuleCode:   RuleHighRiskTransaction,
			Severity:   risk.SeverityForScore(res.Score),
			Entity:     models.EntityRef{Type: "transaction", ID: tx.ID},
			CustomerID: run.customer.ID,
			Title:      fmt.Sprintf("High risk transaction %s scored %d", tx.ID, res.Score),
			TriggerData: map[string]interface{}{
				"score":   res.Score,
				"tier":    string(res.Tier),
				"factors": factors,
				"amount":  tx.Amount.String(),
			},
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// countRecent counts other transactions in the window before tx
func countRecent(history []*models.Transaction, tx *models.Transaction) int {
	from := tx.CreatedAt.Add(-recentWindow)
	n := 0
	for _, h := range history {
		if h.ID == tx.ID || h.CreatedAt.Before(from) || h.CreatedAt.After(tx.CreatedAt) {
			continue
		}
		n++
	}
	return n
}

func (o *Orchestrator) detectStructuring(ctx context.Context, run *customerRun) error {
	latest := run.txs[len(run.txs)-1]
	params := structuring.ParamsFromRegional(run.cfg)
	params.ExcludeTransactionID = latest.ID

	res := o.deps.Detector.Detect(ctx, run.tenantID, run.customer.ID, latest.Amount, params)
	if !res.IsStructuring {
		return nil
	}
	run.counts.StructuringDetected++
	o.metrics.Structuring()

	existing, err := o.deps.Store.FindObligationByTransaction(ctx, run.tenantID, models.ObligationSMR, latest.ID)
	switch {
	case err == nil:
		o.logger.Debugw("Structuring already reported", "tenant_id", run.tenantID, "customer_id", run.customer.ID, "smr_id", existing.ID)
		return nil
	case !errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("failed to check existing SMR: %w", err)
	}

	err = o.alert(ctx, run, alerts.CreateRequest{
		TenantID:   run.tenantID,
		RuleCode:   RuleStructuring,
		Severity:   models.AlertSeverityHigh,
		Entity:     models.EntityRef{Type: "customer", ID: run.customer.ID},
		CustomerID: run.customer.ID,
		Title:      fmt.Sprintf("Possible structuring by %s", run.customer.Name),
		TriggerData: map[string]interface{}{
			"matching_count": res.MatchingCount,
			"total_amount":   res.TotalAmount.String(),
			"indicators":     res.Indicators,
		},
	})
	if err != nil {
		return err
	}

	details := reports.ActivityDetails{
		CustomerID:  run.customer.ID,
		TotalAmount: res.TotalAmount,
		Currency:    latest.Currency,
		Indicators:  res.Indicators,
		Narrative:   fmt.Sprintf("%d transactions in the structuring band within %d days", res.MatchingCount, run.cfg.Structuring.WindowDays),
		DetectedAt:  o.now(),
	}
	for _, tx := range run.txs {
		details.TransactionIDs = append(details.TransactionIDs, tx.ID)
	}
	if inv, err := o.deps.Investigations.ActiveFor(ctx, run.tenantID, run.customer.ID); err == nil && inv != nil {
		details.InvestigationID = inv.ID
	}

	if _, err := o.deps.Reports.GenerateSMR(ctx, run.tenantID, run.cfg, details); err != nil {
		return fmt.Errorf("failed to generate SMR: %w", err)
	}
	run.counts.SMRsGenerated++
	return nil
}

func (o *Orchestrator) reportThresholdTransactions(ctx context.Context, run *customerRun) error {
	for _, tx := range run.txs {
		if !tx.Type.IsCash() || tx.Amount.LessThan(run.cfg.Thresholds.TTR) {
			continue
		}
		_, err := o.deps.Reports.GenerateTTR(ctx, run.tenantID, run.cfg, tx)
		switch {
		case errors.Is(err, reports.ErrAlreadyReported):
			continue
		case err != nil:
			return fmt.Errorf("failed to generate TTR for %s: %w", tx.ID, err)
		}
		run.counts.TTRsGenerated++
	}
	return nil
}

func (o *Orchestrator) triggerEDD(ctx context.Context, run *customerRun) error {
	var reason string
	switch {
	case run.sanctioned:
		reason = "customer matched a sanctions list"
	case risk.TierForScore(run.maxScore) == models.RiskTierHigh:
		reason = fmt.Sprintf("high risk score %d", run.maxScore)
	case run.pep && run.maxAmount.GreaterThanOrEqual(run.cfg.Thresholds.EnhancedDD):
		reason = fmt.Sprintf("PEP transaction of %s", run.maxAmount.StringFixed(2))
	default:
		return nil
	}

	active, err := o.deps.Investigations.ActiveFor(ctx, run.tenantID, run.customer.ID)
	if err != nil {
		return fmt.Errorf("failed to check active investigation: %w", err)
	}
	if active != nil {
		return nil
	}

	_, err = o.deps.Investigations.CreateEDDInvestigation(ctx, run.tenantID, run.customer.ID, reason, triggeredBy)
	switch {
	case errors.Is(err, investigations.ErrAlreadyOpen):
		return nil
	case err != nil:
		return fmt.Errorf("failed to create EDD investigation: %w", err)
	}
	run.counts.EDDTriggered++
	return nil
}

func (o *Orchestrator) alert(ctx context.Context, run *customerRun, req alerts.CreateRequest) error {
	res, err := o.deps.Alerts.Create(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to create %s alert: %w", req.RuleCode, err)
	}
	if res.Skipped {
		run.counts.AlertsSkipped++
	} else {
		run.counts.AlertsCreated++
	}
	return nil
}
