package risk

import "fmt"

// Built-in factor names
const (
	FactorHighAmount         = "high_transaction_amount"
	FactorMediumAmount       = "medium_transaction_amount"
	FactorLowAmount          = "low_transaction_amount"
	FactorNewCustomer        = "new_customer"
	FactorRecentCustomer     = "recent_customer"
	FactorMultipleRecent     = "multiple_recent_transactions"
	FactorUnusualPattern     = "unusual_pattern"
	FactorPEP                = "pep"
	FactorSanctioned         = "sanctioned"
	FactorUnverifiedIdentity = "unverified_identity"
)

const (
	newCustomerDays    = 7
	recentCustomerDays = 30
	multipleRecentMin  = 5
)

// builtinFactors is the fixed, ordered factor set. Point values feed the
// downstream severity mapping and must not change.
var builtinFactors = []Factor{
	{
		Name:   FactorHighAmount,
		Points: 30,
		Applies: func(c Context) bool {
			return c.TransactionAmount.GreaterThanOrEqual(c.Thresholds.EnhancedDD)
		},
		Reason: func(c Context) string {
			return fmt.Sprintf("amount %s at or above enhanced due diligence threshold %s",
				money(c.TransactionAmount, c.Currency), money(c.Thresholds.EnhancedDD, c.Currency))
		},
	},
	{
		Name:   FactorMediumAmount,
		Points: 20,
		Applies: func(c Context) bool {
			return c.TransactionAmount.GreaterThanOrEqual(c.Thresholds.TTR) &&
				c.TransactionAmount.LessThan(c.Thresholds.EnhancedDD)
		},
		Reason: func(c Context) string {
			return fmt.Sprintf("amount %s at or above threshold transaction limit %s",
				money(c.TransactionAmount, c.Currency), money(c.Thresholds.TTR, c.Currency))
		},
	},
	{
		Name:   FactorLowAmount,
		Points: 10,
		Applies: func(c Context) bool {
			return c.TransactionAmount.GreaterThanOrEqual(c.Thresholds.KYC) &&
				c.TransactionAmount.LessThan(c.Thresholds.TTR)
		},
		Reason: func(c Context) string {
			return fmt.Sprintf("amount %s at or above KYC threshold %s",
				money(c.TransactionAmount, c.Currency), money(c.Thresholds.KYC, c.Currency))
		},
	},
	{
		Name:    FactorNewCustomer,
		Points:  15,
		Applies: func(c Context) bool { return c.CustomerAgeDays < newCustomerDays },
		Reason: func(c Context) string {
			return fmt.Sprintf("customer onboarded %d days ago", c.CustomerAgeDays)
		},
	},
	{
		Name:   FactorRecentCustomer,
		Points: 10,
		Applies: func(c Context) bool {
			return c.CustomerAgeDays >= newCustomerDays && c.CustomerAgeDays < recentCustomerDays
		},
		Reason: func(c Context) string {
			return fmt.Sprintf("customer onboarded %d days ago", c.CustomerAgeDays)
		},
	},
	{
		Name:    FactorMultipleRecent,
		Points:  10,
		Applies: func(c Context) bool { return c.RecentTransactionCount >= multipleRecentMin },
		Reason: func(c Context) string {
			return fmt.Sprintf("%d recent transactions", c.RecentTransactionCount)
		},
	},
	{
		Name:    FactorUnusualPattern,
		Points:  15,
		Applies: func(c Context) bool { return c.HasUnusualPattern },
		Reason:  func(Context) string { return "transaction flagged with an unusual pattern" },
	},
	{
		Name:    FactorPEP,
		Points:  25,
		Applies: func(c Context) bool { return c.IsPEP },
		Reason:  func(Context) string { return "customer is a politically exposed person" },
	},
	{
		Name:    FactorSanctioned,
		Points:  50,
		Applies: func(c Context) bool { return c.IsSanctioned },
		Reason:  func(Context) string { return "customer is on a sanctions list" },
	},
	{
		Name:    FactorUnverifiedIdentity,
		Points:  15,
		Applies: func(c Context) bool { return c.IsUnverified },
		Reason:  func(Context) string { return "customer identity is not verified" },
	},
}
