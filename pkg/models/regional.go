package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Thresholds holds the jurisdiction's monetary reporting thresholds
type Thresholds struct {
	KYC        decimal.Decimal `json:"kyc" yaml:"kyc"`
	TTR        decimal.Decimal `json:"ttr" yaml:"ttr"`
	EnhancedDD decimal.Decimal `json:"enhanced_dd" yaml:"enhanced_dd"`
}

// StructuringSettings configures the structuring window and suspicious band
type StructuringSettings struct {
	WindowDays int             `json:"window_days" yaml:"window_days"`
	MinCount   int             `json:"min_count" yaml:"min_count"`
	BandMin    decimal.Decimal `json:"band_min" yaml:"band_min"`
	BandMax    decimal.Decimal `json:"band_max" yaml:"band_max"`
}

// RegionalConfig is the per-tenant jurisdiction configuration
type RegionalConfig struct {
	Region          string                `json:"region" yaml:"region"`
	Timezone        string                `json:"timezone" yaml:"timezone"`
	Holidays        []string              `json:"holidays" yaml:"holidays"`
	Workweek        []time.Weekday        `json:"workweek" yaml:"workweek"`
	TTRDeadlineDays int                   `json:"ttr_deadline_days" yaml:"ttr_deadline_days"`
	SMRDeadlineDays int                   `json:"smr_deadline_days" yaml:"smr_deadline_days"`
	SMRUrgentHours  int                   `json:"smr_urgent_hours" yaml:"smr_urgent_hours"`
	Thresholds      Thresholds            `json:"thresholds" yaml:"thresholds"`
	Structuring     StructuringSettings   `json:"structuring" yaml:"structuring"`
	SLADays         map[AlertSeverity]int `json:"sla_days" yaml:"sla_days"`
}

// DefaultWorkweek is Monday through Friday
var DefaultWorkweek = []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday}

// DefaultSLADays maps alert severity to the business days allowed for review
func DefaultSLADays() map[AlertSeverity]int {
	return map[AlertSeverity]int{
		AlertSeverityCritical: 1,
		AlertSeverityHigh:     2,
		AlertSeverityMedium:   5,
		AlertSeverityLow:      10,
	}
}

// ApplyDefaults fills every unset field with the standard value
func (c *RegionalConfig) ApplyDefaults() {
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if len(c.Workweek) == 0 {
		c.Workweek = append([]time.Weekday(nil), DefaultWorkweek...)
	}
	if c.TTRDeadlineDays == 0 {
		c.TTRDeadlineDays = 10
	}
	if c.SMRDeadlineDays == 0 {
		c.SMRDeadlineDays = 3
	}
	if c.SMRUrgentHours == 0 {
		c.SMRUrgentHours = 24
	}
	if c.Thresholds.KYC.IsZero() {
		c.Thresholds.KYC = decimal.NewFromInt(1000)
	}
	if c.Thresholds.TTR.IsZero() {
		c.Thresholds.TTR = decimal.NewFromInt(10000)
	}
	if c.Thresholds.EnhancedDD.IsZero() {
		c.Thresholds.EnhancedDD = decimal.NewFromInt(50000)
	}
	if c.Structuring.WindowDays == 0 {
		c.Structuring.WindowDays = 30
	}
	if c.Structuring.MinCount == 0 {
		c.Structuring.MinCount = 3
	}
	if c.Structuring.BandMin.IsZero() {
		c.Structuring.BandMin = decimal.NewFromInt(9000)
	}
	if c.Structuring.BandMax.IsZero() {
		c.Structuring.BandMax = decimal.NewFromInt(10000)
	}
	if c.SLADays == nil {
		c.SLADays = DefaultSLADays()
	}
	for sev, days := range DefaultSLADays() {
		if _, ok := c.SLADays[sev]; !ok {
			c.SLADays[sev] = days
		}
	}
}

// DefaultRegionalConfig returns a fully defaulted config for a region
func DefaultRegionalConfig(region string) *RegionalConfig {
	cfg := &RegionalConfig{Region: region}
	cfg.ApplyDefaults()
	return cfg
}
