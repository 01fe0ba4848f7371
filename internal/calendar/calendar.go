// Package calendar computes business days, jurisdiction holidays and
// regulatory reporting deadlines.
package calendar

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/savegress/complycore/pkg/models"
)

// Config holds calendar configuration
type Config struct {
	Workweek        []time.Weekday
	Holidays        []string
	Location        *time.Location
	TTRDeadlineDays int
	SMRDeadlineDays int
	SMRUrgentHours  int
}

type dayKey struct {
	year  int
	month time.Month
	day   int
}

// Calendar answers business-day questions for one jurisdiction. It is safe
// for concurrent use.
type Calendar struct {
	config   Config
	workweek [7]bool
	rules    []holidayRule
	loc      *time.Location

	mu    sync.Mutex
	years map[int]map[dayKey]bool

	now func() time.Time
}

// New creates a calendar, parsing every holiday pattern up front
func New(cfg Config) (*Calendar, error) {
	if len(cfg.Workweek) == 0 {
		cfg.Workweek = models.DefaultWorkweek
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.TTRDeadlineDays == 0 {
		cfg.TTRDeadlineDays = 10
	}
	if cfg.SMRDeadlineDays == 0 {
		cfg.SMRDeadlineDays = 3
	}
	if cfg.SMRUrgentHours == 0 {
		cfg.SMRUrgentHours = 24
	}

	c := &Calendar{
		config: cfg,
		loc:    cfg.Location,
		years:  make(map[int]map[dayKey]bool),
		now:    time.Now,
	}

	for _, wd := range cfg.Workweek {
		if wd < time.Sunday || wd > time.Saturday {
			return nil, models.NewValidationError("workweek", "invalid weekday %d", wd)
		}
		c.workweek[wd] = true
	}

	for _, p := range cfg.Holidays {
		rule, err := parseRule(p)
		if err != nil {
			return nil, models.NewValidationError("holidays", "%v", err)
		}
		c.rules = append(c.rules, rule)
	}

	return c, nil
}

// FromRegional builds a calendar from a tenant's regional configuration
func FromRegional(rc *models.RegionalConfig) (*Calendar, error) {
	loc := time.UTC
	if rc.Timezone != "" {
		l, err := time.LoadLocation(rc.Timezone)
		if err != nil {
			return nil, fmt.Errorf("failed to load timezone %s: %w", rc.Timezone, err)
		}
		loc = l
	}
	return New(Config{
		Workweek:        rc.Workweek,
		Holidays:        rc.Holidays,
		Location:        loc,
		TTRDeadlineDays: rc.TTRDeadlineDays,
		SMRDeadlineDays: rc.SMRDeadlineDays,
		SMRUrgentHours:  rc.SMRUrgentHours,
	})
}

// Location returns the calendar's time zone
func (c *Calendar) Location() *time.Location {
	return c.loc
}

// Now returns the current time in the calendar's time zone
func (c *Calendar) Now() time.Time {
	return c.now().In(c.loc)
}

// StartOfDay truncates t to midnight in the calendar's time zone
func (c *Calendar) StartOfDay(t time.Time) time.Time {
	y, m, d := t.In(c.loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, c.loc)
}

// IsHoliday reports whether the date matches any configured holiday
func (c *Calendar) IsHoliday(date time.Time) bool {
	y, m, d := date.In(c.loc).Date()
	return c.holidaySet(y)[dayKey{y, m, d}]
}

// IsBusinessDay reports whether the date is a workweek day and not a holiday
func (c *Calendar) IsBusinessDay(date time.Time) bool {
	local := date.In(c.loc)
	if !c.workweek[local.Weekday()] {
		return false
	}
	return !c.IsHoliday(local)
}

// HolidaysInYear lists the holiday dates of a year in ascending order
func (c *Calendar) HolidaysInYear(year int) []time.Time {
	set := c.holidaySet(year)
	out := make([]time.Time, 0, len(set))
	for k := range set {
		out = append(out, time.Date(k.year, k.month, k.day, 0, 0, 0, 0, c.loc))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

func (c *Calendar) holidaySet(year int) map[dayKey]bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if set, ok := c.years[year]; ok {
		return set
	}

	set := make(map[dayKey]bool, len(c.rules))
	// OBSERVED dates may spill into the next year, so look one year back too.
	for _, y := range []int{year - 1, year} {
		for _, rule := range c.rules {
			d, ok := rule.dateIn(y, c.loc)
			if !ok || d.Year() != year {
				continue
			}
			set[dayKey{d.Year(), d.Month(), d.Day()}] = true
		}
	}
	c.years[year] = set
	return set
}

// AddBusinessDays walks forward from start one calendar day at a time until
// n business days have been counted. The start day itself is never counted
// and the time of day is preserved.
func (c *Calendar) AddBusinessDays(start time.Time, n int) time.Time {
	d := start.In(c.loc)
	for counted := 0; counted < n; {
		d = d.AddDate(0, 0, 1)
		if c.IsBusinessDay(d) {
			counted++
		}
	}
	return d
}

// BusinessDaysBetween counts business days strictly after from's date up to
// and including to's date. It returns 0 when to is not after from.
func (c *Calendar) BusinessDaysBetween(from, to time.Time) int {
	day := c.StartOfDay(from)
	end := c.StartOfDay(to)
	count := 0
	for day.Before(end) {
		day = day.AddDate(0, 0, 1)
		if c.IsBusinessDay(day) {
			count++
		}
	}
	return count
}

// BusinessDaysRemaining counts business days from today until the deadline,
// clamped to 0 once the deadline date is today or earlier.
func (c *Calendar) BusinessDaysRemaining(deadline time.Time) int {
	return c.BusinessDaysBetween(c.now(), deadline)
}

// IsDeadlinePassed reports whether the current instant is after the deadline
func (c *Calendar) IsDeadlinePassed(deadline time.Time) bool {
	return c.now().After(deadline)
}

// TTRDeadline returns the threshold transaction report due date
func (c *Calendar) TTRDeadline(start time.Time) time.Time {
	return c.AddBusinessDays(start, c.config.TTRDeadlineDays)
}

// SMRDeadline returns the suspicious matter report due date. Urgent
// (terrorism related) reports are due a fixed number of calendar hours
// after start, regardless of business days.
func (c *Calendar) SMRDeadline(start time.Time, urgent bool) time.Time {
	if urgent {
		return start.Add(time.Duration(c.config.SMRUrgentHours) * time.Hour)
	}
	return c.AddBusinessDays(start, c.config.SMRDeadlineDays)
}
