package calendar

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type ruleKind int

const (
	ruleFixed ruleKind = iota
	ruleObserved
	ruleEaster
	ruleNthWeekday
)

// holidayRule is a parsed holiday pattern
type holidayRule struct {
	pattern string
	kind    ruleKind
	month   time.Month
	day     int
	offset  int // days relative to Easter Sunday
	nth     int // 1-4, or -1 for LAST
	weekday time.Weekday
}

var easterOffsets = map[string]int{
	"GOOD_FRIDAY":     -2,
	"EASTER_SATURDAY": -1,
	"EASTER_SUNDAY":   0,
	"EASTER_MONDAY":   1,
}

var ordinals = map[string]int{
	"FIRST":  1,
	"SECOND": 2,
	"THIRD":  3,
	"FOURTH": 4,
	"LAST":   -1,
}

var weekdays = map[string]time.Weekday{
	"SUN": time.Sunday,
	"MON": time.Monday,
	"TUE": time.Tuesday,
	"WED": time.Wednesday,
	"THU": time.Thursday,
	"FRI": time.Friday,
	"SAT": time.Saturday,
}

var months = map[string]time.Month{
	"JAN": time.January,
	"FEB": time.February,
	"MAR": time.March,
	"APR": time.April,
	"MAY": time.May,
	"JUN": time.June,
	"JUL": time.July,
	"AUG": time.August,
	"SEP": time.September,
	"OCT": time.October,
	"NOV": time.November,
	"DEC": time.December,
}

func parseRule(pattern string) (holidayRule, error) {
	p := strings.ToUpper(strings.TrimSpace(pattern))
	rule := holidayRule{pattern: p}

	if offset, ok := easterOffsets[p]; ok {
		rule.kind = ruleEaster
		rule.offset = offset
		return rule, nil
	}

	if rest, ok := strings.CutPrefix(p, "FIXED:"); ok {
		m, d, err := parseMonthDay(rest)
		if err != nil {
			return rule, fmt.Errorf("invalid holiday pattern %q: %w", pattern, err)
		}
		rule.kind, rule.month, rule.day = ruleFixed, m, d
		return rule, nil
	}

	if rest, ok := strings.CutPrefix(p, "OBSERVED:"); ok {
		m, d, err := parseMonthDay(rest)
		if err != nil {
			return rule, fmt.Errorf("invalid holiday pattern %q: %w", pattern, err)
		}
		rule.kind, rule.month, rule.day = ruleObserved, m, d
		return rule, nil
	}

	parts := strings.Split(p, "_")
	if len(parts) == 3 {
		nth, okN := ordinals[parts[0]]
		wd, okW := weekdays[parts[1]]
		m, okM := months[parts[2]]
		if okN && okW && okM {
			rule.kind, rule.nth, rule.weekday, rule.month = ruleNthWeekday, nth, wd, m
			return rule, nil
		}
	}

	return rule, fmt.Errorf("unknown holiday pattern %q", pattern)
}

func parseMonthDay(s string) (time.Month, int, error) {
	mm, dd, ok := strings.Cut(s, "-")
	if !ok {
		return 0, 0, fmt.Errorf("expected MM-DD, got %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 1 || m > 12 {
		return 0, 0, fmt.Errorf("invalid month %q", mm)
	}
	d, err := strconv.Atoi(dd)
	if err != nil || d < 1 || d > daysIn(time.Month(m), 2024) {
		return 0, 0, fmt.Errorf("invalid day %q", dd)
	}
	return time.Month(m), d, nil
}

// dateIn returns the holiday date for the given year, or false when the
// rule has no occurrence that year (FIXED:02-29 outside leap years).
func (r holidayRule) dateIn(year int, loc *time.Location) (time.Time, bool) {
	switch r.kind {
	case ruleFixed:
		if r.day > daysIn(r.month, year) {
			return time.Time{}, false
		}
		return time.Date(year, r.month, r.day, 0, 0, 0, 0, loc), true
	case ruleObserved:
		if r.day > daysIn(r.month, year) {
			return time.Time{}, false
		}
		d := time.Date(year, r.month, r.day, 0, 0, 0, 0, loc)
		switch d.Weekday() {
		case time.Saturday:
			d = d.AddDate(0, 0, 2)
		case time.Sunday:
			d = d.AddDate(0, 0, 1)
		}
		return d, true
	case ruleEaster:
		e := EasterSunday(year)
		return time.Date(year, e.Month(), e.Day()+r.offset, 0, 0, 0, 0, loc), true
	case ruleNthWeekday:
		return nthWeekday(year, r.month, r.weekday, r.nth, loc), true
	}
	return time.Time{}, false
}

// EasterSunday computes Easter Sunday for a Gregorian year using the
// anonymous Gregorian algorithm. The result is midnight UTC.
func EasterSunday(year int) time.Time {
	a := year % 19
	b := year / 100
	c := year % 100
	d := b / 4
	e := b % 4
	f := (b + 8) / 25
	g := (b - f + 1) / 3
	h := (19*a + b - d - g + 15) % 30
	i := c / 4
	k := c % 4
	l := (32 + 2*e + 2*i - h - k) % 7
	m := (a + 11*h + 22*l) / 451
	month := (h + l - 7*m + 114) / 31
	day := (h+l-7*m+114)%31 + 1
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
}

// nthWeekday finds the nth weekday of a month; nth == -1 scans backward
// from the last day of the month.
func nthWeekday(year int, month time.Month, wd time.Weekday, nth int, loc *time.Location) time.Time {
	if nth < 0 {
		last := time.Date(year, month, daysIn(month, year), 0, 0, 0, 0, loc)
		back := (int(last.Weekday()) - int(wd) + 7) % 7
		return last.AddDate(0, 0, -back)
	}
	first := time.Date(year, month, 1, 0, 0, 0, 0, loc)
	fwd := (int(wd) - int(first.Weekday()) + 7) % 7
	return first.AddDate(0, 0, fwd+7*(nth-1))
}

func daysIn(month time.Month, year int) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
