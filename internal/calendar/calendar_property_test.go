//go:build property
// +build property

package calendar

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func propertyCalendar(t *testing.T) *Calendar {
	c, err := New(Config{Holidays: []string{
		"FIXED:01-01", "OBSERVED:12-25", "OBSERVED:12-26",
		"GOOD_FRIDAY", "EASTER_MONDAY", "FIRST_MON_MAY", "LAST_MON_MAY",
	}})
	if err != nil {
		t.Fatalf("failed to create calendar: %v", err)
	}
	return c
}

// Property: AddBusinessDays(d, 0) == d
func TestAddZeroBusinessDaysIsIdentity(t *testing.T) {
	c := propertyCalendar(t)
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("adding zero business days returns the start", prop.ForAll(
		func(offset int) bool {
			d := time.Date(2020, time.January, 1, 12, 0, 0, 0, time.UTC).AddDate(0, 0, offset)
			return c.AddBusinessDays(d, 0).Equal(d)
		},
		gen.IntRange(0, 7665),
	))

	properties.TestingRun(t)
}

// Property: AddBusinessDays(d, n) is always a business day for n > 0
func TestAddBusinessDaysLandsOnBusinessDay(t *testing.T) {
	c := propertyCalendar(t)
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	properties.Property("result is a business day", prop.ForAll(
		func(offset, n int) bool {
			d := time.Date(2020, time.January, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, offset)
			return c.IsBusinessDay(c.AddBusinessDays(d, n))
		},
		gen.IntRange(0, 7665),
		gen.IntRange(1, 30),
	))

	properties.Property("exactly n business days lie between start and result", prop.ForAll(
		func(offset, n int) bool {
			d := time.Date(2020, time.January, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, offset)
			return c.BusinessDaysBetween(d, c.AddBusinessDays(d, n)) == n
		},
		gen.IntRange(0, 7665),
		gen.IntRange(0, 30),
	))

	properties.TestingRun(t)
}

// Property: Good Friday is a Friday two days before Easter Sunday
func TestGoodFridayProperty(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("good friday is two days before easter", prop.ForAll(
		func(year int) bool {
			easter := EasterSunday(year)
			gf := easter.AddDate(0, 0, -2)
			return easter.Weekday() == time.Sunday && gf.Weekday() == time.Friday
		},
		gen.IntRange(1900, 2400),
	))

	properties.TestingRun(t)
}
