//go:build property
// +build property

package risk

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
)

func genContext() gopter.Gen {
	return gopter.CombineGens(
		gen.Int64Range(0, 200000),
		gen.IntRange(0, 400),
		gen.IntRange(0, 20),
		gen.Bool(),
		gen.Bool(),
		gen.Bool(),
		gen.Bool(),
	).Map(func(v []interface{}) Context {
		return Context{
			TransactionAmount:      decimal.NewFromInt(v[0].(int64)),
			CustomerAgeDays:        v[1].(int),
			RecentTransactionCount: v[2].(int),
			HasUnusualPattern:      v[3].(bool),
			IsPEP:                  v[4].(bool),
			IsSanctioned:           v[5].(bool),
			IsUnverified:           v[6].(bool),
			Thresholds:             defaultThresholds(),
		}
	})
}

// Property: 0 <= score <= 100
func TestScoreBoundsProperty(t *testing.T) {
	scorer := NewScorer()
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	properties.Property("score stays within bounds", prop.ForAll(
		func(c Context) bool {
			r := scorer.Calculate(c)
			return r.Score >= 0 && r.Score <= MaxScore && r.Tier == TierForScore(r.Score)
		},
		genContext(),
	))

	properties.TestingRun(t)
}

// Property: turning on one more flag factor never lowers the score
func TestScoreMonotonicityProperty(t *testing.T) {
	scorer := NewScorer()
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	flags := []func(c *Context){
		func(c *Context) { c.HasUnusualPattern = true },
		func(c *Context) { c.IsPEP = true },
		func(c *Context) { c.IsSanctioned = true },
		func(c *Context) { c.IsUnverified = true },
		func(c *Context) { c.RecentTransactionCount += multipleRecentMin },
	}

	properties.Property("adding a factor never decreases the score", prop.ForAll(
		func(c Context, which int) bool {
			before := scorer.Calculate(c).Score
			flags[which](&c)
			return scorer.Calculate(c).Score >= before
		},
		genContext(),
		gen.IntRange(0, len(flags)-1),
	))

	properties.Property("custom factors never decrease the score", prop.ForAll(
		func(c Context, points int) bool {
			before := scorer.Calculate(c).Score
			extra := Factor{Name: "extra", Points: points, Applies: func(Context) bool { return true }}
			return scorer.Calculate(c, extra).Score >= before
		},
		genContext(),
		gen.IntRange(-50, 50),
	))

	properties.TestingRun(t)
}

// Property: identical input yields identical output
func TestScoreDeterminismProperty(t *testing.T) {
	scorer := NewScorer()
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("calculate is deterministic", prop.ForAll(
		func(c Context) bool {
			a, b := scorer.Calculate(c), scorer.Calculate(c)
			if a.Score != b.Score || len(a.Factors) != len(b.Factors) {
				return false
			}
			for i := range a.Factors {
				if a.Factors[i] != b.Factors[i] {
					return false
				}
			}
			return true
		},
		genContext(),
	))

	properties.TestingRun(t)
}
