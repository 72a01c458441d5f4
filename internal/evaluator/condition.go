package evaluator

import (
	"fmt"
	"math"
	"time"

	"github.com/pitabwire/steward/model"
)

// Facts is what a wake condition is evaluated against: the account's latest
// score set (nil when the account has never been scored) and the business
// events recorded since the step was snoozed.
type Facts struct {
	Scores *model.AccountScoreSet
	Events []model.BusinessEvent
}

// Satisfied reports whether p holds for facts. Score conditions on an
// unscored account, and days_to_renewal on an account without a renewal
// date, are never satisfied.
func Satisfied(p model.Predicate, facts Facts) bool {
	switch p.Kind {
	case model.PredicateScore:
		v, ok := scoreValue(facts.Scores, p.Field)
		return ok && compare(v, p.Op, p.Value)
	case model.PredicateEvent:
		for _, ev := range facts.Events {
			if ev.Name == p.Event {
				return true
			}
		}
		return false
	case model.PredicateAll:
		for _, c := range p.Children {
			if !Satisfied(c, facts) {
				return false
			}
		}
		return len(p.Children) > 0
	case model.PredicateAny:
		for _, c := range p.Children {
			if Satisfied(c, facts) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// Unmet describes the leaf conditions of p that do not hold.
func Unmet(p model.Predicate, facts Facts, since time.Time) []string {
	if Satisfied(p, facts) {
		return nil
	}
	switch p.Kind {
	case model.PredicateScore:
		v, ok := scoreValue(facts.Scores, p.Field)
		if !ok {
			return []string{fmt.Sprintf("%s (no current value)", p)}
		}
		return []string{fmt.Sprintf("%s (current %g)", p, v)}
	case model.PredicateEvent:
		return []string{fmt.Sprintf("%s not recorded since %s", p, since.UTC().Format(time.RFC3339))}
	case model.PredicateAll, model.PredicateAny:
		var out []string
		for _, c := range p.Children {
			out = append(out, Unmet(c, facts, since)...)
		}
		return out
	default:
		return []string{fmt.Sprintf("unknown condition %q", p.Kind)}
	}
}

// needsEvents reports whether any leaf of p is an event condition.
func needsEvents(p model.Predicate) bool {
	if p.Kind == model.PredicateEvent {
		return true
	}
	for _, c := range p.Children {
		if needsEvents(c) {
			return true
		}
	}
	return false
}

func scoreValue(s *model.AccountScoreSet, field string) (float64, bool) {
	if s == nil {
		return 0, false
	}
	switch field {
	case model.FieldHealthScore:
		return s.HealthScore, true
	case model.FieldRiskScore:
		return s.RiskScore, true
	case model.FieldOpportunityScore:
		return s.OpportunityScore, true
	case model.FieldUsageTrendPct:
		return s.UsageTrendPct, true
	case model.FieldDaysToRenewal:
		if !s.RenewalKnown() {
			return 0, false
		}
		return float64(s.DaysToRenewal), true
	default:
		return 0, false
	}
}

const epsilon = 1e-9

func compare(v float64, op string, target float64) bool {
	switch op {
	case model.OpLT:
		return v < target
	case model.OpLTE:
		return v <= target+epsilon
	case model.OpGT:
		return v > target
	case model.OpGTE:
		return v >= target-epsilon
	case model.OpEQ:
		return math.Abs(v-target) <= epsilon
	default:
		return false
	}
}
