package model

import "fmt"

// Predicate kinds.
const (
	PredicateScore = "score"
	PredicateEvent = "event"
	PredicateAll   = "all"
	PredicateAny   = "any"
)

// Score fields a score predicate may compare.
const (
	FieldHealthScore      = "health_score"
	FieldRiskScore        = "risk_score"
	FieldOpportunityScore = "opportunity_score"
	FieldDaysToRenewal    = "days_to_renewal"
	FieldUsageTrendPct    = "usage_trend_pct"
)

// Comparison operators for score predicates.
const (
	OpLT  = "lt"
	OpLTE = "lte"
	OpGT  = "gt"
	OpGTE = "gte"
	OpEQ  = "eq"
)

// Predicate is a structured business condition attached to a snoozed step.
//
//	{"kind":"score","field":"risk_score","op":"lte","value":5}
//	{"kind":"event","event":"contract_signed"}
//	{"kind":"any","children":[...]}
type Predicate struct {
	Kind     string      `json:"kind"               yaml:"kind"`
	Field    string      `json:"field,omitempty"    yaml:"field"`
	Op       string      `json:"op,omitempty"       yaml:"op"`
	Value    float64     `json:"value,omitempty"    yaml:"value"`
	Event    string      `json:"event,omitempty"    yaml:"event"`
	Children []Predicate `json:"children,omitempty" yaml:"children"`
}

var scoreFields = map[string]bool{
	FieldHealthScore:      true,
	FieldRiskScore:        true,
	FieldOpportunityScore: true,
	FieldDaysToRenewal:    true,
	FieldUsageTrendPct:    true,
}

var scoreOps = map[string]bool{OpLT: true, OpLTE: true, OpGT: true, OpGTE: true, OpEQ: true}

// Validate checks the predicate structure recursively.
func (p Predicate) Validate() error {
	switch p.Kind {
	case PredicateScore:
		if !scoreFields[p.Field] {
			return fmt.Errorf("predicate: unknown score field %q", p.Field)
		}
		if !scoreOps[p.Op] {
			return fmt.Errorf("predicate: unknown operator %q", p.Op)
		}
	case PredicateEvent:
		if p.Event == "" {
			return fmt.Errorf("predicate: event name is required")
		}
	case PredicateAll, PredicateAny:
		if len(p.Children) == 0 {
			return fmt.Errorf("predicate: %s requires at least one child", p.Kind)
		}
		for i, c := range p.Children {
			if err := c.Validate(); err != nil {
				return fmt.Errorf("children[%d]: %w", i, err)
			}
		}
	default:
		return fmt.Errorf("predicate: unknown kind %q", p.Kind)
	}
	return nil
}

// String renders the predicate for diagnostics.
func (p Predicate) String() string {
	switch p.Kind {
	case PredicateScore:
		return fmt.Sprintf("%s %s %g", p.Field, p.Op, p.Value)
	case PredicateEvent:
		return fmt.Sprintf("event %q", p.Event)
	case PredicateAll, PredicateAny:
		return fmt.Sprintf("%s(%d conditions)", p.Kind, len(p.Children))
	default:
		return p.Kind
	}
}
