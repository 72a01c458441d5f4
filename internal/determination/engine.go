// Package determination decides which workflow classes an account needs from
// its score set. Rules are an ordered list evaluated uniformly; every rule
// sees the same immutable scores and a firing rule never suppresses another.
package determination

import (
	"fmt"

	"github.com/pitabwire/steward/model"
)

// Thresholds used by the default rules.
const (
	RiskThreshold        = 7.0
	OpportunityThreshold = 6.0
	RenewalWindowDays    = 120
)

// Workflow definition ids selected by the default rules.
const (
	DefinitionRiskRenewalRescue           = "risk-renewal-rescue"
	DefinitionRiskIntervention            = "risk-intervention"
	DefinitionOpportunityRenewalExpansion = "opportunity-renewal-expansion"
	DefinitionOpportunityExpansion        = "opportunity-expansion"
	DefinitionStrategicPlanning           = "strategic-planning"
	renewalDefinitionPrefix               = "renewal-"
)

// Predicate reports whether a rule applies to a score set.
type Predicate func(model.AccountScoreSet) bool

// Factory builds the trigger for a rule that applied.
type Factory func(model.AccountScoreSet) model.WorkflowTrigger

// Rule pairs a predicate with the trigger it produces.
type Rule struct {
	Name      string
	Predicate Predicate
	Factory   Factory
}

// Engine evaluates an ordered rule list.
type Engine struct {
	rules []Rule
}

// Option configures an Engine.
type Option func(*Engine)

// WithRule appends a rule after the existing ones.
func WithRule(r Rule) Option {
	return func(e *Engine) {
		e.rules = append(e.rules, r)
	}
}

// WithoutDefaults starts the engine with an empty rule list.
func WithoutDefaults() Option {
	return func(e *Engine) {
		e.rules = nil
	}
}

// NewEngine creates an engine with the default rules followed by any rules
// added through options.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{rules: DefaultRules()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Rules returns a copy of the rule list in evaluation order.
func (e *Engine) Rules() []Rule {
	out := make([]Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// Determine returns one trigger per applicable rule, in rule order. An empty
// result means the account is monitor-only this cycle.
func (e *Engine) Determine(scores model.AccountScoreSet) []model.WorkflowTrigger {
	var out []model.WorkflowTrigger
	for _, r := range e.rules {
		if r.Predicate(scores) {
			out = append(out, r.Factory(scores))
		}
	}
	return out
}

// DefaultRules returns the risk, opportunity, renewal and strategic rules.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:      "risk",
			Predicate: func(s model.AccountScoreSet) bool { return s.RiskScore >= RiskThreshold },
			Factory: func(s model.AccountScoreSet) model.WorkflowTrigger {
				t := model.WorkflowTrigger{
					Kind:                 model.TriggerRisk,
					Variant:              variant(s),
					RenewalStage:         s.RenewalStage,
					WorkflowDefinitionID: DefinitionRiskIntervention,
					Reason:               fmt.Sprintf("risk score %.2f >= %.0f", s.RiskScore, RiskThreshold),
				}
				if t.Variant == model.VariantInBand {
					t.WorkflowDefinitionID = DefinitionRiskRenewalRescue
				}
				return t
			},
		},
		{
			Name:      "opportunity",
			Predicate: func(s model.AccountScoreSet) bool { return s.OpportunityScore >= OpportunityThreshold },
			Factory: func(s model.AccountScoreSet) model.WorkflowTrigger {
				t := model.WorkflowTrigger{
					Kind:                 model.TriggerOpportunity,
					Variant:              variant(s),
					RenewalStage:         s.RenewalStage,
					WorkflowDefinitionID: DefinitionOpportunityExpansion,
					Reason:               fmt.Sprintf("opportunity score %.2f >= %.0f", s.OpportunityScore, OpportunityThreshold),
				}
				if t.Variant == model.VariantInBand {
					t.WorkflowDefinitionID = DefinitionOpportunityRenewalExpansion
				}
				return t
			},
		},
		{
			Name:      "renewal",
			Predicate: inRenewalWindow,
			Factory: func(s model.AccountScoreSet) model.WorkflowTrigger {
				return model.WorkflowTrigger{
					Kind:                 model.TriggerRenewal,
					RenewalStage:         s.RenewalStage,
					WorkflowDefinitionID: RenewalDefinitionID(s.RenewalStage),
					Reason:               fmt.Sprintf("renewal in %d days (%s)", s.DaysToRenewal, s.RenewalStage),
				}
			},
		},
		{
			Name:      "strategic",
			Predicate: func(s model.AccountScoreSet) bool { return IsStrategicPlan(s.AccountPlan) },
			Factory: func(s model.AccountScoreSet) model.WorkflowTrigger {
				return model.WorkflowTrigger{
					Kind:                 model.TriggerStrategic,
					RenewalStage:         s.RenewalStage,
					WorkflowDefinitionID: DefinitionStrategicPlanning,
					Reason:               fmt.Sprintf("account plan %q", s.AccountPlan),
				}
			},
		},
	}
}

// RenewalDefinitionID returns the renewal workflow id for a stage.
func RenewalDefinitionID(stage model.RenewalStage) string {
	return renewalDefinitionPrefix + string(stage)
}

// IsStrategicPlan reports whether an account plan calls for strategic
// planning work.
func IsStrategicPlan(p model.AccountPlan) bool {
	switch p {
	case model.AccountPlanInvest, model.AccountPlanExpand, model.AccountPlanStrategic:
		return true
	}
	return false
}

// DefinitionIDs lists every workflow definition id the default rules can
// select. The catalog must define all of them.
func DefinitionIDs() []string {
	ids := []string{
		DefinitionRiskRenewalRescue,
		DefinitionRiskIntervention,
		DefinitionOpportunityRenewalExpansion,
		DefinitionOpportunityExpansion,
		DefinitionStrategicPlanning,
	}
	for _, st := range []model.RenewalStage{
		model.RenewalStageEmergency,
		model.RenewalStageCritical,
		model.RenewalStageUrgent,
		model.RenewalStageFinalize,
		model.RenewalStageNegotiate,
		model.RenewalStageStandard,
	} {
		ids = append(ids, RenewalDefinitionID(st))
	}
	return ids
}

func inRenewalWindow(s model.AccountScoreSet) bool {
	return s.RenewalKnown() && s.DaysToRenewal <= RenewalWindowDays
}

func variant(s model.AccountScoreSet) model.TriggerVariant {
	if inRenewalWindow(s) {
		return model.VariantInBand
	}
	return model.VariantOutOfBand
}
