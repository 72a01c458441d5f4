// Package scoring derives risk, opportunity and health scores plus renewal
// urgency from an account's signal snapshot. Scoring is pure: the same
// snapshot always yields the same score set.
package scoring

import (
	"math"
	"time"

	"github.com/pitabwire/steward/model"
)

// Risk weights. They sum to the 10-point scale.
const (
	RiskWeightHealthDecline     = 3.5
	RiskWeightUsageDecline      = 2.5
	RiskWeightNegativeSentiment = 2.0
	RiskWeightRenewalProximity  = 2.0
)

// Opportunity weights. They sum to the 10-point scale.
const (
	OpportunityWeightHealthStrength    = 2.5
	OpportunityWeightUsageGrowth       = 3.5
	OpportunityWeightPositiveSentiment = 2.0
	OpportunityWeightExpansionPlan     = 2.0
)

const (
	// healthPivot splits health into decline (below) and strength (above).
	healthPivot = 70.0
	// usageTrendScale is the trend percentage treated as a full-strength signal.
	usageTrendScale = 50.0
	// renewalHorizonDays is where renewal proximity starts adding risk.
	renewalHorizonDays = 180.0
)

// Inputs is the normalised breakdown behind a score set, each value in [0,1].
// It is exposed for diagnostics and tests.
type Inputs struct {
	HealthDecline     float64
	UsageDecline      float64
	NegativeSentiment float64
	RenewalProximity  float64
	HealthStrength    float64
	UsageGrowth       float64
	PositiveSentiment float64
	ExpansionPlan     float64
}

// Score computes the score set for an account. A nil snapshot is treated as
// one with every field missing.
func Score(accountID string, snap *model.AccountSignalSnapshot) model.AccountScoreSet {
	if snap == nil {
		snap = &model.AccountSignalSnapshot{AccountID: accountID}
	}

	in := Normalise(snap)
	days, known := DaysToRenewal(snap)
	stage := model.RenewalStageUnknown
	if known {
		stage = StageFor(days)
	}

	set := model.AccountScoreSet{
		AccountID:        accountID,
		RiskScore:        round2(riskScore(in)),
		OpportunityScore: round2(opportunityScore(in)),
		DaysToRenewal:    days,
		RenewalStage:     stage,
		AccountPlan:      snap.AccountPlan,
		ComputedAt:       snap.TakenAt,
	}
	if snap.Health != nil {
		set.HealthScore = round2(clamp(*snap.Health, 0, 100))
		if snap.PreviousHealth != nil {
			set.HealthDelta = round2(*snap.PreviousHealth - *snap.Health)
		}
	}
	if snap.UsageTrendPct != nil {
		set.UsageTrendPct = *snap.UsageTrendPct
	}
	if snap.Contract != nil {
		set.ARR = snap.Contract.ARR
	}
	return set
}

// Normalise maps the raw snapshot onto the normalised scoring inputs. Missing
// fields contribute zero.
func Normalise(snap *model.AccountSignalSnapshot) Inputs {
	var in Inputs
	if snap.Health != nil {
		h := clamp(*snap.Health, 0, 100)
		in.HealthDecline = clamp((healthPivot-h)/healthPivot, 0, 1)
		in.HealthStrength = clamp((h-healthPivot)/(100-healthPivot), 0, 1)
	}
	if snap.UsageTrendPct != nil {
		t := *snap.UsageTrendPct
		in.UsageDecline = clamp(-t/usageTrendScale, 0, 1)
		in.UsageGrowth = clamp(t/usageTrendScale, 0, 1)
	}
	switch snap.Sentiment {
	case model.SentimentNegative:
		in.NegativeSentiment = 1
	case model.SentimentPositive:
		in.PositiveSentiment = 1
	}
	if days, ok := DaysToRenewal(snap); ok {
		in.RenewalProximity = clamp((renewalHorizonDays-float64(days))/renewalHorizonDays, 0, 1)
	}
	switch snap.AccountPlan {
	case model.AccountPlanInvest, model.AccountPlanExpand:
		in.ExpansionPlan = 1
	}
	return in
}

// DaysToRenewal returns the whole number of UTC calendar days from the
// snapshot date to the renewal date. It is negative when the renewal is
// overdue. ok is false when the snapshot has no renewal date.
func DaysToRenewal(snap *model.AccountSignalSnapshot) (days int, ok bool) {
	if snap == nil || snap.Contract == nil || snap.Contract.RenewalDate == nil {
		return 0, false
	}
	from := utcDate(snap.TakenAt)
	to := utcDate(*snap.Contract.RenewalDate)
	return int(math.Round(to.Sub(from).Hours() / 24)), true
}

// StageFor classifies days-until-renewal against the canonical boundary
// table. Overdue renewals are emergencies.
func StageFor(days int) model.RenewalStage {
	switch {
	case days <= 7:
		return model.RenewalStageEmergency
	case days <= 14:
		return model.RenewalStageCritical
	case days <= 30:
		return model.RenewalStageUrgent
	case days <= 60:
		return model.RenewalStageFinalize
	case days <= 90:
		return model.RenewalStageNegotiate
	case days <= 120:
		return model.RenewalStageStandard
	case days <= 180:
		return model.RenewalStagePrepare
	default:
		return model.RenewalStageStrategic
	}
}

func riskScore(in Inputs) float64 {
	return in.HealthDecline*RiskWeightHealthDecline +
		in.UsageDecline*RiskWeightUsageDecline +
		in.NegativeSentiment*RiskWeightNegativeSentiment +
		in.RenewalProximity*RiskWeightRenewalProximity
}

func opportunityScore(in Inputs) float64 {
	return in.HealthStrength*OpportunityWeightHealthStrength +
		in.UsageGrowth*OpportunityWeightUsageGrowth +
		in.PositiveSentiment*OpportunityWeightPositiveSentiment +
		in.ExpansionPlan*OpportunityWeightExpansionPlan
}

func utcDate(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
