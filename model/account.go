package model

import "time"

// Sentiment is the qualitative customer sentiment reported by the signal feed.
type Sentiment string

// Sentiment values. The empty value means the feed had no reading.
const (
	SentimentPositive Sentiment = "positive"
	SentimentNeutral  Sentiment = "neutral"
	SentimentNegative Sentiment = "negative"
	SentimentUnknown  Sentiment = ""
)

// AccountPlan is the account-management plan recorded for an account.
type AccountPlan string

// Account plan values.
const (
	AccountPlanInvest    AccountPlan = "invest"
	AccountPlanExpand    AccountPlan = "expand"
	AccountPlanStrategic AccountPlan = "strategic"
	AccountPlanMaintain  AccountPlan = "maintain"
	AccountPlanNone      AccountPlan = ""
)

// RenewalStage classifies urgency from days-until-renewal alone.
type RenewalStage string

// Renewal stages, ordered from most to least urgent.
const (
	RenewalStageEmergency RenewalStage = "emergency"
	RenewalStageCritical  RenewalStage = "critical"
	RenewalStageUrgent    RenewalStage = "urgent"
	RenewalStageFinalize  RenewalStage = "finalize"
	RenewalStageNegotiate RenewalStage = "negotiate"
	RenewalStageStandard  RenewalStage = "standard"
	RenewalStagePrepare   RenewalStage = "prepare"
	RenewalStageStrategic RenewalStage = "strategic"
	RenewalStageUnknown   RenewalStage = "unknown"
)

// ContractFacts are the commercial facts of an account's current contract.
type ContractFacts struct {
	RenewalDate *time.Time `json:"renewal_date,omitempty" yaml:"renewal_date"`
	TermMonths  int        `json:"term_months,omitempty"  yaml:"term_months"`
	AutoRenew   bool       `json:"auto_renew"             yaml:"auto_renew"`
	ARR         float64    `json:"arr"                    yaml:"arr"`
}

// AccountSignalSnapshot is an immutable, timestamped view of an account's
// signals as supplied by the ingestion side. Nil fields mean "no reading".
type AccountSignalSnapshot struct {
	AccountID      string         `json:"account_id"                yaml:"account_id"`
	AccountName    string         `json:"account_name,omitempty"    yaml:"account_name"`
	TakenAt        time.Time      `json:"taken_at"                  yaml:"taken_at"`
	Health         *float64       `json:"health,omitempty"          yaml:"health"`
	PreviousHealth *float64       `json:"previous_health,omitempty" yaml:"previous_health"`
	UsageTrendPct  *float64       `json:"usage_trend_pct,omitempty" yaml:"usage_trend_pct"`
	Sentiment      Sentiment      `json:"sentiment,omitempty"       yaml:"sentiment"`
	Contract       *ContractFacts `json:"contract,omitempty"        yaml:"contract"`
	AccountPlan    AccountPlan    `json:"account_plan,omitempty"    yaml:"account_plan"`
	Owner          map[string]any `json:"owner,omitempty"           yaml:"owner"`
}

// AccountScoreSet is the derived score set for one account, recomputed every
// scheduler cycle.
type AccountScoreSet struct {
	AccountID        string       `json:"account_id"`
	HealthScore      float64      `json:"health_score"`
	RiskScore        float64      `json:"risk_score"`
	OpportunityScore float64      `json:"opportunity_score"`
	DaysToRenewal    int          `json:"days_to_renewal"`
	RenewalStage     RenewalStage `json:"renewal_stage"`

	// Facts carried from the snapshot for determination and ranking.
	AccountPlan   AccountPlan `json:"account_plan,omitempty"`
	ARR           float64     `json:"arr"`
	HealthDelta   float64     `json:"health_delta"`
	UsageTrendPct float64     `json:"usage_trend_pct"`
	ComputedAt    time.Time   `json:"computed_at"`
}

// RenewalKnown reports whether the score set carries a usable renewal date.
func (s AccountScoreSet) RenewalKnown() bool {
	return s.RenewalStage != "" && s.RenewalStage != RenewalStageUnknown
}

// BusinessEvent is a named account-level occurrence (contract signed, QBR
// held, ...) used by event-based wake conditions.
type BusinessEvent struct {
	ID         string         `json:"id"`
	AccountID  string         `json:"account_id"`
	Name       string         `json:"name"`
	Data       map[string]any `json:"data,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}
