package scoring

import (
	"testing"
	"time"

	"github.com/pitabwire/steward/model"
)

func f(v float64) *float64 { return &v }

var takenAt = time.Date(2026, 3, 1, 15, 30, 0, 0, time.UTC)

func renewalIn(days int) *model.ContractFacts {
	d := takenAt.AddDate(0, 0, days)
	return &model.ContractFacts{RenewalDate: &d, ARR: 250000}
}

// --- Score ---

func TestScore_strategicAccount(t *testing.T) {
	snap := &model.AccountSignalSnapshot{
		AccountID:     "acc-1",
		TakenAt:       takenAt,
		Health:        f(87),
		UsageTrendPct: f(20),
		Contract:      renewalIn(365),
		AccountPlan:   model.AccountPlanStrategic,
	}
	got := Score("acc-1", snap)

	if got.RiskScore != 0 {
		t.Errorf("RiskScore = %v, want 0", got.RiskScore)
	}
	if got.OpportunityScore != 2.82 {
		t.Errorf("OpportunityScore = %v, want 2.82", got.OpportunityScore)
	}
	if got.HealthScore != 87 {
		t.Errorf("HealthScore = %v, want 87", got.HealthScore)
	}
	if got.DaysToRenewal != 365 {
		t.Errorf("DaysToRenewal = %d, want 365", got.DaysToRenewal)
	}
	if got.RenewalStage != model.RenewalStageStrategic {
		t.Errorf("RenewalStage = %q, want strategic", got.RenewalStage)
	}
	if got.ARR != 250000 {
		t.Errorf("ARR = %v, want 250000", got.ARR)
	}
	if got.AccountPlan != model.AccountPlanStrategic {
		t.Errorf("AccountPlan = %q", got.AccountPlan)
	}
}

func TestScore_highRisk(t *testing.T) {
	snap := &model.AccountSignalSnapshot{
		TakenAt:        takenAt,
		Health:         f(20),
		PreviousHealth: f(45),
		UsageTrendPct:  f(-60),
		Sentiment:      model.SentimentNegative,
		Contract:       renewalIn(30),
	}
	got := Score("acc-2", snap)

	// 3.5*(50/70) + 2.5*1 + 2.0 + 2.0*(150/180)
	if got.RiskScore != 8.67 {
		t.Errorf("RiskScore = %v, want 8.67", got.RiskScore)
	}
	if got.OpportunityScore != 0 {
		t.Errorf("OpportunityScore = %v, want 0", got.OpportunityScore)
	}
	if got.HealthDelta != 25 {
		t.Errorf("HealthDelta = %v, want 25", got.HealthDelta)
	}
	if got.UsageTrendPct != -60 {
		t.Errorf("UsageTrendPct = %v, want -60", got.UsageTrendPct)
	}
	if got.RenewalStage != model.RenewalStageUrgent {
		t.Errorf("RenewalStage = %q, want urgent", got.RenewalStage)
	}
}

func TestScore_fullOpportunity(t *testing.T) {
	snap := &model.AccountSignalSnapshot{
		TakenAt:       takenAt,
		Health:        f(100),
		UsageTrendPct: f(75),
		Sentiment:     model.SentimentPositive,
		AccountPlan:   model.AccountPlanExpand,
	}
	got := Score("acc-3", snap)
	if got.OpportunityScore != 10 {
		t.Errorf("OpportunityScore = %v, want 10", got.OpportunityScore)
	}
}

func TestScore_missingFields(t *testing.T) {
	got := Score("acc-4", &model.AccountSignalSnapshot{TakenAt: takenAt})
	if got.RiskScore != 0 || got.OpportunityScore != 0 || got.HealthScore != 0 {
		t.Errorf("scores = %+v, want zeros", got)
	}
	if got.RenewalStage != model.RenewalStageUnknown {
		t.Errorf("RenewalStage = %q, want unknown", got.RenewalStage)
	}
	if got.RenewalKnown() {
		t.Error("RenewalKnown() = true, want false")
	}
}

func TestScore_nilSnapshot(t *testing.T) {
	got := Score("acc-5", nil)
	if got.AccountID != "acc-5" {
		t.Errorf("AccountID = %q", got.AccountID)
	}
	if got.RenewalStage != model.RenewalStageUnknown {
		t.Errorf("RenewalStage = %q, want unknown", got.RenewalStage)
	}
}

func TestScore_deterministic(t *testing.T) {
	snap := &model.AccountSignalSnapshot{
		TakenAt:       takenAt,
		Health:        f(55.5),
		UsageTrendPct: f(-12.25),
		Sentiment:     model.SentimentNeutral,
		Contract:      renewalIn(97),
		AccountPlan:   model.AccountPlanInvest,
	}
	first := Score("acc-6", snap)
	for i := 0; i < 50; i++ {
		if got := Score("acc-6", snap); got != first {
			t.Fatalf("run %d: %+v != %+v", i, got, first)
		}
	}
}

func TestScore_clampsHealth(t *testing.T) {
	got := Score("acc-7", &model.AccountSignalSnapshot{TakenAt: takenAt, Health: f(140)})
	if got.HealthScore != 100 {
		t.Errorf("HealthScore = %v, want 100", got.HealthScore)
	}
}

// --- DaysToRenewal ---

func TestDaysToRenewal_calendarDays(t *testing.T) {
	// Late evening snapshot, early morning renewal: still one calendar day.
	taken := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)
	renew := time.Date(2026, 3, 2, 0, 1, 0, 0, time.UTC)
	snap := &model.AccountSignalSnapshot{TakenAt: taken, Contract: &model.ContractFacts{RenewalDate: &renew}}

	days, ok := DaysToRenewal(snap)
	if !ok || days != 1 {
		t.Errorf("DaysToRenewal = %d, %v; want 1, true", days, ok)
	}
}

func TestDaysToRenewal_overdue(t *testing.T) {
	snap := &model.AccountSignalSnapshot{TakenAt: takenAt, Contract: renewalIn(-5)}
	days, ok := DaysToRenewal(snap)
	if !ok || days != -5 {
		t.Errorf("DaysToRenewal = %d, %v; want -5, true", days, ok)
	}
	if StageFor(days) != model.RenewalStageEmergency {
		t.Errorf("StageFor(-5) = %q, want emergency", StageFor(days))
	}
}

func TestDaysToRenewal_missing(t *testing.T) {
	snap := &model.AccountSignalSnapshot{TakenAt: takenAt, Contract: &model.ContractFacts{ARR: 1}}
	if _, ok := DaysToRenewal(snap); ok {
		t.Error("ok = true for missing renewal date")
	}
}

// --- StageFor ---

func TestStageFor_boundaries(t *testing.T) {
	tests := []struct {
		days int
		want model.RenewalStage
	}{
		{0, model.RenewalStageEmergency},
		{7, model.RenewalStageEmergency},
		{8, model.RenewalStageCritical},
		{14, model.RenewalStageCritical},
		{15, model.RenewalStageUrgent},
		{30, model.RenewalStageUrgent},
		{31, model.RenewalStageFinalize},
		{60, model.RenewalStageFinalize},
		{61, model.RenewalStageNegotiate},
		{90, model.RenewalStageNegotiate},
		{91, model.RenewalStageStandard},
		{120, model.RenewalStageStandard},
		{121, model.RenewalStagePrepare},
		{180, model.RenewalStagePrepare},
		{181, model.RenewalStageStrategic},
		{720, model.RenewalStageStrategic},
	}
	for _, tt := range tests {
		if got := StageFor(tt.days); got != tt.want {
			t.Errorf("StageFor(%d) = %q, want %q", tt.days, got, tt.want)
		}
	}
}

// --- Normalise ---

func TestNormalise_renewalProximity(t *testing.T) {
	in := Normalise(&model.AccountSignalSnapshot{TakenAt: takenAt, Contract: renewalIn(90)})
	if in.RenewalProximity != 0.5 {
		t.Errorf("RenewalProximity = %v, want 0.5", in.RenewalProximity)
	}
	in = Normalise(&model.AccountSignalSnapshot{TakenAt: takenAt, Contract: renewalIn(400)})
	if in.RenewalProximity != 0 {
		t.Errorf("RenewalProximity = %v, want 0", in.RenewalProximity)
	}
}

func TestNormalise_strategicPlanIsNotExpansion(t *testing.T) {
	in := Normalise(&model.AccountSignalSnapshot{AccountPlan: model.AccountPlanStrategic})
	if in.ExpansionPlan != 0 {
		t.Errorf("ExpansionPlan = %v, want 0", in.ExpansionPlan)
	}
}
