package priority

import (
	"math"
	"testing"
	"time"

	"github.com/pitabwire/steward/model"
)

var epoch = time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)

func instance(id string, created time.Time, sig model.InstanceSignals) model.WorkflowInstance {
	return model.WorkflowInstance{ID: id, CreatedAt: created, Signals: sig}
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-4 }

// --- Factors ---

func TestFactors_allContributions(t *testing.T) {
	s := NewScorer(DefaultWeights())
	f := s.Factors(model.InstanceSignals{
		ARR:           250_000,
		DaysToRenewal: 30,
		RenewalKnown:  true,
		HealthDelta:   12,
		UsageTrendPct: -20,
		Strategic:     true,
	})

	checks := []struct {
		name      string
		got, want float64
	}{
		{"arr", f.ARRWeight, 3.75},
		{"urgency", f.UrgencyWeight, 100.0 / 30},
		{"health", f.HealthDeltaWeight, 1.8},
		{"usage", f.UsageDeltaWeight, 2.4},
		{"strategic", f.StrategicWeight, 2.0},
		{"total", f.Total, 13.2833},
	}
	for _, c := range checks {
		if !approx(c.got, c.want) {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestFactors_improvementsDoNotSubtract(t *testing.T) {
	s := NewScorer(DefaultWeights())
	f := s.Factors(model.InstanceSignals{HealthDelta: -15, UsageTrendPct: 40})
	if f.HealthDeltaWeight != 0 || f.UsageDeltaWeight != 0 || f.Total != 0 {
		t.Errorf("factors = %+v, want zero", f)
	}
}

func TestFactors_arrCapped(t *testing.T) {
	f := NewScorer(DefaultWeights()).Factors(model.InstanceSignals{ARR: 50_000_000})
	if f.ARRWeight != arrCap*1.5 {
		t.Errorf("ARRWeight = %v, want %v", f.ARRWeight, arrCap*1.5)
	}
}

func TestUrgency(t *testing.T) {
	tests := []struct {
		name string
		sig  model.InstanceSignals
		want float64
	}{
		{"unknown renewal", model.InstanceSignals{DaysToRenewal: 5}, 0},
		{"far", model.InstanceSignals{DaysToRenewal: 200, RenewalKnown: true}, 0.5},
		{"ten days", model.InstanceSignals{DaysToRenewal: 10, RenewalKnown: true}, 10},
		{"today", model.InstanceSignals{DaysToRenewal: 0, RenewalKnown: true}, 10},
		{"overdue", model.InstanceSignals{DaysToRenewal: -30, RenewalKnown: true}, 10},
		{"twenty days", model.InstanceSignals{DaysToRenewal: 20, RenewalKnown: true}, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Urgency(tt.sig); !approx(got, tt.want) {
				t.Errorf("Urgency = %v, want %v", got, tt.want)
			}
		})
	}
}

// --- Rank ---

func TestRank_ordersByScore(t *testing.T) {
	s := NewScorer(DefaultWeights())
	ranked := s.Rank([]model.WorkflowInstance{
		instance("low", epoch, model.InstanceSignals{ARR: 10_000}),
		instance("high", epoch, model.InstanceSignals{ARR: 900_000, Strategic: true}),
		instance("mid", epoch, model.InstanceSignals{DaysToRenewal: 20, RenewalKnown: true}),
	})

	want := []string{"high", "mid", "low"}
	for i, r := range ranked {
		if r.Instance.ID != want[i] {
			t.Errorf("rank %d = %s, want %s", i+1, r.Instance.ID, want[i])
		}
		if r.Rank != i+1 {
			t.Errorf("Rank = %d, want %d", r.Rank, i+1)
		}
		if r.Instance.PriorityScore != r.Score {
			t.Errorf("PriorityScore = %v, Score = %v", r.Instance.PriorityScore, r.Score)
		}
	}
}

func TestRank_tiesOlderFirst(t *testing.T) {
	s := NewScorer(DefaultWeights())
	sig := model.InstanceSignals{ARR: 120_000}
	in := []model.WorkflowInstance{
		instance("newer", epoch.Add(time.Hour), sig),
		instance("older", epoch, sig),
		instance("same-time-b", epoch.Add(2*time.Hour), sig),
		instance("same-time-a", epoch.Add(2*time.Hour), sig),
	}
	want := []string{"older", "newer", "same-time-a", "same-time-b"}

	for run := 0; run < 5; run++ {
		ranked := s.Rank(in)
		for i, r := range ranked {
			if r.Instance.ID != want[i] {
				t.Fatalf("run %d: rank %d = %s, want %s", run, i+1, r.Instance.ID, want[i])
			}
		}
	}
}

func TestRank_doesNotReorderInput(t *testing.T) {
	in := []model.WorkflowInstance{
		instance("a", epoch, model.InstanceSignals{}),
		instance("b", epoch, model.InstanceSignals{Strategic: true}),
	}
	NewScorer(DefaultWeights()).Rank(in)
	if in[0].ID != "a" || in[1].ID != "b" {
		t.Error("Rank mutated its input")
	}
}

func TestRank_empty(t *testing.T) {
	if got := NewScorer(DefaultWeights()).Rank(nil); len(got) != 0 {
		t.Errorf("Rank(nil) = %v", got)
	}
}

func TestScores(t *testing.T) {
	ranked := NewScorer(DefaultWeights()).Rank([]model.WorkflowInstance{
		instance("a", epoch, model.InstanceSignals{Strategic: true}),
	})
	if got := Scores(ranked); got["a"] != 2 {
		t.Errorf("Scores = %v", got)
	}
}
