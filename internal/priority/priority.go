// Package priority ranks open work-units across the whole portfolio into one
// ordering.
package priority

import (
	"math"
	"sort"

	"github.com/pitabwire/steward/model"
)

// Weights are the multipliers applied to each normalised factor.
type Weights struct {
	ARR           float64 `yaml:"arr"`
	Urgency       float64 `yaml:"urgency"`
	HealthDecline float64 `yaml:"health_decline"`
	UsageDecline  float64 `yaml:"usage_decline"`
	Strategic     float64 `yaml:"strategic"`
}

// DefaultWeights returns the production weights.
func DefaultWeights() Weights {
	return Weights{
		ARR:           1.5,
		Urgency:       1.0,
		HealthDecline: 1.5,
		UsageDecline:  1.2,
		Strategic:     2.0,
	}
}

const (
	// arrScale maps ARR onto the factor scale; arrCap bounds it.
	arrScale = 100_000.0
	arrCap   = 10.0
	// urgencyNumerator / days gives urgency; urgencyCap bounds it near day 0.
	urgencyNumerator = 100.0
	urgencyCap       = 10.0
	// deltaScale maps health points and usage percentage onto the factor scale.
	deltaScale = 10.0
)

// Scorer computes priority scores.
type Scorer struct {
	weights Weights
}

// NewScorer creates a scorer with the given weights.
func NewScorer(w Weights) *Scorer {
	return &Scorer{weights: w}
}

// Factors computes the weighted contributions for one instance.
func (s *Scorer) Factors(sig model.InstanceSignals) model.PriorityFactors {
	f := model.PriorityFactors{
		ARRWeight:         math.Min(arrCap, math.Max(0, sig.ARR)/arrScale) * s.weights.ARR,
		UrgencyWeight:     Urgency(sig) * s.weights.Urgency,
		HealthDeltaWeight: math.Max(0, sig.HealthDelta) / deltaScale * s.weights.HealthDecline,
		UsageDeltaWeight:  math.Max(0, -sig.UsageTrendPct) / deltaScale * s.weights.UsageDecline,
	}
	if sig.Strategic {
		f.StrategicWeight = s.weights.Strategic
	}
	f.Total = round4(f.ARRWeight + f.UrgencyWeight + f.HealthDeltaWeight + f.UsageDeltaWeight + f.StrategicWeight)
	return f
}

// Urgency is the inverse-days factor, clamped so a renewal due today or
// overdue does not dominate everything else. Unknown renewal contributes 0.
func Urgency(sig model.InstanceSignals) float64 {
	if !sig.RenewalKnown {
		return 0
	}
	days := math.Max(float64(sig.DaysToRenewal), 1)
	return math.Min(urgencyCap, urgencyNumerator/days)
}

// Rank scores every instance and returns them highest first. Equal scores
// keep the older instance first, then the lower id, so the ordering is
// reproducible.
func (s *Scorer) Rank(instances []model.WorkflowInstance) []model.RankedInstance {
	out := make([]model.RankedInstance, len(instances))
	for i, inst := range instances {
		f := s.Factors(inst.Signals)
		out[i] = model.RankedInstance{Instance: inst, Score: f.Total, Factors: f}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.Instance.CreatedAt.Equal(b.Instance.CreatedAt) {
			return a.Instance.CreatedAt.Before(b.Instance.CreatedAt)
		}
		return a.Instance.ID < b.Instance.ID
	})
	for i := range out {
		out[i].Rank = i + 1
		out[i].Instance.PriorityScore = out[i].Score
	}
	return out
}

// Scores returns the instance id to score map for persisting a ranking.
func Scores(ranked []model.RankedInstance) map[string]float64 {
	out := make(map[string]float64, len(ranked))
	for _, r := range ranked {
		out[r.Instance.ID] = r.Score
	}
	return out
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
