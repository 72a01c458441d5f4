package evaluator

import (
	"context"
	"fmt"
	"time"

	"github.com/pitabwire/steward/model"
)

// Diagnosis explains whether a step would wake now, and if not, what it is
// still waiting for.
type Diagnosis struct {
	InstanceID   string           `json:"instance_id"`
	StepIndex    int              `json:"step_index"`
	Status       model.StepStatus `json:"status"`
	SnoozedAt    *time.Time       `json:"snoozed_at,omitempty"`
	SnoozedBy    string           `json:"snoozed_by,omitempty"`
	SnoozeReason string           `json:"snooze_reason,omitempty"`

	Until        *time.Time       `json:"until,omitempty"`
	UntilReached bool             `json:"until_reached"`
	Condition    *model.Predicate `json:"condition,omitempty"`
	ConditionMet bool             `json:"condition_met"`
	Unmet        []string         `json:"unmet,omitempty"`

	WouldWake bool   `json:"would_wake"`
	Reason    string `json:"reason,omitempty"`
}

// Diagnose evaluates one step without changing it. Steps that are not
// snoozed are reported with WouldWake false.
func (e *Evaluator) Diagnose(ctx context.Context, instanceID string, stepIndex int, now time.Time) (Diagnosis, error) {
	doc, err := e.engine.Document(ctx, instanceID)
	if err != nil {
		return Diagnosis{}, err
	}
	if stepIndex < 0 || stepIndex >= len(doc.Steps) {
		return Diagnosis{}, model.NewNotFoundError(fmt.Sprintf("instance %q has no step %d", instanceID, stepIndex))
	}
	step := doc.Steps[stepIndex]

	d := Diagnosis{
		InstanceID: instanceID,
		StepIndex:  stepIndex,
		Status:     step.Status,
	}
	if step.Status != model.StepStatusSnoozed {
		return d, nil
	}

	d.SnoozedAt = step.SnoozedAt
	d.Until = step.SnoozeUntil
	d.Condition = step.SnoozeCondition
	for i := len(doc.History) - 1; i >= 0; i-- {
		a := doc.History[i]
		if a.StepIndex == stepIndex && a.ActionType == model.ActionSnooze {
			d.SnoozedBy = a.ActorID
			d.SnoozeReason = a.Reason
			break
		}
	}

	if step.SnoozeUntil != nil {
		d.UntilReached = !step.SnoozeUntil.After(now)
		if !d.UntilReached {
			d.Unmet = append(d.Unmet, fmt.Sprintf("wake time %s not reached", step.SnoozeUntil.UTC().Format(time.RFC3339)))
		}
	}
	if step.SnoozeCondition != nil {
		facts, err := e.facts(ctx, doc.Instance.AccountID, step, map[string]*model.AccountScoreSet{})
		if err != nil {
			return Diagnosis{}, err
		}
		d.ConditionMet = Satisfied(*step.SnoozeCondition, facts)
		d.Unmet = append(d.Unmet, Unmet(*step.SnoozeCondition, facts, snoozedSince(step))...)
	}

	switch {
	case d.UntilReached:
		d.WouldWake, d.Reason = true, ReasonUntil
	case d.ConditionMet:
		d.WouldWake, d.Reason = true, ReasonCondition
	}
	return d, nil
}
