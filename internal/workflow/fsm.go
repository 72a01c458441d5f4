package workflow

import (
	"fmt"

	"github.com/qmuntal/stateless"

	"github.com/pitabwire/steward/model"
)

// stepActions are the actions a user can request on a step, in the order
// AllowedActions reports them. Opening is only ever done by the engine.
var stepActions = []model.ActionType{
	model.ActionAdvance,
	model.ActionSnooze,
	model.ActionSkip,
	model.ActionEscalate,
	model.ActionWake,
}

// newStepMachine returns a state machine positioned at current and
// configured with the step transition table. Completed and skipped have no
// exits.
func newStepMachine(current model.StepStatus) *stateless.StateMachine {
	sm := stateless.NewStateMachine(current)

	sm.Configure(model.StepStatusPending).
		Permit(model.ActionOpen, model.StepStatusInProgress).
		Permit(model.ActionAdvance, model.StepStatusCompleted).
		Permit(model.ActionSnooze, model.StepStatusSnoozed).
		Permit(model.ActionSkip, model.StepStatusSkipped).
		Permit(model.ActionEscalate, model.StepStatusEscalated)

	sm.Configure(model.StepStatusInProgress).
		Permit(model.ActionAdvance, model.StepStatusCompleted).
		Permit(model.ActionSnooze, model.StepStatusSnoozed).
		Permit(model.ActionSkip, model.StepStatusSkipped).
		Permit(model.ActionEscalate, model.StepStatusEscalated)

	sm.Configure(model.StepStatusSnoozed).
		Permit(model.ActionWake, model.StepStatusPending).
		Permit(model.ActionSkip, model.StepStatusSkipped).
		Permit(model.ActionEscalate, model.StepStatusEscalated)

	// An escalation is resolved by a human advancing the step.
	sm.Configure(model.StepStatusEscalated).
		Permit(model.ActionAdvance, model.StepStatusCompleted)

	sm.Configure(model.StepStatusCompleted)
	sm.Configure(model.StepStatusSkipped)

	return sm
}

// NextStatus returns the status a step moves to when action is applied in
// status current, or INVALID_TRANSITION.
func NextStatus(current model.StepStatus, action model.ActionType) (model.StepStatus, error) {
	sm := newStepMachine(current)
	if err := sm.Fire(action); err != nil {
		return "", model.NewInvalidTransitionError(
			fmt.Sprintf("cannot %s a step that is %s", action, current),
		)
	}
	next, ok := sm.MustState().(model.StepStatus)
	if !ok {
		return "", model.NewInternalError()
	}
	return next, nil
}

// AllowedActions lists the user actions permitted from a status.
func AllowedActions(current model.StepStatus) []model.ActionType {
	var out []model.ActionType
	for _, a := range stepActions {
		if _, err := NextStatus(current, a); err == nil {
			out = append(out, a)
		}
	}
	return out
}
