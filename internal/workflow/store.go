package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/pitabwire/steward/model"
)

// InstanceLevel is the step index recorded on actions that concern the whole
// instance rather than one step.
const InstanceLevel = -1

// Store persists workflow instances, their steps and the step action log.
// Every mutation of a step goes through ApplyTransition or CompleteInstance,
// which run as one transaction and keep the instance's derived snooze fields
// in step with its steps.
type Store interface {
	// CreateInstance persists a new instance with its steps and initial
	// actions. Returns CONFLICT if the id is taken or if the account already
	// has an in-progress instance of the same definition.
	CreateInstance(ctx context.Context, inst model.WorkflowInstance, steps []model.StepState, actions []model.StepAction) error

	// GetInstance returns NOT_FOUND if the instance doesn't exist.
	GetInstance(ctx context.Context, instanceID string) (model.WorkflowInstance, error)

	// GetSteps returns the steps of an instance ordered by index.
	GetSteps(ctx context.Context, instanceID string) ([]model.StepState, error)

	// GetStep returns one step, or NOT_FOUND.
	GetStep(ctx context.Context, instanceID string, stepIndex int) (model.StepState, error)

	// GetActions returns the action log of an instance in insertion order.
	GetActions(ctx context.Context, instanceID string) ([]model.StepAction, error)

	// ApplyTransition compare-and-swaps each change against its expected
	// status, appends the actions, recomputes HasSnoozedSteps and
	// NextDueDate, and bumps the instance version, all atomically. A status
	// mismatch returns CONCURRENT_MODIFICATION and nothing is written.
	ApplyTransition(ctx context.Context, t Transition) (model.WorkflowInstance, error)

	// CompleteInstance marks an instance completed. It fails with
	// STEPS_STILL_SNOOZED while any step is snoozed and INVALID_TRANSITION
	// while any step is still open or escalated.
	CompleteInstance(ctx context.Context, instanceID string, action model.StepAction) (model.WorkflowInstance, error)

	// FindSnoozed pages through snoozed steps of in-progress instances in
	// (instance id, step index) order, starting after the cursor.
	FindSnoozed(ctx context.Context, q SnoozedQuery) ([]SnoozedStep, error)

	// FindOpen returns in-progress instances matching the filters, oldest
	// first.
	FindOpen(ctx context.Context, filters InstanceFilters) ([]model.WorkflowInstance, error)

	// UpdatePriorities writes priority scores by instance id. Unknown ids are
	// ignored. The instance version is not bumped.
	UpdatePriorities(ctx context.Context, scores map[string]float64) error

	// UpdateSignals replaces the ranking inputs stored on an instance.
	// Returns NOT_FOUND for an unknown id. The instance version is not
	// bumped.
	UpdateSignals(ctx context.Context, instanceID string, signals model.InstanceSignals) error

	// HealthCheck verifies the store is reachable.
	HealthCheck(ctx context.Context) error
}

// StepChange is one compare-and-swap within a transition.
type StepChange struct {
	Expected model.StepStatus
	Next     model.StepState
}

// Transition is an atomic set of step changes and the actions recording
// them.
type Transition struct {
	InstanceID string
	Changes    []StepChange
	Actions    []model.StepAction
	At         time.Time
}

// SnoozedQuery selects a page of snoozed steps.
type SnoozedQuery struct {
	AccountID string
	// AfterInstanceID and AfterStepIndex form an exclusive keyset cursor.
	// An empty AfterInstanceID starts from the beginning.
	AfterInstanceID string
	AfterStepIndex  int
	Limit           int
}

// SnoozedStep is a snoozed step together with its owning account.
type SnoozedStep struct {
	AccountID string
	Step      model.StepState
}

// InstanceFilters are optional filters for listing open instances.
type InstanceFilters struct {
	AccountID            string
	WorkflowDefinitionID string
}

// after reports whether (instanceID, stepIndex) sorts strictly after the
// query cursor.
func (q SnoozedQuery) after(instanceID string, stepIndex int) bool {
	if q.AfterInstanceID == "" {
		return true
	}
	if instanceID != q.AfterInstanceID {
		return instanceID > q.AfterInstanceID
	}
	return stepIndex > q.AfterStepIndex
}

// deriveSnoozeCache computes HasSnoozedSteps and NextDueDate from steps.
func deriveSnoozeCache(steps []model.StepState) (bool, *time.Time) {
	has := false
	var next *time.Time
	for _, s := range steps {
		if s.Status != model.StepStatusSnoozed {
			continue
		}
		has = true
		if s.SnoozeUntil != nil && (next == nil || s.SnoozeUntil.Before(*next)) {
			t := *s.SnoozeUntil
			next = &t
		}
	}
	return has, next
}

// completionBlockers checks steps against the completion guard.
func completionBlockers(instanceID string, steps []model.StepState) error {
	var snoozed, open []int
	for _, s := range steps {
		switch {
		case s.Status == model.StepStatusSnoozed:
			snoozed = append(snoozed, s.StepIndex)
		case s.Status.Open() || s.Status == model.StepStatusEscalated:
			open = append(open, s.StepIndex)
		}
	}
	if len(snoozed) > 0 {
		return model.NewStepsStillSnoozedError(instanceID, snoozed)
	}
	if len(open) > 0 {
		return model.NewInvalidTransitionError(
			fmt.Sprintf("workflow instance %q still has unfinished steps %v", instanceID, open),
		)
	}
	return nil
}
