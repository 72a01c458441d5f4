package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/steward/internal/notify"
	"github.com/pitabwire/steward/internal/observability"
	"github.com/pitabwire/steward/model"
)

// Engine owns the lifecycle of workflow instances and their steps. It is the
// only writer of step state; every operation records StepActions and commits
// through a single store transition.
type Engine struct {
	store    Store
	notifier notify.Notifier
	logger   *zap.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithNotifier sets the collaborator that receives wake and escalation
// events.
func WithNotifier(n notify.Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a new workflow engine over store.
func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		notifier: notify.Nop{},
		logger:   zap.NewNop(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewInstance describes a work-unit to create from composed step seeds.
type NewInstance struct {
	AccountID string
	Trigger   model.WorkflowTrigger
	Signals   model.InstanceSignals
	CycleID   string
	Steps     []model.StepSeed
	ActorID   string
}

// StepCommand addresses one step. ExpectedStatus, when set, is the status the
// caller last saw; a mismatch fails with CONCURRENT_MODIFICATION. When empty
// the status read at the start of the operation is used as the precondition.
type StepCommand struct {
	InstanceID     string
	StepIndex      int
	ActorID        string
	Reason         string
	ExpectedStatus model.StepStatus
}

// TransitionResult is the outcome of a step operation. Changed is false when
// the operation was a no-op (waking a step that is already pending).
type TransitionResult struct {
	Instance model.WorkflowInstance
	Step     model.StepState
	Changed  bool
}

// CreateInstance persists a new instance. Step 0 starts in_progress and the
// remaining steps pending.
func (e *Engine) CreateInstance(ctx context.Context, ni NewInstance) (model.WorkflowInstance, error) {
	var details []model.FieldError
	if ni.AccountID == "" {
		details = append(details, model.FieldError{Field: "account_id", Code: "REQUIRED", Message: "account id is required"})
	}
	if ni.Trigger.WorkflowDefinitionID == "" {
		details = append(details, model.FieldError{Field: "trigger.workflow_definition_id", Code: "REQUIRED", Message: "workflow definition is required"})
	}
	if len(ni.Steps) == 0 {
		details = append(details, model.FieldError{Field: "steps", Code: "REQUIRED", Message: "at least one step is required"})
	}
	if len(details) > 0 {
		return model.WorkflowInstance{}, model.NewValidationError(details)
	}

	now := e.now()
	actor := actorOr(ni.ActorID)
	inst := model.WorkflowInstance{
		ID:                   uuid.New().String(),
		AccountID:            ni.AccountID,
		WorkflowDefinitionID: ni.Trigger.WorkflowDefinitionID,
		Trigger:              ni.Trigger,
		Signals:              ni.Signals,
		CycleID:              ni.CycleID,
		TotalSteps:           len(ni.Steps),
		Status:               model.InstanceStatusInProgress,
		CreatedAt:            now,
		UpdatedAt:            now,
		Version:              1,
	}

	steps := make([]model.StepState, len(ni.Steps))
	actions := make([]model.StepAction, len(ni.Steps))
	for i, seed := range ni.Steps {
		st := model.StepState{
			InstanceID: inst.ID,
			StepIndex:  i,
			StageID:    seed.StageID,
			Title:      seed.Title,
			Content:    seed.Content,
			Config:     seed.Config,
			Status:     model.StepStatusPending,
			UpdatedAt:  now,
		}
		if i == 0 {
			st.Status = model.StepStatusInProgress
			st.StartedAt = &now
		}
		steps[i] = st
		actions[i] = model.StepAction{
			ID:         uuid.New().String(),
			InstanceID: inst.ID,
			StepIndex:  i,
			ActorID:    actor,
			ActionType: model.ActionCreate,
			NewStatus:  st.Status,
			Reason:     ni.Trigger.Reason,
			Timestamp:  now,
		}
	}

	ctx, span := observability.StartSpan(ctx, "workflow.create_instance",
		observability.AttrAccountID.String(inst.AccountID),
		observability.AttrInstanceID.String(inst.ID),
		observability.AttrDefinitionID.String(inst.WorkflowDefinitionID),
		observability.AttrTriggerKind.String(string(ni.Trigger.Kind)),
	)
	err := e.store.CreateInstance(ctx, inst, steps, actions)
	observability.EndSpanWithError(span, err)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	e.metrics.RecordInstanceCreated(inst.WorkflowDefinitionID)
	e.logger.Info("workflow instance created",
		zap.String("instance_id", inst.ID),
		zap.String("account_id", inst.AccountID),
		zap.String("workflow_definition_id", inst.WorkflowDefinitionID),
		zap.Int("total_steps", inst.TotalSteps),
	)
	return inst, nil
}

// Advance completes the addressed step and opens the following step if it is
// still pending.
func (e *Engine) Advance(ctx context.Context, cmd StepCommand) (TransitionResult, error) {
	cur, err := e.load(ctx, cmd)
	if err != nil {
		return TransitionResult{}, e.fail(model.ActionAdvance, err)
	}
	at := e.now()
	change, action, err := e.change(cur, model.ActionAdvance, cmd.ActorID, cmd.Reason, at)
	if err != nil {
		return TransitionResult{}, e.fail(model.ActionAdvance, err)
	}
	t := Transition{
		InstanceID: cmd.InstanceID,
		Changes:    []StepChange{change},
		Actions:    []model.StepAction{action},
		At:         at,
	}

	next, err := e.store.GetStep(ctx, cmd.InstanceID, cmd.StepIndex+1)
	switch {
	case err == nil && next.Status == model.StepStatusPending:
		openChange, openAction, err := e.change(next, model.ActionOpen, cmd.ActorID, "previous step completed", at)
		if err != nil {
			return TransitionResult{}, e.fail(model.ActionAdvance, err)
		}
		t.Changes = append(t.Changes, openChange)
		t.Actions = append(t.Actions, openAction)
	case err != nil && !model.HasCode(err, model.ErrNotFound):
		return TransitionResult{}, e.fail(model.ActionAdvance, err)
	}

	return e.commit(ctx, model.ActionAdvance, t)
}

// Snooze suspends a step until a time, a condition, or whichever comes
// first when both are given.
func (e *Engine) Snooze(ctx context.Context, cmd StepCommand, until *time.Time, cond *model.Predicate) (TransitionResult, error) {
	at := e.now()
	if err := validateSnooze(until, cond, at); err != nil {
		return TransitionResult{}, e.fail(model.ActionSnooze, err)
	}
	cur, err := e.load(ctx, cmd)
	if err != nil {
		return TransitionResult{}, e.fail(model.ActionSnooze, err)
	}
	change, action, err := e.change(cur, model.ActionSnooze, cmd.ActorID, cmd.Reason, at)
	if err != nil {
		return TransitionResult{}, e.fail(model.ActionSnooze, err)
	}
	if until != nil {
		u := until.UTC()
		change.Next.SnoozeUntil = &u
	}
	if cond != nil {
		c := *cond
		change.Next.SnoozeCondition = &c
	}
	change.Next.SnoozedAt = &at

	return e.commit(ctx, model.ActionSnooze, Transition{
		InstanceID: cmd.InstanceID,
		Changes:    []StepChange{change},
		Actions:    []model.StepAction{action},
		At:         at,
	})
}

// Skip moves a step to skipped. Skipping is irreversible.
func (e *Engine) Skip(ctx context.Context, cmd StepCommand) (TransitionResult, error) {
	return e.single(ctx, cmd, model.ActionSkip)
}

// Escalate flags a step for human override and notifies the router.
func (e *Engine) Escalate(ctx context.Context, cmd StepCommand) (TransitionResult, error) {
	res, err := e.single(ctx, cmd, model.ActionEscalate)
	if err != nil {
		return res, err
	}
	e.emit(ctx, res, cmd.Reason)
	return res, nil
}

// Wake returns a snoozed step to pending and clears its snooze fields.
// Waking a step that is already pending is a no-op.
func (e *Engine) Wake(ctx context.Context, cmd StepCommand) (TransitionResult, error) {
	cur, err := e.store.GetStep(ctx, cmd.InstanceID, cmd.StepIndex)
	if err != nil {
		return TransitionResult{}, e.fail(model.ActionWake, err)
	}
	if cur.Status == model.StepStatusPending {
		inst, err := e.store.GetInstance(ctx, cmd.InstanceID)
		if err != nil {
			return TransitionResult{}, err
		}
		e.metrics.RecordStepTransition(string(model.ActionWake), "noop")
		return TransitionResult{Instance: inst, Step: cur}, nil
	}
	res, err := e.single(ctx, cmd, model.ActionWake)
	if err != nil {
		return res, err
	}
	e.emit(ctx, res, cmd.Reason)
	return res, nil
}

// Complete marks an instance completed once every step is completed or
// skipped.
func (e *Engine) Complete(ctx context.Context, instanceID, actorID string) (model.WorkflowInstance, error) {
	action := model.StepAction{
		ID:         uuid.New().String(),
		InstanceID: instanceID,
		StepIndex:  InstanceLevel,
		ActorID:    actorOr(actorID),
		ActionType: model.ActionCompleteInstance,
		NewStatus:  model.StepStatusCompleted,
		Timestamp:  e.now(),
	}
	inst, err := e.store.CompleteInstance(ctx, instanceID, action)
	if err != nil {
		return model.WorkflowInstance{}, e.fail(model.ActionCompleteInstance, err)
	}
	e.metrics.RecordStepTransition(string(model.ActionCompleteInstance), "ok")
	e.logger.Info("workflow instance completed",
		zap.String("instance_id", inst.ID),
		zap.String("account_id", inst.AccountID),
		zap.String("actor_id", action.ActorID),
	)
	return inst, nil
}

// Document returns the instance, its steps and its action history as one
// structured value for rendering.
func (e *Engine) Document(ctx context.Context, instanceID string) (model.WorkflowDocument, error) {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return model.WorkflowDocument{}, err
	}
	steps, err := e.store.GetSteps(ctx, instanceID)
	if err != nil {
		return model.WorkflowDocument{}, err
	}
	history, err := e.store.GetActions(ctx, instanceID)
	if err != nil {
		return model.WorkflowDocument{}, err
	}
	allowed := make([][]model.ActionType, len(steps))
	for i, st := range steps {
		allowed[i] = AllowedActions(st.Status)
	}
	return model.WorkflowDocument{Instance: inst, Steps: steps, AllowedActions: allowed, History: history}, nil
}

// Step returns one step.
func (e *Engine) Step(ctx context.Context, instanceID string, stepIndex int) (model.StepState, error) {
	return e.store.GetStep(ctx, instanceID, stepIndex)
}

// History returns the action log of an instance.
func (e *Engine) History(ctx context.Context, instanceID string) ([]model.StepAction, error) {
	return e.store.GetActions(ctx, instanceID)
}

// ListOpen returns in-progress instances.
func (e *Engine) ListOpen(ctx context.Context, filters InstanceFilters) ([]model.WorkflowInstance, error) {
	return e.store.FindOpen(ctx, filters)
}

// OpenInstance returns the oldest in-progress instance of a definition for
// an account, if any.
func (e *Engine) OpenInstance(ctx context.Context, accountID, definitionID string) (model.WorkflowInstance, bool, error) {
	open, err := e.store.FindOpen(ctx, InstanceFilters{AccountID: accountID, WorkflowDefinitionID: definitionID})
	if err != nil {
		return model.WorkflowInstance{}, false, err
	}
	if len(open) == 0 {
		return model.WorkflowInstance{}, false, nil
	}
	return open[0], true, nil
}

// Snoozed returns a page of snoozed steps.
func (e *Engine) Snoozed(ctx context.Context, q SnoozedQuery) ([]SnoozedStep, error) {
	return e.store.FindSnoozed(ctx, q)
}

// SetPriorities stores ranking scores on instances.
func (e *Engine) SetPriorities(ctx context.Context, scores map[string]float64) error {
	return e.store.UpdatePriorities(ctx, scores)
}

// RefreshSignals stores the latest ranking inputs on an open instance.
func (e *Engine) RefreshSignals(ctx context.Context, instanceID string, signals model.InstanceSignals) error {
	return e.store.UpdateSignals(ctx, instanceID, signals)
}

// HealthCheck reports whether the backing store is reachable.
func (e *Engine) HealthCheck(ctx context.Context) error {
	return e.store.HealthCheck(ctx)
}

func (e *Engine) single(ctx context.Context, cmd StepCommand, actionType model.ActionType) (TransitionResult, error) {
	cur, err := e.load(ctx, cmd)
	if err != nil {
		return TransitionResult{}, e.fail(actionType, err)
	}
	at := e.now()
	change, action, err := e.change(cur, actionType, cmd.ActorID, cmd.Reason, at)
	if err != nil {
		return TransitionResult{}, e.fail(actionType, err)
	}
	return e.commit(ctx, actionType, Transition{
		InstanceID: cmd.InstanceID,
		Changes:    []StepChange{change},
		Actions:    []model.StepAction{action},
		At:         at,
	})
}

// load reads the step and checks the caller's expected status.
func (e *Engine) load(ctx context.Context, cmd StepCommand) (model.StepState, error) {
	cur, err := e.store.GetStep(ctx, cmd.InstanceID, cmd.StepIndex)
	if err != nil {
		return model.StepState{}, err
	}
	if cmd.ExpectedStatus != "" && cur.Status != cmd.ExpectedStatus {
		return model.StepState{}, model.NewConcurrentModificationError(
			fmt.Sprintf("step %d is already %s (expected %s); reload and try again",
				cmd.StepIndex, cur.Status, cmd.ExpectedStatus),
		)
	}
	return cur, nil
}

// change computes the next state of cur under action and the action record.
func (e *Engine) change(cur model.StepState, action model.ActionType, actorID, reason string, at time.Time) (StepChange, model.StepAction, error) {
	status, err := NextStatus(cur.Status, action)
	if err != nil {
		return StepChange{}, model.StepAction{}, err
	}
	next := cur
	next.Status = status
	next.UpdatedAt = at
	switch status {
	case model.StepStatusInProgress:
		next.StartedAt = &at
	case model.StepStatusCompleted:
		next.CompletedAt = &at
	case model.StepStatusSkipped:
		next.SkippedAt = &at
	case model.StepStatusEscalated:
		next.EscalatedAt = &at
	}
	if status != model.StepStatusSnoozed {
		next.SnoozeUntil = nil
		next.SnoozeCondition = nil
		next.SnoozedAt = nil
	}

	rec := model.StepAction{
		ID:             uuid.New().String(),
		InstanceID:     cur.InstanceID,
		StepIndex:      cur.StepIndex,
		ActorID:        actorOr(actorID),
		ActionType:     action,
		PreviousStatus: cur.Status,
		NewStatus:      status,
		Reason:         reason,
		Timestamp:      at,
	}
	return StepChange{Expected: cur.Status, Next: next}, rec, nil
}

func (e *Engine) commit(ctx context.Context, action model.ActionType, t Transition) (_ TransitionResult, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.transition",
		observability.AttrInstanceID.String(t.InstanceID),
		observability.AttrStepIndex.Int(t.Changes[0].Next.StepIndex),
		observability.AttrAction.String(string(action)),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	inst, err := e.store.ApplyTransition(ctx, t)
	if err != nil {
		return TransitionResult{}, e.fail(action, err)
	}
	e.metrics.RecordStepTransition(string(action), "ok")

	primary := t.Changes[0]
	e.logger.Info("step transition",
		zap.String("instance_id", t.InstanceID),
		zap.Int("step_index", primary.Next.StepIndex),
		zap.String("action", string(action)),
		zap.String("from", string(primary.Expected)),
		zap.String("to", string(primary.Next.Status)),
		zap.String("actor_id", t.Actions[0].ActorID),
	)
	return TransitionResult{Instance: inst, Step: primary.Next, Changed: true}, nil
}

// fail records the outcome of a rejected operation and returns err.
func (e *Engine) fail(action model.ActionType, err error) error {
	result := "error"
	switch model.CodeOf(err) {
	case model.ErrConcurrentModification:
		result = "conflict"
		e.logger.Warn("step transition lost race", zap.String("action", string(action)), zap.Error(err))
	case model.ErrInvalidTransition, model.ErrStepsStillSnoozed, model.ErrValidationError:
		result = "rejected"
	case model.ErrNotFound:
		result = "not_found"
	default:
		e.logger.Error("step transition failed", zap.String("action", string(action)), zap.Error(err))
	}
	e.metrics.RecordStepTransition(string(action), result)
	return err
}

// emit notifies after commit. Delivery failures are logged; the transition
// has already happened.
func (e *Engine) emit(ctx context.Context, res TransitionResult, reason string) {
	ev := model.StepEvent{
		AccountID:  res.Instance.AccountID,
		InstanceID: res.Instance.ID,
		StepIndex:  res.Step.StepIndex,
		NewStatus:  res.Step.Status,
		Reason:     reason,
		OccurredAt: res.Step.UpdatedAt,
	}
	if err := e.notifier.Notify(ctx, ev); err != nil {
		e.metrics.RecordNotification("error")
		e.logger.Warn("step event delivery failed",
			zap.String("instance_id", ev.InstanceID),
			zap.Int("step_index", ev.StepIndex),
			zap.Error(err),
		)
		return
	}
	e.metrics.RecordNotification("ok")
}

func validateSnooze(until *time.Time, cond *model.Predicate, now time.Time) error {
	var details []model.FieldError
	if until == nil && cond == nil {
		details = append(details, model.FieldError{
			Field: "until", Code: "REQUIRED", Message: "a wake time or wake condition is required",
		})
	}
	if until != nil && !until.After(now) {
		details = append(details, model.FieldError{
			Field: "until", Code: "IN_PAST", Message: "wake time must be in the future",
		})
	}
	if cond != nil {
		if err := cond.Validate(); err != nil {
			details = append(details, model.FieldError{
				Field: "condition", Code: "INVALID", Message: err.Error(),
			})
		}
	}
	if len(details) > 0 {
		return model.NewValidationError(details)
	}
	return nil
}

func actorOr(actorID string) string {
	if actorID == "" {
		return model.SystemActor
	}
	return actorID
}
