// Package evaluator wakes snoozed steps whose wake time has passed or whose
// wake condition now holds. It is safe to run concurrently with user actions
// and with other evaluator passes: every wake is a compare-and-swap against
// the snoozed status, so a step is woken at most once.
package evaluator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/pitabwire/steward/internal/observability"
	"github.com/pitabwire/steward/internal/portfolio"
	"github.com/pitabwire/steward/internal/workflow"
	"github.com/pitabwire/steward/model"
)

// Wake reasons recorded on the action log and step events.
const (
	ReasonUntil     = "until"
	ReasonCondition = "condition"
)

// Woken identifies a step the pass returned to pending.
type Woken struct {
	AccountID  string `json:"account_id"`
	InstanceID string `json:"instance_id"`
	StepIndex  int    `json:"step_index"`
	Reason     string `json:"reason"`
}

// StepFailure is a step the pass could not evaluate or wake.
type StepFailure struct {
	InstanceID string `json:"instance_id"`
	StepIndex  int    `json:"step_index"`
	Code       string `json:"code"`
	Detail     string `json:"detail"`
}

// Report summarises one evaluator pass.
type Report struct {
	AsOf     time.Time     `json:"as_of"`
	Scanned  int           `json:"scanned"`
	Woken    []Woken       `json:"woken"`
	Raced    int           `json:"raced"`
	Failures []StepFailure `json:"failures,omitempty"`
	// Truncated is set when the pass stopped at its time budget. The
	// remaining steps are picked up by the next pass.
	Truncated bool          `json:"truncated"`
	Duration  time.Duration `json:"duration"`
}

// Evaluator scans snoozed steps and wakes the ones that are due.
type Evaluator struct {
	engine  *workflow.Engine
	scores  portfolio.ScoreStore
	events  portfolio.EventSource
	logger  *zap.Logger
	metrics *observability.Metrics
	clock   func() time.Time

	pageSize      int
	maxDuration   time.Duration
	retryAttempts uint64
	retryDelay    time.Duration
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(e *Evaluator) { e.logger = l } }

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option { return func(e *Evaluator) { e.metrics = m } }

// WithClock sets the wall clock used for the time budget.
func WithClock(fn func() time.Time) Option { return func(e *Evaluator) { e.clock = fn } }

// WithPageSize sets how many snoozed steps are read per page.
func WithPageSize(n int) Option {
	return func(e *Evaluator) {
		if n > 0 {
			e.pageSize = n
		}
	}
}

// WithMaxDuration bounds the wall-clock time of one pass. Zero means no
// bound.
func WithMaxDuration(d time.Duration) Option { return func(e *Evaluator) { e.maxDuration = d } }

// WithRetry sets how often a wake that lost a race is retried.
func WithRetry(attempts uint64, delay time.Duration) Option {
	return func(e *Evaluator) {
		e.retryAttempts = attempts
		e.retryDelay = delay
	}
}

// New creates an evaluator.
func New(engine *workflow.Engine, scores portfolio.ScoreStore, events portfolio.EventSource, opts ...Option) *Evaluator {
	e := &Evaluator{
		engine:        engine,
		scores:        scores,
		events:        events,
		logger:        zap.NewNop(),
		clock:         time.Now,
		pageSize:      200,
		retryAttempts: 3,
		retryDelay:    50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// EvaluateDue runs one pass over every snoozed step of every open instance.
func (e *Evaluator) EvaluateDue(ctx context.Context, now time.Time) (Report, error) {
	return e.pass(ctx, "", now)
}

// EvaluateAccount runs a pass restricted to one account. It is used after a
// business event is recorded so event conditions fire without waiting for
// the next scheduled pass.
func (e *Evaluator) EvaluateAccount(ctx context.Context, accountID string, now time.Time) (Report, error) {
	if accountID == "" {
		return Report{}, model.NewBadRequestError("account id is required")
	}
	return e.pass(ctx, accountID, now)
}

// Run evaluates on every tick until ctx is cancelled.
func (e *Evaluator) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := e.EvaluateDue(ctx, e.clock().UTC()); err != nil && ctx.Err() == nil {
				e.logger.Error("evaluator pass failed", zap.Error(err))
			}
		}
	}
}

func (e *Evaluator) pass(ctx context.Context, accountID string, now time.Time) (report Report, err error) {
	ctx, span := observability.StartSpan(ctx, "evaluator.pass",
		observability.AttrAccountID.String(accountID),
		attribute.String("steward.as_of", now.Format(time.RFC3339)),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	start := e.clock()
	report = Report{AsOf: now, Woken: []Woken{}}
	scoreCache := make(map[string]*model.AccountScoreSet)
	q := workflow.SnoozedQuery{AccountID: accountID, Limit: e.pageSize}

scan:
	for {
		page, err := e.engine.Snoozed(ctx, q)
		if err != nil {
			return report, fmt.Errorf("evaluator: list snoozed steps: %w", err)
		}
		for _, sn := range page {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			if e.maxDuration > 0 && e.clock().Sub(start) > e.maxDuration {
				report.Truncated = true
				break scan
			}
			report.Scanned++
			e.evaluateStep(ctx, sn, now, scoreCache, &report)
		}
		if len(page) < q.Limit {
			break
		}
		last := page[len(page)-1].Step
		q.AfterInstanceID, q.AfterStepIndex = last.InstanceID, last.StepIndex
	}

	report.Duration = e.clock().Sub(start)
	e.metrics.RecordEvaluatorPass(report.Duration, report.Truncated)
	e.logger.Info("evaluator pass finished",
		zap.String("account_id", accountID),
		zap.Int("scanned", report.Scanned),
		zap.Int("woken", len(report.Woken)),
		zap.Int("raced", report.Raced),
		zap.Int("failures", len(report.Failures)),
		zap.Bool("truncated", report.Truncated),
		zap.Duration("duration", report.Duration),
	)
	return report, nil
}

func (e *Evaluator) evaluateStep(ctx context.Context, sn workflow.SnoozedStep, now time.Time, cache map[string]*model.AccountScoreSet, report *Report) {
	step := sn.Step
	reason, due, err := e.due(ctx, sn.AccountID, step, now, cache)
	if err != nil {
		e.recordFailure(report, step, err)
		return
	}
	if !due {
		return
	}

	woke, err := e.wake(ctx, sn.AccountID, step, now, cache, reason)
	switch {
	case err != nil:
		e.recordFailure(report, step, err)
	case woke:
		e.metrics.RecordWake(reason)
		report.Woken = append(report.Woken, Woken{
			AccountID:  sn.AccountID,
			InstanceID: step.InstanceID,
			StepIndex:  step.StepIndex,
			Reason:     reason,
		})
	default:
		report.Raced++
	}
}

// due decides whether a snoozed step should wake and why. The wake time is
// checked first; either satisfied condition wakes the step.
func (e *Evaluator) due(ctx context.Context, accountID string, step model.StepState, now time.Time, cache map[string]*model.AccountScoreSet) (string, bool, error) {
	if step.SnoozeUntil != nil && !step.SnoozeUntil.After(now) {
		return ReasonUntil, true, nil
	}
	if step.SnoozeCondition == nil {
		return "", false, nil
	}
	facts, err := e.facts(ctx, accountID, step, cache)
	if err != nil {
		return "", false, err
	}
	if Satisfied(*step.SnoozeCondition, facts) {
		return ReasonCondition, true, nil
	}
	e.logger.Debug("wake condition not met",
		zap.String("instance_id", step.InstanceID),
		zap.Int("step_index", step.StepIndex),
		zap.Stringer("condition", step.SnoozeCondition),
	)
	return "", false, nil
}

func (e *Evaluator) facts(ctx context.Context, accountID string, step model.StepState, cache map[string]*model.AccountScoreSet) (Facts, error) {
	var facts Facts
	scores, ok := cache[accountID]
	if !ok {
		var err error
		if scores, err = e.latestScores(ctx, accountID); err != nil {
			return facts, err
		}
		cache[accountID] = scores
	}
	facts.Scores = scores

	if needsEvents(*step.SnoozeCondition) {
		events, err := e.events.EventsSince(ctx, accountID, snoozedSince(step))
		if err != nil {
			return facts, fmt.Errorf("evaluator: events for %s: %w", accountID, err)
		}
		facts.Events = events
	}
	return facts, nil
}

func (e *Evaluator) latestScores(ctx context.Context, accountID string) (*model.AccountScoreSet, error) {
	s, err := e.scores.LatestScores(ctx, accountID)
	if model.HasCode(err, model.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("evaluator: scores for %s: %w", accountID, err)
	}
	return &s, nil
}

// wake applies the wake transition. A lost race re-reads the step: if it is
// no longer snoozed, or no longer due, someone else has dealt with it and
// wake reports false.
func (e *Evaluator) wake(ctx context.Context, accountID string, step model.StepState, now time.Time, cache map[string]*model.AccountScoreSet, reason string) (bool, error) {
	woke := false
	backoff := retry.WithMaxRetries(e.retryAttempts, retry.NewConstant(e.retryDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		res, err := e.engine.Wake(ctx, workflow.StepCommand{
			InstanceID:     step.InstanceID,
			StepIndex:      step.StepIndex,
			ActorID:        model.SystemActor,
			Reason:         reason,
			ExpectedStatus: model.StepStatusSnoozed,
		})
		if err == nil {
			woke = res.Changed
			return nil
		}
		if !model.HasCode(err, model.ErrConcurrentModification) {
			return err
		}

		cur, gerr := e.engine.Step(ctx, step.InstanceID, step.StepIndex)
		if gerr != nil {
			return gerr
		}
		if cur.Status != model.StepStatusSnoozed {
			return nil
		}
		// Re-snoozed underneath us; only retry if it is still due.
		if _, stillDue, derr := e.due(ctx, accountID, cur, now, cache); derr != nil || !stillDue {
			return derr
		}
		return retry.RetryableError(err)
	})
	return woke, err
}

func (e *Evaluator) recordFailure(report *Report, step model.StepState, err error) {
	var env *model.ErrorEnvelope
	detail := err.Error()
	if errors.As(err, &env) {
		detail = env.Message
	}
	report.Failures = append(report.Failures, StepFailure{
		InstanceID: step.InstanceID,
		StepIndex:  step.StepIndex,
		Code:       model.CodeOf(err),
		Detail:     detail,
	})
	e.logger.Warn("snoozed step evaluation failed",
		zap.String("instance_id", step.InstanceID),
		zap.Int("step_index", step.StepIndex),
		zap.Error(err),
	)
}

// snoozedSince is the start of the window event conditions look at.
func snoozedSince(step model.StepState) time.Time {
	if step.SnoozedAt != nil {
		return *step.SnoozedAt
	}
	return step.UpdatedAt
}
