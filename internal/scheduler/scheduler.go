// Package scheduler runs the portfolio cycle: score every account, turn
// scores into workflow triggers, instantiate the workflows that are not
// already open, then rank the whole open queue once.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/steward/internal/compose"
	"github.com/pitabwire/steward/internal/determination"
	"github.com/pitabwire/steward/internal/observability"
	"github.com/pitabwire/steward/internal/portfolio"
	"github.com/pitabwire/steward/internal/priority"
	"github.com/pitabwire/steward/internal/scoring"
	"github.com/pitabwire/steward/internal/workflow"
	"github.com/pitabwire/steward/model"
)

// Catalog resolves workflow definitions and the stage templates they
// reference.
type Catalog interface {
	compose.StageSource
	Workflow(id string) (model.WorkflowDefinition, bool)
}

// Scheduler owns every mutation a cycle makes. It holds no per-cycle state
// between runs.
type Scheduler struct {
	signals    portfolio.SignalStore
	scores     portfolio.ScoreStore
	engine     *workflow.Engine
	catalog    Catalog
	composer   *compose.Composer
	determiner *determination.Engine
	ranker     *priority.Scorer
	logger     *zap.Logger
	metrics    *observability.Metrics
	clock      func() time.Time

	concurrency    int
	accountTimeout time.Duration
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(s *Scheduler) { s.logger = l } }

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option { return func(s *Scheduler) { s.metrics = m } }

// WithClock sets the wall clock used for cycle timing.
func WithClock(fn func() time.Time) Option { return func(s *Scheduler) { s.clock = fn } }

// WithDeterminer replaces the default determination rules.
func WithDeterminer(d *determination.Engine) Option { return func(s *Scheduler) { s.determiner = d } }

// WithWeights sets the priority weights.
func WithWeights(w priority.Weights) Option {
	return func(s *Scheduler) { s.ranker = priority.NewScorer(w) }
}

// WithConcurrency bounds how many accounts are processed at once.
func WithConcurrency(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithAccountTimeout bounds the work done for a single account.
func WithAccountTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.accountTimeout = d
		}
	}
}

// New creates a scheduler.
func New(signals portfolio.SignalStore, scores portfolio.ScoreStore, engine *workflow.Engine, cat Catalog, opts ...Option) *Scheduler {
	s := &Scheduler{
		signals:        signals,
		scores:         scores,
		engine:         engine,
		catalog:        cat,
		composer:       compose.NewComposer(cat),
		determiner:     determination.NewEngine(),
		ranker:         priority.NewScorer(priority.DefaultWeights()),
		logger:         zap.NewNop(),
		clock:          time.Now,
		concurrency:    8,
		accountTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// accountResult is what one account contributes to the cycle report.
type accountResult struct {
	monitorOnly bool
	triggers    int
	created     int
	deduped     int
	failures    []model.AccountFailure
}

// RunCycle processes every account as of asOf. Accounts run in parallel and
// fail independently; their failures are listed in the report. Ranking runs
// once, after every account has finished. An error is returned only when
// the cycle as a whole could not run.
func (s *Scheduler) RunCycle(ctx context.Context, asOf time.Time) (report model.CycleReport, err error) {
	cycleID := uuid.NewString()
	started := s.clock()
	logger := observability.CycleLogger(s.logger, cycleID)

	ctx, span := observability.StartSpan(ctx, "scheduler.cycle", observability.AttrCycleID.String(cycleID))
	defer func() {
		observability.EndSpanWithError(span, err)
		result := "success"
		switch {
		case err != nil:
			result = "failed"
		case !report.Succeeded():
			result = "partial"
		}
		s.metrics.RecordCycle(result, s.clock().Sub(started))
	}()

	report = model.CycleReport{
		CycleID:   cycleID,
		AsOf:      asOf,
		StartedAt: started,
		Queue:     []model.RankedInstance{},
	}
	logger.Info("cycle started", zap.Time("as_of", asOf))

	accounts, err := s.signals.ListAccounts(ctx)
	if err != nil {
		logger.Error("listing accounts failed", zap.Error(err))
		return report, fmt.Errorf("scheduler: list accounts: %w", err)
	}

	results := make([]accountResult, len(accounts))
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i, accountID := range accounts {
		g.Go(func() error {
			results[i] = s.processAccount(ctx, logger, cycleID, accountID, asOf)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return report, fmt.Errorf("scheduler: cycle %s interrupted: %w", cycleID, err)
	}

	for _, r := range results {
		report.AccountsProcessed++
		if r.monitorOnly {
			report.AccountsMonitorOnly++
		}
		report.TriggersFired += r.triggers
		report.InstancesCreated += r.created
		report.InstancesDeduped += r.deduped
		report.Failures = append(report.Failures, r.failures...)
	}

	queue, err := s.rank(ctx)
	if err != nil {
		logger.Error("ranking failed", zap.Error(err))
		return report, err
	}
	report.Queue = queue
	report.Duration = s.clock().Sub(started)

	logger.Info("cycle finished",
		zap.Int("accounts", report.AccountsProcessed),
		zap.Int("monitor_only", report.AccountsMonitorOnly),
		zap.Int("triggers", report.TriggersFired),
		zap.Int("created", report.InstancesCreated),
		zap.Int("deduped", report.InstancesDeduped),
		zap.Int("failures", len(report.Failures)),
		zap.Int("queue_depth", len(report.Queue)),
		zap.Duration("duration", report.Duration),
	)
	return report, nil
}

// Queue ranks the open instances without running a cycle.
func (s *Scheduler) Queue(ctx context.Context, filters workflow.InstanceFilters) ([]model.RankedInstance, error) {
	open, err := s.engine.ListOpen(ctx, filters)
	if err != nil {
		return nil, fmt.Errorf("scheduler: list open instances: %w", err)
	}
	return s.ranker.Rank(open), nil
}

func (s *Scheduler) rank(ctx context.Context) ([]model.RankedInstance, error) {
	ranked, err := s.Queue(ctx, workflow.InstanceFilters{})
	if err != nil {
		return nil, err
	}
	if err := s.engine.SetPriorities(ctx, priority.Scores(ranked)); err != nil {
		return nil, fmt.Errorf("scheduler: persist priorities: %w", err)
	}
	s.metrics.SetQueueDepth(len(ranked))
	return ranked, nil
}

func (s *Scheduler) processAccount(ctx context.Context, logger *zap.Logger, cycleID, accountID string, asOf time.Time) accountResult {
	ctx, cancel := context.WithTimeout(ctx, s.accountTimeout)
	defer cancel()

	ctx, span := observability.StartSpan(ctx, "scheduler.account",
		observability.AttrCycleID.String(cycleID),
		observability.AttrAccountID.String(accountID),
	)
	res := s.runAccount(ctx, cycleID, accountID, asOf)
	var spanErr error
	if len(res.failures) > 0 {
		spanErr = errors.New(res.failures[0].Detail)
	}
	observability.EndSpanWithError(span, spanErr)

	outcome := "triggered"
	switch {
	case len(res.failures) > 0:
		outcome = "failed"
		for _, f := range res.failures {
			logger.Warn("account failed",
				zap.String("account_id", f.AccountID),
				zap.String("stage", f.Stage),
				zap.String("workflow_id", f.WorkflowID),
				zap.String("code", f.Code),
				zap.String("detail", f.Detail),
			)
		}
	case res.monitorOnly:
		outcome = "monitor_only"
	}
	s.metrics.RecordAccount(outcome)
	return res
}

func (s *Scheduler) runAccount(ctx context.Context, cycleID, accountID string, asOf time.Time) (res accountResult) {
	snap, err := s.signals.GetSnapshot(ctx, accountID)
	if err != nil {
		res.failures = append(res.failures, failure(ctx, accountID, "", model.FailureStageSignals, model.NewScoringFailure(accountID, err)))
		return res
	}

	// Renewal distances are measured from the cycle date.
	if !asOf.IsZero() {
		snap.TakenAt = asOf
	}
	scores := scoring.Score(accountID, &snap)
	if err := s.scores.SaveScores(ctx, scores); err != nil {
		res.failures = append(res.failures, failure(ctx, accountID, "", model.FailureStageScoring, model.NewScoringFailure(accountID, err)))
		return res
	}

	triggers := s.determiner.Determine(scores)
	if len(triggers) == 0 {
		res.monitorOnly = true
		return res
	}

	for _, trig := range triggers {
		res.triggers++
		s.metrics.RecordTrigger(string(trig.Kind))

		created, err := s.instantiate(ctx, cycleID, scores, &snap, trig)
		switch {
		case err != nil:
			res.failures = append(res.failures, failure(ctx, accountID, trig.WorkflowDefinitionID, model.FailureStageComposition,
				model.NewCompositionFailure(accountID, trig.WorkflowDefinitionID, err)))
		case created:
			res.created++
		default:
			res.deduped++
			s.metrics.RecordInstanceDeduped(trig.WorkflowDefinitionID)
		}
	}
	return res
}

// instantiate creates the instance for trig unless one is already open for
// the same account and definition. An open instance has its ranking inputs
// replaced with this cycle's instead.
func (s *Scheduler) instantiate(ctx context.Context, cycleID string, scores model.AccountScoreSet, snap *model.AccountSignalSnapshot, trig model.WorkflowTrigger) (bool, error) {
	existing, open, err := s.engine.OpenInstance(ctx, scores.AccountID, trig.WorkflowDefinitionID)
	if err != nil {
		return false, err
	}
	if open {
		if err := s.engine.RefreshSignals(ctx, existing.ID, SignalsFrom(scores)); err != nil {
			return false, err
		}
		return false, nil
	}

	def, ok := s.catalog.Workflow(trig.WorkflowDefinitionID)
	if !ok {
		return false, model.NewNotFoundError(fmt.Sprintf("workflow definition %q is not in the catalog", trig.WorkflowDefinitionID))
	}
	seeds, err := s.composer.Compose(def, compose.NewContext(scores, snap, trig))
	if err != nil {
		return false, err
	}
	_, err = s.engine.CreateInstance(ctx, workflow.NewInstance{
		AccountID: scores.AccountID,
		Trigger:   trig,
		Signals:   SignalsFrom(scores),
		CycleID:   cycleID,
		Steps:     seeds,
		ActorID:   model.SystemActor,
	})
	if model.HasCode(err, model.ErrConflict) {
		// A concurrent cycle opened the same work first.
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// SignalsFrom copies the ranking inputs of a score set onto an instance.
func SignalsFrom(scores model.AccountScoreSet) model.InstanceSignals {
	return model.InstanceSignals{
		ARR:           scores.ARR,
		DaysToRenewal: scores.DaysToRenewal,
		RenewalKnown:  scores.RenewalKnown(),
		HealthDelta:   scores.HealthDelta,
		UsageTrendPct: scores.UsageTrendPct,
		Strategic:     determination.IsStrategicPlan(scores.AccountPlan),
	}
}

// failure converts err into a report entry. Work cut short by the account
// deadline is reported under the timeout stage.
func failure(ctx context.Context, accountID, workflowID, stage string, err *model.ErrorEnvelope) model.AccountFailure {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		stage = model.FailureStageTimeout
	}
	return model.AccountFailure{
		AccountID:  accountID,
		Stage:      stage,
		WorkflowID: workflowID,
		Code:       err.Code,
		Detail:     err.Message,
	}
}
