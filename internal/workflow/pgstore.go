package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/steward/model"
)

// Schema is the PostgreSQL DDL for the workflow tables. It is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS workflow_instances (
	id                     TEXT PRIMARY KEY,
	account_id             TEXT NOT NULL,
	workflow_definition_id TEXT NOT NULL,
	trigger                JSONB NOT NULL,
	signals                JSONB NOT NULL,
	priority_score         DOUBLE PRECISION NOT NULL DEFAULT 0,
	cycle_id               TEXT NOT NULL DEFAULT '',
	total_steps            INTEGER NOT NULL,
	status                 TEXT NOT NULL,
	has_snoozed_steps      BOOLEAN NOT NULL DEFAULT FALSE,
	next_due_date          TIMESTAMPTZ,
	created_at             TIMESTAMPTZ NOT NULL,
	updated_at             TIMESTAMPTZ NOT NULL,
	completed_at           TIMESTAMPTZ,
	version                INTEGER NOT NULL DEFAULT 1
);
DROP INDEX IF EXISTS workflow_instances_open_idx;
CREATE UNIQUE INDEX IF NOT EXISTS workflow_instances_open_key
	ON workflow_instances (account_id, workflow_definition_id) WHERE status = 'in_progress';

CREATE TABLE IF NOT EXISTS workflow_steps (
	instance_id      TEXT NOT NULL REFERENCES workflow_instances (id) ON DELETE CASCADE,
	step_index       INTEGER NOT NULL,
	stage_id         TEXT NOT NULL,
	title            TEXT NOT NULL,
	content          TEXT NOT NULL,
	config           JSONB,
	status           TEXT NOT NULL,
	snooze_until     TIMESTAMPTZ,
	snooze_condition JSONB,
	snoozed_at       TIMESTAMPTZ,
	started_at       TIMESTAMPTZ,
	completed_at     TIMESTAMPTZ,
	skipped_at       TIMESTAMPTZ,
	escalated_at     TIMESTAMPTZ,
	updated_at       TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (instance_id, step_index),
	CHECK (status <> 'snoozed' OR snooze_until IS NOT NULL OR snooze_condition IS NOT NULL)
);
CREATE INDEX IF NOT EXISTS workflow_steps_snoozed_idx
	ON workflow_steps (instance_id, step_index) WHERE status = 'snoozed';

CREATE TABLE IF NOT EXISTS step_actions (
	seq             BIGSERIAL PRIMARY KEY,
	id              TEXT NOT NULL UNIQUE,
	instance_id     TEXT NOT NULL REFERENCES workflow_instances (id) ON DELETE CASCADE,
	step_index      INTEGER NOT NULL,
	actor_id        TEXT NOT NULL,
	action_type     TEXT NOT NULL,
	previous_status TEXT NOT NULL DEFAULT '',
	new_status      TEXT NOT NULL,
	reason          TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS step_actions_instance_idx ON step_actions (instance_id, seq);
`

const instanceColumns = `id, account_id, workflow_definition_id, trigger, signals,
	priority_score, cycle_id, total_steps, status, has_snoozed_steps,
	next_due_date, created_at, updated_at, completed_at, version`

const stepColumns = `instance_id, step_index, stage_id, title, content, config,
	status, snooze_until, snooze_condition, snoozed_at, started_at,
	completed_at, skipped_at, escalated_at, updated_at`

const (
	pgUniqueViolation = "23505"
	openInstanceKey   = "workflow_instances_open_key"
)

// PgStore is a PostgreSQL-backed Store using pgx/v5. Transitions lock the
// instance row and compare-and-swap step status in the UPDATE predicate.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL workflow store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Migrate creates the workflow tables if they do not exist.
func (s *PgStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate workflow schema: %w", err)
	}
	return nil
}

// CreateInstance inserts an instance, its steps and actions in one
// transaction.
func (s *PgStore) CreateInstance(ctx context.Context, inst model.WorkflowInstance, steps []model.StepState, actions []model.StepAction) error {
	triggerJSON, err := json.Marshal(inst.Trigger)
	if err != nil {
		return fmt.Errorf("marshal trigger: %w", err)
	}
	signalsJSON, err := json.Marshal(inst.Signals)
	if err != nil {
		return fmt.Errorf("marshal signals: %w", err)
	}
	inst.HasSnoozedSteps, inst.NextDueDate = deriveSnoozeCache(steps)

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx, `
		INSERT INTO workflow_instances (`+instanceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO NOTHING`,
		inst.ID, inst.AccountID, inst.WorkflowDefinitionID, triggerJSON, signalsJSON,
		inst.PriorityScore, inst.CycleID, inst.TotalSteps, inst.Status, inst.HasSnoozedSteps,
		inst.NextDueDate, inst.CreatedAt, inst.UpdatedAt, inst.CompletedAt, inst.Version,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == openInstanceKey {
		return model.NewConflictError(fmt.Sprintf(
			"account %q already has an open workflow instance of %q", inst.AccountID, inst.WorkflowDefinitionID,
		))
	}
	if err != nil {
		return fmt.Errorf("insert workflow instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(fmt.Sprintf("workflow instance %q already exists", inst.ID))
	}

	for _, st := range steps {
		cfgJSON, condJSON, err := marshalStepJSON(st)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO workflow_steps (`+stepColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
			inst.ID, st.StepIndex, st.StageID, st.Title, st.Content, cfgJSON,
			string(st.Status), st.SnoozeUntil, condJSON, st.SnoozedAt, st.StartedAt,
			st.CompletedAt, st.SkippedAt, st.EscalatedAt, st.UpdatedAt,
		); err != nil {
			return fmt.Errorf("insert workflow step: %w", err)
		}
	}
	if err := insertPgActions(ctx, tx, actions); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetInstance retrieves an instance by id.
func (s *PgStore) GetInstance(ctx context.Context, instanceID string) (model.WorkflowInstance, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+instanceColumns+` FROM workflow_instances WHERE id = $1`, instanceID)
	inst, err := scanInstance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowInstance{}, model.NewNotFoundError(fmt.Sprintf("workflow instance %q not found", instanceID))
	}
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("query workflow instance: %w", err)
	}
	return inst, nil
}

// GetSteps returns the steps of an instance ordered by index.
func (s *PgStore) GetSteps(ctx context.Context, instanceID string) ([]model.StepState, error) {
	if _, err := s.GetInstance(ctx, instanceID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+stepColumns+` FROM workflow_steps
		WHERE instance_id = $1 ORDER BY step_index`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("query workflow steps: %w", err)
	}
	defer rows.Close()

	var steps []model.StepState
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// GetStep returns one step.
func (s *PgStore) GetStep(ctx context.Context, instanceID string, stepIndex int) (model.StepState, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+stepColumns+` FROM workflow_steps
		WHERE instance_id = $1 AND step_index = $2`, instanceID, stepIndex)
	st, err := scanStep(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.StepState{}, model.NewNotFoundError(
			fmt.Sprintf("step %d of workflow instance %q not found", stepIndex, instanceID),
		)
	}
	return st, err
}

// GetActions returns the action log of an instance in insertion order.
func (s *PgStore) GetActions(ctx context.Context, instanceID string) ([]model.StepAction, error) {
	if _, err := s.GetInstance(ctx, instanceID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, instance_id, step_index, actor_id, action_type,
		       previous_status, new_status, reason, created_at
		FROM step_actions WHERE instance_id = $1 ORDER BY seq`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("query step actions: %w", err)
	}
	defer rows.Close()

	var out []model.StepAction
	for rows.Next() {
		var a model.StepAction
		var actionType, prev, next string
		if err := rows.Scan(&a.ID, &a.InstanceID, &a.StepIndex, &a.ActorID, &actionType,
			&prev, &next, &a.Reason, &a.Timestamp); err != nil {
			return nil, fmt.Errorf("scan step action: %w", err)
		}
		a.ActionType = model.ActionType(actionType)
		a.PreviousStatus = model.StepStatus(prev)
		a.NewStatus = model.StepStatus(next)
		out = append(out, a)
	}
	return out, rows.Err()
}

// ApplyTransition performs the compare-and-swap described on Store.
func (s *PgStore) ApplyTransition(ctx context.Context, t Transition) (model.WorkflowInstance, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := lockOpenInstance(ctx, tx, t.InstanceID); err != nil {
		return model.WorkflowInstance{}, err
	}

	for _, c := range t.Changes {
		st := c.Next
		cfgJSON, condJSON, err := marshalStepJSON(st)
		if err != nil {
			return model.WorkflowInstance{}, err
		}
		tag, err := tx.Exec(ctx, `
			UPDATE workflow_steps SET
				status = $3, config = $4, snooze_until = $5, snooze_condition = $6,
				snoozed_at = $7, started_at = $8, completed_at = $9, skipped_at = $10,
				escalated_at = $11, updated_at = $12
			WHERE instance_id = $1 AND step_index = $2 AND status = $13`,
			t.InstanceID, st.StepIndex,
			string(st.Status), cfgJSON, st.SnoozeUntil, condJSON,
			st.SnoozedAt, st.StartedAt, st.CompletedAt, st.SkippedAt,
			st.EscalatedAt, st.UpdatedAt, string(c.Expected),
		)
		if err != nil {
			return model.WorkflowInstance{}, fmt.Errorf("update workflow step: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return model.WorkflowInstance{}, s.casFailure(ctx, tx, t.InstanceID, st.StepIndex, c.Expected)
		}
	}
	if err := insertPgActions(ctx, tx, t.Actions); err != nil {
		return model.WorkflowInstance{}, err
	}

	row := tx.QueryRow(ctx, `
		UPDATE workflow_instances SET
			has_snoozed_steps = EXISTS (
				SELECT 1 FROM workflow_steps WHERE instance_id = $1 AND status = 'snoozed'),
			next_due_date = (
				SELECT MIN(snooze_until) FROM workflow_steps WHERE instance_id = $1 AND status = 'snoozed'),
			version = version + 1,
			updated_at = $2
		WHERE id = $1
		RETURNING `+instanceColumns, t.InstanceID, t.At)
	inst, err := scanInstance(row)
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("update workflow instance: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("commit: %w", err)
	}
	return inst, nil
}

// CompleteInstance applies the completion guard and marks the instance
// completed.
func (s *PgStore) CompleteInstance(ctx context.Context, instanceID string, action model.StepAction) (model.WorkflowInstance, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := lockOpenInstance(ctx, tx, instanceID); err != nil {
		return model.WorkflowInstance{}, err
	}

	rows, err := tx.Query(ctx, `SELECT step_index, status FROM workflow_steps WHERE instance_id = $1 ORDER BY step_index`, instanceID)
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("query workflow steps: %w", err)
	}
	var steps []model.StepState
	for rows.Next() {
		var st model.StepState
		var status string
		if err := rows.Scan(&st.StepIndex, &status); err != nil {
			rows.Close()
			return model.WorkflowInstance{}, fmt.Errorf("scan workflow step: %w", err)
		}
		st.Status = model.StepStatus(status)
		steps = append(steps, st)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("query workflow steps: %w", err)
	}
	if err := completionBlockers(instanceID, steps); err != nil {
		return model.WorkflowInstance{}, err
	}

	if err := insertPgActions(ctx, tx, []model.StepAction{action}); err != nil {
		return model.WorkflowInstance{}, err
	}
	row := tx.QueryRow(ctx, `
		UPDATE workflow_instances SET
			status = $2, completed_at = $3, updated_at = $3,
			has_snoozed_steps = FALSE, next_due_date = NULL,
			version = version + 1
		WHERE id = $1
		RETURNING `+instanceColumns, instanceID, model.InstanceStatusCompleted, action.Timestamp)
	inst, err := scanInstance(row)
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("complete workflow instance: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("commit: %w", err)
	}
	return inst, nil
}

// FindSnoozed returns a page of snoozed steps of in-progress instances.
func (s *PgStore) FindSnoozed(ctx context.Context, q SnoozedQuery) ([]SnoozedStep, error) {
	var limit any
	if q.Limit > 0 {
		limit = q.Limit
	}
	rows, err := s.pool.Query(ctx, `
		SELECT i.account_id, `+prefixColumns("s", stepColumns)+`
		FROM workflow_steps s
		JOIN workflow_instances i ON i.id = s.instance_id
		WHERE s.status = 'snoozed' AND i.status = 'in_progress'
		  AND ($1 = '' OR i.account_id = $1)
		  AND ($2 = '' OR (s.instance_id, s.step_index) > ($2, $3))
		ORDER BY s.instance_id, s.step_index
		LIMIT $4`,
		q.AccountID, q.AfterInstanceID, q.AfterStepIndex, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query snoozed steps: %w", err)
	}
	defer rows.Close()

	var out []SnoozedStep
	for rows.Next() {
		var account string
		st, err := scanStep(rows, &account)
		if err != nil {
			return nil, err
		}
		out = append(out, SnoozedStep{AccountID: account, Step: st})
	}
	return out, rows.Err()
}

// FindOpen returns in-progress instances, oldest first.
func (s *PgStore) FindOpen(ctx context.Context, filters InstanceFilters) ([]model.WorkflowInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM workflow_instances WHERE status = 'in_progress'`
	var args []any
	argIdx := 1

	if filters.AccountID != "" {
		query += fmt.Sprintf(" AND account_id = $%d", argIdx)
		args = append(args, filters.AccountID)
		argIdx++
	}
	if filters.WorkflowDefinitionID != "" {
		query += fmt.Sprintf(" AND workflow_definition_id = $%d", argIdx)
		args = append(args, filters.WorkflowDefinitionID)
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query workflow instances: %w", err)
	}
	defer rows.Close()

	var out []model.WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow instance: %w", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// UpdatePriorities writes all scores in one statement.
func (s *PgStore) UpdatePriorities(ctx context.Context, scores map[string]float64) error {
	if len(scores) == 0 {
		return nil
	}
	ids := make([]string, 0, len(scores))
	vals := make([]float64, 0, len(scores))
	for id, v := range scores {
		ids = append(ids, id)
		vals = append(vals, v)
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE workflow_instances AS i SET priority_score = v.score
		FROM unnest($1::text[], $2::double precision[]) AS v(id, score)
		WHERE i.id = v.id`, ids, vals)
	if err != nil {
		return fmt.Errorf("update priorities: %w", err)
	}
	return nil
}

// UpdateSignals replaces the signals column of one instance.
func (s *PgStore) UpdateSignals(ctx context.Context, instanceID string, signals model.InstanceSignals) error {
	signalsJSON, err := json.Marshal(signals)
	if err != nil {
		return fmt.Errorf("marshal signals: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `UPDATE workflow_instances SET signals = $2 WHERE id = $1`, instanceID, signalsJSON)
	if err != nil {
		return fmt.Errorf("update signals: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("workflow instance %q not found", instanceID))
	}
	return nil
}

// HealthCheck pings the database.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// casFailure distinguishes a missing step from a lost race.
func (s *PgStore) casFailure(ctx context.Context, tx pgx.Tx, instanceID string, stepIndex int, expected model.StepStatus) error {
	var current string
	err := tx.QueryRow(ctx, `SELECT status FROM workflow_steps WHERE instance_id = $1 AND step_index = $2`,
		instanceID, stepIndex).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.NewNotFoundError(fmt.Sprintf("step %d of workflow instance %q not found", stepIndex, instanceID))
	}
	if err != nil {
		return fmt.Errorf("query workflow step: %w", err)
	}
	return model.NewConcurrentModificationError(
		fmt.Sprintf("step %d changed from %s to %s while the request was in flight", stepIndex, expected, current),
	)
}

func lockOpenInstance(ctx context.Context, tx pgx.Tx, instanceID string) error {
	var status string
	err := tx.QueryRow(ctx, `SELECT status FROM workflow_instances WHERE id = $1 FOR UPDATE`, instanceID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.NewNotFoundError(fmt.Sprintf("workflow instance %q not found", instanceID))
	}
	if err != nil {
		return fmt.Errorf("lock workflow instance: %w", err)
	}
	if status != model.InstanceStatusInProgress {
		return model.NewInvalidTransitionError(fmt.Sprintf("workflow instance %q is %s", instanceID, status))
	}
	return nil
}

func insertPgActions(ctx context.Context, tx pgx.Tx, actions []model.StepAction) error {
	for _, a := range actions {
		if _, err := tx.Exec(ctx, `
			INSERT INTO step_actions (
				id, instance_id, step_index, actor_id, action_type,
				previous_status, new_status, reason, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			a.ID, a.InstanceID, a.StepIndex, a.ActorID, string(a.ActionType),
			string(a.PreviousStatus), string(a.NewStatus), a.Reason, a.Timestamp,
		); err != nil {
			return fmt.Errorf("insert step action: %w", err)
		}
	}
	return nil
}

func marshalStepJSON(st model.StepState) (cfg, cond []byte, err error) {
	if st.Config != nil {
		if cfg, err = json.Marshal(st.Config); err != nil {
			return nil, nil, fmt.Errorf("marshal step config: %w", err)
		}
	}
	if st.SnoozeCondition != nil {
		if cond, err = json.Marshal(st.SnoozeCondition); err != nil {
			return nil, nil, fmt.Errorf("marshal snooze condition: %w", err)
		}
	}
	return cfg, cond, nil
}

func scanInstance(row pgx.Row) (model.WorkflowInstance, error) {
	var inst model.WorkflowInstance
	var triggerJSON, signalsJSON []byte
	if err := row.Scan(
		&inst.ID, &inst.AccountID, &inst.WorkflowDefinitionID, &triggerJSON, &signalsJSON,
		&inst.PriorityScore, &inst.CycleID, &inst.TotalSteps, &inst.Status, &inst.HasSnoozedSteps,
		&inst.NextDueDate, &inst.CreatedAt, &inst.UpdatedAt, &inst.CompletedAt, &inst.Version,
	); err != nil {
		return model.WorkflowInstance{}, err
	}
	if err := json.Unmarshal(triggerJSON, &inst.Trigger); err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("unmarshal trigger: %w", err)
	}
	if err := json.Unmarshal(signalsJSON, &inst.Signals); err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("unmarshal signals: %w", err)
	}
	return inst, nil
}

// scanStep scans the step columns, preceded by any extra destinations.
func scanStep(row pgx.Row, extra ...any) (model.StepState, error) {
	var st model.StepState
	var status string
	var cfgJSON, condJSON []byte
	dest := append(extra,
		&st.InstanceID, &st.StepIndex, &st.StageID, &st.Title, &st.Content, &cfgJSON,
		&status, &st.SnoozeUntil, &condJSON, &st.SnoozedAt, &st.StartedAt,
		&st.CompletedAt, &st.SkippedAt, &st.EscalatedAt, &st.UpdatedAt,
	)
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.StepState{}, err
		}
		return model.StepState{}, fmt.Errorf("scan workflow step: %w", err)
	}
	st.Status = model.StepStatus(status)
	if cfgJSON != nil {
		if err := json.Unmarshal(cfgJSON, &st.Config); err != nil {
			return model.StepState{}, fmt.Errorf("unmarshal step config: %w", err)
		}
	}
	if condJSON != nil {
		st.SnoozeCondition = &model.Predicate{}
		if err := json.Unmarshal(condJSON, st.SnoozeCondition); err != nil {
			return model.StepState{}, fmt.Errorf("unmarshal snooze condition: %w", err)
		}
	}
	return st, nil
}

func prefixColumns(alias, cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

var _ Store = (*PgStore)(nil)
