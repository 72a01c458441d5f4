package portfolio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/steward/model"
)

// Schema is the PostgreSQL DDL for the portfolio tables. It is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS account_snapshots (
	account_id TEXT PRIMARY KEY,
	taken_at   TIMESTAMPTZ NOT NULL,
	snapshot   JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS account_scores (
	account_id  TEXT NOT NULL,
	computed_at TIMESTAMPTZ NOT NULL,
	scores      JSONB NOT NULL,
	PRIMARY KEY (account_id, computed_at)
);

CREATE TABLE IF NOT EXISTS business_events (
	id          TEXT PRIMARY KEY,
	account_id  TEXT NOT NULL,
	name        TEXT NOT NULL,
	data        JSONB,
	occurred_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS business_events_account_idx ON business_events (account_id, occurred_at);
`

// PgStore is the PostgreSQL adapter for SignalStore, ScoreStore and
// EventSource. Snapshots and score sets are stored as JSONB documents.
type PgStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPgStore creates a PostgreSQL portfolio store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool, now: func() time.Time { return time.Now().UTC() }}
}

// Migrate creates the portfolio tables if they do not exist.
func (s *PgStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate portfolio schema: %w", err)
	}
	return nil
}

// PutSnapshot upserts the snapshot for its account. Older snapshots never
// replace newer ones.
func (s *PgStore) PutSnapshot(ctx context.Context, snap model.AccountSignalSnapshot) error {
	doc, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO account_snapshots (account_id, taken_at, snapshot)
		VALUES ($1, $2, $3)
		ON CONFLICT (account_id) DO UPDATE
			SET taken_at = EXCLUDED.taken_at, snapshot = EXCLUDED.snapshot
			WHERE account_snapshots.taken_at <= EXCLUDED.taken_at`,
		snap.AccountID, snap.TakenAt, doc)
	if err != nil {
		return fmt.Errorf("upsert snapshot %s: %w", snap.AccountID, err)
	}
	return nil
}

// ListAccounts implements SignalStore.
func (s *PgStore) ListAccounts(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT account_id FROM account_snapshots ORDER BY account_id`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	return ids, nil
}

// GetSnapshot implements SignalStore.
func (s *PgStore) GetSnapshot(ctx context.Context, accountID string) (model.AccountSignalSnapshot, error) {
	var snap model.AccountSignalSnapshot
	err := s.scanDocument(ctx, &snap,
		`SELECT snapshot FROM account_snapshots WHERE account_id = $1`, accountID)
	if errors.Is(err, pgx.ErrNoRows) {
		return snap, model.NewNotFoundError(fmt.Sprintf("no signal snapshot for account %q", accountID))
	}
	if err != nil {
		return snap, fmt.Errorf("get snapshot %s: %w", accountID, err)
	}
	return snap, nil
}

// SaveScores implements ScoreStore. History is kept; LatestScores reads the
// newest row.
func (s *PgStore) SaveScores(ctx context.Context, scores model.AccountScoreSet) error {
	doc, err := json.Marshal(scores)
	if err != nil {
		return fmt.Errorf("marshal scores: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO account_scores (account_id, computed_at, scores)
		VALUES ($1, $2, $3)
		ON CONFLICT (account_id, computed_at) DO UPDATE SET scores = EXCLUDED.scores`,
		scores.AccountID, scores.ComputedAt, doc)
	if err != nil {
		return fmt.Errorf("save scores %s: %w", scores.AccountID, err)
	}
	return nil
}

// LatestScores implements ScoreStore.
func (s *PgStore) LatestScores(ctx context.Context, accountID string) (model.AccountScoreSet, error) {
	var scores model.AccountScoreSet
	err := s.scanDocument(ctx, &scores, `
		SELECT scores FROM account_scores
		WHERE account_id = $1
		ORDER BY computed_at DESC
		LIMIT 1`, accountID)
	if errors.Is(err, pgx.ErrNoRows) {
		return scores, model.NewNotFoundError(fmt.Sprintf("account %q has not been scored", accountID))
	}
	if err != nil {
		return scores, fmt.Errorf("latest scores %s: %w", accountID, err)
	}
	return scores, nil
}

// EventsSince implements EventSource.
func (s *PgStore) EventsSince(ctx context.Context, accountID string, since time.Time) ([]model.BusinessEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, account_id, name, data, occurred_at
		FROM business_events
		WHERE account_id = $1 AND occurred_at >= $2
		ORDER BY occurred_at, id`, accountID, since)
	if err != nil {
		return nil, fmt.Errorf("events since: %w", err)
	}
	defer rows.Close()

	var out []model.BusinessEvent
	for rows.Next() {
		var ev model.BusinessEvent
		var data []byte
		if err := rows.Scan(&ev.ID, &ev.AccountID, &ev.Name, &data, &ev.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &ev.Data); err != nil {
				return nil, fmt.Errorf("decode event %s data: %w", ev.ID, err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// RecordEvent implements EventSource.
func (s *PgStore) RecordEvent(ctx context.Context, ev model.BusinessEvent) (model.BusinessEvent, error) {
	ev, err := normaliseEvent(ev, s.now)
	if err != nil {
		return model.BusinessEvent{}, err
	}
	var data []byte
	if ev.Data != nil {
		if data, err = json.Marshal(ev.Data); err != nil {
			return model.BusinessEvent{}, fmt.Errorf("marshal event data: %w", err)
		}
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO business_events (id, account_id, name, data, occurred_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING`,
		ev.ID, ev.AccountID, ev.Name, data, ev.OccurredAt)
	if err != nil {
		return model.BusinessEvent{}, fmt.Errorf("record event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.BusinessEvent{}, model.NewConflictError(fmt.Sprintf("business event %q already recorded", ev.ID))
	}
	return ev, nil
}

// HealthCheck pings the database.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PgStore) scanDocument(ctx context.Context, dst any, query string, args ...any) error {
	var doc []byte
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&doc); err != nil {
		return err
	}
	return json.Unmarshal(doc, dst)
}

var (
	_ SignalStore = (*PgStore)(nil)
	_ ScoreStore  = (*PgStore)(nil)
	_ EventSource = (*PgStore)(nil)
)
