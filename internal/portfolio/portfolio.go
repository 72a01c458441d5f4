// Package portfolio holds the adapters to the account-facing side of the
// system: signal snapshots supplied by ingestion, the score sets derived from
// them each cycle, and the business events wake conditions listen for.
package portfolio

import (
	"context"
	"time"

	"github.com/pitabwire/steward/model"
)

// SignalStore supplies the latest signal snapshot per account.
type SignalStore interface {
	// ListAccounts returns every tracked account id in a stable order.
	ListAccounts(ctx context.Context) ([]string, error)
	// GetSnapshot returns NOT_FOUND when the account has no snapshot.
	GetSnapshot(ctx context.Context, accountID string) (model.AccountSignalSnapshot, error)
}

// ScoreStore persists the score set computed for each account.
type ScoreStore interface {
	SaveScores(ctx context.Context, scores model.AccountScoreSet) error
	// LatestScores returns NOT_FOUND when no cycle has scored the account.
	LatestScores(ctx context.Context, accountID string) (model.AccountScoreSet, error)
}

// EventSource records business events and answers which happened since a
// point in time.
type EventSource interface {
	// EventsSince returns events with OccurredAt >= since, oldest first.
	EventsSince(ctx context.Context, accountID string, since time.Time) ([]model.BusinessEvent, error)
	// RecordEvent stores ev, assigning an id and timestamp when missing.
	RecordEvent(ctx context.Context, ev model.BusinessEvent) (model.BusinessEvent, error)
}
