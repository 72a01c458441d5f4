package portfolio

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pitabwire/steward/model"
)

// MemoryStore keeps snapshots, scores and events in process. It implements
// SignalStore, ScoreStore and EventSource.
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string]model.AccountSignalSnapshot
	scores    map[string]model.AccountScoreSet
	events    map[string][]model.BusinessEvent
	now       func() time.Time
}

// NewMemoryStore creates a store seeded with snapshots.
func NewMemoryStore(snapshots ...model.AccountSignalSnapshot) *MemoryStore {
	s := &MemoryStore{
		snapshots: make(map[string]model.AccountSignalSnapshot),
		scores:    make(map[string]model.AccountScoreSet),
		events:    make(map[string][]model.BusinessEvent),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, snap := range snapshots {
		s.snapshots[snap.AccountID] = snap
	}
	return s
}

// PutSnapshot replaces the snapshot for its account.
func (s *MemoryStore) PutSnapshot(snap model.AccountSignalSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snap.AccountID] = snap
}

// ListAccounts implements SignalStore.
func (s *MemoryStore) ListAccounts(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.snapshots)), nil
}

// GetSnapshot implements SignalStore.
func (s *MemoryStore) GetSnapshot(_ context.Context, accountID string) (model.AccountSignalSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[accountID]
	if !ok {
		return model.AccountSignalSnapshot{}, model.NewNotFoundError(fmt.Sprintf("no signal snapshot for account %q", accountID))
	}
	snap.Owner = maps.Clone(snap.Owner)
	return snap, nil
}

// SaveScores implements ScoreStore. Only the latest set is kept.
func (s *MemoryStore) SaveScores(_ context.Context, scores model.AccountScoreSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scores[scores.AccountID] = scores
	return nil
}

// LatestScores implements ScoreStore.
func (s *MemoryStore) LatestScores(_ context.Context, accountID string) (model.AccountScoreSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	scores, ok := s.scores[accountID]
	if !ok {
		return model.AccountScoreSet{}, model.NewNotFoundError(fmt.Sprintf("account %q has not been scored", accountID))
	}
	return scores, nil
}

// EventsSince implements EventSource.
func (s *MemoryStore) EventsSince(_ context.Context, accountID string, since time.Time) ([]model.BusinessEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.BusinessEvent
	for _, ev := range s.events[accountID] {
		if !ev.OccurredAt.Before(since) {
			out = append(out, ev)
		}
	}
	return out, nil
}

// RecordEvent implements EventSource.
func (s *MemoryStore) RecordEvent(_ context.Context, ev model.BusinessEvent) (model.BusinessEvent, error) {
	ev, err := normaliseEvent(ev, s.now)
	if err != nil {
		return model.BusinessEvent{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.events[ev.AccountID] {
		if existing.ID == ev.ID {
			return model.BusinessEvent{}, model.NewConflictError(fmt.Sprintf("business event %q already recorded", ev.ID))
		}
	}
	list := append(s.events[ev.AccountID], ev)
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].OccurredAt.Before(list[j].OccurredAt)
	})
	s.events[ev.AccountID] = list
	return ev, nil
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

func normaliseEvent(ev model.BusinessEvent, now func() time.Time) (model.BusinessEvent, error) {
	ev.Name = strings.TrimSpace(ev.Name)
	var details []model.FieldError
	if ev.AccountID == "" {
		details = append(details, model.FieldError{Field: "account_id", Code: "REQUIRED", Message: "account id is required"})
	}
	if ev.Name == "" {
		details = append(details, model.FieldError{Field: "name", Code: "REQUIRED", Message: "event name is required"})
	}
	if len(details) > 0 {
		return model.BusinessEvent{}, model.NewValidationError(details)
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = now()
	}
	ev.OccurredAt = ev.OccurredAt.UTC()
	return ev, nil
}

var (
	_ SignalStore = (*MemoryStore)(nil)
	_ ScoreStore  = (*MemoryStore)(nil)
	_ EventSource = (*MemoryStore)(nil)
)
