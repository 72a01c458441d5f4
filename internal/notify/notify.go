// Package notify delivers step events (wakes and escalations) to the
// collaborators that route them to people. The scheduling core never sends
// messages itself.
package notify

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/pitabwire/steward/model"
)

// Notifier receives step events after the transition that produced them has
// been committed.
type Notifier interface {
	Notify(ctx context.Context, ev model.StepEvent) error
}

// Nop discards every event.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(context.Context, model.StepEvent) error { return nil }

// LogNotifier writes events to a zap logger. It is the default for
// deployments without a message broker.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a notifier that logs at info level.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(_ context.Context, ev model.StepEvent) error {
	n.logger.Info("step event",
		zap.String("account_id", ev.AccountID),
		zap.String("instance_id", ev.InstanceID),
		zap.Int("step_index", ev.StepIndex),
		zap.String("new_status", string(ev.NewStatus)),
		zap.String("reason", ev.Reason),
		zap.Time("occurred_at", ev.OccurredAt),
	)
	return nil
}

// Recorder keeps events in memory. Tests use it to assert on emitted
// events.
type Recorder struct {
	mu     sync.Mutex
	events []model.StepEvent
}

// Notify implements Notifier.
func (r *Recorder) Notify(_ context.Context, ev model.StepEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []model.StepEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.StepEvent, len(r.events))
	copy(out, r.events)
	return out
}
