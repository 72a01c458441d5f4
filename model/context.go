package model

import (
	"context"
	"errors"
)

// SystemActor is the actor id recorded for transitions the core performs on
// its own (scheduled wakes, instance creation by the scheduler).
const SystemActor = "system"

// ActorContext carries the identity and correlation information of whoever
// initiated a request. Authentication is handled upstream; the core only
// records what it is told.
type ActorContext struct {
	ActorID       string
	CorrelationID string
	TraceID       string
	SpanID        string
}

// Validate checks that mandatory fields are present.
func (ac *ActorContext) Validate() error {
	if ac.ActorID == "" {
		return errors.New("ActorID is required")
	}
	return nil
}

type contextKey struct{}

// WithActor attaches an ActorContext to the given context.
func WithActor(ctx context.Context, ac *ActorContext) context.Context {
	return context.WithValue(ctx, contextKey{}, ac)
}

// ActorFrom extracts the ActorContext from the context, or returns nil if not
// present.
func ActorFrom(ctx context.Context) *ActorContext {
	ac, _ := ctx.Value(contextKey{}).(*ActorContext)
	return ac
}

// ActorIDFrom returns the actor id on the context, falling back to
// SystemActor.
func ActorIDFrom(ctx context.Context) string {
	if ac := ActorFrom(ctx); ac != nil && ac.ActorID != "" {
		return ac.ActorID
	}
	return SystemActor
}
