package model

import (
	"context"
	"testing"
)

func TestActorContext_Validate(t *testing.T) {
	tests := []struct {
		name    string
		ac      *ActorContext
		wantErr bool
	}{
		{name: "valid", ac: &ActorContext{ActorID: "csm-1"}},
		{name: "missing actor", ac: &ActorContext{CorrelationID: "c-1"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.ac.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestWithActor_roundTrip(t *testing.T) {
	ac := &ActorContext{ActorID: "csm-1", CorrelationID: "corr-1"}
	ctx := WithActor(context.Background(), ac)

	got := ActorFrom(ctx)
	if got == nil {
		t.Fatal("ActorFrom returned nil")
	}
	if got.ActorID != "csm-1" || got.CorrelationID != "corr-1" {
		t.Errorf("ActorFrom = %+v", got)
	}
}

func TestActorFrom_missing(t *testing.T) {
	if got := ActorFrom(context.Background()); got != nil {
		t.Errorf("ActorFrom = %+v, want nil", got)
	}
}

func TestActorIDFrom(t *testing.T) {
	if got := ActorIDFrom(context.Background()); got != SystemActor {
		t.Errorf("ActorIDFrom(empty) = %q, want %q", got, SystemActor)
	}
	ctx := WithActor(context.Background(), &ActorContext{ActorID: "csm-9"})
	if got := ActorIDFrom(ctx); got != "csm-9" {
		t.Errorf("ActorIDFrom = %q, want csm-9", got)
	}
	ctx = WithActor(context.Background(), &ActorContext{})
	if got := ActorIDFrom(ctx); got != SystemActor {
		t.Errorf("ActorIDFrom(blank) = %q, want %q", got, SystemActor)
	}
}
