package workflow

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/pitabwire/steward/internal/observability"
	"github.com/pitabwire/steward/model"
)

func recordSpans(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return exporter
}

func spanAttrs(s tracetest.SpanStub) map[attribute.Key]attribute.Value {
	out := make(map[attribute.Key]attribute.Value, len(s.Attributes))
	for _, kv := range s.Attributes {
		out[kv.Key] = kv.Value
	}
	return out
}

func findSpan(spans tracetest.SpanStubs, name string) (tracetest.SpanStub, bool) {
	for _, s := range spans {
		if s.Name == name {
			return s, true
		}
	}
	return tracetest.SpanStub{}, false
}

// --- Spans ---

func TestEngine_spans(t *testing.T) {
	exporter := recordSpans(t)
	e, _, _, clock := newTestEngine(t)
	inst := createTestInstance(t, e, 2)

	created, ok := findSpan(exporter.GetSpans(), "workflow.create_instance")
	if !ok {
		t.Fatal("no create_instance span")
	}
	attrs := spanAttrs(created)
	if attrs[observability.AttrDefinitionID].AsString() != "strategic-planning" {
		t.Errorf("definition attr = %v", attrs[observability.AttrDefinitionID])
	}
	if attrs[observability.AttrTriggerKind].AsString() != string(model.TriggerStrategic) {
		t.Errorf("trigger attr = %v", attrs[observability.AttrTriggerKind])
	}

	exporter.Reset()
	until := clock.Now().Add(time.Hour)
	if _, err := e.Snooze(context.Background(), cmd(inst, 1), &until, nil); err != nil {
		t.Fatalf("Snooze() error = %v", err)
	}
	span, ok := findSpan(exporter.GetSpans(), "workflow.transition")
	if !ok {
		t.Fatal("no transition span")
	}
	attrs = spanAttrs(span)
	if attrs[observability.AttrInstanceID].AsString() != inst.ID {
		t.Errorf("instance attr = %v", attrs[observability.AttrInstanceID])
	}
	if attrs[observability.AttrStepIndex].AsInt64() != 1 {
		t.Errorf("step attr = %v", attrs[observability.AttrStepIndex])
	}
	if attrs[observability.AttrAction].AsString() != string(model.ActionSnooze) {
		t.Errorf("action attr = %v", attrs[observability.AttrAction])
	}
}
