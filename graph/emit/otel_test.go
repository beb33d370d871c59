package emit

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestTracer(t *testing.T) (*OTelEmitter, *tracetest.InMemoryExporter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return NewOTelEmitter(tp.Tracer("test")), exporter
}

func attributeMap(attrs []attribute.KeyValue) map[string]any {
	m := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		m[string(kv.Key)] = kv.Value.AsInterface()
	}
	return m
}

func TestOTelEmitter_BlockSpanIsChildOfRun(t *testing.T) {
	emitter, exporter := newTestTracer(t)
	now := time.Now()

	emitter.Emit(Event{RunID: "run-1", Msg: MsgRunStart, Time: now})
	emitter.Emit(Event{RunID: "run-1", Pass: 1, BlockID: "agent-1", BlockType: "agent", Msg: MsgBlockStart, Time: now})
	emitter.Emit(Event{RunID: "run-1", Pass: 1, BlockID: "agent-1", BlockType: "agent", Msg: MsgBlockEnd, Time: now.Add(5 * time.Millisecond),
		Meta: map[string]any{"duration_ms": int64(5)}})
	emitter.Emit(Event{RunID: "run-1", Msg: MsgRunComplete, Time: now.Add(10 * time.Millisecond)})

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}

	block, run := spans[0], spans[1]
	if block.Name != "block.agent" {
		t.Errorf("block span name = %q, want %q", block.Name, "block.agent")
	}
	if run.Name != "workflow.run" {
		t.Errorf("run span name = %q, want %q", run.Name, "workflow.run")
	}
	if block.Parent.SpanID() != run.SpanContext.SpanID() {
		t.Error("block span is not a child of the run span")
	}

	attrs := attributeMap(block.Attributes)
	if got := attrs["blockflow.block_id"]; got != "agent-1" {
		t.Errorf("block_id = %v, want %q", got, "agent-1")
	}
	if got := attrs["blockflow.duration_ms"]; got != int64(5) {
		t.Errorf("duration_ms = %v, want 5", got)
	}
}

func TestOTelEmitter_BlockError(t *testing.T) {
	emitter, exporter := newTestTracer(t)

	emitter.Emit(Event{RunID: "run-1", Msg: MsgRunStart})
	emitter.Emit(Event{RunID: "run-1", BlockID: "api-1", BlockType: "api", Msg: MsgBlockStart})
	emitter.Emit(Event{RunID: "run-1", BlockID: "api-1", BlockType: "api", Msg: MsgBlockError,
		Meta: map[string]any{"error": "connection refused"}})
	emitter.Emit(Event{RunID: "run-1", Msg: MsgRunError, Meta: map[string]any{"error": "connection refused"}})

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	for _, span := range spans {
		if span.Status.Code != codes.Error {
			t.Errorf("span %s status = %v, want Error", span.Name, span.Status.Code)
		}
	}
}

func TestOTelEmitter_VirtualInstancesGetSeparateSpans(t *testing.T) {
	emitter, exporter := newTestTracer(t)

	emitter.Emit(Event{RunID: "run-1", Msg: MsgRunStart})
	for _, vid := range []string{"fn_parallel_p1_iteration_0", "fn_parallel_p1_iteration_1"} {
		emitter.Emit(Event{RunID: "run-1", BlockID: "fn", BlockType: "function", VirtualID: vid, Msg: MsgBlockStart})
	}
	for _, vid := range []string{"fn_parallel_p1_iteration_1", "fn_parallel_p1_iteration_0"} {
		emitter.Emit(Event{RunID: "run-1", BlockID: "fn", BlockType: "function", VirtualID: vid, Msg: MsgBlockEnd})
	}

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("expected 2 block spans, got %d", len(spans))
	}
	got := attributeMap(spans[0].Attributes)["blockflow.virtual_id"]
	if got != "fn_parallel_p1_iteration_1" {
		t.Errorf("first ended span virtual_id = %v", got)
	}
}

func TestOTelEmitter_ConstructEventsOnRunSpan(t *testing.T) {
	emitter, exporter := newTestTracer(t)

	emitter.Emit(Event{RunID: "run-1", Msg: MsgRunStart})
	emitter.Emit(Event{RunID: "run-1", Pass: 2, BlockID: "p1", Msg: MsgConstructStart})
	emitter.Emit(Event{RunID: "run-1", Pass: 4, BlockID: "p1", Msg: MsgConstructComplete})
	emitter.Emit(Event{RunID: "run-1", Msg: MsgRunComplete})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	events := spans[0].Events
	if len(events) != 2 {
		t.Fatalf("expected 2 span events, got %d", len(events))
	}
	if events[0].Name != MsgConstructStart || events[1].Name != MsgConstructComplete {
		t.Errorf("unexpected span events %q, %q", events[0].Name, events[1].Name)
	}
}

func TestOTelEmitter_RunEndClosesDanglingBlocks(t *testing.T) {
	emitter, exporter := newTestTracer(t)

	emitter.Emit(Event{RunID: "run-1", Msg: MsgRunStart})
	emitter.Emit(Event{RunID: "run-1", BlockID: "slow", BlockType: "agent", Msg: MsgBlockStart})
	emitter.Emit(Event{RunID: "run-1", Msg: MsgRunError, Meta: map[string]any{"error": "canceled"}})

	if got := len(exporter.GetSpans()); got != 2 {
		t.Fatalf("expected 2 ended spans, got %d", got)
	}
}
