package emit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter turns run and block events into OpenTelemetry spans.
//
// A run_start event opens a root span named "workflow.run". block_start opens
// a child span named "block.<type>" that block_end or block_error closes.
// run_complete and run_error close the root span. Every other event is
// recorded as a span event on the run span.
//
// Usage:
//
//	tracer := otel.Tracer("blockflow")
//	executor := graph.New(reg, graph.WithEmitter(emit.NewOTelEmitter(tracer)))
type OTelEmitter struct {
	tracer trace.Tracer

	mu     sync.Mutex
	runs   map[string]runSpan
	blocks map[string]trace.Span
}

type runSpan struct {
	ctx  context.Context
	span trace.Span
}

// NewOTelEmitter creates an emitter that records spans with tracer.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{
		tracer: tracer,
		runs:   make(map[string]runSpan),
		blocks: make(map[string]trace.Span),
	}
}

// Emit records the event.
func (o *OTelEmitter) Emit(event Event) {
	o.mu.Lock()
	defer o.mu.Unlock()

	ts := event.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	switch event.Msg {
	case MsgRunStart:
		ctx, span := o.tracer.Start(context.Background(), "workflow.run", trace.WithTimestamp(ts))
		span.SetAttributes(attribute.String("blockflow.run_id", event.RunID))
		addMetadataAttributes(span, event.Meta)
		o.runs[event.RunID] = runSpan{ctx: ctx, span: span}

	case MsgRunComplete, MsgRunError:
		rs, ok := o.runs[event.RunID]
		if !ok {
			return
		}
		addMetadataAttributes(rs.span, event.Meta)
		setErrorStatus(rs.span, event)
		rs.span.End(trace.WithTimestamp(ts))
		delete(o.runs, event.RunID)
		for key, span := range o.blocks {
			if strings.HasPrefix(key, event.RunID+"/") {
				span.End(trace.WithTimestamp(ts))
				delete(o.blocks, key)
			}
		}

	case MsgBlockStart:
		parent := context.Background()
		if rs, ok := o.runs[event.RunID]; ok {
			parent = rs.ctx
		}
		_, span := o.tracer.Start(parent, "block."+event.BlockType, trace.WithTimestamp(ts))
		addStandardAttributes(span, event)
		o.blocks[blockKey(event)] = span

	case MsgBlockEnd, MsgBlockError:
		key := blockKey(event)
		span, ok := o.blocks[key]
		if !ok {
			_, span = o.tracer.Start(context.Background(), "block."+event.BlockType, trace.WithTimestamp(ts))
			addStandardAttributes(span, event)
		}
		addMetadataAttributes(span, event.Meta)
		setErrorStatus(span, event)
		span.End(trace.WithTimestamp(ts))
		delete(o.blocks, key)

	default:
		rs, ok := o.runs[event.RunID]
		if !ok {
			return
		}
		attrs := []attribute.KeyValue{attribute.Int("blockflow.pass", event.Pass)}
		if event.BlockID != "" {
			attrs = append(attrs, attribute.String("blockflow.block_id", event.BlockID))
		}
		rs.span.AddEvent(event.Msg, trace.WithTimestamp(ts), trace.WithAttributes(attrs...))
	}
}

// Flush forces export of pending spans when the global provider supports it.
func (o *OTelEmitter) Flush(ctx context.Context) error {
	type flusher interface {
		ForceFlush(context.Context) error
	}
	if f, ok := otel.GetTracerProvider().(flusher); ok {
		return f.ForceFlush(ctx)
	}
	return nil
}

func blockKey(event Event) string {
	id := event.BlockID
	if event.VirtualID != "" {
		id = event.VirtualID
	}
	return event.RunID + "/" + id
}

func addStandardAttributes(span trace.Span, event Event) {
	span.SetAttributes(
		attribute.String("blockflow.run_id", event.RunID),
		attribute.Int("blockflow.pass", event.Pass),
		attribute.String("blockflow.block_id", event.BlockID),
		attribute.String("blockflow.block_type", event.BlockType),
	)
	if event.VirtualID != "" {
		span.SetAttributes(attribute.String("blockflow.virtual_id", event.VirtualID))
	}
}

// addMetadataAttributes converts event metadata to span attributes. Values of
// unsupported types are stored as their string form.
func addMetadataAttributes(span trace.Span, meta map[string]any) {
	for key, value := range meta {
		attrKey := "blockflow." + key
		switch v := value.(type) {
		case string:
			span.SetAttributes(attribute.String(attrKey, v))
		case int:
			span.SetAttributes(attribute.Int(attrKey, v))
		case int64:
			span.SetAttributes(attribute.Int64(attrKey, v))
		case float64:
			span.SetAttributes(attribute.Float64(attrKey, v))
		case bool:
			span.SetAttributes(attribute.Bool(attrKey, v))
		case time.Duration:
			span.SetAttributes(attribute.Int64(attrKey, v.Milliseconds()))
		default:
			span.SetAttributes(attribute.String(attrKey, fmt.Sprintf("%v", v)))
		}
	}
}

func setErrorStatus(span trace.Span, event Event) {
	msg, ok := event.Meta["error"].(string)
	if !ok {
		return
	}
	span.SetStatus(codes.Error, msg)
	span.RecordError(fmt.Errorf("%s", msg))
}
