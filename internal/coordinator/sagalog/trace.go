package sagalog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// TraceInfo holds the OTel identifiers extracted from a context.
type TraceInfo struct {
	// TraceID is the W3C trace ID (32 lowercase hex chars).
	// Empty string if no active span is found in the context.
	TraceID string

	// SpanID is the W3C span ID (16 lowercase hex chars).
	SpanID string
}

// ExtractTraceInfo reads the active OpenTelemetry span from ctx and returns
// its trace_id and span_id as hex strings. Both are empty when the context
// carries no valid span (e.g. in unit tests).
func ExtractTraceInfo(ctx context.Context) TraceInfo {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return TraceInfo{}
	}
	return TraceInfo{
		TraceID: sc.TraceID().String(),
		SpanID:  sc.SpanID().String(),
	}
}

// NewEvent builds an Event with data serialised to JSON and the trace info
// extracted from ctx. A nil data becomes an empty JSON object.
//
//	ev, err := sagalog.NewEvent(ctx, id, sagalog.EventStepFailed, map[string]any{"step": name})
func NewEvent(ctx context.Context, sagaID string, typ EventType, data any) (*Event, error) {
	raw := json.RawMessage(`{}`)
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("sagalog: marshal %s event data: %w", typ, err)
		}
		raw = b
	}

	ti := ExtractTraceInfo(ctx)
	return &Event{
		SagaID:    sagaID,
		Type:      typ,
		Data:      raw,
		TraceID:   ti.TraceID,
		SpanID:    ti.SpanID,
		CreatedAt: time.Now().UTC(),
	}, nil
}
