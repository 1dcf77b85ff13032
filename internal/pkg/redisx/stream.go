package redisx

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/jcmexdev/saga-orchestrator/internal/coordinator"
	"github.com/jcmexdev/saga-orchestrator/internal/coordinator/sagalog"
)

const (
	DefaultStream = "saga.events"

	// defaultMaxLen caps the stream (approximately) so it cannot grow
	// without bound when nobody consumes it.
	defaultMaxLen = 100_000
)

// StreamPublisher appends saga events to a Redis Stream.
type StreamPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
}

var _ coordinator.Publisher = (*StreamPublisher)(nil)

func NewStreamPublisher(client *redis.Client, stream string) *StreamPublisher {
	if stream == "" {
		stream = DefaultStream
	}
	return &StreamPublisher{client: client, stream: stream, maxLen: defaultMaxLen}
}

// Publish XADDs ev with the fields saga_id, event_type, data and seq.
func (p *StreamPublisher) Publish(ctx context.Context, ev *sagalog.Event) error {
	err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]any{
			"saga_id":    ev.SagaID,
			"event_type": string(ev.Type),
			"data":       string(ev.Data),
			"seq":        ev.Seq,
			"trace_id":   ev.TraceID,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("redisx: publish %s to %s: %w", ev.Type, p.stream, err)
	}
	return nil
}
