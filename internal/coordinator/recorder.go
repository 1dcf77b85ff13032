package coordinator

import (
	"context"
	"log/slog"

	"github.com/jcmexdev/saga-orchestrator/internal/coordinator/sagalog"
)

// Publisher fans appended events out to other consumers. Publishing is
// best effort: the store remains the source of truth.
type Publisher interface {
	Publish(ctx context.Context, event *sagalog.Event) error
}

// Metrics is the observability sink of the orchestrator.
type Metrics interface {
	SagaStarted(sagaType string)
	SagaFinished(sagaType, status string, seconds float64)
	SagaActive(sagaType string, delta float64)
	StepFinished(sagaType, step, outcome string, seconds float64)
	CompensationFinished(sagaType, step, outcome string)
}

// recorder appends events to the saga log. Every call happens before the
// aggregate mutation it describes.
type recorder struct {
	repo      sagalog.Repository
	publisher Publisher
	log       *slog.Logger
}

func (r *recorder) record(ctx context.Context, sagaID string, typ sagalog.EventType, data any) error {
	ev, err := sagalog.NewEvent(ctx, sagaID, typ, data)
	if err != nil {
		return fault("build event", err)
	}
	if err := r.repo.AppendEvent(ctx, ev); err != nil {
		return fault("append event", err)
	}

	if r.publisher != nil {
		if err := r.publisher.Publish(ctx, ev); err != nil {
			r.log.WarnContext(ctx, "publish saga event",
				"saga_id", sagaID, "event_type", typ, "error", err)
		}
	}
	return nil
}

// recordFault writes an orchestrator_fault event, ignoring failures: it is
// called when the store is already misbehaving.
func (r *recorder) recordFault(ctx context.Context, sagaID string, cause error) {
	if err := r.record(ctx, sagaID, sagalog.EventOrchestratorFault, map[string]any{
		"error": cause.Error(),
	}); err != nil {
		r.log.ErrorContext(ctx, "record orchestrator fault",
			"saga_id", sagaID, "cause", cause, "error", err)
	}
}
