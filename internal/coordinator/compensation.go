package coordinator

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/codes"

	"github.com/jcmexdev/saga-orchestrator/internal/coordinator/sagalog"
	"github.com/jcmexdev/saga-orchestrator/internal/pkg/reqctx"
)

// compensate undoes every COMPLETED execution of r in strict reverse order,
// best effort, and moves the saga to COMPENSATED with cause as its error
// message. With nothing to undo the saga goes straight to FAILED.
func (o *Orchestrator) compensate(ctx context.Context, r *run, cause string) error {
	if !hasCompleted(r.execs) {
		return o.fail(ctx, r.saga, cause)
	}

	o.log.InfoContext(ctx, "saga compensation started", "saga_id", r.saga.ID, "cause", cause)
	entered := o.transition(ctx, r.saga, sagalog.StateCompensating)
	if entered != nil {
		o.rec.recordFault(ctx, r.saga.ID, entered)
		// A terminal saga was finished by another owner; its executions
		// are not ours to undo.
		if errors.Is(entered, sagalog.ErrTerminal) {
			return entered
		}
		// Otherwise undo what we can anyway; the saga stays unfinished and
		// the recovery sweep resumes it.
	}

	for i := len(r.execs) - 1; i >= 0; i-- {
		if r.execs[i].Status == sagalog.StepCompleted {
			o.compensateStep(ctx, r, r.execs[i])
		}
	}

	if entered != nil {
		return entered
	}
	return o.finishCompensation(ctx, r.saga, cause)
}

// compensateStep runs the compensation of one execution. Failures are
// recorded and swallowed so the sweep always continues.
func (o *Orchestrator) compensateStep(ctx context.Context, r *run, exec *sagalog.StepExecution) {
	step, _ := r.def.stepByName(exec.Step)
	comp, ok := step.(Compensable)
	if ok {
		name := comp.CompensationName()
		cctx, span := o.tracer.Start(ctx, "saga.compensate "+string(name))
		cctx = reqctx.WithIdempotencyKey(cctx, IdempotencyKey(r.saga.ID, name))
		callCtx, cancel := context.WithTimeout(cctx, o.stepTimeout)
		err := comp.Compensate(callCtx, r.in, exec.OutputData)
		cancel()

		if err != nil {
			cf := &CompensationFailure{Step: string(name), Err: err}
			span.RecordError(cf)
			span.SetStatus(codes.Error, cf.Error())
			span.End()
			o.metrics.CompensationFinished(r.saga.Type, string(name), "failed")
			o.log.ErrorContext(ctx, "saga compensation failed",
				"saga_id", r.saga.ID, "step", exec.Step, "compensation_step", name, "error", err)

			if rerr := o.rec.record(ctx, r.saga.ID, sagalog.EventCompensationFailed, map[string]any{
				"step":              exec.Step,
				"compensation_step": name,
				"error":             cf.Error(),
			}); rerr != nil {
				o.log.ErrorContext(ctx, "record compensation failure", "saga_id", r.saga.ID, "error", rerr)
			}
			return
		}
		span.End()
		o.metrics.CompensationFinished(r.saga.Type, string(name), "success")
	}

	if err := o.rec.record(ctx, r.saga.ID, sagalog.EventStepCompensated, map[string]any{
		"step":              exec.Step,
		"compensation_step": exec.CompensationStep,
	}); err != nil {
		o.log.ErrorContext(ctx, "record step compensation", "saga_id", r.saga.ID, "step", exec.Step, "error", err)
		return
	}
	if err := o.repo.MarkCompensated(ctx, exec); err != nil {
		o.rec.recordFault(ctx, r.saga.ID, fault("mark compensated", err))
		return
	}
	exec.Status = sagalog.StepCompensated
	o.log.InfoContext(ctx, "saga step compensated", "saga_id", r.saga.ID, "step", exec.Step)
}

func (o *Orchestrator) finishCompensation(ctx context.Context, saga *sagalog.Saga, cause string) error {
	if err := o.rec.record(ctx, saga.ID, sagalog.EventStateChanged, map[string]any{
		"old_state": saga.State,
		"new_state": sagalog.StateCompensated,
	}); err != nil {
		return err
	}

	prev := *saga
	now := o.now()
	saga.State = sagalog.StateCompensated
	saga.ErrorMessage = cause
	saga.UpdatedAt = now
	if err := o.repo.UpdateSaga(ctx, saga); err != nil {
		*saga = prev
		return fault("finish compensation", err)
	}

	o.metrics.SagaFinished(saga.Type, string(sagalog.StateCompensated), now.Sub(saga.StartedAt).Seconds())
	o.log.WarnContext(ctx, "saga compensated", "saga_id", saga.ID, "cause", cause)
	return nil
}
