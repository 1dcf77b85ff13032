package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/jcmexdev/saga-orchestrator/internal/coordinator/sagalog"
)

const interruptedByRestart = "interrupted by restart"

// Recover resumes every saga a previous process left unfinished. It is
// meant to run once at startup, before new sagas are accepted.
//
// A PENDING saga with no executions is executed from scratch since nothing
// external happened yet. Any other saga has its RUNNING executions marked
// FAILED (their outcome is unknown) and is then compensated, or failed when
// nothing completed. Compensations are safe to repeat, so a saga that was
// already COMPENSATING simply resumes its sweep.
//
// Recovered sagas run in the background; use Wait to block on them. The
// returned count is the number of sagas scheduled.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	sagas, err := o.repo.Unfinished(ctx)
	if err != nil {
		return 0, fault("list unfinished sagas", err)
	}

	for _, saga := range sagas {
		id := saga.ID
		o.spawn(ctx, id, func(ctx context.Context) error { return o.resume(ctx, id) })
	}
	return len(sagas), nil
}

// resume takes ownership of sagaID and finishes it. The saga and its
// executions are read again under the lock: another instance may have
// driven it to a terminal state since Unfinished listed it.
func (o *Orchestrator) resume(ctx context.Context, sagaID string) error {
	release, err := o.locker.Acquire(ctx, sagaID)
	if errors.Is(err, ErrSagaBusy) {
		o.log.InfoContext(ctx, "saga owned by another instance, skipping recovery", "saga_id", sagaID)
		return nil
	}
	if err != nil {
		return err
	}
	defer release()

	saga, err := o.repo.GetSaga(ctx, sagaID)
	if err != nil {
		return fault("load saga", err)
	}
	if saga.State.IsTerminal() {
		return nil
	}
	execs, err := o.repo.ListSteps(ctx, sagaID)
	if err != nil {
		return fault("list steps", err)
	}

	if err := o.rec.record(ctx, saga.ID, sagalog.EventOrchestratorFault, map[string]any{
		"reason": "recovered after restart",
		"state":  saga.State,
	}); err != nil {
		return err
	}
	o.log.WarnContext(ctx, "recovering saga", "saga_id", saga.ID, "state", saga.State, "executions", len(execs))

	if saga.State == sagalog.StatePending && len(execs) == 0 {
		return o.execute(ctx, saga)
	}

	ctx, span := o.tracer.Start(ctx, "saga.recover")
	defer span.End()

	r, err := o.load(saga, execs)
	if err != nil {
		o.rec.recordFault(ctx, saga.ID, err)
		return errors.Join(err, o.fail(ctx, saga, err.Error()))
	}

	cause := interruptedByRestart
	for _, exec := range r.execs {
		switch exec.Status {
		case sagalog.StepFailed:
			cause = fmt.Sprintf("step %s failed: %s", exec.Step, exec.ErrorMessage)
		case sagalog.StepRunning:
			if err := o.rec.record(ctx, saga.ID, sagalog.EventStepFailed, map[string]any{
				"step":  exec.Step,
				"error": interruptedByRestart,
			}); err != nil {
				return err
			}
			done := *exec
			now := o.now()
			done.Status = sagalog.StepFailed
			done.ErrorMessage = interruptedByRestart
			done.CompletedAt = &now
			done.DurationMs = now.Sub(exec.StartedAt).Milliseconds()
			if err := o.repo.FinishStep(ctx, &done); err != nil {
				return fault("finish interrupted step", err)
			}
			*exec = done
			cause = fmt.Sprintf("step %s %s", exec.Step, interruptedByRestart)
		}
	}
	if finishedAllSteps(r) && saga.State.CanTransition(sagalog.StateCompleted) {
		var result any
		if r.def.Result != nil {
			if result, err = r.def.Result(r.in.Outputs); err != nil {
				return o.compensate(ctx, r, fmt.Sprintf("build result: %v", err))
			}
		}
		return o.complete(ctx, saga, result)
	}
	return o.compensate(ctx, r, cause)
}

// finishedAllSteps reports whether the crash happened between the last
// step and the completion of the saga.
func finishedAllSteps(r *run) bool {
	if len(r.execs) != len(r.def.Steps) {
		return false
	}
	for _, exec := range r.execs {
		if exec.Status != sagalog.StepCompleted {
			return false
		}
	}
	return true
}
