package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jcmexdev/saga-orchestrator/internal/coordinator/sagalog"
	"github.com/jcmexdev/saga-orchestrator/internal/pkg/reqctx"
	"github.com/jcmexdev/saga-orchestrator/internal/pkg/telemetry"
)

// DefaultStepTimeout bounds every collaborator call made by a step or a
// compensation.
const DefaultStepTimeout = 30 * time.Second

// Orchestrator drives sagas through their definition, persisting every
// step execution and event through the saga log.
type Orchestrator struct {
	repo        sagalog.Repository
	registry    *Registry
	locker      Locker
	rec         *recorder
	metrics     Metrics
	tracer      trace.Tracer
	log         *slog.Logger
	stepTimeout time.Duration
	now         func() time.Time

	wg sync.WaitGroup
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLocker replaces the in-process locker, typically with one shared by
// every instance.
func WithLocker(l Locker) Option { return func(o *Orchestrator) { o.locker = l } }

// WithMetrics reports saga and step outcomes to m.
func WithMetrics(m Metrics) Option { return func(o *Orchestrator) { o.metrics = m } }

// WithPublisher fans every appended event out to p.
func WithPublisher(p Publisher) Option { return func(o *Orchestrator) { o.rec.publisher = p } }

// WithStepTimeout bounds every step and compensation call. Non-positive
// values keep DefaultStepTimeout.
func WithStepTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.stepTimeout = d
		}
	}
}

// WithLogger sets the logger used by the orchestrator and its recorder.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.log = l
		o.rec.log = l
	}
}

// NewOrchestrator returns an orchestrator persisting through repo. It
// defaults to an in-process locker, no-op metrics and slog.Default.
func NewOrchestrator(repo sagalog.Repository, registry *Registry, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		repo:        repo,
		registry:    registry,
		locker:      NewLocalLocker(),
		rec:         &recorder{repo: repo, log: slog.Default()},
		metrics:     telemetry.NopMetrics{},
		tracer:      otel.Tracer("github.com/jcmexdev/saga-orchestrator/internal/coordinator"),
		log:         slog.Default(),
		stepTimeout: DefaultStepTimeout,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// IdempotencyKey is the key forwarded to collaborators for one step of one
// saga. It is stable across retries of the same step.
func IdempotencyKey(sagaID string, step sagalog.StepName) string {
	return sagaID + ":" + string(step)
}

// run is the in-memory view of one saga execution.
type run struct {
	saga  *sagalog.Saga
	def   *Definition
	in    Input
	execs []*sagalog.StepExecution
}

// Start validates raw against the definition of sagaType, persists a
// PENDING saga and executes it in the background. It returns as soon as
// the saga is stored.
func (o *Orchestrator) Start(ctx context.Context, sagaType string, raw []byte) (string, error) {
	def, err := o.registry.Lookup(sagaType)
	if err != nil {
		return "", &ValidationError{Field: "saga_type", Reason: err.Error()}
	}
	req, err := def.Decode(raw)
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return "", &ValidationError{Reason: err.Error()}
	}

	now := o.now()
	saga := &sagalog.Saga{
		ID:        uuid.NewString(),
		Type:      def.Type,
		State:     sagalog.StatePending,
		Payload:   payload,
		CreatedAt: now,
		StartedAt: now,
		UpdatedAt: now,
	}
	if err := o.repo.CreateSaga(ctx, saga); err != nil {
		return "", fault("create saga", err)
	}
	if err := o.rec.record(ctx, saga.ID, sagalog.EventSagaStarted, map[string]any{
		"saga_type": saga.Type,
		"request":   json.RawMessage(payload),
	}); err != nil {
		return "", err
	}

	o.metrics.SagaStarted(saga.Type)
	o.log.InfoContext(ctx, "saga started", "saga_id", saga.ID, "saga_type", saga.Type)

	o.spawn(ctx, saga.ID, func(ctx context.Context) error { return o.Execute(ctx, saga.ID) })
	return saga.ID, nil
}

// spawn runs fn in its own goroutine on a context that outlives the caller
// but keeps its values (trace span, request id).
func (o *Orchestrator) spawn(ctx context.Context, sagaID string, fn func(context.Context) error) {
	ctx = context.WithoutCancel(ctx)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := fn(ctx); err != nil {
			o.log.ErrorContext(ctx, "saga execution aborted", "saga_id", sagaID, "error", err)
		}
	}()
}

// Wait blocks until every saga goroutine started by this orchestrator has
// returned, or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Execute drives a PENDING saga to a terminal state. Step failures never
// escape: they are recorded and routed into compensation. The returned
// error is ErrSagaBusy, ErrNotPending or an *OrchestratorFault.
func (o *Orchestrator) Execute(ctx context.Context, sagaID string) error {
	release, err := o.locker.Acquire(ctx, sagaID)
	if err != nil {
		return err
	}
	defer release()

	saga, err := o.repo.GetSaga(ctx, sagaID)
	if err != nil {
		return fault("load saga", err)
	}
	if saga.State != sagalog.StatePending {
		return fmt.Errorf("%w: %s is %s", ErrNotPending, sagaID, saga.State)
	}
	return o.execute(ctx, saga)
}

// execute drives saga from PENDING. The caller holds the saga lock.
func (o *Orchestrator) execute(ctx context.Context, saga *sagalog.Saga) error {
	ctx, span := o.tracer.Start(ctx, "saga.execute", trace.WithAttributes(
		attribute.String("saga.id", saga.ID),
		attribute.String("saga.type", saga.Type),
	))
	defer span.End()

	o.metrics.SagaActive(saga.Type, 1)
	defer o.metrics.SagaActive(saga.Type, -1)

	r, err := o.load(saga, nil)
	if err != nil {
		span.RecordError(err)
		o.rec.recordFault(ctx, saga.ID, err)
		if ferr := o.fail(ctx, saga, err.Error()); ferr != nil {
			return ferr
		}
		return err
	}
	return o.drive(ctx, r)
}

// load rebuilds the typed request of saga and the outputs of its
// completed executions.
func (o *Orchestrator) load(saga *sagalog.Saga, execs []*sagalog.StepExecution) (*run, error) {
	def, err := o.registry.Lookup(saga.Type)
	if err != nil {
		return nil, fault("lookup definition", err)
	}
	req, err := def.Decode(saga.Payload)
	if err != nil {
		return nil, fault("decode payload", err)
	}
	r := &run{
		saga:  saga,
		def:   def,
		in:    Input{SagaID: saga.ID, Request: req, Outputs: Outputs{}},
		execs: execs,
	}
	for _, exec := range execs {
		if exec.Status == sagalog.StepCompleted || exec.Status == sagalog.StepCompensated {
			r.in.Outputs[exec.Step] = exec.OutputData
		}
	}
	return r, nil
}

func (o *Orchestrator) drive(ctx context.Context, r *run) error {
	if err := o.transition(ctx, r.saga, r.def.EntryState); err != nil {
		return o.abort(ctx, r, err)
	}

	for i, step := range r.def.Steps {
		exec, err := o.runStep(ctx, r, i, step)
		if err != nil {
			return o.abort(ctx, r, err)
		}
		if exec.Status == sagalog.StepFailed {
			cause := fmt.Sprintf("step %s failed: %s", exec.Step, exec.ErrorMessage)
			if err := o.compensate(ctx, r, cause); err != nil {
				o.rec.recordFault(ctx, r.saga.ID, err)
				return err
			}
			return nil
		}
	}

	var result any
	if r.def.Result != nil {
		res, err := r.def.Result(r.in.Outputs)
		if err != nil {
			return o.abort(ctx, r, fault("build result", err))
		}
		result = res
	}
	if err := o.complete(ctx, r.saga, result); err != nil {
		return o.abort(ctx, r, err)
	}
	return nil
}

// runStep creates the execution record, calls the step and records its
// outcome. A failed step is not an error: only store faults are.
func (o *Orchestrator) runStep(ctx context.Context, r *run, order int, step Step) (*sagalog.StepExecution, error) {
	exec := &sagalog.StepExecution{
		SagaID:           r.saga.ID,
		Step:             step.Name(),
		Order:            order,
		Status:           sagalog.StepRunning,
		CompensationStep: compensationName(step),
		StartedAt:        o.now(),
	}
	if err := o.repo.CreateStep(ctx, exec); err != nil {
		return nil, fault("create step", err)
	}
	r.execs = append(r.execs, exec)

	stepCtx, span := o.tracer.Start(ctx, "saga.step "+string(step.Name()))
	stepCtx = reqctx.WithIdempotencyKey(stepCtx, IdempotencyKey(r.saga.ID, step.Name()))
	callCtx, cancel := context.WithTimeout(stepCtx, o.stepTimeout)
	out, stepErr := step.Execute(callCtx, r.in)
	cancel()

	var output json.RawMessage
	if stepErr == nil {
		output, stepErr = marshalOutput(out)
	}

	finished := o.now()
	elapsed := finished.Sub(exec.StartedAt)
	done := *exec
	done.CompletedAt = &finished
	done.DurationMs = elapsed.Milliseconds()

	if stepErr != nil {
		span.RecordError(stepErr)
		span.SetStatus(codes.Error, stepErr.Error())
		span.End()
		o.metrics.StepFinished(r.saga.Type, string(step.Name()), "failed", elapsed.Seconds())
		o.log.WarnContext(ctx, "saga step failed",
			"saga_id", r.saga.ID, "step", step.Name(), "duration_ms", done.DurationMs, "error", stepErr)

		if err := o.rec.record(ctx, r.saga.ID, sagalog.EventStepFailed, map[string]any{
			"step":        step.Name(),
			"error":       stepErr.Error(),
			"duration_ms": done.DurationMs,
		}); err != nil {
			return exec, err
		}
		done.Status = sagalog.StepFailed
		done.ErrorMessage = stepErr.Error()
		if err := o.repo.FinishStep(ctx, &done); err != nil {
			return exec, fault("finish step", err)
		}
		*exec = done
		return exec, nil
	}
	span.End()
	o.metrics.StepFinished(r.saga.Type, string(step.Name()), "success", elapsed.Seconds())
	o.log.InfoContext(ctx, "saga step completed",
		"saga_id", r.saga.ID, "step", step.Name(), "duration_ms", done.DurationMs)

	if err := o.rec.record(ctx, r.saga.ID, sagalog.EventStepCompleted, map[string]any{
		"step":        step.Name(),
		"duration_ms": done.DurationMs,
		"result":      output,
	}); err != nil {
		return exec, err
	}
	done.Status = sagalog.StepCompleted
	done.OutputData = output
	if err := o.repo.FinishStep(ctx, &done); err != nil {
		return exec, fault("finish step", err)
	}
	*exec = done
	r.in.Outputs[step.Name()] = output

	if ss, ok := step.(StateSetter); ok {
		if err := o.transition(ctx, r.saga, ss.TargetState()); err != nil {
			return exec, err
		}
	}
	return exec, nil
}

func marshalOutput(out any) (json.RawMessage, error) {
	if out == nil {
		return json.RawMessage(`{}`), nil
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode step output: %w", err)
	}
	return b, nil
}

// transition moves saga to next, recording state_changed first. Moving to
// the current state is a no-op.
func (o *Orchestrator) transition(ctx context.Context, saga *sagalog.Saga, next sagalog.State) error {
	if next == "" || next == saga.State {
		return nil
	}
	if !saga.State.CanTransition(next) {
		return fault("transition", fmt.Errorf("illegal transition %s -> %s", saga.State, next))
	}
	if err := o.rec.record(ctx, saga.ID, sagalog.EventStateChanged, map[string]any{
		"old_state": saga.State,
		"new_state": next,
	}); err != nil {
		return err
	}

	prev := *saga
	saga.State = next
	saga.UpdatedAt = o.now()
	if err := o.repo.UpdateSaga(ctx, saga); err != nil {
		*saga = prev
		return fault("update saga state", err)
	}
	return nil
}

// complete marks saga COMPLETED with result.
func (o *Orchestrator) complete(ctx context.Context, saga *sagalog.Saga, result any) error {
	if result == nil {
		result = map[string]any{}
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return fault("encode result", err)
	}
	if !saga.State.CanTransition(sagalog.StateCompleted) {
		return fault("complete", fmt.Errorf("illegal transition %s -> %s", saga.State, sagalog.StateCompleted))
	}
	if err := o.rec.record(ctx, saga.ID, sagalog.EventSagaCompleted, json.RawMessage(raw)); err != nil {
		return err
	}

	prev := *saga
	now := o.now()
	saga.State = sagalog.StateCompleted
	saga.Result = raw
	saga.UpdatedAt = now
	saga.CompletedAt = &now
	if err := o.repo.UpdateSaga(ctx, saga); err != nil {
		*saga = prev
		return fault("complete saga", err)
	}

	o.metrics.SagaFinished(saga.Type, string(sagalog.StateCompleted), now.Sub(saga.StartedAt).Seconds())
	o.log.InfoContext(ctx, "saga completed", "saga_id", saga.ID)
	return nil
}

// fail marks saga FAILED with message.
func (o *Orchestrator) fail(ctx context.Context, saga *sagalog.Saga, message string) error {
	if saga.State.IsTerminal() {
		return nil
	}
	if err := o.rec.record(ctx, saga.ID, sagalog.EventSagaFailed, map[string]any{
		"error": message,
	}); err != nil {
		return err
	}

	prev := *saga
	now := o.now()
	saga.State = sagalog.StateFailed
	saga.ErrorMessage = message
	saga.UpdatedAt = now
	saga.FailedAt = &now
	if err := o.repo.UpdateSaga(ctx, saga); err != nil {
		*saga = prev
		return fault("fail saga", err)
	}

	o.metrics.SagaFinished(saga.Type, string(sagalog.StateFailed), now.Sub(saga.StartedAt).Seconds())
	o.log.ErrorContext(ctx, "saga failed", "saga_id", saga.ID, "error", message)
	return nil
}

// abort handles an OrchestratorFault raised by the execute loop: the fault
// is recorded, dangling RUNNING executions are closed and whatever
// completed is compensated. The saga is failed if nothing completed.
func (o *Orchestrator) abort(ctx context.Context, r *run, cause error) error {
	o.log.ErrorContext(ctx, "orchestrator fault", "saga_id", r.saga.ID, "error", cause)
	trace.SpanFromContext(ctx).RecordError(cause)
	o.rec.recordFault(ctx, r.saga.ID, cause)

	for _, exec := range r.execs {
		if exec.Status != sagalog.StepRunning {
			continue
		}
		done := *exec
		now := o.now()
		done.Status = sagalog.StepFailed
		done.ErrorMessage = cause.Error()
		done.CompletedAt = &now
		done.DurationMs = now.Sub(exec.StartedAt).Milliseconds()
		if err := o.repo.FinishStep(ctx, &done); err != nil {
			o.log.ErrorContext(ctx, "close running step", "saga_id", r.saga.ID, "step", exec.Step, "error", err)
			continue
		}
		*exec = done
	}

	if r.saga.State.IsTerminal() {
		return cause
	}
	var err error
	if hasCompleted(r.execs) {
		err = o.compensate(ctx, r, cause.Error())
	} else {
		err = o.fail(ctx, r.saga, cause.Error())
	}
	if err != nil {
		o.log.ErrorContext(ctx, "saga left unfinished", "saga_id", r.saga.ID, "error", err)
	}
	return cause
}

func hasCompleted(execs []*sagalog.StepExecution) bool {
	for _, exec := range execs {
		if exec.Status == sagalog.StepCompleted || exec.Status == sagalog.StepCompensated {
			return true
		}
	}
	return false
}
