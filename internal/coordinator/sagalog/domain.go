// Package sagalog defines the domain types persisted by the saga orchestrator.
//
// Three record kinds make up a saga's durable footprint:
//
//  1. Saga: the aggregate root. One row per saga, mutated only by the
//     orchestrator that owns it and frozen once a terminal state is reached.
//
//  2. StepExecution: one row per step attempt. Created RUNNING, finished
//     exactly once as COMPLETED or FAILED, and optionally moved from
//     COMPLETED to COMPENSATED by the compensation sweep.
//
//  3. Event: the append-only audit trail. Ordered by the store sequence, not
//     by wall-clock time, and written before the aggregate mutation it
//     describes so history can be rebuilt even after a partial failure.
package sagalog

import (
	"encoding/json"
	"time"
)

// State is the lifecycle state of a saga.
type State string

const (
	StatePending          State = "pending"
	StateStockChecking    State = "stock_checking"
	StateStockReserved    State = "stock_reserved"
	StateOrderCreated     State = "order_created"
	StatePaymentCompleted State = "payment_completed"
	StateCompleted        State = "completed"
	StateCompensating     State = "compensating"
	StateCompensated      State = "compensated"
	StateFailed           State = "failed"
)

// transitions lists the allowed successors of every non-terminal state.
var transitions = map[State][]State{
	StatePending:          {StateStockChecking, StateFailed},
	StateStockChecking:    {StateStockReserved, StateCompensating, StateFailed},
	StateStockReserved:    {StateOrderCreated, StateCompensating, StateFailed},
	StateOrderCreated:     {StatePaymentCompleted, StateCompensating, StateFailed},
	StatePaymentCompleted: {StateCompleted, StateCompensating, StateFailed},
	StateCompensating:     {StateCompensated, StateFailed},
}

// AllStates returns every state in lifecycle order.
func AllStates() []State {
	return []State{
		StatePending, StateStockChecking, StateStockReserved, StateOrderCreated,
		StatePaymentCompleted, StateCompleted, StateCompensating, StateCompensated, StateFailed,
	}
}

// ParseState validates a state name coming from outside (query strings).
func ParseState(s string) (State, bool) {
	for _, st := range AllStates() {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}

// IsTerminal reports whether no further transition may leave s.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateCompensated || s == StateFailed
}

// CanTransition reports whether s may move to next.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// StepName identifies a forward step or a compensation.
type StepName string

const (
	StepCheckStock     StepName = "check_stock"
	StepReserveStock   StepName = "reserve_stock"
	StepCreateOrder    StepName = "create_order"
	StepProcessPayment StepName = "process_payment"
	StepConfirmOrder   StepName = "confirm_order"

	StepReleaseStock  StepName = "release_stock"
	StepCancelOrder   StepName = "cancel_order"
	StepRefundPayment StepName = "refund_payment"
)

// StepStatus is the status of a single step execution.
type StepStatus string

const (
	StepRunning     StepStatus = "running"
	StepCompleted   StepStatus = "completed"
	StepFailed      StepStatus = "failed"
	StepCompensated StepStatus = "compensated"
)

// EventType tags an entry of the audit trail.
type EventType string

const (
	EventSagaStarted        EventType = "saga_started"
	EventStepCompleted      EventType = "step_completed"
	EventStepFailed         EventType = "step_failed"
	EventStateChanged       EventType = "state_changed"
	EventSagaCompleted      EventType = "saga_completed"
	EventSagaFailed         EventType = "saga_failed"
	EventStepCompensated    EventType = "step_compensated"
	EventCompensationFailed EventType = "compensation_failed"
	EventOrchestratorFault  EventType = "orchestrator_fault"
)

// Saga is the aggregate root.
type Saga struct {
	ID    string
	Type  string
	State State

	// Payload is the JSON form of the typed request that started the saga.
	// It is written once on creation and never updated.
	Payload json.RawMessage

	// Result is only set when State is StateCompleted.
	Result json.RawMessage

	// ErrorMessage is only set on failure paths (FAILED, COMPENSATED).
	ErrorMessage string

	CreatedAt   time.Time
	StartedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
	FailedAt    *time.Time
}

// StepExecution records one attempt of one step.
type StepExecution struct {
	ID               int64
	SagaID           string
	Step             StepName
	Order            int
	Status           StepStatus
	CompensationStep StepName // empty when the step has no compensation
	OutputData       json.RawMessage
	ErrorMessage     string
	StartedAt        time.Time
	CompletedAt      *time.Time
	DurationMs       int64
}

// Event is a single immutable audit record.
type Event struct {
	// Seq is assigned by the store and defines the log order.
	Seq    int64
	SagaID string
	Type   EventType
	Data   json.RawMessage

	// TraceID and SpanID tie the event to the distributed trace that was
	// active when it was written. Empty when no span was recording.
	TraceID string
	SpanID  string

	CreatedAt time.Time
}
