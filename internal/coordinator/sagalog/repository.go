package sagalog

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a saga id is unknown to the store.
	ErrNotFound = errors.New("sagalog: saga not found")

	// ErrTerminal is returned when an update targets a saga that already
	// reached a terminal state.
	ErrTerminal = errors.New("sagalog: saga is in a terminal state")

	// ErrStaleStep is returned when a step execution is not in the status an
	// update expects (finishing a non-running step, compensating a
	// non-completed one).
	ErrStaleStep = errors.New("sagalog: step execution is not in the expected status")
)

// ListFilter selects a page of sagas. Zero values mean "no filter".
type ListFilter struct {
	Skip  int
	Limit int
	Type  string
	State State
}

// EventQuery selects a newest-first page of a saga's events. Before, when
// non-zero, only returns events with a smaller sequence number.
type EventQuery struct {
	Limit  int
	Before int64
}

// Stats is the aggregate view over every saga and step execution.
type Stats struct {
	Total       int
	ByState     map[State]int
	AvgDuration *float64 // milliseconds, nil when no saga completed

	TotalStepsExecuted  int
	TotalCompensations  int
	FailedCompensations int
}

// Repository is the port the orchestrator persists through. Implementations
// must be safe for concurrent use by many sagas.
type Repository interface {
	CreateSaga(ctx context.Context, saga *Saga) error
	GetSaga(ctx context.Context, id string) (*Saga, error)
	// UpdateSaga writes the mutable fields of saga. It refuses to touch a
	// saga already stored in a terminal state (ErrTerminal).
	UpdateSaga(ctx context.Context, saga *Saga) error
	ListSagas(ctx context.Context, filter ListFilter) ([]*Saga, int, error)
	// Unfinished returns every saga not in a terminal state, oldest first.
	Unfinished(ctx context.Context) ([]*Saga, error)

	// CreateStep inserts a RUNNING execution and assigns its ID.
	CreateStep(ctx context.Context, exec *StepExecution) error
	// FinishStep moves a RUNNING execution to COMPLETED or FAILED.
	FinishStep(ctx context.Context, exec *StepExecution) error
	// MarkCompensated moves a COMPLETED execution to COMPENSATED.
	MarkCompensated(ctx context.Context, exec *StepExecution) error
	ListSteps(ctx context.Context, sagaID string) ([]*StepExecution, error)

	// AppendEvent inserts an event and assigns its Seq. Events are never
	// updated or deleted.
	AppendEvent(ctx context.Context, event *Event) error
	ListEvents(ctx context.Context, sagaID string, q EventQuery) ([]*Event, error)

	Stats(ctx context.Context) (*Stats, error)
}
