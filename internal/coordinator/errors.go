package coordinator

import (
	"errors"
	"fmt"
)

var (
	// ErrSagaBusy is returned by Execute when another worker holds the saga lock.
	ErrSagaBusy = errors.New("coordinator: saga is being executed elsewhere")

	// ErrUnknownSagaType is returned when no Definition is registered for a type.
	ErrUnknownSagaType = errors.New("coordinator: unknown saga type")

	// ErrNotPending is returned by Execute for a saga that already left PENDING.
	ErrNotPending = errors.New("coordinator: saga is not pending")
)

// ValidationError rejects a start request before anything is persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// BusinessRuleViolation is a step failure caused by the data rather than
// the transport, e.g. insufficient stock or an unknown customer.
type BusinessRuleViolation struct {
	Rule   string
	Detail string
}

func (e *BusinessRuleViolation) Error() string {
	return fmt.Sprintf("%s: %s", e.Rule, e.Detail)
}

// CompensationFailure wraps the error of a compensating action. It is
// recorded and logged but never stops the sweep.
type CompensationFailure struct {
	Step string
	Err  error
}

func (e *CompensationFailure) Error() string {
	return fmt.Sprintf("compensation %s failed: %v", e.Step, e.Err)
}

func (e *CompensationFailure) Unwrap() error { return e.Err }

// OrchestratorFault is a failure of the orchestrator itself, typically the
// store being unavailable. It is the only error allowed to abort the
// execute loop.
type OrchestratorFault struct {
	Op  string
	Err error
}

func (e *OrchestratorFault) Error() string {
	return fmt.Sprintf("orchestrator fault: %s: %v", e.Op, e.Err)
}

func (e *OrchestratorFault) Unwrap() error { return e.Err }

func fault(op string, err error) error {
	return &OrchestratorFault{Op: op, Err: err}
}
