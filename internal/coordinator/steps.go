package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/jcmexdev/saga-orchestrator/internal/coordinator/sagalog"
)

// Step represents a single unit of forward progress in a saga. Execute
// returns the step output, which is stored as JSON and handed to later
// steps and to the step's own compensation.
type Step interface {
	Name() sagalog.StepName
	Execute(ctx context.Context, in Input) (any, error)
}

// Compensable is a Step whose effect can be semantically undone.
// Compensate may run more than once for the same saga (after a restart),
// so implementations must tolerate repeats.
type Compensable interface {
	Step
	CompensationName() sagalog.StepName
	Compensate(ctx context.Context, in Input, output json.RawMessage) error
}

// StateSetter is implemented by steps that move the saga to a new state
// once they complete.
type StateSetter interface {
	TargetState() sagalog.State
}

// Input is what a step sees: the typed request of its saga and the outputs
// of every step that completed before it.
type Input struct {
	SagaID  string
	Request any
	Outputs Outputs
}

// Outputs maps a completed step to its recorded JSON output.
type Outputs map[sagalog.StepName]json.RawMessage

// Decode unmarshals the output of step into v.
func (o Outputs) Decode(step sagalog.StepName, v any) error {
	raw, ok := o[step]
	if !ok {
		return fmt.Errorf("coordinator: no output recorded for %s", step)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("coordinator: decode %s output: %w", step, err)
	}
	return nil
}

// Definition describes one saga type.
type Definition struct {
	Type string

	// EntryState is set right before the first step runs.
	EntryState sagalog.State

	Steps []Step

	// Decode parses and validates a raw request. It returns a
	// *ValidationError for malformed input.
	Decode func(raw []byte) (any, error)

	// Result builds the saga result from the outputs of a successful run.
	Result func(out Outputs) (any, error)
}

func compensationName(s Step) sagalog.StepName {
	if c, ok := s.(Compensable); ok {
		return c.CompensationName()
	}
	return ""
}

func (d *Definition) stepByName(name sagalog.StepName) (Step, bool) {
	for _, s := range d.Steps {
		if s.Name() == name {
			return s, true
		}
	}
	return nil, false
}

// Registry holds the saga definitions known to an orchestrator.
type Registry struct {
	defs *xsync.MapOf[string, *Definition]
}

// NewRegistry creates a Registry holding defs.
func NewRegistry(defs ...*Definition) (*Registry, error) {
	r := &Registry{defs: xsync.NewMapOf[string, *Definition]()}
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a definition. Types must be unique.
func (r *Registry) Register(def *Definition) error {
	if def.Type == "" || len(def.Steps) == 0 || def.Decode == nil {
		return fmt.Errorf("coordinator: incomplete definition %q", def.Type)
	}
	if _, loaded := r.defs.LoadOrStore(def.Type, def); loaded {
		return fmt.Errorf("coordinator: saga type %q already registered", def.Type)
	}
	return nil
}

// Lookup returns the definition for sagaType.
func (r *Registry) Lookup(sagaType string) (*Definition, error) {
	def, ok := r.defs.Load(sagaType)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSagaType, sagaType)
	}
	return def, nil
}

// Types returns the registered saga types, sorted.
func (r *Registry) Types() []string {
	var out []string
	r.defs.Range(func(k string, _ *Definition) bool {
		out = append(out, k)
		return true
	})
	sort.Strings(out)
	return out
}
