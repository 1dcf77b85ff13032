package sagalog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestStateTransitions(t *testing.T) {
	happy := []State{
		StatePending, StateStockChecking, StateStockReserved,
		StateOrderCreated, StatePaymentCompleted, StateCompleted,
	}
	for i := 0; i < len(happy)-1; i++ {
		assert.Truef(t, happy[i].CanTransition(happy[i+1]), "%s -> %s", happy[i], happy[i+1])
	}

	for _, s := range []State{StateStockChecking, StateStockReserved, StateOrderCreated, StatePaymentCompleted} {
		assert.True(t, s.CanTransition(StateCompensating), s)
		assert.True(t, s.CanTransition(StateFailed), s)
	}
	assert.True(t, StateCompensating.CanTransition(StateCompensated))
	assert.False(t, StatePending.CanTransition(StateCompensating))
	assert.False(t, StateStockChecking.CanTransition(StateCompleted))
}

func TestTerminalStatesHaveNoSuccessors(t *testing.T) {
	for _, term := range []State{StateCompleted, StateCompensated, StateFailed} {
		require.True(t, term.IsTerminal())
		for _, next := range AllStates() {
			assert.Falsef(t, term.CanTransition(next), "%s -> %s", term, next)
		}
	}
	assert.False(t, StateCompensating.IsTerminal())
}

func TestParseState(t *testing.T) {
	s, ok := ParseState("order_created")
	require.True(t, ok)
	assert.Equal(t, StateOrderCreated, s)

	_, ok = ParseState("ORDER_CREATED")
	assert.False(t, ok)
}

func TestNewEvent(t *testing.T) {
	ev, err := NewEvent(context.Background(), "s-1", EventStepFailed, map[string]any{"step": StepCheckStock})
	require.NoError(t, err)
	assert.Equal(t, "s-1", ev.SagaID)
	assert.JSONEq(t, `{"step":"check_stock"}`, string(ev.Data))
	assert.Empty(t, ev.TraceID)

	ev, err = NewEvent(context.Background(), "s-1", EventSagaStarted, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(ev.Data))

	_, err = NewEvent(context.Background(), "s-1", EventSagaStarted, map[string]any{"bad": make(chan int)})
	assert.Error(t, err)
}

func TestNewEventCarriesTraceIDs(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()

	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	ev, err := NewEvent(ctx, "s-2", EventStateChanged, nil)
	require.NoError(t, err)
	assert.Equal(t, span.SpanContext().TraceID().String(), ev.TraceID)
	assert.Equal(t, span.SpanContext().SpanID().String(), ev.SpanID)
}
