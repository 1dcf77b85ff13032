package orderprocessing

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/saga-orchestrator/internal/coordinator"
	"github.com/jcmexdev/saga-orchestrator/internal/coordinator/sagalog"
	"github.com/jcmexdev/saga-orchestrator/internal/coordinator/sagalog/sqlstore"
)

type world struct {
	*fixture
	store *sqlstore.Store
	orch  *coordinator.Orchestrator
	query *coordinator.QueryService
}

func newWorld(t *testing.T, stock map[int]int) *world {
	t.Helper()
	f := newFixture(t, stock)

	store, err := sqlstore.Open(context.Background(), sqlstore.DialectSQLite, filepath.Join(t.TempDir(), "saga.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	registry, err := coordinator.NewRegistry(f.def)
	require.NoError(t, err)

	return &world{
		fixture: f,
		store:   store,
		orch:    coordinator.NewOrchestrator(store, registry, coordinator.WithStepTimeout(5*time.Second)),
		query:   coordinator.NewQueryService(store),
	}
}

func (w *world) start(t *testing.T, body string) *coordinator.SagaStatus {
	t.Helper()
	id, err := w.orch.Start(context.Background(), SagaType, []byte(body))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, w.orch.Wait(ctx))

	st, err := w.query.Status(context.Background(), id)
	require.NoError(t, err)
	return st
}

func orderBody(customerID int, simulate string) string {
	body := fmt.Sprintf(`{
		"customer_id": %d,
		"products": [
			{"product_id": 1, "quantity": 2, "price": 10},
			{"product_id": 2, "quantity": 1, "price": 5}
		],
		"shipping_address": "1 Main St",
		"billing_address": "1 Main St"`, customerID)
	if simulate != "" {
		body += fmt.Sprintf(`, "simulate_failure": %q`, simulate)
	}
	return body + "}"
}

func executed(st *coordinator.SagaStatus) []sagalog.StepName {
	var out []sagalog.StepName
	for _, exec := range st.Steps {
		out = append(out, exec.Step)
	}
	return out
}

func filter(entries []string, prefix string) []string {
	var out []string
	for _, e := range entries {
		if strings.HasPrefix(e, prefix) {
			out = append(out, e)
		}
	}
	return out
}

func TestOrderSaga_Completes(t *testing.T) {
	w := newWorld(t, map[int]int{1: 5, 2: 5})
	w.ecommerce.SetPrice(1, 10)
	w.ecommerce.SetPrice(2, 5)

	st := w.start(t, orderBody(1, ""))

	require.Equal(t, sagalog.StateCompleted, st.Saga.State, st.Saga.ErrorMessage)
	var res Result
	require.NoError(t, json.Unmarshal(st.Saga.Result, &res))
	assert.NotZero(t, res.OrderID)
	assert.NotEmpty(t, res.OrderNumber)
	assert.NotEmpty(t, res.PaymentID)
	assert.InDelta(t, 25.0, res.TotalAmount, 1e-9)

	assert.Equal(t, 3, w.inventory.Stock(1))
	assert.Equal(t, 4, w.inventory.Stock(2))
	assert.True(t, w.payment.Captured(res.PaymentID))
	assert.Len(t, st.Steps, 5)
}

func TestOrderSaga_InsufficientStockFails(t *testing.T) {
	w := newWorld(t, map[int]int{1: 1, 2: 5})

	st := w.start(t, orderBody(1, ""))

	assert.Equal(t, sagalog.StateFailed, st.Saga.State)
	assert.Contains(t, st.Saga.ErrorMessage, "insufficient_stock")
	assert.Equal(t, []sagalog.StepName{sagalog.StepCheckStock}, executed(st))
	assert.Empty(t, filter(w.journal.Entries(), "reduce:"))
	assert.Zero(t, w.ecommerce.Orders())
}

func TestOrderSaga_UnknownCustomerReleasesStock(t *testing.T) {
	w := newWorld(t, map[int]int{1: 5, 2: 5})

	st := w.start(t, orderBody(42, ""))

	assert.Equal(t, sagalog.StateCompensated, st.Saga.State)
	assert.Contains(t, st.Saga.ErrorMessage, "unknown_customer")
	assert.Equal(t, []string{"increase:1", "increase:2"}, filter(w.journal.Entries(), "increase:"))
	assert.Equal(t, 5, w.inventory.Stock(1))
	assert.Equal(t, 5, w.inventory.Stock(2))

	var released int
	for _, exec := range st.Steps {
		if exec.Status == sagalog.StepCompensated && exec.CompensationStep == sagalog.StepReleaseStock {
			released++
		}
	}
	assert.Equal(t, 1, released)
}

func TestOrderSaga_PaymentFailureCompensatesInReverse(t *testing.T) {
	w := newWorld(t, map[int]int{1: 5, 2: 5})

	st := w.start(t, orderBody(1, SimulatePayment))

	assert.Equal(t, sagalog.StateCompensated, st.Saga.State)
	assert.Equal(t, "step process_payment failed: simulated_failure: simulated payment failure", st.Saga.ErrorMessage)

	var undo []string
	for _, e := range w.journal.Entries() {
		if strings.HasPrefix(e, "cancel:") || strings.HasPrefix(e, "increase:") {
			undo = append(undo, strings.SplitN(e, ":", 2)[0])
		}
	}
	assert.Equal(t, []string{"cancel", "increase", "increase"}, undo)

	orderID := 0
	for _, exec := range st.Steps {
		if exec.Step == sagalog.StepCreateOrder {
			var out OrderOutput
			require.NoError(t, json.Unmarshal(exec.OutputData, &out))
			orderID = out.OrderID
		}
	}
	status, ok := w.ecommerce.OrderStatus(orderID)
	require.True(t, ok)
	assert.Equal(t, "cancelled", status)
	assert.Equal(t, 5, w.inventory.Stock(1))

	// Compensation calls carry the key of the compensation, not the step.
	keys := w.journal.IdempotencyKeys()
	assert.Contains(t, keys, coordinator.IdempotencyKey(st.Saga.ID, sagalog.StepCancelOrder))
	assert.Contains(t, keys, coordinator.IdempotencyKey(st.Saga.ID, sagalog.StepReleaseStock))
}

func TestOrderSaga_SimulatedStockFailure(t *testing.T) {
	w := newWorld(t, map[int]int{1: 5, 2: 5})

	st := w.start(t, orderBody(1, SimulateStock))

	assert.Equal(t, sagalog.StateFailed, st.Saga.State)
	assert.Empty(t, w.journal.Entries())
}

func TestOrderSaga_SuccessRate(t *testing.T) {
	w := newWorld(t, map[int]int{1: 100, 2: 100})

	for i := 0; i < 3; i++ {
		require.Equal(t, sagalog.StateCompleted, w.start(t, orderBody(1, "")).Saga.State)
	}
	require.Equal(t, sagalog.StateCompensated, w.start(t, orderBody(1, SimulatePayment)).Saga.State)

	stats, err := w.query.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, stats.TotalSagas)
	assert.Zero(t, stats.FailedSagas)
	assert.InDelta(t, 0.75, stats.SuccessRate, 1e-9)
}

func TestOrderSaga_RejectsInvalidRequest(t *testing.T) {
	w := newWorld(t, nil)

	_, err := w.orch.Start(context.Background(), SagaType, []byte(`{"customer_id": 1, "products": []}`))
	var verr *coordinator.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "products", verr.Field)
}
