package orderprocessing

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/saga-orchestrator/internal/coordinator"
	"github.com/jcmexdev/saga-orchestrator/internal/coordinator/sagalog"
	"github.com/jcmexdev/saga-orchestrator/internal/gateway"
	"github.com/jcmexdev/saga-orchestrator/internal/gateway/gatewaytest"
)

type fixture struct {
	journal   *gatewaytest.Journal
	inventory *gatewaytest.Inventory
	ecommerce *gatewaytest.Ecommerce
	payment   *gateway.SimulatedPayment
	def       *coordinator.Definition
}

func newFixture(t *testing.T, stock map[int]int) *fixture {
	t.Helper()
	f := &fixture{journal: &gatewaytest.Journal{}}
	f.inventory = gatewaytest.NewInventory(stock, f.journal)
	f.ecommerce = gatewaytest.NewEcommerce(f.journal, 1)
	f.payment = gateway.NewSimulatedPayment(0)
	t.Cleanup(f.inventory.Close)
	t.Cleanup(f.ecommerce.Close)

	client := gateway.NewClient(time.Second, "")
	f.def = Definition(
		gateway.NewInventory(client, f.inventory.URL()),
		gateway.NewEcommerce(client, f.ecommerce.URL()),
		f.payment,
	)
	return f
}

func (f *fixture) step(name sagalog.StepName) coordinator.Step {
	for _, s := range f.def.Steps {
		if s.Name() == name {
			return s
		}
	}
	return nil
}

func input(req *Request, outputs coordinator.Outputs) coordinator.Input {
	if outputs == nil {
		outputs = coordinator.Outputs{}
	}
	return coordinator.Input{SagaID: "saga-1", Request: req, Outputs: outputs}
}

func sampleRequest() *Request {
	return &Request{
		CustomerID:      1,
		Products:        []Product{{ProductID: 1, Quantity: 2, Price: 10}, {ProductID: 2, Quantity: 1, Price: 5}},
		ShippingAddress: "1 Main St",
		BillingAddress:  "1 Main St",
		PaymentMethod:   "credit_card",
	}
}

func marshal(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestDefinition(t *testing.T) {
	f := newFixture(t, nil)

	assert.Equal(t, SagaType, f.def.Type)
	assert.Equal(t, sagalog.StateStockChecking, f.def.EntryState)

	var names, compensations []sagalog.StepName
	for _, s := range f.def.Steps {
		names = append(names, s.Name())
		if c, ok := s.(coordinator.Compensable); ok {
			compensations = append(compensations, c.CompensationName())
		}
	}
	assert.Equal(t, []sagalog.StepName{
		sagalog.StepCheckStock, sagalog.StepReserveStock, sagalog.StepCreateOrder,
		sagalog.StepProcessPayment, sagalog.StepConfirmOrder,
	}, names)
	assert.Equal(t, []sagalog.StepName{
		sagalog.StepReleaseStock, sagalog.StepCancelOrder, sagalog.StepRefundPayment,
	}, compensations)
}

func TestCheckStock(t *testing.T) {
	f := newFixture(t, map[int]int{1: 5, 2: 1})
	step := f.step(sagalog.StepCheckStock)

	out, err := step.Execute(context.Background(), input(sampleRequest(), nil))
	require.NoError(t, err)
	checks := out.(StockCheckOutput)
	assert.True(t, checks.AllSufficient)
	require.Len(t, checks.StockChecks, 2)
	assert.Equal(t, 5, checks.StockChecks[0].AvailableQuantity)
}

func TestCheckStock_Insufficient(t *testing.T) {
	f := newFixture(t, map[int]int{1: 1, 2: 1})
	step := f.step(sagalog.StepCheckStock)

	_, err := step.Execute(context.Background(), input(sampleRequest(), nil))
	var rule *coordinator.BusinessRuleViolation
	require.ErrorAs(t, err, &rule)
	assert.Equal(t, "insufficient_stock", rule.Rule)
	assert.Contains(t, rule.Detail, "product 1")
}

func TestCheckStock_Simulated(t *testing.T) {
	f := newFixture(t, map[int]int{1: 5, 2: 5})
	req := sampleRequest()
	req.SimulateFailure = SimulateStock

	_, err := f.step(sagalog.StepCheckStock).Execute(context.Background(), input(req, nil))
	var rule *coordinator.BusinessRuleViolation
	require.ErrorAs(t, err, &rule)
	assert.Equal(t, "simulated_failure", rule.Rule)
	assert.Empty(t, f.journal.Entries())
}

func TestReserveStock_AndRelease(t *testing.T) {
	f := newFixture(t, map[int]int{1: 5, 2: 1})
	step := f.step(sagalog.StepReserveStock).(coordinator.Compensable)
	ctx := context.Background()

	out, err := step.Execute(ctx, input(sampleRequest(), nil))
	require.NoError(t, err)
	res := out.(ReservationOutput)
	require.Len(t, res.Reservations, 2)
	assert.Equal(t, 3, res.Reservations[0].NewStockLevel)
	assert.Equal(t, 3, f.inventory.Stock(1))
	assert.Equal(t, 0, f.inventory.Stock(2))

	require.NoError(t, step.Compensate(ctx, input(sampleRequest(), nil), marshal(t, res)))
	assert.Equal(t, 5, f.inventory.Stock(1))
	assert.Equal(t, 1, f.inventory.Stock(2))
}

func TestReserveStock_ReleasesPartialReservation(t *testing.T) {
	f := newFixture(t, map[int]int{1: 5, 2: 1})
	f.inventory.FailReduce(2)

	_, err := f.step(sagalog.StepReserveStock).Execute(context.Background(), input(sampleRequest(), nil))
	require.Error(t, err)
	assert.Equal(t, 5, f.inventory.Stock(1))
	assert.Equal(t, []string{"reduce:1", "reduce:2", "increase:1"}, f.journal.Entries())
}

func TestReleaseStock_ReportsEveryFailure(t *testing.T) {
	f := newFixture(t, map[int]int{1: 3, 2: 0})
	f.inventory.FailIncrease(1)
	step := f.step(sagalog.StepReserveStock).(coordinator.Compensable)

	res := ReservationOutput{Reservations: []Reservation{
		{ProductID: 1, ReservedQuantity: 2},
		{ProductID: 2, ReservedQuantity: 1},
	}}
	err := step.Compensate(context.Background(), input(sampleRequest(), nil), marshal(t, res))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "release product 1")
	// The second release still went through.
	assert.Equal(t, 1, f.inventory.Stock(2))
}

func TestCreateOrder_AndCancel(t *testing.T) {
	f := newFixture(t, nil)
	f.ecommerce.SetPrice(1, 10)
	f.ecommerce.SetPrice(2, 5)
	step := f.step(sagalog.StepCreateOrder).(coordinator.Compensable)
	ctx := context.Background()

	out, err := step.Execute(ctx, input(sampleRequest(), nil))
	require.NoError(t, err)
	order := out.(OrderOutput)
	assert.Equal(t, 1, order.CustomerID)
	assert.NotZero(t, order.OrderID)
	assert.InDelta(t, 25.0, order.TotalAmount, 1e-9)

	require.NoError(t, step.Compensate(ctx, input(sampleRequest(), nil), marshal(t, order)))
	status, ok := f.ecommerce.OrderStatus(order.OrderID)
	require.True(t, ok)
	assert.Equal(t, gatewaytest.OrderCancelled, status)
}

func TestCreateOrder_UnknownCustomer(t *testing.T) {
	f := newFixture(t, nil)
	req := sampleRequest()
	req.CustomerID = 99

	_, err := f.step(sagalog.StepCreateOrder).Execute(context.Background(), input(req, nil))
	var rule *coordinator.BusinessRuleViolation
	require.ErrorAs(t, err, &rule)
	assert.Equal(t, "unknown_customer", rule.Rule)
	assert.Zero(t, f.ecommerce.Orders())
}

func TestProcessPayment_AndRefund(t *testing.T) {
	f := newFixture(t, nil)
	step := f.step(sagalog.StepProcessPayment).(coordinator.Compensable)
	ctx := context.Background()
	outputs := coordinator.Outputs{
		sagalog.StepCreateOrder: marshal(t, OrderOutput{OrderID: 7, TotalAmount: 25}),
	}

	out, err := step.Execute(ctx, input(sampleRequest(), outputs))
	require.NoError(t, err)
	payment := out.(PaymentOutput)
	assert.Equal(t, 25.0, payment.Amount)
	assert.Equal(t, "completed", payment.Status)
	assert.True(t, f.payment.Captured(payment.PaymentID))

	require.NoError(t, step.Compensate(ctx, input(sampleRequest(), outputs), marshal(t, payment)))
	assert.False(t, f.payment.Captured(payment.PaymentID))
}

func TestProcessPayment_FallsBackToRequestTotal(t *testing.T) {
	f := newFixture(t, nil)
	outputs := coordinator.Outputs{sagalog.StepCreateOrder: marshal(t, OrderOutput{OrderID: 7})}

	out, err := f.step(sagalog.StepProcessPayment).Execute(context.Background(), input(sampleRequest(), outputs))
	require.NoError(t, err)
	assert.Equal(t, 25.0, out.(PaymentOutput).Amount)
}

func TestProcessPayment_Simulated(t *testing.T) {
	f := newFixture(t, nil)
	req := sampleRequest()
	req.SimulateFailure = SimulatePayment

	_, err := f.step(sagalog.StepProcessPayment).Execute(context.Background(), input(req, nil))
	var rule *coordinator.BusinessRuleViolation
	require.ErrorAs(t, err, &rule)
	assert.Equal(t, "simulated_failure", rule.Rule)
}

func TestConfirmOrder_AndResult(t *testing.T) {
	f := newFixture(t, nil)
	outputs := coordinator.Outputs{
		sagalog.StepCreateOrder:    marshal(t, OrderOutput{OrderID: 7, OrderNumber: "ORD-000007", TotalAmount: 25}),
		sagalog.StepProcessPayment: marshal(t, PaymentOutput{PaymentID: "pay-1", Amount: 25}),
	}

	out, err := f.step(sagalog.StepConfirmOrder).Execute(context.Background(), input(sampleRequest(), outputs))
	require.NoError(t, err)
	confirmation := out.(ConfirmationOutput)
	assert.True(t, confirmation.Confirmed)
	assert.Equal(t, 7, confirmation.OrderID)
	assert.False(t, confirmation.ConfirmationTime.IsZero())

	result, err := f.def.Result(outputs)
	require.NoError(t, err)
	assert.Equal(t, Result{OrderID: 7, OrderNumber: "ORD-000007", PaymentID: "pay-1", TotalAmount: 25}, result)
}
