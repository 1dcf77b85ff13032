package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/saga-orchestrator/internal/gateway/gatewaytest"
	"github.com/jcmexdev/saga-orchestrator/internal/pkg/reqctx"
)

func TestInventory(t *testing.T) {
	journal := &gatewaytest.Journal{}
	fake := gatewaytest.NewInventory(map[int]int{1: 5}, journal)
	defer fake.Close()

	inv := NewInventory(NewClient(time.Second, ""), fake.URL())
	ctx := reqctx.WithIdempotencyKey(context.Background(), "saga-1:reserve_stock")

	qty, err := inv.Stock(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 5, qty)

	left, err := inv.Reduce(ctx, 1, 2, "Reservation saga saga-1", "saga_saga-1")
	require.NoError(t, err)
	assert.Equal(t, 3, left)

	back, err := inv.Increase(ctx, 1, 2, "Compensation saga saga-1", "compensation_saga_saga-1")
	require.NoError(t, err)
	assert.Equal(t, 5, back)

	assert.Equal(t, []string{"reduce:1", "increase:1"}, journal.Entries())
	assert.Equal(t, []string{"saga-1:reserve_stock", "saga-1:reserve_stock"}, journal.IdempotencyKeys())
}

func TestInventory_ErrorsCarryStatus(t *testing.T) {
	fake := gatewaytest.NewInventory(map[int]int{1: 1}, nil)
	defer fake.Close()
	inv := NewInventory(NewClient(time.Second, ""), fake.URL())

	_, err := inv.Stock(context.Background(), 42)
	var ge *Error
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, http.StatusNotFound, ge.StatusCode)
	assert.Equal(t, "inventory", ge.Service)
	assert.True(t, IsNotFound(err))

	_, err = inv.Reduce(context.Background(), 1, 3, "r", "ref")
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, http.StatusBadRequest, ge.StatusCode)
	assert.Contains(t, err.Error(), "insufficient stock")
}

func TestEcommerceOrderFlow(t *testing.T) {
	fake := gatewaytest.NewEcommerce(nil, 7)
	defer fake.Close()
	fake.SetPrice(1, 29.99)

	ec := NewEcommerce(NewClient(time.Second, ""), fake.URL())
	ctx := context.Background()

	ok, err := ec.CustomerExists(ctx, 7)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ec.CustomerExists(ctx, 8)
	require.NoError(t, err)
	assert.False(t, ok)

	cartID, err := ec.CreateCart(ctx, 7)
	require.NoError(t, err)
	require.NoError(t, ec.AddItem(ctx, cartID, CartItem{ProductID: 1, Quantity: 2}))

	order, err := ec.Checkout(ctx, CheckoutRequest{CartID: cartID, CustomerID: 7, PaymentMethod: "credit_card"})
	require.NoError(t, err)
	assert.InDelta(t, 59.98, float64(order.TotalAmount), 0.001)
	assert.NotEmpty(t, order.OrderNumber)

	require.NoError(t, ec.CancelOrder(ctx, order.ID))
	status, _ := fake.OrderStatus(order.ID)
	assert.Equal(t, gatewaytest.OrderCancelled, status)
}

func TestClient_Headers(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx := reqctx.WithRequestID(context.Background(), "req-1")
	ctx = reqctx.WithIdempotencyKey(ctx, "saga-1:check_stock")

	c := NewClient(time.Second, "secret")
	require.NoError(t, c.do(ctx, call{service: "test", op: "ping", method: http.MethodGet, url: srv.URL}))

	assert.Equal(t, "req-1", got.Get("X-Request-Id"))
	assert.Equal(t, "saga-1:check_stock", got.Get("X-Idempotency-Key"))
	assert.Equal(t, "secret", got.Get("apikey"))
	assert.Equal(t, "application/json", got.Get("Content-Type"))
}

func TestClient_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewClient(50*time.Millisecond, "")
	err := c.do(context.Background(), call{service: "test", op: "slow", method: http.MethodGet, url: srv.URL})

	var ge *Error
	require.ErrorAs(t, err, &ge)
	assert.True(t, ge.Timeout())
	assert.Zero(t, ge.StatusCode)
}

func TestClient_ContextDeadline(t *testing.T) {
	c := NewClient(time.Second, "")
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)

	err := c.do(ctx, call{service: "test", op: "late", method: http.MethodGet, url: "http://127.0.0.1:1"})
	var ge *Error
	require.ErrorAs(t, err, &ge)
	assert.True(t, ge.Timeout())
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestAmountAcceptsStringsAndNumbers(t *testing.T) {
	var a Amount
	require.NoError(t, a.UnmarshalJSON([]byte(`"12.50"`)))
	assert.Equal(t, Amount(12.5), a)
	require.NoError(t, a.UnmarshalJSON([]byte(`3`)))
	assert.Equal(t, Amount(3), a)
	assert.Error(t, a.UnmarshalJSON([]byte(`"abc"`)))
}

func TestSimulatedPayment(t *testing.T) {
	p := NewSimulatedPayment(time.Millisecond)
	receipt, err := p.Capture(context.Background(), CaptureRequest{OrderID: 1, Amount: 42})
	require.NoError(t, err)
	assert.Equal(t, "completed", receipt.Status)
	assert.Equal(t, 42.0, receipt.Amount)
	assert.True(t, p.Captured(receipt.PaymentID))

	require.NoError(t, p.Refund(context.Background(), receipt.PaymentID, 42))
	assert.False(t, p.Captured(receipt.PaymentID))
	// Repeated refunds are accepted.
	require.NoError(t, p.Refund(context.Background(), receipt.PaymentID, 42))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewSimulatedPayment(time.Second).Capture(ctx, CaptureRequest{Amount: 1})
	var ge *Error
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, "payment", ge.Service)
}
