package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Payment captures and refunds money.
type Payment interface {
	Capture(ctx context.Context, req CaptureRequest) (*Receipt, error)
	Refund(ctx context.Context, paymentID string, amount float64) error
}

type CaptureRequest struct {
	OrderID    int     `json:"order_id"`
	CustomerID int     `json:"customer_id"`
	Amount     float64 `json:"amount"`
	Method     string  `json:"payment_method"`
}

// Receipt is the outcome of a successful capture.
type Receipt struct {
	PaymentID     string  `json:"payment_id"`
	TransactionID string  `json:"transaction_id"`
	Amount        float64 `json:"amount"`
	Status        string  `json:"status"`
}

// HTTPPayment talks to a payment service over REST.
type HTTPPayment struct {
	c       *Client
	baseURL string
}

func NewHTTPPayment(c *Client, baseURL string) *HTTPPayment {
	return &HTTPPayment{c: c, baseURL: baseURL}
}

func (p *HTTPPayment) Capture(ctx context.Context, req CaptureRequest) (*Receipt, error) {
	var out Receipt
	err := p.c.do(ctx, call{
		service: "payment",
		op:      "capture",
		method:  http.MethodPost,
		url:     join(p.baseURL, "api/v1/payments"),
		body:    req,
		want:    []int{http.StatusOK, http.StatusCreated},
		out:     &out,
	})
	if err != nil {
		return nil, err
	}
	if out.Amount == 0 {
		out.Amount = req.Amount
	}
	return &out, nil
}

func (p *HTTPPayment) Refund(ctx context.Context, paymentID string, amount float64) error {
	return p.c.do(ctx, call{
		service: "payment",
		op:      "refund",
		method:  http.MethodPost,
		url:     join(p.baseURL, "api/v1/payments", paymentID, "refund"),
		body:    map[string]float64{"amount": amount},
		want:    []int{http.StatusOK, http.StatusCreated, http.StatusAccepted, http.StatusNoContent},
	})
}

// SimulatedPayment is the in-process payment capability used when no
// payment service is configured. Every capture succeeds after delay.
type SimulatedPayment struct {
	delay time.Duration

	mu       sync.Mutex
	payments map[string]float64
}

func NewSimulatedPayment(delay time.Duration) *SimulatedPayment {
	return &SimulatedPayment{
		delay:    delay,
		payments: make(map[string]float64),
	}
}

func (s *SimulatedPayment) Capture(ctx context.Context, req CaptureRequest) (*Receipt, error) {
	if err := s.wait(ctx, "capture"); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	s.payments[id] = req.Amount
	slog.InfoContext(ctx, "payment captured", "payment_id", id, "order_id", req.OrderID, "amount", req.Amount)

	return &Receipt{
		PaymentID:     id,
		TransactionID: fmt.Sprintf("txn_%d", time.Now().Unix()),
		Amount:        req.Amount,
		Status:        "completed",
	}, nil
}

// Refund forgets the payment. Refunding an unknown or already refunded
// payment succeeds.
func (s *SimulatedPayment) Refund(ctx context.Context, paymentID string, amount float64) error {
	if err := s.wait(ctx, "refund"); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.payments[paymentID]; !ok {
		slog.WarnContext(ctx, "no payment to refund", "payment_id", paymentID)
		return nil
	}
	delete(s.payments, paymentID)
	slog.InfoContext(ctx, "payment refunded", "payment_id", paymentID, "amount", amount)
	return nil
}

// Captured reports whether paymentID is held and not refunded.
func (s *SimulatedPayment) Captured(paymentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.payments[paymentID]
	return ok
}

func (s *SimulatedPayment) wait(ctx context.Context, op string) error {
	if s.delay <= 0 {
		return nil
	}
	t := time.NewTimer(s.delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return &Error{Service: "payment", Op: op, Err: ctx.Err()}
	}
}
