package orderprocessing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jcmexdev/saga-orchestrator/internal/coordinator"
	"github.com/jcmexdev/saga-orchestrator/internal/coordinator/sagalog"
	"github.com/jcmexdev/saga-orchestrator/internal/gateway"
)

// Inventory is the stock capability the steps need.
type Inventory interface {
	Stock(ctx context.Context, productID int) (int, error)
	Reduce(ctx context.Context, productID, quantity int, reason, reference string) (int, error)
	Increase(ctx context.Context, productID, quantity int, reason, reference string) (int, error)
}

// Ecommerce is the customers, carts and orders capability the steps need.
type Ecommerce interface {
	CustomerExists(ctx context.Context, customerID int) (bool, error)
	CreateCart(ctx context.Context, customerID int) (int, error)
	AddItem(ctx context.Context, cartID int, item gateway.CartItem) error
	Checkout(ctx context.Context, req gateway.CheckoutRequest) (*gateway.Order, error)
	CancelOrder(ctx context.Context, orderID int) error
}

type StockCheck struct {
	ProductID         int  `json:"product_id"`
	RequestedQuantity int  `json:"requested_quantity"`
	AvailableQuantity int  `json:"available_quantity"`
	Sufficient        bool `json:"sufficient"`
}

type StockCheckOutput struct {
	StockChecks   []StockCheck `json:"stock_checks"`
	AllSufficient bool         `json:"all_sufficient"`
}

type Reservation struct {
	ProductID        int `json:"product_id"`
	ReservedQuantity int `json:"reserved_quantity"`
	NewStockLevel    int `json:"new_stock_level"`
}

type ReservationOutput struct {
	Reservations []Reservation `json:"reservations"`
}

type OrderOutput struct {
	CustomerID  int     `json:"customer_id"`
	CartID      int     `json:"cart_id"`
	OrderID     int     `json:"order_id"`
	OrderNumber string  `json:"order_number"`
	TotalAmount float64 `json:"total_amount"`
	Status      string  `json:"status"`
}

type PaymentOutput struct {
	PaymentID     string  `json:"payment_id"`
	Amount        float64 `json:"amount"`
	Status        string  `json:"status"`
	TransactionID string  `json:"transaction_id"`
}

type ConfirmationOutput struct {
	Confirmed        bool      `json:"confirmed"`
	OrderID          int       `json:"order_id"`
	OrderNumber      string    `json:"order_number"`
	ConfirmationTime time.Time `json:"confirmation_time"`
}

func request(in coordinator.Input) (*Request, error) {
	req, ok := in.Request.(*Request)
	if !ok {
		return nil, fmt.Errorf("orderprocessing: unexpected request type %T", in.Request)
	}
	return req, nil
}

// checkStock verifies every product is available in the requested quantity.
type checkStock struct {
	inv Inventory
}

func (checkStock) Name() sagalog.StepName     { return sagalog.StepCheckStock }
func (checkStock) TargetState() sagalog.State { return sagalog.StateStockChecking }

func (s checkStock) Execute(ctx context.Context, in coordinator.Input) (any, error) {
	req, err := request(in)
	if err != nil {
		return nil, err
	}
	if req.SimulateFailure == SimulateStock {
		return nil, &coordinator.BusinessRuleViolation{Rule: "simulated_failure", Detail: "simulated stock check failure"}
	}

	out := StockCheckOutput{AllSufficient: true}
	for _, p := range req.Products {
		available, err := s.inv.Stock(ctx, p.ProductID)
		if err != nil {
			return nil, err
		}
		check := StockCheck{
			ProductID:         p.ProductID,
			RequestedQuantity: p.Quantity,
			AvailableQuantity: available,
			Sufficient:        available >= p.Quantity,
		}
		out.StockChecks = append(out.StockChecks, check)
		if !check.Sufficient {
			out.AllSufficient = false
		}
	}

	if !out.AllSufficient {
		for _, c := range out.StockChecks {
			if !c.Sufficient {
				return nil, &coordinator.BusinessRuleViolation{
					Rule:   "insufficient_stock",
					Detail: fmt.Sprintf("product %d: requested %d, available %d", c.ProductID, c.RequestedQuantity, c.AvailableQuantity),
				}
			}
		}
	}
	return out, nil
}

// reserveStock takes the requested quantities out of stock.
type reserveStock struct {
	inv Inventory
}

func (reserveStock) Name() sagalog.StepName             { return sagalog.StepReserveStock }
func (reserveStock) CompensationName() sagalog.StepName { return sagalog.StepReleaseStock }
func (reserveStock) TargetState() sagalog.State         { return sagalog.StateStockReserved }

func (s reserveStock) Execute(ctx context.Context, in coordinator.Input) (any, error) {
	req, err := request(in)
	if err != nil {
		return nil, err
	}

	reason := "Reservation saga " + in.SagaID
	reference := "saga_" + in.SagaID

	var out ReservationOutput
	for _, p := range req.Products {
		level, err := s.inv.Reduce(ctx, p.ProductID, p.Quantity, reason, reference)
		if err != nil {
			// The step fails as a whole, so nothing it reserved may stay held.
			s.release(ctx, in.SagaID, out.Reservations)
			return nil, err
		}
		out.Reservations = append(out.Reservations, Reservation{
			ProductID:        p.ProductID,
			ReservedQuantity: p.Quantity,
			NewStockLevel:    level,
		})
	}
	return out, nil
}

func (s reserveStock) release(ctx context.Context, sagaID string, held []Reservation) {
	for _, r := range held {
		if _, err := s.inv.Increase(ctx, r.ProductID, r.ReservedQuantity, "Compensation saga "+sagaID, "compensation_saga_"+sagaID); err != nil {
			slog.ErrorContext(ctx, "failed to release partial reservation",
				"saga_id", sagaID, "product_id", r.ProductID, "error", err)
		}
	}
}

func (s reserveStock) Compensate(ctx context.Context, in coordinator.Input, output json.RawMessage) error {
	var out ReservationOutput
	if err := json.Unmarshal(output, &out); err != nil {
		return fmt.Errorf("orderprocessing: decode reservations: %w", err)
	}

	var errs []error
	for _, r := range out.Reservations {
		_, err := s.inv.Increase(ctx, r.ProductID, r.ReservedQuantity, "Compensation saga "+in.SagaID, "compensation_saga_"+in.SagaID)
		if err != nil {
			errs = append(errs, fmt.Errorf("release product %d: %w", r.ProductID, err))
		}
	}
	return errors.Join(errs...)
}

// createOrder turns the request into a cart and checks it out.
type createOrder struct {
	ec Ecommerce
}

func (createOrder) Name() sagalog.StepName             { return sagalog.StepCreateOrder }
func (createOrder) CompensationName() sagalog.StepName { return sagalog.StepCancelOrder }
func (createOrder) TargetState() sagalog.State         { return sagalog.StateOrderCreated }

func (s createOrder) Execute(ctx context.Context, in coordinator.Input) (any, error) {
	req, err := request(in)
	if err != nil {
		return nil, err
	}

	ok, err := s.ec.CustomerExists(ctx, req.CustomerID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &coordinator.BusinessRuleViolation{
			Rule:   "unknown_customer",
			Detail: fmt.Sprintf("customer %d not found", req.CustomerID),
		}
	}

	cartID, err := s.ec.CreateCart(ctx, req.CustomerID)
	if err != nil {
		return nil, err
	}
	for _, p := range req.Products {
		if err := s.ec.AddItem(ctx, cartID, gateway.CartItem{ProductID: p.ProductID, Quantity: p.Quantity}); err != nil {
			return nil, err
		}
	}

	order, err := s.ec.Checkout(ctx, gateway.CheckoutRequest{
		CartID:          cartID,
		CustomerID:      req.CustomerID,
		ShippingAddress: req.ShippingAddress,
		BillingAddress:  req.BillingAddress,
		PaymentMethod:   req.PaymentMethod,
	})
	if err != nil {
		return nil, err
	}

	return OrderOutput{
		CustomerID:  req.CustomerID,
		CartID:      cartID,
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		TotalAmount: float64(order.TotalAmount),
		Status:      order.Status,
	}, nil
}

func (s createOrder) Compensate(ctx context.Context, _ coordinator.Input, output json.RawMessage) error {
	var out OrderOutput
	if err := json.Unmarshal(output, &out); err != nil {
		return fmt.Errorf("orderprocessing: decode order: %w", err)
	}
	return s.ec.CancelOrder(ctx, out.OrderID)
}

// processPayment captures the order total.
type processPayment struct {
	pay gateway.Payment
}

func (processPayment) Name() sagalog.StepName             { return sagalog.StepProcessPayment }
func (processPayment) CompensationName() sagalog.StepName { return sagalog.StepRefundPayment }
func (processPayment) TargetState() sagalog.State         { return sagalog.StatePaymentCompleted }

func (s processPayment) Execute(ctx context.Context, in coordinator.Input) (any, error) {
	req, err := request(in)
	if err != nil {
		return nil, err
	}
	if req.SimulateFailure == SimulatePayment {
		return nil, &coordinator.BusinessRuleViolation{Rule: "simulated_failure", Detail: "simulated payment failure"}
	}

	var order OrderOutput
	if err := in.Outputs.Decode(sagalog.StepCreateOrder, &order); err != nil {
		return nil, err
	}

	amount := order.TotalAmount
	if amount <= 0 {
		amount = req.Total()
	}

	receipt, err := s.pay.Capture(ctx, gateway.CaptureRequest{
		OrderID:    order.OrderID,
		CustomerID: req.CustomerID,
		Amount:     amount,
		Method:     req.PaymentMethod,
	})
	if err != nil {
		return nil, err
	}

	return PaymentOutput{
		PaymentID:     receipt.PaymentID,
		Amount:        receipt.Amount,
		Status:        receipt.Status,
		TransactionID: receipt.TransactionID,
	}, nil
}

func (s processPayment) Compensate(ctx context.Context, _ coordinator.Input, output json.RawMessage) error {
	var out PaymentOutput
	if err := json.Unmarshal(output, &out); err != nil {
		return fmt.Errorf("orderprocessing: decode payment: %w", err)
	}
	return s.pay.Refund(ctx, out.PaymentID, out.Amount)
}

// confirmOrder is the final step. It has no external effect.
type confirmOrder struct {
	now func() time.Time
}

func (confirmOrder) Name() sagalog.StepName { return sagalog.StepConfirmOrder }

func (s confirmOrder) Execute(_ context.Context, in coordinator.Input) (any, error) {
	var order OrderOutput
	if err := in.Outputs.Decode(sagalog.StepCreateOrder, &order); err != nil {
		return nil, err
	}
	return ConfirmationOutput{
		Confirmed:        true,
		OrderID:          order.OrderID,
		OrderNumber:      order.OrderNumber,
		ConfirmationTime: s.now().UTC(),
	}, nil
}
