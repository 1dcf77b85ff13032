package orderprocessing

import (
	"time"

	"github.com/jcmexdev/saga-orchestrator/internal/coordinator"
	"github.com/jcmexdev/saga-orchestrator/internal/coordinator/sagalog"
	"github.com/jcmexdev/saga-orchestrator/internal/gateway"
)

// Result is the result of a completed order_processing saga.
type Result struct {
	OrderID     int     `json:"order_id"`
	OrderNumber string  `json:"order_number"`
	PaymentID   string  `json:"payment_id"`
	TotalAmount float64 `json:"total_amount"`
}

// Definition wires the five order_processing steps to their collaborators.
func Definition(inv Inventory, ec Ecommerce, pay gateway.Payment) *coordinator.Definition {
	return &coordinator.Definition{
		Type:       SagaType,
		EntryState: sagalog.StateStockChecking,
		Steps: []coordinator.Step{
			checkStock{inv: inv},
			reserveStock{inv: inv},
			createOrder{ec: ec},
			processPayment{pay: pay},
			confirmOrder{now: time.Now},
		},
		Decode: Decode,
		Result: buildResult,
	}
}

func buildResult(out coordinator.Outputs) (any, error) {
	var order OrderOutput
	if err := out.Decode(sagalog.StepCreateOrder, &order); err != nil {
		return nil, err
	}
	var payment PaymentOutput
	if err := out.Decode(sagalog.StepProcessPayment, &payment); err != nil {
		return nil, err
	}
	return Result{
		OrderID:     order.OrderID,
		OrderNumber: order.OrderNumber,
		PaymentID:   payment.PaymentID,
		TotalAmount: payment.Amount,
	}, nil
}
