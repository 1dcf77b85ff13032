// Package orderprocessing is the catalog of the order_processing saga:
// check stock, reserve it, create the order, capture the payment and
// confirm, with compensations for the reservation, the order and the
// payment.
package orderprocessing

import (
	"bytes"
	"encoding/json"
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/jcmexdev/saga-orchestrator/internal/coordinator"
)

// SagaType is the saga_type of every saga built from this catalog.
const SagaType = "order_processing"

const defaultPaymentMethod = "credit_card"

// Failure simulation switches accepted in Request.SimulateFailure.
const (
	SimulateStock   = "stock"
	SimulatePayment = "payment"
)

type Product struct {
	ProductID int     `json:"product_id" validate:"gt=0"`
	Quantity  int     `json:"quantity" validate:"gt=0"`
	Price     float64 `json:"price" validate:"gte=0"`
}

// Request starts an order_processing saga.
type Request struct {
	CustomerID      int       `json:"customer_id" validate:"gt=0"`
	CartID          *int      `json:"cart_id,omitempty"`
	Products        []Product `json:"products" validate:"required,min=1,dive"`
	ShippingAddress string    `json:"shipping_address" validate:"required"`
	BillingAddress  string    `json:"billing_address" validate:"required"`
	PaymentMethod   string    `json:"payment_method"`
	SimulateFailure string    `json:"simulate_failure,omitempty" validate:"omitempty,oneof=stock payment"`
}

// Total is the amount to capture: the sum of quantity times price.
func (r *Request) Total() float64 {
	var total float64
	for _, p := range r.Products {
		total += float64(p.Quantity) * p.Price
	}
	return total
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report JSON field names so errors match the request body.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Decode parses and validates a raw request. Any problem is reported as a
// *coordinator.ValidationError.
func Decode(raw []byte) (any, error) {
	var req Request
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&req); err != nil {
		return nil, &coordinator.ValidationError{Reason: "malformed JSON: " + err.Error()}
	}
	if req.PaymentMethod == "" {
		req.PaymentMethod = defaultPaymentMethod
	}
	if err := Validate(&req); err != nil {
		return nil, err
	}
	return &req, nil
}

// Validate checks req against its validation tags.
func Validate(req *Request) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &coordinator.ValidationError{Reason: err.Error()}
	}
	fe := verrs[0]
	field := strings.TrimPrefix(fe.Namespace(), "Request.")
	return &coordinator.ValidationError{Field: field, Reason: reason(fe)}
}

func reason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return "must contain at least " + fe.Param() + " item(s)"
	case "gt":
		return "must be greater than " + fe.Param()
	case "gte":
		return "must be at least " + fe.Param()
	case "oneof":
		return "must be one of: " + fe.Param()
	default:
		return "failed " + fe.Tag() + " validation"
	}
}
