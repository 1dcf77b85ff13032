package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// Ecommerce is the customers, carts and orders API.
type Ecommerce struct {
	c       *Client
	baseURL string
}

func NewEcommerce(c *Client, baseURL string) *Ecommerce {
	return &Ecommerce{c: c, baseURL: baseURL}
}

type CartItem struct {
	ProductID int `json:"product_id"`
	Quantity  int `json:"quantity"`
}

type CheckoutRequest struct {
	CartID          int    `json:"cart_id"`
	CustomerID      int    `json:"customer_id"`
	ShippingAddress string `json:"shipping_address"`
	BillingAddress  string `json:"billing_address"`
	PaymentMethod   string `json:"payment_method"`
}

type Order struct {
	ID          int    `json:"id"`
	OrderNumber string `json:"order_number"`
	TotalAmount Amount `json:"total_amount"`
	Status      string `json:"status"`
}

// Amount is a monetary value the ecommerce API sends either as a JSON
// number or as a decimal string.
type Amount float64

func (a *Amount) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*a = 0
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("gateway: amount %s: %w", b, err)
	}
	*a = Amount(f)
	return nil
}

type idResponse struct {
	ID int `json:"id"`
}

// CustomerExists returns false, nil for an unknown customer.
func (e *Ecommerce) CustomerExists(ctx context.Context, customerID int) (bool, error) {
	err := e.c.do(ctx, call{
		service: "ecommerce",
		op:      "get customer",
		method:  http.MethodGet,
		url:     join(e.baseURL, "api/v1/customers", strconv.Itoa(customerID)),
	})
	if IsNotFound(err) {
		return false, nil
	}
	return err == nil, err
}

// CreateCart opens a cart for the customer and returns its id.
func (e *Ecommerce) CreateCart(ctx context.Context, customerID int) (int, error) {
	var out idResponse
	err := e.c.do(ctx, call{
		service: "ecommerce",
		op:      "create cart",
		method:  http.MethodPost,
		url:     join(e.baseURL, "api/v1/carts"),
		body:    map[string]int{"customer_id": customerID},
		want:    []int{http.StatusCreated},
		out:     &out,
	})
	return out.ID, err
}

func (e *Ecommerce) AddItem(ctx context.Context, cartID int, item CartItem) error {
	return e.c.do(ctx, call{
		service: "ecommerce",
		op:      "add cart item",
		method:  http.MethodPost,
		url:     join(e.baseURL, "api/v1/carts", strconv.Itoa(cartID), "items"),
		body:    item,
		want:    []int{http.StatusCreated},
	})
}

// Checkout turns a cart into an order.
func (e *Ecommerce) Checkout(ctx context.Context, req CheckoutRequest) (*Order, error) {
	var out Order
	err := e.c.do(ctx, call{
		service: "ecommerce",
		op:      "checkout",
		method:  http.MethodPost,
		url:     join(e.baseURL, "api/v1/orders/checkout"),
		body:    req,
		want:    []int{http.StatusCreated},
		out:     &out,
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelOrder cancels an order. Cancelling an already cancelled order is
// accepted by the service.
func (e *Ecommerce) CancelOrder(ctx context.Context, orderID int) error {
	return e.c.do(ctx, call{
		service: "ecommerce",
		op:      "cancel order",
		method:  http.MethodPost,
		url:     join(e.baseURL, "api/v1/orders", strconv.Itoa(orderID), "cancel"),
		want:    []int{http.StatusOK, http.StatusAccepted, http.StatusNoContent},
	})
}
