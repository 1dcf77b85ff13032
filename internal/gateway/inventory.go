package gateway

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
)

// Inventory is the stock API.
type Inventory struct {
	c       *Client
	baseURL string
}

func NewInventory(c *Client, baseURL string) *Inventory {
	return &Inventory{c: c, baseURL: baseURL}
}

type stockResponse struct {
	Quantity int `json:"quantite_stock"`
}

type stockChangeResponse struct {
	NewStock int `json:"new_stock"`
}

// Stock returns the available quantity of a product.
func (i *Inventory) Stock(ctx context.Context, productID int) (int, error) {
	var out stockResponse
	err := i.c.do(ctx, call{
		service: "inventory",
		op:      "get stock",
		method:  http.MethodGet,
		url:     join(i.baseURL, "api/v1/products", strconv.Itoa(productID), "stock"),
		out:     &out,
	})
	if err != nil {
		return 0, err
	}
	return out.Quantity, nil
}

// Reduce takes quantity units out of stock and returns the new level.
func (i *Inventory) Reduce(ctx context.Context, productID, quantity int, reason, reference string) (int, error) {
	return i.change(ctx, "reduce", productID, quantity, reason, reference)
}

// Increase puts quantity units back into stock and returns the new level.
func (i *Inventory) Increase(ctx context.Context, productID, quantity int, reason, reference string) (int, error) {
	return i.change(ctx, "increase", productID, quantity, reason, reference)
}

func (i *Inventory) change(ctx context.Context, op string, productID, quantity int, reason, reference string) (int, error) {
	var out stockChangeResponse
	err := i.c.do(ctx, call{
		service: "inventory",
		op:      op + " stock",
		method:  http.MethodPut,
		url:     join(i.baseURL, "api/v1/stock/products", strconv.Itoa(productID), "stock", op),
		query: url.Values{
			"quantity":  {strconv.Itoa(quantity)},
			"raison":    {reason},
			"reference": {reference},
		},
		out: &out,
	})
	if err != nil {
		return 0, err
	}
	return out.NewStock, nil
}
