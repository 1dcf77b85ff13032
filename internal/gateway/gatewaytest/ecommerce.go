package gatewaytest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
)

// DefaultPrice is the unit price of a product with no configured price.
const DefaultPrice = 10.0

// Order statuses reported by the fake.
const (
	OrderPending   = "pending"
	OrderCancelled = "cancelled"
)

type cartItem struct {
	ProductID int `json:"product_id"`
	Quantity  int `json:"quantity"`
}

type order struct {
	id         int
	customerID int
	total      float64
	status     string
}

// Ecommerce is an in-memory customers, carts and orders API.
type Ecommerce struct {
	mu         sync.Mutex
	customers  map[int]bool
	prices     map[int]float64
	carts      map[int][]cartItem
	orders     map[int]*order
	nextID     int
	failCancel bool
	journal    *Journal
	server     *httptest.Server
}

// NewEcommerce starts a fake knowing the given customers. Close it when done.
func NewEcommerce(journal *Journal, customers ...int) *Ecommerce {
	e := &Ecommerce{
		customers: make(map[int]bool),
		prices:    make(map[int]float64),
		carts:     make(map[int][]cartItem),
		orders:    make(map[int]*order),
		journal:   journal,
	}
	for _, id := range customers {
		e.customers[id] = true
	}

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/customers/{id}", e.getCustomer)
		r.Post("/carts", e.createCart)
		r.Post("/carts/{id}/items", e.addItem)
		r.Post("/orders/checkout", e.checkout)
		r.Post("/orders/{id}/cancel", e.cancel)
	})
	e.server = httptest.NewServer(r)
	return e
}

func (e *Ecommerce) URL() string { return e.server.URL }

func (e *Ecommerce) Close() { e.server.Close() }

// SetPrice sets the unit price used to total orders.
func (e *Ecommerce) SetPrice(productID int, price float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prices[productID] = price
}

// FailCancel makes order cancellation answer 500.
func (e *Ecommerce) FailCancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failCancel = true
}

// OrderStatus returns the status of an order and whether it exists.
func (e *Ecommerce) OrderStatus(id int) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[id]
	if !ok {
		return "", false
	}
	return o.status, true
}

// Orders returns how many orders were created.
func (e *Ecommerce) Orders() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.orders)
}

func (e *Ecommerce) getCustomer(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "bad customer id", http.StatusBadRequest)
		return
	}

	e.mu.Lock()
	ok := e.customers[id]
	e.mu.Unlock()
	if !ok {
		http.Error(w, "customer not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"id": id})
}

func (e *Ecommerce) createCart(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CustomerID int `json:"customer_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	e.carts[e.nextID] = nil
	e.journal.record(fmt.Sprintf("cart:%d", e.nextID), r.Header.Get("X-Idempotency-Key"))
	writeJSON(w, http.StatusCreated, map[string]int{"id": e.nextID, "customer_id": body.CustomerID})
}

func (e *Ecommerce) addItem(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "bad cart id", http.StatusBadRequest)
		return
	}
	var item cartItem
	if err := json.NewDecoder(r.Body).Decode(&item); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	items, ok := e.carts[id]
	if !ok {
		http.Error(w, "cart not found", http.StatusNotFound)
		return
	}
	e.carts[id] = append(items, item)
	writeJSON(w, http.StatusCreated, item)
}

func (e *Ecommerce) checkout(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CartID     int `json:"cart_id"`
		CustomerID int `json:"customer_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	items, ok := e.carts[body.CartID]
	if !ok || len(items) == 0 {
		http.Error(w, "cart is empty", http.StatusBadRequest)
		return
	}

	var total float64
	for _, it := range items {
		price, ok := e.prices[it.ProductID]
		if !ok {
			price = DefaultPrice
		}
		total += float64(it.Quantity) * price
	}

	e.nextID++
	o := &order{id: e.nextID, customerID: body.CustomerID, total: total, status: OrderPending}
	e.orders[o.id] = o
	delete(e.carts, body.CartID)
	e.journal.record(fmt.Sprintf("checkout:%d", o.id), r.Header.Get("X-Idempotency-Key"))

	// The real service serialises decimals as strings.
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":           o.id,
		"order_number": fmt.Sprintf("ORD-%06d", o.id),
		"total_amount": strconv.FormatFloat(total, 'f', 2, 64),
		"status":       o.status,
	})
}

func (e *Ecommerce) cancel(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "bad order id", http.StatusBadRequest)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.journal.record(fmt.Sprintf("cancel:%d", id), r.Header.Get("X-Idempotency-Key"))
	if e.failCancel {
		http.Error(w, "orders unavailable", http.StatusInternalServerError)
		return
	}
	o, ok := e.orders[id]
	if !ok {
		http.Error(w, "order not found", http.StatusNotFound)
		return
	}
	o.status = OrderCancelled
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": o.status})
}
