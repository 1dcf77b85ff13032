// Package gatewaytest provides in-memory HTTP fakes of the collaborators
// driven by the gateway package, for tests.
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

// Journal records collaborator calls across fakes, in arrival order.
type Journal struct {
	mu      sync.Mutex
	entries []string
	keys    []string
}

func (j *Journal) record(entry, idempotencyKey string) {
	if j == nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, entry)
	j.keys = append(j.keys, idempotencyKey)
}

// Entries returns the recorded calls, e.g. "reduce:1" or "cancel:7".
func (j *Journal) Entries() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

// IdempotencyKeys returns the X-Idempotency-Key of each recorded call.
func (j *Journal) IdempotencyKeys() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.keys...)
}

// Inventory is an in-memory stock API.
type Inventory struct {
	mu           sync.Mutex
	stock        map[int]int
	failReduce   map[int]bool
	failIncrease map[int]bool
	journal      *Journal
	server       *httptest.Server
}

// NewInventory starts a fake seeded with stock. Close it when done.
func NewInventory(stock map[int]int, journal *Journal) *Inventory {
	inv := &Inventory{
		stock:        make(map[int]int, len(stock)),
		failReduce:   make(map[int]bool),
		failIncrease: make(map[int]bool),
		journal:      journal,
	}
	for id, qty := range stock {
		inv.stock[id] = qty
	}

	r := chi.NewRouter()
	r.Get("/api/v1/products/{id}/stock", inv.getStock)
	r.Put("/api/v1/stock/products/{id}/stock/reduce", inv.changeStock(-1))
	r.Put("/api/v1/stock/products/{id}/stock/increase", inv.changeStock(1))
	inv.server = httptest.NewServer(r)
	return inv
}

func (i *Inventory) URL() string { return i.server.URL }

func (i *Inventory) Close() { i.server.Close() }

// Stock returns the current level of a product.
func (i *Inventory) Stock(productID int) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.stock[productID]
}

// FailReduce makes every reduce of productID answer 500.
func (i *Inventory) FailReduce(productID int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.failReduce[productID] = true
}

// FailIncrease makes every increase of productID answer 500.
func (i *Inventory) FailIncrease(productID int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.failIncrease[productID] = true
}

func (i *Inventory) getStock(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "bad product id", http.StatusBadRequest)
		return
	}

	i.mu.Lock()
	qty, ok := i.stock[id]
	i.mu.Unlock()
	if !ok {
		http.Error(w, "product not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"product_id": id, "quantite_stock": qty})
}

func (i *Inventory) changeStock(sign int) http.HandlerFunc {
	op := "increase"
	if sign < 0 {
		op = "reduce"
	}
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.Atoi(chi.URLParam(r, "id"))
		if err != nil {
			http.Error(w, "bad product id", http.StatusBadRequest)
			return
		}
		qty, err := strconv.Atoi(r.URL.Query().Get("quantity"))
		if err != nil || qty <= 0 {
			http.Error(w, "bad quantity", http.StatusBadRequest)
			return
		}

		i.mu.Lock()
		defer i.mu.Unlock()

		i.journal.record(fmt.Sprintf("%s:%d", op, id), r.Header.Get("X-Idempotency-Key"))

		current, ok := i.stock[id]
		switch {
		case !ok:
			http.Error(w, "product not found", http.StatusNotFound)
			return
		case sign < 0 && i.failReduce[id], sign > 0 && i.failIncrease[id]:
			http.Error(w, "inventory unavailable", http.StatusInternalServerError)
			return
		case sign < 0 && current < qty:
			http.Error(w, "insufficient stock", http.StatusBadRequest)
			return
		}

		i.stock[id] = current + sign*qty
		writeJSON(w, http.StatusOK, map[string]int{"product_id": id, "new_stock": i.stock[id]})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
