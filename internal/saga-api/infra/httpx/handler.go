package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/jcmexdev/saga-orchestrator/internal/coordinator"
	"github.com/jcmexdev/saga-orchestrator/internal/coordinator/orderprocessing"
	"github.com/jcmexdev/saga-orchestrator/internal/coordinator/sagalog"
	"github.com/jcmexdev/saga-orchestrator/internal/pkg/reqctx"
)

const maxBodyBytes = 1 << 20

// SagaStarter starts sagas. It is implemented by *coordinator.Orchestrator.
type SagaStarter interface {
	Start(ctx context.Context, sagaType string, raw []byte) (string, error)
}

// SagaReader is the read side. It is implemented by *coordinator.QueryService.
type SagaReader interface {
	Status(ctx context.Context, sagaID string) (*coordinator.SagaStatus, error)
	Events(ctx context.Context, sagaID string, limit int, before int64) ([]*sagalog.Event, error)
	List(ctx context.Context, f sagalog.ListFilter) (*coordinator.Page, error)
	Stats(ctx context.Context) (*coordinator.Summary, error)
}

// Handler serves the saga API.
type Handler struct {
	starter SagaStarter
	reader  SagaReader
	service string
}

func NewHandler(starter SagaStarter, reader SagaReader, service string) *Handler {
	return &Handler{starter: starter, reader: reader, service: service}
}

// StartOrderProcessing validates the body and starts an order_processing
// saga. The saga runs in the background; the response only acknowledges it.
func (h *Handler) StartOrderProcessing(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	h.start(w, r, body)
}

// StartCustomerOrderProcessing is StartOrderProcessing with the customer
// taken from the path.
func (h *Handler) StartCustomerOrderProcessing(w http.ResponseWriter, r *http.Request) {
	customerID, err := strconv.Atoi(chi.URLParam(r, "customer_id"))
	if err != nil || customerID <= 0 {
		writeError(w, http.StatusBadRequest, "validation_error", "customer_id must be a positive integer")
		return
	}

	var fields map[string]json.RawMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&fields); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if fields == nil {
		fields = make(map[string]json.RawMessage)
	}
	fields["customer_id"] = json.RawMessage(strconv.Itoa(customerID))

	body, err := json.Marshal(fields)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	h.start(w, r, body)
}

func (h *Handler) start(w http.ResponseWriter, r *http.Request, body []byte) {
	ctx := r.Context()
	sagaID, err := h.starter.Start(ctx, orderprocessing.SagaType, body)

	var verr *coordinator.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, "validation_error", verr.Error())
		return
	case err != nil:
		slog.ErrorContext(ctx, "start saga", "request_id", reqctx.RequestID(ctx), "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "could not start saga")
		return
	}

	slog.InfoContext(ctx, "order processing accepted", "request_id", reqctx.RequestID(ctx), "saga_id", sagaID)
	writeJSON(w, http.StatusAccepted, StartSagaResponse{
		SagaID:  sagaID,
		Status:  "accepted",
		Message: "Order processing saga started",
	})
}

// GetSaga returns a saga with its step executions.
func (h *Handler) GetSaga(w http.ResponseWriter, r *http.Request) {
	st, err := h.reader.Status(r.Context(), chi.URLParam(r, "saga_id"))
	if errors.Is(err, sagalog.ErrNotFound) {
		writeError(w, http.StatusNotFound, "saga_not_found", "saga not found")
		return
	}
	if err != nil {
		h.internalError(w, r, "get saga", err)
		return
	}
	writeJSON(w, http.StatusOK, mapSaga(st.Saga, st.Steps))
}

// GetSagaEvents returns the newest events of a saga first.
func (h *Handler) GetSagaEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"), 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "limit must be an integer")
		return
	}
	before, err := intParam(q.Get("before"), 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "before must be an integer")
		return
	}

	events, err := h.reader.Events(r.Context(), chi.URLParam(r, "saga_id"), limit, int64(before))
	if err != nil {
		h.internalError(w, r, "get saga events", err)
		return
	}
	writeJSON(w, http.StatusOK, mapEvents(events))
}

// ListSagas returns a page of sagas, optionally filtered by type and state.
func (h *Handler) ListSagas(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	skip, err := intParam(q.Get("skip"), 0)
	if err != nil || skip < 0 {
		writeError(w, http.StatusBadRequest, "validation_error", "skip must be a non-negative integer")
		return
	}
	limit, err := intParam(q.Get("limit"), 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "limit must be an integer")
		return
	}

	filter := sagalog.ListFilter{Skip: skip, Limit: limit, Type: q.Get("saga_type")}
	if raw := q.Get("state"); raw != "" {
		state, ok := sagalog.ParseState(raw)
		if !ok {
			writeError(w, http.StatusBadRequest, "validation_error", "unknown state "+strconv.Quote(raw))
			return
		}
		filter.State = state
	}

	page, err := h.reader.List(r.Context(), filter)
	if err != nil {
		h.internalError(w, r, "list sagas", err)
		return
	}
	writeJSON(w, http.StatusOK, mapPage(page))
}

// Stats returns the aggregate summary of every saga.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	summary, err := h.reader.Stats(r.Context())
	if err != nil {
		h.internalError(w, r, "saga stats", err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy", Service: h.service})
}

func (h *Handler) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	slog.ErrorContext(r.Context(), op, "request_id", reqctx.RequestID(r.Context()), "error", err)
	writeError(w, http.StatusInternalServerError, "internal_error", op+" failed")
}

func intParam(raw string, fallback int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{
		Error:   code,
		Message: msg,
	})
}
