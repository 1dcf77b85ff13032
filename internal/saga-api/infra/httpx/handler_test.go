package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/saga-orchestrator/internal/coordinator"
	"github.com/jcmexdev/saga-orchestrator/internal/coordinator/orderprocessing"
	"github.com/jcmexdev/saga-orchestrator/internal/coordinator/sagalog"
	"github.com/jcmexdev/saga-orchestrator/internal/coordinator/sagalog/sqlstore"
	"github.com/jcmexdev/saga-orchestrator/internal/gateway"
	"github.com/jcmexdev/saga-orchestrator/internal/gateway/gatewaytest"
)

const validOrder = `{
	"customer_id": 1,
	"products": [{"product_id": 1, "quantity": 2, "price": 10}],
	"shipping_address": "1 Main St",
	"billing_address": "1 Main St"
}`

type server struct {
	orch    *coordinator.Orchestrator
	handler http.Handler
}

func newServer(t *testing.T) *server {
	t.Helper()
	inv := gatewaytest.NewInventory(map[int]int{1: 10}, nil)
	t.Cleanup(inv.Close)
	shop := gatewaytest.NewEcommerce(nil, 1, 2)
	t.Cleanup(shop.Close)

	store, err := sqlstore.Open(context.Background(), sqlstore.DialectSQLite, filepath.Join(t.TempDir(), "saga.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	client := gateway.NewClient(time.Second, "")
	registry, err := coordinator.NewRegistry(orderprocessing.Definition(
		gateway.NewInventory(client, inv.URL()),
		gateway.NewEcommerce(client, shop.URL()),
		gateway.NewSimulatedPayment(0),
	))
	require.NoError(t, err)

	orch := coordinator.NewOrchestrator(store, registry)
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("# metrics\n"))
	})
	h := NewHandler(orch, coordinator.NewQueryService(store), "saga-orchestrator")
	return &server{orch: orch, handler: NewRouter(h, metrics)}
}

func (s *server) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *server) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.orch.Wait(ctx))
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestStartAndQuery(t *testing.T) {
	s := newServer(t)

	rec := s.do(t, http.MethodPost, "/api/v1/sagas/order-processing", validOrder)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	started := decode[StartSagaResponse](t, rec)
	assert.NotEmpty(t, started.SagaID)
	assert.Equal(t, "accepted", started.Status)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))

	s.wait(t)

	rec = s.do(t, http.MethodGet, "/api/v1/sagas/"+started.SagaID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	saga := decode[SagaResponse](t, rec)
	assert.Equal(t, "completed", saga.State)
	assert.Equal(t, orderprocessing.SagaType, saga.SagaType)
	assert.Len(t, saga.Steps, 5)
	assert.Equal(t, "check_stock", saga.Steps[0].StepName)
	assert.NotEmpty(t, saga.Result)

	rec = s.do(t, http.MethodGet, "/api/v1/sagas/"+started.SagaID+"/events?limit=3", "")
	require.Equal(t, http.StatusOK, rec.Code)
	events := decode[[]EventResponse](t, rec)
	require.Len(t, events, 3)
	assert.Equal(t, "saga_completed", events[0].EventType)

	rec = s.do(t, http.MethodGet, "/api/v1/sagas/?state=completed", "")
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[SagaListResponse](t, rec)
	assert.Equal(t, 1, page.Total)
	assert.Equal(t, 1, page.Pages)
	require.Len(t, page.Items, 1)
	assert.Empty(t, page.Items[0].Steps)

	rec = s.do(t, http.MethodGet, "/api/v1/sagas/stats/summary", "")
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[coordinator.Summary](t, rec)
	assert.Equal(t, 1, stats.CompletedSagas)
	assert.Equal(t, 1.0, stats.SuccessRate)
}

func TestStart_CustomerRoute(t *testing.T) {
	s := newServer(t)

	body := `{"products":[{"product_id":1,"quantity":1,"price":3}],"shipping_address":"a","billing_address":"b"}`
	rec := s.do(t, http.MethodPost, "/api/v1/sagas/customers/2/order-processing", body)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	started := decode[StartSagaResponse](t, rec)
	s.wait(t)

	rec = s.do(t, http.MethodGet, "/api/v1/sagas/"+started.SagaID, "")
	saga := decode[SagaResponse](t, rec)
	var payload orderprocessing.Request
	require.NoError(t, json.Unmarshal(saga.Payload, &payload))
	assert.Equal(t, 2, payload.CustomerID)
	assert.Equal(t, "credit_card", payload.PaymentMethod)

	rec = s.do(t, http.MethodPost, "/api/v1/sagas/customers/abc/order-processing", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/sagas/customers/2/order-processing", "{")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_json", decode[ErrorResponse](t, rec).Error)
}

func TestStart_RejectsInvalidRequests(t *testing.T) {
	s := newServer(t)

	for _, body := range []string{
		`{`,
		`{"customer_id": 1, "products": [], "shipping_address": "a", "billing_address": "b"}`,
		`{"customer_id": 1, "products": [{"product_id": 1, "quantity": 1, "price": 1}], "shipping_address": "a", "billing_address": "b", "simulate_failure": "disk"}`,
	} {
		rec := s.do(t, http.MethodPost, "/api/v1/sagas/order-processing", body)
		require.Equal(t, http.StatusBadRequest, rec.Code, body)
		resp := decode[ErrorResponse](t, rec)
		assert.Equal(t, "validation_error", resp.Error)
		assert.NotEmpty(t, resp.Message)
	}

	rec := s.do(t, http.MethodGet, "/api/v1/sagas", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, decode[SagaListResponse](t, rec).Total)
}

func TestGetSaga_NotFound(t *testing.T) {
	s := newServer(t)

	rec := s.do(t, http.MethodGet, "/api/v1/sagas/unknown", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "saga_not_found", decode[ErrorResponse](t, rec).Error)

	rec = s.do(t, http.MethodGet, "/api/v1/sagas/unknown/events", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestQueryParameterValidation(t *testing.T) {
	s := newServer(t)

	for _, path := range []string{
		"/api/v1/sagas/?state=sleeping",
		"/api/v1/sagas/?limit=ten",
		"/api/v1/sagas/?skip=-1",
		"/api/v1/sagas/abc/events?limit=x",
		"/api/v1/sagas/abc/events?before=x",
	} {
		rec := s.do(t, http.MethodGet, path, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	s := newServer(t)

	rec := s.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, HealthResponse{Status: "healthy", Service: "saga-orchestrator"}, decode[HealthResponse](t, rec))

	rec = s.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "# metrics")
}

type failingStarter struct{}

func (failingStarter) Start(context.Context, string, []byte) (string, error) {
	return "", &coordinator.OrchestratorFault{Op: "create saga", Err: errors.New("disk full")}
}

type failingReader struct{}

func (failingReader) Status(context.Context, string) (*coordinator.SagaStatus, error) {
	return nil, errors.New("db down")
}

func (failingReader) Events(context.Context, string, int, int64) ([]*sagalog.Event, error) {
	return nil, errors.New("db down")
}

func (failingReader) List(context.Context, sagalog.ListFilter) (*coordinator.Page, error) {
	return nil, errors.New("db down")
}

func (failingReader) Stats(context.Context) (*coordinator.Summary, error) {
	return nil, errors.New("db down")
}

func TestInternalErrorsAreHidden(t *testing.T) {
	router := NewRouter(NewHandler(failingStarter{}, failingReader{}, "saga-orchestrator"), nil)

	for _, tc := range []struct{ method, path, body string }{
		{http.MethodPost, "/api/v1/sagas/order-processing", validOrder},
		{http.MethodGet, "/api/v1/sagas/abc", ""},
		{http.MethodGet, "/api/v1/sagas/abc/events", ""},
		{http.MethodGet, "/api/v1/sagas/", ""},
		{http.MethodGet, "/api/v1/sagas/stats/summary", ""},
	} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(tc.method, tc.path, strings.NewReader(tc.body)))
		require.Equal(t, http.StatusInternalServerError, rec.Code, tc.path)
		assert.NotContains(t, rec.Body.String(), "disk full")
		assert.NotContains(t, rec.Body.String(), "db down")
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
