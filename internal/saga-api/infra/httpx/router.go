package httpx

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/jcmexdev/saga-orchestrator/internal/saga-api/infra/httpx/middlewares"
)

// NewRouter mounts the saga API under /api/v1/sagas. metrics, when non-nil,
// is served on /metrics.
func NewRouter(handler *Handler, metrics http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middlewares.AttachRequestContext)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", handler.Health)
	if metrics != nil {
		r.Handle("/metrics", metrics)
	}

	r.Route("/api/v1/sagas", func(r chi.Router) {
		r.Post("/order-processing", handler.StartOrderProcessing)
		r.Post("/customers/{customer_id}/order-processing", handler.StartCustomerOrderProcessing)
		r.Get("/", handler.ListSagas)
		r.Get("/stats/summary", handler.Stats)
		r.Get("/{saga_id}", handler.GetSaga)
		r.Get("/{saga_id}/events", handler.GetSagaEvents)
	})

	return otelhttp.NewHandler(r, "saga-api")
}
