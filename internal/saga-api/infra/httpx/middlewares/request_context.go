package middlewares

import (
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/jcmexdev/saga-orchestrator/internal/pkg/reqctx"
)

// AttachRequestContext copies the chi request id and the caller's
// idempotency key into the context, where the gateway client forwards them
// to collaborators. The request id is echoed back to the caller.
func AttachRequestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := middleware.GetReqID(r.Context())

		ctx := reqctx.WithRequestID(r.Context(), requestID)
		if key := r.Header.Get(reqctx.HeaderXIdempotencyKey); key != "" {
			ctx = reqctx.WithIdempotencyKey(ctx, key)
		}
		if requestID != "" {
			w.Header().Set(reqctx.HeaderXRequestID, requestID)
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
