package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/go-chi/chi/v5"
	"github.com/ordersaga/ordersaga/pkg/api/response"
	"github.com/ordersaga/ordersaga/pkg/logger"
)

// Recovery turns a panic in an order handler into a 500 carrying the request
// id. The panic value and the order number go to the log only.
// http.ErrAbortHandler is re-raised so net/http can drop the connection.
func Recovery(log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					if err == http.ErrAbortHandler {
						panic(err)
					}
					requestID := GetRequestID(r.Context())
					if requestID == "" {
						requestID = "unknown"
					}
					log.ErrorContext(r.Context(), "panic recovered",
						"error", err,
						"request_id", requestID,
						"path", r.URL.Path,
						"method", r.Method,
						"order_no", chi.URLParam(r, "orderNo"),
						"stack", string(debug.Stack()),
					)

					response.Error(w,
						http.StatusInternalServerError,
						response.ErrCodeInternalServer,
						"internal server error",
						requestID,
					)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
