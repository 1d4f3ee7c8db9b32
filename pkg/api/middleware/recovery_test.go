package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ordersaga/ordersaga/pkg/api/response"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecovery(t *testing.T) {
	tests := []struct {
		name      string
		handler   http.HandlerFunc
		wantPanic bool
	}{
		{
			name: "order view served",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write([]byte(`{"status":"COMPLETED"}`))
			},
		},
		{
			name: "panic while admitting",
			handler: func(w http.ResponseWriter, r *http.Request) {
				panic("saga store: nil instance for order-9")
			},
			wantPanic: true,
		},
		{
			name: "panic with error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				panic(errors.New("ledger closed"))
			},
			wantPanic: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log, lines := fileLogger(t)
			handler := RequestID()(Recovery(log)(tt.handler))

			req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", nil)
			req.Header.Set(RequestIDHeader, "admit-9")
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if !tt.wantPanic {
				require.Equal(t, http.StatusOK, w.Code)
				assert.Empty(t, lines())
				return
			}

			require.Equal(t, http.StatusInternalServerError, w.Code)
			var errResp response.ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &errResp))
			assert.Equal(t, response.ErrCodeInternalServer, errResp.Error.Code)
			assert.Equal(t, "admit-9", errResp.Error.RequestID)
			assert.NotContains(t, w.Body.String(), "order-9")
			assert.NotContains(t, w.Body.String(), "ledger")

			logged := lines()
			require.Len(t, logged, 1)
			assert.Equal(t, "panic recovered", logged[0]["message"])
			assert.Equal(t, "admit-9", logged[0]["request_id"])
			assert.NotEmpty(t, logged[0]["stack"])
		})
	}
}

func TestRecovery_AbortHandlerPropagates(t *testing.T) {
	log, _ := fileLogger(t)
	handler := Recovery(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	}))

	defer func() {
		if p := recover(); p != http.ErrAbortHandler {
			t.Fatalf("recovered %v, want http.ErrAbortHandler", p)
		}
	}()
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ws/orders", nil))
}
