package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ordersaga/ordersaga/config"
	"github.com/ordersaga/ordersaga/pkg/api/handlers"
	"github.com/ordersaga/ordersaga/pkg/logger"
	"github.com/ordersaga/ordersaga/pkg/saga"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			HTTP: config.HTTPConfig{
				ReadTimeout:    30 * time.Second,
				RequestTimeout: 5 * time.Second,
			},
			CORS: config.CORSConfig{
				Enabled: false,
			},
		},
	}
}

// createTestHandlers wires handlers over an empty memory store. Admission is
// left unset so no bus is needed.
func createTestHandlers(t *testing.T) *Handlers {
	t.Helper()
	store := saga.NewMemoryStore()
	health := handlers.NewHealthHandler(nil)
	health.SetReady(true)
	return &Handlers{
		Orders: handlers.NewOrderHandler(nil, store, logger.NewNop()),
		Sagas:  handlers.NewSagaHandler(store),
		Health: health,
	}
}

func TestNewRouter(t *testing.T) {
	router := NewRouter(testConfig(), logger.NewNop(), &Handlers{})

	if router == nil {
		t.Fatal("NewRouter returned nil")
	}
}

func TestRegisterRoutes_HealthEndpoints(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		method     string
		wantStatus int
	}{
		{
			name:       "health check",
			path:       "/health",
			method:     http.MethodGet,
			wantStatus: http.StatusOK,
		},
		{
			name:       "ready check",
			path:       "/ready",
			method:     http.MethodGet,
			wantStatus: http.StatusOK,
		},
		{
			name:       "status check",
			path:       "/status",
			method:     http.MethodGet,
			wantStatus: http.StatusOK,
		},
	}

	router := NewRouter(testConfig(), logger.NewNop(), createTestHandlers(t))

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %v, want %v", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestRegisterRoutes_OrderAndSagaEndpoints(t *testing.T) {
	router := NewRouter(testConfig(), logger.NewNop(), createTestHandlers(t))

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
	}{
		{"list sagas", http.MethodGet, "/api/v1/sagas", "", http.StatusOK},
		{"unknown saga", http.MethodGet, "/api/v1/sagas/missing", "", http.StatusNotFound},
		{"unknown order", http.MethodGet, "/api/v1/orders/missing", "", http.StatusNotFound},
		{"admission without coordinator", http.MethodPost, "/api/v1/orders", `{"userId":1}`, http.StatusServiceUnavailable},
		{"wrong method", http.MethodDelete, "/api/v1/orders/ord-1", "", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %v, want %v (%s)", w.Code, tt.wantStatus, w.Body.String())
			}
			if w.Header().Get("X-Request-ID") == "" {
				t.Error("expected X-Request-ID response header")
			}
		})
	}
}

func TestNewRouter_RateLimitsAdmissionOnly(t *testing.T) {
	cfg := testConfig()
	cfg.Server.RateLimit = config.RateLimitConfig{Enabled: true, RequestsPerSecond: 0.001, Burst: 1}
	router := NewRouter(cfg, logger.NewNop(), createTestHandlers(t))

	post := func() int {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/orders", strings.NewReader(`{}`)))
		return w.Code
	}

	if got := post(); got != http.StatusServiceUnavailable {
		t.Fatalf("first admission status = %v, want %v", got, http.StatusServiceUnavailable)
	}
	if got := post(); got != http.StatusTooManyRequests {
		t.Fatalf("second admission status = %v, want %v", got, http.StatusTooManyRequests)
	}

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/sagas", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("list status = %v, want %v", w.Code, http.StatusOK)
		}
	}
}
