package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ordersaga/ordersaga/config"
)

func storefrontCORS() *config.CORSConfig {
	return &config.CORSConfig{
		Enabled:        true,
		AllowedOrigins: []string{"https://shop.example", "https://*.storefront.example"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", RequestIDHeader},
		ExposedHeaders: []string{RequestIDHeader, "Retry-After"},
		MaxAge:         600,
	}
}

func TestCORS(t *testing.T) {
	tests := []struct {
		name        string
		config      *config.CORSConfig
		method      string
		path        string
		origin      string
		preflight   bool
		wantStatus  int
		wantOrigin  string
		wantExposed string
		wantMethods string
	}{
		{
			name:        "order submission from storefront",
			config:      storefrontCORS(),
			method:      http.MethodPost,
			path:        "/api/v1/orders",
			origin:      "https://shop.example",
			wantStatus:  http.StatusAccepted,
			wantOrigin:  "https://shop.example",
			wantExposed: "X-Request-ID, Retry-After",
		},
		{
			name:        "preflight for payment callback",
			config:      storefrontCORS(),
			method:      http.MethodOptions,
			path:        "/api/v1/orders/o-1/payment",
			origin:      "https://eu.storefront.example",
			preflight:   true,
			wantStatus:  http.StatusNoContent,
			wantOrigin:  "https://eu.storefront.example",
			wantMethods: "GET, POST, OPTIONS",
		},
		{
			name:       "preflight from unknown origin refused",
			config:     storefrontCORS(),
			method:     http.MethodOptions,
			path:       "/api/v1/orders",
			origin:     "https://evil.example",
			preflight:  true,
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "order view from unknown origin served without grant",
			config:     storefrontCORS(),
			method:     http.MethodGet,
			path:       "/api/v1/orders/o-1",
			origin:     "https://evil.example",
			wantStatus: http.StatusAccepted,
		},
		{
			name:       "server to server call without origin",
			config:     storefrontCORS(),
			method:     http.MethodGet,
			path:       "/api/v1/orders/o-1",
			wantStatus: http.StatusAccepted,
		},
		{
			name: "wildcard origin",
			config: &config.CORSConfig{
				Enabled:        true,
				AllowedOrigins: []string{"*"},
			},
			method:     http.MethodGet,
			path:       "/api/v1/sagas",
			origin:     "http://localhost:3000",
			wantStatus: http.StatusAccepted,
			wantOrigin: "http://localhost:3000",
		},
		{
			name:       "disabled",
			config:     &config.CORSConfig{Enabled: false, AllowedOrigins: []string{"*"}},
			method:     http.MethodGet,
			path:       "/api/v1/orders/o-1",
			origin:     "https://shop.example",
			wantStatus: http.StatusAccepted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := CORS(tt.config)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusAccepted)
			}))

			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if tt.preflight {
				req.Header.Set("Access-Control-Request-Method", http.MethodPost)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Fatalf("Access-Control-Allow-Origin = %q, want %q", got, tt.wantOrigin)
			}
			if got := w.Header().Get("Access-Control-Expose-Headers"); got != tt.wantExposed {
				t.Fatalf("Access-Control-Expose-Headers = %q, want %q", got, tt.wantExposed)
			}
			if got := w.Header().Get("Access-Control-Allow-Methods"); got != tt.wantMethods {
				t.Fatalf("Access-Control-Allow-Methods = %q, want %q", got, tt.wantMethods)
			}
		})
	}
}

func TestOriginAllowed(t *testing.T) {
	allowed := []string{"https://shop.example", "https://*.storefront.example"}
	tests := map[string]bool{
		"https://shop.example":             true,
		"https://eu.storefront.example":    true,
		"https://a.b.storefront.example":   true,
		"https://storefront.example":       false,
		"http://eu.storefront.example":     false,
		"https://eu.storefront.example.io": false,
		"https://shop.example.evil":        false,
	}
	for origin, want := range tests {
		if got := OriginAllowed(origin, allowed); got != want {
			t.Fatalf("OriginAllowed(%q) = %v, want %v", origin, got, want)
		}
	}
}
