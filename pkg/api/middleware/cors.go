package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/ordersaga/ordersaga/config"
)

// CORS returns a middleware that lets browser storefronts call the order API.
// The websocket route is not wrapped; it checks the same AllowedOrigins
// during the upgrade.
func CORS(cfg *config.CORSConfig) func(http.Handler) http.Handler {
	methods := strings.Join(cfg.AllowedMethods, ", ")
	headers := strings.Join(cfg.AllowedHeaders, ", ")
	exposed := strings.Join(cfg.ExposedHeaders, ", ")
	maxAge := ""
	if cfg.MaxAge > 0 {
		maxAge = strconv.Itoa(cfg.MaxAge)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.Enabled {
				next.ServeHTTP(w, r)
				return
			}

			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}
			h := w.Header()
			h.Add("Vary", "Origin")

			preflight := r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""
			if !OriginAllowed(origin, cfg.AllowedOrigins) {
				if preflight {
					w.WriteHeader(http.StatusForbidden)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			h.Set("Access-Control-Allow-Origin", origin)
			if cfg.AllowCredentials {
				h.Set("Access-Control-Allow-Credentials", "true")
			}

			if preflight {
				if methods != "" {
					h.Set("Access-Control-Allow-Methods", methods)
				}
				if headers != "" {
					h.Set("Access-Control-Allow-Headers", headers)
				}
				if maxAge != "" {
					h.Set("Access-Control-Max-Age", maxAge)
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}

			if exposed != "" {
				h.Set("Access-Control-Expose-Headers", exposed)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// OriginAllowed matches origin against an allowlist. Entries are exact
// origins, "*", or a subdomain wildcard such as "https://*.shop.example".
func OriginAllowed(origin string, allowed []string) bool {
	for _, entry := range allowed {
		switch {
		case entry == "*", entry == origin:
			return true
		case strings.Contains(entry, "://*."):
			scheme, host, _ := strings.Cut(entry, "://*")
			if strings.HasPrefix(origin, scheme+"://") && strings.HasSuffix(origin, host) &&
				len(origin) > len(scheme)+3+len(host) {
				return true
			}
		}
	}
	return false
}
