package handlers

import (
	"context"
	"net/http"
	"sort"
	"sync/atomic"
	"time"

	"github.com/ordersaga/ordersaga/pkg/api/response"
	"github.com/ordersaga/ordersaga/pkg/version"
)

// Check reports the health of one dependency.
type Check func(ctx context.Context) error

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	checks  map[string]Check
	timeout time.Duration
	ready   atomic.Bool
	started time.Time
}

// NewHealthHandler creates a health handler over named dependency checks.
// The handler reports not ready until SetReady(true).
func NewHealthHandler(checks map[string]Check) *HealthHandler {
	copied := make(map[string]Check, len(checks))
	for name, check := range checks {
		copied[name] = check
	}
	return &HealthHandler{
		checks:  copied,
		timeout: 2 * time.Second,
		started: time.Now().UTC(),
	}
}

// SetReady flips the readiness flag.
func (h *HealthHandler) SetReady(ready bool) {
	h.ready.Store(ready)
}

// Health handles the /health endpoint used for liveness.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Ready handles the /ready endpoint used for readiness. Every dependency must
// pass its check.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if !h.ready.Load() {
		response.JSON(w, http.StatusServiceUnavailable, map[string]bool{
			"ready": false,
		})
		return
	}
	if failed := h.run(r.Context()); len(failed) > 0 {
		response.JSON(w, http.StatusServiceUnavailable, map[string]bool{
			"ready": false,
		})
		return
	}
	response.JSON(w, http.StatusOK, map[string]bool{
		"ready": true,
	})
}

// Status handles the /status endpoint (detailed status).
func (h *HealthHandler) Status(w http.ResponseWriter, r *http.Request) {
	failed := h.run(r.Context())
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	components := make(map[string]string, len(names))
	for _, name := range names {
		if msg, ok := failed[name]; ok {
			components[name] = msg
			continue
		}
		components[name] = "ok"
	}

	status := http.StatusOK
	if len(failed) > 0 || !h.ready.Load() {
		status = http.StatusServiceUnavailable
	}
	response.JSON(w, status, map[string]any{
		"ready":          h.ready.Load(),
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
		"components":     components,
		"build":          version.Info(),
	})
}

func (h *HealthHandler) run(ctx context.Context) map[string]string {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	failed := make(map[string]string)
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	return failed
}
