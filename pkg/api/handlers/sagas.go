package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/ordersaga/ordersaga/pkg/api/models"
	"github.com/ordersaga/ordersaga/pkg/api/response"
	"github.com/ordersaga/ordersaga/pkg/saga"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// SagaHandler serves read-only saga inspection endpoints.
type SagaHandler struct {
	store saga.Store
}

// NewSagaHandler creates a saga handler.
func NewSagaHandler(store saga.Store) *SagaHandler {
	return &SagaHandler{store: store}
}

// GetSaga handles GET /api/v1/sagas/{id}.
func (h *SagaHandler) GetSaga(w http.ResponseWriter, r *http.Request) {
	requestID := getRequestID(r.Context())
	sagaID := chi.URLParam(r, "id")
	if sagaID == "" {
		response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, "saga id is required", requestID)
		return
	}

	instance, err := h.store.Get(r.Context(), sagaID)
	if err != nil {
		response.HandleError(w, err, requestID)
		return
	}
	response.JSON(w, http.StatusOK, models.NewSagaStatusResponse(instance))
}

// ListSagas handles GET /api/v1/sagas.
func (h *SagaHandler) ListSagas(w http.ResponseWriter, r *http.Request) {
	requestID := getRequestID(r.Context())
	query := r.URL.Query()

	limit := defaultListLimit
	offset := 0
	if raw := query.Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if raw := query.Get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	filter := saga.ListFilter{Limit: limit, Offset: offset}
	if raw := strings.ToUpper(strings.TrimSpace(query.Get("status"))); raw != "" {
		status := saga.Status(raw)
		if !status.Valid() {
			response.Error(w, http.StatusBadRequest, response.ErrCodeValidationFailed, "unknown status: "+raw, requestID)
			return
		}
		filter.Status = status
	}

	instances, total, err := h.store.List(r.Context(), filter)
	if err != nil {
		response.HandleError(w, err, requestID)
		return
	}

	items := make([]models.SagaSummary, 0, len(instances))
	for _, instance := range instances {
		items = append(items, models.SagaSummary{
			SagaID:      instance.ID,
			OrderNo:     instance.OrderID,
			Status:      instance.Status.String(),
			CurrentStep: string(instance.CurrentStep),
			StartedAt:   instance.StartedAt,
			UpdatedAt:   instance.UpdatedAt,
			FinishedAt:  instance.FinishedAt,
		})
	}

	response.JSON(w, http.StatusOK, models.SagaListResponse{
		Items:  items,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}
