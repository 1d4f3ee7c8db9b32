// Package handlers provides HTTP request handlers.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/ordersaga/ordersaga/pkg/api/middleware"
	"github.com/ordersaga/ordersaga/pkg/api/models"
	"github.com/ordersaga/ordersaga/pkg/api/response"
	"github.com/ordersaga/ordersaga/pkg/logger"
	"github.com/ordersaga/ordersaga/pkg/saga"
)

const orderNoRule = "omitempty,max=64,printascii"

// OrderService admits orders and accepts payment verdicts.
type OrderService interface {
	Admit(ctx context.Context, orderNo string, payload saga.Payload) (*saga.Instance, error)
	PaymentResult(ctx context.Context, orderNo string, approved bool, reason string) (*saga.Instance, error)
}

// OrderHandler handles order API endpoints.
type OrderHandler struct {
	orders    OrderService
	store     saga.Store
	logger    logger.Logger
	validator *validator.Validate
}

// NewOrderHandler creates an order handler.
func NewOrderHandler(orders OrderService, store saga.Store, log logger.Logger) *OrderHandler {
	if log == nil {
		log = logger.Global()
	}
	return &OrderHandler{
		orders:    orders,
		store:     store,
		logger:    log,
		validator: validator.New(),
	}
}

// SubmitOrder handles POST /api/v1/orders.
func (h *OrderHandler) SubmitOrder(w http.ResponseWriter, r *http.Request) {
	requestID := getRequestID(r.Context())
	if h.orders == nil {
		response.Error(w, http.StatusServiceUnavailable, response.ErrCodeServiceUnavailable, "order admission unavailable", requestID)
		return
	}

	var req models.OrderSubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, "invalid request body", requestID)
		return
	}
	req.OrderNo = strings.TrimSpace(req.OrderNo)
	if err := h.validator.Var(req.OrderNo, orderNoRule); err != nil {
		response.ErrorWithDetails(w, http.StatusBadRequest, response.ErrCodeValidationFailed,
			"orderNo must be printable ascii up to 64 characters", map[string]interface{}{"field": "orderNo"}, requestID)
		return
	}

	instance, err := h.orders.Admit(r.Context(), req.OrderNo, req.Payload)
	if err != nil {
		h.logger.WarnContext(r.Context(), "order admission rejected",
			"request_id", requestID,
			"order_no", req.OrderNo,
			"error", err,
		)
		response.HandleError(w, err, requestID)
		return
	}

	view := saga.ViewOf(instance)
	response.Accepted(w, orderLocation(instance.OrderID), models.OrderAcceptedResponse{
		SagaID:  instance.ID,
		OrderNo: instance.OrderID,
		Status:  view.Status,
		Mode:    instance.Mode,
	})
}

// GetOrder handles GET /api/v1/orders/{orderNo}.
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	requestID := getRequestID(r.Context())
	orderNo := chi.URLParam(r, "orderNo")
	if orderNo == "" {
		response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, "order number is required", requestID)
		return
	}

	instance, err := h.store.GetByOrder(r.Context(), orderNo)
	if err != nil {
		response.HandleError(w, err, requestID)
		return
	}
	response.JSON(w, http.StatusOK, saga.ViewOf(instance))
}

// PaymentResult handles POST /api/v1/orders/{orderNo}/payment.
func (h *OrderHandler) PaymentResult(w http.ResponseWriter, r *http.Request) {
	requestID := getRequestID(r.Context())
	if h.orders == nil {
		response.Error(w, http.StatusServiceUnavailable, response.ErrCodeServiceUnavailable, "order admission unavailable", requestID)
		return
	}
	orderNo := chi.URLParam(r, "orderNo")
	if orderNo == "" {
		response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, "order number is required", requestID)
		return
	}

	var req models.PaymentResultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, "invalid request body", requestID)
		return
	}
	if err := h.validator.Struct(&req); err != nil {
		response.Error(w, http.StatusBadRequest, response.ErrCodeValidationFailed, err.Error(), requestID)
		return
	}

	instance, err := h.orders.PaymentResult(r.Context(), orderNo, *req.Approved, req.Reason)
	if err != nil {
		response.HandleError(w, err, requestID)
		return
	}
	h.logger.InfoContext(r.Context(), "payment result accepted",
		"request_id", requestID,
		"saga_id", instance.ID,
		"order_no", instance.OrderID,
		"approved", *req.Approved,
	)
	response.Accepted(w, orderLocation(instance.OrderID), models.PaymentResultResponse{
		SagaID:   instance.ID,
		OrderNo:  instance.OrderID,
		Approved: *req.Approved,
	})
}

func orderLocation(orderNo string) string {
	return "/api/v1/orders/" + url.PathEscape(orderNo)
}

func getRequestID(ctx context.Context) string {
	if id := middleware.GetRequestID(ctx); id != "" {
		return id
	}
	return "unknown"
}
