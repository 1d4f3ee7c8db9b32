package models

import (
	"encoding/json"
	"time"

	"github.com/ordersaga/ordersaga/pkg/saga"
)

// SagaStatusResponse returns the stored state of one saga instance.
type SagaStatusResponse struct {
	SagaID        string                     `json:"saga_id"`
	OrderNo       string                     `json:"order_no"`
	Status        string                     `json:"status"`
	CurrentStep   string                     `json:"current_step"`
	Mode          string                     `json:"mode,omitempty"`
	Stage         int                        `json:"stage"`
	FailureCode   string                     `json:"failure_code,omitempty"`
	FailureReason string                     `json:"failure_reason,omitempty"`
	Compensated   []string                   `json:"compensated_steps"`
	Results       map[string]json.RawMessage `json:"results,omitempty"`
	Payload       saga.Payload               `json:"payload"`
	Version       int64                      `json:"version"`
	StartedAt     time.Time                  `json:"started_at"`
	UpdatedAt     time.Time                  `json:"updated_at"`
	FinishedAt    *time.Time                 `json:"finished_at,omitempty"`
}

// NewSagaStatusResponse builds the response for instance.
func NewSagaStatusResponse(instance *saga.Instance) SagaStatusResponse {
	compensated := make([]string, 0, len(instance.Compensated))
	for _, step := range instance.Compensated {
		compensated = append(compensated, string(step))
	}
	var results map[string]json.RawMessage
	if len(instance.Results) > 0 {
		results = make(map[string]json.RawMessage, len(instance.Results))
		for step, raw := range instance.Results {
			results[string(step)] = raw
		}
	}
	return SagaStatusResponse{
		SagaID:        instance.ID,
		OrderNo:       instance.OrderID,
		Status:        instance.Status.String(),
		CurrentStep:   string(instance.CurrentStep),
		Mode:          instance.Mode,
		Stage:         instance.Stage,
		FailureCode:   instance.FailureCode,
		FailureReason: instance.FailureReason,
		Compensated:   compensated,
		Results:       results,
		Payload:       instance.Payload,
		Version:       instance.Version,
		StartedAt:     instance.StartedAt,
		UpdatedAt:     instance.UpdatedAt,
		FinishedAt:    instance.FinishedAt,
	}
}

// SagaSummary is one row in list response.
type SagaSummary struct {
	SagaID      string     `json:"saga_id"`
	OrderNo     string     `json:"order_no"`
	Status      string     `json:"status"`
	CurrentStep string     `json:"current_step"`
	StartedAt   time.Time  `json:"started_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// SagaListResponse is paginated list of saga summaries.
type SagaListResponse struct {
	Items  []SagaSummary `json:"items"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}
