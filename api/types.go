package api

import (
	"github.com/rbaliyan/event/v3/health"

	"github.com/rbaliyan/event-saga/saga"
)

// ErrorResponse is the body of every error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status     string                    `json:"status"`
	Service    string                    `json:"service"`
	Components map[string]*health.Result `json:"components,omitempty"`
}

// ListResponse is the body of GET /api/v1/sagas.
type ListResponse struct {
	Items  []*saga.Instance `json:"items"`
	Total  int              `json:"total"`
	Limit  int              `json:"limit"`
	Offset int              `json:"offset"`
}

// InstanceResponse is the body of GET /api/v1/sagas/:id.
type InstanceResponse struct {
	*saga.Instance
	CompletedSteps int `json:"completed_steps"`
	TotalSteps     int `json:"total_steps"`
}

// CancelRequest is the optional body of POST /api/v1/sagas/:id/cancel.
type CancelRequest struct {
	ActorID string `json:"actor_id"`
	Reason  string `json:"reason"`
}

// RetryRequest is the optional body of POST /api/v1/sagas/:id/retry.
type RetryRequest struct {
	ActorID string `json:"actor_id"`
}
