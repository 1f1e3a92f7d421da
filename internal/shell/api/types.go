package api

import (
	"time"

	"github.com/artpar/lambdaroll/internal/core/domain"
)

// =============================================================================
// Request Types
// =============================================================================

// TriggerRunRequest is the request body for starting a run.
type TriggerRunRequest struct {
	SourceRef string `json:"source_ref"`
	SourceDir string `json:"source_dir,omitempty"`
}

// CancelRunRequest is the request body for cancelling a run.
type CancelRunRequest struct {
	Reason string `json:"reason,omitempty"`
}

// DecideGateRequest is the request body for approving or rejecting a gate.
type DecideGateRequest struct {
	Identity string `json:"identity,omitempty"`
	Comment  string `json:"comment,omitempty"`
}

// =============================================================================
// Response Types
// =============================================================================

// RunResponse is the response for run operations.
type RunResponse struct {
	ID           string          `json:"id"`
	Fleet        string          `json:"fleet"`
	SourceRef    string          `json:"source_ref"`
	SourceDir    string          `json:"source_dir"`
	Status       string          `json:"status"`
	CurrentStage string          `json:"current_stage,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Stages       []StageResponse `json:"stages"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
}

// StageResponse is one stage of a run with its {updated, failed} report.
type StageResponse struct {
	Stage        string               `json:"stage"`
	Status       string               `json:"status"`
	Updated      []string             `json:"updated"`
	Failed       []domain.UnitFailure `json:"failed"`
	LayerVersion *domain.LayerVersion `json:"layer_version,omitempty"`
	GateID       string               `json:"gate_id,omitempty"`
	ErrorKind    string               `json:"error_kind,omitempty"`
	ErrorMessage string               `json:"error_message,omitempty"`
	StartedAt    *time.Time           `json:"started_at,omitempty"`
	FinishedAt   *time.Time           `json:"finished_at,omitempty"`
}

// GateResponse is the response for gate operations.
type GateResponse struct {
	ID        string     `json:"id"`
	RunID     string     `json:"run_id"`
	Stage     string     `json:"stage"`
	Status    string     `json:"status"`
	Info      string     `json:"info,omitempty"`
	DecidedBy string     `json:"decided_by,omitempty"`
	Comment   string     `json:"comment,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	DecidedAt *time.Time `json:"decided_at,omitempty"`
}

// ListResponse wraps list results with pagination info.
type ListResponse[T any] struct {
	Items  []T `json:"items"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// HealthResponse is the response for health checks.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}
