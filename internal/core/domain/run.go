package domain

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Run Status
// =============================================================================

type RunStatus string

const (
	RunPending       RunStatus = "pending"
	RunRunning       RunStatus = "running"
	RunSucceeded     RunStatus = "succeeded"
	RunFailed        RunStatus = "failed"
	RunStoppedAtGate RunStatus = "stopped_at_gate"
)

// IsTerminal reports whether the run can no longer progress.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunStoppedAtGate:
		return true
	}
	return false
}

// =============================================================================
// Pipeline Run
// =============================================================================

// PipelineRun is one pass of a source snapshot through every stage.
type PipelineRun struct {
	ID           string           `json:"id"`
	Fleet        string           `json:"fleet"`
	SourceRef    string           `json:"source_ref"`
	SourceDir    string           `json:"source_dir"`
	Status       RunStatus        `json:"status"`
	CurrentStage Stage            `json:"current_stage,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
	Stages       []StageExecution `json:"stages,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
	FinishedAt   *time.Time       `json:"finished_at,omitempty"`
}

// NewPipelineRun creates a pending run with one not-started execution per stage.
func NewPipelineRun(fleet, sourceRef, sourceDir string, stages []Stage) *PipelineRun {
	now := time.Now().UTC()
	run := &PipelineRun{
		ID:        uuid.New().String(),
		Fleet:     fleet,
		SourceRef: sourceRef,
		SourceDir: sourceDir,
		Status:    RunPending,
		Stages:    make([]StageExecution, 0, len(stages)),
		CreatedAt: now,
		UpdatedAt: now,
	}
	for i, st := range stages {
		run.Stages = append(run.Stages, StageExecution{
			RunID:    run.ID,
			Stage:    st,
			Position: i,
			Status:   StageNotStarted,
		})
	}
	return run
}

// Stage returns the execution record for the named stage.
func (r *PipelineRun) Stage(name Stage) (*StageExecution, error) {
	for i := range r.Stages {
		if r.Stages[i].Stage == name {
			return &r.Stages[i], nil
		}
	}
	return nil, ErrUnknownStage
}

// Transition attempts to move the run to a new status.
func (r *PipelineRun) Transition(to RunStatus) error {
	if err := ValidateTransition(r.Status, to); err != nil {
		return err
	}

	now := time.Now().UTC()
	r.Status = to
	r.UpdatedAt = now
	if to.IsTerminal() {
		r.FinishedAt = &now
	}
	return nil
}

// Halt ends the run with the given terminal status and reason.
func (r *PipelineRun) Halt(to RunStatus, reason string) error {
	if err := r.Transition(to); err != nil {
		return err
	}
	r.ErrorMessage = reason
	return nil
}

// =============================================================================
// State Machine
// =============================================================================

// validTransitions defines the allowed run status transitions.
var validTransitions = map[RunStatus][]RunStatus{
	RunPending:       {RunRunning, RunStoppedAtGate, RunFailed},
	RunRunning:       {RunSucceeded, RunFailed, RunStoppedAtGate},
	RunSucceeded:     {},
	RunFailed:        {},
	RunStoppedAtGate: {},
}

// ValidateTransition checks if a run status transition is valid.
func ValidateTransition(from, to RunStatus) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return ErrInvalidTransition
	}

	for _, s := range allowed {
		if s == to {
			return nil
		}
	}

	return ErrInvalidTransition
}
