package domain

import (
	"sort"
	"time"
)

// =============================================================================
// Stages
// =============================================================================

// Stage names one step of the fixed pipeline.
type Stage string

const (
	StageSource       Stage = "Source"
	StageApproveUnits Stage = "ApproveUnits"
	StageUpdateUnits  Stage = "UpdateUnits"
	StageApproveLayer Stage = "ApproveLayer"
	StageUpdateLayer  Stage = "UpdateLayer"
)

// IsApproval reports whether the stage is a manual approval gate.
func (s Stage) IsApproval() bool {
	return s == StageApproveUnits || s == StageApproveLayer
}

// IsFanOut reports whether the stage acts on every selected unit and so
// produces per-unit outcomes.
func (s Stage) IsFanOut() bool {
	return s == StageUpdateUnits || s == StageUpdateLayer
}

// StageStatus is the lifecycle state of a StageExecution.
type StageStatus string

const (
	StageNotStarted       StageStatus = "not_started"
	StageRunning          StageStatus = "running"
	StageSucceeded        StageStatus = "succeeded"
	StageFailed           StageStatus = "failed"
	StageAwaitingApproval StageStatus = "awaiting_approval"
)

// IsTerminal reports whether no further transitions are expected.
func (s StageStatus) IsTerminal() bool {
	return s == StageSucceeded || s == StageFailed
}

var validStageTransitions = map[StageStatus][]StageStatus{
	StageNotStarted:       {StageRunning, StageAwaitingApproval},
	StageRunning:          {StageSucceeded, StageFailed},
	StageAwaitingApproval: {StageSucceeded, StageFailed},
	StageSucceeded:        {},
	StageFailed:           {},
}

// ValidateStageTransition checks if a stage status transition is valid.
func ValidateStageTransition(from, to StageStatus) error {
	for _, s := range validStageTransitions[from] {
		if s == to {
			return nil
		}
	}
	return ErrInvalidTransition
}

// =============================================================================
// Unit Outcomes
// =============================================================================

// OutcomeStatus is the result of one per-unit operation.
type OutcomeStatus string

const (
	OutcomeUpdated OutcomeStatus = "updated"
	OutcomeFailed  OutcomeStatus = "failed"
)

// UnitOutcome records what happened to one unit inside a fan-out stage.
// Attempted is false when the remote call was never made, for example when
// packaging failed or the run was cancelled before the worker started.
type UnitOutcome struct {
	Unit       string        `json:"unit"`
	Status     OutcomeStatus `json:"status"`
	Attempted  bool          `json:"attempted"`
	Cause      string        `json:"cause,omitempty"`
	ErrorKind  ErrorKind     `json:"error_kind,omitempty"`
	CodeSHA256 string        `json:"code_sha256,omitempty"`
	RevisionID string        `json:"revision_id,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// UnitFailure is one entry of Report.Failed.
type UnitFailure struct {
	Unit  string `json:"unit"`
	Cause string `json:"cause"`
}

// Report is the aggregate {updated, failed} view of a fan-out stage.
type Report struct {
	Updated []string      `json:"updated"`
	Failed  []UnitFailure `json:"failed"`
}

// NewReport builds a Report from outcomes, sorted by unit name.
func NewReport(outcomes []UnitOutcome) Report {
	r := Report{Updated: []string{}, Failed: []UnitFailure{}}
	for _, o := range outcomes {
		if o.Status == OutcomeUpdated {
			r.Updated = append(r.Updated, o.Unit)
			continue
		}
		r.Failed = append(r.Failed, UnitFailure{Unit: o.Unit, Cause: o.Cause})
	}
	sort.Strings(r.Updated)
	sort.Slice(r.Failed, func(i, j int) bool { return r.Failed[i].Unit < r.Failed[j].Unit })
	return r
}

// =============================================================================
// Stage Execution
// =============================================================================

// StageExecution is the persisted record of one stage within a run.
type StageExecution struct {
	RunID        string        `json:"run_id"`
	Stage        Stage         `json:"stage"`
	Position     int           `json:"position"`
	Status       StageStatus   `json:"status"`
	Outcomes     []UnitOutcome `json:"outcomes,omitempty"`
	LayerVersion *LayerVersion `json:"layer_version,omitempty"`
	GateID       string        `json:"gate_id,omitempty"`
	ErrorKind    ErrorKind     `json:"error_kind,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
	StartedAt    *time.Time    `json:"started_at,omitempty"`
	FinishedAt   *time.Time    `json:"finished_at,omitempty"`
}

// Transition moves the stage to a new status and stamps timestamps.
func (s *StageExecution) Transition(to StageStatus) error {
	if err := ValidateStageTransition(s.Status, to); err != nil {
		return err
	}

	now := time.Now().UTC()
	if s.StartedAt == nil {
		s.StartedAt = &now
	}
	if to.IsTerminal() {
		s.FinishedAt = &now
	}
	s.Status = to
	return nil
}

// Fail moves the stage to failed and records the error kind and message.
func (s *StageExecution) Fail(err error) error {
	if s.Status == StageNotStarted {
		if terr := s.Transition(StageRunning); terr != nil {
			return terr
		}
	}
	if terr := s.Transition(StageFailed); terr != nil {
		return terr
	}
	s.ErrorKind = KindOf(err)
	if err != nil {
		s.ErrorMessage = err.Error()
	}
	return nil
}

// Report returns the aggregate per-unit view of the stage.
func (s *StageExecution) Report() Report {
	return NewReport(s.Outcomes)
}

// StageReport is the structured completion record emitted when a stage ends.
type StageReport struct {
	RunID        string        `json:"run_id"`
	Stage        Stage         `json:"stage"`
	Status       StageStatus   `json:"status"`
	Report       Report        `json:"report"`
	LayerVersion *LayerVersion `json:"layer_version,omitempty"`
	ErrorKind    ErrorKind     `json:"error_kind,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
	Duration     time.Duration `json:"duration"`
}

// CompletionReport builds the StageReport for a finished stage.
func (s *StageExecution) CompletionReport() StageReport {
	var d time.Duration
	if s.StartedAt != nil && s.FinishedAt != nil {
		d = s.FinishedAt.Sub(*s.StartedAt)
	}
	return StageReport{
		RunID:        s.RunID,
		Stage:        s.Stage,
		Status:       s.Status,
		Report:       s.Report(),
		LayerVersion: s.LayerVersion,
		ErrorKind:    s.ErrorKind,
		ErrorMessage: s.ErrorMessage,
		Duration:     d,
	}
}
