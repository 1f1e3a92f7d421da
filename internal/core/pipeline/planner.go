package pipeline

import "github.com/artpar/lambdaroll/internal/core/domain"

// =============================================================================
// Restart Planning
// =============================================================================

// ResumeAction is what a restarted process must do with a persisted run.
type ResumeAction string

const (
	// ResumeNone leaves the run alone (terminal).
	ResumeNone ResumeAction = "none"
	// ResumeWaitGate re-enters the wait on the run's open gate.
	ResumeWaitGate ResumeAction = "wait_gate"
	// ResumeStart starts a run that was created but never began.
	ResumeStart ResumeAction = "start"
	// ResumeInterrupted fails a run whose fan-out stage was cut off mid-flight.
	ResumeInterrupted ResumeAction = "interrupted"
)

// ResumePlan is the result of planning a persisted run after a restart.
type ResumePlan struct {
	Action ResumeAction

	// Stage is the stage the action applies to. Empty for ResumeNone.
	Stage domain.Stage

	// Reason explains ResumeNone and ResumeInterrupted.
	Reason string
}

// DetermineResume decides how a restarted process continues a persisted run.
//
// Gates survive restarts, so a run waiting on approval goes back to waiting.
// A stage that was running when the process died may have applied some
// unit updates; it is never replayed automatically and the run fails with
// an interrupted reason instead.
//
//   - pending → start from the first stage
//   - running, current stage awaiting approval → wait on the gate
//   - running, current stage running → interrupted
//   - terminal → none
func DetermineResume(run *domain.PipelineRun) ResumePlan {
	switch run.Status {
	case domain.RunPending:
		return ResumePlan{Action: ResumeStart, Stage: stageOrder[0]}

	case domain.RunRunning:
		for _, st := range run.Stages {
			switch st.Status {
			case domain.StageAwaitingApproval:
				return ResumePlan{Action: ResumeWaitGate, Stage: st.Stage}
			case domain.StageRunning:
				return ResumePlan{
					Action: ResumeInterrupted,
					Stage:  st.Stage,
					Reason: "process stopped while " + string(st.Stage) + " was running",
				}
			}
		}
		// Between stages: the next not-started stage is safe to begin.
		for _, st := range run.Stages {
			if st.Status == domain.StageNotStarted {
				return ResumePlan{Action: ResumeStart, Stage: st.Stage}
			}
		}
		return ResumePlan{
			Action: ResumeInterrupted,
			Reason: "run has no remaining stages but was not completed",
		}

	default:
		return ResumePlan{Action: ResumeNone, Reason: "run is " + string(run.Status)}
	}
}

// =============================================================================
// Cancel Planning
// =============================================================================

// CancelPath represents the result of planning a run cancellation.
type CancelPath struct {
	Valid bool

	// Gate is the stage whose gate must be abandoned. Empty when the run
	// was still pending.
	Gate domain.Stage

	ErrorReason string
}

// DetermineCancelPath decides whether a run can be cancelled.
// Cancellation is only allowed at stage boundaries: while the run is pending
// or waiting at a gate. A fan-out in flight is never interrupted.
func DetermineCancelPath(run *domain.PipelineRun) CancelPath {
	switch run.Status {
	case domain.RunPending:
		return CancelPath{Valid: true}

	case domain.RunRunning:
		for _, st := range run.Stages {
			if st.Status == domain.StageAwaitingApproval {
				return CancelPath{Valid: true, Gate: st.Stage}
			}
		}
		return CancelPath{
			Valid:       false,
			ErrorReason: "run is executing " + string(run.CurrentStage) + "; cancel is only allowed at a gate",
		}

	default:
		return CancelPath{
			Valid:       false,
			ErrorReason: "run is already " + string(run.Status),
		}
	}
}
