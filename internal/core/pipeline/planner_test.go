package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/artpar/lambdaroll/internal/core/domain"
)

func runWith(status domain.RunStatus, current domain.Stage, stages ...domain.StageStatus) *domain.PipelineRun {
	return &domain.PipelineRun{ID: "run-1", Status: status, CurrentStage: current, Stages: stagesWith(stages...)}
}

// =============================================================================
// Resume Planning Tests
// =============================================================================

func TestDetermineResume(t *testing.T) {
	ok := domain.StageSucceeded

	tests := []struct {
		name   string
		run    *domain.PipelineRun
		action ResumeAction
		stage  domain.Stage
	}{
		{"pending", runWith(domain.RunPending, ""), ResumeStart, domain.StageSource},
		{"waiting at units gate", runWith(domain.RunRunning, domain.StageApproveUnits, ok, domain.StageAwaitingApproval), ResumeWaitGate, domain.StageApproveUnits},
		{"waiting at layer gate", runWith(domain.RunRunning, domain.StageApproveLayer, ok, ok, ok, domain.StageAwaitingApproval), ResumeWaitGate, domain.StageApproveLayer},
		{"units update in flight", runWith(domain.RunRunning, domain.StageUpdateUnits, ok, ok, domain.StageRunning), ResumeInterrupted, domain.StageUpdateUnits},
		{"source in flight", runWith(domain.RunRunning, domain.StageSource, domain.StageRunning), ResumeInterrupted, domain.StageSource},
		{"between stages", runWith(domain.RunRunning, domain.StageUpdateUnits, ok, ok, ok), ResumeStart, domain.StageApproveLayer},
		{"all stages done", runWith(domain.RunRunning, domain.StageUpdateLayer, ok, ok, ok, ok, ok), ResumeInterrupted, ""},
		{"succeeded", runWith(domain.RunSucceeded, domain.StageUpdateLayer, ok, ok, ok, ok, ok), ResumeNone, ""},
		{"failed", runWith(domain.RunFailed, domain.StageUpdateUnits, ok, ok, domain.StageFailed), ResumeNone, ""},
		{"stopped at gate", runWith(domain.RunStoppedAtGate, domain.StageApproveUnits, ok, domain.StageFailed), ResumeNone, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := DetermineResume(tt.run)
			assert.Equal(t, tt.action, plan.Action)
			assert.Equal(t, tt.stage, plan.Stage)
			if tt.action == ResumeInterrupted || tt.action == ResumeNone {
				assert.NotEmpty(t, plan.Reason)
			}
		})
	}
}

// =============================================================================
// Cancel Planning Tests
// =============================================================================

func TestDetermineCancelPath(t *testing.T) {
	ok := domain.StageSucceeded

	tests := []struct {
		name  string
		run   *domain.PipelineRun
		valid bool
		gate  domain.Stage
	}{
		{"pending", runWith(domain.RunPending, ""), true, ""},
		{"at units gate", runWith(domain.RunRunning, domain.StageApproveUnits, ok, domain.StageAwaitingApproval), true, domain.StageApproveUnits},
		{"at layer gate", runWith(domain.RunRunning, domain.StageApproveLayer, ok, ok, ok, domain.StageAwaitingApproval), true, domain.StageApproveLayer},
		{"fan-out in flight", runWith(domain.RunRunning, domain.StageUpdateUnits, ok, ok, domain.StageRunning), false, ""},
		{"succeeded", runWith(domain.RunSucceeded, domain.StageUpdateLayer), false, ""},
		{"stopped", runWith(domain.RunStoppedAtGate, domain.StageApproveUnits), false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := DetermineCancelPath(tt.run)
			assert.Equal(t, tt.valid, path.Valid)
			assert.Equal(t, tt.gate, path.Gate)
			if !tt.valid {
				assert.NotEmpty(t, path.ErrorReason)
			}
		})
	}
}

func TestDetermineCancelPath_ReasonNamesStage(t *testing.T) {
	path := DetermineCancelPath(runWith(domain.RunRunning, domain.StageUpdateLayer, domain.StageSucceeded))

	assert.Contains(t, path.ErrorReason, "UpdateLayer")
}
