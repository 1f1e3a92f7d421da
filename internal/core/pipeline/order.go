package pipeline

import "github.com/artpar/lambdaroll/internal/core/domain"

// =============================================================================
// Stage Ordering
// =============================================================================

var stageOrder = []domain.Stage{
	domain.StageSource,
	domain.StageApproveUnits,
	domain.StageUpdateUnits,
	domain.StageApproveLayer,
	domain.StageUpdateLayer,
}

// StageOrder returns the fixed stage sequence of every run.
func StageOrder() []domain.Stage {
	out := make([]domain.Stage, len(stageOrder))
	copy(out, stageOrder)
	return out
}

// Position returns the index of a stage in StageOrder, or -1.
func Position(stage domain.Stage) int {
	for i, s := range stageOrder {
		if s == stage {
			return i
		}
	}
	return -1
}

// NextStage returns the stage after current. ok is false for the last stage
// or an unknown one.
//
// Example:
//
//	NextStage(domain.StageApproveUnits) // returns StageUpdateUnits, true
func NextStage(current domain.Stage) (domain.Stage, bool) {
	i := Position(current)
	if i < 0 || i+1 >= len(stageOrder) {
		return "", false
	}
	return stageOrder[i+1], true
}

// CanStart reports whether stage may start given the run's stage records.
// Every earlier stage must have succeeded; approval stages succeed only
// once their gate is approved.
func CanStart(stages []domain.StageExecution, stage domain.Stage) bool {
	pos := Position(stage)
	if pos < 0 {
		return false
	}
	byStage := make(map[domain.Stage]domain.StageStatus, len(stages))
	for _, s := range stages {
		byStage[s.Stage] = s.Status
	}
	for _, prev := range stageOrder[:pos] {
		if byStage[prev] != domain.StageSucceeded {
			return false
		}
	}
	return byStage[stage] == domain.StageNotStarted || byStage[stage] == ""
}
