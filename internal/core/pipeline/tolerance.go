package pipeline

import "github.com/artpar/lambdaroll/internal/core/domain"

// =============================================================================
// Tolerance Evaluation
// =============================================================================

// DefaultTolerance fails a fan-out stage on its first failed unit.
const DefaultTolerance = 0

// EvaluateTolerance decides the status of a fan-out stage.
//
// The stage succeeds when the number of failed outcomes is at most tolerance.
// Otherwise it fails with *domain.ToleranceExceededError. A negative
// tolerance is treated as zero.
//
// Example:
//
//	status, err := EvaluateTolerance(domain.StageUpdateUnits, outcomes, 0)
//	// status == StageFailed and err != nil when any outcome failed
func EvaluateTolerance(stage domain.Stage, outcomes []domain.UnitOutcome, tolerance int) (domain.StageStatus, error) {
	if tolerance < 0 {
		tolerance = 0
	}

	failed := CountFailed(outcomes)
	if failed > tolerance {
		return domain.StageFailed, &domain.ToleranceExceededError{
			Stage:     stage,
			Failed:    failed,
			Tolerance: tolerance,
		}
	}
	return domain.StageSucceeded, nil
}

// CountFailed returns how many outcomes did not succeed.
func CountFailed(outcomes []domain.UnitOutcome) int {
	n := 0
	for _, o := range outcomes {
		if o.Status != domain.OutcomeUpdated {
			n++
		}
	}
	return n
}

// CountAttempted returns how many outcomes reached the remote store.
func CountAttempted(outcomes []domain.UnitOutcome) int {
	n := 0
	for _, o := range outcomes {
		if o.Attempted {
			n++
		}
	}
	return n
}
