// Package pipeline provides pure functions for planning pipeline runs.
//
// This package contains the functional core of the stage sequencer: the
// fixed stage order, tolerance evaluation, layer selectors and the restart
// plan for persisted runs. All functions are pure (no I/O, no side effects).
//
// # Functions
//
//   - Ordering: the fixed stage order and the stage that follows (StageOrder, NextStage)
//   - Tolerance: decide a fan-out stage result from its outcomes (EvaluateTolerance)
//   - Selection: choose units to rebind and compute their new layer list (Selector, RebindLayers)
//   - Planning: decide what a persisted run needs after a restart or a cancel (DetermineResume, DetermineCancelPath)
//
// # Usage
//
// The imperative shell (internal/shell/sequencer) uses these functions to
// drive a run, then performs the side effects through the cloud stores.
//
//	for _, stage := range pipeline.StageOrder() {
//	    ...
//	}
//	status, err := pipeline.EvaluateTolerance(domain.StageUpdateUnits, outcomes, tolerance)
package pipeline
