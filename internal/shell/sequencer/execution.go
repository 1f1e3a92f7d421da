package sequencer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/artpar/lambdaroll/internal/core/domain"
	"github.com/artpar/lambdaroll/internal/core/pipeline"
	"github.com/artpar/lambdaroll/internal/shell/events"
	"github.com/artpar/lambdaroll/internal/shell/rollout"
	"github.com/artpar/lambdaroll/internal/shell/source"
	"github.com/artpar/lambdaroll/internal/shell/store"
)

// errStageFailed marks a stage that ended failed; the run has been halted.
var errStageFailed = errors.New("stage failed")

// execution is the state of one run being driven by this process. Only the
// execution writes the run and stage records.
type execution struct {
	seq    *Sequencer
	run    *domain.PipelineRun
	snap   *source.Snapshot
	cancel *activeRun
	logger *slog.Logger
}

func (x *execution) deps() Deps { return x.seq.deps }

// execute runs every stage from `from` to the end of the pipeline.
func (x *execution) execute(ctx context.Context, from domain.Stage) error {
	if x.run.Status == domain.RunPending {
		if err := x.run.Transition(domain.RunRunning); err != nil {
			return err
		}
		if err := x.deps().Store.UpdateRun(ctx, x.run); err != nil {
			return err
		}
		x.logger.Info("run started", "fleet", x.run.Fleet, "source_ref", x.run.SourceRef)
		x.deps().Events.Publish(events.Event{Type: events.TypeRunStarted, RunID: x.run.ID, Payload: x.run})
	}

	order := pipeline.StageOrder()
	for i := pipeline.Position(from); i >= 0 && i < len(order); i++ {
		stage := order[i]

		if x.cancelRequested() {
			return x.stopCancelled(ctx, stage)
		}

		err := x.runStage(ctx, stage)
		if errors.Is(err, errStageFailed) {
			return nil
		}
		if err != nil {
			return err
		}
	}

	if err := x.run.Transition(domain.RunSucceeded); err != nil {
		return err
	}
	x.persist(ctx, "")
	x.logger.Info("run succeeded")
	x.deps().Events.Publish(events.Event{Type: events.TypeRunFinished, RunID: x.run.ID, Payload: x.run})
	return nil
}

func (x *execution) runStage(ctx context.Context, stage domain.Stage) error {
	st, err := x.run.Stage(stage)
	if err != nil {
		return err
	}
	if st.Status == domain.StageSucceeded {
		return nil
	}
	if st.Status == domain.StageNotStarted && !pipeline.CanStart(x.run.Stages, stage) {
		return fmt.Errorf("%w: %s cannot start before earlier stages succeed", domain.ErrInvalidTransition, stage)
	}

	// Every stage after Source needs the snapshot, including on resume.
	if stage != domain.StageSource && x.snap == nil {
		snap, err := x.deps().Source.Reopen(ctx, x.run.ID, x.run.SourceRef)
		if err != nil {
			return x.fail(ctx, st, &domain.SourceError{Ref: x.run.SourceRef, Err: err})
		}
		x.snap = snap
	}

	x.run.CurrentStage = stage
	switch stage {
	case domain.StageSource:
		return x.runSource(ctx, st)
	case domain.StageApproveUnits:
		return x.runApproval(ctx, st, x.snap.Manifest.Approvals.Units)
	case domain.StageApproveLayer:
		return x.runApproval(ctx, st, x.snap.Manifest.Approvals.Layer)
	case domain.StageUpdateUnits:
		return x.runUpdateUnits(ctx, st)
	case domain.StageUpdateLayer:
		return x.runUpdateLayer(ctx, st)
	}
	return fmt.Errorf("%w: %s", domain.ErrUnknownStage, stage)
}

// =============================================================================
// Stages
// =============================================================================

func (x *execution) runSource(ctx context.Context, st *domain.StageExecution) error {
	if err := x.begin(ctx, st, domain.StageRunning); err != nil {
		return err
	}

	snap, err := x.deps().Source.Capture(ctx, x.run.ID, x.run.SourceRef, x.run.SourceDir)
	if err != nil {
		return x.fail(ctx, st, &domain.SourceError{Ref: x.run.SourceRef, Err: err})
	}
	if snap.Manifest.Name != x.run.Fleet {
		x.logger.Warn("manifest fleet differs from run fleet", "manifest", snap.Manifest.Name, "run", x.run.Fleet)
	}
	x.snap = snap
	return x.succeed(ctx, st)
}

func (x *execution) runApproval(ctx context.Context, st *domain.StageExecution, info string) error {
	if st.Status == domain.StageNotStarted {
		g, err := x.deps().Gates.Open(ctx, x.run.ID, st.Stage, info)
		if err != nil {
			return err
		}
		st.GateID = g.ID
		if err := x.begin(ctx, st, domain.StageAwaitingApproval); err != nil {
			return err
		}
	}

	x.logger.Info("waiting for approval", "stage", st.Stage, "gate_id", st.GateID)
	g, err := x.deps().Gates.Wait(ctx, st.GateID)
	if err != nil {
		// The gate stays pending and the run resumes waiting after a restart.
		return err
	}

	if gerr := g.Err(); gerr != nil {
		x.logger.Info("gate closed without approval", "stage", st.Stage, "status", g.Status, "decided_by", g.DecidedBy)
		return x.fail(ctx, st, fmt.Errorf("%w by %s: %s", gerr, identityOf(g), g.Comment))
	}

	x.logger.Info("gate approved", "stage", st.Stage, "decided_by", g.DecidedBy)
	return x.succeed(ctx, st)
}

func (x *execution) runUpdateUnits(ctx context.Context, st *domain.StageExecution) error {
	if err := x.begin(ctx, st, domain.StageRunning); err != nil {
		return err
	}

	// A started fan-out always runs to completion.
	fanCtx := context.WithoutCancel(ctx)
	outcomes := x.deps().Updater.UpdateAll(fanCtx, x.run.ID, x.snap.Root, x.snap.Units)
	st.Outcomes = outcomes

	if _, err := pipeline.EvaluateTolerance(st.Stage, outcomes, x.snap.Manifest.Tolerance.Units); err != nil {
		return x.fail(ctx, st, err)
	}
	return x.succeed(ctx, st)
}

func (x *execution) runUpdateLayer(ctx context.Context, st *domain.StageExecution) error {
	if err := x.begin(ctx, st, domain.StageRunning); err != nil {
		return err
	}

	fanCtx := context.WithoutCancel(ctx)
	layer := x.snap.Manifest.Layer
	v, err := x.deps().Publisher.Publish(fanCtx, x.run.ID, rollout.LayerSpec{
		Name:               layer.Name,
		Dir:                x.snap.LayerDir(),
		Description:        layer.Description,
		CompatibleRuntimes: layer.CompatibleRuntimes,
		Ignore:             x.snap.Manifest.Ignore,
	})
	if err != nil {
		return x.fail(ctx, st, err)
	}
	st.LayerVersion = v
	x.persist(ctx, st.Stage)

	sel := pipeline.Selector{
		Prefix:  layer.Selector.Prefix,
		Include: layer.Selector.Include,
		Exclude: layer.Selector.Exclude,
	}
	outcomes, err := x.deps().Binder.Bind(fanCtx, v, sel)
	if err != nil {
		return x.fail(ctx, st, &domain.UpdateError{Op: "list_units", Err: err})
	}
	st.Outcomes = outcomes

	if _, err := pipeline.EvaluateTolerance(st.Stage, outcomes, x.snap.Manifest.Tolerance.Layer); err != nil {
		return x.fail(ctx, st, err)
	}
	return x.succeed(ctx, st)
}

// =============================================================================
// Transitions
// =============================================================================

func (x *execution) begin(ctx context.Context, st *domain.StageExecution, to domain.StageStatus) error {
	if err := st.Transition(to); err != nil {
		return err
	}
	x.run.UpdatedAt = *st.StartedAt
	if err := x.save(ctx, st.Stage); err != nil {
		return err
	}

	x.logger.Info("stage started", "stage", st.Stage, "position", st.Position, "status", st.Status)
	x.deps().Events.Publish(events.Event{
		Type:    events.TypeStageStarted,
		RunID:   x.run.ID,
		Payload: map[string]any{"stage": st.Stage, "status": st.Status, "gate_id": st.GateID},
	})
	return nil
}

func (x *execution) succeed(ctx context.Context, st *domain.StageExecution) error {
	if err := st.Transition(domain.StageSucceeded); err != nil {
		return err
	}
	x.persist(ctx, st.Stage)
	x.complete(st)
	return nil
}

// fail ends the stage and halts the run. Rejected and abandoned gates stop
// the run at the gate; every other failure fails it.
func (x *execution) fail(ctx context.Context, st *domain.StageExecution, cause error) error {
	if err := st.Fail(cause); err != nil {
		return err
	}

	to := domain.RunFailed
	if errors.Is(cause, domain.ErrGateRejected) || errors.Is(cause, domain.ErrGateAbandoned) {
		to = domain.RunStoppedAtGate
	}
	if err := x.run.Halt(to, cause.Error()); err != nil {
		return err
	}

	x.persist(ctx, st.Stage)
	x.complete(st)
	x.logger.Warn("run halted", "stage", st.Stage, "status", x.run.Status, "error_kind", st.ErrorKind, "error", cause)
	x.deps().Events.Publish(events.Event{Type: events.TypeRunFinished, RunID: x.run.ID, Payload: x.run})
	return errStageFailed
}

// complete emits the progress line and the structured completion record.
func (x *execution) complete(st *domain.StageExecution) {
	report := st.CompletionReport()
	x.logger.Info("stage completed",
		"stage", report.Stage,
		"status", report.Status,
		"updated", len(report.Report.Updated),
		"failed", len(report.Report.Failed),
		"error_kind", report.ErrorKind,
		"duration", report.Duration,
	)
	x.deps().Events.Publish(events.Event{Type: events.TypeStageCompleted, RunID: x.run.ID, Payload: report})
}

func (x *execution) stopCancelled(ctx context.Context, next domain.Stage) error {
	reason, _ := x.cancel.reason.Load().(string)
	if err := x.run.Halt(domain.RunStoppedAtGate, reason); err != nil {
		return err
	}
	x.persist(ctx, "")
	x.logger.Info("run cancelled", "before_stage", next, "reason", reason)
	x.deps().Events.Publish(events.Event{Type: events.TypeRunFinished, RunID: x.run.ID, Payload: x.run})
	return nil
}

func (x *execution) cancelRequested() bool {
	return x.cancel != nil && x.cancel.cancelRequested.Load()
}

// save writes the run row and one stage row in a single transaction.
func (x *execution) save(ctx context.Context, stage domain.Stage) error {
	return x.deps().Store.WithTx(ctx, func(tx store.Store) error {
		if err := tx.UpdateRun(ctx, x.run); err != nil {
			return err
		}
		if stage == "" {
			return nil
		}
		st, err := x.run.Stage(stage)
		if err != nil {
			return err
		}
		return tx.SaveStage(ctx, st)
	})
}

// persist saves terminal records even when ctx has ended, so a shutdown
// never loses a stage result.
func (x *execution) persist(ctx context.Context, stage domain.Stage) {
	if err := x.save(context.WithoutCancel(ctx), stage); err != nil {
		x.logger.Error("failed to persist run", "stage", stage, "error", err)
	}
}

func identityOf(g *domain.Gate) string {
	if g.DecidedBy == "" {
		return "system"
	}
	return g.DecidedBy
}
