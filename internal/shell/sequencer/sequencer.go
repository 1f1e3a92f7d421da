// Package sequencer drives pipeline runs through their stages: it captures
// the source, waits on approval gates, fans unit and layer updates out, and
// persists every stage transition so a restarted process can continue.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/artpar/lambdaroll/internal/core/domain"
	"github.com/artpar/lambdaroll/internal/core/pipeline"
	"github.com/artpar/lambdaroll/internal/shell/events"
	"github.com/artpar/lambdaroll/internal/shell/gate"
	"github.com/artpar/lambdaroll/internal/shell/rollout"
	"github.com/artpar/lambdaroll/internal/shell/source"
	"github.com/artpar/lambdaroll/internal/shell/store"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrRunActive is returned when a fleet already has a pending or running run.
	ErrRunActive = errors.New("fleet already has an active run")

	// ErrCancelNotAllowed is returned when a run is not at a stage boundary.
	ErrCancelNotAllowed = errors.New("run cannot be cancelled now")
)

// =============================================================================
// Dependencies
// =============================================================================

// SnapshotSource captures the source a run deploys. Capture runs once, at
// Source; every later stage reopens that capture.
type SnapshotSource interface {
	Capture(ctx context.Context, runID, ref, sourceDir string) (*source.Snapshot, error)
	Reopen(ctx context.Context, runID, ref string) (*source.Snapshot, error)
}

// UnitUpdater builds and pushes every unit, one attempt each.
type UnitUpdater interface {
	UpdateAll(ctx context.Context, runID, root string, units []domain.Unit) []domain.UnitOutcome
}

// LayerPublisher publishes a new layer version.
type LayerPublisher interface {
	Publish(ctx context.Context, runID string, spec rollout.LayerSpec) (*domain.LayerVersion, error)
}

// LayerBinder rebinds selected units to a layer version.
type LayerBinder interface {
	Bind(ctx context.Context, version *domain.LayerVersion, sel pipeline.Selector) ([]domain.UnitOutcome, error)
}

// Deps are the collaborators a Sequencer drives.
type Deps struct {
	Store     store.Store
	Source    SnapshotSource
	Updater   UnitUpdater
	Publisher LayerPublisher
	Binder    LayerBinder
	Gates     *gate.Service
	Events    events.Publisher // optional
}

// Config configures the sequencer.
type Config struct {
	// Fleet names the fleet runs belong to. At most one run per fleet is active.
	Fleet string
}

// =============================================================================
// Sequencer
// =============================================================================

// Sequencer executes runs. Stages run strictly in order; a run halts on the
// first failed stage with later stages left not started, and nothing is
// retried or rolled back.
type Sequencer struct {
	deps   Deps
	config Config
	logger *slog.Logger

	// triggerMu serializes the active-run check with run creation.
	triggerMu sync.Mutex

	mu     sync.Mutex
	active map[string]*activeRun

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type activeRun struct {
	cancelRequested atomic.Bool
	reason          atomic.Value // string
}

// New creates a sequencer.
func New(deps Deps, config Config, logger *slog.Logger) *Sequencer {
	if deps.Events == nil {
		deps.Events = events.Discard
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Sequencer{
		deps:   deps,
		config: config,
		logger: logger.With("component", "sequencer"),
		active: make(map[string]*activeRun),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start resumes every persisted run of the fleet that is still pending or
// running.
func (s *Sequencer) Start(ctx context.Context) error {
	runs, err := s.deps.Store.ListActiveRuns(ctx, s.config.Fleet)
	if err != nil {
		return fmt.Errorf("list active runs: %w", err)
	}

	for i := range runs {
		run := runs[i]
		plan := pipeline.DetermineResume(&run)
		s.logger.Info("resuming run", "run_id", run.ID, "action", plan.Action, "stage", plan.Stage)
		s.launch(run.ID)
	}

	s.logger.Info("sequencer started", "fleet", s.config.Fleet, "resumed", len(runs))
	return nil
}

// Stop cancels background runs and waits for them to return. Runs waiting
// on a gate stay persisted as awaiting approval and resume on next Start.
func (s *Sequencer) Stop() {
	s.cancel()
	s.wg.Wait()
	s.logger.Info("sequencer stopped")
}

// Create persists a new pending run for the fleet.
func (s *Sequencer) Create(ctx context.Context, sourceRef, sourceDir string) (*domain.PipelineRun, error) {
	s.triggerMu.Lock()
	defer s.triggerMu.Unlock()

	active, err := s.deps.Store.ListActiveRuns(ctx, s.config.Fleet)
	if err != nil {
		return nil, err
	}
	if len(active) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrRunActive, active[0].ID)
	}

	run := domain.NewPipelineRun(s.config.Fleet, sourceRef, sourceDir, pipeline.StageOrder())
	if err := s.deps.Store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	s.logger.Info("run created", "run_id", run.ID, "fleet", run.Fleet, "source_ref", sourceRef)
	return run, nil
}

// Trigger creates a run and executes it in the background.
func (s *Sequencer) Trigger(ctx context.Context, sourceRef, sourceDir string) (*domain.PipelineRun, error) {
	run, err := s.Create(ctx, sourceRef, sourceDir)
	if err != nil {
		return nil, err
	}
	s.launch(run.ID)
	return run, nil
}

func (s *Sequencer) launch(runID string) {
	// Claim before the goroutine starts so Cancel sees the run as executing.
	ar, release, err := s.claim(runID)
	if err != nil {
		s.logger.Error("failed to launch run", "run_id", runID, "error", err)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer release()
		if _, err := s.execute(s.ctx, runID, ar); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("run execution failed", "run_id", runID, "error", err)
		}
	}()
}

// Cancel stops a run at a stage boundary. A run waiting at a gate has the
// gate abandoned and stops there; a pending run stops before its first stage.
// Unless this process is executing the run, the returned run is already
// stopped. Cancelling a run that is executing a stage returns
// ErrCancelNotAllowed.
func (s *Sequencer) Cancel(ctx context.Context, runID, reason string) (*domain.PipelineRun, error) {
	run, err := s.deps.Store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	path := pipeline.DetermineCancelPath(run)
	if !path.Valid {
		return nil, fmt.Errorf("%w: %s", ErrCancelNotAllowed, path.ErrorReason)
	}
	if reason == "" {
		reason = "cancelled"
	}

	if path.Gate != "" {
		g, err := s.deps.Store.GetGateForStage(ctx, runID, path.Gate)
		if err != nil {
			return nil, err
		}
		abandoned, err := s.deps.Gates.Abandon(ctx, g.ID, reason)
		if err != nil {
			return nil, err
		}
		if s.executing(runID) {
			// The executing goroutine sees the abandoned gate and halts.
			s.logger.Info("run cancel requested at gate", "run_id", runID, "stage", path.Gate)
			return s.deps.Store.GetRun(ctx, runID)
		}
		return s.stopAtGate(ctx, run, path.Gate, abandoned)
	}

	// Pending: stop an in-process run at its next boundary, or stop a run
	// nobody is executing directly.
	s.mu.Lock()
	ar, ok := s.active[runID]
	s.mu.Unlock()
	if ok {
		ar.reason.Store(reason)
		ar.cancelRequested.Store(true)
		return run, nil
	}

	if err := run.Halt(domain.RunStoppedAtGate, reason); err != nil {
		return nil, err
	}
	if err := s.deps.Store.UpdateRun(ctx, run); err != nil {
		return nil, err
	}
	s.logger.Info("pending run cancelled", "run_id", runID)
	s.deps.Events.Publish(events.Event{Type: events.TypeRunFinished, RunID: run.ID, Payload: run})
	return run, nil
}

func (s *Sequencer) executing(runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[runID]
	return ok
}

// stopAtGate records the outcome an executing run would have written on
// seeing its gate abandoned. A process waiting on the gate elsewhere writes
// the same terminal state when it wakes.
func (s *Sequencer) stopAtGate(ctx context.Context, run *domain.PipelineRun, stage domain.Stage, g *domain.Gate) (*domain.PipelineRun, error) {
	st, err := run.Stage(stage)
	if err != nil {
		return nil, err
	}
	cause := fmt.Errorf("%w by %s: %s", g.Err(), identityOf(g), g.Comment)
	if err := st.Fail(cause); err != nil {
		return nil, err
	}
	if err := run.Halt(domain.RunStoppedAtGate, cause.Error()); err != nil {
		return nil, err
	}

	err = s.deps.Store.WithTx(ctx, func(tx store.Store) error {
		if err := tx.UpdateRun(ctx, run); err != nil {
			return err
		}
		return tx.SaveStage(ctx, st)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("run cancelled at gate", "run_id", run.ID, "stage", stage)
	s.deps.Events.Publish(events.Event{Type: events.TypeStageCompleted, RunID: run.ID, Payload: st.CompletionReport()})
	s.deps.Events.Publish(events.Event{Type: events.TypeRunFinished, RunID: run.ID, Payload: run})
	return run, nil
}

// Execute drives a persisted run until it finishes or blocks on ctx. It
// continues from the run's persisted state, so it also resumes runs after a
// restart. It returns ctx.Err() when ctx ends while a gate is pending; the
// run then stays awaiting approval.
func (s *Sequencer) Execute(ctx context.Context, runID string) (*domain.PipelineRun, error) {
	ar, release, err := s.claim(runID)
	if err != nil {
		return nil, err
	}
	defer release()
	return s.execute(ctx, runID, ar)
}

func (s *Sequencer) execute(ctx context.Context, runID string, ar *activeRun) (*domain.PipelineRun, error) {
	run, err := s.deps.Store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	plan := pipeline.DetermineResume(run)
	switch plan.Action {
	case pipeline.ResumeNone:
		return run, nil

	case pipeline.ResumeInterrupted:
		s.interrupt(ctx, run, plan)
		return run, nil
	}

	x := &execution{seq: s, run: run, logger: s.logger.With("run_id", run.ID), cancel: ar}
	return run, x.execute(ctx, plan.Stage)
}

// claim marks runID as executing in this process.
func (s *Sequencer) claim(runID string) (*activeRun, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[runID]; ok {
		return nil, nil, fmt.Errorf("run %s is already executing", runID)
	}
	ar := &activeRun{}
	s.active[runID] = ar
	return ar, func() {
		s.mu.Lock()
		delete(s.active, runID)
		s.mu.Unlock()
	}, nil
}

// interrupt fails a run whose fan-out stage was cut off by a process exit.
func (s *Sequencer) interrupt(ctx context.Context, run *domain.PipelineRun, plan pipeline.ResumePlan) {
	cause := fmt.Errorf("%w: %s", domain.ErrInterrupted, plan.Reason)
	if plan.Stage != "" {
		if st, err := run.Stage(plan.Stage); err == nil {
			if err := st.Fail(cause); err != nil {
				s.logger.Error("failed to mark stage interrupted", "run_id", run.ID, "stage", plan.Stage, "error", err)
			}
		}
	}
	if err := run.Halt(domain.RunFailed, cause.Error()); err != nil {
		s.logger.Error("failed to halt interrupted run", "run_id", run.ID, "error", err)
		return
	}

	x := &execution{seq: s, run: run, logger: s.logger.With("run_id", run.ID)}
	x.persist(ctx, plan.Stage)
	s.logger.Warn("run interrupted", "run_id", run.ID, "stage", plan.Stage, "reason", plan.Reason)
	s.deps.Events.Publish(events.Event{Type: events.TypeRunFinished, RunID: run.ID, Payload: run})
}
