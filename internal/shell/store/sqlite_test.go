package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/artpar/lambdaroll/internal/core/domain"
	"github.com/artpar/lambdaroll/internal/core/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

func setupTestStore(t *testing.T) Store {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func createTestRun(t *testing.T, store Store) *domain.PipelineRun {
	t.Helper()
	run := domain.NewPipelineRun("fleet-a", "master@abc123", "/src/checkout", pipeline.StageOrder())
	require.NoError(t, store.CreateRun(context.Background(), run))
	return run
}

// =============================================================================
// Run Tests
// =============================================================================

func TestCreateRun_PersistsStages(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	run := createTestRun(t, store)

	got, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)

	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, "fleet-a", got.Fleet)
	assert.Equal(t, "master@abc123", got.SourceRef)
	assert.Equal(t, domain.RunPending, got.Status)
	require.Len(t, got.Stages, 5)
	for i, st := range got.Stages {
		assert.Equal(t, pipeline.StageOrder()[i], st.Stage)
		assert.Equal(t, i, st.Position)
		assert.Equal(t, domain.StageNotStarted, st.Status)
	}
}

func TestCreateRun_DuplicateID(t *testing.T) {
	store := setupTestStore(t)
	run := createTestRun(t, store)

	err := store.CreateRun(context.Background(), run)
	assert.ErrorIs(t, err, ErrDuplicateID)
}

func TestGetRun_NotFound(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.GetRun(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	var storeErr *StoreError
	require.True(t, errors.As(err, &storeErr))
	assert.Equal(t, "GetRun", storeErr.Op)
	assert.Equal(t, "run", storeErr.Entity)
}

func TestUpdateRun(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	run := createTestRun(t, store)

	require.NoError(t, run.Transition(domain.RunRunning))
	run.CurrentStage = domain.StageUpdateUnits
	require.NoError(t, run.Halt(domain.RunFailed, "UpdateUnits: 1 unit(s) failed"))
	require.NoError(t, store.UpdateRun(ctx, run))

	got, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, got.Status)
	assert.Equal(t, domain.StageUpdateUnits, got.CurrentStage)
	assert.Equal(t, "UpdateUnits: 1 unit(s) failed", got.ErrorMessage)
	require.NotNil(t, got.FinishedAt)
}

func TestUpdateRun_NotFound(t *testing.T) {
	store := setupTestStore(t)
	run := domain.NewPipelineRun("f", "", "/x", pipeline.StageOrder())

	err := store.UpdateRun(context.Background(), run)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListActiveRuns(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	pending := createTestRun(t, store)
	running := createTestRun(t, store)
	require.NoError(t, running.Transition(domain.RunRunning))
	require.NoError(t, store.UpdateRun(ctx, running))
	done := createTestRun(t, store)
	require.NoError(t, done.Transition(domain.RunRunning))
	require.NoError(t, done.Transition(domain.RunSucceeded))
	require.NoError(t, store.UpdateRun(ctx, done))

	other := domain.NewPipelineRun("fleet-b", "", "/y", pipeline.StageOrder())
	require.NoError(t, store.CreateRun(ctx, other))

	active, err := store.ListActiveRuns(ctx, "fleet-a")
	require.NoError(t, err)
	ids := []string{}
	for _, r := range active {
		ids = append(ids, r.ID)
		assert.Len(t, r.Stages, 5)
	}
	assert.ElementsMatch(t, []string{pending.ID, running.ID}, ids)

	all, err := store.ListActiveRuns(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestListRuns_Pagination(t *testing.T) {
	store := setupTestStore(t)
	for i := 0; i < 3; i++ {
		createTestRun(t, store)
	}

	runs, err := store.ListRuns(context.Background(), ListOptions{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	runs, err = store.ListRuns(context.Background(), ListOptions{Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

// =============================================================================
// Stage Tests
// =============================================================================

func TestSaveStage_RoundTripsOutcomesAndLayerVersion(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	run := createTestRun(t, store)

	st, err := run.Stage(domain.StageUpdateLayer)
	require.NoError(t, err)
	require.NoError(t, st.Transition(domain.StageRunning))
	st.LayerVersion = &domain.LayerVersion{LayerName: "shared", Version: 3, ARN: "arn:x:layer:shared:3"}
	st.Outcomes = []domain.UnitOutcome{
		{Unit: "A", Status: domain.OutcomeUpdated, Attempted: true, Duration: time.Second},
		{Unit: "B", Status: domain.OutcomeFailed, Attempted: true, Cause: "boom", ErrorKind: domain.KindUpdate},
	}
	require.NoError(t, st.Fail(&domain.ToleranceExceededError{Stage: domain.StageUpdateLayer, Failed: 1}))
	require.NoError(t, store.SaveStage(ctx, st))

	stages, err := store.ListStages(ctx, run.ID)
	require.NoError(t, err)
	got := stages[4]

	assert.Equal(t, domain.StageFailed, got.Status)
	assert.Equal(t, domain.KindToleranceExceeded, got.ErrorKind)
	require.NotNil(t, got.LayerVersion)
	assert.Equal(t, int64(3), got.LayerVersion.Version)
	require.Len(t, got.Outcomes, 2)
	assert.Equal(t, "boom", got.Outcomes[1].Cause)
	assert.Equal(t, time.Second, got.Outcomes[0].Duration)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.FinishedAt)

	report := got.Report()
	assert.Equal(t, []string{"A"}, report.Updated)
	assert.Equal(t, []domain.UnitFailure{{Unit: "B", Cause: "boom"}}, report.Failed)
}

func TestSaveStage_NotFound(t *testing.T) {
	store := setupTestStore(t)

	err := store.SaveStage(context.Background(), &domain.StageExecution{RunID: "nope", Stage: domain.StageSource})
	assert.ErrorIs(t, err, ErrNotFound)
}

// =============================================================================
// Gate Tests
// =============================================================================

func TestGate_CreateGetAndDecide(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	run := createTestRun(t, store)

	gate := domain.NewGate(run.ID, domain.StageApproveUnits, "review the lambda folder")
	require.NoError(t, store.CreateGate(ctx, gate))

	got, err := store.GetGateForStage(ctx, run.ID, domain.StageApproveUnits)
	require.NoError(t, err)
	assert.Equal(t, gate.ID, got.ID)
	assert.Equal(t, domain.GatePending, got.Status)
	assert.Equal(t, "review the lambda folder", got.Info)

	require.NoError(t, got.Decide(domain.DecisionApprove, "alice", "looks good"))
	require.NoError(t, store.UpdateGate(ctx, got, domain.GatePending))

	decided, err := store.GetGate(ctx, gate.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.GateApproved, decided.Status)
	assert.Equal(t, "alice", decided.DecidedBy)
	assert.Equal(t, "looks good", decided.Comment)
	require.NotNil(t, decided.DecidedAt)
}

func TestUpdateGate_StaleState(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	run := createTestRun(t, store)

	gate := domain.NewGate(run.ID, domain.StageApproveLayer, "")
	require.NoError(t, store.CreateGate(ctx, gate))

	first := *gate
	require.NoError(t, first.Decide(domain.DecisionReject, "bob", "no"))
	require.NoError(t, store.UpdateGate(ctx, &first, domain.GatePending))

	second := *gate
	require.NoError(t, second.Decide(domain.DecisionApprove, "carol", "yes"))
	err := store.UpdateGate(ctx, &second, domain.GatePending)
	assert.ErrorIs(t, err, ErrStaleState)
	assert.True(t, IsConflict(err))

	got, err := store.GetGate(ctx, gate.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.GateRejected, got.Status)
	assert.Equal(t, "bob", got.DecidedBy)
}

func TestUpdateGate_NotFound(t *testing.T) {
	store := setupTestStore(t)
	gate := domain.NewGate("run", domain.StageApproveUnits, "")

	err := store.UpdateGate(context.Background(), gate, domain.GatePending)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateGate_OnePerStage(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	run := createTestRun(t, store)

	require.NoError(t, store.CreateGate(ctx, domain.NewGate(run.ID, domain.StageApproveUnits, "")))
	err := store.CreateGate(ctx, domain.NewGate(run.ID, domain.StageApproveUnits, ""))
	assert.ErrorIs(t, err, ErrDuplicateID)
}

func TestCreateGate_UnknownRun(t *testing.T) {
	store := setupTestStore(t)

	err := store.CreateGate(context.Background(), domain.NewGate("missing-run", domain.StageApproveUnits, ""))
	assert.ErrorIs(t, err, ErrForeignKey)
	assert.False(t, IsConflict(err))
}

func TestStoreError_Message(t *testing.T) {
	tests := []struct {
		err  *StoreError
		want string
	}{
		{NewStoreError("GetRun", "run", "r-1", "run not found", ErrNotFound), "GetRun run r-1: run not found"},
		{NewStoreError("ListRuns", "run", "", "query failed", nil), "ListRuns run: query failed"},
		{NewStoreError("WithTx", "", "", "failed to commit transaction", ErrTxFailed), "WithTx: failed to commit transaction"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.err.Error())
	}
	assert.True(t, IsConflict(NewStoreError("CreateRun", "run", "r-1", "exists", ErrDuplicateID)))
}

func TestListPendingGatesAndMarkNotified(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	run := createTestRun(t, store)

	open := domain.NewGate(run.ID, domain.StageApproveUnits, "")
	require.NoError(t, store.CreateGate(ctx, open))
	closed := domain.NewGate(run.ID, domain.StageApproveLayer, "")
	require.NoError(t, closed.Abandon("cancelled"))
	require.NoError(t, store.CreateGate(ctx, closed))

	pending, err := store.ListPendingGates(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, open.ID, pending[0].ID)
	assert.Nil(t, pending[0].NotifiedAt)

	at := time.Now().UTC()
	require.NoError(t, store.MarkGateNotified(ctx, open.ID, at))

	got, err := store.GetGate(ctx, open.ID)
	require.NoError(t, err)
	require.NotNil(t, got.NotifiedAt)
	assert.WithinDuration(t, at, *got.NotifiedAt, time.Millisecond)

	assert.ErrorIs(t, store.MarkGateNotified(ctx, "missing", at), ErrNotFound)
}

// =============================================================================
// Layer Version Tests
// =============================================================================

func TestLayerVersions_AppendOnlyHistory(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for v := int64(1); v <= 3; v++ {
		err := store.RecordLayerVersion(ctx, "run-1", &domain.LayerVersion{
			LayerName:          "shared",
			Version:            v,
			ARN:                fmt.Sprintf("arn:x:layer:shared:%d", v),
			CompatibleRuntimes: []string{"nodejs18.x"},
			PublishedAt:        time.Now().UTC(),
		})
		require.NoError(t, err)
	}

	err := store.RecordLayerVersion(ctx, "run-2", &domain.LayerVersion{LayerName: "shared", Version: 2, ARN: "dup"})
	assert.ErrorIs(t, err, ErrDuplicateID)

	versions, err := store.ListLayerVersions(ctx, "shared", DefaultListOptions())
	require.NoError(t, err)
	require.Len(t, versions, 3)
	assert.Equal(t, int64(3), versions[0].Version)
	assert.Equal(t, int64(1), versions[2].Version)
	assert.Equal(t, "arn:x:layer:shared:2", versions[1].ARN)
	assert.Equal(t, []string{"nodejs18.x"}, versions[0].CompatibleRuntimes)

	none, err := store.ListLayerVersions(ctx, "other", DefaultListOptions())
	require.NoError(t, err)
	assert.Empty(t, none)
}

// =============================================================================
// Transaction Tests
// =============================================================================

func TestWithTx_RollsBackOnError(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	run := createTestRun(t, store)
	boom := errors.New("boom")

	err := store.WithTx(ctx, func(tx Store) error {
		if err := tx.CreateGate(ctx, domain.NewGate(run.ID, domain.StageApproveUnits, "")); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = store.GetGateForStage(ctx, run.ID, domain.StageApproveUnits)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListOptions_Normalize(t *testing.T) {
	assert.Equal(t, ListOptions{Limit: 100}, ListOptions{}.Normalize())
	assert.Equal(t, ListOptions{Limit: 1000}, ListOptions{Limit: 5000}.Normalize())
	assert.Equal(t, ListOptions{Limit: 10}, ListOptions{Limit: 10, Offset: -1}.Normalize())
}
