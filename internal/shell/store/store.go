package store

import (
	"context"
	"time"

	"github.com/artpar/lambdaroll/internal/core/domain"
)

// =============================================================================
// Store Interface
// =============================================================================

// Store persists pipeline runs, their stage records, approval gates and the
// history of published layer versions.
type Store interface {
	// Run operations
	CreateRun(ctx context.Context, run *domain.PipelineRun) error
	GetRun(ctx context.Context, id string) (*domain.PipelineRun, error)
	UpdateRun(ctx context.Context, run *domain.PipelineRun) error
	ListRuns(ctx context.Context, opts ListOptions) ([]domain.PipelineRun, error)
	// ListActiveRuns returns pending and running runs, oldest first. An empty
	// fleet matches every fleet.
	ListActiveRuns(ctx context.Context, fleet string) ([]domain.PipelineRun, error)

	// Stage operations
	SaveStage(ctx context.Context, stage *domain.StageExecution) error
	ListStages(ctx context.Context, runID string) ([]domain.StageExecution, error)

	// Gate operations
	CreateGate(ctx context.Context, gate *domain.Gate) error
	GetGate(ctx context.Context, id string) (*domain.Gate, error)
	GetGateForStage(ctx context.Context, runID string, stage domain.Stage) (*domain.Gate, error)
	// UpdateGate writes the gate only if its stored status is still expected.
	UpdateGate(ctx context.Context, gate *domain.Gate, expected domain.GateStatus) error
	ListPendingGates(ctx context.Context) ([]domain.Gate, error)
	MarkGateNotified(ctx context.Context, id string, at time.Time) error

	// Layer version history (append-only)
	RecordLayerVersion(ctx context.Context, runID string, version *domain.LayerVersion) error
	ListLayerVersions(ctx context.Context, layerName string, opts ListOptions) ([]domain.LayerVersion, error)

	// Transaction support
	WithTx(ctx context.Context, fn func(Store) error) error

	// Lifecycle
	Close() error
}

// =============================================================================
// Options
// =============================================================================

// ListOptions defines pagination and filtering options.
type ListOptions struct {
	Limit  int
	Offset int
}

// DefaultListOptions returns default list options.
func DefaultListOptions() ListOptions {
	return ListOptions{
		Limit:  100,
		Offset: 0,
	}
}

// Normalize ensures list options have valid values.
func (o ListOptions) Normalize() ListOptions {
	if o.Limit <= 0 {
		o.Limit = 100
	}
	if o.Limit > 1000 {
		o.Limit = 1000
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}
