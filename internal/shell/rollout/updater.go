package rollout

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/artpar/lambdaroll/internal/core/domain"
	"github.com/artpar/lambdaroll/internal/shell/archive"
	"github.com/artpar/lambdaroll/internal/shell/cloud"
)

// ArtifactSink keeps a copy of every built artifact, keyed by run.
type ArtifactSink interface {
	Put(ctx context.Context, runID string, art *domain.Artifact) (string, error)
}

// UpdaterConfig configures the unit updater.
type UpdaterConfig struct {
	// MaxConcurrent is the maximum number of units updated at once.
	// Default: 4.
	MaxConcurrent int

	// UnitTimeout bounds a single unit's build and update.
	// Default: 10 minutes.
	UnitTimeout time.Duration
}

// UnitUpdater packages unit sources and pushes them to the unit store.
type UnitUpdater struct {
	units   cloud.UnitStore
	builder *archive.Builder
	sink    ArtifactSink
	config  UpdaterConfig
	logger  *slog.Logger
}

// NewUnitUpdater creates a unit updater. sink may be nil.
func NewUnitUpdater(units cloud.UnitStore, builder *archive.Builder, sink ArtifactSink, config UpdaterConfig, logger *slog.Logger) *UnitUpdater {
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = DefaultMaxConcurrent
	}
	if config.UnitTimeout <= 0 {
		config.UnitTimeout = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &UnitUpdater{
		units:   units,
		builder: builder,
		sink:    sink,
		config:  config,
		logger:  logger.With("component", "unit_updater"),
	}
}

// Update replaces one unit's code with art. Failures are *domain.UpdateError.
// Pushing the same artifact twice is allowed and succeeds.
func (u *UnitUpdater) Update(ctx context.Context, unit string, art *domain.Artifact) (*cloud.CodeUpdate, error) {
	res, err := u.units.UpdateCode(ctx, unit, art.Bytes)
	if err != nil {
		return nil, &domain.UpdateError{Unit: unit, Op: "update_code", Err: err}
	}
	return res, nil
}

// UpdateAll builds and updates every unit under root, one attempt each.
// It returns one outcome per unit; a unit's failure never stops the others.
func (u *UnitUpdater) UpdateAll(ctx context.Context, runID, root string, units []domain.Unit) []domain.UnitOutcome {
	byName := make(map[string]domain.Unit, len(units))
	names := make([]string, 0, len(units))
	for _, unit := range units {
		byName[unit.Name] = unit
		names = append(names, unit.Name)
	}

	return fanOut(ctx, names, u.config.MaxConcurrent, func(ctx context.Context, name string) domain.UnitOutcome {
		return u.updateOne(ctx, runID, root, byName[name])
	})
}

func (u *UnitUpdater) updateOne(ctx context.Context, runID, root string, unit domain.Unit) domain.UnitOutcome {
	ctx, cancel := context.WithTimeout(ctx, u.config.UnitTimeout)
	defer cancel()

	start := time.Now()
	logger := u.logger.With("run_id", runID, "unit", unit.Name)

	art, err := u.builder.Build(unit.Name, filepath.Join(root, filepath.FromSlash(unit.SourceDir)), unit.Ignore...)
	if err != nil {
		logger.Warn("packaging failed", "error", err)
		o := failedOutcome(unit.Name, false, err)
		o.Duration = time.Since(start)
		return o
	}

	if u.sink != nil {
		if key, err := u.sink.Put(ctx, runID, art); err != nil {
			logger.Warn("artifact archive failed", "error", err)
		} else {
			logger.Debug("artifact archived", "key", key)
		}
	}

	res, err := u.Update(ctx, unit.Name, art)
	if err != nil {
		logger.Warn("unit update failed", "error", err)
		o := failedOutcome(unit.Name, true, err)
		o.Duration = time.Since(start)
		return o
	}

	logger.Info("unit updated", "sha256", art.SHA256, "revision", res.RevisionID)
	return domain.UnitOutcome{
		Unit:       unit.Name,
		Status:     domain.OutcomeUpdated,
		Attempted:  true,
		CodeSHA256: res.CodeSHA256,
		RevisionID: res.RevisionID,
		Duration:   time.Since(start),
	}
}
