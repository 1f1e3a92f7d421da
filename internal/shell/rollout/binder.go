package rollout

import (
	"context"
	"log/slog"
	"time"

	"github.com/artpar/lambdaroll/internal/core/domain"
	"github.com/artpar/lambdaroll/internal/core/pipeline"
	"github.com/artpar/lambdaroll/internal/shell/cloud"
)

// LayerBinder points selected units at a new layer version.
type LayerBinder struct {
	units         cloud.UnitStore
	maxConcurrent int
	logger        *slog.Logger
}

// NewLayerBinder creates a layer binder.
func NewLayerBinder(units cloud.UnitStore, maxConcurrent int, logger *slog.Logger) *LayerBinder {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LayerBinder{
		units:         units,
		maxConcurrent: maxConcurrent,
		logger:        logger.With("component", "layer_binder"),
	}
}

// Bind rebinds every unit matched by sel to version, continuing past
// failures. It returns an error only when the unit list cannot be read; a
// selector that matches nothing yields no outcomes and no error.
func (b *LayerBinder) Bind(ctx context.Context, version *domain.LayerVersion, sel pipeline.Selector) ([]domain.UnitOutcome, error) {
	listed, err := b.units.ListUnits(ctx, sel.Prefix)
	if err != nil {
		return nil, err
	}
	if len(sel.Include) > 0 && sel.Prefix != "" {
		// Included units need not share the prefix.
		listed = append(listed, sel.Include...)
	}
	targets := sel.Filter(listed)

	if len(targets) == 0 {
		b.logger.Info("no units matched layer selector", "prefix", sel.Prefix, "version", version.String())
		return []domain.UnitOutcome{}, nil
	}

	return fanOut(ctx, targets, b.maxConcurrent, func(ctx context.Context, name string) domain.UnitOutcome {
		start := time.Now()
		if err := b.units.UpdateLayerBinding(ctx, name, version.ARN); err != nil {
			uerr := &domain.UpdateError{Unit: name, Op: "update_layer_binding", Err: err}
			b.logger.Warn("layer binding failed", "unit", name, "version", version.String(), "error", uerr)
			o := failedOutcome(name, true, uerr)
			o.Duration = time.Since(start)
			return o
		}

		b.logger.Info("layer bound", "unit", name, "version", version.String())
		return domain.UnitOutcome{
			Unit:      name,
			Status:    domain.OutcomeUpdated,
			Attempted: true,
			Duration:  time.Since(start),
		}
	}), nil
}
