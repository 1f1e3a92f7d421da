package rollout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/artpar/lambdaroll/internal/core/domain"
	"github.com/artpar/lambdaroll/internal/shell/archive"
	"github.com/artpar/lambdaroll/internal/shell/cloud"
	"github.com/artpar/lambdaroll/internal/shell/store"
)

// DefaultMaxLayerBytes is the largest zip accepted for direct layer upload.
const DefaultMaxLayerBytes = 50 * 1024 * 1024

// ErrVersionNotIncreasing is returned when the layer store hands back a
// version that is not newer than one already recorded.
var ErrVersionNotIncreasing = errors.New("layer version did not increase")

// LayerHistory records published layer versions.
type LayerHistory interface {
	RecordLayerVersion(ctx context.Context, runID string, version *domain.LayerVersion) error
	ListLayerVersions(ctx context.Context, layerName string, opts store.ListOptions) ([]domain.LayerVersion, error)
}

// LayerSpec describes the layer to publish.
type LayerSpec struct {
	Name               string
	Dir                string // absolute path of the layer source
	Description        string
	CompatibleRuntimes []string
	Ignore             []string // extra archive ignore patterns
}

// LayerPublisher packages the shared layer and publishes a new version.
type LayerPublisher struct {
	layers   cloud.LayerStore
	builder  *archive.Builder
	sink     ArtifactSink
	history  LayerHistory
	maxBytes int64
	logger   *slog.Logger
}

// NewLayerPublisher creates a layer publisher. sink and history may be nil.
func NewLayerPublisher(layers cloud.LayerStore, builder *archive.Builder, sink ArtifactSink, history LayerHistory, maxBytes int64, logger *slog.Logger) *LayerPublisher {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxLayerBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LayerPublisher{
		layers:   layers,
		builder:  builder,
		sink:     sink,
		history:  history,
		maxBytes: maxBytes,
		logger:   logger.With("component", "layer_publisher"),
	}
}

// Publish packages spec.Dir and publishes it as a new layer version. Every
// failure is a *domain.PublishError. Earlier versions are never touched.
func (p *LayerPublisher) Publish(ctx context.Context, runID string, spec LayerSpec) (*domain.LayerVersion, error) {
	logger := p.logger.With("run_id", runID, "layer", spec.Name)

	art, err := p.builder.Build(spec.Name, spec.Dir, spec.Ignore...)
	if err != nil {
		return nil, &domain.PublishError{Layer: spec.Name, Err: err}
	}
	if art.Size > p.maxBytes {
		return nil, &domain.PublishError{
			Layer: spec.Name,
			Err:   fmt.Errorf("%w: %d > %d bytes", domain.ErrArchiveTooLarge, art.Size, p.maxBytes),
		}
	}

	if p.sink != nil {
		if _, err := p.sink.Put(ctx, runID, art); err != nil {
			logger.Warn("layer artifact archive failed", "error", err)
		}
	}

	latest, err := p.latest(ctx, spec.Name)
	if err != nil {
		return nil, &domain.PublishError{Layer: spec.Name, Err: err}
	}

	v, err := p.layers.Publish(ctx, cloud.PublishInput{
		LayerName:          spec.Name,
		Description:        spec.Description,
		Zip:                art.Bytes,
		CompatibleRuntimes: spec.CompatibleRuntimes,
	})
	if err != nil {
		return nil, &domain.PublishError{Layer: spec.Name, Err: err}
	}
	if v.Version <= latest {
		return nil, &domain.PublishError{
			Layer: spec.Name,
			Err:   fmt.Errorf("%w: got %d after %d", ErrVersionNotIncreasing, v.Version, latest),
		}
	}

	if p.history != nil {
		if err := p.history.RecordLayerVersion(ctx, runID, v); err != nil {
			// The version exists remotely; losing the local record must not
			// hide it from the binder.
			logger.Error("failed to record layer version", "version", v.Version, "error", err)
		}
	}

	logger.Info("layer published", "version", v.Version, "arn", v.ARN, "sha256", art.SHA256)
	return v, nil
}

func (p *LayerPublisher) latest(ctx context.Context, layer string) (int64, error) {
	if p.history == nil {
		return 0, nil
	}
	versions, err := p.history.ListLayerVersions(ctx, layer, store.ListOptions{Limit: 1})
	if err != nil {
		return 0, err
	}
	if len(versions) == 0 {
		return 0, nil
	}
	return versions[0].Version, nil
}
