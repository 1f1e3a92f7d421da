// Package cloud implements the unit and layer store boundaries against the
// target environment.
// This is part of the Imperative Shell - handles I/O with cloud APIs.
package cloud

import (
	"context"

	"github.com/artpar/lambdaroll/internal/core/domain"
)

// CodeUpdate describes the code revision a unit runs after UpdateCode.
type CodeUpdate struct {
	RevisionID string
	CodeSHA256 string
}

// PublishInput contains parameters for publishing a layer version.
type PublishInput struct {
	LayerName          string
	Description        string
	Zip                []byte
	CompatibleRuntimes []string
}

// UnitStore is the boundary to the deployed units.
type UnitStore interface {
	// UpdateCode replaces a unit's code. It returns once the new code is
	// the only code the unit serves.
	UpdateCode(ctx context.Context, unit string, zip []byte) (*CodeUpdate, error)

	// UpdateLayerBinding binds a unit to layerVersionARN, replacing any other
	// version of the same layer.
	UpdateLayerBinding(ctx context.Context, unit, layerVersionARN string) error

	// ListUnits returns the names of remote units starting with prefix.
	ListUnits(ctx context.Context, prefix string) ([]string, error)
}

// LayerStore is the boundary to the shared layer registry. Publishing is
// append-only.
type LayerStore interface {
	Publish(ctx context.Context, in PublishInput) (*domain.LayerVersion, error)
	GetVersion(ctx context.Context, layerName string, version int64) (*domain.LayerVersion, error)
}

// Fleet is a target environment providing both stores.
type Fleet interface {
	UnitStore
	LayerStore
}
