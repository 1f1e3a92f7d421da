package cloud

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/artpar/lambdaroll/internal/core/domain"
	"github.com/artpar/lambdaroll/internal/core/pipeline"
)

const memoryARNPrefix = "arn:lambdaroll:memory:layer:"

// PublishedVersions returns the versions already published under a layer
// name by earlier processes.
type PublishedVersions func(ctx context.Context, layerName string) ([]domain.LayerVersion, error)

// MemoryFleet is an in-process Fleet for dry runs and tests. Layer versions
// start at 1 and increase per layer name, matching the remote service.
type MemoryFleet struct {
	mu     sync.Mutex
	units  map[string]*memoryUnit
	layers map[string][]domain.LayerVersion

	// restore loads versions published before this process started, once
	// per layer name.
	restore  PublishedVersions
	restored map[string]bool

	// failures maps a unit or layer name to the error its next calls return.
	failures map[string]error
	calls    map[string]int
}

type memoryUnit struct {
	codeSHA256 string
	revision   int
	layers     []string
}

// NewMemoryFleet creates a fleet containing the named units.
func NewMemoryFleet(units ...string) *MemoryFleet {
	f := &MemoryFleet{
		units:    make(map[string]*memoryUnit, len(units)),
		layers:   make(map[string][]domain.LayerVersion),
		restored: make(map[string]bool),
		failures: make(map[string]error),
		calls:    make(map[string]int),
	}
	for _, u := range units {
		f.units[u] = &memoryUnit{}
	}
	return f
}

// RestoreFrom makes the fleet continue the version sequence recorded by fn
// instead of starting every layer at 1.
func (f *MemoryFleet) RestoreFrom(fn PublishedVersions) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restore = fn
	f.restored = make(map[string]bool)
}

// FailOn makes every call touching name return err until cleared with a nil err.
func (f *MemoryFleet) FailOn(name string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failures, name)
		return
	}
	f.failures[name] = err
}

// Calls returns how many times op was invoked for name ("UpdateCode:A001Function").
func (f *MemoryFleet) Calls(op, name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op+":"+name]
}

// Layers returns the layer ARNs a unit is bound to.
func (f *MemoryFleet) Layers(unit string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.units[unit]
	if !ok {
		return nil
	}
	return append([]string(nil), u.layers...)
}

// CodeSHA256 returns the digest of the code a unit currently runs.
func (f *MemoryFleet) CodeSHA256(unit string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.units[unit]; ok {
		return u.codeSHA256
	}
	return ""
}

func (f *MemoryFleet) record(op, name string) error {
	f.calls[op+":"+name]++
	if err, ok := f.failures[name]; ok {
		return NewCloudError(op, name, err)
	}
	return nil
}

// =============================================================================
// Unit Store
// =============================================================================

func (f *MemoryFleet) UpdateCode(ctx context.Context, unit string, zip []byte) (*CodeUpdate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.record("UpdateCode", unit); err != nil {
		return nil, err
	}
	u, ok := f.units[unit]
	if !ok {
		return nil, NewCloudError("UpdateCode", unit, ErrNotFound)
	}

	sum := sha256.Sum256(zip)
	digest := base64.StdEncoding.EncodeToString(sum[:])
	if digest != u.codeSHA256 {
		u.codeSHA256 = digest
		u.revision++
	}
	return &CodeUpdate{
		RevisionID: fmt.Sprintf("%s-%d", unit, u.revision),
		CodeSHA256: digest,
	}, nil
}

func (f *MemoryFleet) UpdateLayerBinding(ctx context.Context, unit, layerVersionARN string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.record("UpdateLayerBinding", unit); err != nil {
		return err
	}
	u, ok := f.units[unit]
	if !ok {
		return NewCloudError("UpdateLayerBinding", unit, ErrNotFound)
	}
	if !f.versionExists(layerVersionARN) {
		return NewCloudError("UpdateLayerBinding", unit, fmt.Errorf("%w: layer version %s", ErrInvalidRequest, layerVersionARN))
	}

	u.layers = pipeline.RebindLayers(u.layers, layerVersionARN)
	return nil
}

func (f *MemoryFleet) ListUnits(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	names := make([]string, 0, len(f.units))
	for name := range f.units {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (f *MemoryFleet) versionExists(arn string) bool {
	name := strings.TrimPrefix(pipeline.LayerARN(arn), memoryARNPrefix)
	for _, v := range f.layers[name] {
		if v.ARN == arn {
			return true
		}
	}
	return false
}

// =============================================================================
// Layer Store
// =============================================================================

func (f *MemoryFleet) Publish(ctx context.Context, in PublishInput) (*domain.LayerVersion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.record("Publish", in.LayerName); err != nil {
		return nil, err
	}

	if err := f.restoreLayer(ctx, in.LayerName); err != nil {
		return nil, err
	}

	sum := sha256.Sum256(in.Zip)
	next := f.latestVersion(in.LayerName) + 1
	layerARN := memoryARNPrefix + in.LayerName
	v := domain.LayerVersion{
		LayerName:          in.LayerName,
		Version:            next,
		ARN:                fmt.Sprintf("%s:%d", layerARN, next),
		LayerARN:           layerARN,
		CodeSHA256:         base64.StdEncoding.EncodeToString(sum[:]),
		Description:        in.Description,
		CompatibleRuntimes: append([]string(nil), in.CompatibleRuntimes...),
		PublishedAt:        time.Now().UTC(),
	}
	f.layers[in.LayerName] = append(f.layers[in.LayerName], v)

	out := v
	return &out, nil
}

func (f *MemoryFleet) GetVersion(ctx context.Context, layerName string, version int64) (*domain.LayerVersion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, v := range f.layers[layerName] {
		if v.Version == version {
			out := v
			return &out, nil
		}
	}
	return nil, NewCloudError("GetVersion", fmt.Sprintf("%s:%d", layerName, version), ErrNotFound)
}

func (f *MemoryFleet) restoreLayer(ctx context.Context, name string) error {
	if f.restore == nil || f.restored[name] {
		return nil
	}
	prior, err := f.restore(ctx, name)
	if err != nil {
		return NewCloudError("Publish", name, err)
	}
	f.restored[name] = true

	known := make(map[int64]bool, len(f.layers[name]))
	for _, v := range f.layers[name] {
		known[v.Version] = true
	}
	for _, v := range prior {
		if !known[v.Version] {
			f.layers[name] = append(f.layers[name], v)
		}
	}
	sort.Slice(f.layers[name], func(i, j int) bool {
		return f.layers[name][i].Version < f.layers[name][j].Version
	})
	return nil
}

func (f *MemoryFleet) latestVersion(name string) int64 {
	var latest int64
	for _, v := range f.layers[name] {
		if v.Version > latest {
			latest = v.Version
		}
	}
	return latest
}
