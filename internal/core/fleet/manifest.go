package fleet

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// Defaults
// =============================================================================

const (
	DefaultFleetName   = "fleet"
	DefaultUnitsDir    = "lambda"
	DefaultEntryFile   = "index.js"
	DefaultUnitSuffix  = "Function"
	DefaultRuntime     = "nodejs18.x"
	DefaultHandler     = "index.handler"
	DefaultTimeout     = "30s"
	DefaultMemoryMB    = 256
	DefaultLayerName   = "AwsSdkLayer"
	DefaultLayerDir    = "lambda-layer"
	DefaultLayerPrefix = "A00"

	minMemoryMB = 128
	maxMemoryMB = 10240
)

// DefaultIgnore excludes version-control metadata from every archive.
var DefaultIgnore = []string{".git*"}

// =============================================================================
// Manifest Types
// =============================================================================

// Manifest describes a fleet: where units live, how they are named, which
// layer they share, and the per-stage policies.
type Manifest struct {
	Name       string         `yaml:"name"`
	UnitsDir   string         `yaml:"units_dir"`
	EntryFile  string         `yaml:"entry_file"`
	NameSuffix *string        `yaml:"name_suffix"`
	Defaults   UnitDefaults   `yaml:"defaults"`
	Ignore     []string       `yaml:"ignore"`
	Units      []UnitEntry    `yaml:"units"`
	Layer      LayerEntry     `yaml:"layer"`
	Tolerance  ToleranceEntry `yaml:"tolerance"`
	Approvals  ApprovalEntry  `yaml:"approvals"`
}

// UnitDefaults apply to every unit that does not override them.
type UnitDefaults struct {
	Runtime  string `yaml:"runtime"`
	Handler  string `yaml:"handler"`
	Timeout  string `yaml:"timeout"`
	MemoryMB int    `yaml:"memory_mb"`
}

// UnitEntry pins one unit explicitly. Dir is relative to the snapshot root.
type UnitEntry struct {
	Dir      string `yaml:"dir"`
	Name     string `yaml:"name"`
	Runtime  string `yaml:"runtime"`
	Handler  string `yaml:"handler"`
	Timeout  string `yaml:"timeout"`
	MemoryMB int    `yaml:"memory_mb"`
}

// LayerEntry describes the shared layer and the units it is bound to.
type LayerEntry struct {
	Name               string        `yaml:"name"`
	Dir                string        `yaml:"dir"`
	Description        string        `yaml:"description"`
	CompatibleRuntimes []string      `yaml:"compatible_runtimes"`
	Selector           SelectorEntry `yaml:"selector"`
}

// SelectorEntry chooses which remote units are rebound to a new layer version.
type SelectorEntry struct {
	Prefix  string   `yaml:"prefix"`
	Include []string `yaml:"include"`
	Exclude []string `yaml:"exclude"`
}

// ToleranceEntry holds the number of failed units each fan-out stage accepts.
type ToleranceEntry struct {
	Units int `yaml:"units"`
	Layer int `yaml:"layer"`
}

// ApprovalEntry holds the text shown to approvers on each gate.
type ApprovalEntry struct {
	Units string `yaml:"units"`
	Layer string `yaml:"layer"`
}

// Suffix returns the unit name suffix, honoring an explicit empty value.
func (m *Manifest) Suffix() string {
	if m.NameSuffix == nil {
		return DefaultUnitSuffix
	}
	return *m.NameSuffix
}

// =============================================================================
// Parser Functions
// =============================================================================

// Default returns the manifest used when a snapshot carries none.
func Default() *Manifest {
	return &Manifest{
		Name:      DefaultFleetName,
		UnitsDir:  DefaultUnitsDir,
		EntryFile: DefaultEntryFile,
		Defaults: UnitDefaults{
			Runtime:  DefaultRuntime,
			Handler:  DefaultHandler,
			Timeout:  DefaultTimeout,
			MemoryMB: DefaultMemoryMB,
		},
		Ignore: append([]string(nil), DefaultIgnore...),
		Layer: LayerEntry{
			Name:               DefaultLayerName,
			Dir:                DefaultLayerDir,
			Description:        "Shared dependencies for fleet units",
			CompatibleRuntimes: []string{DefaultRuntime},
			Selector:           SelectorEntry{Prefix: DefaultLayerPrefix},
		},
		Approvals: ApprovalEntry{
			Units: "Review the unit source changes before updating functions.",
			Layer: "Review the layer source changes before publishing a new layer version.",
		},
	}
}

// Parse parses manifest YAML on top of Default and validates the result.
func Parse(data []byte) (*Manifest, error) {
	if strings.TrimSpace(string(data)) == "" {
		return nil, ErrEmptyInput
	}

	m := Default()
	if err := yaml.Unmarshal(data, m); err != nil {
		return nil, NewManifestError("", err.Error(), ErrInvalidYAML)
	}

	if err := Validate(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Validate checks a manifest for missing or out-of-range values.
func Validate(m *Manifest) error {
	if strings.TrimSpace(m.Name) == "" {
		return NewManifestError("name", "fleet name is required", ErrMissingField)
	}
	if m.EntryFile == "" && len(m.Units) == 0 {
		return NewManifestError("entry_file", "entry_file is required when units are discovered", ErrMissingField)
	}
	if err := validateDefaults("defaults", m.Defaults.Timeout, m.Defaults.MemoryMB); err != nil {
		return err
	}

	for i, u := range m.Units {
		field := fmt.Sprintf("units[%d]", i)
		if strings.TrimSpace(u.Dir) == "" {
			return NewManifestError(field+".dir", "unit dir is required", ErrMissingField)
		}
		if err := validateDefaults(field, u.Timeout, u.MemoryMB); err != nil {
			return err
		}
	}

	if strings.TrimSpace(m.Layer.Name) == "" {
		return NewManifestError("layer.name", "layer name is required", ErrMissingField)
	}
	if strings.TrimSpace(m.Layer.Dir) == "" {
		return NewManifestError("layer.dir", "layer dir is required", ErrMissingField)
	}
	if len(m.Layer.CompatibleRuntimes) == 0 {
		return NewManifestError("layer.compatible_runtimes", "at least one runtime is required", ErrMissingField)
	}
	if m.Layer.Selector.Prefix == "" && len(m.Layer.Selector.Include) == 0 {
		return NewManifestError("layer.selector", "selector needs a prefix or an include list", ErrMissingField)
	}

	if m.Tolerance.Units < 0 {
		return NewManifestError("tolerance.units", fmt.Sprintf("got %d", m.Tolerance.Units), ErrInvalidTolerance)
	}
	if m.Tolerance.Layer < 0 {
		return NewManifestError("tolerance.layer", fmt.Sprintf("got %d", m.Tolerance.Layer), ErrInvalidTolerance)
	}

	return nil
}

func validateDefaults(field, timeout string, memoryMB int) error {
	if timeout != "" {
		d, err := time.ParseDuration(timeout)
		if err != nil || d <= 0 {
			return NewManifestError(field+".timeout", fmt.Sprintf("invalid duration %q", timeout), ErrInvalidValue)
		}
	}
	if memoryMB != 0 && (memoryMB < minMemoryMB || memoryMB > maxMemoryMB) {
		return NewManifestError(field+".memory_mb", fmt.Sprintf("must be between %d and %d", minMemoryMB, maxMemoryMB), ErrInvalidValue)
	}
	return nil
}
