package domain

import (
	"fmt"
	"path"
	"strings"
	"time"
)

// =============================================================================
// Deployable Unit
// =============================================================================

// DefaultUnitSuffix is appended to a source directory's base name to form
// the unit name.
const DefaultUnitSuffix = "Function"

// Unit is a single deployable function in the fleet. Units are provisioned
// outside lambdaroll; the pipeline only replaces their code and layer binding.
type Unit struct {
	Name         string        `json:"name"`
	SourceDir    string        `json:"source_dir"` // slash path relative to the snapshot root
	LayerBinding string        `json:"layer_binding,omitempty"`
	Runtime      string        `json:"runtime"`
	Handler      string        `json:"handler"`
	Timeout      time.Duration `json:"timeout"`
	MemoryMB     int           `json:"memory_mb"`
	Ignore       []string      `json:"ignore,omitempty"` // extra archive ignore patterns
}

// UnitName derives a unit name from its source directory.
//
// Example:
//
//	UnitName("lambda/test1/A001", "Function") // returns "A001Function"
func UnitName(sourceDir, suffix string) string {
	base := path.Base(strings.TrimRight(strings.ReplaceAll(sourceDir, "\\", "/"), "/"))
	if base == "." || base == "/" {
		return ""
	}
	return base + suffix
}

// =============================================================================
// Artifact
// =============================================================================

// Artifact is a packaged source tree. Bytes never change after Build.
type Artifact struct {
	Unit    string    `json:"unit"`
	Bytes   []byte    `json:"-"`
	SHA256  string    `json:"sha256"`
	Size    int64     `json:"size"`
	Files   int       `json:"files"`
	BuiltAt time.Time `json:"built_at"`
}

// =============================================================================
// Layer Version
// =============================================================================

// LayerVersion is an immutable published version of a shared layer.
type LayerVersion struct {
	LayerName          string    `json:"layer_name"`
	Version            int64     `json:"version"`
	ARN                string    `json:"arn"`
	LayerARN           string    `json:"layer_arn"`
	CodeSHA256         string    `json:"code_sha256,omitempty"`
	Description        string    `json:"description,omitempty"`
	CompatibleRuntimes []string  `json:"compatible_runtimes,omitempty"`
	PublishedAt        time.Time `json:"published_at"`
}

// String returns a short human form such as "AwsSdkLayer:7".
func (v LayerVersion) String() string {
	return fmt.Sprintf("%s:%d", v.LayerName, v.Version)
}
