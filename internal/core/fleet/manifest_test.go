package fleet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Parse Tests
// =============================================================================

func TestParse_MinimalUsesDefaults(t *testing.T) {
	m, err := Parse([]byte("name: payments\n"))
	require.NoError(t, err)

	assert.Equal(t, "payments", m.Name)
	assert.Equal(t, DefaultUnitsDir, m.UnitsDir)
	assert.Equal(t, DefaultEntryFile, m.EntryFile)
	assert.Equal(t, DefaultUnitSuffix, m.Suffix())
	assert.Equal(t, DefaultLayerName, m.Layer.Name)
	assert.Equal(t, DefaultLayerDir, m.Layer.Dir)
	assert.Equal(t, DefaultLayerPrefix, m.Layer.Selector.Prefix)
	assert.Equal(t, []string{DefaultRuntime}, m.Layer.CompatibleRuntimes)
	assert.Equal(t, DefaultIgnore, m.Ignore)
	assert.Zero(t, m.Tolerance.Units)
	assert.Zero(t, m.Tolerance.Layer)
	assert.NotEmpty(t, m.Approvals.Units)
}

func TestParse_FullManifest(t *testing.T) {
	yaml := `
name: payments
units_dir: functions
entry_file: handler.py
name_suffix: ""
defaults:
  runtime: python3.12
  handler: handler.main
  timeout: 1m
  memory_mb: 512
ignore: ["*.pyc", "__pycache__"]
units:
  - dir: functions/charge
  - dir: functions/refund
    name: RefundWorker
    memory_mb: 1024
layer:
  name: PyDeps
  dir: layer
  compatible_runtimes: [python3.12]
  selector:
    include: [RefundWorker]
    exclude: [charge]
tolerance:
  units: 2
  layer: 1
approvals:
  units: Check the payment handlers.
`
	m, err := Parse([]byte(yaml))
	require.NoError(t, err)

	assert.Equal(t, "", m.Suffix())
	assert.Equal(t, "python3.12", m.Defaults.Runtime)
	assert.Equal(t, []string{"*.pyc", "__pycache__"}, m.Ignore)
	require.Len(t, m.Units, 2)
	assert.Equal(t, "RefundWorker", m.Units[1].Name)
	assert.Equal(t, "PyDeps", m.Layer.Name)
	assert.Equal(t, []string{"RefundWorker"}, m.Layer.Selector.Include)
	assert.Equal(t, 2, m.Tolerance.Units)
	assert.Equal(t, 1, m.Tolerance.Layer)
	assert.Equal(t, "Check the payment handlers.", m.Approvals.Units)
	// Unset fields keep their defaults.
	assert.NotEmpty(t, m.Approvals.Layer)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		field string
		err   error
	}{
		{"empty", "", "", ErrEmptyInput},
		{"whitespace", "  \n\t", "", ErrEmptyInput},
		{"bad yaml", "name: [unclosed", "", ErrInvalidYAML},
		{"blank name", "name: ''", "name", ErrMissingField},
		{"bad default timeout", "name: f\ndefaults:\n  timeout: soon", "defaults.timeout", ErrInvalidValue},
		{"zero default timeout", "name: f\ndefaults:\n  timeout: 0s", "defaults.timeout", ErrInvalidValue},
		{"memory too small", "name: f\ndefaults:\n  memory_mb: 64", "defaults.memory_mb", ErrInvalidValue},
		{"unit without dir", "name: f\nunits:\n  - name: X", "units[0].dir", ErrMissingField},
		{"unit bad memory", "name: f\nunits:\n  - dir: a\n    memory_mb: 20000", "units[0].memory_mb", ErrInvalidValue},
		{"no layer name", "name: f\nlayer:\n  name: ''", "layer.name", ErrMissingField},
		{"no layer runtimes", "name: f\nlayer:\n  compatible_runtimes: []", "layer.compatible_runtimes", ErrMissingField},
		{"empty selector", "name: f\nlayer:\n  selector:\n    prefix: ''", "layer.selector", ErrMissingField},
		{"negative unit tolerance", "name: f\ntolerance:\n  units: -1", "tolerance.units", ErrInvalidTolerance},
		{"negative layer tolerance", "name: f\ntolerance:\n  layer: -2", "tolerance.layer", ErrInvalidTolerance},
		{"discovery without entry file", "name: f\nentry_file: ''", "entry_file", ErrMissingField},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.input))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.err)

			var mErr *ManifestError
			if tt.field != "" {
				require.ErrorAs(t, err, &mErr)
				assert.Equal(t, tt.field, mErr.Field)
				assert.Contains(t, mErr.Error(), tt.field)
			}
		})
	}
}

func TestManifest_SuffixDefault(t *testing.T) {
	m := &Manifest{}
	assert.Equal(t, DefaultUnitSuffix, m.Suffix())

	empty := ""
	m.NameSuffix = &empty
	assert.Equal(t, "", m.Suffix())
}

func TestDefault_Validates(t *testing.T) {
	assert.NoError(t, Validate(Default()))
}

func TestDefault_IndependentCopies(t *testing.T) {
	a := Default()
	a.Ignore = append(a.Ignore, "*.log")

	assert.Equal(t, DefaultIgnore, Default().Ignore)
}
