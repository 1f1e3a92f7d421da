package fleet

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveUnits_Discovered(t *testing.T) {
	m := Default()
	m.Ignore = []string{".git*", "*.md"}

	units, err := ResolveUnits(m, []string{"lambda/test1/A002", "lambda/A001", `lambda\B001`})
	require.NoError(t, err)
	require.Len(t, units, 3)

	assert.Equal(t, "A001Function", units[0].Name)
	assert.Equal(t, "lambda/A001", units[0].SourceDir)
	assert.Equal(t, "A002Function", units[1].Name)
	assert.Equal(t, "lambda/test1/A002", units[1].SourceDir)
	assert.Equal(t, "B001Function", units[2].Name)
	assert.Equal(t, "lambda/B001", units[2].SourceDir)

	for _, u := range units {
		assert.Equal(t, DefaultRuntime, u.Runtime)
		assert.Equal(t, DefaultHandler, u.Handler)
		assert.Equal(t, 30*time.Second, u.Timeout)
		assert.Equal(t, DefaultMemoryMB, u.MemoryMB)
		assert.Equal(t, []string{".git*", "*.md"}, u.Ignore)
	}

	// Each unit owns its ignore slice.
	units[0].Ignore[0] = "changed"
	assert.Equal(t, ".git*", units[1].Ignore[0])
	assert.Equal(t, ".git*", m.Ignore[0])
}

func TestResolveUnits_ExplicitIgnoresDiscovered(t *testing.T) {
	m := Default()
	m.Defaults.Runtime = "nodejs20.x"
	m.Defaults.MemoryMB = 512
	m.Units = []UnitEntry{
		{Dir: "src/orders", Name: "OrdersApi", Timeout: "2m"},
		{Dir: "src/billing/", MemoryMB: 1024, Runtime: "python3.12", Handler: "main.handle"},
	}

	units, err := ResolveUnits(m, []string{"lambda/A001"})
	require.NoError(t, err)
	require.Len(t, units, 2)

	billing, orders := units[0], units[1]
	assert.Equal(t, "billingFunction", billing.Name)
	assert.Equal(t, "src/billing", billing.SourceDir)
	assert.Equal(t, "python3.12", billing.Runtime)
	assert.Equal(t, "main.handle", billing.Handler)
	assert.Equal(t, 1024, billing.MemoryMB)

	assert.Equal(t, "OrdersApi", orders.Name)
	assert.Equal(t, "nodejs20.x", orders.Runtime)
	assert.Equal(t, 2*time.Minute, orders.Timeout)
	assert.Equal(t, 512, orders.MemoryMB)
}

func TestResolveUnits_EmptySuffix(t *testing.T) {
	m := Default()
	empty := ""
	m.NameSuffix = &empty

	units, err := ResolveUnits(m, []string{"lambda/A001"})
	require.NoError(t, err)
	assert.Equal(t, "A001", units[0].Name)
}

func TestResolveUnits_DuplicateName(t *testing.T) {
	_, err := ResolveUnits(Default(), []string{"lambda/a/A001", "lambda/b/A001"})

	assert.ErrorIs(t, err, ErrDuplicateUnit)
	assert.Contains(t, err.Error(), "A001Function")
}

func TestResolveUnits_UnnamedRoot(t *testing.T) {
	m := Default()
	m.Units = []UnitEntry{{Dir: "/"}}

	_, err := ResolveUnits(m, nil)
	assert.ErrorIs(t, err, ErrInvalidValue)
}

func TestResolveUnits_NothingDiscovered(t *testing.T) {
	units, err := ResolveUnits(Default(), nil)
	require.NoError(t, err)
	assert.Empty(t, units)
}

func TestResolveUnits_DiscoveredNotMutated(t *testing.T) {
	discovered := []string{"lambda/B001", "lambda/A001"}
	_, err := ResolveUnits(Default(), discovered)
	require.NoError(t, err)

	assert.Equal(t, []string{"lambda/B001", "lambda/A001"}, discovered)
}
