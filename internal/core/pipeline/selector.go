package pipeline

import (
	"sort"
	"strings"
)

// =============================================================================
// Layer Selector
// =============================================================================

// Selector chooses the units a new layer version is bound to.
// A unit matches when it has Prefix (if set) or appears in Include, and does
// not appear in Exclude.
type Selector struct {
	Prefix  string
	Include []string
	Exclude []string
}

// Match reports whether a unit name is selected.
func (s Selector) Match(unit string) bool {
	for _, ex := range s.Exclude {
		if ex == unit {
			return false
		}
	}
	for _, in := range s.Include {
		if in == unit {
			return true
		}
	}
	return s.Prefix != "" && strings.HasPrefix(unit, s.Prefix)
}

// Filter returns the selected names, sorted and deduplicated.
func (s Selector) Filter(units []string) []string {
	seen := make(map[string]bool, len(units))
	out := make([]string, 0, len(units))
	for _, u := range units {
		if seen[u] || !s.Match(u) {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// =============================================================================
// Layer Binding
// =============================================================================

// LayerARN strips the version from a layer version ARN.
//
// Example:
//
//	LayerARN("arn:aws:lambda:us-east-1:123456789012:layer:shared:3")
//	// returns "arn:aws:lambda:us-east-1:123456789012:layer:shared"
func LayerARN(versionARN string) string {
	i := strings.LastIndex(versionARN, ":")
	if i < 0 {
		return versionARN
	}
	return versionARN[:i]
}

// RebindLayers computes a unit's new layer list: any version of the same
// layer is replaced by versionARN and unrelated layers keep their order.
// A unit is therefore bound to exactly one version of each layer.
func RebindLayers(current []string, versionARN string) []string {
	layer := LayerARN(versionARN)
	out := make([]string, 0, len(current)+1)
	for _, arn := range current {
		if LayerARN(arn) == layer {
			continue
		}
		out = append(out, arn)
	}
	return append(out, versionARN)
}
