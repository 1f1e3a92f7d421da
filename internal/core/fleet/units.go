package fleet

import (
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/artpar/lambdaroll/internal/core/domain"
)

// =============================================================================
// Unit Resolution
// =============================================================================

// ResolveUnits turns the manifest plus the directories discovered in a
// snapshot into the fleet's unit list.
//
// When the manifest lists units explicitly, discovered is ignored. Otherwise
// every discovered directory (relative slash path containing the entry file)
// becomes a unit named by domain.UnitName. The result is sorted by name and
// names are unique.
func ResolveUnits(m *Manifest, discovered []string) ([]domain.Unit, error) {
	entries := m.Units
	if len(entries) == 0 {
		dirs := append([]string(nil), discovered...)
		sort.Strings(dirs)
		entries = make([]UnitEntry, 0, len(dirs))
		for _, d := range dirs {
			entries = append(entries, UnitEntry{Dir: d})
		}
	}

	units := make([]domain.Unit, 0, len(entries))
	seen := make(map[string]string, len(entries))
	for i, e := range entries {
		dir := path.Clean(strings.ReplaceAll(e.Dir, "\\", "/"))
		name := e.Name
		if name == "" {
			name = domain.UnitName(dir, m.Suffix())
		}
		if name == "" {
			return nil, NewManifestError(fmt.Sprintf("units[%d].dir", i), fmt.Sprintf("cannot derive a name from %q", e.Dir), ErrInvalidValue)
		}
		if prev, ok := seen[name]; ok {
			return nil, NewManifestError(fmt.Sprintf("units[%d]", i), fmt.Sprintf("%s is produced by both %s and %s", name, prev, dir), ErrDuplicateUnit)
		}
		seen[name] = dir

		timeout := firstNonEmpty(e.Timeout, m.Defaults.Timeout, DefaultTimeout)
		d, err := time.ParseDuration(timeout)
		if err != nil {
			return nil, NewManifestError(fmt.Sprintf("units[%d].timeout", i), err.Error(), ErrInvalidValue)
		}

		memory := e.MemoryMB
		if memory == 0 {
			memory = m.Defaults.MemoryMB
		}
		if memory == 0 {
			memory = DefaultMemoryMB
		}

		units = append(units, domain.Unit{
			Name:      name,
			SourceDir: dir,
			Runtime:   firstNonEmpty(e.Runtime, m.Defaults.Runtime, DefaultRuntime),
			Handler:   firstNonEmpty(e.Handler, m.Defaults.Handler, DefaultHandler),
			Timeout:   d,
			MemoryMB:  memory,
			Ignore:    append([]string(nil), m.Ignore...),
		})
	}

	sort.Slice(units, func(i, j int) bool { return units[i].Name < units[j].Name })
	return units, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
