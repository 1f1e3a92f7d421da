// Package source captures the source snapshot a run deploys from: a private
// copy of the tree, the fleet manifest read from that copy and the units
// discovered in it. Later stages only ever read the copy, so edits made to
// the source dir while a gate is pending never reach the fleet.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/artpar/lambdaroll/internal/core/domain"
	"github.com/artpar/lambdaroll/internal/core/fleet"
)

// DefaultManifestFile is looked up at the snapshot root.
const DefaultManifestFile = "fleet.yaml"

// Snapshot is the captured source of one run.
type Snapshot struct {
	RunID    string
	Ref      string
	Root     string // absolute directory every unit and layer dir is relative to
	Manifest *fleet.Manifest
	Units    []domain.Unit
}

// LayerDir returns the absolute path of the layer source.
func (s *Snapshot) LayerDir() string {
	return filepath.Join(s.Root, filepath.FromSlash(s.Manifest.Layer.Dir))
}

// Config configures snapshot capture.
type Config struct {
	// ManifestFile is the manifest path relative to the source dir.
	// Default: fleet.yaml. A missing manifest falls back to fleet.Default.
	ManifestFile string

	// WorkDir receives one copy of the source tree per run.
	// Default: lambdaroll-snapshots under the system temp dir.
	WorkDir string
}

// Capturer captures snapshots.
type Capturer struct {
	config Config
	logger *slog.Logger
}

// NewCapturer creates a capturer.
func NewCapturer(config Config, logger *slog.Logger) *Capturer {
	if config.ManifestFile == "" {
		config.ManifestFile = DefaultManifestFile
	}
	if config.WorkDir == "" {
		config.WorkDir = filepath.Join(os.TempDir(), "lambdaroll-snapshots")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Capturer{
		config: config,
		logger: logger.With("component", "source"),
	}
}

// Capture copies sourceDir into the work dir under runID and reads the
// snapshot from the copy. A partial copy left by an earlier attempt is
// replaced. Every failure wraps domain.ErrSourceMissing, ErrSourceUnreadable
// or a fleet manifest error.
func (c *Capturer) Capture(ctx context.Context, runID, ref, sourceDir string) (*Snapshot, error) {
	root, err := filepath.Abs(sourceDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSourceUnreadable, err)
	}
	if err := checkDir(root); err != nil {
		return nil, err
	}

	dst := c.runDir(runID)
	if err := os.RemoveAll(dst); err != nil {
		return nil, fmt.Errorf("%w: clear snapshot: %v", domain.ErrSourceUnreadable, err)
	}
	if err := copyTree(ctx, root, dst); err != nil {
		os.RemoveAll(dst)
		return nil, fmt.Errorf("%w: copy snapshot: %v", domain.ErrSourceUnreadable, err)
	}
	c.logger.Info("source copied", "run_id", runID, "from", root, "to", dst)

	return c.read(runID, ref, dst)
}

// Reopen loads the snapshot an earlier Capture made for runID. It never
// looks at the source dir: a missing copy is domain.ErrSourceMissing.
func (c *Capturer) Reopen(ctx context.Context, runID, ref string) (*Snapshot, error) {
	dst := c.runDir(runID)
	if err := checkDir(dst); err != nil {
		return nil, fmt.Errorf("snapshot of run %s: %w", runID, err)
	}
	return c.read(runID, ref, dst)
}

// Inspect reads the manifest and units of sourceDir in place without
// copying it.
func (c *Capturer) Inspect(sourceDir string) (*Snapshot, error) {
	root, err := filepath.Abs(sourceDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSourceUnreadable, err)
	}
	if err := checkDir(root); err != nil {
		return nil, err
	}
	return c.read("", "", root)
}

func (c *Capturer) runDir(runID string) string {
	return filepath.Join(c.config.WorkDir, runID)
}

func (c *Capturer) read(runID, ref, root string) (*Snapshot, error) {
	m, err := c.loadManifest(root)
	if err != nil {
		return nil, err
	}

	var discovered []string
	if len(m.Units) == 0 {
		discovered, err = Discover(root, m.UnitsDir, m.EntryFile)
		if err != nil {
			return nil, err
		}
	}

	units, err := fleet.ResolveUnits(m, discovered)
	if err != nil {
		return nil, err
	}

	c.logger.Info("source captured", "run_id", runID, "ref", ref, "fleet", m.Name, "units", len(units))
	return &Snapshot{
		RunID:    runID,
		Ref:      ref,
		Root:     root,
		Manifest: m,
		Units:    units,
	}, nil
}

func (c *Capturer) loadManifest(root string) (*fleet.Manifest, error) {
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(c.config.ManifestFile)))
	if errors.Is(err, fs.ErrNotExist) {
		return fleet.Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read manifest: %v", domain.ErrSourceUnreadable, err)
	}
	return fleet.Parse(data)
}

// Discover returns the slash paths, relative to root, of every directory
// under unitsDir that directly contains entryFile. The result is sorted.
func Discover(root, unitsDir, entryFile string) ([]string, error) {
	base := filepath.Join(root, filepath.FromSlash(unitsDir))
	if err := checkDir(base); err != nil {
		return nil, err
	}

	var dirs []string
	err := filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != base && d.Name()[0] == '.' {
				return filepath.SkipDir
			}
			if d.Name() == "node_modules" {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Name() != entryFile {
			return nil
		}
		rel, err := filepath.Rel(root, filepath.Dir(p))
		if err != nil {
			return err
		}
		dirs = append(dirs, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSourceUnreadable, err)
	}

	sort.Strings(dirs)
	return dirs, nil
}

func checkDir(dir string) error {
	info, err := os.Stat(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", domain.ErrSourceMissing, dir)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrSourceUnreadable, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s", domain.ErrNotDirectory, dir)
	}
	return nil
}

// copyTree copies regular files from src to dst, preserving modes and
// skipping version-control directories.
func copyTree(ctx context.Context, src, dst string) error {
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		if ok, _ := path.Match(".git*", d.Name()); ok && rel != "." {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}

		info, err := os.Stat(p)
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		return copyFile(p, target, info.Mode().Perm())
	})
}

func copyFile(src, dst string, mode fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
