// Package archive packages source directories into deterministic zip artifacts.
package archive

import (
	"archive/zip"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"github.com/artpar/lambdaroll/internal/core/domain"
)

// epoch is stamped on every entry so identical trees produce identical bytes.
var epoch = time.Date(1980, time.January, 1, 0, 0, 0, 0, time.UTC)

// Options configures a Builder.
type Options struct {
	// Ignore lists glob patterns (path.Match syntax). A file or directory is
	// skipped when a pattern matches its base name or its slash path
	// relative to the packaged root.
	Ignore []string

	// MaxBytes rejects archives larger than this many bytes. Zero disables the check.
	MaxBytes int64
}

// Builder packages directories into artifacts.
type Builder struct {
	ignore   []string
	maxBytes int64
	now      func() time.Time
}

// NewBuilder creates a Builder. Invalid ignore patterns are rejected up front.
func NewBuilder(opts Options) (*Builder, error) {
	for _, p := range opts.Ignore {
		if _, err := path.Match(p, ""); err != nil {
			return nil, fmt.Errorf("invalid ignore pattern %q: %w", p, err)
		}
	}
	return &Builder{
		ignore:   append([]string(nil), opts.Ignore...),
		maxBytes: opts.MaxBytes,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

type entry struct {
	rel  string
	abs  string
	mode fs.FileMode
}

// Build packages dir into an artifact for unit. Entries are written in
// lexical order with a fixed timestamp and normalized permissions, so the
// bytes depend only on the relative paths, contents and execute bits.
// extraIgnore adds patterns to the builder's own for this build only.
func (b *Builder) Build(unit, dir string, extraIgnore ...string) (*domain.Artifact, error) {
	ignore := b.ignore
	if len(extraIgnore) > 0 {
		for _, p := range extraIgnore {
			if _, err := path.Match(p, ""); err != nil {
				return nil, &domain.PackagingError{Unit: unit, Dir: dir, Err: fmt.Errorf("invalid ignore pattern %q: %w", p, err)}
			}
		}
		ignore = append(append([]string(nil), b.ignore...), extraIgnore...)
	}

	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &domain.PackagingError{Unit: unit, Dir: dir, Err: domain.ErrSourceMissing}
		}
		return nil, &domain.PackagingError{Unit: unit, Dir: dir, Err: fmt.Errorf("%w: %v", domain.ErrSourceUnreadable, err)}
	}
	if !info.IsDir() {
		return nil, &domain.PackagingError{Unit: unit, Dir: dir, Err: domain.ErrNotDirectory}
	}

	entries, err := collect(dir, ignore)
	if err != nil {
		return nil, &domain.PackagingError{Unit: unit, Dir: dir, Err: fmt.Errorf("%w: %v", domain.ErrSourceUnreadable, err)}
	}
	if len(entries) == 0 {
		return nil, &domain.PackagingError{Unit: unit, Dir: dir, Err: domain.ErrSourceEmpty}
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		if err := writeEntry(zw, e); err != nil {
			zw.Close()
			return nil, &domain.PackagingError{Unit: unit, Dir: dir, Err: fmt.Errorf("%w: %v", domain.ErrSourceUnreadable, err)}
		}
	}
	if err := zw.Close(); err != nil {
		return nil, &domain.PackagingError{Unit: unit, Dir: dir, Err: err}
	}

	if b.maxBytes > 0 && int64(buf.Len()) > b.maxBytes {
		return nil, &domain.PackagingError{
			Unit: unit,
			Dir:  dir,
			Err:  fmt.Errorf("%w: %d > %d bytes", domain.ErrArchiveTooLarge, buf.Len(), b.maxBytes),
		}
	}

	data := buf.Bytes()
	sum := sha256.Sum256(data)
	return &domain.Artifact{
		Unit:    unit,
		Bytes:   data,
		SHA256:  hex.EncodeToString(sum[:]),
		Size:    int64(len(data)),
		Files:   len(entries),
		BuiltAt: b.now(),
	}, nil
}

// collect walks dir and returns the regular files to package, sorted by
// relative slash path. Symlinks are followed only when they point at files.
func collect(dir string, ignore []string) ([]entry, error) {
	var entries []entry
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == dir {
			return nil
		}

		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if ignored(ignore, rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}

		info, err := os.Stat(p)
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		entries = append(entries, entry{rel: rel, abs: p, mode: info.Mode()})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].rel < entries[j].rel })
	return entries, nil
}

func ignored(patterns []string, rel string) bool {
	base := path.Base(rel)
	for _, p := range patterns {
		if ok, _ := path.Match(p, base); ok {
			return true
		}
		if ok, _ := path.Match(p, rel); ok {
			return true
		}
	}
	return false
}

func writeEntry(zw *zip.Writer, e entry) error {
	mode := fs.FileMode(0o644)
	if e.mode&0o111 != 0 {
		mode = 0o755
	}

	hdr := &zip.FileHeader{
		Name:     e.rel,
		Method:   zip.Deflate,
		Modified: epoch,
	}
	hdr.SetMode(mode)

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}

	f, err := os.Open(e.abs)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(w, f)
	return err
}
