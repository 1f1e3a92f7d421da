package archive

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/artpar/lambdaroll/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Helpers
// =============================================================================

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
}

func zipNames(t *testing.T, data []byte) []string {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	names := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	return names
}

func newTestBuilder(t *testing.T, opts Options) *Builder {
	t.Helper()
	b, err := NewBuilder(opts)
	require.NoError(t, err)
	return b
}

// =============================================================================
// Determinism Tests
// =============================================================================

func TestBuild_IdenticalTreesProduceIdenticalBytes(t *testing.T) {
	files := map[string]string{
		"index.js":           "exports.handler = async () => 'ok';",
		"lib/util.js":        "module.exports = {};",
		"lib/deep/data.json": `{"a":1}`,
	}

	dirA := t.TempDir()
	dirB := t.TempDir()
	writeTree(t, dirA, files)
	writeTree(t, dirB, files)

	// Different mtimes must not change the archive.
	old := time.Now().Add(-72 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(dirB, "index.js"), old, old))

	b := newTestBuilder(t, Options{Ignore: []string{".git*"}})

	a1, err := b.Build("A001Function", dirA)
	require.NoError(t, err)
	a2, err := b.Build("A001Function", dirA)
	require.NoError(t, err)
	a3, err := b.Build("A001Function", dirB)
	require.NoError(t, err)

	assert.Equal(t, a1.Bytes, a2.Bytes)
	assert.Equal(t, a1.Bytes, a3.Bytes)
	assert.Equal(t, a1.SHA256, a3.SHA256)
	assert.Equal(t, 3, a1.Files)
	assert.Equal(t, int64(len(a1.Bytes)), a1.Size)
	assert.Equal(t, "A001Function", a1.Unit)
	assert.False(t, a1.BuiltAt.IsZero())
}

func TestBuild_ContentChangeChangesDigest(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{"index.js": "v1"})

	b := newTestBuilder(t, Options{})
	first, err := b.Build("u", dir)
	require.NoError(t, err)

	writeTree(t, dir, map[string]string{"index.js": "v2"})
	second, err := b.Build("u", dir)
	require.NoError(t, err)

	assert.NotEqual(t, first.SHA256, second.SHA256)
}

func TestBuild_EntriesSortedWithFixedTimestamp(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		"z.js":        "z",
		"a/b.js":      "b",
		"index.js":    "i",
		"a/a/deep.js": "d",
	})

	art, err := newTestBuilder(t, Options{}).Build("u", dir)
	require.NoError(t, err)

	assert.Equal(t, []string{"a/a/deep.js", "a/b.js", "index.js", "z.js"}, zipNames(t, art.Bytes))

	zr, err := zip.NewReader(bytes.NewReader(art.Bytes), art.Size)
	require.NoError(t, err)
	for _, f := range zr.File {
		assert.Equal(t, 1980, f.Modified.Year(), f.Name)
	}
}

// =============================================================================
// Ignore Pattern Tests
// =============================================================================

func TestBuild_ExcludesVersionControlMetadata(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		"index.js":        "code",
		".git/HEAD":       "ref: refs/heads/master",
		".git/objects/ab": "blob",
		".gitignore":      "node_modules",
		"lib/.gitkeep":    "",
	})

	art, err := newTestBuilder(t, Options{Ignore: []string{".git*"}}).Build("u", dir)
	require.NoError(t, err)

	assert.Equal(t, []string{"index.js"}, zipNames(t, art.Bytes))
}

func TestBuild_CustomIgnorePatterns(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		"index.js":          "code",
		"index.test.js":     "test",
		"fixtures/big.json": "{}",
		"README.md":         "docs",
	})

	b := newTestBuilder(t, Options{Ignore: []string{"*.test.js", "fixtures", "*.md"}})
	art, err := b.Build("u", dir)
	require.NoError(t, err)

	assert.Equal(t, []string{"index.js"}, zipNames(t, art.Bytes))
}

func TestBuild_ExtraIgnoreAppliesToOneBuild(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		"index.js":  "code",
		"README.md": "docs",
	})
	b := newTestBuilder(t, Options{})

	art, err := b.Build("u", dir, "*.md")
	require.NoError(t, err)
	assert.Equal(t, []string{"index.js"}, zipNames(t, art.Bytes))

	art, err = b.Build("u", dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"README.md", "index.js"}, zipNames(t, art.Bytes))
}

func TestBuild_InvalidExtraPattern(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{"index.js": "code"})

	_, err := newTestBuilder(t, Options{}).Build("u", dir, "[unterminated")
	var pe *domain.PackagingError
	assert.ErrorAs(t, err, &pe)
}

func TestNewBuilder_InvalidPattern(t *testing.T) {
	_, err := NewBuilder(Options{Ignore: []string{"[unterminated"}})
	assert.Error(t, err)
}

// =============================================================================
// Packaging Error Tests
// =============================================================================

func TestBuild_PackagingErrors(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"file.txt": "x", "onlygit/.git/HEAD": "x"})
	require.NoError(t, os.MkdirAll(filepath.Join(root, "empty"), 0o755))

	tests := []struct {
		name string
		dir  string
		want error
	}{
		{"missing", filepath.Join(root, "nope"), domain.ErrSourceMissing},
		{"empty", filepath.Join(root, "empty"), domain.ErrSourceEmpty},
		{"only ignored files", filepath.Join(root, "onlygit"), domain.ErrSourceEmpty},
		{"not a directory", filepath.Join(root, "file.txt"), domain.ErrNotDirectory},
	}

	b := newTestBuilder(t, Options{Ignore: []string{".git*"}})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := b.Build("u", tt.dir)
			require.Error(t, err)

			var pkgErr *domain.PackagingError
			require.ErrorAs(t, err, &pkgErr)
			assert.Equal(t, "u", pkgErr.Unit)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, domain.KindPackaging, domain.KindOf(err))
		})
	}
}

func TestBuild_MaxBytes(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{"index.js": "some code that will not fit"})

	_, err := newTestBuilder(t, Options{MaxBytes: 10}).Build("u", dir)
	assert.ErrorIs(t, err, domain.ErrArchiveTooLarge)
}
