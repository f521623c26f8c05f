package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBuildArgs(t *testing.T) {
	cfg, err := parseBuildArgs([]string{"-o", "myapp", "-v", "--tags", "netgo", "main.go", "helper.go"})
	require.NoError(t, err)
	assert.Equal(t, "myapp", cfg.output)
	assert.True(t, cfg.verbose)
	assert.Equal(t, []string{"-tags", "netgo"}, cfg.buildFlags)
	assert.Equal(t, []string{"main.go", "helper.go"}, cfg.sources)
}

func TestParseBuildArgsDefaultsToCurrentDir(t *testing.T) {
	cfg, err := parseBuildArgs(nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"."}, cfg.sources)
}

func TestCollectGoFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.go", "b.go", "b_test.go", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("package x\n"), 0o644))
	}

	files, err := collectGoFiles([]string{dir}, dir)
	require.NoError(t, err)
	require.Len(t, files, 2, "tests and non-Go files are excluded")
	assert.Equal(t, filepath.Join(dir, "a.go"), files[0])
	assert.Equal(t, filepath.Join(dir, "b.go"), files[1])
}

func TestCollectGoFilesSingleFile(t *testing.T) {
	dir := t.TempDir()
	f := filepath.Join(dir, "main.go")
	require.NoError(t, os.WriteFile(f, []byte("package main\n"), 0o644))

	files, err := collectGoFiles([]string{"main.go"}, dir)
	require.NoError(t, err)
	assert.Equal(t, []string{f}, files)
}

func TestCollectGoFilesMissing(t *testing.T) {
	_, err := collectGoFiles([]string{"does-not-exist.go"}, t.TempDir())
	assert.Error(t, err)
}
