package runtime

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsLocalPath(t *testing.T) {
	assert.True(t, isLocalPath("./local"))
	assert.True(t, isLocalPath("../up"))
	assert.True(t, isLocalPath("/abs/path"))
	assert.False(t, isLocalPath("github.com/some/module"))
}

func TestWriteGoMod(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, WriteGoMod(ws, ""))

	data, err := os.ReadFile(filepath.Join(ws, "go.mod"))
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "module instrumented")
	assert.Contains(t, content, "require "+ImportPath+" v0.0.0")
}

func TestWriteGoModCarriesReplaceDirectives(t *testing.T) {
	// A fake instrumented project with a local replace directive.
	src := t.TempDir()
	orig := `module example.com/app

go 1.24

require example.com/dep v1.0.0

replace example.com/dep => ./vendored/dep
`
	require.NoError(t, os.WriteFile(filepath.Join(src, "go.mod"), []byte(orig), 0o644))

	ws := t.TempDir()
	require.NoError(t, WriteGoMod(ws, src))

	data, err := os.ReadFile(filepath.Join(ws, "go.mod"))
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "replace example.com/dep => ")
	assert.Contains(t, content, filepath.Join(src, "vendored", "dep"),
		"relative replace targets must become absolute")
}

func TestExtractReplaceDirectivesMissingFile(t *testing.T) {
	assert.Empty(t, extractReplaceDirectives(filepath.Join(t.TempDir(), "nope", "go.mod")))
}
