// Package runtime provides runtime library linking for instrumented code.
//
// Instrumented sources import the numaprof runtime; this package makes
// sure the temporary build workspace can resolve that import, whether the
// tool runs from a source checkout (replace directive to the local tree)
// or from an installed module.
package runtime

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/mod/modfile"
)

// ImportPath is the module path of the profiler runtime injected into
// instrumented code.
const ImportPath = "github.com/kolkov/numaprof"

// projectMarker identifies the numaprof source tree: the runtime glue
// package that only this project has. Matching on go.mod alone would hit
// the user's own project first.
var projectMarker = filepath.Join("internal", "numa", "api")

// findProjectRoot locates the numaprof checkout by walking up from the
// working directory, then from the executable's location.
func findProjectRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	if root, ok := walkUpFor(cwd); ok {
		return root, nil
	}

	if exe, err := os.Executable(); err == nil {
		for _, dir := range []string{
			filepath.Dir(exe),
			filepath.Dir(filepath.Dir(exe)),
		} {
			if root, ok := walkUpFor(dir); ok {
				return root, nil
			}
		}
	}
	return "", fmt.Errorf("could not find numaprof project root")
}

func walkUpFor(start string) (string, bool) {
	dir := start
	for {
		if _, err := os.Stat(filepath.Join(dir, projectMarker)); err == nil {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}

// findOriginalGoMod walks up from startDir to the go.mod of the project
// being instrumented. Returns "" when none exists.
func findOriginalGoMod(startDir string) string {
	dir := startDir
	for {
		modPath := filepath.Join(dir, "go.mod")
		if _, err := os.Stat(modPath); err == nil {
			return modPath
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// WriteGoMod creates the go.mod for a temporary build workspace: a module
// requiring the numaprof runtime, resolved via a replace directive to the
// local checkout when the tool runs from source, plus whatever replace
// directives the instrumented project itself carried (converted to
// absolute paths, since the workspace lives elsewhere).
func WriteGoMod(workspaceDir, sourceDir string) error {
	var content strings.Builder
	content.WriteString("module instrumented\n\n")
	content.WriteString("go 1.24\n\n")
	content.WriteString(fmt.Sprintf("require %s v0.0.0\n\n", ImportPath))

	if root, err := findProjectRoot(); err == nil {
		content.WriteString(fmt.Sprintf("replace %s => %s\n", ImportPath, root))
	}

	if sourceDir != "" {
		if orig := findOriginalGoMod(sourceDir); orig != "" {
			if reps := extractReplaceDirectives(orig); reps != "" {
				content.WriteString("\n// Replace directives carried over from the instrumented project:\n")
				content.WriteString(reps)
			}
		}
	}

	path := filepath.Join(workspaceDir, "go.mod")
	if err := os.WriteFile(path, []byte(content.String()), 0o644); err != nil {
		return fmt.Errorf("write workspace go.mod: %w", err)
	}
	return nil
}

// extractReplaceDirectives parses a go.mod and re-emits its replace
// directives with local paths made absolute.
func extractReplaceDirectives(goModPath string) string {
	data, err := os.ReadFile(goModPath)
	if err != nil {
		return ""
	}
	mf, err := modfile.Parse(goModPath, data, nil)
	if err != nil {
		return ""
	}
	if len(mf.Replace) == 0 {
		return ""
	}

	goModDir := filepath.Dir(goModPath)
	var out strings.Builder
	for _, rep := range mf.Replace {
		newPath := rep.New.Path
		if rep.New.Version == "" && isLocalPath(newPath) && !filepath.IsAbs(newPath) {
			if abs, err := filepath.Abs(filepath.Join(goModDir, newPath)); err == nil {
				newPath = abs
			}
		}

		out.WriteString("replace ")
		out.WriteString(rep.Old.Path)
		if rep.Old.Version != "" {
			out.WriteString(" " + rep.Old.Version)
		}
		out.WriteString(" => " + newPath)
		if rep.New.Version != "" {
			out.WriteString(" " + rep.New.Version)
		}
		out.WriteString("\n")
	}
	return out.String()
}

// isLocalPath reports whether a replace target is a filesystem path
// rather than a module path.
func isLocalPath(path string) bool {
	if strings.HasPrefix(path, "./") || strings.HasPrefix(path, "../") {
		return true
	}
	if filepath.IsAbs(path) {
		return true
	}
	if len(path) >= 2 && path[1] == ':' { // Windows drive letter
		return true
	}
	return false
}
