// build.go implements the 'numaprof build' command.
package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"

	"github.com/kolkov/numaprof/cmd/numaprof/instrument"
	"github.com/kolkov/numaprof/cmd/numaprof/runtime"
)

// buildCommand instruments Go source files and builds them with the
// profiler runtime linked in.
//
// Flow:
//  1. Parse arguments (source files + pass-through go build flags)
//  2. Create a temporary workspace
//  3. Instrument the sources (insert profiler hooks)
//  4. Write the workspace go.mod linking the runtime
//  5. Run 'go build'
func buildCommand(args []string) {
	cfg, err := parseBuildArgs(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ws, err := createWorkspace()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating workspace: %v\n", err)
		os.Exit(1)
	}
	defer ws.cleanup()

	if err := instrumentSources(cfg, ws); err != nil {
		fmt.Fprintf(os.Stderr, "Error instrumenting sources: %v\n", err)
		os.Exit(1)
	}

	if err := ws.setupRuntimeLinking(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error setting up runtime: %v\n", err)
		os.Exit(1)
	}

	if err := ws.build(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Build failed: %v\n", err)
		os.Exit(1)
	}

	if cfg.output != "" {
		fmt.Printf("Built successfully: %s\n", cfg.output)
	}
}

// buildConfig holds the parsed 'numaprof build' arguments.
type buildConfig struct {
	sources    []string
	output     string
	verbose    bool
	buildFlags []string
	workDir    string
}

// parseBuildArgs separates numaprof's own flags from sources and
// pass-through go build flags.
func parseBuildArgs(args []string) (*buildConfig, error) {
	fs := pflag.NewFlagSet("build", pflag.ContinueOnError)
	fs.SortFlags = false
	output := fs.StringP("output", "o", "", "output binary path")
	verbose := fs.BoolP("verbose", "v", false, "print instrumentation statistics")
	tags := fs.String("tags", "", "build tags passed to go build")
	ldflags := fs.String("ldflags", "", "linker flags passed to go build")
	gcflags := fs.String("gcflags", "", "compiler flags passed to go build")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("get working directory: %w", err)
	}

	cfg := &buildConfig{
		sources: fs.Args(),
		output:  *output,
		verbose: *verbose,
		workDir: cwd,
	}
	if *tags != "" {
		cfg.buildFlags = append(cfg.buildFlags, "-tags", *tags)
	}
	if *ldflags != "" {
		cfg.buildFlags = append(cfg.buildFlags, "-ldflags", *ldflags)
	}
	if *gcflags != "" {
		cfg.buildFlags = append(cfg.buildFlags, "-gcflags", *gcflags)
	}
	if len(cfg.sources) == 0 {
		cfg.sources = []string{"."}
	}
	return cfg, nil
}

// workspace is the temporary module the instrumented sources are built in.
type workspace struct {
	dir    string
	srcDir string
}

func createWorkspace() (*workspace, error) {
	dir, err := os.MkdirTemp("", "numaprof-build-*")
	if err != nil {
		return nil, fmt.Errorf("create temp directory: %w", err)
	}
	srcDir := filepath.Join(dir, "src")
	if err := os.MkdirAll(srcDir, 0o755); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("create src directory: %w", err)
	}
	return &workspace{dir: dir, srcDir: srcDir}, nil
}

func (w *workspace) cleanup() {
	if w.dir != "" {
		_ = os.RemoveAll(w.dir)
	}
}

// setupRuntimeLinking writes the workspace go.mod and resolves the
// runtime dependency.
func (w *workspace) setupRuntimeLinking(cfg *buildConfig) error {
	sourceDir := cfg.workDir
	if len(cfg.sources) > 0 && strings.HasSuffix(cfg.sources[0], ".go") {
		sourceDir = filepath.Dir(absPath(cfg.sources[0], cfg.workDir))
	}
	if err := runtime.WriteGoMod(w.srcDir, sourceDir); err != nil {
		return err
	}

	tidy := exec.Command("go", "mod", "tidy")
	tidy.Dir = w.srcDir
	tidy.Stdout = os.Stdout
	tidy.Stderr = os.Stderr
	if err := tidy.Run(); err != nil {
		return fmt.Errorf("go mod tidy: %w", err)
	}
	return nil
}

// build runs 'go build' on the instrumented workspace.
func (w *workspace) build(cfg *buildConfig) error {
	args := []string{"build"}
	if cfg.output != "" {
		out := absPath(cfg.output, cfg.workDir)
		args = append(args, "-o", out)
	}
	args = append(args, cfg.buildFlags...)
	args = append(args, ".")

	cmd := exec.Command("go", args...)
	cmd.Dir = w.srcDir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// instrumentSources rewrites every source file into the workspace.
func instrumentSources(cfg *buildConfig, ws *workspace) error {
	goFiles, err := collectGoFiles(cfg.sources, cfg.workDir)
	if err != nil {
		return err
	}
	if len(goFiles) == 0 {
		return fmt.Errorf("no Go source files found")
	}

	for _, srcPath := range goFiles {
		res, err := instrument.File(srcPath, nil)
		if err != nil {
			return err
		}
		outPath := filepath.Join(ws.srcDir, filepath.Base(srcPath))
		if err := os.WriteFile(outPath, []byte(res.Code), 0o644); err != nil {
			return fmt.Errorf("write instrumented file %s: %w", outPath, err)
		}

		if cfg.verbose {
			s := res.Stats
			fmt.Printf("Instrumented %s: %d reads, %d writes, %d goroutines wrapped, %d skipped\n",
				srcPath, s.ReadsInstrumented, s.WritesInstrumented, s.GoroutinesWrapped, s.Skipped)
		}
	}
	return nil
}

// collectGoFiles resolves sources (files or directories) to .go files,
// excluding tests.
func collectGoFiles(sources []string, workDir string) ([]string, error) {
	var goFiles []string
	for _, src := range sources {
		srcPath := absPath(src, workDir)
		info, err := os.Stat(srcPath)
		if err != nil {
			return nil, fmt.Errorf("cannot access %s: %w", src, err)
		}
		if !info.IsDir() {
			if strings.HasSuffix(srcPath, ".go") {
				goFiles = append(goFiles, srcPath)
			}
			continue
		}
		entries, err := os.ReadDir(srcPath)
		if err != nil {
			return nil, fmt.Errorf("cannot read directory %s: %w", srcPath, err)
		}
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || !strings.HasSuffix(name, ".go") || strings.HasSuffix(name, "_test.go") {
				continue
			}
			goFiles = append(goFiles, filepath.Join(srcPath, name))
		}
	}
	return goFiles, nil
}

func absPath(p, workDir string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(workDir, p)
}
