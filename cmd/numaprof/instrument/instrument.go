// Package instrument implements AST-level instrumentation for automatic
// NUMA profiling call insertion.
//
// It parses Go source files, walks the AST to find memory access
// operations, and inserts numaprof.ReadAt() and numaprof.WriteAt() calls
// before them. The main function additionally gets the runtime lifecycle
// injected (Init, deferred Fini, ThreadStart), and every goroutine
// launched with a function literal gets a ThreadStart at the top so its
// accesses are attributed.
//
// Example transformation:
//
//	// INPUT:
//	x = 42
//	y := x
//
//	// OUTPUT:
//	numaprof.WriteAt(uintptr(unsafe.Pointer(&x)))
//	x = 42
//	numaprof.ReadAt(uintptr(unsafe.Pointer(&x)))
//	y := x
//
// Instrumentation happens at build time; its own performance is not
// critical.
package instrument

import (
	"bytes"
	"go/ast"
	"go/parser"
	"go/printer"
	"go/token"
)

const (
	// RuntimeImportPath is the import path of the profiler runtime
	// injected into instrumented files.
	RuntimeImportPath = "github.com/kolkov/numaprof"

	// RuntimeAlias is the local package name used in inserted calls.
	RuntimeAlias = "numaprof"
)

// Stats counts what the rewrite did, for -v output.
type Stats struct {
	ReadsInstrumented  int
	WritesInstrumented int
	GoroutinesWrapped  int
	Skipped            int
}

// Total returns the number of inserted access hooks.
func (s Stats) Total() int {
	return s.ReadsInstrumented + s.WritesInstrumented
}

// Result holds the instrumented source and the rewrite statistics.
type Result struct {
	Code  string
	Stats Stats
}

// File instruments one Go source file. src follows the go/parser
// convention: nil reads from filename, otherwise a string, []byte or
// io.Reader is used directly.
func File(filename string, src any) (*Result, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, filename, src, parser.ParseComments)
	if err != nil {
		return nil, stageErr(filename, "parse", err)
	}

	if err := injectImports(file); err != nil {
		return nil, stageErr(filename, "imports", err)
	}

	v := newVisitor(fset)
	ast.Walk(v, file)
	v.apply(file)

	var buf bytes.Buffer
	cfg := &printer.Config{Mode: printer.UseSpaces | printer.TabIndent, Tabwidth: 8}
	if err := cfg.Fprint(&buf, fset, file); err != nil {
		return nil, stageErr(filename, "print", err)
	}

	return &Result{Code: buf.String(), Stats: v.stats}, nil
}
