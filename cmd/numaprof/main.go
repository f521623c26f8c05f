// Package main implements the numaprof CLI tool.
//
// The numaprof tool profiles NUMA sharing behavior of Go programs without
// hardware counters or a custom toolchain. It works by:
//
//  1. Parsing Go source files using go/ast
//  2. Instrumenting memory accesses with profiler hooks (allocations are
//     not hooked; Malloc/Free calls are added by hand)
//  3. Injecting the numaprof runtime
//  4. Building/running the instrumented code
//
// Usage:
//
//	numaprof build main.go     # Build with NUMA profiling
//	numaprof run main.go       # Run with NUMA profiling
package main

import (
	"fmt"
	"os"

	"github.com/kolkov/numaprof"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch command := os.Args[1]; command {
	case "build":
		buildCommand(os.Args[2:])
	case "run":
		runCommand(os.Args[2:])
	case "version", "--version", "-v":
		fmt.Printf("numaprof version %s\n", numaprof.Version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`numaprof - Pure-Go NUMA Profiler

USAGE:
    numaprof <command> [arguments]

COMMANDS:
    build      Build Go program with NUMA profiling
    run        Run Go program with NUMA profiling
    version    Show version information
    help       Show this help message

EXAMPLES:
    # Build a program with profiling
    numaprof build -o myapp main.go

    # Run a program and print the sharing report at exit
    numaprof run main.go --flag=value

OPTIONS (environment):
    NUMAPROF_PAGE_THRESHOLD, NUMAPROF_CACHE_THRESHOLD, NUMAPROF_TOP_K,
    NUMAPROF_REPORT, NUMAPROF_MAX_THREADS, NUMAPROF_LOG

ABOUT:
    numaprof deduces NUMA sharing problems by watching every memory access
    the instrumented program performs. Each access is attributed to a
    thread, a heap object, a cache line and a page; when an object is
    freed the profiler reports cache-line false/true sharing, page-level
    sharing, and sharing introduced by allocator layout. No particular
    CPU, topology or perf-counter support is required.

FOR MORE INFORMATION:
    Repository: https://github.com/kolkov/numaprof
`)
}
