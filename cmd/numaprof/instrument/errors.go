// Package instrument - structured instrumentation errors.
package instrument

import "fmt"

// Error describes an instrumentation failure with enough position
// information to point the user at the offending source.
type Error struct {
	// File is the source file being instrumented.
	File string

	// Stage names the phase that failed: "parse", "imports", "rewrite",
	// or "print".
	Stage string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("instrument %s: %s: %v", e.File, e.Stage, e.Err)
}

// Unwrap exposes the cause for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

func stageErr(file, stage string, err error) error {
	return &Error{File: file, Stage: stage, Err: err}
}
