// Package engine defines the adapter boundary between the orchestration
// core and the external parsing engines. Engines are black-box callables;
// the core only knows how to invoke them and how to classify their
// failures.
package engine

import (
	"context"
	"errors"
	"fmt"
)

// Result describes the artifacts an engine produced, relative to the task's
// output directory.
type Result struct {
	MarkdownFile string
	JSONFile     string
}

// Options are the engine parameters carried on a task, opaque to the core.
type Options map[string]any

// CancelCheck is polled by cooperative engines during a parse. Returning
// true asks the engine to abort. Engines that cannot honor it run to
// completion; the worker then discards the result.
type CancelCheck func() bool

// Engine converts one input file into Markdown (and optionally JSON)
// artifacts inside outputDir.
type Engine interface {
	Name() string
	Parse(ctx context.Context, inputPath string, opts Options, outputDir string, cancelled CancelCheck) (*Result, error)
}

// ErrCancelled is returned by an engine that observed its cancel check.
var ErrCancelled = errors.New("parse cancelled")

type classified struct {
	err       error
	transient bool
}

func (c *classified) Error() string { return c.err.Error() }
func (c *classified) Unwrap() error { return c.err }

// Transient marks an engine failure as retryable (network blip, OOM,
// engine crash).
func Transient(err error) error {
	return &classified{err: err, transient: true}
}

// Transientf is Transient over a formatted error.
func Transientf(format string, args ...any) error {
	return Transient(fmt.Errorf(format, args...))
}

// Permanent marks an engine failure as non-retryable (unsupported format,
// invalid input).
func Permanent(err error) error {
	return &classified{err: err, transient: false}
}

// Permanentf is Permanent over a formatted error.
func Permanentf(format string, args ...any) error {
	return Permanent(fmt.Errorf(format, args...))
}

// IsTransient reports whether an engine failure should be retried.
// Unclassified errors are treated as permanent.
func IsTransient(err error) bool {
	var c *classified
	if errors.As(err, &c) {
		return c.transient
	}
	return false
}
