// Package panicerr turns panics into errors at goroutine boundaries.
package panicerr

import (
	"context"

	"github.com/sourcegraph/conc/panics"
)

// Safe wraps a function that returns an error, catching any panics and returning them as an error.
func Safe(fn func() error) func() error {
	return func() error {
		return Try(fn)
	}
}

// SafeContext wraps a function that takes a context and returns an error.
func SafeContext(fn func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		return Try(func() error { return fn(ctx) })
	}
}

// Try runs fn and returns its error, or the recovered panic (with stack) as
// an error when fn panics.
func Try(fn func() error) error {
	var (
		catcher panics.Catcher
		err     error
	)
	catcher.Try(func() {
		err = fn()
	})
	if r := catcher.Recovered(); r != nil {
		return r.AsError()
	}
	return err
}
