package suite

import (
	"context"
	"errors"
	"time"

	"github.com/sourcegraph/conc/panics"

	"github.com/gantrylabs/gantry/remote"
	"github.com/gantrylabs/gantry/types"
)

// TestFunc is the body of a test. Returning nil passes, returning an error
// fails, and returning Skip's error skips.
type TestFunc func(ctx context.Context, t *Test) error

// Test is a leaf of the test tree.
type Test struct {
	Name string
	Func TestFunc

	Status     types.Status
	Err        error
	SkipReason string
	Duration   time.Duration

	parent *Suite
}

func (t *Test) NodeName() string { return t.Name }

// Parent returns the enclosing suite.
func (t *Test) Parent() *Suite { return t.parent }

// ID is the full path of the test, used for grep matching and reporting.
func (t *Test) ID() string {
	if t.parent == nil {
		return t.Name
	}
	return t.parent.ID() + " - " + t.Name
}

// RemoteHandle returns the session handle of the owning session suite, or
// nil when the test runs locally.
func (t *Test) RemoteHandle() *remote.Remote {
	if t.parent == nil {
		return nil
	}
	return t.parent.RemoteHandle()
}

func (t *Test) Passed() bool  { return t.Status == types.StatusPass }
func (t *Test) Failed() bool  { return t.Status == types.StatusFail }
func (t *Test) Skipped() bool { return t.Status == types.StatusSkip }

func (t *Test) run(ctx context.Context) {
	if t.Func == nil {
		t.markSkipped("not implemented")
		return
	}

	start := time.Now()
	err := capturePanic(func() error { return t.Func(ctx, t) })
	t.Duration = time.Since(start)

	var skip *SkipError
	switch {
	case err == nil:
		t.Status = types.StatusPass
	case errors.As(err, &skip):
		t.markSkipped(skip.Reason)
	default:
		t.fail(err)
	}
}

func (t *Test) fail(err error) {
	t.Status = types.StatusFail
	t.Err = err
}

// markSkipped records a skip unless the test already has an outcome.
func (t *Test) markSkipped(reason string) {
	if t.Status != "" {
		return
	}
	t.Status = types.StatusSkip
	t.SkipReason = reason
}

// SkipError marks a test as skipped rather than failed.
type SkipError struct {
	Reason string
}

func (e *SkipError) Error() string { return "skipped: " + e.Reason }

// Skip returns an error that records the test as skipped.
func Skip(reason string) error { return &SkipError{Reason: reason} }

// capturePanic runs fn, converting a panic into an error.
func capturePanic(fn func() error) (err error) {
	if r := panics.Try(func() { err = fn() }); r != nil {
		err = r.AsError()
	}
	return err
}
