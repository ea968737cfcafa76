package events

import (
	"sync"

	"github.com/ethereum/go-ethereum/log"
)

// Prefixes distinguishing the two classes of failure that can surface outside
// any tracked suite or job.
const (
	PrefixUnhandledRejection = "Unhandled rejection:"
	PrefixUncaughtException  = "Uncaught exception:"
)

// UncaughtError wraps a failure intercepted outside any tracked suite or job.
// The wrapped error is never mutated; the prefix lives on the wrapper so the
// same underlying failure can safely appear in other reports.
type UncaughtError struct {
	Prefix string
	Err    error
}

func (e *UncaughtError) Error() string {
	return e.Prefix + " " + e.Err.Error()
}

func (e *UncaughtError) Unwrap() error {
	return e.Err
}

var (
	sinkMu sync.Mutex
	sink   *Bus
)

// SetUncaughtSink binds the process-wide uncaught-failure interception to b.
// The controller rebinds this at construction time for each run; there is
// nothing to unregister at teardown. Passing nil detaches the sink.
func SetUncaughtSink(b *Bus) {
	sinkMu.Lock()
	sink = b
	sinkMu.Unlock()
}

// ReportUncaught routes a failure from outside any tracked suite or job to
// the currently bound sink. With no sink bound the failure goes straight to
// the root logger.
func ReportUncaught(prefix string, err error) {
	if err == nil {
		return
	}
	sinkMu.Lock()
	b := sink
	sinkMu.Unlock()

	if b == nil {
		log.Root().Error("uncaught failure with no sink bound", "err", &UncaughtError{Prefix: prefix, Err: err})
		return
	}
	b.Fail(prefix, err)
}
