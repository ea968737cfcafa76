// Package events carries the typed run event stream. The controller owns one
// Bus per run; components publish the subset of events they produce and
// consumers such as the reporter and log sinks subscribe to the whole stream.
package events

import (
	"encoding/json"
	"time"

	"github.com/gantrylabs/gantry/types"
)

// Event is implemented by every payload published on the Bus.
type Event interface {
	EventName() string
}

// RunStart marks the beginning of a run.
type RunStart struct {
	ID string
}

// RunEnd marks the end of a run, after teardown has settled.
type RunEnd struct {
	ID       string
	Duration time.Duration
}

// ServerStart is emitted once the test server is listening.
type ServerStart struct {
	URL string
}

// ServerEnd is emitted when the test server has stopped.
type ServerEnd struct {
	URL string
}

// TunnelStart is emitted once the tunnel reports ready.
type TunnelStart struct {
	Tunnel string
}

// TunnelStop is emitted when the tunnel has stopped.
type TunnelStop struct {
	Tunnel string
}

// TunnelDownloadProgress relays tunnel artifact download progress.
type TunnelDownloadProgress struct {
	Tunnel   string
	Received int64
	Total    int64
}

// TunnelStatus relays a tunnel status line.
type TunnelStatus struct {
	Tunnel string
	Status string
}

// SuiteStart is emitted when a suite begins executing. For session suites
// this happens after session setup, once the negotiated name is known.
type SuiteStart struct {
	Suite     string
	SessionID string
}

// SuiteEnd carries a finished suite's aggregate results.
type SuiteEnd struct {
	Suite     string
	SessionID string
	Passed    int
	Failed    int
	Skipped   int
	Err       error
	Duration  time.Duration
}

// TestEnd carries one finished test.
type TestEnd struct {
	Suite    string
	Test     string
	Status   types.Status
	Err      error
	Duration time.Duration
}

// Coverage carries a raw coverage payload from one origin. The aggregator is
// the only consumer; there is exactly one coverage sink per run.
type Coverage struct {
	SessionID string
	Data      json.RawMessage
}

// Warning carries a non-fatal diagnostic message.
type Warning struct {
	Message string
}

// Error carries a non-fatal failure, e.g. a teardown step that did not
// complete or an uncaught failure outside any tracked suite.
type Error struct {
	Err error
}

// SessionLog relays a log line captured from a remote session.
type SessionLog struct {
	SessionID string
	Message   string
}

func (RunStart) EventName() string               { return "runStart" }
func (RunEnd) EventName() string                 { return "runEnd" }
func (ServerStart) EventName() string            { return "serverStart" }
func (ServerEnd) EventName() string              { return "serverEnd" }
func (TunnelStart) EventName() string            { return "tunnelStart" }
func (TunnelStop) EventName() string             { return "tunnelStop" }
func (TunnelDownloadProgress) EventName() string { return "tunnelDownloadProgress" }
func (TunnelStatus) EventName() string           { return "tunnelStatus" }
func (SuiteStart) EventName() string             { return "suiteStart" }
func (SuiteEnd) EventName() string               { return "suiteEnd" }
func (TestEnd) EventName() string                { return "testEnd" }
func (Coverage) EventName() string               { return "coverage" }
func (Warning) EventName() string                { return "warning" }
func (Error) EventName() string                  { return "error" }
func (SessionLog) EventName() string             { return "sessionLog" }
