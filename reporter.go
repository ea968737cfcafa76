package gantry

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/gantrylabs/gantry/coverage"
	"github.com/gantrylabs/gantry/events"
	"github.com/gantrylabs/gantry/metrics"
	"github.com/gantrylabs/gantry/suite"
	"github.com/gantrylabs/gantry/types"
)

// Result aggregates one run's outcome.
type Result struct {
	RunID    string
	Suites   []*suite.Suite
	Duration time.Duration
	Coverage coverage.Stats
	Canceled bool
}

// NumTests counts every test across all suites.
func (r *Result) NumTests() int {
	total := 0
	for _, s := range r.Suites {
		total += s.NumTests()
	}
	return total
}

// NumPassed counts passed tests across all suites.
func (r *Result) NumPassed() int {
	total := 0
	for _, s := range r.Suites {
		total += s.NumPassedTests()
	}
	return total
}

// NumFailed counts failed tests across all suites.
func (r *Result) NumFailed() int {
	total := 0
	for _, s := range r.Suites {
		total += s.NumFailedTests()
	}
	return total
}

// NumSkipped counts skipped tests across all suites.
func (r *Result) NumSkipped() int {
	total := 0
	for _, s := range r.Suites {
		total += s.NumSkippedTests()
	}
	return total
}

// Failed reports whether any suite tree is erroneous: a suite-level error
// anywhere, or at least one failed test.
func (r *Result) Failed() bool {
	for _, s := range r.Suites {
		if s.HasErrors() {
			return true
		}
	}
	return false
}

// Status collapses the run into a single test status.
func (r *Result) Status() types.Status {
	switch {
	case r.Failed():
		return types.StatusFail
	case r.NumTests() > 0 && r.NumTests() == r.NumSkipped():
		return types.StatusSkip
	default:
		return types.StatusPass
	}
}

func (r *Result) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Run %s: %s (%d tests, %d passed, %d failed, %d skipped) in %s",
		r.RunID, r.Status(), r.NumTests(), r.NumPassed(), r.NumFailed(), r.NumSkipped(), formatDuration(r.Duration))
	for _, s := range r.Suites {
		fmt.Fprintf(&b, "\n  %s: %d/%d passed", s.Name, s.NumPassedTests(), s.NumTests())
		if s.Err != nil {
			fmt.Fprintf(&b, " (suite error: %v)", s.Err)
		}
	}
	return b.String()
}

// Reporter logs run progress as events arrive and renders the final console
// results table.
type Reporter struct {
	log   log.Logger
	runID string
	out   io.Writer
}

// NewReporter creates a reporter writing its table to stdout.
func NewReporter(logger log.Logger, runID string) *Reporter {
	return &Reporter{log: logger, runID: runID, out: os.Stdout}
}

// handle is subscribed to the run's event bus.
func (r *Reporter) handle(ev events.Event) {
	switch e := ev.(type) {
	case events.RunStart:
		r.log.Info("Run started", "runID", e.ID)
	case events.RunEnd:
		r.log.Info("Run finished", "runID", e.ID, "duration", formatDuration(e.Duration))
	case events.ServerStart:
		r.log.Info("Test server listening", "url", e.URL)
	case events.ServerEnd:
		r.log.Info("Test server stopped", "url", e.URL)
	case events.TunnelStart:
		r.log.Info("Tunnel ready", "tunnel", e.Tunnel)
	case events.TunnelStop:
		r.log.Info("Tunnel stopped", "tunnel", e.Tunnel)
	case events.TunnelStatus:
		r.log.Info("Tunnel status", "tunnel", e.Tunnel, "status", e.Status)
	case events.TunnelDownloadProgress:
		r.log.Debug("Tunnel download", "tunnel", e.Tunnel, "received", e.Received, "total", e.Total)
	case events.SuiteStart:
		r.log.Info("Suite started", "suite", e.Suite, "session", e.SessionID)
	case events.SuiteEnd:
		if e.Err != nil {
			r.log.Error("Suite finished with error", "suite", e.Suite, "err", e.Err,
				"passed", e.Passed, "failed", e.Failed, "skipped", e.Skipped)
			return
		}
		r.log.Info("Suite finished", "suite", e.Suite,
			"passed", e.Passed, "failed", e.Failed, "skipped", e.Skipped,
			"duration", formatDuration(e.Duration))
	case events.TestEnd:
		switch e.Status {
		case types.StatusFail:
			r.log.Warn("Test failed", "suite", e.Suite, "test", e.Test, "err", e.Err)
		case types.StatusSkip:
			r.log.Debug("Test skipped", "suite", e.Suite, "test", e.Test)
		default:
			r.log.Debug("Test passed", "suite", e.Suite, "test", e.Test, "duration", formatDuration(e.Duration))
		}
	case events.Warning:
		r.log.Warn(e.Message)
	case events.Error:
		r.log.Error("Run error", "err", e.Err)
		metrics.RecordErrorDetails("event", e.Err)
	}
}

// PrintSummary prints the run's results to the console.
func (r *Reporter) PrintSummary(res *Result) {
	r.log.Info("Printing results...")
	t := table.NewWriter()
	t.SetOutputMirror(r.out)
	t.SetTitle(fmt.Sprintf("Test Run Results (%s)", formatDuration(res.Duration)))

	t.AppendHeader(table.Row{
		"Type", "ID", "Duration", "Tests", "Passed", "Failed", "Skipped", "Status", "Error",
	})

	// Set column configurations for better readability
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Type", AutoMerge: true},
		{Name: "ID", WidthMax: 50, WidthMaxEnforcer: text.WrapSoft},
		{Name: "Duration", Align: text.AlignRight},
		{Name: "Tests", Align: text.AlignRight},
		{Name: "Passed", Align: text.AlignRight},
		{Name: "Failed", Align: text.AlignRight},
		{Name: "Skipped", Align: text.AlignRight},
		{Name: "Error", WidthMax: 80, WidthMaxEnforcer: text.WrapSoft},
	})

	for _, s := range res.Suites {
		r.appendSuiteRows(t, s, 0)
		t.AppendSeparator()
	}

	// Update the table style setting based on result status
	switch res.Status() {
	case types.StatusPass:
		t.SetStyle(table.StyleColoredBlackOnGreenWhite)
	case types.StatusSkip:
		t.SetStyle(table.StyleColoredBlackOnYellowWhite)
	default:
		t.SetStyle(table.StyleColoredBlackOnRedWhite)
	}

	// Add summary footer
	t.AppendFooter(table.Row{
		"TOTAL",
		"",
		formatDuration(res.Duration),
		res.NumTests(),
		res.NumPassed(),
		res.NumFailed(),
		res.NumSkipped(),
		getResultString(res.Status()),
		"",
	})

	t.Render()

	if res.Coverage.Statements > 0 {
		r.log.Info("Statement coverage", "percent", fmt.Sprintf("%.1f%%", res.Coverage.StatementPercent()))
	}
}

func (r *Reporter) appendSuiteRows(t table.Writer, s *suite.Suite, depth int) {
	id := s.Name
	if depth > 0 {
		id = strings.Repeat("│   ", depth-1) + "├── " + s.Name
	}

	status := types.StatusPass
	if s.HasErrors() {
		status = types.StatusFail
	} else if n := s.NumTests(); n > 0 && n == s.NumSkippedTests() {
		status = types.StatusSkip
	}

	t.AppendRow(table.Row{
		"Suite",
		id,
		formatDuration(s.Duration),
		"-", // Don't count the suite as a test
		s.NumPassedTests(),
		s.NumFailedTests(),
		s.NumSkippedTests(),
		getResultString(status),
		extractKeyErrorMessage(s.Err),
	})

	children := s.Children()
	for i, n := range children {
		switch c := n.(type) {
		case *suite.Test:
			prefix := strings.Repeat("│   ", depth) + "├──"
			if i == len(children)-1 {
				prefix = strings.Repeat("│   ", depth) + "└──"
			}
			t.AppendRow(table.Row{
				"Test",
				fmt.Sprintf("%s %s", prefix, c.Name),
				formatDuration(c.Duration),
				"1", // Count actual test
				boolToInt(c.Passed()),
				boolToInt(c.Failed()),
				boolToInt(c.Skipped()),
				getResultString(c.Status),
				extractKeyErrorMessage(c.Err),
			})
		case *suite.Suite:
			r.appendSuiteRows(t, c, depth+1)
		}
	}
}

// extractKeyErrorMessage extracts the most pertinent part of the error message for display
func extractKeyErrorMessage(err error) string {
	if err == nil {
		return ""
	}

	errStr := err.Error()

	// Panics carry the most useful signal on their own line
	if idx := strings.Index(errStr, "panic:"); idx != -1 {
		end := len(errStr)
		if newLine := strings.Index(errStr[idx:], "\n"); newLine != -1 {
			end = idx + newLine
		}
		return errStr[idx:end]
	}

	// Limit to the first line or 80 chars
	if idx := strings.Index(errStr, "\n"); idx != -1 {
		errStr = errStr[:idx]
	}
	if len(errStr) > 80 {
		return errStr[:70] + "..."
	}
	return errStr
}

// Helper function to convert bool to int
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// getResultString returns a colored string representing the test result
func getResultString(status types.Status) string {
	switch status {
	case types.StatusPass:
		return "✓ pass"
	case types.StatusSkip:
		return "- skip"
	default:
		return "✗ fail"
	}
}

// Helper function to format duration to seconds with 1 decimal place
func formatDuration(d time.Duration) string {
	return fmt.Sprintf("%.1fs", d.Seconds())
}
