// Package logging writes the run's event stream to disk: one directory per
// run holding the full event log, a failures-only log, and captured output
// from each remote session.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/acarl005/stripansi"
	"github.com/ethereum/go-ethereum/log"

	"github.com/gantrylabs/gantry/events"
	"github.com/gantrylabs/gantry/types"
)

const (
	RunDirectoryPrefix = "testrun-" // prefix for per-run log directories

	runLogFile      = "run.log"
	failuresLogFile = "failures.log"
	sessionsDirName = "sessions"
)

// RunLogger consumes run events and writes them to files. Every event lands
// in run.log, failures additionally in failures.log, and each session's
// captured browser output in its own file under sessions/.
type RunLogger struct {
	baseDir string
	logDir  string
	runID   string
	log     log.Logger

	mu      sync.Mutex
	writers map[string]*AsyncFile
	closed  bool
}

// NewRunLogger creates the run directory under baseDir and a logger bound
// to it.
func NewRunLogger(baseDir string, runID string, logger log.Logger) (*RunLogger, error) {
	if runID == "" {
		return nil, fmt.Errorf("runID cannot be empty")
	}
	if baseDir == "" {
		return nil, fmt.Errorf("baseDir cannot be empty")
	}
	if logger == nil {
		logger = log.Root()
	}

	logDir := filepath.Join(baseDir, RunDirectoryPrefix+runID)
	dirs := []string{
		baseDir,
		logDir,
		filepath.Join(logDir, sessionsDirName),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return &RunLogger{
		baseDir: baseDir,
		logDir:  logDir,
		runID:   runID,
		log:     logger,
		writers: make(map[string]*AsyncFile),
	}, nil
}

// Dir returns the run's log directory.
func (l *RunLogger) Dir() string { return l.logDir }

// Attach subscribes the logger to bus. The returned function detaches it;
// call it before Close so no events race the shutdown.
func (l *RunLogger) Attach(bus *events.Bus) func() {
	return bus.Subscribe(l.handle)
}

func (l *RunLogger) handle(ev events.Event) {
	switch e := ev.(type) {
	case events.RunStart:
		l.line(runLogFile, "runStart id=%s", e.ID)
	case events.RunEnd:
		l.line(runLogFile, "runEnd id=%s duration=%s", e.ID, formatDuration(e.Duration))
	case events.ServerStart:
		l.line(runLogFile, "serverStart url=%s", e.URL)
	case events.ServerEnd:
		l.line(runLogFile, "serverEnd url=%s", e.URL)
	case events.TunnelStart:
		l.line(runLogFile, "tunnelStart tunnel=%s", e.Tunnel)
	case events.TunnelStop:
		l.line(runLogFile, "tunnelStop tunnel=%s", e.Tunnel)
	case events.TunnelStatus:
		l.line(runLogFile, "tunnelStatus tunnel=%s status=%q", e.Tunnel, e.Status)
	case events.TunnelDownloadProgress:
		l.line(runLogFile, "tunnelDownloadProgress received=%d total=%d", e.Received, e.Total)
	case events.SuiteStart:
		l.line(runLogFile, "suiteStart suite=%q session=%s", e.Suite, e.SessionID)
	case events.SuiteEnd:
		l.line(runLogFile, "suiteEnd suite=%q session=%s passed=%d failed=%d skipped=%d err=%v duration=%s",
			e.Suite, e.SessionID, e.Passed, e.Failed, e.Skipped, e.Err, formatDuration(e.Duration))
		if e.Failed > 0 || e.Err != nil {
			l.line(failuresLogFile, "suiteEnd suite=%q session=%s failed=%d err=%v",
				e.Suite, e.SessionID, e.Failed, e.Err)
		}
	case events.TestEnd:
		l.line(runLogFile, "testEnd suite=%q test=%q status=%s duration=%s",
			e.Suite, e.Test, e.Status, formatDuration(e.Duration))
		if e.Status == types.StatusFail {
			l.line(failuresLogFile, "testEnd suite=%q test=%q err=%v", e.Suite, e.Test, e.Err)
		}
	case events.Coverage:
		l.line(runLogFile, "coverage session=%s bytes=%d", e.SessionID, len(e.Data))
	case events.Warning:
		l.line(runLogFile, "warning %s", e.Message)
	case events.Error:
		l.line(runLogFile, "error %v", e.Err)
		l.line(failuresLogFile, "error %v", e.Err)
	case events.SessionLog:
		msg := stripansi.Strip(e.Message)
		l.line(runLogFile, "sessionLog session=%s %s", e.SessionID, msg)
		l.sessionLine(e.SessionID, msg)
	}
}

// WriteFile places a standalone artifact, such as the final coverage report,
// in the run directory.
func (l *RunLogger) WriteFile(name string, data []byte) error {
	return os.WriteFile(filepath.Join(l.logDir, safeFilename(name)), data, 0644)
}

// Close flushes and closes every open log file.
func (l *RunLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true

	var firstErr error
	for _, w := range l.writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	l.writers = make(map[string]*AsyncFile)
	return firstErr
}

func (l *RunLogger) line(name string, format string, args ...any) {
	w, err := l.writer(filepath.Join(l.logDir, name))
	if err != nil {
		l.log.Error("Opening log file failed", "file", name, "err", err)
		return
	}
	ts := time.Now().Format("15:04:05.000")
	if err := w.Write([]byte(ts + " " + fmt.Sprintf(format, args...) + "\n")); err != nil {
		l.log.Error("Writing log line failed", "file", name, "err", err)
	}
}

func (l *RunLogger) sessionLine(sessionID string, msg string) {
	if sessionID == "" {
		sessionID = "local"
	}
	name := filepath.Join(sessionsDirName, safeFilename(sessionID)+".log")
	l.line(name, "%s", msg)
}

// writer gets or creates the AsyncFile for the given path.
func (l *RunLogger) writer(path string) (*AsyncFile, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, fmt.Errorf("run logger is closed")
	}
	if w, exists := l.writers[path]; exists {
		return w, nil
	}

	w, err := NewAsyncFile(path)
	if err != nil {
		return nil, err
	}
	l.writers[path] = w
	return w, nil
}

// safeFilename replaces characters that do not belong in file names.
func safeFilename(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', ' ':
			return '_'
		default:
			return r
		}
	}, s)
}

// formatDuration formats a duration for display
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return d.Truncate(time.Millisecond).String()
}
