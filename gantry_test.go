package gantry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantrylabs/gantry/coverage"
	"github.com/gantrylabs/gantry/events"
	"github.com/gantrylabs/gantry/logging"
	"github.com/gantrylabs/gantry/remote"
	"github.com/gantrylabs/gantry/server"
	"github.com/gantrylabs/gantry/session"
	"github.com/gantrylabs/gantry/suite"
	"github.com/gantrylabs/gantry/tunnel"
	"github.com/gantrylabs/gantry/types"
)

// fakeServer stands in for the local test server and counts starts and stops.
type fakeServer struct {
	mu       sync.Mutex
	starts   int
	stops    int
	startErr error
}

func (s *fakeServer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return s.startErr
	}
	s.starts++
	return nil
}

func (s *fakeServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
	return nil
}

func (s *fakeServer) URL() string     { return "http://localhost:9876/" }
func (s *fakeServer) SocketPort() int { return 0 }

func (s *fakeServer) Subscribe(sessionID string) (<-chan server.Message, func()) {
	ch := make(chan server.Message)
	close(ch)
	return ch, func() {}
}

func (s *fakeServer) counts() (starts, stops int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts, s.stops
}

// trackingSession is one fake browser session. Quitting it releases its slot
// on the provider so session overlap is observable.
type trackingSession struct {
	id       string
	provider *trackingProvider

	mu      sync.Mutex
	closed  bool
	visited []string
}

func (s *trackingSession) ID() string                       { return s.id }
func (s *trackingSession) Capabilities() types.Capabilities { return nil }

func (s *trackingSession) Get(ctx context.Context, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.visited = append(s.visited, url)
	return nil
}

func (s *trackingSession) Quit(ctx context.Context) error {
	s.mu.Lock()
	alreadyClosed := s.closed
	s.closed = true
	s.mu.Unlock()
	if !alreadyClosed {
		s.provider.release()
	}
	return nil
}

func (s *trackingSession) wasClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// trackingProvider opens trackingSessions and records how many were ever
// live at the same time.
type trackingProvider struct {
	mu        sync.Mutex
	active    int
	maxActive int
	sessions  []*trackingSession
	requests  []types.Environment
}

func (p *trackingProvider) NewSession(ctx context.Context, env types.Environment) (remote.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, env)
	p.active++
	if p.active > p.maxActive {
		p.maxActive = p.active
	}
	s := &trackingSession{id: fmt.Sprintf("session-%d", len(p.sessions)), provider: p}
	p.sessions = append(p.sessions, s)
	return s, nil
}

func (p *trackingProvider) release() {
	p.mu.Lock()
	p.active--
	p.mu.Unlock()
}

func (p *trackingProvider) opened() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

func (p *trackingProvider) closedSessions() int {
	p.mu.Lock()
	sessions := append([]*trackingSession(nil), p.sessions...)
	p.mu.Unlock()
	n := 0
	for _, s := range sessions {
		if s.wasClosed() {
			n++
		}
	}
	return n
}

func (p *trackingProvider) peakActive() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxActive
}

// recordingTunnel is a tunnel that carries no traffic but records every
// lifecycle interaction. The factory below stores the most recently built
// instance so tests can inspect the tunnel the controller created.
type recordingTunnel struct {
	mu       sync.Mutex
	starts   int
	stops    int
	verdicts map[string]bool
	events   chan tunnel.Event
}

var (
	recTunnelMu sync.Mutex
	recTunnel   *recordingTunnel
)

func init() {
	tunnel.Register("recording", func(opts tunnel.Options) (tunnel.Tunnel, error) {
		rt := &recordingTunnel{
			verdicts: map[string]bool{},
			events:   make(chan tunnel.Event),
		}
		recTunnelMu.Lock()
		recTunnel = rt
		recTunnelMu.Unlock()
		return rt, nil
	})
}

func resetRecordingTunnel() {
	recTunnelMu.Lock()
	recTunnel = nil
	recTunnelMu.Unlock()
}

func currentRecordingTunnel() *recordingTunnel {
	recTunnelMu.Lock()
	defer recTunnelMu.Unlock()
	return recTunnel
}

func (rt *recordingTunnel) Start(ctx context.Context) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.starts++
	return nil
}

func (rt *recordingTunnel) Stop(ctx context.Context) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.stops++
	if rt.stops == 1 {
		close(rt.events)
	}
	return nil
}

func (rt *recordingTunnel) Environments(ctx context.Context) ([]types.Environment, error) {
	return nil, nil
}

func (rt *recordingTunnel) SendJobState(ctx context.Context, sessionID string, passed bool) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.verdicts[sessionID] = passed
	return nil
}

func (rt *recordingTunnel) ClientURL() string { return "" }

func (rt *recordingTunnel) ExtraCapabilities() types.Capabilities {
	return types.Capabilities{"tunnel-identifier": "rec-1"}
}

func (rt *recordingTunnel) Events() <-chan tunnel.Event { return rt.events }

func (rt *recordingTunnel) counts() (starts, stops int) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.starts, rt.stops
}

func (rt *recordingTunnel) verdictCount() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.verdicts)
}

func (rt *recordingTunnel) verdict(t *testing.T, sessionID string) bool {
	t.Helper()
	rt.mu.Lock()
	defer rt.mu.Unlock()
	passed, ok := rt.verdicts[sessionID]
	require.True(t, ok, "no verdict recorded for %s", sessionID)
	return passed
}

// eventLog captures the run's event stream for ordering assertions.
type eventLog struct {
	mu   sync.Mutex
	list []events.Event
}

func (l *eventLog) record(ev events.Event) {
	l.mu.Lock()
	l.list = append(l.list, ev)
	l.mu.Unlock()
}

func (l *eventLog) names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.list))
	for i, ev := range l.list {
		out[i] = ev.EventName()
	}
	return out
}

func (l *eventLog) indexOf(name string) int {
	for i, n := range l.names() {
		if n == name {
			return i
		}
	}
	return -1
}

func (l *eventLog) count(name string) int {
	n := 0
	for _, got := range l.names() {
		if got == name {
			n++
		}
	}
	return n
}

func (l *eventLog) find(pred func(events.Event) bool) events.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ev := range l.list {
		if pred(ev) {
			return ev
		}
	}
	return nil
}

func baseConfig(t *testing.T) *Config {
	t.Helper()
	return &Config{
		BasePath: t.TempDir(),
		LogDir:   t.TempDir(),
		Log:      log.New(),
	}
}

func TestNewValidatesWiring(t *testing.T) {
	t.Run("nil config", func(t *testing.T) {
		_, err := New(nil, "test", Options{})
		require.Error(t, err)
	})

	t.Run("environments without a provider", func(t *testing.T) {
		cfg := baseConfig(t)
		cfg.Environments = []types.EnvironmentSpec{{BrowserName: "chrome"}}
		_, err := New(cfg, "test", Options{
			FunctionalSuites: []session.SuiteBuilder{func(types.Environment) *suite.Suite { return suite.New("smoke") }},
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "session provider")
	})

	t.Run("environments but nothing to run", func(t *testing.T) {
		cfg := baseConfig(t)
		cfg.Environments = []types.EnvironmentSpec{{BrowserName: "chrome"}}
		_, err := New(cfg, "test", Options{})
		require.NoError(t, err)
	})

	t.Run("local only needs no provider", func(t *testing.T) {
		cfg := baseConfig(t)
		_, err := New(cfg, "test", Options{LocalSuites: []*suite.Suite{suite.New("unit")}})
		require.NoError(t, err)
	})
}

// TestRunLocalSuitesOnly tests a run with in-process suites only: no server,
// no tunnel, and a test-failure verdict when a suite has a failing test.
func TestRunLocalSuitesOnly(t *testing.T) {
	alpha := suite.New("alpha")
	alpha.AddTest("passes", func(ctx context.Context, tt *suite.Test) error { return nil })
	beta := suite.New("beta")
	beta.AddTest("fails", func(ctx context.Context, tt *suite.Test) error { return errors.New("boom") })

	srv := &fakeServer{}
	g, err := New(baseConfig(t), "test", Options{
		Server:      srv,
		LocalSuites: []*suite.Suite{alpha, beta},
	})
	require.NoError(t, err)

	res, err := g.Run(context.Background())
	require.Error(t, err)
	assert.True(t, IsTestFailureError(err))
	assert.Contains(t, err.Error(), "1 of 2 tests failed")

	require.NotNil(t, res)
	assert.Equal(t, 2, res.NumTests())
	assert.Equal(t, 1, res.NumPassed())
	assert.Equal(t, 1, res.NumFailed())
	assert.True(t, res.Failed())
	assert.False(t, res.Canceled)

	assert.Equal(t, []State{
		StateConfiguring,
		StateLoadingSuites,
		StateRunningLocal,
		StateAggregating,
		StateTearingDown,
		StateDone,
	}, g.States())

	// The injected server was never needed, so it was never touched.
	starts, stops := srv.counts()
	assert.Zero(t, starts)
	assert.Zero(t, stops)
}

// TestRunRemoteLifecycle walks a full remote run: two environments through a
// concurrency-1 queue, one session per environment, verdicts for both, and
// exactly one server and tunnel stop.
func TestRunRemoteLifecycle(t *testing.T) {
	resetRecordingTunnel()

	cfg := baseConfig(t)
	cfg.Environments = []types.EnvironmentSpec{
		{BrowserName: "chrome", Versions: types.StringList{"126"}},
		{BrowserName: "firefox", Versions: types.StringList{"128"}},
	}
	cfg.Capabilities = types.Capabilities{"acceptInsecureCerts": true}
	cfg.TunnelName = "recording"
	cfg.MaxConcurrency = 1
	cfg.DefaultTimeout = time.Minute

	provider := &trackingProvider{}
	srv := &fakeServer{}
	g, err := New(cfg, "test", Options{
		Provider: provider,
		Server:   srv,
		FunctionalSuites: []session.SuiteBuilder{
			func(env types.Environment) *suite.Suite {
				s := suite.New("smoke")
				s.AddTest("loads front page", func(ctx context.Context, tt *suite.Test) error {
					time.Sleep(10 * time.Millisecond)
					r := tt.RemoteHandle()
					if r == nil {
						return errors.New("no session handle")
					}
					return r.Get(ctx, "http://example.test/")
				})
				return s
			},
		},
	})
	require.NoError(t, err)

	evs := &eventLog{}
	unsub := g.Bus().Subscribe(evs.record)
	defer unsub()

	res, err := g.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, 2, res.NumTests())
	assert.Equal(t, 2, res.NumPassed())
	assert.False(t, res.Failed())

	assert.Equal(t, []State{
		StateConfiguring,
		StateServerStarting,
		StateServerStarted,
		StateTunnelStarting,
		StateTunnelStarted,
		StateSessionSuitesBuilding,
		StateLoadingSuites,
		StateRunningLocal,
		StateRunningRemote,
		StateAggregating,
		StateTearingDown,
		StateDone,
	}, g.States())

	// Sessions: one per environment, never overlapping, all closed.
	assert.Equal(t, 2, provider.opened())
	assert.Equal(t, 2, provider.closedSessions())
	assert.Equal(t, 1, provider.peakActive(), "maxConcurrency 1 must serialize sessions")
	for _, s := range provider.sessions {
		assert.Contains(t, s.visited, "http://example.test/")
	}

	// Each session's capabilities stack tunnel extras under configured
	// capabilities under the run metadata.
	require.Len(t, provider.requests, 2)
	for _, req := range provider.requests {
		assert.Equal(t, "rec-1", req.Capabilities["tunnel-identifier"])
		assert.Equal(t, true, req.Capabilities["acceptInsecureCerts"])
		assert.Equal(t, "gantry", req.Capabilities["name"])
		assert.Equal(t, res.RunID, req.Capabilities["build"])
	}

	rt := currentRecordingTunnel()
	require.NotNil(t, rt)
	tunStarts, tunStops := rt.counts()
	assert.Equal(t, 1, tunStarts)
	assert.Equal(t, 1, tunStops)
	assert.True(t, rt.verdict(t, "session-0"))
	assert.True(t, rt.verdict(t, "session-1"))

	srvStarts, srvStops := srv.counts()
	assert.Equal(t, 1, srvStarts)
	assert.Equal(t, 1, srvStops)

	// Event stream ordering: resources come up before suites run and are
	// released exactly once before the run closes.
	assert.Less(t, evs.indexOf("runStart"), evs.indexOf("serverStart"))
	assert.Less(t, evs.indexOf("serverStart"), evs.indexOf("tunnelStart"))
	assert.Less(t, evs.indexOf("tunnelStart"), evs.indexOf("suiteStart"))
	assert.Equal(t, 1, evs.count("serverEnd"))
	assert.Equal(t, 1, evs.count("tunnelStop"))
	assert.Equal(t, 1, evs.count("runEnd"))
	names := evs.names()
	assert.Equal(t, "runEnd", names[len(names)-1])
}

// TestRunServeOnly tests that serve-only mode holds the server open until
// the context is interrupted and then returns without error.
func TestRunServeOnly(t *testing.T) {
	cfg := baseConfig(t)
	cfg.ServeOnly = true

	srv := &fakeServer{}
	g, err := New(cfg, "test", Options{Server: srv})
	require.NoError(t, err)

	serverUp := make(chan struct{})
	var once sync.Once
	unsub := g.Bus().Subscribe(func(ev events.Event) {
		if _, ok := ev.(events.ServerStart); ok {
			once.Do(func() { close(serverUp) })
		}
	})
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := g.Run(ctx)
		done <- outcome{res: res, err: err}
	}()

	select {
	case <-serverUp:
	case <-time.After(5 * time.Second):
		t.Fatal("server never started")
	}
	cancel()

	var out outcome
	select {
	case out = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after interrupt")
	}

	require.NoError(t, out.err, "an interrupted serve-only run is not a failure")
	require.NotNil(t, out.res)
	assert.False(t, out.res.Canceled)

	_, stops := srv.counts()
	assert.Equal(t, 1, stops)
	assert.Equal(t, []State{
		StateConfiguring,
		StateServerStarting,
		StateServerStarted,
		StateTearingDown,
		StateDone,
	}, g.States())
}

// TestRunServerStartFailure tests that a server that cannot start fails the
// run as a runtime error, with teardown still sweeping up.
func TestRunServerStartFailure(t *testing.T) {
	resetRecordingTunnel()

	cfg := baseConfig(t)
	cfg.Environments = []types.EnvironmentSpec{{BrowserName: "chrome"}}
	cfg.TunnelName = "recording"

	provider := &trackingProvider{}
	srv := &fakeServer{startErr: errors.New("port busy")}
	g, err := New(cfg, "test", Options{
		Provider: provider,
		Server:   srv,
		FunctionalSuites: []session.SuiteBuilder{
			func(env types.Environment) *suite.Suite { return suite.New("smoke") },
		},
	})
	require.NoError(t, err)

	res, err := g.Run(context.Background())
	require.Error(t, err)
	assert.True(t, IsRuntimeError(err))
	assert.Contains(t, err.Error(), "starting test server")
	require.NotNil(t, res)

	assert.Equal(t, []State{
		StateConfiguring,
		StateServerStarting,
		StateFailed,
		StateTearingDown,
		StateDone,
	}, g.States())

	// Teardown still stops the half-started server; on a real server Stop
	// before a successful Start is a no-op, here it releases partial binds.
	_, stops := srv.counts()
	assert.Equal(t, 1, stops)

	assert.Nil(t, currentRecordingTunnel(), "tunnel must not be built after the server failed")
	assert.Zero(t, provider.opened())
}

// TestRunCancellationDrainsPending tests context cancellation mid-run: the
// in-flight session settles, pending session suites never start, and the run
// reports the cancellation cause.
func TestRunCancellationDrainsPending(t *testing.T) {
	resetRecordingTunnel()

	cfg := baseConfig(t)
	cfg.Environments = []types.EnvironmentSpec{
		{BrowserName: "chrome", Versions: types.StringList{"1", "2", "3"}},
	}
	cfg.TunnelName = "recording"
	cfg.MaxConcurrency = 1

	ctx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	provider := &trackingProvider{}
	srv := &fakeServer{}
	g, err := New(cfg, "test", Options{
		Provider: provider,
		Server:   srv,
		FunctionalSuites: []session.SuiteBuilder{
			func(env types.Environment) *suite.Suite {
				s := suite.New("smoke")
				s.AddTest("cancels the run", func(jobCtx context.Context, tt *suite.Test) error {
					cancelRun()
					// Block until the queue drain cancels this job.
					<-jobCtx.Done()
					return jobCtx.Err()
				})
				return s
			},
		},
	})
	require.NoError(t, err)

	res, err := g.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	assert.True(t, res.Canceled)

	assert.Equal(t, []State{
		StateConfiguring,
		StateServerStarting,
		StateServerStarted,
		StateTunnelStarting,
		StateTunnelStarted,
		StateSessionSuitesBuilding,
		StateLoadingSuites,
		StateRunningLocal,
		StateRunningRemote,
		StateAggregating,
		StateCanceled,
		StateTearingDown,
		StateDone,
	}, g.States())

	assert.Equal(t, 1, provider.opened(), "pending suites must not open sessions after cancellation")

	// The first suite's teardown races Run's return; it still must close its
	// session and report a verdict.
	assert.Eventually(t, func() bool {
		return provider.closedSessions() == 1
	}, 5*time.Second, 10*time.Millisecond, "in-flight session was never closed")

	rt := currentRecordingTunnel()
	require.NotNil(t, rt)
	assert.Eventually(t, func() bool {
		return rt.verdictCount() == 1
	}, 5*time.Second, 10*time.Millisecond, "in-flight session's verdict was never reported")

	_, srvStops := srv.counts()
	assert.Equal(t, 1, srvStops)
	_, tunStops := rt.counts()
	assert.Equal(t, 1, tunStops)
}

// TestRunAppliesConfigDefaultsToLocalSuites tests that grep, bail, and the
// default timeout flow from the config into local suites that set none.
func TestRunAppliesConfigDefaultsToLocalSuites(t *testing.T) {
	cfg := baseConfig(t)
	cfg.Grep = mustRegexp(t, "keep")

	s := suite.New("unit")
	s.AddTest("keep me", func(ctx context.Context, tt *suite.Test) error { return nil })
	s.AddTest("drop me", func(ctx context.Context, tt *suite.Test) error { return errors.New("never runs") })

	g, err := New(cfg, "test", Options{LocalSuites: []*suite.Suite{s}})
	require.NoError(t, err)

	res, err := g.Run(context.Background())
	require.NoError(t, err, "the filtered-out failure must not run")
	assert.Equal(t, 1, res.NumPassed())
	assert.Equal(t, 1, res.NumSkipped())
	assert.Zero(t, res.NumFailed())
}

// TestRunMergesCoverageEvents tests that coverage payloads published on the
// bus end up merged into the run result and written to the run's log
// directory, and that malformed payloads only warn.
func TestRunMergesCoverageEvents(t *testing.T) {
	cfg := baseConfig(t)

	var g *Gantry
	s := suite.New("unit")
	s.AddTest("reports coverage", func(ctx context.Context, tt *suite.Test) error {
		g.Bus().Emit(events.Coverage{
			SessionID: "local",
			Data:      json.RawMessage(`{"/src/app.js":{"s":{"0":3,"1":0}}}`),
		})
		g.Bus().Emit(events.Coverage{SessionID: "local", Data: json.RawMessage(`{broken`)})
		return nil
	})

	g, err := New(cfg, "test", Options{LocalSuites: []*suite.Suite{s}})
	require.NoError(t, err)

	evs := &eventLog{}
	unsub := g.Bus().Subscribe(evs.record)
	defer unsub()

	res, err := g.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Coverage.Files)
	assert.Equal(t, 2, res.Coverage.Statements)
	assert.Equal(t, 1, res.Coverage.CoveredStatements)

	warning := evs.find(func(ev events.Event) bool {
		w, ok := ev.(events.Warning)
		return ok && strings.Contains(w.Message, "malformed coverage payload")
	})
	require.NotNil(t, warning, "the broken payload must surface as a warning")

	reportPath := filepath.Join(cfg.LogDir, logging.RunDirectoryPrefix+res.RunID, "coverage.json")
	data, err := os.ReadFile(reportPath)
	require.NoError(t, err)
	report, err := coverage.ParseReport(data)
	require.NoError(t, err)
	assert.Contains(t, report, "/src/app.js")
}

// countingInstrumenter records the paths it instrumented and emits an
// all-zero baseline for each.
type countingInstrumenter struct {
	mu    sync.Mutex
	paths []string
}

func (i *countingInstrumenter) Instrument(code []byte, path string, sourceMap []byte) (*coverage.Instrumented, error) {
	i.mu.Lock()
	i.paths = append(i.paths, path)
	i.mu.Unlock()
	rec := coverage.NewRecord()
	rec.Statements["0"] = 0
	return &coverage.Instrumented{Code: code, Baseline: rec}, nil
}

func (i *countingInstrumenter) seen() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]string(nil), i.paths...)
}

// TestRunRegistersUncoveredFiles tests the aggregation step: eligible files
// nothing ever loaded still appear in the final report at zero coverage.
func TestRunRegistersUncoveredFiles(t *testing.T) {
	cfg := baseConfig(t)
	writeFile(t, filepath.Join(cfg.BasePath, "src", "a.js"), "export const a = 1;\n")
	writeFile(t, filepath.Join(cfg.BasePath, "src", "b.js"), "export const b = 2;\n")

	fileSet, err := coverage.ResolveFileSet(cfg.BasePath, []string{"**/*.js"})
	require.NoError(t, err)
	require.Equal(t, 2, fileSet.Len())
	cfg.CoverageFiles = fileSet

	inst := &countingInstrumenter{}
	g, err := New(cfg, "test", Options{Instrumenter: inst})
	require.NoError(t, err)

	res, err := g.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, res.Coverage.Files)
	assert.Equal(t, 2, res.Coverage.Statements)
	assert.Zero(t, res.Coverage.CoveredStatements)
	assert.ElementsMatch(t, fileSet.Files(), inst.seen())

	reportPath := filepath.Join(cfg.LogDir, logging.RunDirectoryPrefix+res.RunID, "coverage.json")
	_, err = os.Stat(reportPath)
	require.NoError(t, err)
}

// TestRunWarnsWithoutInstrumenter tests that coverage patterns without an
// instrumenter degrade to a warning instead of failing the run.
func TestRunWarnsWithoutInstrumenter(t *testing.T) {
	cfg := baseConfig(t)
	cfg.CoverageFiles = coverage.NewFileSet([]string{filepath.Join(cfg.BasePath, "app.js")})

	g, err := New(cfg, "test", Options{})
	require.NoError(t, err)

	evs := &eventLog{}
	unsub := g.Bus().Subscribe(evs.record)
	defer unsub()

	res, err := g.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Coverage.Files)

	warning := evs.find(func(ev events.Event) bool {
		w, ok := ev.(events.Warning)
		return ok && strings.Contains(w.Message, "no instrumenter")
	})
	require.NotNil(t, warning)
}

func mustRegexp(t *testing.T, pattern string) *regexp.Regexp {
	t.Helper()
	re, err := regexp.Compile(pattern)
	require.NoError(t, err)
	return re
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}
