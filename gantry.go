package gantry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/gantrylabs/gantry/coverage"
	"github.com/gantrylabs/gantry/events"
	"github.com/gantrylabs/gantry/logging"
	"github.com/gantrylabs/gantry/metrics"
	"github.com/gantrylabs/gantry/queue"
	"github.com/gantrylabs/gantry/remote"
	"github.com/gantrylabs/gantry/server"
	"github.com/gantrylabs/gantry/session"
	"github.com/gantrylabs/gantry/suite"
	"github.com/gantrylabs/gantry/tunnel"
	"github.com/gantrylabs/gantry/types"
)

// State identifies where in its lifecycle a run currently is.
type State string

const (
	StateConfiguring           State = "configuring"
	StateServerStarting        State = "server-starting"
	StateServerStarted         State = "server-started"
	StateTunnelStarting        State = "tunnel-starting"
	StateTunnelStarted         State = "tunnel-started"
	StateSessionSuitesBuilding State = "session-suites-building"
	StateLoadingSuites         State = "loading-suites"
	StateRunningLocal          State = "running-local"
	StateRunningRemote         State = "running-remote"
	StateAggregating           State = "aggregating"
	StateTearingDown           State = "tearing-down"
	StateDone                  State = "done"
	StateFailed                State = "failed"
	StateCanceled              State = "canceled"
)

// TestServer is the handle the controller holds on the local test server. It
// is the only component allowed to start or stop it.
type TestServer interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	URL() string
	SocketPort() int
	Subscribe(sessionID string) (<-chan server.Message, func())
}

// Options supplies a run's collaborators and suites.
type Options struct {
	// Provider opens remote browser sessions. Required whenever declared
	// environments engage the remote machinery.
	Provider remote.Provider
	// Instrumenter rewrites sources for coverage collection. Without one,
	// coverage patterns only produce a warning.
	Instrumenter coverage.Instrumenter
	// Resolver matches declared environments against tunnel offers. Nil
	// selects the default resolver.
	Resolver session.Resolver
	// Server replaces the built-in test server.
	Server TestServer
	// LocalSuites run in-process, before any remote work starts.
	LocalSuites []*suite.Suite
	// FunctionalSuites are built once per remote session.
	FunctionalSuites []session.SuiteBuilder
}

// Gantry coordinates exactly one test run: resource acquisition, suite
// execution, coverage aggregation, and deterministic teardown.
type Gantry struct {
	cfg     *Config
	version string
	log     log.Logger
	bus     *events.Bus
	tracer  trace.Tracer

	provider     remote.Provider
	resolver     session.Resolver
	localSuites  []*suite.Suite
	functional   []session.SuiteBuilder
	serverGiven  TestServer
	instrumenter coverage.Instrumenter

	covMap  *coverage.Map
	srcMaps *coverage.SourceMapStore
	gate    *coverage.Gate
	hooks   *coverage.Hooks

	runID    string
	srv      TestServer
	tun      tunnel.Tunnel
	runLog   *logging.RunLogger
	reporter *Reporter

	mu      sync.Mutex
	state   State
	history []State
}

// New creates a controller for one run. Constructing it binds the
// process-wide uncaught-failure interception to this run's event bus; there
// is nothing to unbind at teardown, the next run simply rebinds.
func New(cfg *Config, version string, opts Options) (*Gantry, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	logger := cfg.Log
	if logger == nil {
		logger = log.Root()
	}

	engageRemote := len(cfg.Environments) > 0 &&
		(len(opts.FunctionalSuites) > 0 || len(cfg.Suites) > 0 || len(opts.LocalSuites) > 0)
	if engageRemote && opts.Provider == nil {
		return nil, errors.New("environments are declared but no session provider is wired")
	}

	resolver := opts.Resolver
	if resolver == nil {
		resolver = session.DefaultResolver{}
	}

	bus := events.NewBus(logger)
	events.SetUncaughtSink(bus)

	g := &Gantry{
		cfg:          cfg,
		version:      version,
		log:          logger,
		bus:          bus,
		tracer:       otel.Tracer("run controller"),
		provider:     opts.Provider,
		resolver:     resolver,
		localSuites:  opts.LocalSuites,
		functional:   opts.FunctionalSuites,
		serverGiven:  opts.Server,
		instrumenter: opts.Instrumenter,
		covMap:       coverage.NewMap(),
		srcMaps:      coverage.NewSourceMapStore(),
		state:        StateConfiguring,
		history:      []State{StateConfiguring},
	}
	if cfg.CoverageFiles != nil && cfg.CoverageFiles.Len() > 0 && opts.Instrumenter != nil {
		g.gate = coverage.NewGate(cfg.CoverageFiles, opts.Instrumenter, g.covMap, g.srcMaps, bus, logger)
	}
	return g, nil
}

// Bus returns the run's event stream.
func (g *Gantry) Bus() *events.Bus {
	return g.bus
}

// State returns the current lifecycle state.
func (g *Gantry) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// States returns every state the run has entered, in order.
func (g *Gantry) States() []State {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]State, len(g.history))
	copy(out, g.history)
	return out
}

func (g *Gantry) setState(s State) {
	g.mu.Lock()
	g.state = s
	g.history = append(g.history, s)
	g.mu.Unlock()
	g.log.Debug("Run state changed", "state", s)
}

// Run executes the run and blocks until it finishes, fails, or ctx is
// canceled. Teardown always completes before Run returns, whatever the
// outcome. The returned error is a RuntimeError for configuration and
// resource failures, a TestFailureError when tests or suites failed, and
// ctx's error when the run was canceled.
func (g *Gantry) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	g.runID = uuid.New().String()
	g.log.Info("Starting run", "runID", g.runID, "version", g.version)

	ctx, span := g.tracer.Start(ctx, fmt.Sprintf("testrun %s", g.runID))
	defer span.End()

	g.reporter = NewReporter(g.log, g.runID)
	unsubReporter := g.bus.Subscribe(g.reporter.handle)
	defer unsubReporter()

	runLog, err := logging.NewRunLogger(g.cfg.LogDir, g.runID, g.log)
	if err != nil {
		return nil, NewRuntimeError(fmt.Errorf("creating run log directory: %w", err))
	}
	g.runLog = runLog
	detachLog := runLog.Attach(g.bus)
	defer func() {
		detachLog()
		if cerr := runLog.Close(); cerr != nil {
			g.log.Warn("Failed to close run logs", "err", cerr)
		}
	}()

	// Every coverage payload, local or remote, merges into the single
	// run-wide sink.
	unsubCov := g.bus.Subscribe(func(ev events.Event) {
		c, ok := ev.(events.Coverage)
		if !ok {
			return
		}
		if merr := g.covMap.MergeJSON(c.Data); merr != nil {
			g.bus.Emit(events.Warning{
				Message: fmt.Sprintf("discarding malformed coverage payload from session %q: %v", c.SessionID, merr),
			})
		}
	})
	defer unsubCov()

	g.bus.Emit(events.RunStart{ID: g.runID})

	if g.cfg.CoverageFiles != nil && g.cfg.CoverageFiles.Len() > 0 && g.gate == nil {
		g.bus.Emit(events.Warning{
			Message: "coverage patterns are configured but no instrumenter is wired; sources will be served unmodified",
		})
	}
	if g.gate != nil {
		g.hooks = coverage.InstallHooks(g.gate)
	}

	if g.cfg.ServeOnly {
		return g.serveOnly(ctx, start)
	}
	return g.runSuites(ctx, start)
}

// serveOnly starts the test server and holds the run open until ctx is
// interrupted. No tunnel and no session suites exist in this mode.
func (g *Gantry) serveOnly(ctx context.Context, start time.Time) (*Result, error) {
	if err := g.startServer(ctx); err != nil {
		return g.fail(ctx, start, nil, err)
	}
	g.log.Info("Serving tests until interrupted", "url", g.srv.URL())

	<-ctx.Done()

	g.teardown(ctx)
	g.setState(StateDone)
	return g.finish(start, nil, false), nil
}

func (g *Gantry) runSuites(ctx context.Context, start time.Time) (*Result, error) {
	engageRemote := len(g.cfg.Environments) > 0 &&
		(len(g.functional) > 0 || len(g.cfg.Suites) > 0 || len(g.localSuites) > 0)

	var sessionSuites []*suite.Suite
	if engageRemote {
		if err := g.startServer(ctx); err != nil {
			return g.fail(ctx, start, nil, err)
		}
		if ctx.Err() != nil {
			return g.cancel(ctx, start, nil)
		}

		suites, err := g.startTunnel(ctx)
		if err != nil {
			return g.fail(ctx, start, nil, err)
		}
		sessionSuites = suites
		if ctx.Err() != nil {
			return g.cancel(ctx, start, sessionSuites)
		}
	}

	g.setState(StateLoadingSuites)
	g.applySuiteDefaults(g.localSuites)
	all := make([]*suite.Suite, 0, len(g.localSuites)+len(sessionSuites))
	all = append(all, g.localSuites...)
	all = append(all, sessionSuites...)

	rec := &busRecorder{bus: g.bus, runID: g.runID}

	g.setState(StateRunningLocal)
	canceled := false
	for _, s := range g.localSuites {
		if ctx.Err() != nil {
			canceled = true
			break
		}
		if err := s.Run(ctx, rec); err != nil {
			g.log.Error("Suite failed", "suite", s.Name, "err", err)
		}
	}

	if engageRemote && !canceled {
		canceled = g.runRemote(ctx, sessionSuites, rec)
	}

	g.aggregate(ctx)

	if canceled || ctx.Err() != nil {
		return g.cancel(ctx, start, all)
	}

	g.teardown(ctx)
	g.setState(StateDone)
	res := g.finish(start, all, false)

	if res.Failed() {
		msg := fmt.Sprintf("%d of %d tests failed", res.NumFailed(), res.NumTests())
		if res.NumFailed() == 0 {
			msg = "one or more suites failed"
		}
		return res, NewTestFailureError(msg)
	}
	return res, nil
}

func (g *Gantry) startServer(ctx context.Context) error {
	g.setState(StateServerStarting)

	if g.srv == nil {
		if g.serverGiven != nil {
			g.srv = g.serverGiven
		} else {
			srv, err := server.New(server.Config{
				Port:                  g.cfg.Port,
				SocketPort:            g.cfg.SocketPort,
				BasePath:              g.cfg.BasePath,
				MaxConcurrentRequests: g.cfg.MaxConcurrentRequests,
				Log:                   g.log,
			}, g.hooks)
			if err != nil {
				return fmt.Errorf("building test server: %w", err)
			}
			g.srv = srv
		}
	}

	if err := g.srv.Start(ctx); err != nil {
		return fmt.Errorf("starting test server: %w", err)
	}
	g.setState(StateServerStarted)
	g.bus.Emit(events.ServerStart{URL: g.srv.URL()})
	return nil
}

// startTunnel builds the tunnel, resolves environments, assembles the
// session suites, and only then starts the tunnel, so session construction
// can already rely on its resolved endpoint.
func (g *Gantry) startTunnel(ctx context.Context) ([]*suite.Suite, error) {
	g.setState(StateTunnelStarting)

	tun, err := tunnel.New(g.cfg.TunnelName, tunnel.Options{
		Logger:    g.log,
		ClientURL: g.srv.URL(),
		Raw:       g.cfg.TunnelOptions,
	})
	if err != nil {
		return nil, fmt.Errorf("building tunnel %q: %w", g.cfg.TunnelName, err)
	}
	g.tun = tun

	// Relay tunnel progress onto the run's event stream. The channel closes
	// when the tunnel stops.
	go func() {
		for ev := range tun.Events() {
			switch te := ev.(type) {
			case tunnel.StatusEvent:
				g.bus.Emit(events.TunnelStatus{Tunnel: g.cfg.TunnelName, Status: te.Status})
			case tunnel.DownloadProgressEvent:
				g.bus.Emit(events.TunnelDownloadProgress{Tunnel: g.cfg.TunnelName, Received: te.Received, Total: te.Total})
			}
		}
	}()

	offered, err := tun.Environments(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing tunnel environments: %w", err)
	}
	resolved, err := g.resolver.Resolve(g.cfg.Environments, offered)
	if err != nil {
		return nil, fmt.Errorf("resolving environments: %w", err)
	}
	if len(resolved) == 0 {
		return nil, errors.New("no declared environment matched the tunnel's catalog")
	}
	// Environment-specific capabilities sit on top of the configured defaults.
	for i := range resolved {
		resolved[i].Capabilities = g.cfg.Capabilities.Merge(resolved[i].Capabilities)
	}
	g.setState(StateTunnelStarted)

	g.setState(StateSessionSuitesBuilding)
	fac := &session.Factory{
		Provider:           g.provider,
		Tunnel:             tun,
		Bus:                g.bus,
		Log:                g.log,
		RunID:              g.runID,
		LeaveOpen:          g.cfg.LeaveRemoteOpen,
		RunMetadata:        types.Capabilities{"name": "gantry", "build": g.runID},
		BaseTimeout:        g.cfg.DefaultTimeout,
		Grep:               g.cfg.Grep,
		Bail:               g.cfg.Bail,
		Suites:             g.functional,
		FunctionalCoverage: g.cfg.FunctionalCoverage,
	}
	if len(g.cfg.Suites) > 0 {
		clientURL := tun.ClientURL()
		if clientURL == "" {
			clientURL = g.srv.URL()
		}
		fac.Client = &session.ClientConfig{
			ServerURL:  clientURL,
			SocketPort: g.srv.SocketPort(),
			Suites:     g.cfg.Suites,
			Subscribe:  g.srv.Subscribe,
		}
	}
	suites := fac.Build(resolved, tun.ExtraCapabilities())

	if err := tun.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting tunnel %q: %w", g.cfg.TunnelName, err)
	}
	g.bus.Emit(events.TunnelStart{Tunnel: g.cfg.TunnelName})

	return suites, nil
}

// runRemote drains the session suites through the bounded queue and reports
// whether the run was canceled while doing so.
func (g *Gantry) runRemote(ctx context.Context, suites []*suite.Suite, rec suite.Recorder) bool {
	g.setState(StateRunningRemote)

	q := queue.New(g.cfg.MaxConcurrency)
	handles := make([]*queue.Handle, 0, len(suites))
	for _, s := range suites {
		s := s
		handles = append(handles, q.Enqueue(func(jobCtx context.Context) error {
			return s.Run(jobCtx, rec)
		}))
	}

	// Job contexts are detached from ctx; canceling the run drains the
	// queue instead, settling every handle.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			q.Clear()
		case <-watchDone:
		}
	}()

	for _, h := range handles {
		if err := h.Wait(context.Background()); err != nil && !errors.Is(err, queue.ErrCleared) {
			g.log.Error("Session suite failed", "err", err)
		}
	}

	return ctx.Err() != nil
}

// aggregate registers zero-coverage records for every eligible file nothing
// ever loaded. It still completes when the run was canceled.
func (g *Gantry) aggregate(ctx context.Context) {
	g.setState(StateAggregating)
	if g.gate == nil {
		return
	}
	coverage.RegisterUncovered(context.WithoutCancel(ctx), g.cfg.CoverageFiles, g.gate, g.covMap, g.bus, g.log)
}

// teardown releases shared infrastructure in a fixed order: instrumentation
// hooks, then the server, then the tunnel. Every step runs even when earlier
// ones fail; step failures surface as Error events and never replace the
// run's own outcome.
func (g *Gantry) teardown(ctx context.Context) {
	g.setState(StateTearingDown)
	ctx = context.WithoutCancel(ctx)

	if g.hooks != nil {
		g.hooks.Remove()
	}

	if g.srv != nil {
		url := g.srv.URL()
		if err := g.srv.Stop(ctx); err != nil {
			g.bus.Emit(events.Error{Err: fmt.Errorf("stopping test server: %w", err)})
		}
		g.bus.Emit(events.ServerEnd{URL: url})
		g.srv = nil
	}

	if g.tun != nil {
		if err := g.tun.Stop(ctx); err != nil {
			g.bus.Emit(events.Error{Err: fmt.Errorf("stopping tunnel: %w", err)})
		}
		g.bus.Emit(events.TunnelStop{Tunnel: g.cfg.TunnelName})
		g.tun = nil
	}
}

func (g *Gantry) fail(ctx context.Context, start time.Time, suites []*suite.Suite, err error) (*Result, error) {
	g.setState(StateFailed)
	metrics.RecordErrorDetails("run", err)
	g.teardown(ctx)
	g.setState(StateDone)
	return g.finish(start, suites, false), NewRuntimeError(err)
}

func (g *Gantry) cancel(ctx context.Context, start time.Time, suites []*suite.Suite) (*Result, error) {
	g.setState(StateCanceled)
	g.teardown(ctx)
	g.setState(StateDone)
	return g.finish(start, suites, true), context.Cause(ctx)
}

// finish settles the run: the final coverage report is written, RunEnd is
// emitted while subscribers are still attached, metrics are recorded, and
// the console summary is printed.
func (g *Gantry) finish(start time.Time, suites []*suite.Suite, canceled bool) *Result {
	res := &Result{
		RunID:    g.runID,
		Suites:   suites,
		Duration: time.Since(start),
		Canceled: canceled,
	}

	if g.covMap.Len() > 0 {
		report := g.covMap.Snapshot()
		res.Coverage = report.Stats()
		if g.runLog != nil {
			if data, err := json.MarshalIndent(report, "", "  "); err == nil {
				if werr := g.runLog.WriteFile("coverage.json", data); werr != nil {
					g.log.Warn("Failed to write coverage report", "err", werr)
				}
			}
		}
	}

	g.bus.Emit(events.RunEnd{ID: g.runID, Duration: res.Duration})

	label := "pass"
	switch {
	case canceled:
		label = "canceled"
	case res.Failed():
		label = "fail"
	}
	metrics.RecordRun(g.runID, label, res.NumTests(), res.NumPassed(), res.NumFailed(), res.Duration)

	if len(suites) > 0 {
		g.reporter.PrintSummary(res)
	}
	return res
}

func (g *Gantry) applySuiteDefaults(suites []*suite.Suite) {
	for _, s := range suites {
		if s.Grep == nil {
			s.Grep = g.cfg.Grep
		}
		if !s.Bail {
			s.Bail = g.cfg.Bail
		}
		if s.Timeout == 0 {
			s.Timeout = g.cfg.DefaultTimeout
		}
	}
}

// busRecorder publishes suite progress on the event bus and records per-test
// metrics.
type busRecorder struct {
	bus   *events.Bus
	runID string
}

func (r *busRecorder) SuiteStart(s *suite.Suite) {
	r.bus.Emit(events.SuiteStart{Suite: s.Name, SessionID: s.SessionID()})
}

func (r *busRecorder) SuiteEnd(s *suite.Suite) {
	r.bus.Emit(events.SuiteEnd{
		Suite:     s.Name,
		SessionID: s.SessionID(),
		Passed:    s.NumPassedTests(),
		Failed:    s.NumFailedTests(),
		Skipped:   s.NumSkippedTests(),
		Err:       s.Err,
		Duration:  s.Duration,
	})
}

func (r *busRecorder) TestEnd(t *suite.Test) {
	sessionID := ""
	suiteName := ""
	if p := t.Parent(); p != nil {
		sessionID = p.SessionID()
		suiteName = p.ID()
	}
	metrics.RecordTest(r.runID, sessionID, t.Status)
	r.bus.Emit(events.TestEnd{
		Suite:    suiteName,
		Test:     t.Name,
		Status:   t.Status,
		Err:      t.Err,
		Duration: t.Duration,
	})
}
