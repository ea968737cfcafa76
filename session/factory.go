package session

import (
	"context"
	"regexp"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/pkg/errors"

	"github.com/gantrylabs/gantry/events"
	"github.com/gantrylabs/gantry/metrics"
	"github.com/gantrylabs/gantry/remote"
	"github.com/gantrylabs/gantry/suite"
	"github.com/gantrylabs/gantry/tunnel"
	"github.com/gantrylabs/gantry/types"
)

// SuiteBuilder constructs one functional suite for a resolved environment.
// The suite's tests reach the live session through their RemoteHandle.
type SuiteBuilder func(env types.Environment) *suite.Suite

// Factory builds one root session suite per resolved environment. The
// session itself is opened lazily in the suite's setup and closed in its
// teardown according to the leave-open policy.
type Factory struct {
	Provider remote.Provider
	Tunnel   tunnel.Tunnel
	Bus      *events.Bus
	Log      log.Logger

	RunID       string
	LeaveOpen   types.LeavePolicy
	RunMetadata types.Capabilities
	BaseTimeout time.Duration
	Grep        *regexp.Regexp
	Bail        bool

	// Suites builds the functional suites added to every session suite.
	Suites []SuiteBuilder
	// Client, when set, adds the in-browser unit suite child.
	Client *ClientConfig

	// FunctionalCoverage pulls the coverage accumulated in the browser
	// context out of each session before it closes.
	FunctionalCoverage bool
}

// Build assembles the session suites for envs. extraCaps are the tunnel's
// required capabilities; they sit below the user's, which sit below the run
// metadata.
func (f *Factory) Build(envs []types.Environment, extraCaps types.Capabilities) []*suite.Suite {
	suites := make([]*suite.Suite, 0, len(envs))
	for _, env := range envs {
		suites = append(suites, f.buildOne(env, extraCaps))
	}
	return suites
}

func (f *Factory) buildOne(env types.Environment, extraCaps types.Capabilities) *suite.Suite {
	env.Capabilities = types.MergeCapabilities(extraCaps, env.Capabilities, f.RunMetadata)

	s := suite.New(env.String())
	s.PublishAfterSetup = true
	s.Timeout = f.BaseTimeout
	s.Grep = f.Grep
	s.Bail = f.Bail

	s.Setup = func(ctx context.Context, s *suite.Suite) error {
		sess, err := f.Provider.NewSession(ctx, env)
		if err != nil {
			return errors.Wrapf(err, "opening session for %s", env)
		}
		s.Remote = &remote.Remote{Session: sess, Env: env}

		// The suite keeps its provisional name unless the provider granted
		// concrete capabilities to derive a better one from.
		if granted := sess.Capabilities(); len(granted) > 0 {
			s.Name = granted.String()
		}
		metrics.RecordSession(f.RunID, s.Name)
		f.logger().Info("Session opened", "sessionId", sess.ID(), "environment", s.Name)
		return nil
	}

	s.Teardown = func(ctx context.Context, s *suite.Suite) error {
		r := s.Remote
		if r == nil {
			return nil
		}
		passed := !s.HasErrors()

		if f.FunctionalCoverage {
			f.pullCoverage(ctx, r)
		}

		var closeErr error
		if f.shouldClose(passed) {
			closeErr = r.Quit(ctx)
		} else {
			f.logger().Info("Leaving session open", "sessionId", r.ID(), "passed", passed)
		}

		// The provider hears the verdict even when closing failed or the
		// session was left open.
		if f.Tunnel != nil {
			if err := f.Tunnel.SendJobState(ctx, r.ID(), passed); err != nil {
				f.logger().Warn("Reporting session verdict failed", "sessionId", r.ID(), "err", err)
				if f.Bus != nil {
					f.Bus.Emit(events.Warning{Message: "reporting session verdict failed: " + err.Error()})
				}
			}
		}

		if closeErr != nil {
			return errors.Wrapf(closeErr, "closing session %s", r.ID())
		}
		return nil
	}

	for _, build := range f.Suites {
		if child := build(env); child != nil {
			s.Add(child)
		}
	}
	if f.Client != nil && len(f.Client.Suites) > 0 {
		s.Add(f.newClientSuite())
	}
	return s
}

// pullCoverage retrieves the session's accumulated coverage while the
// session is still alive. Providers that cannot report coverage are skipped.
func (f *Factory) pullCoverage(ctx context.Context, r *remote.Remote) {
	src, ok := r.Session.(remote.CoverageSource)
	if !ok {
		return
	}
	data, err := src.Coverage(ctx)
	if err != nil {
		f.logger().Warn("Fetching session coverage failed", "sessionId", r.ID(), "err", err)
		if f.Bus != nil {
			f.Bus.Emit(events.Warning{Message: "fetching session coverage failed: " + err.Error()})
		}
		return
	}
	if len(data) == 0 || f.Bus == nil {
		return
	}
	f.Bus.Emit(events.Coverage{SessionID: r.ID(), Data: data})
}

func (f *Factory) shouldClose(passed bool) bool {
	switch f.LeaveOpen {
	case types.LeaveAlways:
		return false
	case types.LeaveOnFail:
		return passed
	default:
		return true
	}
}

func (f *Factory) logger() log.Logger {
	if f.Log != nil {
		return f.Log
	}
	return log.Root()
}
