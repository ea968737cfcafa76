// Package suite models the hierarchical test tree: named suites holding
// ordered tests and nested suites, with setup/teardown hooks, filtering,
// bail, timeouts, and recursive result aggregation.
package suite

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/gantrylabs/gantry/remote"
)

var tracer = otel.Tracer("suite runner")

// Node is either a *Test or a nested *Suite.
type Node interface {
	NodeName() string
}

// Recorder observes suite execution. The zero recorder drops everything.
type Recorder interface {
	SuiteStart(s *Suite)
	SuiteEnd(s *Suite)
	TestEnd(t *Test)
}

type nopRecorder struct{}

func (nopRecorder) SuiteStart(*Suite) {}
func (nopRecorder) SuiteEnd(*Suite)   {}
func (nopRecorder) TestEnd(*Test)     {}

// Hook runs around a suite's children.
type Hook func(ctx context.Context, s *Suite) error

// TestHook runs around each individual test.
type TestHook func(ctx context.Context, t *Test) error

// Suite is one node of the test tree.
type Suite struct {
	Name string

	Setup      Hook
	Teardown   Hook
	BeforeEach TestHook
	AfterEach  TestHook

	// Grep filters tests by their full id. Unset inherits the parent's.
	Grep *regexp.Regexp
	// Bail stops remaining siblings after the first failure in this subtree.
	// False inherits the parent's setting.
	Bail bool
	// Timeout bounds this suite's execution; expiry fails only this suite.
	Timeout time.Duration

	// Err is the suite-level error: a failed hook, a timeout, or an
	// interruption. Independent of child test failures.
	Err error

	// PublishAfterSetup delays the start notification until setup has run,
	// for suites whose real name is negotiated during setup.
	PublishAfterSetup bool

	// Remote is set on session suites; descendants reach it via RemoteHandle.
	Remote *remote.Remote

	// Duration of the last Run.
	Duration time.Duration

	parent   *Suite
	children []Node
}

// New creates an empty suite.
func New(name string) *Suite {
	return &Suite{Name: name}
}

func (s *Suite) NodeName() string { return s.Name }

// Parent returns the enclosing suite, or nil for a root.
func (s *Suite) Parent() *Suite { return s.parent }

// Children returns the ordered child nodes.
func (s *Suite) Children() []Node { return s.children }

// Add appends nodes, claiming them as children.
func (s *Suite) Add(nodes ...Node) {
	for _, n := range nodes {
		switch c := n.(type) {
		case *Test:
			c.parent = s
		case *Suite:
			c.parent = s
		}
		s.children = append(s.children, n)
	}
}

// AddTest appends a test built from a name and function.
func (s *Suite) AddTest(name string, fn TestFunc) *Test {
	t := &Test{Name: name, Func: fn}
	s.Add(t)
	return t
}

// ID is the full path of the suite, e.g. "chrome 126 on linux - checkout".
func (s *Suite) ID() string {
	if s.parent == nil {
		return s.Name
	}
	return s.parent.ID() + " - " + s.Name
}

// RemoteHandle returns the nearest ancestor's remote session handle, or nil
// when this subtree runs locally.
func (s *Suite) RemoteHandle() *remote.Remote {
	for cur := s; cur != nil; cur = cur.parent {
		if cur.Remote != nil {
			return cur.Remote
		}
	}
	return nil
}

// SessionID returns the owning session's identifier, or "" for local suites.
func (s *Suite) SessionID() string {
	if r := s.RemoteHandle(); r != nil {
		return r.ID()
	}
	return ""
}

func (s *Suite) effectiveGrep() *regexp.Regexp {
	for cur := s; cur != nil; cur = cur.parent {
		if cur.Grep != nil {
			return cur.Grep
		}
	}
	return nil
}

func (s *Suite) effectiveBail() bool {
	for cur := s; cur != nil; cur = cur.parent {
		if cur.Bail {
			return true
		}
	}
	return false
}

// NumTests counts every test in the subtree.
func (s *Suite) NumTests() int {
	n := 0
	for _, child := range s.children {
		switch c := child.(type) {
		case *Test:
			n++
		case *Suite:
			n += c.NumTests()
		}
	}
	return n
}

func (s *Suite) countTests(pred func(*Test) bool) int {
	n := 0
	for _, child := range s.children {
		switch c := child.(type) {
		case *Test:
			if pred(c) {
				n++
			}
		case *Suite:
			n += c.countTests(pred)
		}
	}
	return n
}

// NumFailedTests counts failed tests recursively, including in nested suites.
func (s *Suite) NumFailedTests() int {
	return s.countTests((*Test).Failed)
}

// NumPassedTests counts passed tests recursively.
func (s *Suite) NumPassedTests() int {
	return s.countTests((*Test).Passed)
}

// NumSkippedTests counts skipped tests recursively.
func (s *Suite) NumSkippedTests() int {
	return s.countTests((*Test).Skipped)
}

// HasErrors reports whether this subtree is erroneous: the suite itself or
// any descendant suite carries an error, or at least one test failed.
func (s *Suite) HasErrors() bool {
	if s.Err != nil {
		return true
	}
	for _, child := range s.children {
		switch c := child.(type) {
		case *Test:
			if c.Failed() {
				return true
			}
		case *Suite:
			if c.HasErrors() {
				return true
			}
		}
	}
	return false
}

// Run executes setup, the children in order, and teardown. Teardown always
// runs once setup has completed, even when children fail, and is itself not
// cancellable. The returned error is the suite-level error, if any; test
// failures are reported through counts, not the return value.
func (s *Suite) Run(ctx context.Context, rec Recorder) error {
	if rec == nil {
		rec = nopRecorder{}
	}

	ctx, span := tracer.Start(ctx, fmt.Sprintf("suite %s", s.Name))
	defer span.End()

	start := time.Now()
	defer func() { s.Duration = time.Since(start) }()

	cancel := context.CancelFunc(func() {})
	if s.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
	}
	defer cancel()

	if !s.PublishAfterSetup {
		rec.SuiteStart(s)
	}

	setupOK := true
	if s.Setup != nil {
		if err := s.runHook(ctx, s.Setup); err != nil {
			s.Err = fmt.Errorf("setup: %w", err)
			setupOK = false
		}
	}
	if s.PublishAfterSetup {
		rec.SuiteStart(s)
	}

	if setupOK {
		s.runChildren(ctx, rec)

		if s.Teardown != nil {
			// Teardown must finish even when the suite context has expired.
			if err := s.runHook(context.WithoutCancel(ctx), s.Teardown); err != nil && s.Err == nil {
				s.Err = fmt.Errorf("teardown: %w", err)
			}
		}
	}

	rec.SuiteEnd(s)
	return s.Err
}

func (s *Suite) runHook(ctx context.Context, h Hook) error {
	return capturePanic(func() error { return h(ctx, s) })
}

func (s *Suite) runChildren(ctx context.Context, rec Recorder) {
	grep := s.effectiveGrep()
	skipRemaining := ""

	for _, child := range s.children {
		if skipRemaining == "" && ctx.Err() != nil {
			if s.Err == nil {
				if errors.Is(ctx.Err(), context.DeadlineExceeded) && s.Timeout > 0 {
					s.Err = fmt.Errorf("suite timed out after %s", s.Timeout)
				} else {
					s.Err = ctx.Err()
				}
			}
			skipRemaining = "interrupted"
		}
		if skipRemaining != "" {
			s.skipNode(child, skipRemaining, rec)
			continue
		}

		switch c := child.(type) {
		case *Test:
			if grep != nil && !grep.MatchString(c.ID()) {
				c.markSkipped("grep")
				rec.TestEnd(c)
				continue
			}
			s.runTest(ctx, c, rec)
			if c.Failed() && s.effectiveBail() {
				skipRemaining = "bail"
			}
		case *Suite:
			_ = c.Run(ctx, rec)
			if c.HasErrors() && s.effectiveBail() {
				skipRemaining = "bail"
			}
		}
	}
}

// skipNode marks every not-yet-run test under n as skipped.
func (s *Suite) skipNode(n Node, reason string, rec Recorder) {
	switch c := n.(type) {
	case *Test:
		c.markSkipped(reason)
		rec.TestEnd(c)
	case *Suite:
		for _, child := range c.children {
			s.skipNode(child, reason, rec)
		}
	}
}

func (s *Suite) runTest(ctx context.Context, t *Test, rec Recorder) {
	var hookErr error
	for _, h := range s.collectTestHooks(func(a *Suite) TestHook { return a.BeforeEach }, true) {
		if err := runTestHook(ctx, h, t); err != nil {
			hookErr = fmt.Errorf("beforeEach: %w", err)
			break
		}
	}

	if hookErr != nil {
		t.fail(hookErr)
	} else {
		t.run(ctx)
	}

	for _, h := range s.collectTestHooks(func(a *Suite) TestHook { return a.AfterEach }, false) {
		if err := runTestHook(ctx, h, t); err != nil && t.Err == nil {
			t.fail(fmt.Errorf("afterEach: %w", err))
		}
	}

	rec.TestEnd(t)
}

// collectTestHooks gathers the named hook from this suite and its ancestors.
// BeforeEach hooks run root first; AfterEach hooks run leaf first.
func (s *Suite) collectTestHooks(pick func(*Suite) TestHook, rootFirst bool) []TestHook {
	var hooks []TestHook
	for cur := s; cur != nil; cur = cur.parent {
		if h := pick(cur); h != nil {
			hooks = append(hooks, h)
		}
	}
	if rootFirst {
		for i, j := 0, len(hooks)-1; i < j; i, j = i+1, j-1 {
			hooks[i], hooks[j] = hooks[j], hooks[i]
		}
	}
	return hooks
}

func runTestHook(ctx context.Context, h TestHook, t *Test) error {
	return capturePanic(func() error { return h(ctx, t) })
}
