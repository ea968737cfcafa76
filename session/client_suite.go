package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/gantrylabs/gantry/events"
	"github.com/gantrylabs/gantry/server"
	"github.com/gantrylabs/gantry/suite"
	"github.com/gantrylabs/gantry/types"
)

// ClientConfig describes the in-browser unit suites a session executes by
// loading them through the test server.
type ClientConfig struct {
	// ServerURL is the base URL the browser fetches from, normally the
	// tunnel's client URL.
	ServerURL string
	// SocketPort is the dedicated WebSocket result port, or zero.
	SocketPort int
	// Suites are server-relative script paths executed in the browser.
	Suites []string
	// Subscribe registers for the session's result messages.
	Subscribe func(sessionID string) (<-chan server.Message, func())
}

// newClientSuite wraps the in-browser run in a child suite with a single
// test: navigate the session to the client page, then relay result messages
// until the browser reports the end of its run.
func (f *Factory) newClientSuite() *suite.Suite {
	cs := suite.New("unit tests")
	cs.AddTest("in-browser suites", func(ctx context.Context, t *suite.Test) error {
		return f.runClient(ctx, t)
	})
	return cs
}

type clientTestEnd struct {
	Suite    string  `json:"suite"`
	Test     string  `json:"test"`
	Status   string  `json:"status"`
	Error    string  `json:"error"`
	Duration float64 `json:"duration"`
}

type clientSuiteEnd struct {
	Suite   string `json:"suite"`
	Passed  int    `json:"passed"`
	Failed  int    `json:"failed"`
	Skipped int    `json:"skipped"`
}

type clientRunEnd struct {
	Failed int `json:"failed"`
}

type clientLog struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

type clientError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (f *Factory) runClient(ctx context.Context, t *suite.Test) error {
	r := t.RemoteHandle()
	if r == nil {
		return errors.New("client suite has no remote session")
	}
	c := f.Client

	msgs, cancel := c.Subscribe(r.ID())
	defer cancel()

	target, err := clientURL(c.ServerURL, r.ID(), c.SocketPort, c.Suites)
	if err != nil {
		return err
	}
	if err := r.Get(ctx, target); err != nil {
		return errors.Wrap(err, "navigating to client page")
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("result channel closed before the in-browser run finished")
			}
			done, err := f.relayClientMessage(r.ID(), msg)
			if err != nil || done {
				return err
			}
		}
	}
}

// relayClientMessage translates one browser message into run events. It
// returns done once the browser reports runEnd.
func (f *Factory) relayClientMessage(sessionID string, msg server.Message) (bool, error) {
	switch msg.Name {
	case "testEnd":
		var p clientTestEnd
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			f.logger().Warn("Bad testEnd payload", "sessionId", sessionID, "err", err)
			return false, nil
		}
		ev := events.TestEnd{
			Suite:    p.Suite,
			Test:     p.Test,
			Status:   types.Status(p.Status),
			Duration: time.Duration(p.Duration * float64(time.Millisecond)),
		}
		if p.Error != "" {
			ev.Err = errors.New(p.Error)
		}
		f.emit(ev)

	case "suiteEnd":
		var p clientSuiteEnd
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			f.logger().Warn("Bad suiteEnd payload", "sessionId", sessionID, "err", err)
			return false, nil
		}
		f.emit(events.SuiteEnd{
			Suite:     p.Suite,
			SessionID: sessionID,
			Passed:    p.Passed,
			Failed:    p.Failed,
			Skipped:   p.Skipped,
		})

	case "coverage":
		f.emit(events.Coverage{SessionID: sessionID, Data: msg.Data})

	case "log":
		var p clientLog
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			f.logger().Warn("Bad log payload", "sessionId", sessionID, "err", err)
			return false, nil
		}
		line := p.Message
		if p.Level != "" {
			line = "[" + p.Level + "] " + p.Message
		}
		f.emit(events.SessionLog{SessionID: sessionID, Message: line})

	case "error":
		// Failures outside any test: uncaught exceptions and unhandled
		// rejections the page intercepted.
		var p clientError
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			f.logger().Warn("Bad error payload", "sessionId", sessionID, "err", err)
			return false, nil
		}
		prefix := events.PrefixUncaughtException
		if p.Kind == "rejection" {
			prefix = events.PrefixUnhandledRejection
		}
		f.fail(prefix, errors.New(p.Message))

	case "runEnd":
		var p clientRunEnd
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			return true, errors.Wrap(err, "bad runEnd payload")
		}
		if p.Failed > 0 {
			return true, fmt.Errorf("%d in-browser test(s) failed", p.Failed)
		}
		return true, nil

	default:
		f.logger().Debug("Ignoring client message", "sessionId", sessionID, "name", msg.Name)
	}
	return false, nil
}

func (f *Factory) emit(ev events.Event) {
	if f.Bus != nil {
		f.Bus.Emit(ev)
	}
}

func (f *Factory) fail(prefix string, err error) {
	if f.Bus != nil {
		f.Bus.Fail(prefix, err)
	}
}

// clientURL builds the client page URL carrying the session id, socket port
// and suite list.
func clientURL(serverURL, sessionID string, socketPort int, suites []string) (string, error) {
	base, err := url.Parse(strings.TrimSuffix(serverURL, "/") + server.ClientPath)
	if err != nil {
		return "", errors.Wrap(err, "building client page URL")
	}
	q := base.Query()
	q.Set("sessionId", sessionID)
	if socketPort > 0 {
		q.Set("socketPort", strconv.Itoa(socketPort))
	}
	q.Set("suites", strings.Join(suites, ","))
	base.RawQuery = q.Encode()
	return base.String(), nil
}
