package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/log"
)

// messageBuffer bounds how far a subscriber may fall behind before messages
// for its session are dropped.
const messageBuffer = 64

// Message is one result notification posted by an in-browser suite, over
// HTTP or the WebSocket channel.
type Message struct {
	SessionID string          `json:"sessionId"`
	Name      string          `json:"name"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// decodeMessages accepts either a single message object or an array of them,
// stamping sessionID on messages that do not carry their own.
func decodeMessages(sessionID string, body []byte) ([]Message, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, errors.New("empty message body")
	}

	var msgs []Message
	if body[0] == '[' {
		if err := json.Unmarshal(body, &msgs); err != nil {
			return nil, err
		}
	} else {
		var msg Message
		if err := json.Unmarshal(body, &msg); err != nil {
			return nil, err
		}
		msgs = []Message{msg}
	}

	for i := range msgs {
		if msgs[i].SessionID == "" {
			msgs[i].SessionID = sessionID
		}
		if msgs[i].Name == "" {
			return nil, errors.New("message missing name")
		}
	}
	return msgs, nil
}

// dispatcher fans session messages out to per-session subscribers.
type dispatcher struct {
	log log.Logger

	mu   sync.Mutex
	next int
	subs map[string]map[int]chan Message
}

func newDispatcher(logger log.Logger) *dispatcher {
	return &dispatcher{
		log:  logger,
		subs: map[string]map[int]chan Message{},
	}
}

// Subscribe registers for messages addressed to sessionID. The returned
// cancel function is idempotent and closes the channel.
func (d *dispatcher) Subscribe(sessionID string) (<-chan Message, func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := d.next
	d.next++
	ch := make(chan Message, messageBuffer)

	byID := d.subs[sessionID]
	if byID == nil {
		byID = map[int]chan Message{}
		d.subs[sessionID] = byID
	}
	byID[id] = ch

	cancel := func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		byID, ok := d.subs[sessionID]
		if !ok {
			return
		}
		if sub, ok := byID[id]; ok {
			delete(byID, id)
			close(sub)
			if len(byID) == 0 {
				delete(d.subs, sessionID)
			}
		}
	}
	return ch, cancel
}

// Publish delivers msg to every subscriber of its session. Sends never
// block: a subscriber that stopped draining loses messages instead of
// stalling browser requests.
func (d *dispatcher) Publish(msg Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, ch := range d.subs[msg.SessionID] {
		select {
		case ch <- msg:
		default:
			d.log.Warn("Dropping session message, subscriber not draining",
				"sessionId", msg.SessionID, "name", msg.Name)
		}
	}
}

// closeAll drops every subscription, closing the channels so readers settle.
func (d *dispatcher) closeAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for sessionID, byID := range d.subs {
		for id, ch := range byID {
			delete(byID, id)
			close(ch)
		}
		delete(d.subs, sessionID)
	}
}
