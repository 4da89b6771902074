// Package messengertest provides an in-memory messenger.Conn for tests.
package messengertest

import (
	"encoding/json"
	"sync"

	"github.com/dreamware/coedit/internal/access"
)

// Conn records every message sent to it.
type Conn struct {
	uid  string
	acct access.Accountability

	mu       sync.Mutex
	messages [][]byte
	closed   bool
}

// NewConn creates a recording connection.
func NewConn(uid string, acct access.Accountability) *Conn {
	return &Conn{uid: uid, acct: acct}
}

// UID implements messenger.Conn.
func (c *Conn) UID() string { return c.uid }

// Accountability implements messenger.Conn.
func (c *Conn) Accountability() access.Accountability { return c.acct }

// Send implements messenger.Conn.
func (c *Conn) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, append([]byte(nil), payload...))
	return nil
}

// Close implements messenger.Conn.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Messages returns the raw messages received so far.
func (c *Conn) Messages() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.messages))
	copy(out, c.messages)
	return out
}

// Events decodes every received message as a JSON object.
func (c *Conn) Events() []map[string]any {
	var out []map[string]any
	for _, msg := range c.Messages() {
		var event map[string]any
		if err := json.Unmarshal(msg, &event); err == nil {
			out = append(out, event)
		}
	}
	return out
}

// EventsOf returns the received events whose action is action.
func (c *Conn) EventsOf(action string) []map[string]any {
	var out []map[string]any
	for _, event := range c.Events() {
		if event["action"] == action {
			out = append(out, event)
		}
	}
	return out
}

// Reset forgets every message received so far.
func (c *Conn) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = nil
}
