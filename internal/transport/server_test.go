package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/coedit/internal/access"
	"github.com/dreamware/coedit/internal/auth"
	"github.com/dreamware/coedit/internal/messenger"
)

const secret = "transport-test-secret"

type recordingHandler struct {
	mu        sync.Mutex
	connected []messenger.Conn
	closed    []string
	messages  []string
	connErr   error
	onMessage func(c messenger.Conn, data []byte)
}

func (h *recordingHandler) OnConnect(_ context.Context, c messenger.Conn) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.connErr != nil {
		return h.connErr
	}
	h.connected = append(h.connected, c)
	return nil
}

func (h *recordingHandler) OnClose(_ context.Context, c messenger.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = append(h.closed, c.UID())
}

func (h *recordingHandler) HandleMessage(_ context.Context, c messenger.Conn, data []byte) {
	h.mu.Lock()
	h.messages = append(h.messages, string(data))
	fn := h.onMessage
	h.mu.Unlock()
	if fn != nil {
		fn(c, data)
	}
}

func (h *recordingHandler) conn(t *testing.T) messenger.Conn {
	t.Helper()
	var c messenger.Conn
	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		if len(h.connected) == 0 {
			return false
		}
		c = h.connected[0]
		return true
	}, 2*time.Second, 10*time.Millisecond)
	return c
}

func (h *recordingHandler) closedUIDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.closed...)
}

func (h *recordingHandler) received() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.messages...)
}

func newTestServer(t *testing.T, h *recordingHandler) (*Server, string) {
	t.Helper()
	srv := NewServer(auth.NewAuthenticator(secret), h, Options{})
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		_ = srv.Shutdown(context.Background())
		ts.Close()
	})
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dial(t *testing.T, url string, acct access.Accountability) *websocket.Conn {
	t.Helper()
	token, err := auth.NewAuthenticator(secret).Issue(acct, time.Minute)
	require.NoError(t, err)
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	ws, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readText(t *testing.T, ws *websocket.Conn) string {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	return string(data)
}

// TestServerRejectsUnauthenticated tests the handshake check
func TestServerRejectsUnauthenticated(t *testing.T) {
	h := &recordingHandler{}
	_, url := newTestServer(t, h)

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(url+"?access_token=garbage", nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Empty(t, h.connected)
}

// TestServerConnect tests connection registration
func TestServerConnect(t *testing.T) {
	h := &recordingHandler{}
	srv, url := newTestServer(t, h)
	dial(t, url, access.Accountability{User: "alice", Role: "editor"})

	c := h.conn(t)
	assert.Len(t, c.UID(), 26, "ULID")
	assert.Equal(t, "alice", c.Accountability().User)
	assert.Equal(t, "editor", c.Accountability().Role)
	assert.Equal(t, 1, srv.Len())
}

// TestServerRoutesCollabMessages tests inbound routing
func TestServerRoutesCollabMessages(t *testing.T) {
	h := &recordingHandler{}
	_, url := newTestServer(t, h)
	ws := dial(t, url, access.Accountability{User: "alice"})

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"collab","action":"leave"}`)))

	assert.Eventually(t, func() bool {
		return len(h.received()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{`{"type":"collab","action":"leave"}`}, h.received())
}

// TestConnSend tests outbound delivery
func TestConnSend(t *testing.T) {
	h := &recordingHandler{}
	h.onMessage = func(c messenger.Conn, data []byte) {
		_ = c.Send([]byte(`{"echo":true}`))
	}
	_, url := newTestServer(t, h)
	ws := dial(t, url, access.Accountability{User: "alice"})

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"collab","action":"leave"}`)))
	assert.Equal(t, `{"echo":true}`, readText(t, ws))
}

// TestConnCloseFlushes tests that queued messages precede the close frame
func TestConnCloseFlushes(t *testing.T) {
	h := &recordingHandler{}
	_, url := newTestServer(t, h)
	ws := dial(t, url, access.Accountability{User: "alice"})
	c := h.conn(t)

	require.NoError(t, c.Send([]byte(`{"reason":"bye"}`)))
	require.NoError(t, c.Close())
	require.NoError(t, c.Close(), "close is idempotent")

	assert.Equal(t, `{"reason":"bye"}`, readText(t, ws))
	_, _, err := ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	assert.Eventually(t, func() bool {
		return len(h.closedUIDs()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, c.Send([]byte(`{}`)), ErrClosed)
}

// TestConnCloseFromHandler tests terminating a connection while handling
// one of its messages
func TestConnCloseFromHandler(t *testing.T) {
	h := &recordingHandler{}
	h.onMessage = func(c messenger.Conn, data []byte) {
		_ = c.Send([]byte(`{"terminated":true}`))
		_ = c.Close()
	}
	_, url := newTestServer(t, h)
	ws := dial(t, url, access.Accountability{User: "alice"})

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"collab","action":"join"}`)))
	assert.Equal(t, `{"terminated":true}`, readText(t, ws))
	assert.Eventually(t, func() bool {
		return len(h.closedUIDs()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

// TestClientDisconnect tests the implicit close on a dropped socket
func TestClientDisconnect(t *testing.T) {
	h := &recordingHandler{}
	srv, url := newTestServer(t, h)
	ws := dial(t, url, access.Accountability{User: "alice"})
	c := h.conn(t)

	require.NoError(t, ws.Close())

	assert.Eventually(t, func() bool {
		closed := h.closedUIDs()
		return len(closed) == 1 && closed[0] == c.UID()
	}, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return srv.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

// TestServerShutdown tests that Shutdown closes every connection
func TestServerShutdown(t *testing.T) {
	h := &recordingHandler{}
	srv, url := newTestServer(t, h)
	ws := dial(t, url, access.Accountability{User: "alice"})
	h.conn(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	_, _, err := ws.ReadMessage()
	assert.Error(t, err)
	assert.Len(t, h.closedUIDs(), 1)
	assert.Equal(t, 0, srv.Len())
}

// TestCheckOrigin tests the origin allow list
func TestCheckOrigin(t *testing.T) {
	srv := NewServer(nil, nil, Options{AllowedOrigins: []string{"https://app.example.com"}})

	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Origin", "https://app.example.com")
	assert.True(t, srv.checkOrigin(r))

	r.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, srv.checkOrigin(r))

	open := NewServer(nil, nil, Options{})
	assert.True(t, open.checkOrigin(r))
}

// TestOptionsDefaults tests option normalization
func TestOptionsDefaults(t *testing.T) {
	o := Options{PongWait: 10 * time.Second, PingPeriod: 20 * time.Second}.withDefaults()
	assert.Equal(t, 9*time.Second, o.PingPeriod)
	assert.Equal(t, 10*time.Second, o.WriteWait)
	assert.Equal(t, int64(1<<20), o.MaxMessageSize)
	assert.Equal(t, 256, o.SendBuffer)
}
