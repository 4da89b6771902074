package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"golang.org/x/exp/slices"

	"github.com/dreamware/coedit/internal/access"
	"github.com/dreamware/coedit/internal/messenger"
	"github.com/dreamware/coedit/internal/room"
)

// MessageHandler receives connection lifecycle events and messages.
// collab.Handler implements it.
type MessageHandler interface {
	OnConnect(ctx context.Context, c messenger.Conn) error
	OnClose(ctx context.Context, c messenger.Conn)
	HandleMessage(ctx context.Context, c messenger.Conn, data []byte)
}

// Authenticator resolves the actor of an upgrade request.
type Authenticator interface {
	Authenticate(r *http.Request) (access.Accountability, error)
}

// Options tunes websocket behavior. Zero fields take defaults.
type Options struct {
	// WriteWait bounds every frame write.
	WriteWait time.Duration
	// PongWait is how long a client may stay silent.
	PongWait time.Duration
	// PingPeriod must be shorter than PongWait.
	PingPeriod time.Duration
	// MaxMessageSize limits inbound frames.
	MaxMessageSize int64
	// SendBuffer is the outbound queue length per connection.
	SendBuffer int
	// AllowedOrigins restricts browser origins. Empty allows any.
	AllowedOrigins []string
}

func (o Options) withDefaults() Options {
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = o.PongWait * 9 / 10
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 1 << 20
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	return o
}

// Server upgrades HTTP requests to collaboration connections.
// Thread-safe: ServeHTTP runs once per request; Shutdown may be called
// concurrently with it.
type Server struct {
	auth     Authenticator
	handler  MessageHandler
	opts     Options
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	conns map[string]*Conn
}

// NewServer creates a Server.
func NewServer(auth Authenticator, handler MessageHandler, opts Options) *Server {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		auth:    auth,
		handler: handler,
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[string]*Conn),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(s.opts.AllowedOrigins, r.Header.Get("Origin"))
}

// ServeHTTP authenticates and upgrades the request, then serves the
// connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	acct, err := s.auth.Authenticate(r)
	if err != nil {
		glog.V(1).Infof("[ws] rejected %s: %v", r.RemoteAddr, err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.V(1).Infof("[ws] upgrade %s: %v", r.RemoteAddr, err)
		return
	}

	c := newConn(ws, acct, s.opts)
	if !s.track(c) {
		ws.Close()
		return
	}
	defer s.untrack(c)

	if err := s.handler.OnConnect(s.ctx, c); err != nil {
		glog.Warningf("[ws] register %s: %v", c.uid, err)
		ws.Close()
		return
	}
	glog.V(1).Infof("[ws] %s connected as %s", c.uid, acct.User)

	go c.writePump()
	s.readPump(c)

	// Leaving rooms outlives Shutdown.
	s.handler.OnClose(context.WithoutCancel(s.ctx), c)
	glog.V(1).Infof("[ws] %s disconnected", c.uid)
}

type envelope struct {
	Type string `json:"type"`
}

func (s *Server) readPump(c *Conn) {
	defer c.Close()

	c.ws.SetReadLimit(s.opts.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				glog.Warningf("[ws] read from %s: %v", c.uid, err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(s.opts.PongWait))

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type != room.MessageType {
			glog.V(2).Infof("[ws] ignoring non-collab frame from %s", c.uid)
			continue
		}
		s.handler.HandleMessage(s.ctx, c, data)
	}
}

func (s *Server) track(c *Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.conns[c.uid] = c
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c.uid)
	s.mu.Unlock()
	s.wg.Done()
}

// Len returns the number of open connections.
func (s *Server) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Shutdown closes every connection and waits for their handlers to finish
// or ctx to end.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.cancel()
	for _, c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
