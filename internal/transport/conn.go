package transport

import (
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/dreamware/coedit/internal/access"
)

var (
	// ErrClosed is returned by Send after the connection was closed.
	ErrClosed = errors.New("connection closed")
	// ErrSlowConsumer is returned by Send when the send queue is full.
	// The connection is closed.
	ErrSlowConsumer = errors.New("send queue full")
)

// Conn is one authenticated websocket client. It implements
// messenger.Conn.
type Conn struct {
	uid  string
	acct access.Accountability
	ws   *websocket.Conn
	opts Options

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newClientUID() string {
	return ulid.Make().String()
}

func newConn(ws *websocket.Conn, acct access.Accountability, opts Options) *Conn {
	return &Conn{
		uid:  newClientUID(),
		acct: acct,
		ws:   ws,
		opts: opts,
		send: make(chan []byte, opts.SendBuffer),
		done: make(chan struct{}),
	}
}

// UID returns the connection's ULID.
func (c *Conn) UID() string { return c.uid }

// Accountability returns the authenticated actor.
func (c *Conn) Accountability() access.Accountability { return c.acct }

// Send queues payload as one text frame. It never blocks.
func (c *Conn) Send(payload []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		glog.Warningf("[ws] %s is not reading, closing", c.uid)
		c.Close()
		return ErrSlowConsumer
	}
}

// Close asks the write pump to flush and close the socket. It returns
// immediately and is safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// Done is closed once Close has been called.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				glog.V(1).Infof("[ws] write to %s: %v", c.uid, err)
				c.Close()
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				glog.V(1).Infof("[ws] ping %s: %v", c.uid, err)
				c.Close()
				return
			}
		case <-c.done:
			c.flush()
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.opts.WriteWait))
			return
		}
	}
}

// flush writes whatever is still queued.
func (c *Conn) flush() {
	for {
		select {
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) write(messageType int, data []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(messageType, data)
}
