// Package transport serves collaboration clients over websockets.
//
// # Overview
//
// A Server authenticates the upgrade request, assigns the connection a
// ULID and hands it to a MessageHandler. Each connection runs two
// goroutines:
//
//	read pump   ws → HandleMessage, then OnClose when the socket dies
//	write pump  Send queue → ws, plus keepalive pings
//
// # Connection Lifecycle
//
//	upgrade ──► Authenticate ──► OnConnect ──► read pump ─┐
//	                                  │                    │ socket error
//	                                  ▼                    ▼
//	                             write pump ◄── Close ── OnClose
//
// Conn.Close never blocks: it signals the write pump, which flushes what
// is already queued, sends a close frame and closes the socket. The read
// pump then fails and runs OnClose. This lets a handler terminate a
// connection from inside its own callbacks.
//
// Send never blocks either. A client whose queue is full is treated as
// gone: the connection is closed and Send returns ErrSlowConsumer.
//
// # Framing
//
// Messages are JSON text frames. Only frames tagged "type":"collab" reach
// the handler; other types share the socket and are ignored here.
//
// # Timeouts
//
// Options default to a 10s write deadline, a 60s pong wait with pings at
// nine tenths of it, and 1MiB inbound frames. Shutdown closes every
// connection and waits for the handlers to return.
package transport
