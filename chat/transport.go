package chat

import (
	"context"
	"errors"
)

// ErrClosed is returned by a Conn after Close.
var ErrClosed = errors.New("chat: connection closed")

// ConnState is the lifecycle state of a Conn.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateOpen
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Conn is one chat connection able to hold many channels.
type Conn interface {
	// Connect starts the connection in the background and returns. The
	// connection keeps reconnecting until ctx is done or Close is called.
	Connect(ctx context.Context) error
	Join(channel string) error
	Part(channel string) error
	State() ConnState
	Close() error
}

// Dialer creates connections that deliver their events to h.
type Dialer interface {
	Dial(h Handler) Conn
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(h Handler) Conn

// Dial calls f(h).
func (f DialerFunc) Dial(h Handler) Conn { return f(h) }
