// Package transport owns the persistent websocket between the client and the
// translation backend.
//
// One [Connection] multiplexes outbound binary audio segments and JSON control
// messages over a single socket and demultiplexes inbound JSON result
// messages. Every outbound frame goes through one FIFO writer, so frames hit
// the wire in call order.
//
// Lifecycle:
//
//	Disconnected → Connecting → Open → Closing → Disconnected
//
// An unexpected closure or I/O error moves straight to Disconnected: Done is
// closed and Err reports [ErrInterrupted] wrapping the cause. There is no
// automatic reconnect.
package transport

import (
	"context"
	"errors"

	"github.com/MrWong99/babelcast/pkg/audio"
)

var (
	// ErrNotOpen is returned when sending on a connection that is not Open.
	// The payload is dropped.
	ErrNotOpen = errors.New("transport: connection not open")

	// ErrInterrupted is reported by [Connection.Err] when the socket closed
	// without Close being called.
	ErrInterrupted = errors.New("transport: connection interrupted")

	// ErrMalformedResult marks inbound frames that are not result objects.
	ErrMalformedResult = errors.New("transport: malformed result")
)

// State is the connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateClosing
)

// String returns the log label for the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Connection is an open session with the backend.
//
// Implementations must be safe for concurrent use.
type Connection interface {
	// SendAudio queues seg as one binary frame. Returns [ErrNotOpen] unless
	// the connection is Open.
	SendAudio(seg *audio.AudioSegment) error

	// SendControl queues msg as one text frame in the connection's dialect.
	// Returns [ErrNotOpen] unless the connection is Open.
	SendControl(msg ControlMessage) error

	// Results delivers decoded result messages in arrival order. It is
	// closed once the connection is Disconnected.
	Results() <-chan ResultMessage

	// Done is closed once the connection reaches Disconnected for any reason.
	Done() <-chan struct{}

	// Err returns nil after a requested Close, a wrapped [ErrInterrupted]
	// after an unexpected closure, and nil while still connected.
	Err() error

	// State returns the current lifecycle state.
	State() State

	// Close flushes queued frames, performs the close handshake and waits for
	// the connection to reach Disconnected. Close is idempotent.
	Close() error
}

// Dialer opens connections. The controller depends on this interface so tests
// can substitute an in-memory backend.
type Dialer interface {
	// Dial connects to endpoint and returns once the handshake completed.
	Dial(ctx context.Context, endpoint string) (Connection, error)
}
