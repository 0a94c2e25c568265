// Package mock provides in-memory implementations of [transport.Dialer] and
// [transport.Connection] for controller tests.
//
// A [Conn] records everything sent on it. Tests inject backend replies with
// [Conn.Deliver] and simulate a dropped socket with [Conn.Interrupt].
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/babelcast/pkg/audio"
	"github.com/MrWong99/babelcast/pkg/transport"
)

// Compile-time interface assertions.
var (
	_ transport.Dialer     = (*Dialer)(nil)
	_ transport.Connection = (*Conn)(nil)
)

// ─── Conn ─────────────────────────────────────────────────────────────────────

// Conn is a mock [transport.Connection] that starts Open.
type Conn struct {
	// Endpoint is the address the connection was dialled with.
	Endpoint string

	mu       sync.Mutex
	state    transport.State
	err      error
	audio    []*audio.AudioSegment
	controls []transport.ControlMessage
	order    []string
	closes   int
	closeErr error

	results  chan transport.ResultMessage
	done     chan struct{}
	doneOnce sync.Once
	onClose  func()
}

// NewConn returns an Open connection.
func NewConn() *Conn {
	return &Conn{
		state:   transport.StateOpen,
		results: make(chan transport.ResultMessage, 64),
		done:    make(chan struct{}),
	}
}

// SendAudio implements [transport.Connection].
func (c *Conn) SendAudio(seg *audio.AudioSegment) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != transport.StateOpen {
		return transport.ErrNotOpen
	}
	c.audio = append(c.audio, seg)
	c.order = append(c.order, "audio")
	return nil
}

// SendControl implements [transport.Connection].
func (c *Conn) SendControl(msg transport.ControlMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != transport.StateOpen {
		return transport.ErrNotOpen
	}
	c.controls = append(c.controls, msg)
	c.order = append(c.order, "control:"+msg.TargetLanguage)
	return nil
}

// Results implements [transport.Connection].
func (c *Conn) Results() <-chan transport.ResultMessage { return c.results }

// Done implements [transport.Connection].
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err implements [transport.Connection].
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// State implements [transport.Connection].
func (c *Conn) State() transport.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close implements [transport.Connection]. Every call is counted.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.closes++
	err := c.closeErr
	c.mu.Unlock()
	c.disconnect(nil)
	return err
}

// SetCloseErr makes every later Close return err. The connection is still
// disconnected.
func (c *Conn) SetCloseErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeErr = err
}

// Deliver injects a backend reply. It returns false once the connection is
// disconnected.
func (c *Conn) Deliver(msg transport.ResultMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != transport.StateOpen {
		return false
	}
	c.results <- msg
	return true
}

// Interrupt simulates the backend dropping the socket.
func (c *Conn) Interrupt(cause error) {
	c.disconnect(fmt.Errorf("%w: %w", transport.ErrInterrupted, cause))
}

func (c *Conn) disconnect(err error) {
	c.doneOnce.Do(func() {
		c.mu.Lock()
		c.state = transport.StateDisconnected
		c.err = err
		close(c.results)
		hook := c.onClose
		c.mu.Unlock()
		close(c.done)
		if hook != nil {
			hook()
		}
	})
}

// Audio returns the segments sent so far.
func (c *Conn) Audio() []*audio.AudioSegment {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*audio.AudioSegment(nil), c.audio...)
}

// Controls returns the control messages sent so far.
func (c *Conn) Controls() []transport.ControlMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]transport.ControlMessage(nil), c.controls...)
}

// Order returns a log of sends: "audio" or "control:<code>" in call order.
func (c *Conn) Order() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.order...)
}

// CloseCount returns how many times Close was called.
func (c *Conn) CloseCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

// ─── Dialer ───────────────────────────────────────────────────────────────────

// Dialer is a mock [transport.Dialer]. Each successful Dial returns a fresh
// [Conn] and tracks how many are open at once.
type Dialer struct {
	mu sync.Mutex

	// DialErr, when set, is returned by Dial.
	DialErr error

	// Block, when non-nil, makes Dial wait until it is closed or ctx ends.
	Block chan struct{}

	// Conns records every connection handed out.
	Conns []*Conn

	// Endpoints records the endpoint of every Dial call.
	Endpoints []string

	open    int
	maxOpen int
}

// Dial implements [transport.Dialer].
func (d *Dialer) Dial(ctx context.Context, endpoint string) (transport.Connection, error) {
	d.mu.Lock()
	d.Endpoints = append(d.Endpoints, endpoint)
	block := d.Block
	d.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.DialErr != nil {
		return nil, fmt.Errorf("mock: dial %s: %w", endpoint, d.DialErr)
	}
	c := NewConn()
	c.Endpoint = endpoint
	c.onClose = func() {
		d.mu.Lock()
		d.open--
		d.mu.Unlock()
	}
	d.Conns = append(d.Conns, c)
	d.open++
	if d.open > d.maxOpen {
		d.maxOpen = d.open
	}
	return c, nil
}

// SetDialErr changes DialErr under the dialer's lock.
func (d *Dialer) SetDialErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.DialErr = err
}

// DialCount returns how many times Dial was called.
func (d *Dialer) DialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.Endpoints)
}

// Open returns the number of connections not yet disconnected.
func (d *Dialer) Open() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

// MaxOpen returns the highest number of simultaneously open connections.
func (d *Dialer) MaxOpen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxOpen
}

// Last returns the most recent connection, or nil.
func (d *Dialer) Last() *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.Conns) == 0 {
		return nil
	}
	return d.Conns[len(d.Conns)-1]
}
