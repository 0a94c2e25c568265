package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"

	"github.com/MrWong99/babelcast/pkg/audio"
)

const (
	defaultSendBuffer   = 64
	defaultResultBuffer = 64

	// Result frames may carry base64 TTS audio, so allow well beyond the
	// library's 32 KiB default.
	defaultReadLimit = 16 << 20
)

// Compile-time interface assertions.
var (
	_ Dialer     = (*WebSocketDialer)(nil)
	_ Connection = (*wsConn)(nil)
)

// Option configures a [WebSocketDialer].
type Option func(*WebSocketDialer)

// WithDialect sets the control message dialect. Defaults to [DialectLegacy].
func WithDialect(d Dialect) Option {
	return func(w *WebSocketDialer) {
		if d.IsValid() {
			w.dialect = d
		}
	}
}

// WithHeader adds an HTTP header to the websocket handshake.
func WithHeader(key, value string) Option {
	return func(w *WebSocketDialer) {
		w.header.Add(key, value)
	}
}

// WithReadLimit sets the largest inbound frame accepted, in bytes.
func WithReadLimit(n int64) Option {
	return func(w *WebSocketDialer) {
		if n > 0 {
			w.readLimit = n
		}
	}
}

// WithMalformedHook registers fn to be called for every discarded inbound
// frame. fn runs on the read goroutine and must not block.
func WithMalformedHook(fn func(error)) Option {
	return func(w *WebSocketDialer) {
		w.onMalformed = fn
	}
}

// WebSocketDialer dials the backend over github.com/coder/websocket.
type WebSocketDialer struct {
	dialect     Dialect
	header      http.Header
	readLimit   int64
	onMalformed func(error)
}

// NewDialer returns a dialer configured by opts.
func NewDialer(opts ...Option) *WebSocketDialer {
	w := &WebSocketDialer{
		dialect:   DialectLegacy,
		header:    http.Header{},
		readLimit: defaultReadLimit,
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Dialect returns the dialect connections from this dialer speak.
func (w *WebSocketDialer) Dialect() Dialect { return w.dialect }

// Dial implements [Dialer]. ctx bounds the handshake only; the returned
// connection lives until Close or an interruption.
func (w *WebSocketDialer) Dial(ctx context.Context, endpoint string) (Connection, error) {
	ws, _, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{
		HTTPHeader: w.header.Clone(),
	})
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", endpoint, err)
	}
	ws.SetReadLimit(w.readLimit)

	loopCtx, cancel := context.WithCancel(context.Background())
	c := &wsConn{
		ws:          ws,
		dialect:     w.dialect,
		onMalformed: w.onMalformed,
		out:         make(chan outFrame, defaultSendBuffer),
		results:     make(chan ResultMessage, defaultResultBuffer),
		closing:     make(chan struct{}),
		done:        make(chan struct{}),
		writeDone:   make(chan struct{}),
		readDone:    make(chan struct{}),
		ctx:         loopCtx,
		cancel:      cancel,
	}
	c.state.Store(int32(StateOpen))

	go c.writeLoop()
	go c.readLoop()
	return c, nil
}

type outFrame struct {
	typ  websocket.MessageType
	data []byte
}

type wsConn struct {
	ws          *websocket.Conn
	dialect     Dialect
	onMalformed func(error)

	state atomic.Int32

	out     chan outFrame
	results chan ResultMessage

	closing   chan struct{}
	done      chan struct{}
	writeDone chan struct{}
	readDone  chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce  sync.Once
	finishOnce sync.Once
	errMu      sync.Mutex
	err        error
}

func (c *wsConn) State() State { return State(c.state.Load()) }

func (c *wsConn) Results() <-chan ResultMessage { return c.results }

func (c *wsConn) Done() <-chan struct{} { return c.done }

func (c *wsConn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *wsConn) SendAudio(seg *audio.AudioSegment) error {
	if seg == nil || len(seg.Data) == 0 {
		return errors.New("transport: empty segment")
	}
	return c.enqueue(outFrame{typ: websocket.MessageBinary, data: seg.Data})
}

func (c *wsConn) SendControl(msg ControlMessage) error {
	data, err := EncodeControl(c.dialect, msg)
	if err != nil {
		return err
	}
	return c.enqueue(outFrame{typ: websocket.MessageText, data: data})
}

func (c *wsConn) enqueue(f outFrame) error {
	if c.State() != StateOpen {
		return ErrNotOpen
	}
	select {
	case <-c.closing:
		return ErrNotOpen
	case <-c.done:
		return ErrNotOpen
	case c.out <- f:
		return nil
	}
}

// writeLoop is the single writer. On Close it flushes what is already queued
// before returning.
func (c *wsConn) writeLoop() {
	defer close(c.writeDone)
	for {
		select {
		case f := <-c.out:
			if err := c.ws.Write(c.ctx, f.typ, f.data); err != nil {
				c.interrupt(fmt.Errorf("write: %w", err))
				return
			}
		case <-c.closing:
			for {
				select {
				case f := <-c.out:
					if err := c.ws.Write(c.ctx, f.typ, f.data); err != nil {
						return
					}
				default:
					return
				}
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// readLoop decodes inbound frames until the socket closes.
func (c *wsConn) readLoop() {
	defer close(c.readDone)
	defer close(c.results)
	for {
		typ, data, err := c.ws.Read(c.ctx)
		if err != nil {
			select {
			case <-c.closing:
			default:
				c.interrupt(fmt.Errorf("read: %w", err))
			}
			return
		}

		if typ != websocket.MessageText {
			c.malformed(fmt.Errorf("%w: unexpected binary frame of %d bytes", ErrMalformedResult, len(data)))
			continue
		}
		msg, err := DecodeResult(data)
		if err != nil {
			c.malformed(err)
			continue
		}

		select {
		case c.results <- msg:
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *wsConn) malformed(err error) {
	slog.Debug("transport: discarding inbound frame", "err", err)
	if c.onMalformed != nil {
		c.onMalformed(err)
	}
}

// interrupt handles an unexpected closure: it moves straight to Disconnected
// and stops both loops.
func (c *wsConn) interrupt(cause error) {
	c.finish(fmt.Errorf("%w: %w", ErrInterrupted, cause))
	c.cancel()
	_ = c.ws.CloseNow()
}

func (c *wsConn) finish(err error) {
	c.finishOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		c.state.Store(int32(StateDisconnected))
		close(c.done)
	})
}

func (c *wsConn) Close() error {
	var closeErr error
	c.closeOnce.Do(func() {
		c.state.CompareAndSwap(int32(StateOpen), int32(StateClosing))
		close(c.closing)
		<-c.writeDone

		err := c.ws.Close(websocket.StatusNormalClosure, "session closed")
		c.cancel()
		<-c.readDone
		c.finish(nil)

		var ce websocket.CloseError
		if err != nil && !errors.As(err, &ce) && !errors.Is(err, context.Canceled) && c.Err() == nil {
			closeErr = fmt.Errorf("transport: close: %w", err)
		}
	})
	return closeErr
}
