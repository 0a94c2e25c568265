// Package resilience guards the backend connection with a circuit breaker.
//
// A [Breaker] counts consecutive connection failures. Once the count reaches
// its limit it opens and rejects attempts with [ErrCircuitOpen] until the
// reset timeout elapses; the next attempt is then let through as a single
// probe. A successful probe closes the breaker, a failed one re-opens it.
//
// The breaker never retries or reconnects by itself. It only decides whether
// a caller-initiated attempt may proceed.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/babelcast/pkg/transport"
)

// ErrCircuitOpen is returned while the breaker rejects attempts.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every attempt.
	StateClosed State = iota

	// StateOpen rejects attempts until the reset timeout elapses.
	StateOpen

	// StateHalfOpen lets exactly one probe attempt through.
	StateHalfOpen
)

// String returns the log label of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds tuning knobs for a [Breaker].
type Config struct {
	// Name labels log lines.
	Name string

	// MaxFailures is the number of consecutive failures that open the
	// breaker. Default: 3.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open. Default: 30s.
	ResetTimeout time.Duration

	// Now overrides the clock in tests.
	Now func() time.Time
}

// Breaker is a three-state circuit breaker. It is safe for concurrent use.
type Breaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	now          func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// New creates a [Breaker]. Zero-value config fields take their defaults.
func New(cfg Config) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		now:          cfg.Now,
	}
}

// Allow reports whether an attempt may start. Every nil return must be
// followed by exactly one [Breaker.Success] or [Breaker.Failure].
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.resetTimeout {
			return ErrCircuitOpen
		}
		b.state = StateHalfOpen
		b.probing = true
		slog.Info("circuit breaker half-open, probing", "name", b.name)
		return nil
	case StateHalfOpen:
		if b.probing {
			return ErrCircuitOpen
		}
		b.probing = true
	}
	return nil
}

// Success records a successful attempt and closes the breaker.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateClosed {
		slog.Info("circuit breaker closed", "name", b.name)
	}
	b.state = StateClosed
	b.failures = 0
	b.probing = false
}

// Failure records a failed attempt. It may be called without a preceding
// Allow to report a connection that dropped after it was established.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probing = false
	if b.state == StateHalfOpen {
		b.trip()
		return
	}
	b.failures++
	if b.state == StateClosed && b.failures >= b.maxFailures {
		b.trip()
	}
}

// trip opens the breaker. Must be called with b.mu held.
func (b *Breaker) trip() {
	b.state = StateOpen
	b.openedAt = b.now()
	slog.Warn("circuit breaker opened",
		"name", b.name,
		"consecutive_failures", b.failures,
		"reset_timeout", b.resetTimeout,
	)
}

// State returns the current state. An open breaker whose timeout has elapsed
// reports [StateHalfOpen]; the transition itself happens on the next Allow.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.resetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker closed and clears the failure count.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.probing = false
	slog.Info("circuit breaker manually reset", "name", b.name)
}

// Dialer wraps a [transport.Dialer] so that every dial goes through a
// [Breaker]. Dial failures count against the breaker; a completed handshake
// closes it. Only cancellation by the caller is not counted; a handshake that
// runs into a deadline is a failure like any other.
type Dialer struct {
	next    transport.Dialer
	breaker *Breaker
}

var _ transport.Dialer = (*Dialer)(nil)

// GuardDialer returns next guarded by b.
func GuardDialer(next transport.Dialer, b *Breaker) *Dialer {
	return &Dialer{next: next, breaker: b}
}

// Breaker returns the guarding breaker.
func (d *Dialer) Breaker() *Breaker { return d.breaker }

// Dial implements [transport.Dialer].
func (d *Dialer) Dial(ctx context.Context, endpoint string) (transport.Connection, error) {
	if err := d.breaker.Allow(); err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	conn, err := d.next.Dial(ctx, endpoint)
	switch {
	case err == nil:
		d.breaker.Success()
	case errors.Is(ctx.Err(), context.Canceled):
		// The caller gave up; release the probe slot without counting.
		d.breaker.mu.Lock()
		d.breaker.probing = false
		d.breaker.mu.Unlock()
	default:
		d.breaker.Failure()
	}
	return conn, err
}
