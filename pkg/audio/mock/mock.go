// Package mock provides in-memory implementations of [audio.Source],
// [audio.Stream] and [playback.Player] for use in unit tests.
//
// All mocks are safe for concurrent use. They record every call so tests can
// assert on call counts, and they expose exported fields that control return
// values.
//
// Typical usage:
//
//	src := &mock.Source{}
//	stream, err := src.Acquire(ctx)
//	src.LastStream().Push(audio.AudioFrame{Data: pcm, SampleRate: 48000, Channels: 1})
//	_ = stream.Release()
//	if src.MaxHeld() != 1 { ... }
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/babelcast/pkg/audio"
	"github.com/MrWong99/babelcast/pkg/audio/playback"
)

// Compile-time interface assertions.
var (
	_ audio.Source    = (*Source)(nil)
	_ audio.Stream    = (*Stream)(nil)
	_ playback.Player = (*Player)(nil)
)

// defaultFrameBuffer is the channel capacity of streams created by [Source].
const defaultFrameBuffer = 256

// ─── Stream ───────────────────────────────────────────────────────────────────

// Stream is a mock [audio.Stream]. Frames are injected with [Stream.Push].
type Stream struct {
	mu       sync.Mutex
	ch       chan audio.AudioFrame
	released bool
	onFirst  func()
	firstErr error

	// ReleaseErr is returned by the first Release call. Later calls return
	// the same result even if ReleaseErr changes.
	ReleaseErr error

	// ReleaseCalls records how many times Release was called.
	ReleaseCalls int
}

// NewStream returns a stream whose frame channel holds up to buffer frames.
func NewStream(buffer int) *Stream {
	if buffer <= 0 {
		buffer = defaultFrameBuffer
	}
	return &Stream{ch: make(chan audio.AudioFrame, buffer)}
}

// Frames implements [audio.Stream].
func (s *Stream) Frames() <-chan audio.AudioFrame {
	return s.ch
}

// Push delivers f to the consumer. It returns false when the stream has been
// released or the buffer is full.
func (s *Stream) Push(f audio.AudioFrame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return false
	}
	select {
	case s.ch <- f:
		return true
	default:
		return false
	}
}

// Release implements [audio.Stream]. The first call closes the frame channel
// and captures ReleaseErr; every call is counted and returns that result.
func (s *Stream) Release() error {
	s.mu.Lock()
	s.ReleaseCalls++
	first := !s.released
	var hook func()
	if first {
		s.released = true
		close(s.ch)
		hook = s.onFirst
		s.firstErr = s.ReleaseErr
	}
	err := s.firstErr
	s.mu.Unlock()

	if hook != nil {
		hook()
	}
	return err
}

// SetReleaseErr sets ReleaseErr under the stream's lock.
func (s *Stream) SetReleaseErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ReleaseErr = err
}

// Released reports whether Release has been called at least once.
func (s *Stream) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

// ReleaseCount returns how many times Release was called.
func (s *Stream) ReleaseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ReleaseCalls
}

// ─── Source ───────────────────────────────────────────────────────────────────

// Source is a mock [audio.Source]. Each successful Acquire creates a fresh
// [Stream] and tracks how many acquired streams are unreleased at once.
type Source struct {
	mu sync.Mutex

	// AcquireErr, when non-nil, is returned by Acquire and no stream is created.
	AcquireErr error

	// Block, when non-nil, makes Acquire wait until it is closed or ctx ends.
	// Use it to simulate a pending permission prompt.
	Block chan struct{}

	// AcquireCalls records how many times Acquire was called.
	AcquireCalls int

	// Streams holds every stream handed out, in order.
	Streams []*Stream

	held    int
	maxHeld int
}

// Acquire implements [audio.Source].
func (s *Source) Acquire(ctx context.Context) (audio.Stream, error) {
	s.mu.Lock()
	s.AcquireCalls++
	block := s.Block
	s.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.AcquireErr != nil {
		return nil, s.AcquireErr
	}

	st := NewStream(defaultFrameBuffer)
	st.onFirst = func() {
		s.mu.Lock()
		s.held--
		s.mu.Unlock()
	}
	s.Streams = append(s.Streams, st)
	s.held++
	if s.held > s.maxHeld {
		s.maxHeld = s.held
	}
	return st, nil
}

// AcquireCount returns how many times Acquire was called.
func (s *Source) AcquireCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.AcquireCalls
}

// Held returns the number of acquired streams not yet released.
func (s *Source) Held() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.held
}

// MaxHeld returns the highest number of simultaneously held streams observed.
func (s *Source) MaxHeld() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxHeld
}

// LastStream returns the most recently acquired stream, or nil.
func (s *Source) LastStream() *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.Streams) == 0 {
		return nil
	}
	return s.Streams[len(s.Streams)-1]
}

// ─── Player ───────────────────────────────────────────────────────────────────

// PlayCall records one [Player.Play] invocation.
type PlayCall struct {
	// Item is the item passed to Play.
	Item playback.Item

	// Cancelled reports whether Play returned because its context ended.
	Cancelled bool
}

// Player is a mock [playback.Player].
//
// When Hold is true, Play blocks until its context is cancelled, which lets a
// test observe preemption. Otherwise Play returns PlayErr immediately.
type Player struct {
	mu sync.Mutex

	// Hold makes Play block until ctx is cancelled.
	Hold bool

	// PlayErr is returned by Play when Hold is false.
	PlayErr error

	// Calls records finished Play invocations in completion order.
	Calls []PlayCall

	// Started, when non-nil, receives each item as Play begins. Sends are
	// blocking, so size the channel or drain it.
	Started chan playback.Item

	active    int
	maxActive int
}

// Play implements [playback.Player].
func (p *Player) Play(ctx context.Context, item playback.Item) error {
	p.mu.Lock()
	p.active++
	if p.active > p.maxActive {
		p.maxActive = p.active
	}
	hold, playErr, started := p.Hold, p.PlayErr, p.Started
	p.mu.Unlock()

	if started != nil {
		started <- item
	}

	var err error
	cancelled := false
	if hold {
		<-ctx.Done()
		err = ctx.Err()
		cancelled = true
	} else {
		err = playErr
	}

	p.mu.Lock()
	p.active--
	p.Calls = append(p.Calls, PlayCall{Item: item, Cancelled: cancelled})
	p.mu.Unlock()
	return err
}

// MaxActive returns the highest number of concurrently running Play calls.
func (p *Player) MaxActive() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxActive
}

// PlayCalls returns a copy of the recorded calls.
func (p *Player) PlayCalls() []PlayCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PlayCall, len(p.Calls))
	copy(out, p.Calls)
	return out
}
