// Package playback plays synthesized speech returned by the translation
// backend, strictly one item at a time.
//
// The [Queue] keeps a single pending slot rather than a FIFO: the newest item
// always wins. Enqueuing while something is playing cancels the in-flight item,
// releases it, and plays the new one. An item that was waiting but never
// started is released without being played when a newer one arrives.
package playback

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Item is one decoded audio clip ready for playback. Ownership passes to the
// [Queue] on Enqueue.
type Item struct {
	// Audio is the complete encoded clip (e.g., MP3 or WAV bytes).
	Audio []byte

	// MimeType describes Audio when known. Players that sniff the container
	// may ignore it.
	MimeType string

	// ReceivedAt is when the clip arrived from the backend.
	ReceivedAt time.Time

	// Release, when set, is called exactly once after the queue has finished
	// with the item: after it played, after it was preempted, or when it was
	// superseded or discarded before playing.
	Release func()
}

// Player renders a single item. Play must block until the clip has finished
// or ctx is cancelled, and must return promptly after cancellation.
type Player interface {
	Play(ctx context.Context, item Item) error
}

// Discard is a [Player] that accepts every item and plays nothing.
type Discard struct{}

// Play implements [Player]. It returns immediately.
func (Discard) Play(context.Context, Item) error { return nil }

// Option configures a [Queue].
type Option func(*Queue)

// WithPreemptHook registers fn to be called every time a playing item is cut
// short by a newer one.
func WithPreemptHook(fn func()) Option {
	return func(q *Queue) {
		q.onPreempt = fn
	}
}

type entry struct {
	item    Item
	cancel  context.CancelFunc
	release sync.Once
}

func (e *entry) done() {
	e.release.Do(func() {
		if e.item.Release != nil {
			e.item.Release()
		}
	})
}

// Queue serialises playback through a [Player] with newest-wins semantics.
// All exported methods are safe for concurrent use.
type Queue struct {
	player    Player
	onPreempt func()

	mu      sync.Mutex
	pending *entry
	current *entry
	closed  bool

	notify chan struct{}
	stop   chan struct{}
	wg     sync.WaitGroup
}

// NewQueue creates a Queue that plays through player and starts its dispatch
// goroutine. Call [Queue.Close] to stop it.
func NewQueue(player Player, opts ...Option) *Queue {
	q := &Queue{
		player: player,
		notify: make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
	for _, o := range opts {
		o(q)
	}
	q.wg.Add(1)
	go q.dispatch()
	return q
}

// Enqueue hands item to the queue. Any item still waiting is released unplayed
// and the playing item, if any, is cancelled. After Close the item is released
// immediately.
func (q *Queue) Enqueue(item Item) {
	e := &entry{item: item}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		e.done()
		return
	}
	superseded := q.pending
	q.pending = e
	preempted := q.current != nil
	if preempted {
		q.current.cancel()
	}
	q.mu.Unlock()

	if superseded != nil {
		superseded.done()
	}
	if preempted && q.onPreempt != nil {
		q.onPreempt()
	}

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Playing reports whether an item is currently being played.
func (q *Queue) Playing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.current != nil
}

// Stop halts the playing item and releases anything waiting. The queue stays
// usable.
func (q *Queue) Stop() {
	q.mu.Lock()
	pending := q.pending
	q.pending = nil
	if q.current != nil {
		q.current.cancel()
	}
	q.mu.Unlock()

	if pending != nil {
		pending.done()
	}
}

// Close stops playback and the dispatch goroutine, and waits for it to exit.
// Close is idempotent.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	q.Stop()
	close(q.stop)
	q.wg.Wait()
	return nil
}

func (q *Queue) dispatch() {
	defer q.wg.Done()
	for {
		select {
		case <-q.stop:
			return
		case <-q.notify:
		}

		for {
			e, ctx := q.next()
			if e == nil {
				break
			}
			err := q.player.Play(ctx, e.item)
			if err != nil && !errors.Is(err, context.Canceled) {
				slog.Warn("playback: play failed", "err", err, "mime", e.item.MimeType, "bytes", len(e.item.Audio))
			}
			e.cancel()
			e.done()

			q.mu.Lock()
			if q.current == e {
				q.current = nil
			}
			q.mu.Unlock()
		}
	}
}

// next promotes the pending item to current. It returns nil when nothing is
// waiting or the queue is closed.
func (q *Queue) next() (*entry, context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || q.pending == nil {
		return nil, nil
	}
	e := q.pending
	q.pending = nil
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	q.current = e
	return e, ctx
}
