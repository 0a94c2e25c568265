package playback_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/babelcast/pkg/audio/mock"
	"github.com/MrWong99/babelcast/pkg/audio/playback"
)

// trackedItem returns an item whose Release increments counter.
func trackedItem(name string, counter *atomic.Int32) playback.Item {
	return playback.Item{
		Audio:      []byte(name),
		MimeType:   "audio/mpeg",
		ReceivedAt: time.Now(),
		Release:    func() { counter.Add(1) },
	}
}

func waitStarted(t *testing.T, ch <-chan playback.Item, want string) {
	t.Helper()
	select {
	case got := <-ch:
		if string(got.Audio) != want {
			t.Fatalf("started %q, want %q", got.Audio, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %q to start", want)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestQueue_PlaysItem(t *testing.T) {
	t.Parallel()

	player := &mock.Player{}
	q := playback.NewQueue(player)
	defer q.Close()

	var released atomic.Int32
	q.Enqueue(trackedItem("a", &released))

	waitFor(t, func() bool { return released.Load() == 1 })
	calls := player.PlayCalls()
	if len(calls) != 1 || string(calls[0].Item.Audio) != "a" {
		t.Fatalf("calls = %+v, want one play of a", calls)
	}
	if calls[0].Cancelled {
		t.Error("item should have played to completion")
	}
}

func TestQueue_NewestWins(t *testing.T) {
	t.Parallel()

	started := make(chan playback.Item, 4)
	player := &mock.Player{Hold: true, Started: started}
	var preempted atomic.Int32
	q := playback.NewQueue(player, playback.WithPreemptHook(func() { preempted.Add(1) }))
	defer q.Close()

	var relA, relB atomic.Int32
	q.Enqueue(trackedItem("a", &relA))
	waitStarted(t, started, "a")

	q.Enqueue(trackedItem("b", &relB))
	waitStarted(t, started, "b")

	if relA.Load() != 1 {
		t.Errorf("item a released %d times, want 1", relA.Load())
	}
	if relB.Load() != 0 {
		t.Errorf("item b released while still playing")
	}
	if !q.Playing() {
		t.Error("Playing() = false, want true while b plays")
	}
	if got := player.MaxActive(); got != 1 {
		t.Errorf("MaxActive = %d, want 1", got)
	}
	if got := preempted.Load(); got != 1 {
		t.Errorf("preempt hook fired %d times, want 1", got)
	}
	calls := player.PlayCalls()
	if len(calls) != 1 || !calls[0].Cancelled {
		t.Errorf("calls = %+v, want a cancelled", calls)
	}
}

func TestQueue_SupersededPendingReleasedUnplayed(t *testing.T) {
	t.Parallel()

	started := make(chan playback.Item, 4)
	player := &mock.Player{Hold: true, Started: started}
	q := playback.NewQueue(player)
	defer q.Close()

	var relA, relB, relC atomic.Int32
	q.Enqueue(trackedItem("a", &relA))
	waitStarted(t, started, "a")

	// b and c arrive back to back; b may be superseded before it starts.
	q.Enqueue(trackedItem("b", &relB))
	q.Enqueue(trackedItem("c", &relC))

	deadline := time.After(2 * time.Second)
wait:
	for {
		select {
		case it := <-started:
			if string(it.Audio) == "c" {
				break wait
			}
		case <-deadline:
			t.Fatal("c never started")
		}
	}
	waitFor(t, func() bool { return relA.Load() == 1 && relB.Load() == 1 })
	if relC.Load() != 0 {
		t.Error("c released while playing")
	}
	if got := player.MaxActive(); got != 1 {
		t.Errorf("MaxActive = %d, want 1", got)
	}
}

func TestQueue_StopReleasesCurrent(t *testing.T) {
	t.Parallel()

	started := make(chan playback.Item, 1)
	player := &mock.Player{Hold: true, Started: started}
	q := playback.NewQueue(player)
	defer q.Close()

	var rel atomic.Int32
	q.Enqueue(trackedItem("a", &rel))
	waitStarted(t, started, "a")

	q.Stop()
	waitFor(t, func() bool { return rel.Load() == 1 })
	waitFor(t, func() bool { return !q.Playing() })
}

func TestQueue_CloseIdempotent(t *testing.T) {
	t.Parallel()

	q := playback.NewQueue(playback.Discard{})
	if err := q.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestQueue_EnqueueAfterClose(t *testing.T) {
	t.Parallel()

	player := &mock.Player{}
	q := playback.NewQueue(player)
	_ = q.Close()

	var rel atomic.Int32
	q.Enqueue(trackedItem("late", &rel))
	if rel.Load() != 1 {
		t.Errorf("item enqueued after Close released %d times, want 1", rel.Load())
	}
	if n := len(player.PlayCalls()); n != 0 {
		t.Errorf("player called %d times after Close", n)
	}
}
