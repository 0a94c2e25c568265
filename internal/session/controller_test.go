package session_test

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/babelcast/internal/resilience"
	"github.com/MrWong99/babelcast/internal/session"
	"github.com/MrWong99/babelcast/pkg/audio"
	audiomock "github.com/MrWong99/babelcast/pkg/audio/mock"
	"github.com/MrWong99/babelcast/pkg/audio/playback"
	"github.com/MrWong99/babelcast/pkg/encoder"
	encodermock "github.com/MrWong99/babelcast/pkg/encoder/mock"
	"github.com/MrWong99/babelcast/pkg/transport"
	transportmock "github.com/MrWong99/babelcast/pkg/transport/mock"
)

const testEndpoint = "ws://backend.test/ws"

// ─── helpers ──────────────────────────────────────────────────────────────────

type recorder struct {
	mu       sync.Mutex
	states   []session.State
	results  []session.Result
	segments int
	errs     []error
}

func (r *recorder) SessionStateChanged(_ string, st session.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, st)
}

func (r *recorder) ResultUpdated(_ string, res session.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
}

func (r *recorder) SegmentSent(string, *audio.AudioSegment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.segments++
}

func (r *recorder) SessionError(_ string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder) resultCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.results)
}

func (r *recorder) sessionErrors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

type fixture struct {
	ctrl   *session.Controller
	src    *audiomock.Source
	dialer *transportmock.Dialer
	codec  *encodermock.Codec
	rec    *recorder
}

func newFixture(t *testing.T, mutate func(*session.Config)) *fixture {
	t.Helper()
	f := &fixture{
		src:    &audiomock.Source{},
		dialer: &transportmock.Dialer{},
		codec:  &encodermock.Codec{},
		rec:    &recorder{},
	}
	cfg := session.Config{
		Source:         f.src,
		Dialer:         f.dialer,
		Endpoint:       testEndpoint,
		Codec:          f.codec,
		EncoderOptions: []encoder.Option{encoder.WithMinFrames(1)},
		VAD: session.VADParams{
			Threshold: 20,
			Hold:      60 * time.Millisecond,
			Tick:      5 * time.Millisecond,
			FFTSize:   256,
		},
		Observer: f.rec,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	ctrl, err := session.New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.ctrl = ctrl
	t.Cleanup(func() { _ = ctrl.Stop() })
	return f
}

// talker keeps pushing 20 ms frames into a stream, loud or silent.
type talker struct {
	loud atomic.Bool
	done chan struct{}
}

func talk(t *testing.T, st *audiomock.Stream) *talker {
	t.Helper()
	tk := &talker{done: make(chan struct{})}
	rng := rand.New(rand.NewPCG(1, 2))
	go func() {
		for {
			select {
			case <-tk.done:
				return
			case <-time.After(2 * time.Millisecond):
			}
			pcm := make([]byte, 960*2)
			if tk.loud.Load() {
				for i := 0; i < len(pcm); i += 2 {
					binary.LittleEndian.PutUint16(pcm[i:], uint16(rng.Uint32()))
				}
			}
			st.Push(audio.AudioFrame{Data: pcm, SampleRate: 48000, Channels: 1})
		}
	}()
	t.Cleanup(func() { close(tk.done) })
	return tk
}

// utter plays one loud burst followed by silence.
func (tk *talker) utter(loudFor time.Duration) {
	tk.loud.Store(true)
	time.Sleep(loudFor)
	tk.loud.Store(false)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func str(s string) *string { return &s }

// ─── tests ────────────────────────────────────────────────────────────────────

func TestController_EndToEnd(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	if err := f.ctrl.Start(ctx, "es"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	conn := f.dialer.Last()
	if conn.Endpoint != testEndpoint {
		t.Errorf("dialled %q, want %q", conn.Endpoint, testEndpoint)
	}
	if got := conn.Controls(); len(got) != 1 || got[0].TargetLanguage != "es" {
		t.Fatalf("controls = %+v, want one for es", got)
	}
	if st := f.ctrl.Status(); st.State != session.StateActive || st.Language != "es" || st.SessionID == "" {
		t.Fatalf("status = %+v, want active es session", st)
	}

	talk(t, f.src.LastStream()).utter(80 * time.Millisecond)
	waitFor(t, "one segment", func() bool { return len(conn.Audio()) == 1 })

	order := conn.Order()
	if len(order) < 2 || order[0] != "control:es" || order[1] != "audio" {
		t.Errorf("send order = %v, want control before audio", order)
	}
	if seg := conn.Audio()[0]; seg.Frames < 1 || seg.MimeType != "audio/x-mock" {
		t.Errorf("segment = %d frames %q", seg.Frames, seg.MimeType)
	}

	conn.Deliver(transport.ResultMessage{
		Transcription:    str("hola"),
		DetectedLanguage: str("es"),
		Translation:      str("hello"),
	})
	want := session.Result{Transcription: "hola", DetectedLanguage: "es", Translation: "hello"}
	waitFor(t, "merged result", func() bool { return f.ctrl.Status().Result == want })

	if err := f.ctrl.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if conn.CloseCount() != 1 {
		t.Errorf("Close calls = %d, want 1", conn.CloseCount())
	}
	if st := f.src.LastStream(); !st.Released() || st.ReleaseCount() != 1 {
		t.Errorf("stream released=%v count=%d, want released once", st.Released(), st.ReleaseCount())
	}
	if f.src.Held() != 0 || f.dialer.Open() != 0 {
		t.Errorf("held=%d open=%d after Stop, want 0/0", f.src.Held(), f.dialer.Open())
	}
	if st := f.ctrl.Status(); st.State != session.StateClosed || st.Result != want {
		t.Errorf("status after Stop = %+v", st)
	}
}

func TestController_StatusReportsLevel(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	if err := f.ctrl.Start(context.Background(), "es"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	tk := talk(t, f.src.LastStream())

	tk.loud.Store(true)
	waitFor(t, "loud level", func() bool { return f.ctrl.Status().Level > 20 })
	tk.loud.Store(false)
	waitFor(t, "quiet level", func() bool { return f.ctrl.Status().Level <= 20 })

	if err := f.ctrl.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if lvl := f.ctrl.Status().Level; lvl != 0 {
		t.Errorf("Level after Stop = %v, want 0", lvl)
	}
}

func TestController_StartIsNoOpWhileActive(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	for range 3 {
		if err := f.ctrl.Start(ctx, "es"); err != nil {
			t.Fatalf("Start: %v", err)
		}
	}
	if f.dialer.DialCount() != 1 || f.src.AcquireCount() != 1 {
		t.Errorf("dials=%d acquires=%d, want 1/1", f.dialer.DialCount(), f.src.AcquireCount())
	}
}

func TestController_StopWhenIdleIsNoOp(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	if err := f.ctrl.Stop(); err != nil {
		t.Errorf("Stop on idle: %v", err)
	}
	if st := f.ctrl.Status(); st.State != session.StateIdle {
		t.Errorf("State = %v, want idle", st.State)
	}
}

func TestController_NeverHoldsTwoResources(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	for i := range 5 {
		if err := f.ctrl.Start(ctx, "es"); err != nil {
			t.Fatalf("Start %d: %v", i, err)
		}
		if err := f.ctrl.Stop(); err != nil {
			t.Fatalf("Stop %d: %v", i, err)
		}
		if err := f.ctrl.Stop(); err != nil {
			t.Fatalf("second Stop %d: %v", i, err)
		}
	}

	if f.src.MaxHeld() != 1 || f.dialer.MaxOpen() != 1 {
		t.Errorf("max held=%d max open=%d, want 1/1", f.src.MaxHeld(), f.dialer.MaxOpen())
	}
	for i, st := range f.src.Streams {
		if st.ReleaseCount() != 1 {
			t.Errorf("stream %d released %d times, want 1", i, st.ReleaseCount())
		}
	}
	for i, c := range f.dialer.Conns {
		if c.CloseCount() != 1 {
			t.Errorf("conn %d closed %d times, want 1", i, c.CloseCount())
		}
	}
}

func TestController_ConcurrentStartStop(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 10 {
				if i%2 == 0 {
					_ = f.ctrl.Start(ctx, "es")
				} else {
					_ = f.ctrl.Stop()
				}
			}
		}()
	}
	wg.Wait()
	_ = f.ctrl.Stop()

	if f.src.MaxHeld() > 1 || f.dialer.MaxOpen() > 1 {
		t.Errorf("max held=%d max open=%d, want at most 1", f.src.MaxHeld(), f.dialer.MaxOpen())
	}
	if f.src.Held() != 0 || f.dialer.Open() != 0 {
		t.Errorf("held=%d open=%d after final Stop", f.src.Held(), f.dialer.Open())
	}
}

func TestController_MergeKeepsAbsentFields(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	if err := f.ctrl.Start(context.Background(), "es"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	conn := f.dialer.Last()

	conn.Deliver(transport.ResultMessage{Transcription: str("hola"), DetectedLanguage: str("es")})
	conn.Deliver(transport.ResultMessage{Translation: str("X")})
	waitFor(t, "two updates", func() bool { return f.rec.resultCount() == 2 })

	want := session.Result{Transcription: "hola", DetectedLanguage: "es", Translation: "X"}
	if got := f.ctrl.Status().Result; got != want {
		t.Errorf("result = %+v, want %+v", got, want)
	}

	conn.Deliver(transport.ResultMessage{Transcription: str("")})
	conn.Deliver(transport.ResultMessage{})
	waitFor(t, "clearing update", func() bool { return f.rec.resultCount() == 3 })

	want.Transcription = ""
	if got := f.ctrl.Status().Result; got != want {
		t.Errorf("result after clear = %+v, want %+v", got, want)
	}
}

func TestController_TTSIsPlayed(t *testing.T) {
	t.Parallel()
	player := &audiomock.Player{Started: make(chan playback.Item, 4)}
	queue := playback.NewQueue(player)
	t.Cleanup(func() { _ = queue.Close() })

	f := newFixture(t, func(c *session.Config) { c.Playback = queue })
	if err := f.ctrl.Start(context.Background(), "es"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	conn := f.dialer.Last()

	conn.Deliver(transport.ResultMessage{TTSAudio: str("!!not base64!!")})
	conn.Deliver(transport.ResultMessage{
		Translation: str("hello"),
		TTSAudio:    str(base64.StdEncoding.EncodeToString([]byte("mp3-bytes"))),
	})

	select {
	case item := <-player.Started:
		if string(item.Audio) != "mp3-bytes" {
			t.Errorf("played %q, want mp3-bytes", item.Audio)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("tts audio never played")
	}
	if got := f.ctrl.Status().Result.Translation; got != "hello" {
		t.Errorf("translation = %q, want hello", got)
	}
}

func TestController_InterruptionTearsDown(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()
	if err := f.ctrl.Start(ctx, "es"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	conn := f.dialer.Last()
	stream := f.src.LastStream()

	conn.Interrupt(errors.New("connection reset by peer"))
	waitFor(t, "closed session", func() bool { return f.ctrl.Status().State == session.StateClosed })

	if !stream.Released() {
		t.Error("stream not released after interruption")
	}
	errs := f.rec.sessionErrors()
	if len(errs) != 1 || !errors.Is(errs[0], transport.ErrInterrupted) {
		t.Errorf("observer errors = %v, want one ErrInterrupted", errs)
	}
	if f.dialer.DialCount() != 1 {
		t.Errorf("dials = %d, want no automatic reconnect", f.dialer.DialCount())
	}

	if err := f.ctrl.Start(ctx, "es"); err != nil {
		t.Fatalf("Start after interruption: %v", err)
	}
	if f.dialer.DialCount() != 2 || f.src.MaxHeld() != 1 {
		t.Errorf("dials=%d max held=%d, want 2/1", f.dialer.DialCount(), f.src.MaxHeld())
	}
}

func TestController_StopReleasesEverythingDespiteErrors(t *testing.T) {
	t.Parallel()
	player := &audiomock.Player{Hold: true, Started: make(chan playback.Item, 1)}
	queue := playback.NewQueue(player)
	t.Cleanup(func() { _ = queue.Close() })

	f := newFixture(t, func(c *session.Config) { c.Playback = queue })
	if err := f.ctrl.Start(context.Background(), "es"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	conn := f.dialer.Last()
	stream := f.src.LastStream()

	conn.Deliver(transport.ResultMessage{TTSAudio: str(base64.StdEncoding.EncodeToString([]byte("speech")))})
	select {
	case <-player.Started:
	case <-time.After(3 * time.Second):
		t.Fatal("tts audio never started")
	}

	errMic := errors.New("device busy")
	errSock := errors.New("close frame not acknowledged")
	stream.SetReleaseErr(errMic)
	conn.SetCloseErr(errSock)

	err := f.ctrl.Stop()
	if !errors.Is(err, errMic) || !errors.Is(err, errSock) {
		t.Fatalf("Stop err = %v, want both release errors joined", err)
	}
	if !stream.Released() {
		t.Error("stream not released")
	}
	if conn.CloseCount() != 1 || f.dialer.Open() != 0 {
		t.Errorf("closes=%d open=%d, want 1/0", conn.CloseCount(), f.dialer.Open())
	}
	if st := f.ctrl.Status(); st.State != session.StateClosed {
		t.Errorf("State = %v, want closed", st.State)
	}
	waitFor(t, "playback stopped", func() bool {
		calls := player.PlayCalls()
		return len(calls) == 1 && calls[0].Cancelled && !queue.Playing()
	})
}

func TestController_CaptureFailureIsIdle(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		cause   error
		wantErr error
	}{
		{name: "permission", cause: fmt.Errorf("portaudio: %w", audio.ErrPermissionDenied), wantErr: audio.ErrPermissionDenied},
		{name: "device", cause: fmt.Errorf("ffmpeg: %w", audio.ErrDeviceUnavailable), wantErr: audio.ErrDeviceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, nil)
			f.src.AcquireErr = tt.cause

			err := f.ctrl.Start(context.Background(), "es")
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Start err = %v, want %v", err, tt.wantErr)
			}
			if st := f.ctrl.Status(); st.State != session.StateIdle {
				t.Errorf("State = %v, want idle", st.State)
			}
			if conn := f.dialer.Last(); conn == nil || conn.CloseCount() != 1 {
				t.Error("transport opened for the session was not closed")
			}
			if f.dialer.Open() != 0 {
				t.Errorf("open connections = %d, want 0", f.dialer.Open())
			}
		})
	}
}

func TestController_DialFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.dialer.SetDialErr(errors.New("connection refused"))

	if err := f.ctrl.Start(context.Background(), "es"); err == nil {
		t.Fatal("Start succeeded with a failing dialer")
	}
	if f.src.AcquireCount() != 0 {
		t.Errorf("acquires = %d, microphone must not open before the connection", f.src.AcquireCount())
	}
	if st := f.ctrl.Status(); st.State != session.StateClosed {
		t.Errorf("State = %v, want closed", st.State)
	}
}

func TestController_BreakerFailsFast(t *testing.T) {
	t.Parallel()
	b := resilience.New(resilience.Config{Name: "backend", MaxFailures: 2, ResetTimeout: time.Hour})
	f := newFixture(t, func(c *session.Config) { c.Breaker = b })
	f.dialer.SetDialErr(errors.New("connection refused"))
	ctx := context.Background()

	for range 2 {
		if err := f.ctrl.Start(ctx, "es"); err == nil {
			t.Fatal("Start succeeded with a failing dialer")
		}
	}
	err := f.ctrl.Start(ctx, "es")
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("third Start err = %v, want ErrCircuitOpen", err)
	}
	if f.dialer.DialCount() != 2 {
		t.Errorf("dials = %d, want 2", f.dialer.DialCount())
	}
}

func TestController_BreakerOpensOnHungHandshake(t *testing.T) {
	t.Parallel()
	b := resilience.New(resilience.Config{Name: "backend", MaxFailures: 3, ResetTimeout: time.Hour})
	f := newFixture(t, func(c *session.Config) {
		c.Breaker = b
		c.DialTimeout = 20 * time.Millisecond
	})
	f.dialer.Block = make(chan struct{})
	ctx := context.Background()

	for range 3 {
		if err := f.ctrl.Start(ctx, "es"); !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("Start err = %v, want context.DeadlineExceeded", err)
		}
	}
	if b.State() != resilience.StateOpen {
		t.Fatalf("breaker state = %v, want open", b.State())
	}
	if err := f.ctrl.Start(ctx, "es"); !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("fourth Start err = %v, want ErrCircuitOpen", err)
	}
	if f.dialer.DialCount() != 3 {
		t.Errorf("dials = %d, want 3", f.dialer.DialCount())
	}
}

func TestController_StopAbortsPendingStart(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.dialer.Block = make(chan struct{})

	errc := make(chan error, 1)
	go func() { errc <- f.ctrl.Start(context.Background(), "es") }()
	waitFor(t, "dial in progress", func() bool { return f.dialer.DialCount() == 1 })

	if err := f.ctrl.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Start err = %v, want context.Canceled", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
	if f.src.AcquireCount() != 0 {
		t.Errorf("acquires = %d, want 0", f.src.AcquireCount())
	}
}

func TestController_ChangeLanguageRestart(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()
	if err := f.ctrl.Start(ctx, "es"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	first := f.dialer.Last()

	if err := f.ctrl.ChangeLanguage(ctx, "de"); err != nil {
		t.Fatalf("ChangeLanguage: %v", err)
	}
	second := f.dialer.Last()
	if first == second || first.CloseCount() != 1 {
		t.Fatal("restart policy must close the old connection and dial a new one")
	}
	if got := second.Controls(); len(got) != 1 || got[0].TargetLanguage != "de" {
		t.Errorf("new connection controls = %+v, want one for de", got)
	}
	if f.src.MaxHeld() != 1 || f.dialer.MaxOpen() != 1 {
		t.Errorf("max held=%d max open=%d, want 1/1", f.src.MaxHeld(), f.dialer.MaxOpen())
	}
	if st := f.ctrl.Status(); st.Language != "de" || st.State != session.StateActive {
		t.Errorf("status = %+v, want active de", st)
	}
}

func TestController_ChangeLanguageRetarget(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(c *session.Config) {
		c.Dialect = transport.DialectControl
		c.Policy = session.PolicyRetarget
	})
	ctx := context.Background()
	if err := f.ctrl.Start(ctx, "es"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := f.ctrl.ChangeLanguage(ctx, "de"); err != nil {
		t.Fatalf("ChangeLanguage: %v", err)
	}
	if err := f.ctrl.ChangeLanguage(ctx, "de"); err != nil {
		t.Fatalf("repeated ChangeLanguage: %v", err)
	}

	if f.dialer.DialCount() != 1 {
		t.Errorf("dials = %d, retarget must keep the connection", f.dialer.DialCount())
	}
	got := f.dialer.Last().Controls()
	if len(got) != 2 || got[0].TargetLanguage != "es" || got[1].TargetLanguage != "de" {
		t.Errorf("controls = %+v, want es then de", got)
	}
	if st := f.ctrl.Status(); st.Language != "de" {
		t.Errorf("Language = %q, want de", st.Language)
	}
}

func TestController_ChangeLanguageNotActive(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	if err := f.ctrl.ChangeLanguage(context.Background(), "de"); !errors.Is(err, session.ErrNotActive) {
		t.Errorf("err = %v, want ErrNotActive", err)
	}
	if err := f.ctrl.ChangeLanguage(context.Background(), "not a tag!"); err == nil {
		t.Error("invalid language accepted")
	}
}

func TestController_IntervalPolicy(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(c *session.Config) {
		c.EncoderOptions = []encoder.Option{
			encoder.WithPolicy(encoder.PolicyInterval),
			encoder.WithInterval(40 * time.Millisecond),
			encoder.WithMinFrames(1),
		}
	})
	if err := f.ctrl.Start(context.Background(), "es"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	conn := f.dialer.Last()
	talk(t, f.src.LastStream())

	waitFor(t, "two rotated segments", func() bool { return len(conn.Audio()) >= 2 })
	if err := f.ctrl.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	sent := len(conn.Audio())
	last := f.codec.Units[len(f.codec.Units)-1]
	if !last.Aborted() || last.Closed() {
		t.Error("partial unit at Stop must be discarded, not finalised")
	}
	if closed := countClosed(f.codec.Units); closed != sent {
		t.Errorf("finalised units = %d, sent = %d", closed, sent)
	}
}

func countClosed(units []*encodermock.Unit) int {
	n := 0
	for _, u := range units {
		if u.Closed() {
			n++
		}
	}
	return n
}

func TestController_Ready(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	if err := f.ctrl.Ready(); err != nil {
		t.Errorf("Ready while idle: %v", err)
	}
	if err := f.ctrl.Start(context.Background(), "es"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := f.ctrl.Ready(); err != nil {
		t.Errorf("Ready while active: %v", err)
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	base := func() session.Config {
		return session.Config{
			Source:   &audiomock.Source{},
			Dialer:   &transportmock.Dialer{},
			Endpoint: testEndpoint,
			Codec:    &encodermock.Codec{},
		}
	}
	tests := []struct {
		name   string
		mutate func(*session.Config)
	}{
		{name: "no source", mutate: func(c *session.Config) { c.Source = nil }},
		{name: "no dialer", mutate: func(c *session.Config) { c.Dialer = nil }},
		{name: "no endpoint", mutate: func(c *session.Config) { c.Endpoint = "" }},
		{name: "no codec", mutate: func(c *session.Config) { c.Codec = nil }},
		{name: "bad policy", mutate: func(c *session.Config) { c.Policy = "sometimes" }},
		{name: "retarget on legacy", mutate: func(c *session.Config) { c.Policy = session.PolicyRetarget }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base()
			tt.mutate(&cfg)
			if _, err := session.New(cfg); err == nil {
				t.Error("New succeeded, want error")
			}
		})
	}

	c, err := session.New(base())
	if err != nil {
		t.Fatalf("New(valid): %v", err)
	}
	if c.Policy() != session.PolicyRestart {
		t.Errorf("default policy = %q, want restart", c.Policy())
	}
}
