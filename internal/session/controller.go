package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/text/language"

	"github.com/MrWong99/babelcast/internal/observe"
	"github.com/MrWong99/babelcast/internal/resilience"
	"github.com/MrWong99/babelcast/pkg/audio"
	"github.com/MrWong99/babelcast/pkg/audio/playback"
	"github.com/MrWong99/babelcast/pkg/encoder"
	"github.com/MrWong99/babelcast/pkg/transport"
	"github.com/MrWong99/babelcast/pkg/vad"
)

// analysisFormat is what the analyser is fed, the rate a browser audio
// context runs at.
var analysisFormat = audio.Format{SampleRate: 48000, Channels: 1}

// VADParams configures the per-session activity detector.
type VADParams struct {
	Threshold float64
	Hold      time.Duration
	Tick      time.Duration
	FFTSize   int
	Smoothing float64
}

// DefaultVADParams returns the browser-compatible detector settings.
func DefaultVADParams() VADParams {
	return VADParams{
		Threshold: vad.DefaultThreshold,
		Hold:      vad.DefaultHold,
		Tick:      vad.DefaultTick,
		FFTSize:   vad.DefaultFFTSize,
		Smoothing: vad.DefaultSmoothing,
	}
}

// Config holds all dependencies for a [Controller].
type Config struct {
	// Source acquires the microphone. Required.
	Source audio.Source

	// Dialer opens backend connections. Required.
	Dialer transport.Dialer

	// Endpoint is the backend websocket URL. Required.
	Endpoint string

	// Dialect is the control-message dialect the Dialer speaks. Defaults to
	// [transport.DialectLegacy].
	Dialect transport.Dialect

	// DialTimeout bounds the handshake. Zero means no timeout beyond ctx.
	DialTimeout time.Duration

	// Policy selects how ChangeLanguage behaves. Defaults to [PolicyRestart].
	Policy LanguagePolicy

	// Codec produces encoded segments. Required.
	Codec encoder.Codec

	// EncoderOptions are passed to every per-session [encoder.Encoder].
	EncoderOptions []encoder.Option

	// VAD configures the activity detector. Zero values select defaults.
	VAD VADParams

	// Playback receives decoded synthesized speech. Nil drops it.
	Playback *playback.Queue

	// Breaker, when set, guards Dial and counts interrupted sessions as
	// connection failures.
	Breaker *resilience.Breaker

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Observer defaults to [NopObserver].
	Observer Observer

	// Now defaults to time.Now.
	Now func() time.Time
}

// Controller runs at most one translation session at a time. All exported
// methods are safe for concurrent use.
type Controller struct {
	source      audio.Source
	dialer      transport.Dialer
	endpoint    string
	dialect     transport.Dialect
	dialTimeout time.Duration
	policy      LanguagePolicy
	codec       encoder.Codec
	encOpts     []encoder.Option
	vad         VADParams
	playback    *playback.Queue
	breaker     *resilience.Breaker
	metrics     *observe.Metrics
	observer    Observer
	now         func() time.Time

	// opMu serialises Start, Stop and ChangeLanguage.
	opMu sync.Mutex

	// mu guards cur and the mutable fields of every session.
	mu  sync.Mutex
	cur *session
}

// session holds every handle a running session needs. Only the controller
// touches it.
type session struct {
	id        string
	language  string
	state     State
	startedAt time.Time
	result    Result
	level     float64
	activated bool
	log       *slog.Logger

	conn   transport.Connection
	stream audio.Stream
	enc    *encoder.Encoder
	loop   *vad.Loop
	mono   *audio.FormatConverter
	rotate *time.Ticker

	// abort cancels a Start still waiting on dial or acquisition.
	abort context.CancelFunc
	// cancel stops the event loop.
	cancel context.CancelFunc

	teardown sync.Once
	released chan struct{}
	err      error
}

// New validates cfg and returns a Controller.
func New(cfg Config) (*Controller, error) {
	var errs []error
	if cfg.Source == nil {
		errs = append(errs, errors.New("source is required"))
	}
	if cfg.Dialer == nil {
		errs = append(errs, errors.New("dialer is required"))
	}
	if cfg.Endpoint == "" {
		errs = append(errs, errors.New("endpoint is required"))
	}
	if cfg.Codec == nil {
		errs = append(errs, errors.New("codec is required"))
	}
	if cfg.Dialect == "" {
		cfg.Dialect = transport.DialectLegacy
	}
	if !cfg.Dialect.IsValid() {
		errs = append(errs, fmt.Errorf("unknown dialect %q", cfg.Dialect))
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyRestart
	}
	if !cfg.Policy.IsValid() {
		errs = append(errs, fmt.Errorf("unknown language policy %q", cfg.Policy))
	} else if cfg.Policy == PolicyRetarget && !cfg.Dialect.SupportsRetarget() {
		errs = append(errs, fmt.Errorf("language policy %q needs dialect %q, got %q",
			PolicyRetarget, transport.DialectControl, cfg.Dialect))
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("session: invalid config: %w", errors.Join(errs...))
	}

	c := &Controller{
		source:      cfg.Source,
		dialer:      cfg.Dialer,
		endpoint:    cfg.Endpoint,
		dialect:     cfg.Dialect,
		dialTimeout: cfg.DialTimeout,
		policy:      cfg.Policy,
		codec:       cfg.Codec,
		encOpts:     cfg.EncoderOptions,
		vad:         withVADDefaults(cfg.VAD),
		playback:    cfg.Playback,
		breaker:     cfg.Breaker,
		metrics:     cfg.Metrics,
		observer:    cfg.Observer,
		now:         cfg.Now,
	}
	if c.breaker != nil {
		c.dialer = resilience.GuardDialer(c.dialer, c.breaker)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	if c.observer == nil {
		c.observer = NopObserver{}
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c, nil
}

// withVADDefaults fills unset durations and window size. Threshold and
// smoothing may legitimately be zero, so they are only defaulted when p is
// entirely unset.
func withVADDefaults(p VADParams) VADParams {
	d := DefaultVADParams()
	if p == (VADParams{}) {
		return d
	}
	if p.Hold <= 0 {
		p.Hold = d.Hold
	}
	if p.Tick <= 0 {
		p.Tick = d.Tick
	}
	if p.FFTSize <= 0 {
		p.FFTSize = d.FFTSize
	}
	return p
}

// Policy returns the configured language policy.
func (c *Controller) Policy() LanguagePolicy { return c.policy }

// Start begins a session translating into lang. It is a no-op while a session
// is Active or Connecting. Start returns once the connection is open, the
// language was sent and the microphone is capturing.
//
// A dial failure leaves the session Closed. A microphone failure closes the
// connection again and leaves the session Idle; the error wraps
// [audio.ErrPermissionDenied] or [audio.ErrDeviceUnavailable].
func (c *Controller) Start(ctx context.Context, lang string) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.start(ctx, lang)
}

func (c *Controller) start(ctx context.Context, lang string) error {
	if _, err := language.Parse(lang); err != nil {
		return fmt.Errorf("session: invalid target language %q: %w", lang, err)
	}

	c.mu.Lock()
	prev := c.cur
	if prev != nil && (prev.state == StateActive || prev.state == StateConnecting) {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	// A session torn down by an interruption may still be releasing.
	if prev != nil {
		<-prev.released
	}

	startCtx, abort := context.WithCancel(ctx)
	defer abort()

	id := uuid.NewString()
	spanCtx, span := observe.StartSessionSpan(startCtx, id, lang)
	defer span.End()

	s := &session{
		id:        id,
		language:  lang,
		state:     StateConnecting,
		startedAt: c.now(),
		abort:     abort,
		released:  make(chan struct{}),
		log:       observe.Logger(spanCtx).With("session_id", id, "language", lang),
	}

	c.mu.Lock()
	c.cur = s
	c.mu.Unlock()
	c.setState(s, StateConnecting)

	if err := c.connect(spanCtx, s); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "connect")
		c.metrics.RecordSessionError(ctx, observe.ErrKindConnection)
		c.observer.SessionError(s.id, err)
		c.teardownSession(s, err, StateClosed)
		return err
	}

	stream, err := c.source.Acquire(spanCtx)
	if err != nil {
		err = fmt.Errorf("session: acquire microphone: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "acquire")
		c.metrics.RecordSessionError(ctx, acquireErrKind(err))
		c.observer.SessionError(s.id, err)
		c.teardownSession(s, err, StateIdle)
		return err
	}
	s.stream = stream

	if err := c.startPipeline(s); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "pipeline")
		c.observer.SessionError(s.id, err)
		c.teardownSession(s, err, StateClosed)
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.mu.Lock()
	s.cancel = cancel
	s.abort = nil
	s.activated = true
	c.mu.Unlock()
	c.metrics.ActiveSessions.Add(ctx, 1)
	c.setState(s, StateActive)

	s.log.Info("session started", "endpoint", c.endpoint, "dialect", c.dialect)
	go c.run(runCtx, s)
	return nil
}

// connect dials the backend and announces the target language before any
// audio can be produced.
func (c *Controller) connect(ctx context.Context, s *session) error {
	if c.dialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.dialTimeout)
		defer cancel()
	}

	began := c.now()
	conn, err := c.dialer.Dial(ctx, c.endpoint)
	c.metrics.DialDuration.Record(ctx, c.now().Sub(began).Seconds())
	if err != nil {
		return fmt.Errorf("session: connect: %w", err)
	}
	c.mu.Lock()
	s.conn = conn
	c.mu.Unlock()

	if err := conn.SendControl(transport.ControlMessage{TargetLanguage: s.language}); err != nil {
		return fmt.Errorf("session: send target language: %w", err)
	}
	return nil
}

// startPipeline builds the analysis loop and the encoder. Capture is already
// running; frames buffer in the stream until the event loop reads them.
func (c *Controller) startPipeline(s *session) error {
	analyser, err := vad.NewAnalyser(c.vad.FFTSize, c.vad.Smoothing)
	if err != nil {
		return fmt.Errorf("session: analyser: %w", err)
	}
	s.loop = vad.NewLoop(analyser, vad.NewDetector(c.vad.Threshold, c.vad.Hold), c.vad.Tick)
	s.loop.OnMean = func(mean float64) {
		c.mu.Lock()
		s.level = mean
		c.mu.Unlock()
	}
	s.mono = &audio.FormatConverter{Target: analysisFormat}
	s.enc = encoder.New(c.codec, c.encOpts...)

	now := c.now()
	if err := s.enc.Start(now); err != nil {
		return fmt.Errorf("session: start encoder: %w", err)
	}
	if s.enc.Policy() == encoder.PolicyInterval {
		s.rotate = time.NewTicker(s.enc.Interval())
	}
	s.loop.Start()
	return nil
}

func acquireErrKind(err error) string {
	if errors.Is(err, audio.ErrPermissionDenied) {
		return observe.ErrKindPermission
	}
	return observe.ErrKindDevice
}

// run is the session's event loop. It owns the encoder and the analysis loop
// and performs the teardown when it exits.
func (c *Controller) run(ctx context.Context, s *session) {
	var cause error
	defer func() {
		c.teardownSession(s, cause, StateClosed)
	}()

	frames := s.stream.Frames()
	results := s.conn.Results()
	var rotate <-chan time.Time
	if s.rotate != nil {
		rotate = s.rotate.C
	}

	for {
		select {
		case <-ctx.Done():
			return

		case <-s.conn.Done():
			cause = s.conn.Err()
			if cause == nil {
				cause = transport.ErrInterrupted
			}
			s.log.Warn("session interrupted", "err", cause)
			c.metrics.RecordSessionError(ctx, observe.ErrKindInterrupted)
			if c.breaker != nil {
				c.breaker.Failure()
			}
			c.observer.SessionError(s.id, cause)
			return

		case f, ok := <-frames:
			if !ok {
				cause = fmt.Errorf("session: capture ended: %w", audio.ErrDeviceUnavailable)
				s.log.Warn("capture stream ended")
				c.metrics.RecordSessionError(ctx, observe.ErrKindDevice)
				c.observer.SessionError(s.id, cause)
				return
			}
			c.handleFrame(ctx, s, f)

		case now := <-s.loop.C():
			c.handleTick(ctx, s, now)

		case now := <-rotate:
			seg, err := s.enc.Rotate(now)
			c.emit(ctx, s, seg, err)

		case msg, ok := <-results:
			if !ok {
				// Done follows.
				results = nil
				continue
			}
			c.handleResult(ctx, s, msg)
		}
	}
}

func (c *Controller) handleFrame(ctx context.Context, s *session, f audio.AudioFrame) {
	s.loop.Feed(s.mono.Convert(f).Data)
	if err := s.enc.Write(f); err != nil {
		c.metrics.RecordSegmentDropped(ctx, observe.DropFault)
		s.log.Warn("encoder write failed, dropping unit", "err", err)
	}
}

func (c *Controller) handleTick(ctx context.Context, s *session, now time.Time) {
	edge, ok := s.loop.Step(now)
	if !ok {
		return
	}
	c.metrics.RecordSpeechEdge(ctx, edge.String())
	s.log.Debug("voice activity", "edge", edge)

	switch edge {
	case vad.SpeechStart:
		if err := s.enc.SpeechStart(now); err != nil {
			c.metrics.RecordSegmentDropped(ctx, observe.DropFault)
			s.log.Warn("encoder failed to open unit", "err", err)
		}
	case vad.SpeechStop:
		seg, err := s.enc.SpeechStop(now)
		c.emit(ctx, s, seg, err)
	}
}

// emit sends a finalised segment. Rotation can yield a segment together with
// an error opening the next unit, so both are handled.
func (c *Controller) emit(ctx context.Context, s *session, seg *audio.AudioSegment, err error) {
	switch {
	case err == nil:
	case errors.Is(err, encoder.ErrTooShort):
		c.metrics.RecordSegmentDropped(ctx, observe.DropTooShort)
		s.log.Debug("segment too short, dropped", "err", err)
	default:
		c.metrics.RecordSegmentDropped(ctx, observe.DropFault)
		s.log.Warn("segment finalisation failed, dropped", "err", err)
	}
	if seg == nil {
		return
	}
	if err := s.conn.SendAudio(seg); err != nil {
		c.metrics.RecordSegmentDropped(ctx, observe.DropNotOpen)
		s.log.Warn("segment not sent", "err", err)
		return
	}
	c.metrics.RecordSegmentSent(ctx, seg.Duration)
	s.log.Debug("segment sent", "bytes", len(seg.Data), "frames", seg.Frames, "duration", seg.Duration)
	c.observer.SegmentSent(s.id, seg)
}

func (c *Controller) handleResult(ctx context.Context, s *session, msg transport.ResultMessage) {
	c.metrics.ResultsReceived.Add(ctx, 1)

	c.mu.Lock()
	touched := s.result.Merge(msg)
	res := s.result
	c.mu.Unlock()
	if touched {
		c.observer.ResultUpdated(s.id, res)
	}

	if msg.TTSAudio == nil || *msg.TTSAudio == "" || c.playback == nil {
		return
	}
	data, err := base64.StdEncoding.DecodeString(*msg.TTSAudio)
	if err != nil {
		c.metrics.ResultsMalformed.Add(ctx, 1)
		s.log.Warn("discarding undecodable tts audio", "err", err)
		return
	}
	c.playback.Enqueue(playback.Item{Audio: data, ReceivedAt: c.now()})
}

// teardownSession is the only way a session ends. It releases every resource
// even when some fail and leaves the session in final.
func (c *Controller) teardownSession(s *session, cause error, final State) {
	s.teardown.Do(func() {
		c.setState(s, StateClosing)

		var errs []error
		if s.enc != nil {
			s.enc.Stop()
		}
		if s.loop != nil {
			s.loop.Stop()
		}
		if s.rotate != nil {
			s.rotate.Stop()
		}
		if s.stream != nil {
			if err := s.stream.Release(); err != nil {
				errs = append(errs, fmt.Errorf("release microphone: %w", err))
			}
		}
		if s.conn != nil {
			if err := s.conn.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close connection: %w", err))
			}
		}
		if c.playback != nil {
			c.playback.Stop()
		}
		if s.cancel != nil {
			s.cancel()
		}

		s.err = errors.Join(errs...)
		if s.err != nil {
			c.metrics.RecordSessionError(context.Background(), observe.ErrKindTeardown)
			s.log.Warn("session teardown errors", "err", s.err)
		}
		if s.activated {
			c.metrics.ActiveSessions.Add(context.Background(), -1)
		}

		c.setState(s, final)
		s.log.Info("session stopped", "state", final, "cause", cause)
		close(s.released)
	})
}

func (c *Controller) setState(s *session, st State) {
	c.mu.Lock()
	s.state = st
	c.mu.Unlock()
	c.observer.SessionStateChanged(s.id, st)
}

// Stop ends the current session and waits until its resources are released.
// A Start still waiting on dial or microphone permission is aborted. Stop is
// a no-op when no session is running. The returned error joins any release
// failures; every resource is released regardless.
func (c *Controller) Stop() error {
	c.mu.Lock()
	if s := c.cur; s != nil && s.state == StateConnecting && s.abort != nil {
		s.abort()
	}
	c.mu.Unlock()

	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.stop()
}

func (c *Controller) stop() error {
	c.mu.Lock()
	s := c.cur
	if s == nil {
		c.mu.Unlock()
		return nil
	}
	switch s.state {
	case StateActive:
		cancel := s.cancel
		c.mu.Unlock()
		cancel()
	case StateClosing:
		c.mu.Unlock()
	default:
		c.mu.Unlock()
		return nil
	}
	<-s.released
	return s.err
}

// ChangeLanguage switches the active session to lang. Under [PolicyRestart]
// the session is stopped and a new one started; under [PolicyRetarget] a
// control message is sent on the live connection. Returns [ErrNotActive]
// when no session is Active.
func (c *Controller) ChangeLanguage(ctx context.Context, lang string) error {
	if _, err := language.Parse(lang); err != nil {
		return fmt.Errorf("session: invalid target language %q: %w", lang, err)
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	s := c.cur
	if s == nil || s.state != StateActive {
		c.mu.Unlock()
		return ErrNotActive
	}
	current, conn := s.language, s.conn
	c.mu.Unlock()

	if current == lang {
		return nil
	}

	switch c.policy {
	case PolicyRetarget:
		if err := conn.SendControl(transport.ControlMessage{TargetLanguage: lang}); err != nil {
			return fmt.Errorf("session: retarget to %q: %w", lang, err)
		}
		c.mu.Lock()
		s.language = lang
		c.mu.Unlock()
		s.log.Info("target language changed", "new_language", lang, "policy", c.policy)
		return nil
	default:
		if err := c.stop(); err != nil {
			s.log.Warn("restart: previous session released with errors", "err", err)
		}
		return c.start(ctx, lang)
	}
}

// Status returns a snapshot of the current or most recent session.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.cur
	if s == nil {
		return Status{State: StateIdle}
	}
	st := Status{
		SessionID: s.id,
		State:     s.state,
		Language:  s.language,
		StartedAt: s.startedAt,
		Result:    s.result,
	}
	if s.state == StateActive {
		st.Level = s.level
	}
	return st
}

// Ready reports nil while idle and, once a session is Active, only while its
// connection is Open.
func (c *Controller) Ready() error {
	c.mu.Lock()
	s := c.cur
	var conn transport.Connection
	active := s != nil && s.state == StateActive
	if active {
		conn = s.conn
	}
	c.mu.Unlock()

	if !active {
		return nil
	}
	if st := conn.State(); st != transport.StateOpen {
		return fmt.Errorf("session %s: transport %s", s.id, st)
	}
	return nil
}
