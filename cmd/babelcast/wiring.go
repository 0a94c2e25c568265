package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/MrWong99/babelcast/internal/config"
	"github.com/MrWong99/babelcast/internal/observe"
	"github.com/MrWong99/babelcast/internal/resilience"
	"github.com/MrWong99/babelcast/internal/session"
	"github.com/MrWong99/babelcast/pkg/audio"
	"github.com/MrWong99/babelcast/pkg/audio/ffmpeg"
	"github.com/MrWong99/babelcast/pkg/audio/playback"
	"github.com/MrWong99/babelcast/pkg/audio/portaudio"
	"github.com/MrWong99/babelcast/pkg/encoder"
	"github.com/MrWong99/babelcast/pkg/transport"
)

// registerBuiltinComponents wires every capture source and player that ships
// with babelcast into reg.
func registerBuiltinComponents(reg *config.Registry) {
	reg.RegisterSource("portaudio", func(a config.AudioConfig) (audio.Source, error) {
		return portaudio.New(
			portaudio.WithSampleRate(a.SampleRate),
			portaudio.WithFrameDuration(a.FrameDuration()),
		), nil
	})
	reg.RegisterSource("ffmpeg", func(a config.AudioConfig) (audio.Source, error) {
		return ffmpeg.NewCapture(
			ffmpeg.WithInput(a.Format, a.Device),
			ffmpeg.WithCaptureRate(a.SampleRate),
			ffmpeg.WithCaptureFrame(a.FrameDuration()),
		), nil
	})

	reg.RegisterPlayer("ffplay", func(config.PlaybackConfig) (playback.Player, error) {
		return ffmpeg.NewPlayer(), nil
	})
	reg.RegisterPlayer("discard", func(config.PlaybackConfig) (playback.Player, error) {
		return playback.Discard{}, nil
	})
}

// application holds the long-lived objects built from the config.
type application struct {
	ctrl  *session.Controller
	queue *playback.Queue
}

func (a *application) close() {
	if err := a.queue.Close(); err != nil {
		slog.Warn("playback queue close error", "err", err)
	}
}

// build instantiates the source, player, dialer and controller named in cfg.
func build(cfg *config.Config, reg *config.Registry, metrics *observe.Metrics, obs session.Observer) (*application, error) {
	source, err := reg.CreateSource(cfg.Audio)
	if err != nil {
		return nil, fmt.Errorf("create audio source %q: %w", cfg.Audio.Source, err)
	}
	slog.Info("component created", "kind", "source", "name", cfg.Audio.Source)

	player, err := reg.CreatePlayer(cfg.Playback)
	if err != nil {
		return nil, fmt.Errorf("create player %q: %w", cfg.Playback.Player, err)
	}
	slog.Info("component created", "kind", "player", "name", cfg.Playback.Player)

	queue := playback.NewQueue(player, playback.WithPreemptHook(func() {
		metrics.PlaybackPreempted.Add(context.Background(), 1)
	}))

	dialOpts := []transport.Option{
		transport.WithDialect(cfg.Backend.Dialect),
		transport.WithMalformedHook(func(err error) {
			metrics.ResultsMalformed.Add(context.Background(), 1)
			slog.Debug("discarded malformed result", "err", err)
		}),
	}
	for k, v := range cfg.Backend.Headers {
		dialOpts = append(dialOpts, transport.WithHeader(k, v))
	}

	var breaker *resilience.Breaker
	if m := cfg.Resilience.MaxFailures; m != nil && *m > 0 {
		breaker = resilience.New(resilience.Config{
			Name:         "backend",
			MaxFailures:  *m,
			ResetTimeout: cfg.Resilience.ResetTimeout,
		})
	}

	encOpts := []encoder.Option{
		encoder.WithPolicy(cfg.Encoder.Policy),
		encoder.WithInterval(cfg.Encoder.Interval),
	}
	if cfg.Encoder.MinFrames != nil {
		encOpts = append(encOpts, encoder.WithMinFrames(*cfg.Encoder.MinFrames))
	}

	ctrl, err := session.New(session.Config{
		Source:         source,
		Dialer:         transport.NewDialer(dialOpts...),
		Endpoint:       cfg.Backend.Endpoint,
		Dialect:        cfg.Backend.Dialect,
		DialTimeout:    cfg.Backend.DialTimeout,
		Policy:         cfg.Session.LanguagePolicy,
		Codec:          encoder.NewOpusWebM(cfg.Encoder.Bitrate),
		EncoderOptions: encOpts,
		VAD:            vadParams(cfg.VAD),
		Playback:       queue,
		Breaker:        breaker,
		Metrics:        metrics,
		Observer:       obs,
	})
	if err != nil {
		_ = queue.Close()
		return nil, err
	}
	return &application{ctrl: ctrl, queue: queue}, nil
}

func vadParams(v config.VADConfig) session.VADParams {
	p := session.VADParams{
		Hold:    v.Hold,
		Tick:    v.Tick,
		FFTSize: v.FFTSize,
	}
	if v.Threshold != nil {
		p.Threshold = *v.Threshold
	}
	if v.Smoothing != nil {
		p.Smoothing = *v.Smoothing
	}
	return p
}
