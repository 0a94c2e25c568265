// Package config provides the configuration schema, loader, file watcher and
// component registry for the babelcast client.
package config

import (
	"time"

	"github.com/MrWong99/babelcast/internal/session"
	"github.com/MrWong99/babelcast/pkg/encoder"
	"github.com/MrWong99/babelcast/pkg/transport"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Backend    BackendConfig    `yaml:"backend"`
	Session    SessionConfig    `yaml:"session"`
	Audio      AudioConfig      `yaml:"audio"`
	VAD        VADConfig        `yaml:"vad"`
	Encoder    EncoderConfig    `yaml:"encoder"`
	Playback   PlaybackConfig   `yaml:"playback"`
	Resilience ResilienceConfig `yaml:"resilience"`
}

// ServerConfig holds process-level settings.
type ServerConfig struct {
	// LogLevel is one of debug, info, warn, error.
	LogLevel LogLevel `yaml:"log_level"`

	// ListenAddr serves /metrics, /healthz and /readyz when non-empty.
	ListenAddr string `yaml:"listen_addr"`
}

// BackendConfig describes the translation backend.
type BackendConfig struct {
	// Endpoint is the websocket URL, e.g. "ws://localhost:8000/ws".
	Endpoint string `yaml:"endpoint"`

	// Dialect selects the control message shape the backend expects.
	Dialect transport.Dialect `yaml:"dialect"`

	// DialTimeout bounds the websocket handshake.
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// Headers are sent with the handshake request.
	Headers map[string]string `yaml:"headers"`
}

// SessionConfig holds per-session behaviour.
type SessionConfig struct {
	// TargetLanguage is the language code requested from the backend.
	TargetLanguage string `yaml:"target_language"`

	// LanguagePolicy chooses how a language change reaches the backend.
	LanguagePolicy session.LanguagePolicy `yaml:"language_policy"`
}

// AudioConfig selects and tunes the capture source.
type AudioConfig struct {
	// Source names a registered capture source: "portaudio" or "ffmpeg".
	Source string `yaml:"source"`

	// Device is the ffmpeg input device, e.g. "default".
	Device string `yaml:"device"`

	// Format is the ffmpeg input format, e.g. "pulse", "alsa", "avfoundation".
	Format string `yaml:"format"`

	SampleRate int `yaml:"sample_rate"`
	FrameMs    int `yaml:"frame_ms"`
}

// FrameDuration returns FrameMs as a duration.
func (a AudioConfig) FrameDuration() time.Duration {
	return time.Duration(a.FrameMs) * time.Millisecond
}

// VADConfig tunes the activity detector. Threshold and Smoothing are pointers
// so an explicit zero can be told apart from an omitted value.
type VADConfig struct {
	Threshold *float64      `yaml:"threshold"`
	Hold      time.Duration `yaml:"hold"`
	Tick      time.Duration `yaml:"tick"`
	FFTSize   int           `yaml:"fft_size"`
	Smoothing *float64      `yaml:"smoothing"`
}

// EncoderConfig tunes segmentation and the Opus codec.
type EncoderConfig struct {
	Policy    encoder.Policy `yaml:"policy"`
	Interval  time.Duration  `yaml:"interval"`
	MinFrames *int           `yaml:"min_frames"`

	// Bitrate is the Opus target bitrate in bits per second.
	Bitrate int `yaml:"bitrate"`
}

// PlaybackConfig selects the TTS player.
type PlaybackConfig struct {
	// Player names a registered player: "ffplay" or "discard".
	Player string `yaml:"player"`
}

// ResilienceConfig configures the dial circuit breaker.
type ResilienceConfig struct {
	// MaxFailures is the number of consecutive connection failures that open
	// the breaker. An explicit 0 disables it; unset selects the default.
	MaxFailures *int `yaml:"max_failures"`

	ResetTimeout time.Duration `yaml:"reset_timeout"`
}
