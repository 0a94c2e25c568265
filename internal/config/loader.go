package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"time"

	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/babelcast/internal/session"
	"github.com/MrWong99/babelcast/pkg/encoder"
	"github.com/MrWong99/babelcast/pkg/transport"
	"github.com/MrWong99/babelcast/pkg/vad"
)

// ValidComponentNames lists the built-in component names per kind.
// Used by [Validate] to warn about unrecognised names.
var ValidComponentNames = map[string][]string{
	"source": {"portaudio", "ffmpeg"},
	"player": {"ffplay", "discard"},
}

// Defaults applied by [ApplyDefaults] for zero values.
const (
	DefaultEndpoint       = "ws://localhost:8000/ws"
	DefaultDialTimeout    = 10 * time.Second
	DefaultTargetLanguage = "es"
	DefaultSource         = "portaudio"
	DefaultDevice         = "default"
	DefaultFormat         = "pulse"
	DefaultSampleRate     = 48000
	DefaultFrameMs        = 20
	DefaultBitrate        = 16000
	DefaultPlayer         = "ffplay"
	DefaultMaxFailures    = 3
	DefaultResetTimeout   = 30 * time.Second

	minInterval = 250 * time.Millisecond
	maxInterval = 10 * time.Second
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills defaults and validates
// the result. An empty document yields the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills every zero-valued field of cfg with its default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	if cfg.Backend.Endpoint == "" {
		cfg.Backend.Endpoint = DefaultEndpoint
	}
	if cfg.Backend.Dialect == "" {
		cfg.Backend.Dialect = transport.DialectLegacy
	}
	if cfg.Backend.DialTimeout == 0 {
		cfg.Backend.DialTimeout = DefaultDialTimeout
	}

	if cfg.Session.TargetLanguage == "" {
		cfg.Session.TargetLanguage = DefaultTargetLanguage
	}
	if cfg.Session.LanguagePolicy == "" {
		cfg.Session.LanguagePolicy = session.PolicyRestart
	}

	if cfg.Audio.Source == "" {
		cfg.Audio.Source = DefaultSource
	}
	if cfg.Audio.Device == "" {
		cfg.Audio.Device = DefaultDevice
	}
	if cfg.Audio.Format == "" {
		cfg.Audio.Format = DefaultFormat
	}
	if cfg.Audio.SampleRate == 0 {
		cfg.Audio.SampleRate = DefaultSampleRate
	}
	if cfg.Audio.FrameMs == 0 {
		cfg.Audio.FrameMs = DefaultFrameMs
	}

	if cfg.VAD.Threshold == nil {
		cfg.VAD.Threshold = ptr[float64](vad.DefaultThreshold)
	}
	if cfg.VAD.Hold == 0 {
		cfg.VAD.Hold = vad.DefaultHold
	}
	if cfg.VAD.Tick == 0 {
		cfg.VAD.Tick = vad.DefaultTick
	}
	if cfg.VAD.FFTSize == 0 {
		cfg.VAD.FFTSize = vad.DefaultFFTSize
	}
	if cfg.VAD.Smoothing == nil {
		cfg.VAD.Smoothing = ptr(vad.DefaultSmoothing)
	}

	if cfg.Encoder.Policy == "" {
		cfg.Encoder.Policy = encoder.PolicyVAD
	}
	if cfg.Encoder.Interval == 0 {
		cfg.Encoder.Interval = encoder.DefaultInterval
	}
	if cfg.Encoder.MinFrames == nil {
		cfg.Encoder.MinFrames = ptr(encoder.DefaultMinFrames)
	}
	if cfg.Encoder.Bitrate == 0 {
		cfg.Encoder.Bitrate = DefaultBitrate
	}

	if cfg.Playback.Player == "" {
		cfg.Playback.Player = DefaultPlayer
	}

	if cfg.Resilience.MaxFailures == nil {
		cfg.Resilience.MaxFailures = ptr(DefaultMaxFailures)
	}
	if cfg.Resilience.ResetTimeout == 0 {
		cfg.Resilience.ResetTimeout = DefaultResetTimeout
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
// Call [ApplyDefaults] first; unset optional values are not reported.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Backend
	if err := ValidateEndpoint(cfg.Backend.Endpoint); err != nil {
		errs = append(errs, fmt.Errorf("backend.endpoint: %w", err))
	}
	if !cfg.Backend.Dialect.IsValid() {
		errs = append(errs, fmt.Errorf("backend.dialect %q is invalid; valid values: legacy, control", cfg.Backend.Dialect))
	}
	if cfg.Backend.DialTimeout < 0 {
		errs = append(errs, fmt.Errorf("backend.dial_timeout %v must not be negative", cfg.Backend.DialTimeout))
	}

	// Session
	if err := ValidateLanguage(cfg.Session.TargetLanguage); err != nil {
		errs = append(errs, fmt.Errorf("session.target_language: %w", err))
	}
	if !cfg.Session.LanguagePolicy.IsValid() {
		errs = append(errs, fmt.Errorf("session.language_policy %q is invalid; valid values: restart, retarget", cfg.Session.LanguagePolicy))
	}
	if cfg.Session.LanguagePolicy == session.PolicyRetarget && !cfg.Backend.Dialect.SupportsRetarget() {
		errs = append(errs, fmt.Errorf("session.language_policy %q requires backend.dialect %q, got %q",
			session.PolicyRetarget, transport.DialectControl, cfg.Backend.Dialect))
	}

	// Audio
	validateComponentName("source", cfg.Audio.Source)
	if cfg.Audio.SampleRate < 8000 || cfg.Audio.SampleRate > 192000 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d is out of range [8000, 192000]", cfg.Audio.SampleRate))
	}
	if cfg.Audio.FrameMs < 5 || cfg.Audio.FrameMs > 200 {
		errs = append(errs, fmt.Errorf("audio.frame_ms %d is out of range [5, 200]", cfg.Audio.FrameMs))
	}

	// VAD
	if t := cfg.VAD.Threshold; t != nil && (*t < 0 || *t > 255) {
		errs = append(errs, fmt.Errorf("vad.threshold %.2f is out of range [0, 255]", *t))
	}
	if cfg.VAD.Hold < 0 {
		errs = append(errs, fmt.Errorf("vad.hold %v must not be negative", cfg.VAD.Hold))
	}
	if cfg.VAD.Tick < 0 {
		errs = append(errs, fmt.Errorf("vad.tick %v must not be negative", cfg.VAD.Tick))
	}
	if n := cfg.VAD.FFTSize; n < 32 || n > 32768 || n&(n-1) != 0 {
		errs = append(errs, fmt.Errorf("vad.fft_size %d must be a power of two in [32, 32768]", n))
	}
	if s := cfg.VAD.Smoothing; s != nil && (*s < 0 || *s >= 1) {
		errs = append(errs, fmt.Errorf("vad.smoothing %.2f is out of range [0, 1)", *s))
	}

	// Encoder
	if !cfg.Encoder.Policy.IsValid() {
		errs = append(errs, fmt.Errorf("encoder.policy %q is invalid; valid values: vad, interval", cfg.Encoder.Policy))
	}
	if cfg.Encoder.Interval < minInterval || cfg.Encoder.Interval > maxInterval {
		errs = append(errs, fmt.Errorf("encoder.interval %v is out of range [%v, %v]", cfg.Encoder.Interval, minInterval, maxInterval))
	}
	if m := cfg.Encoder.MinFrames; m != nil && *m < 0 {
		errs = append(errs, fmt.Errorf("encoder.min_frames %d must not be negative", *m))
	}
	if cfg.Encoder.Bitrate < 6000 || cfg.Encoder.Bitrate > 510000 {
		errs = append(errs, fmt.Errorf("encoder.bitrate %d is out of range [6000, 510000]", cfg.Encoder.Bitrate))
	}

	// Playback
	validateComponentName("player", cfg.Playback.Player)

	// Resilience
	if m := cfg.Resilience.MaxFailures; m != nil && *m < 0 {
		errs = append(errs, fmt.Errorf("resilience.max_failures %d must not be negative; use 0 to disable", *m))
	}
	if cfg.Resilience.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("resilience.reset_timeout %v must not be negative", cfg.Resilience.ResetTimeout))
	}

	return errors.Join(errs...)
}

// ValidateEndpoint checks that raw is a ws or wss URL whose path is /ws and
// which carries no query string.
func ValidateEndpoint(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse %q: %w", raw, err)
	}
	var errs []error
	if u.Scheme != "ws" && u.Scheme != "wss" {
		errs = append(errs, fmt.Errorf("scheme %q must be ws or wss", u.Scheme))
	}
	if u.Host == "" {
		errs = append(errs, errors.New("host is required"))
	}
	if u.Path != "/ws" {
		errs = append(errs, fmt.Errorf("path %q must be /ws", u.Path))
	}
	if u.RawQuery != "" || u.ForceQuery {
		errs = append(errs, errors.New("query string is not allowed"))
	}
	return errors.Join(errs...)
}

// ValidateLanguage checks that code is a well-formed BCP 47 language tag.
func ValidateLanguage(code string) error {
	if code == "" {
		return errors.New("language code is required")
	}
	if _, err := language.Parse(code); err != nil {
		return fmt.Errorf("language code %q: %w", code, err)
	}
	return nil
}

// validateComponentName logs a warning if name is not one of the built-in
// names for kind. Third-party components may still be registered under it.
func validateComponentName(kind, name string) {
	known, ok := ValidComponentNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown component name, may be a typo or third-party component",
		"kind", kind,
		"name", name,
		"known", known,
	)
}

func ptr[T any](v T) *T { return &v }
