// Package encoder cuts captured PCM into discrete, independently decodable
// speech segments.
//
// An [Encoder] owns at most one open encoding unit. Under [PolicyVAD] a unit
// opens on a speech-start edge and is finalised on the matching speech-stop
// edge. Under [PolicyInterval] a unit opens when the session starts and is
// finalised and immediately replaced every interval. Boundaries never
// overlap and nothing is buffered beyond the open unit.
//
// An Encoder is driven from a single session goroutine and is not safe for
// concurrent use.
package encoder

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/babelcast/pkg/audio"
)

var (
	// ErrTooShort is returned when a finalised unit holds fewer data frames
	// than the configured minimum. The unit is dropped.
	ErrTooShort = errors.New("encoder: segment too short")

	// ErrFault wraps codec failures. The affected unit is dropped and the
	// encoder stays usable.
	ErrFault = errors.New("encoder: codec fault")
)

// Policy selects when units open and close.
type Policy string

const (
	// PolicyVAD opens a unit on speech start and finalises it on speech stop.
	PolicyVAD Policy = "vad"

	// PolicyInterval finalises and reopens a unit on a fixed cadence.
	PolicyInterval Policy = "interval"
)

// IsValid reports whether p is a known policy.
func (p Policy) IsValid() bool {
	return p == PolicyVAD || p == PolicyInterval
}

const (
	// DefaultInterval is the rotation cadence under [PolicyInterval].
	DefaultInterval = time.Second

	// DefaultMinFrames is the smallest number of data frames a segment may
	// carry and still be emitted.
	DefaultMinFrames = 15
)

// Unit is one in-progress encoding. Its frame count is what the minimum
// segment length is measured against.
type Unit interface {
	// WritePCM encodes mono little-endian int16 PCM at the codec's rate.
	WritePCM(pcm []byte) error

	// Frames returns the number of data frames encoded so far.
	Frames() int

	// Duration returns the amount of audio encoded so far.
	Duration() time.Duration

	// Close finalises the unit and returns the complete container bytes.
	Close() ([]byte, error)

	// Abort discards the unit without producing output.
	Abort()
}

// Codec creates encoding units.
type Codec interface {
	// NewUnit opens a fresh, independently decodable unit.
	NewUnit() (Unit, error)

	// Format is the PCM format WritePCM expects.
	Format() audio.Format

	// MimeType describes the bytes returned by Unit.Close.
	MimeType() string
}

// Option configures an [Encoder].
type Option func(*Encoder)

// WithPolicy sets the segmentation policy. Defaults to [PolicyVAD].
func WithPolicy(p Policy) Option {
	return func(e *Encoder) {
		if p.IsValid() {
			e.policy = p
		}
	}
}

// WithInterval sets the rotation cadence for [PolicyInterval].
func WithInterval(d time.Duration) Option {
	return func(e *Encoder) {
		if d > 0 {
			e.interval = d
		}
	}
}

// WithMinFrames sets the minimum number of data frames per emitted segment.
// Zero disables the check.
func WithMinFrames(n int) Option {
	return func(e *Encoder) {
		if n >= 0 {
			e.minFrames = n
		}
	}
}

// Encoder segments a PCM stream according to its [Policy].
type Encoder struct {
	codec     Codec
	policy    Policy
	interval  time.Duration
	minFrames int
	conv      *audio.FormatConverter

	unit   Unit
	opened time.Time
}

// New returns an Encoder writing units produced by codec.
func New(codec Codec, opts ...Option) *Encoder {
	e := &Encoder{
		codec:     codec,
		policy:    PolicyVAD,
		interval:  DefaultInterval,
		minFrames: DefaultMinFrames,
	}
	for _, o := range opts {
		o(e)
	}
	e.conv = &audio.FormatConverter{Target: codec.Format()}
	return e
}

// Policy returns the active segmentation policy.
func (e *Encoder) Policy() Policy { return e.policy }

// Interval returns the rotation cadence used under [PolicyInterval].
func (e *Encoder) Interval() time.Duration { return e.interval }

// Encoding reports whether a unit is open.
func (e *Encoder) Encoding() bool { return e.unit != nil }

// Start is called once when capture begins. Under [PolicyInterval] it opens
// the first unit; under [PolicyVAD] it does nothing.
func (e *Encoder) Start(now time.Time) error {
	if e.policy != PolicyInterval {
		return nil
	}
	return e.begin(now)
}

// SpeechStart opens a unit under [PolicyVAD] unless one is already open.
func (e *Encoder) SpeechStart(now time.Time) error {
	if e.policy != PolicyVAD {
		return nil
	}
	return e.begin(now)
}

// SpeechStop finalises the open unit under [PolicyVAD]. It returns nil, nil
// when no unit is open or the policy is not VAD-gated.
func (e *Encoder) SpeechStop(now time.Time) (*audio.AudioSegment, error) {
	if e.policy != PolicyVAD || e.unit == nil {
		return nil, nil
	}
	return e.finalize(now)
}

// Rotate finalises the open unit and immediately opens the next one under
// [PolicyInterval]. The next unit opens even when finalisation failed.
func (e *Encoder) Rotate(now time.Time) (*audio.AudioSegment, error) {
	if e.policy != PolicyInterval {
		return nil, nil
	}
	var seg *audio.AudioSegment
	var finErr error
	if e.unit != nil {
		seg, finErr = e.finalize(now)
	}
	if err := e.begin(now); err != nil {
		return seg, errors.Join(finErr, err)
	}
	return seg, finErr
}

// Write feeds a captured frame into the open unit. Frames arriving while no
// unit is open are ignored. A codec error aborts the unit.
func (e *Encoder) Write(frame audio.AudioFrame) error {
	if e.unit == nil {
		return nil
	}
	pcm := e.conv.Convert(frame).Data
	if len(pcm) == 0 {
		return nil
	}
	if err := e.unit.WritePCM(pcm); err != nil {
		e.unit.Abort()
		e.unit = nil
		return fmt.Errorf("%w: write: %w", ErrFault, err)
	}
	return nil
}

// Stop discards the open unit, if any. The partial unit is never emitted.
func (e *Encoder) Stop() {
	if e.unit != nil {
		e.unit.Abort()
		e.unit = nil
	}
}

func (e *Encoder) begin(now time.Time) error {
	if e.unit != nil {
		return nil
	}
	u, err := e.codec.NewUnit()
	if err != nil {
		return fmt.Errorf("%w: open unit: %w", ErrFault, err)
	}
	e.unit = u
	e.opened = now
	return nil
}

func (e *Encoder) finalize(now time.Time) (*audio.AudioSegment, error) {
	u := e.unit
	e.unit = nil

	frames := u.Frames()
	dur := u.Duration()
	if frames < e.minFrames {
		u.Abort()
		return nil, fmt.Errorf("%w: %d frames, minimum %d", ErrTooShort, frames, e.minFrames)
	}
	data, err := u.Close()
	if err != nil {
		return nil, fmt.Errorf("%w: finalize: %w", ErrFault, err)
	}
	return &audio.AudioSegment{
		Data:      data,
		MimeType:  e.codec.MimeType(),
		CreatedAt: now,
		Frames:    frames,
		Duration:  dur,
	}, nil
}
