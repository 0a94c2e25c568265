// Package portaudio implements [audio.Source] on top of the PortAudio default
// input device.
//
// PortAudio is initialised on every Acquire and terminated on the matching
// Release, so a process that never records never touches the audio host API.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/babelcast/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Source = (*Source)(nil)

const (
	defaultSampleRate = 48000
	defaultFrameSize  = 20 * time.Millisecond
	frameBuffer       = 64
)

// Option configures a [Source].
type Option func(*Source)

// WithSampleRate sets the capture rate in Hz. Defaults to 48000.
func WithSampleRate(hz int) Option {
	return func(s *Source) {
		if hz > 0 {
			s.sampleRate = hz
		}
	}
}

// WithFrameDuration sets how much audio each delivered frame carries.
// Defaults to 20ms.
func WithFrameDuration(d time.Duration) Option {
	return func(s *Source) {
		if d > 0 {
			s.frameDur = d
		}
	}
}

// Source captures mono 16-bit PCM from the default input device.
type Source struct {
	sampleRate int
	frameDur   time.Duration
}

// New returns a Source configured by opts.
func New(opts ...Option) *Source {
	s := &Source{sampleRate: defaultSampleRate, frameDur: defaultFrameSize}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Acquire opens and starts the default input stream. Any failure from the host
// API is reported as [audio.ErrDeviceUnavailable].
func (s *Source) Acquire(ctx context.Context) (audio.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w: %w", audio.ErrDeviceUnavailable, err)
	}

	framesPerBuffer := int(int64(s.sampleRate) * int64(s.frameDur) / int64(time.Second))
	buf := make([]int16, framesPerBuffer)
	st, err := pa.OpenDefaultStream(1, 0, float64(s.sampleRate), framesPerBuffer, buf)
	if err != nil {
		_ = pa.Terminate()
		return nil, fmt.Errorf("portaudio: open default stream: %w: %w", audio.ErrDeviceUnavailable, err)
	}
	if err := st.Start(); err != nil {
		_ = st.Close()
		_ = pa.Terminate()
		return nil, fmt.Errorf("portaudio: start stream: %w: %w", audio.ErrDeviceUnavailable, err)
	}

	cs := &captureStream{
		stream:     st,
		buf:        buf,
		sampleRate: s.sampleRate,
		frames:     make(chan audio.AudioFrame, frameBuffer),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go cs.readLoop()
	return cs, nil
}

type captureStream struct {
	stream     *pa.Stream
	buf        []int16
	sampleRate int

	frames chan audio.AudioFrame
	stop   chan struct{}
	done   chan struct{}

	once sync.Once
	err  error
}

func (c *captureStream) Frames() <-chan audio.AudioFrame { return c.frames }

// readLoop performs blocking reads until Release signals stop. Each Read
// returns after one buffer period, which bounds how long Release waits.
func (c *captureStream) readLoop() {
	defer close(c.done)
	defer close(c.frames)

	var captured time.Duration
	for {
		select {
		case <-c.stop:
			return
		default:
		}

		if err := c.stream.Read(); err != nil {
			if errors.Is(err, pa.InputOverflowed) {
				continue
			}
			slog.Warn("portaudio: read failed, ending capture", "err", err)
			return
		}

		frame := audio.AudioFrame{
			Data:       audio.Int16sToBytes(c.buf),
			SampleRate: c.sampleRate,
			Channels:   1,
			Timestamp:  captured,
		}
		captured += frame.Duration()

		select {
		case c.frames <- frame:
		case <-c.stop:
			return
		default:
			// Consumer is behind; drop rather than stall the device.
		}
	}
}

// Release stops the read loop, then stops and closes the device stream.
func (c *captureStream) Release() error {
	c.once.Do(func() {
		close(c.stop)
		<-c.done
		c.err = errors.Join(c.stream.Stop(), c.stream.Close(), pa.Terminate())
		if c.err != nil {
			c.err = fmt.Errorf("portaudio: release: %w", c.err)
		}
	})
	return c.err
}
