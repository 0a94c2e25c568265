// Package ffmpeg wraps the ffmpeg and ffplay command-line tools as an
// [audio.Source] and a [playback.Player].
package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/babelcast/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Source = (*Capture)(nil)

const (
	startupProbe = 250 * time.Millisecond
	stopGrace    = 1200 * time.Millisecond
	frameBuffer  = 64
)

// CaptureOption configures a [Capture].
type CaptureOption func(*Capture)

// WithInput sets the ffmpeg input format and device, e.g. "pulse"/"default"
// or "alsa"/"hw:0".
func WithInput(format, device string) CaptureOption {
	return func(c *Capture) {
		if format != "" {
			c.format = format
		}
		if device != "" {
			c.device = device
		}
	}
}

// WithCaptureRate sets the PCM rate ffmpeg resamples to.
func WithCaptureRate(hz int) CaptureOption {
	return func(c *Capture) {
		if hz > 0 {
			c.sampleRate = hz
		}
	}
}

// WithCaptureFrame sets the duration of audio per delivered frame.
func WithCaptureFrame(d time.Duration) CaptureOption {
	return func(c *Capture) {
		if d > 0 {
			c.frameDur = d
		}
	}
}

// WithCaptureCommand replaces the executable and, when args is non-empty, the
// full argument list.
func WithCaptureCommand(name string, args ...string) CaptureOption {
	return func(c *Capture) {
		c.command = name
		if len(args) > 0 {
			c.args = args
		}
	}
}

// Capture streams microphone PCM by running ffmpeg and reading s16le mono
// samples from its stdout.
type Capture struct {
	command    string
	args       []string
	format     string
	device     string
	sampleRate int
	frameDur   time.Duration
}

// NewCapture returns a Capture reading from PulseAudio's default source at
// 48 kHz unless opts say otherwise.
func NewCapture(opts ...CaptureOption) *Capture {
	c := &Capture{
		command:    "ffmpeg",
		format:     "pulse",
		device:     "default",
		sampleRate: 48000,
		frameDur:   20 * time.Millisecond,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Capture) buildArgs() []string {
	if len(c.args) > 0 {
		return c.args
	}
	return []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", c.format,
		"-i", c.device,
		"-ac", "1",
		"-ar", strconv.Itoa(c.sampleRate),
		"-f", "s16le",
		"-",
	}
}

// Acquire starts ffmpeg. A process that exits within the startup probe window
// is reported as [audio.ErrPermissionDenied] when its stderr says so and as
// [audio.ErrDeviceUnavailable] otherwise.
func (c *Capture) Acquire(ctx context.Context) (audio.Stream, error) {
	cmd := exec.Command(c.command, c.buildArgs()...)
	stderr := &lockedBuffer{}
	cmd.Stderr = stderr

	// exec copies stdout into pw and Wait returns only after that copy is
	// done, so the reader sees every byte ffmpeg wrote before EOF.
	stdout, pw := io.Pipe()
	cmd.Stdout = pw
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("ffmpeg: start %s: %w: %w", c.command, audio.ErrDeviceUnavailable, err)
	}

	waitErr := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		_ = pw.Close()
		waitErr <- err
		close(waitErr)
	}()

	probe := time.NewTimer(startupProbe)
	defer probe.Stop()
	select {
	case err := <-waitErr:
		msg := strings.TrimSpace(stderr.String())
		cause := audio.ErrDeviceUnavailable
		if isPermissionError(msg) {
			cause = audio.ErrPermissionDenied
		}
		if err == nil {
			err = errors.New("exited")
		}
		_ = stdout.Close()
		return nil, fmt.Errorf("ffmpeg: capture did not start: %w: %w: %s", cause, err, msg)
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		_ = stdout.Close()
		<-waitErr
		return nil, ctx.Err()
	case <-probe.C:
	}

	s := &captureStream{
		stdout:     stdout,
		stderr:     stderr,
		process:    cmd.Process,
		waitErr:    waitErr,
		frameBytes: 2 * int(int64(c.sampleRate)*int64(c.frameDur)/int64(time.Second)),
		sampleRate: c.sampleRate,
		frames:     make(chan audio.AudioFrame, frameBuffer),
		stop:       make(chan struct{}),
		readDone:   make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

func isPermissionError(stderr string) bool {
	lower := strings.ToLower(stderr)
	return strings.Contains(lower, "permission denied") || strings.Contains(lower, "access denied")
}

type captureStream struct {
	stdout     *io.PipeReader
	stderr     *lockedBuffer
	process    *os.Process
	waitErr    <-chan error
	frameBytes int
	sampleRate int

	frames   chan audio.AudioFrame
	stop     chan struct{}
	readDone chan struct{}

	stopOnce sync.Once
	stopErr  error
}

func (s *captureStream) Frames() <-chan audio.AudioFrame { return s.frames }

func (s *captureStream) readLoop() {
	defer close(s.readDone)
	defer close(s.frames)

	var captured time.Duration
	for {
		buf := make([]byte, s.frameBytes)
		if _, err := io.ReadFull(s.stdout, buf); err != nil {
			select {
			case <-s.stop:
			default:
				slog.Warn("ffmpeg: capture ended", "err", err, "stderr", strings.TrimSpace(s.stderr.String()))
			}
			return
		}
		frame := audio.AudioFrame{Data: buf, SampleRate: s.sampleRate, Channels: 1, Timestamp: captured}
		captured += frame.Duration()

		select {
		case s.frames <- frame:
		case <-s.stop:
			return
		default:
		}
	}
}

// Release interrupts ffmpeg, kills it if it has not exited after the grace
// period, and waits for the reader to finish. Output still in flight is
// discarded. Every call returns the result of the first.
func (s *captureStream) Release() error {
	s.stopOnce.Do(func() {
		close(s.stop)
		_ = s.process.Signal(os.Interrupt)
		// Unblocks both the reader and exec's stdout copier.
		_ = s.stdout.Close()

		grace := time.NewTimer(stopGrace)
		defer grace.Stop()
		select {
		case err, ok := <-s.waitErr:
			if ok {
				s.stopErr = normalizeExit(err)
			}
		case <-grace.C:
			_ = s.process.Kill()
			if err, ok := <-s.waitErr; ok {
				s.stopErr = normalizeExit(err)
			}
		}

		<-s.readDone

		if s.stopErr != nil {
			s.stopErr = fmt.Errorf("ffmpeg: release: %w: %s", s.stopErr, strings.TrimSpace(s.stderr.String()))
		}
	})
	return s.stopErr
}

// normalizeExit treats a non-zero exit status as a clean stop, since ffmpeg
// exits with 255 on SIGINT. A stdout copy cut short by Release is clean too.
func normalizeExit(err error) error {
	if err == nil || errors.Is(err, io.ErrClosedPipe) {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

// lockedBuffer is a bytes.Buffer safe for the exec copier and readers.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
