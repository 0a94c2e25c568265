// Package mock provides an in-memory [encoder.Codec] for tests.
//
// Each unit counts one data frame per FrameSamples samples written and
// finalises to the concatenated PCM it received, so tests can check exactly
// which audio ended up in which segment.
package mock

import (
	"errors"
	"sync"
	"time"

	"github.com/MrWong99/babelcast/pkg/audio"
	"github.com/MrWong99/babelcast/pkg/encoder"
)

// Compile-time interface assertions.
var (
	_ encoder.Codec = (*Codec)(nil)
	_ encoder.Unit  = (*Unit)(nil)
)

// DefaultFrameSamples matches a 20 ms Opus packet at 48 kHz.
const DefaultFrameSamples = 960

// Codec is a mock [encoder.Codec].
type Codec struct {
	mu sync.Mutex

	// FrameSamples is how many samples make one data frame. Zero means
	// DefaultFrameSamples.
	FrameSamples int

	// NewUnitErr, when set, is returned by NewUnit.
	NewUnitErr error

	// CloseErr, when set, is returned by every unit's Close.
	CloseErr error

	// WriteErr, when set, is returned by every unit's WritePCM.
	WriteErr error

	// Units records every unit created, in order.
	Units []*Unit
}

// Format implements [encoder.Codec]. Always 48 kHz mono.
func (c *Codec) Format() audio.Format {
	return audio.Format{SampleRate: 48000, Channels: 1}
}

// MimeType implements [encoder.Codec].
func (c *Codec) MimeType() string { return "audio/x-mock" }

// NewUnit implements [encoder.Codec].
func (c *Codec) NewUnit() (encoder.Unit, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.NewUnitErr != nil {
		return nil, c.NewUnitErr
	}
	fs := c.FrameSamples
	if fs <= 0 {
		fs = DefaultFrameSamples
	}
	u := &Unit{frameSamples: fs, closeErr: c.CloseErr, writeErr: c.WriteErr}
	c.Units = append(c.Units, u)
	return u, nil
}

// UnitCount returns how many units were created.
func (c *Codec) UnitCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Units)
}

// Unit is a mock [encoder.Unit].
type Unit struct {
	mu           sync.Mutex
	frameSamples int
	closeErr     error
	writeErr     error

	pcm     []byte
	closed  bool
	aborted bool
}

// WritePCM implements [encoder.Unit].
func (u *Unit) WritePCM(pcm []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed || u.aborted {
		return errors.New("mock: write after close")
	}
	if u.writeErr != nil {
		return u.writeErr
	}
	u.pcm = append(u.pcm, pcm...)
	return nil
}

// Frames implements [encoder.Unit].
func (u *Unit) Frames() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.pcm) / (2 * u.frameSamples)
}

// Duration implements [encoder.Unit].
func (u *Unit) Duration() time.Duration {
	u.mu.Lock()
	defer u.mu.Unlock()
	return time.Duration(len(u.pcm)/2) * time.Second / 48000
}

// Close implements [encoder.Unit].
func (u *Unit) Close() ([]byte, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.closed = true
	if u.closeErr != nil {
		return nil, u.closeErr
	}
	out := make([]byte, len(u.pcm))
	copy(out, u.pcm)
	return out, nil
}

// Abort implements [encoder.Unit].
func (u *Unit) Abort() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.aborted = true
}

// Closed reports whether Close was called.
func (u *Unit) Closed() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.closed
}

// Aborted reports whether Abort was called.
func (u *Unit) Aborted() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.aborted
}
