// Package audio defines the capture-side contracts and PCM helpers used by the
// babelcast translation client.
//
// The two primary abstractions are:
//
//   - [Source]: acquires the microphone and returns a [Stream].
//   - [Stream]: a live capture delivering [AudioFrame] values until released.
//
// Implementations live in adapter packages (audio/portaudio, audio/ffmpeg). The
// interfaces are intentionally narrow so the session controller stays decoupled
// from the capture backend.
package audio

import (
	"context"
	"errors"
)

var (
	// ErrPermissionDenied is returned by [Source.Acquire] when the operating
	// system or the user refused access to the capture device.
	ErrPermissionDenied = errors.New("audio: microphone permission denied")

	// ErrDeviceUnavailable is returned by [Source.Acquire] when no usable
	// capture device exists or it could not be opened.
	ErrDeviceUnavailable = errors.New("audio: capture device unavailable")
)

// Stream is a live microphone capture.
//
// Frames delivers captured PCM in capture order and is closed once the stream
// ends, either because Release was called or because the device failed.
// Release stops every underlying track; it is safe to call more than once and
// every call returns the result of the first.
//
// Implementations must be safe for concurrent use.
type Stream interface {
	// Frames returns the read-only channel of captured frames.
	Frames() <-chan AudioFrame

	// Release stops capturing and frees the device.
	Release() error
}

// Source acquires capture streams. A caller must hold at most one Stream per
// session and must Release it before acquiring another.
type Source interface {
	// Acquire opens the capture device. The call may block while the platform
	// asks the user for permission; ctx bounds that wait. Errors wrap
	// [ErrPermissionDenied] or [ErrDeviceUnavailable] where the cause is known.
	Acquire(ctx context.Context) (Stream, error)
}
