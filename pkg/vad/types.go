// Package vad turns a live PCM stream into speech-start and speech-stop edges.
//
// Detection follows the browser analyser-node approach: an [Analyser] keeps
// the most recent window of samples and produces byte frequency magnitudes
// (0–255 per bin). A [Detector] compares the mean magnitude with a threshold
// and applies a trailing silence window before declaring speech over. A
// [Loop] samples the analyser on a fixed tick and feeds the detector.
//
// None of the types in this package are safe for concurrent use; they are
// meant to be driven from a single session goroutine.
package vad

import "time"

// Edge is a transition in voice activity.
type Edge int

const (
	// SpeechStart fires on the first loud snapshot while inactive.
	SpeechStart Edge = iota + 1

	// SpeechStop fires once the trailing silence window has elapsed without a
	// loud snapshot.
	SpeechStop
)

// String returns the metric/log label for the edge.
func (e Edge) String() string {
	switch e {
	case SpeechStart:
		return "speech_start"
	case SpeechStop:
		return "speech_stop"
	default:
		return "unknown"
	}
}

// Defaults match the browser client the backend was built for.
const (
	DefaultThreshold = 20
	DefaultHold      = time.Second
	DefaultTick      = 16 * time.Millisecond
	DefaultFFTSize   = 256
	DefaultSmoothing = 0.8

	minDecibels = -100.0
	maxDecibels = -30.0
)
