// Package session owns the lifecycle of a live translation session.
//
// A [Controller] wires the capture source, the voice-activity loop, the
// segment encoder, the backend connection and the playback queue together
// for one session at a time. Start is a linear sequence (dial, send the
// target language, acquire the microphone, start analysis) with a single
// unwind path; every failure, a user Stop and an unexpected connection drop
// all end in the same teardown routine.
//
// All per-session work runs on one event-loop goroutine, so the encoder and
// the analysis loop never see concurrent calls.
package session

import (
	"errors"
	"time"

	"github.com/MrWong99/babelcast/pkg/audio"
	"github.com/MrWong99/babelcast/pkg/transport"
)

// ErrNotActive is returned by operations that need an Active session.
var ErrNotActive = errors.New("session: no active session")

// LanguagePolicy decides how a target-language change reaches the backend.
type LanguagePolicy string

const (
	// PolicyRestart tears the session down and starts a new one with the new
	// language. Works with every backend dialect.
	PolicyRestart LanguagePolicy = "restart"

	// PolicyRetarget sends a control message on the live connection. Needs a
	// dialect that supports it.
	PolicyRetarget LanguagePolicy = "retarget"
)

// IsValid reports whether p is a known policy.
func (p LanguagePolicy) IsValid() bool {
	return p == PolicyRestart || p == PolicyRetarget
}

// State is the lifecycle state of a session.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateActive
	StateClosing
	StateClosed
)

// String returns the log label for the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Result is the session-visible view of the backend's replies.
type Result struct {
	Transcription    string
	DetectedLanguage string
	Translation      string
}

// Merge applies the fields present in msg. Absent fields keep their value and
// an explicit empty string clears the field. It reports whether any text
// field was present.
func (r *Result) Merge(msg transport.ResultMessage) bool {
	touched := false
	if msg.Transcription != nil {
		r.Transcription = *msg.Transcription
		touched = true
	}
	if msg.DetectedLanguage != nil {
		r.DetectedLanguage = *msg.DetectedLanguage
		touched = true
	}
	if msg.Translation != nil {
		r.Translation = *msg.Translation
		touched = true
	}
	return touched
}

// Status is a snapshot of the current or most recent session.
type Status struct {
	SessionID string
	State     State
	Language  string
	StartedAt time.Time
	Result    Result

	// Level is the most recent mean frequency magnitude (0-255) seen by the
	// activity detector. It is zero unless the session is Active.
	Level float64
}

// Observer receives session events. Callbacks run on the session goroutine
// or the caller of Start/Stop and must not call back into the [Controller].
type Observer interface {
	// SessionStateChanged is called after every state transition.
	SessionStateChanged(sessionID string, state State)

	// ResultUpdated is called with the merged view after a reply that
	// carried at least one text field.
	ResultUpdated(sessionID string, result Result)

	// SegmentSent is called after a segment was handed to the transport.
	SegmentSent(sessionID string, seg *audio.AudioSegment)

	// SessionError is called for failures that ended or aborted a session.
	SessionError(sessionID string, err error)
}

// NopObserver ignores every event.
type NopObserver struct{}

func (NopObserver) SessionStateChanged(string, State) {}
func (NopObserver) ResultUpdated(string, Result) {}
func (NopObserver) SegmentSent(string, *audio.AudioSegment) {}
func (NopObserver) SessionError(string, error) {}
