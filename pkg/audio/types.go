package audio

import "time"

// MimeWebMOpus is the container/codec pair the translation backend accepts for
// uploaded speech segments.
const MimeWebMOpus = "audio/webm;codecs=opus"

// AudioFrame is one chunk of captured PCM flowing from an [AudioSource] into
// the analyser and the segment encoder.
type AudioFrame struct {
	// Data is little-endian signed 16-bit PCM, channels interleaved.
	Data []byte

	// SampleRate in Hz (e.g., 48000 for the Opus encoder, 16000 for ffmpeg capture).
	SampleRate int

	// Channels: 1 for mono, 2 for interleaved stereo.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Samples returns the number of samples per channel carried by the frame.
func (f AudioFrame) Samples() int {
	if f.Channels <= 0 {
		return 0
	}
	return len(f.Data) / (2 * f.Channels)
}

// Duration returns the playback length of the frame.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.Samples()) * time.Second / time.Duration(f.SampleRate)
}

// AudioSegment is one finalized, independently transmittable unit of encoded
// speech. Segments are produced by the encoder, sent once by the transport and
// then dropped; nothing retains them after transmission.
type AudioSegment struct {
	// Data is the complete encoded container (e.g., a WebM file with one Opus track).
	Data []byte

	// MimeType describes Data, normally [MimeWebMOpus].
	MimeType string

	// CreatedAt is when the segment was finalized.
	CreatedAt time.Time

	// Frames is the number of encoded data frames (Opus packets) in the segment.
	Frames int

	// Duration is the amount of captured audio the segment covers.
	Duration time.Duration
}
