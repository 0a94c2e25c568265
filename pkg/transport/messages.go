package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Dialect selects the shape of outbound control messages.
type Dialect string

const (
	// DialectLegacy sends {"target_language": "<code>"} once per connection,
	// right after it opens.
	DialectLegacy Dialect = "legacy"

	// DialectControl sends typed control envelopes and lets the language be
	// changed on a live connection.
	DialectControl Dialect = "control"
)

// IsValid reports whether d is a known dialect.
func (d Dialect) IsValid() bool {
	return d == DialectLegacy || d == DialectControl
}

// SupportsRetarget reports whether the language can be changed mid-connection.
func (d Dialect) SupportsRetarget() bool {
	return d == DialectControl
}

// ControlMessage asks the backend to translate into TargetLanguage.
type ControlMessage struct {
	TargetLanguage string
}

type legacyControl struct {
	TargetLanguage string `json:"target_language"`
}

type typedControl struct {
	Type           string `json:"type"`
	Action         string `json:"action"`
	TargetLanguage string `json:"target_language"`
}

// EncodeControl serialises msg in the given dialect.
func EncodeControl(d Dialect, msg ControlMessage) ([]byte, error) {
	switch d {
	case DialectLegacy:
		return json.Marshal(legacyControl{TargetLanguage: msg.TargetLanguage})
	case DialectControl:
		return json.Marshal(typedControl{
			Type:           "control",
			Action:         "change_language",
			TargetLanguage: msg.TargetLanguage,
		})
	default:
		return nil, fmt.Errorf("transport: unknown dialect %q", d)
	}
}

// ResultMessage is one inbound update from the backend. A nil field carries
// no update; a non-nil empty string clears the field.
type ResultMessage struct {
	Transcription    *string `json:"transcription,omitempty"`
	DetectedLanguage *string `json:"detected_language,omitempty"`
	Translation      *string `json:"translation,omitempty"`

	// TTSAudio is base64-encoded synthesized speech.
	TTSAudio *string `json:"tts_audio,omitempty"`
}

// Empty reports whether the message carries no fields at all.
func (m ResultMessage) Empty() bool {
	return m.Transcription == nil && m.DetectedLanguage == nil && m.Translation == nil && m.TTSAudio == nil
}

// DecodeResult parses a text frame. Anything other than a JSON object is
// rejected with [ErrMalformedResult]. Unknown keys are ignored.
func DecodeResult(data []byte) (ResultMessage, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return ResultMessage{}, fmt.Errorf("%w: not a JSON object", ErrMalformedResult)
	}
	var msg ResultMessage
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return ResultMessage{}, fmt.Errorf("%w: %w", ErrMalformedResult, err)
	}
	return msg, nil
}
