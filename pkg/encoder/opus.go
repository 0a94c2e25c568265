package encoder

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/at-wat/ebml-go/webm"
	"layeh.com/gopus"

	"github.com/MrWong99/babelcast/pkg/audio"
)

// Opus is encoded as 48 kHz mono in 20 ms packets.
const (
	opusSampleRate  = 48000
	opusChannels    = 1
	opusFrameDur    = 20 * time.Millisecond
	opusFrameSize   = opusSampleRate / 50 // 960 samples per packet
	opusMaxPacket   = 4000
	opusPreSkip     = 312
	webmTrackNumber = 1
)

// Compile-time interface assertion.
var _ Codec = (*OpusWebM)(nil)

// OpusWebM encodes units as Opus packets inside a single-track WebM file, the
// same container a browser MediaRecorder produces for audio/webm;codecs=opus.
type OpusWebM struct {
	bitrate int
}

// NewOpusWebM returns a codec. A bitrate of zero keeps libopus' default.
func NewOpusWebM(bitrate int) *OpusWebM {
	return &OpusWebM{bitrate: bitrate}
}

// Format implements [Codec].
func (c *OpusWebM) Format() audio.Format {
	return audio.Format{SampleRate: opusSampleRate, Channels: opusChannels}
}

// MimeType implements [Codec].
func (c *OpusWebM) MimeType() string { return audio.MimeWebMOpus }

// NewUnit implements [Codec].
func (c *OpusWebM) NewUnit() (Unit, error) {
	enc, err := gopus.NewEncoder(opusSampleRate, opusChannels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("opus: create encoder: %w", err)
	}
	if c.bitrate > 0 {
		enc.SetBitrate(c.bitrate)
	}

	buf := &bytes.Buffer{}
	writers, err := webm.NewSimpleBlockWriter(nopCloser{buf}, []webm.TrackEntry{{
		Name:            "Audio",
		TrackNumber:     webmTrackNumber,
		TrackUID:        uint64(time.Now().UnixNano()),
		CodecID:         "A_OPUS",
		CodecPrivate:    opusHead(),
		TrackType:       2,
		DefaultDuration: uint64(opusFrameDur.Nanoseconds()),
		Audio: &webm.Audio{
			SamplingFrequency: opusSampleRate,
			Channels:          opusChannels,
		},
	}})
	if err != nil {
		return nil, fmt.Errorf("webm: create writer: %w", err)
	}
	return &opusUnit{enc: enc, w: writers[0], buf: buf}, nil
}

// opusHead builds the OpusHead identification header carried as the WebM
// track's CodecPrivate.
func opusHead() []byte {
	h := make([]byte, 19)
	copy(h, "OpusHead")
	h[8] = 1 // version
	h[9] = opusChannels
	binary.LittleEndian.PutUint16(h[10:], opusPreSkip)
	binary.LittleEndian.PutUint32(h[12:], opusSampleRate)
	// Output gain and channel mapping family stay zero.
	return h
}

type opusUnit struct {
	enc *gopus.Encoder
	w   webm.BlockWriteCloser
	buf *bytes.Buffer

	pending []int16
	frames  int
	closed  bool
}

func (u *opusUnit) WritePCM(pcm []byte) error {
	if u.closed {
		return errors.New("opus: write to closed unit")
	}
	u.pending = append(u.pending, audio.BytesToInt16s(pcm)...)
	for len(u.pending) >= opusFrameSize {
		packet, err := u.enc.Encode(u.pending[:opusFrameSize], opusFrameSize, opusMaxPacket)
		if err != nil {
			return fmt.Errorf("opus: encode: %w", err)
		}
		ts := int64(u.frames) * opusFrameDur.Milliseconds()
		if _, err := u.w.Write(true, ts, packet); err != nil {
			return fmt.Errorf("webm: write block: %w", err)
		}
		u.frames++
		u.pending = u.pending[opusFrameSize:]
	}
	return nil
}

func (u *opusUnit) Frames() int { return u.frames }

func (u *opusUnit) Duration() time.Duration {
	return time.Duration(u.frames) * opusFrameDur
}

// Close flushes the WebM writer. Samples short of a full packet are dropped.
func (u *opusUnit) Close() ([]byte, error) {
	if u.closed {
		return nil, errors.New("opus: unit already closed")
	}
	u.closed = true
	if err := u.w.Close(); err != nil {
		return nil, fmt.Errorf("webm: close: %w", err)
	}
	return u.buf.Bytes(), nil
}

func (u *opusUnit) Abort() {
	if u.closed {
		return
	}
	u.closed = true
	_ = u.w.Close()
	u.buf.Reset()
}

// nopCloser lets the WebM writer close its sink without discarding the bytes.
type nopCloser struct{ *bytes.Buffer }

func (nopCloser) Close() error { return nil }
