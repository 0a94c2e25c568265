package encoder_test

import (
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/babelcast/pkg/audio"
	"github.com/MrWong99/babelcast/pkg/encoder"
	"github.com/MrWong99/babelcast/pkg/encoder/mock"
)

// frame20ms returns one 20 ms mono frame at 48 kHz filled with v.
func frame20ms(v byte) audio.AudioFrame {
	data := make([]byte, 960*2)
	for i := range data {
		data[i] = v
	}
	return audio.AudioFrame{Data: data, SampleRate: 48000, Channels: 1}
}

func writeFrames(t *testing.T, e *encoder.Encoder, n int, v byte) {
	t.Helper()
	for range n {
		if err := e.Write(frame20ms(v)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
}

func TestEncoder_VADOneSegmentPerEdgePair(t *testing.T) {
	t.Parallel()

	codec := &mock.Codec{}
	e := encoder.New(codec, encoder.WithPolicy(encoder.PolicyVAD))
	now := time.Now()

	// Frames before speech start are ignored.
	writeFrames(t, e, 5, 1)

	if err := e.SpeechStart(now); err != nil {
		t.Fatalf("SpeechStart: %v", err)
	}
	// A repeated start edge must not open a second unit.
	if err := e.SpeechStart(now); err != nil {
		t.Fatalf("SpeechStart: %v", err)
	}
	writeFrames(t, e, 20, 2)

	seg, err := e.SpeechStop(now.Add(time.Second))
	if err != nil {
		t.Fatalf("SpeechStop: %v", err)
	}
	if seg == nil {
		t.Fatal("expected a segment")
	}
	if seg.Frames != 20 {
		t.Errorf("Frames = %d, want 20", seg.Frames)
	}
	if seg.Duration != 400*time.Millisecond {
		t.Errorf("Duration = %v, want 400ms", seg.Duration)
	}
	if len(seg.Data) != 20*960*2 {
		t.Errorf("Data = %d bytes, want %d", len(seg.Data), 20*960*2)
	}
	for _, b := range seg.Data {
		if b != 2 {
			t.Fatal("segment contains audio captured before speech start")
		}
	}
	if codec.UnitCount() != 1 {
		t.Errorf("units = %d, want 1", codec.UnitCount())
	}
	if e.Encoding() {
		t.Error("still encoding after SpeechStop")
	}

	// A stop with nothing open yields nothing.
	seg, err = e.SpeechStop(now)
	if seg != nil || err != nil {
		t.Errorf("idle SpeechStop = %v, %v; want nil, nil", seg, err)
	}
}

func TestEncoder_StopDiscardsPartial(t *testing.T) {
	t.Parallel()

	codec := &mock.Codec{}
	e := encoder.New(codec)
	if err := e.SpeechStart(time.Now()); err != nil {
		t.Fatal(err)
	}
	writeFrames(t, e, 30, 1)

	e.Stop()

	if e.Encoding() {
		t.Error("Encoding after Stop")
	}
	u := codec.Units[0]
	if !u.Aborted() || u.Closed() {
		t.Errorf("unit aborted=%v closed=%v, want aborted and never closed", u.Aborted(), u.Closed())
	}
	seg, err := e.SpeechStop(time.Now())
	if seg != nil || err != nil {
		t.Errorf("SpeechStop after Stop = %v, %v; want nil, nil", seg, err)
	}
}

func TestEncoder_TooShortDropped(t *testing.T) {
	t.Parallel()

	codec := &mock.Codec{}
	e := encoder.New(codec, encoder.WithMinFrames(15))
	now := time.Now()
	if err := e.SpeechStart(now); err != nil {
		t.Fatal(err)
	}
	writeFrames(t, e, 14, 1)

	seg, err := e.SpeechStop(now)
	if !errors.Is(err, encoder.ErrTooShort) {
		t.Fatalf("err = %v, want ErrTooShort", err)
	}
	if seg != nil {
		t.Error("short unit must not be emitted")
	}
	if !codec.Units[0].Aborted() {
		t.Error("short unit not aborted")
	}

	// Exactly the minimum passes.
	if err := e.SpeechStart(now); err != nil {
		t.Fatal(err)
	}
	writeFrames(t, e, 15, 1)
	if seg, err := e.SpeechStop(now); err != nil || seg == nil {
		t.Fatalf("SpeechStop = %v, %v; want a segment", seg, err)
	}
}

func TestEncoder_FaultDropsUnitAndResumes(t *testing.T) {
	t.Parallel()

	codec := &mock.Codec{CloseErr: errors.New("boom")}
	e := encoder.New(codec, encoder.WithMinFrames(1))
	now := time.Now()
	if err := e.SpeechStart(now); err != nil {
		t.Fatal(err)
	}
	writeFrames(t, e, 5, 1)
	if _, err := e.SpeechStop(now); !errors.Is(err, encoder.ErrFault) {
		t.Fatalf("err = %v, want ErrFault", err)
	}

	// Units capture CloseErr when created, so the next one finalises cleanly.
	codec.CloseErr = nil
	if err := e.SpeechStart(now); err != nil {
		t.Fatalf("SpeechStart after fault: %v", err)
	}
	writeFrames(t, e, 5, 1)
	if seg, err := e.SpeechStop(now); err != nil || seg == nil {
		t.Fatalf("SpeechStop after fault = %v, %v; want a segment", seg, err)
	}
}

func TestEncoder_WriteFaultAbortsUnit(t *testing.T) {
	t.Parallel()

	codec := &mock.Codec{WriteErr: errors.New("bad pcm")}
	e := encoder.New(codec)
	if err := e.SpeechStart(time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := e.Write(frame20ms(1)); !errors.Is(err, encoder.ErrFault) {
		t.Fatalf("err = %v, want ErrFault", err)
	}
	if e.Encoding() {
		t.Error("unit still open after write fault")
	}
}

func TestEncoder_IntervalRotation(t *testing.T) {
	t.Parallel()

	codec := &mock.Codec{}
	e := encoder.New(codec,
		encoder.WithPolicy(encoder.PolicyInterval),
		encoder.WithInterval(time.Second),
		encoder.WithMinFrames(1),
	)
	if e.Interval() != time.Second {
		t.Errorf("Interval = %v, want 1s", e.Interval())
	}
	now := time.Now()

	// VAD edges are ignored under the interval policy.
	if err := e.SpeechStart(now); err != nil || e.Encoding() {
		t.Fatalf("SpeechStart opened a unit under interval policy")
	}

	if err := e.Start(now); err != nil {
		t.Fatal(err)
	}
	if !e.Encoding() {
		t.Fatal("Start did not open a unit")
	}

	var segs []*audio.AudioSegment
	for i := range 3 {
		writeFrames(t, e, 50, byte(i+1))
		seg, err := e.Rotate(now.Add(time.Duration(i+1) * time.Second))
		if err != nil {
			t.Fatalf("Rotate %d: %v", i, err)
		}
		segs = append(segs, seg)
		if !e.Encoding() {
			t.Fatalf("no unit open after Rotate %d", i)
		}
	}

	for i, seg := range segs {
		if seg.Frames != 50 {
			t.Errorf("segment %d: Frames = %d, want 50", i, seg.Frames)
		}
		// Boundaries never overlap: each segment only holds its own fill byte.
		for _, b := range seg.Data {
			if b != byte(i+1) {
				t.Fatalf("segment %d contains audio from another interval", i)
			}
		}
	}
	if codec.UnitCount() != 4 {
		t.Errorf("units = %d, want 4", codec.UnitCount())
	}

	if seg, err := e.SpeechStop(now); seg != nil || err != nil {
		t.Error("SpeechStop must be a no-op under interval policy")
	}
}

func TestEncoder_RotateReopensAfterShortUnit(t *testing.T) {
	t.Parallel()

	codec := &mock.Codec{}
	e := encoder.New(codec, encoder.WithPolicy(encoder.PolicyInterval))
	now := time.Now()
	if err := e.Start(now); err != nil {
		t.Fatal(err)
	}
	writeFrames(t, e, 2, 1)
	seg, err := e.Rotate(now)
	if !errors.Is(err, encoder.ErrTooShort) || seg != nil {
		t.Fatalf("Rotate = %v, %v; want nil, ErrTooShort", seg, err)
	}
	if !e.Encoding() {
		t.Error("next unit not opened after dropped unit")
	}
}

func TestEncoder_ConvertsCaptureFormat(t *testing.T) {
	t.Parallel()

	codec := &mock.Codec{}
	e := encoder.New(codec, encoder.WithMinFrames(1))
	if err := e.SpeechStart(time.Now()); err != nil {
		t.Fatal(err)
	}
	// 20 ms of 16 kHz stereo becomes 20 ms of 48 kHz mono.
	if err := e.Write(audio.AudioFrame{Data: make([]byte, 320*2*2), SampleRate: 16000, Channels: 2}); err != nil {
		t.Fatal(err)
	}
	seg, err := e.SpeechStop(time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if seg.Frames != 1 {
		t.Errorf("Frames = %d, want 1", seg.Frames)
	}
}

func TestPolicy_IsValid(t *testing.T) {
	t.Parallel()

	for _, p := range []encoder.Policy{encoder.PolicyVAD, encoder.PolicyInterval} {
		if !p.IsValid() {
			t.Errorf("%q should be valid", p)
		}
	}
	if encoder.Policy("stream").IsValid() {
		t.Error(`"stream" should be invalid`)
	}
}
