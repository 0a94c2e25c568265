package vad_test

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/MrWong99/babelcast/pkg/audio"
	"github.com/MrWong99/babelcast/pkg/vad"
)

// noise returns n samples of uniform white noise at roughly half full scale.
func noise(n int, seed uint64) []byte {
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	pcm := make([]int16, n)
	for i := range pcm {
		pcm[i] = int16(r.IntN(32000) - 16000)
	}
	return audio.Int16sToBytes(pcm)
}

func TestNewAnalyser_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		size      int
		smoothing float64
		wantErr   bool
	}{
		{"default", 256, 0.8, false},
		{"min size", 32, 0, false},
		{"not power of two", 300, 0.8, true},
		{"too small", 16, 0.8, true},
		{"too large", 65536, 0.8, true},
		{"smoothing one", 256, 1, true},
		{"negative smoothing", 256, -0.1, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := vad.NewAnalyser(tc.size, tc.smoothing)
			if (err != nil) != tc.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestAnalyser_SilenceIsZero(t *testing.T) {
	t.Parallel()

	a, err := vad.NewAnalyser(256, 0.8)
	if err != nil {
		t.Fatal(err)
	}
	a.Write(make([]byte, 512))
	if got := a.Mean(); got != 0 {
		t.Errorf("Mean of silence = %v, want 0", got)
	}
	if got := len(a.Snapshot()); got != 128 {
		t.Errorf("bins = %d, want 128", got)
	}
}

func TestAnalyser_NoiseIsLoud(t *testing.T) {
	t.Parallel()

	a, err := vad.NewAnalyser(256, 0)
	if err != nil {
		t.Fatal(err)
	}
	a.Write(noise(256, 1))
	if got := a.Mean(); got < 100 {
		t.Errorf("Mean of white noise = %v, want well above the default threshold", got)
	}
}

func TestAnalyser_SmoothingDecays(t *testing.T) {
	t.Parallel()

	a, err := vad.NewAnalyser(256, 0.8)
	if err != nil {
		t.Fatal(err)
	}
	for i := range 20 {
		a.Write(noise(256, uint64(i+1)))
		a.Mean()
	}
	a.Write(make([]byte, 512))
	first := a.Mean()
	if first == 0 {
		t.Fatal("smoothed snapshot dropped to zero immediately after silence")
	}
	var last float64
	for range 60 {
		last = a.Mean()
	}
	if last >= first {
		t.Errorf("mean did not decay: first %v, after 60 snapshots %v", first, last)
	}
}

func TestAnalyser_Reset(t *testing.T) {
	t.Parallel()

	a, err := vad.NewAnalyser(64, 0.8)
	if err != nil {
		t.Fatal(err)
	}
	a.Write(noise(64, 7))
	a.Mean()
	a.Reset()
	if got := a.Mean(); got != 0 {
		t.Errorf("Mean after Reset = %v, want 0", got)
	}
}

func TestLoop_StepAndStop(t *testing.T) {
	t.Parallel()

	a, err := vad.NewAnalyser(256, 0)
	if err != nil {
		t.Fatal(err)
	}
	l := vad.NewLoop(a, vad.NewDetector(20, 50*time.Millisecond), time.Millisecond)
	if l.C() != nil {
		t.Fatal("stopped loop must expose a nil tick channel")
	}

	l.Start()
	defer l.Stop()

	var means []float64
	l.OnMean = func(m float64) { means = append(means, m) }

	now := time.Now()
	l.Feed(noise(256, 3))
	if e, ok := l.Step(now); !ok || e != vad.SpeechStart {
		t.Fatalf("loud step: got %v/%v, want speech_start", e, ok)
	}

	l.Feed(make([]byte, 512))
	l.Step(now.Add(10 * time.Millisecond))
	if e, ok := l.Step(now.Add(70 * time.Millisecond)); !ok || e != vad.SpeechStop {
		t.Fatalf("quiet step: got %v/%v, want speech_stop", e, ok)
	}
	if len(means) != 3 {
		t.Errorf("OnMean called %d times, want 3", len(means))
	}

	select {
	case <-l.C():
	case <-time.After(time.Second):
		t.Fatal("ticker never fired")
	}

	l.Stop()
	if l.Alive() {
		t.Error("Alive after Stop")
	}
	l.Feed(noise(256, 4))
	if _, ok := l.Step(now.Add(time.Second)); ok {
		t.Error("stopped loop produced an edge")
	}
}
