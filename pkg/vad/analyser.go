package vad

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
)

// Analyser computes byte frequency-domain snapshots over the most recent
// fftSize samples of a mono 16-bit stream.
//
// Each snapshot windows the samples with a Blackman window, takes a real FFT,
// normalises magnitudes by the window size, blends them with the previous
// snapshot (time constant smoothing), converts to decibels and maps
// [-100 dB, -30 dB] linearly onto 0–255.
type Analyser struct {
	size      int
	smoothing float64

	fft    *fourier.FFT
	window []float64

	ring []float64
	pos  int

	scratch  []float64
	coeffs   []complex128
	smoothed []float64
	bins     []byte
}

// NewAnalyser returns an Analyser for the given FFT size (a power of two in
// [32, 32768]) and smoothing time constant in [0, 1).
func NewAnalyser(fftSize int, smoothing float64) (*Analyser, error) {
	if fftSize < 32 || fftSize > 32768 || fftSize&(fftSize-1) != 0 {
		return nil, fmt.Errorf("vad: fft size %d must be a power of two in [32, 32768]", fftSize)
	}
	if smoothing < 0 || smoothing >= 1 {
		return nil, fmt.Errorf("vad: smoothing %v must be in [0, 1)", smoothing)
	}

	w := make([]float64, fftSize)
	for i := range w {
		w[i] = 1
	}
	return &Analyser{
		size:      fftSize,
		smoothing: smoothing,
		fft:       fourier.NewFFT(fftSize),
		window:    window.Blackman(w),
		ring:      make([]float64, fftSize),
		scratch:   make([]float64, fftSize),
		coeffs:    make([]complex128, fftSize/2+1),
		smoothed:  make([]float64, fftSize/2),
		bins:      make([]byte, fftSize/2),
	}, nil
}

// BinCount returns the number of frequency bins, half the FFT size.
func (a *Analyser) BinCount() int { return a.size / 2 }

// Write appends little-endian mono int16 PCM to the sample window. Only the
// last fftSize samples are retained.
func (a *Analyser) Write(pcm []byte) {
	for i := 0; i+1 < len(pcm); i += 2 {
		s := int16(pcm[i]) | int16(pcm[i+1])<<8
		a.ring[a.pos] = float64(s) / 32768
		a.pos = (a.pos + 1) % a.size
	}
}

// Snapshot computes a new frequency snapshot and returns the byte bins. The
// returned slice is owned by the Analyser and overwritten by the next call.
func (a *Analyser) Snapshot() []byte {
	// Oldest sample first.
	n := copy(a.scratch, a.ring[a.pos:])
	copy(a.scratch[n:], a.ring[:a.pos])
	for i := range a.scratch {
		a.scratch[i] *= a.window[i]
	}

	a.fft.Coefficients(a.coeffs, a.scratch)

	scale := 255 / (maxDecibels - minDecibels)
	for k := range a.smoothed {
		mag := cmplxAbs(a.coeffs[k]) / float64(a.size)
		v := a.smoothing*a.smoothed[k] + (1-a.smoothing)*mag
		if math.IsNaN(v) || math.IsInf(v, 0) {
			v = 0
		}
		a.smoothed[k] = v

		if v == 0 {
			a.bins[k] = 0
			continue
		}
		db := 20 * math.Log10(v)
		b := math.Floor(scale * (db - minDecibels))
		switch {
		case b < 0:
			b = 0
		case b > 255:
			b = 255
		}
		a.bins[k] = byte(b)
	}
	return a.bins
}

// Mean takes a snapshot and returns the mean bin value.
func (a *Analyser) Mean() float64 {
	bins := a.Snapshot()
	var sum int
	for _, b := range bins {
		sum += int(b)
	}
	return float64(sum) / float64(len(bins))
}

// Reset clears the sample window and the smoothing history.
func (a *Analyser) Reset() {
	clear(a.ring)
	clear(a.smoothed)
	a.pos = 0
}

func cmplxAbs(c complex128) float64 {
	return math.Hypot(real(c), imag(c))
}
