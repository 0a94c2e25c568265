package vad

import "time"

// Detector is a pure threshold state machine over (time, mean magnitude)
// observations.
//
// A mean strictly above the threshold cancels any pending stop deadline and,
// when inactive, emits [SpeechStart] at once. A mean at or below the threshold
// while active arms a stop deadline hold into the future; further quiet
// observations leave an armed deadline where it is. The first observation at
// or after the deadline emits [SpeechStop].
type Detector struct {
	threshold float64
	hold      time.Duration

	active   bool
	armed    bool
	deadline time.Time
}

// NewDetector returns an inactive Detector.
func NewDetector(threshold float64, hold time.Duration) *Detector {
	return &Detector{threshold: threshold, hold: hold}
}

// Observe feeds one snapshot mean taken at now. It reports the edge, if any,
// this observation produced.
func (d *Detector) Observe(now time.Time, mean float64) (Edge, bool) {
	if mean > d.threshold {
		d.armed = false
		if !d.active {
			d.active = true
			return SpeechStart, true
		}
		return 0, false
	}

	if !d.active {
		return 0, false
	}
	if !d.armed {
		d.armed = true
		d.deadline = now.Add(d.hold)
	}
	if !now.Before(d.deadline) {
		d.active = false
		d.armed = false
		return SpeechStop, true
	}
	return 0, false
}

// Active reports whether speech is currently considered in progress.
func (d *Detector) Active() bool { return d.active }

// Pending reports whether a stop deadline is armed, and when it falls.
func (d *Detector) Pending() (time.Time, bool) { return d.deadline, d.armed }

// Reset returns the detector to inactive with no deadline.
func (d *Detector) Reset() {
	d.active = false
	d.armed = false
	d.deadline = time.Time{}
}
