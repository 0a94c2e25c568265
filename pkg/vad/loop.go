package vad

import (
	"time"
)

// Loop drives an [Analyser] and a [Detector] from a ticker. It does not run a
// goroutine of its own: the owner selects on [Loop.C] and calls [Loop.Step]
// for every tick, so analysis runs on the owner's goroutine.
//
// A Loop is restartable. Stop cancels it synchronously: after Stop returns,
// Step reports nothing until Start is called again.
type Loop struct {
	analyser *Analyser
	detector *Detector
	tick     time.Duration

	ticker *time.Ticker
	alive  bool

	// OnMean, when set, receives every mean observed by Step.
	OnMean func(float64)
}

// NewLoop binds analyser and detector to a ticker of period tick. The loop is
// created stopped.
func NewLoop(analyser *Analyser, detector *Detector, tick time.Duration) *Loop {
	if tick <= 0 {
		tick = DefaultTick
	}
	return &Loop{analyser: analyser, detector: detector, tick: tick}
}

// Start resets the analyser and detector and begins ticking. Starting a
// running loop restarts it.
func (l *Loop) Start() {
	l.Stop()
	l.analyser.Reset()
	l.detector.Reset()
	l.ticker = time.NewTicker(l.tick)
	l.alive = true
}

// Stop halts the ticker. It is safe to call on a stopped loop.
func (l *Loop) Stop() {
	l.alive = false
	if l.ticker != nil {
		l.ticker.Stop()
		l.ticker = nil
	}
}

// Alive reports whether the loop is running.
func (l *Loop) Alive() bool { return l.alive }

// C returns the tick channel, or nil when stopped. A nil channel blocks
// forever in a select, which disables the case.
func (l *Loop) C() <-chan time.Time {
	if l.ticker == nil {
		return nil
	}
	return l.ticker.C
}

// Feed writes mono PCM into the analyser window.
func (l *Loop) Feed(pcm []byte) {
	if !l.alive {
		return
	}
	l.analyser.Write(pcm)
}

// Step takes one snapshot at now and returns the resulting edge, if any.
// It does nothing once the loop has been stopped.
func (l *Loop) Step(now time.Time) (Edge, bool) {
	if !l.alive {
		return 0, false
	}
	mean := l.analyser.Mean()
	if l.OnMean != nil {
		l.OnMean(mean)
	}
	return l.detector.Observe(now, mean)
}

// Active reports whether the detector currently considers speech in progress.
func (l *Loop) Active() bool { return l.detector.Active() }
