// Package vad classifies PCM frames as speech or silence.
//
// Two detectors are provided: a fixed-threshold energy detector and an
// adaptive one that tracks the noise floor with an exponential moving
// average. Both debounce single noisy frames before confirming speech.
package vad

import (
	"encoding/binary"
	"errors"
	"math"
	"sync"
)

// ErrInvalidThreshold is returned for thresholds outside (0, 1].
var ErrInvalidThreshold = errors.New("vad threshold must be in (0, 1]")

// debounceFrames is the number of consecutive speech frames required
// before a detector reports speech. At 30 ms frames this adds 60 ms of
// latency and filters out single-frame clicks.
const debounceFrames = 2

// Decision is the per-frame classification.
type Decision int

const (
	Silence Decision = iota
	Speech
)

func (d Decision) String() string {
	if d == Speech {
		return "speech"
	}
	return "silence"
}

// Detector classifies one frame at a time. Implementations are safe for
// use from a single goroutine; Reset clears state between sessions.
type Detector interface {
	Classify(pcm []byte) Decision
	Level() float64
	Reset()
}

// RMS computes the root-mean-square level of 16-bit PCM, normalized
// to [0, 1].
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i+2 <= len(pcm); i += 2 {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i : i+2])))
		sum += s * s
	}
	return math.Sqrt(sum/float64(n)) / math.MaxInt16
}

// Energy is a fixed-threshold detector. A frame whose RMS level meets or
// exceeds the threshold counts toward the debounce run.
type Energy struct {
	threshold float64

	mu    sync.Mutex
	run   int
	level float64
}

// NewEnergy creates a fixed-threshold detector. The threshold must be
// in (0, 1].
func NewEnergy(threshold float64) (*Energy, error) {
	if threshold <= 0 || threshold > 1 {
		return nil, ErrInvalidThreshold
	}
	return &Energy{threshold: threshold}, nil
}

// Classify returns the decision for one frame.
func (e *Energy) Classify(pcm []byte) Decision {
	level := RMS(pcm)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.level = level

	if level >= e.threshold {
		e.run++
	} else {
		e.run = 0
	}
	if e.run >= debounceFrames {
		return Speech
	}
	return Silence
}

// Level returns the most recent frame's RMS level.
func (e *Energy) Level() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.level
}

// Reset clears the debounce run.
func (e *Energy) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.run = 0
	e.level = 0
}

const (
	// adaptiveAlpha is the EMA weight for noise floor updates.
	adaptiveAlpha = 0.05
	// adaptiveWarmup is the number of frames used to seed the floor.
	// Frames during warmup always classify as silence.
	adaptiveWarmup = 10
	// adaptiveMinFloor keeps the floor off zero in dead-silent input.
	adaptiveMinFloor = 0.001
)

// Adaptive tracks the noise floor and classifies frames whose level rises
// a sensitivity factor above it. The floor only absorbs silence frames, so
// sustained speech does not drag it upward.
type Adaptive struct {
	sensitivity float64

	mu     sync.Mutex
	floor  float64
	seen   int
	run    int
	level  float64
	warmed bool
}

// NewAdaptive creates an adaptive detector. Sensitivity is the fractional
// rise over the noise floor that counts as speech; 0.5 means 50% above.
func NewAdaptive(sensitivity float64) (*Adaptive, error) {
	if sensitivity <= 0 || sensitivity > 1 {
		return nil, ErrInvalidThreshold
	}
	return &Adaptive{sensitivity: sensitivity, floor: adaptiveMinFloor}, nil
}

// Classify returns the decision for one frame.
func (a *Adaptive) Classify(pcm []byte) Decision {
	level := RMS(pcm)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.level = level

	if !a.warmed {
		a.seen++
		a.floor += (level - a.floor) / float64(a.seen)
		if a.floor < adaptiveMinFloor {
			a.floor = adaptiveMinFloor
		}
		if a.seen >= adaptiveWarmup {
			a.warmed = true
		}
		return Silence
	}

	speech := level >= a.floor*(1+a.sensitivity)
	if speech {
		a.run++
	} else {
		a.run = 0
		a.floor += adaptiveAlpha * (level - a.floor)
		if a.floor < adaptiveMinFloor {
			a.floor = adaptiveMinFloor
		}
	}
	if a.run >= debounceFrames {
		return Speech
	}
	return Silence
}

// Level returns the most recent frame's RMS level.
func (a *Adaptive) Level() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.level
}

// Floor returns the current noise floor estimate.
func (a *Adaptive) Floor() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.floor
}

// Reset clears all adaptation state.
func (a *Adaptive) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.floor = adaptiveMinFloor
	a.seen = 0
	a.run = 0
	a.level = 0
	a.warmed = false
}
