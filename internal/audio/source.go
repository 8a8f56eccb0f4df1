// Package audio provides PCM audio sources and WAV file handling.
//
// All sources emit 16 kHz 16-bit mono PCM in fixed 30 ms frames. The
// microphone source is built on malgo; the file source replays WAV files
// for batch jobs and tests.
package audio

import (
	"context"
	"errors"
	"time"
)

const (
	// DefaultSampleRate is the pipeline-wide capture rate.
	DefaultSampleRate = 16000
	// Channels is fixed to mono throughout the pipeline.
	Channels = 1
	// BytesPerSample for 16-bit PCM.
	BytesPerSample = 2
	// FrameDuration is the fixed frame size every source emits.
	FrameDuration = 30 * time.Millisecond
)

var (
	// ErrSourceClosed is returned from Start after a source has been stopped.
	ErrSourceClosed = errors.New("audio source closed")
	// ErrDeviceNotFound - the requested capture device could not be opened.
	ErrDeviceNotFound = errors.New("audio device not found")
	// ErrStreamFailed - the device opened but the capture stream failed.
	// The microphone source retries the open once before surfacing it.
	ErrStreamFailed = errors.New("audio stream failed")
	// ErrInitFailed - the audio backend itself could not be initialized.
	ErrInitFailed = errors.New("audio init failed")
)

// FrameBytes returns the byte length of one frame at the given rate.
func FrameBytes(sampleRate int) int {
	return sampleRate * BytesPerSample * int(FrameDuration/time.Millisecond) / 1000
}

// Frame is one fixed-duration chunk of PCM.
type Frame struct {
	PCM       []byte
	Seq       uint64
	Timestamp time.Time
}

// Duration returns the frame's play time at the given rate.
func (f Frame) Duration(sampleRate int) time.Duration {
	samples := len(f.PCM) / BytesPerSample
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// Source produces a stream of PCM frames. Frames() is closed when the
// input ends or the source is stopped; Err reports why.
type Source interface {
	Start(ctx context.Context) error
	Frames() <-chan Frame
	Stop() error
	SampleRate() int
	Err() error
}
