package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gen2brain/malgo"
	"github.com/rs/zerolog/log"
)

// MicSource captures from the default system microphone via malgo and
// re-slices the device callback data into fixed 30 ms frames.
type MicSource struct {
	sampleRate int

	mu      sync.Mutex
	ctx     *malgo.AllocatedContext
	device  *malgo.Device
	frames  chan Frame
	pending []byte
	seq     uint64
	started bool
	stopped bool
	err     error
}

// NewMicSource creates a microphone source at the given rate. The device
// is not opened until Start.
func NewMicSource(sampleRate int) *MicSource {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	return &MicSource{
		sampleRate: sampleRate,
		frames:     make(chan Frame, 32),
	}
}

// Start opens the capture device and begins emitting frames.
func (m *MicSource) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return ErrSourceClosed
	}
	if m.started {
		return nil
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInitFailed, err)
	}

	device, err := withStreamRetry(func() (*malgo.Device, error) {
		return m.openDevice(mctx)
	})
	if err != nil {
		mctx.Uninit()
		mctx.Free()
		return err
	}

	m.ctx = mctx
	m.device = device
	m.started = true
	log.Info().Int("sampleRate", m.sampleRate).Msg("Microphone capture started")
	return nil
}

// openDevice initializes and starts one capture device. An open failure
// means no usable device; a start failure means the stream broke.
func (m *MicSource) openDevice(mctx *malgo.AllocatedContext) (*malgo.Device, error) {
	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = Channels
	deviceConfig.SampleRate = uint32(m.sampleRate)

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, data []byte, frameCount uint32) {
			m.onData(data)
		},
	}

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, callbacks)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceNotFound, err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return nil, fmt.Errorf("%w: %v", ErrStreamFailed, err)
	}
	return device, nil
}

// withStreamRetry reopens the device once after a stream failure. Device
// and init failures are surfaced immediately.
func withStreamRetry(open func() (*malgo.Device, error)) (*malgo.Device, error) {
	device, err := open()
	if err == nil || !errors.Is(err, ErrStreamFailed) {
		return device, err
	}
	log.Warn().Err(err).Msg("Capture stream failed, reopening device")
	return open()
}

// Frames returns the frame stream. Closed on Stop.
func (m *MicSource) Frames() <-chan Frame { return m.frames }

// SampleRate returns the capture rate.
func (m *MicSource) SampleRate() int { return m.sampleRate }

// Err returns the terminal error, if any.
func (m *MicSource) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Stop closes the device and the frame channel. Idempotent.
func (m *MicSource) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return nil
	}
	m.stopped = true

	if m.device != nil {
		m.device.Stop()
		m.device.Uninit()
		m.device = nil
	}
	if m.ctx != nil {
		m.ctx.Uninit()
		m.ctx.Free()
		m.ctx = nil
	}
	close(m.frames)
	log.Info().Msg("Microphone capture stopped")
	return nil
}

// onData runs on the malgo device thread. It must never block, so a full
// consumer drops the frame rather than stalling the device.
func (m *MicSource) onData(data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return
	}

	m.pending = append(m.pending, data...)
	frameBytes := FrameBytes(m.sampleRate)
	for len(m.pending) >= frameBytes {
		pcm := make([]byte, frameBytes)
		copy(pcm, m.pending[:frameBytes])
		m.pending = m.pending[frameBytes:]

		f := Frame{PCM: pcm, Seq: m.seq, Timestamp: time.Now()}
		m.seq++
		select {
		case m.frames <- f:
		default:
			log.Warn().Uint64("seq", f.Seq).Msg("Frame consumer behind, dropping frame")
		}
	}
}
