package audio

import (
	"context"
	"sync"
	"time"
)

// FileSource replays a WAV file as a frame stream. With realtime pacing
// enabled frames are emitted at wall-clock speed, which exercises the
// live pipeline without a microphone; without it the whole file is
// delivered as fast as the consumer reads.
type FileSource struct {
	pcm        []byte
	sampleRate int
	realtime   bool

	mu      sync.Mutex
	frames  chan Frame
	stopCh  chan struct{}
	done    chan struct{}
	started bool
	stopped bool
	err     error
}

// NewFileSource reads the WAV file at path.
func NewFileSource(path string, realtime bool) (*FileSource, error) {
	pcm, rate, err := DecodeFile(path)
	if err != nil {
		return nil, err
	}
	return NewPCMSource(pcm, rate, realtime), nil
}

// NewPCMSource wraps raw PCM as a source. Used by tests and by batch jobs
// that already hold decoded audio.
func NewPCMSource(pcm []byte, sampleRate int, realtime bool) *FileSource {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	return &FileSource{
		pcm:        pcm,
		sampleRate: sampleRate,
		realtime:   realtime,
		frames:     make(chan Frame, 32),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start begins feeding frames. The frame channel is closed when the file
// is exhausted or the source is stopped.
func (f *FileSource) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.stopped {
		return ErrSourceClosed
	}
	if f.started {
		return nil
	}
	f.started = true

	go f.feed(ctx)
	return nil
}

func (f *FileSource) feed(ctx context.Context) {
	defer close(f.done)
	defer close(f.frames)

	frameBytes := FrameBytes(f.sampleRate)
	var ticker *time.Ticker
	if f.realtime {
		ticker = time.NewTicker(FrameDuration)
		defer ticker.Stop()
	}

	var seq uint64
	for pos := 0; pos < len(f.pcm); pos += frameBytes {
		end := pos + frameBytes
		if end > len(f.pcm) {
			end = len(f.pcm)
		}
		pcm := make([]byte, end-pos)
		copy(pcm, f.pcm[pos:end])

		frame := Frame{PCM: pcm, Seq: seq, Timestamp: time.Now()}
		seq++

		select {
		case f.frames <- frame:
		case <-f.stopCh:
			return
		case <-ctx.Done():
			f.setErr(ctx.Err())
			return
		}

		if ticker != nil {
			select {
			case <-ticker.C:
			case <-f.stopCh:
				return
			case <-ctx.Done():
				f.setErr(ctx.Err())
				return
			}
		}
	}
}

// Frames returns the frame stream.
func (f *FileSource) Frames() <-chan Frame { return f.frames }

// SampleRate returns the file's sample rate.
func (f *FileSource) SampleRate() int { return f.sampleRate }

// Err returns the terminal error, if any.
func (f *FileSource) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Stop halts the feed and waits for the feeder goroutine. Idempotent.
func (f *FileSource) Stop() error {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return nil
	}
	f.stopped = true
	started := f.started
	close(f.stopCh)
	f.mu.Unlock()

	if started {
		<-f.done
	}
	return nil
}

func (f *FileSource) setErr(err error) {
	f.mu.Lock()
	if f.err == nil {
		f.err = err
	}
	f.mu.Unlock()
}
