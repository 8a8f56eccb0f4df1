package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gen2brain/malgo"
)

// sinePCM generates 16-bit mono samples of a sine wave.
func sinePCM(duration time.Duration, sampleRate int, freq float64, amplitude float64) []byte {
	n := int(duration.Seconds() * float64(sampleRate))
	pcm := make([]byte, n*BytesPerSample)
	for i := 0; i < n; i++ {
		v := amplitude * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate))
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(v*math.MaxInt16)))
	}
	return pcm
}

func TestFrameBytes(t *testing.T) {
	// 30ms at 16kHz, 16-bit mono
	if got := FrameBytes(16000); got != 960 {
		t.Errorf("expected 960 bytes per frame at 16kHz, got %d", got)
	}
	if got := FrameBytes(8000); got != 480 {
		t.Errorf("expected 480 bytes per frame at 8kHz, got %d", got)
	}
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	pcm := sinePCM(100*time.Millisecond, 16000, 440, 0.5)

	var buf bytes.Buffer
	if err := Encode(&buf, pcm, 16000); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if buf.Len() != HeaderSize+len(pcm) {
		t.Errorf("expected %d bytes, got %d", HeaderSize+len(pcm), buf.Len())
	}

	got, rate, err := Decode(buf.Bytes())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rate != 16000 {
		t.Errorf("expected rate 16000, got %d", rate)
	}
	if !bytes.Equal(got, pcm) {
		t.Error("decoded PCM does not match input")
	}
}

func TestDecode_RejectsNonWAV(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"short", []byte("RIFF")},
		{"wrong magic", []byte("OGGS456789012345")},
		{"riff no wave", append([]byte("RIFF\x10\x00\x00\x00"), []byte("AVI xxxx")...)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := Decode(tt.data); !errors.Is(err, ErrNotWAV) {
				t.Errorf("expected ErrNotWAV, got %v", err)
			}
		})
	}
}

func TestDecode_StereoDownmix(t *testing.T) {
	// Two stereo samples: (100, 200) and (-100, 300).
	stereo := make([]byte, 8)
	binary.LittleEndian.PutUint16(stereo[0:], uint16(int16(100)))
	binary.LittleEndian.PutUint16(stereo[2:], uint16(int16(200)))
	negSample := int16(-100)
	binary.LittleEndian.PutUint16(stereo[4:], uint16(negSample))
	binary.LittleEndian.PutUint16(stereo[6:], uint16(int16(300)))

	var buf bytes.Buffer
	var header [HeaderSize]byte
	copy(header[0:4], "RIFF")
	binary.LittleEndian.PutUint32(header[4:8], uint32(36+len(stereo)))
	copy(header[8:12], "WAVE")
	copy(header[12:16], "fmt ")
	binary.LittleEndian.PutUint32(header[16:20], 16)
	binary.LittleEndian.PutUint16(header[20:22], 1)
	binary.LittleEndian.PutUint16(header[22:24], 2) // stereo
	binary.LittleEndian.PutUint32(header[24:28], 16000)
	binary.LittleEndian.PutUint32(header[28:32], 16000*2*2)
	binary.LittleEndian.PutUint16(header[32:34], 4)
	binary.LittleEndian.PutUint16(header[34:36], 16)
	copy(header[36:40], "data")
	binary.LittleEndian.PutUint32(header[40:44], uint32(len(stereo)))
	buf.Write(header[:])
	buf.Write(stereo)

	mono, rate, err := Decode(buf.Bytes())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rate != 16000 {
		t.Errorf("expected rate 16000, got %d", rate)
	}
	if len(mono) != 4 {
		t.Fatalf("expected 2 mono samples, got %d bytes", len(mono))
	}
	s0 := int16(binary.LittleEndian.Uint16(mono[0:]))
	s1 := int16(binary.LittleEndian.Uint16(mono[2:]))
	if s0 != 150 || s1 != 100 {
		t.Errorf("expected downmixed samples 150, 100, got %d, %d", s0, s1)
	}
}

func TestWriteFile_DecodeFile_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.wav")

	pcm := sinePCM(50*time.Millisecond, 16000, 220, 0.3)
	if err := WriteFile(path, pcm, 16000); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, rate, err := DecodeFile(path)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rate != 16000 || !bytes.Equal(got, pcm) {
		t.Error("round trip mismatch")
	}
}

func TestDecodeFile_Missing(t *testing.T) {
	_, _, err := DecodeFile(filepath.Join(t.TempDir(), "nope.wav"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected not-exist error, got %v", err)
	}
}

func TestFileSource_EmitsAllFramesInOrder(t *testing.T) {
	// 3 full frames plus a 100-byte tail.
	frameBytes := FrameBytes(16000)
	pcm := make([]byte, 3*frameBytes+100)
	src := NewPCMSource(pcm, 16000, false)

	if err := src.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	var frames []Frame
	for f := range src.Frames() {
		frames = append(frames, f)
	}

	if len(frames) != 4 {
		t.Fatalf("expected 4 frames, got %d", len(frames))
	}
	for i, f := range frames {
		if f.Seq != uint64(i) {
			t.Errorf("frame %d has seq %d", i, f.Seq)
		}
	}
	if len(frames[3].PCM) != 100 {
		t.Errorf("expected 100-byte tail frame, got %d", len(frames[3].PCM))
	}
}

func TestFileSource_StopHaltsFeed(t *testing.T) {
	pcm := make([]byte, 100*FrameBytes(16000))
	src := NewPCMSource(pcm, 16000, true)

	if err := src.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	<-src.Frames()
	if err := src.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := src.Stop(); err != nil {
		t.Errorf("second stop should be a no-op, got %v", err)
	}

	// Channel drains and closes after stop.
	for range src.Frames() {
	}

	if err := src.Start(context.Background()); !errors.Is(err, ErrSourceClosed) {
		t.Errorf("expected ErrSourceClosed on restart, got %v", err)
	}
}

func TestFileSource_StartIdempotent(t *testing.T) {
	src := NewPCMSource(make([]byte, FrameBytes(16000)), 16000, false)
	if err := src.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := src.Start(context.Background()); err != nil {
		t.Errorf("second start should be a no-op, got %v", err)
	}
	for range src.Frames() {
	}
}

func TestWithStreamRetry(t *testing.T) {
	// A stream failure gets exactly one reopen; other failures do not.
	t.Run("stream failure retried once", func(t *testing.T) {
		calls := 0
		_, err := withStreamRetry(func() (*malgo.Device, error) {
			calls++
			if calls == 1 {
				return nil, fmt.Errorf("%w: device vanished", ErrStreamFailed)
			}
			return nil, nil
		})
		if err != nil {
			t.Errorf("expected retry to recover, got %v", err)
		}
		if calls != 2 {
			t.Errorf("expected 2 open attempts, got %d", calls)
		}
	})

	t.Run("second stream failure surfaces", func(t *testing.T) {
		calls := 0
		_, err := withStreamRetry(func() (*malgo.Device, error) {
			calls++
			return nil, fmt.Errorf("%w: device vanished", ErrStreamFailed)
		})
		if !errors.Is(err, ErrStreamFailed) {
			t.Errorf("expected ErrStreamFailed, got %v", err)
		}
		if calls != 2 {
			t.Errorf("expected 2 open attempts, got %d", calls)
		}
	})

	t.Run("missing device not retried", func(t *testing.T) {
		calls := 0
		_, err := withStreamRetry(func() (*malgo.Device, error) {
			calls++
			return nil, fmt.Errorf("%w: no capture devices", ErrDeviceNotFound)
		})
		if !errors.Is(err, ErrDeviceNotFound) {
			t.Errorf("expected ErrDeviceNotFound, got %v", err)
		}
		if calls != 1 {
			t.Errorf("expected 1 open attempt, got %d", calls)
		}
	})
}

func TestFrame_Duration(t *testing.T) {
	f := Frame{PCM: make([]byte, 960)}
	if d := f.Duration(16000); d != 30*time.Millisecond {
		t.Errorf("expected 30ms, got %v", d)
	}
}
