package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// HeaderSize is the canonical RIFF/WAVE header length this package writes.
const HeaderSize = 44

var (
	// ErrNotWAV is returned for files without a RIFF/WAVE signature.
	ErrNotWAV = errors.New("not a wav file")
	// ErrUnsupportedFormat is returned for compressed or non-16-bit files.
	ErrUnsupportedFormat = errors.New("unsupported wav format")
)

// DecodeFile reads a PCM WAV file and returns its samples and rate.
// Only uncompressed 16-bit audio is accepted; stereo is downmixed to mono.
func DecodeFile(path string) (pcm []byte, sampleRate int, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, err
	}
	return Decode(data)
}

// Decode parses RIFF/WAVE bytes. It walks the chunk list rather than
// assuming a fixed 44-byte header, since some encoders insert LIST chunks.
func Decode(data []byte) (pcm []byte, sampleRate int, err error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, ErrNotWAV
	}

	var (
		channels      int
		bitsPerSample int
		haveFmt       bool
	)

	pos := 12
	for pos+8 <= len(data) {
		chunkID := string(data[pos : pos+4])
		chunkLen := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		if body+chunkLen > len(data) {
			chunkLen = len(data) - body
		}

		switch chunkID {
		case "fmt ":
			if chunkLen < 16 {
				return nil, 0, fmt.Errorf("%w: short fmt chunk", ErrNotWAV)
			}
			format := binary.LittleEndian.Uint16(data[body : body+2])
			if format != 1 { // PCM
				return nil, 0, fmt.Errorf("%w: format tag %d", ErrUnsupportedFormat, format)
			}
			channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			sampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			bitsPerSample = int(binary.LittleEndian.Uint16(data[body+14 : body+16]))
			haveFmt = true
		case "data":
			if !haveFmt {
				return nil, 0, fmt.Errorf("%w: data before fmt", ErrNotWAV)
			}
			if bitsPerSample != 16 {
				return nil, 0, fmt.Errorf("%w: %d bits per sample", ErrUnsupportedFormat, bitsPerSample)
			}
			raw := data[body : body+chunkLen]
			if channels == 2 {
				return downmix(raw), sampleRate, nil
			}
			if channels != 1 {
				return nil, 0, fmt.Errorf("%w: %d channels", ErrUnsupportedFormat, channels)
			}
			out := make([]byte, len(raw))
			copy(out, raw)
			return out, sampleRate, nil
		}

		pos = body + chunkLen
		if chunkLen%2 == 1 {
			pos++ // chunks are word-aligned
		}
	}

	return nil, 0, fmt.Errorf("%w: no data chunk", ErrNotWAV)
}

// Encode writes a canonical 44-byte header followed by the PCM data.
func Encode(w io.Writer, pcm []byte, sampleRate int) error {
	byteRate := sampleRate * Channels * BytesPerSample

	var header [HeaderSize]byte
	copy(header[0:4], "RIFF")
	binary.LittleEndian.PutUint32(header[4:8], uint32(36+len(pcm)))
	copy(header[8:12], "WAVE")
	copy(header[12:16], "fmt ")
	binary.LittleEndian.PutUint32(header[16:20], 16)
	binary.LittleEndian.PutUint16(header[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(header[22:24], Channels)
	binary.LittleEndian.PutUint32(header[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(header[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(header[32:34], Channels*BytesPerSample)
	binary.LittleEndian.PutUint16(header[34:36], BytesPerSample*8)
	copy(header[36:40], "data")
	binary.LittleEndian.PutUint32(header[40:44], uint32(len(pcm)))

	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(pcm)
	return err
}

// WriteFile encodes PCM to a WAV file at path.
func WriteFile(path string, pcm []byte, sampleRate int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Encode(f, pcm, sampleRate); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func downmix(stereo []byte) []byte {
	mono := make([]byte, len(stereo)/2)
	for i := 0; i+4 <= len(stereo); i += 4 {
		l := int16(binary.LittleEndian.Uint16(stereo[i : i+2]))
		r := int16(binary.LittleEndian.Uint16(stereo[i+2 : i+4]))
		binary.LittleEndian.PutUint16(mono[i/2:i/2+2], uint16((int32(l)+int32(r))/2))
	}
	return mono
}
