package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

const (
	DefaultSampleRate = 16000
	bytesPerSample    = 2
)

var ErrInvalidWAV = errors.New("invalid wav")

type wavHeader struct {
	RIFF          [4]byte
	ChunkSize     uint32
	WAVE          [4]byte
	Fmt           [4]byte
	FmtSize       uint32
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Data          [4]byte
	DataSize      uint32
}

// EncodeWAVPCM16LE wraps raw PCM16LE mono audio in a WAV container.
func EncodeWAVPCM16LE(pcm []byte, sampleRate int) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(44 + len(pcm))
	if err := WriteWAVPCM16LETo(&buf, pcm, sampleRate); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func WriteWAVPCM16LETo(out io.Writer, pcm []byte, sampleRate int) error {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	h := wavHeader{
		RIFF:          [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     uint32(36 + len(pcm)),
		WAVE:          [4]byte{'W', 'A', 'V', 'E'},
		Fmt:           [4]byte{'f', 'm', 't', ' '},
		FmtSize:       16,
		AudioFormat:   1,
		NumChannels:   1,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate * bytesPerSample),
		BlockAlign:    bytesPerSample,
		BitsPerSample: 8 * bytesPerSample,
		Data:          [4]byte{'d', 'a', 't', 'a'},
		DataSize:      uint32(len(pcm)),
	}
	if err := binary.Write(out, binary.LittleEndian, h); err != nil {
		return err
	}
	_, err := out.Write(pcm)
	return err
}

// PCMDuration reports how long a PCM16 mono buffer of n bytes plays.
func PCMDuration(n, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	samples := n / bytesPerSample
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// DecodeWAVPCM16 extracts PCM16LE samples from a WAV container. Multichannel
// input is averaged down to mono.
func DecodeWAVPCM16(data []byte) ([]byte, int, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, fmt.Errorf("%w: missing RIFF/WAVE header", ErrInvalidWAV)
	}

	var (
		haveFmt    bool
		format     uint16
		channels   uint16
		sampleRate int
		bits       uint16
		pcm        []byte
	)
	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		off += 8
		if size < 0 || off+size > len(data) {
			return nil, 0, fmt.Errorf("%w: chunk %q overruns input", ErrInvalidWAV, id)
		}
		chunk := data[off : off+size]
		switch id {
		case "fmt ":
			if len(chunk) < 16 {
				return nil, 0, fmt.Errorf("%w: short fmt chunk", ErrInvalidWAV)
			}
			format = binary.LittleEndian.Uint16(chunk[0:2])
			channels = binary.LittleEndian.Uint16(chunk[2:4])
			sampleRate = int(binary.LittleEndian.Uint32(chunk[4:8]))
			bits = binary.LittleEndian.Uint16(chunk[14:16])
			haveFmt = true
		case "data":
			pcm = chunk
		}
		off += size + size%2
	}

	switch {
	case !haveFmt:
		return nil, 0, fmt.Errorf("%w: fmt chunk missing", ErrInvalidWAV)
	case len(pcm) == 0:
		return nil, 0, fmt.Errorf("%w: data chunk missing", ErrInvalidWAV)
	case format != 1 || bits != 16:
		return nil, 0, fmt.Errorf("%w: format=%d bits=%d, want PCM16", ErrInvalidWAV, format, bits)
	case channels == 0:
		return nil, 0, fmt.Errorf("%w: zero channels", ErrInvalidWAV)
	}
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}

	if channels == 1 {
		out := make([]byte, len(pcm)-len(pcm)%bytesPerSample)
		copy(out, pcm)
		return out, sampleRate, nil
	}

	frame := int(channels) * bytesPerSample
	frames := len(pcm) / frame
	mono := make([]byte, frames*bytesPerSample)
	for i := 0; i < frames; i++ {
		sum := 0
		for ch := 0; ch < int(channels); ch++ {
			at := i*frame + ch*bytesPerSample
			sum += int(int16(binary.LittleEndian.Uint16(pcm[at : at+2])))
		}
		binary.LittleEndian.PutUint16(mono[i*2:i*2+2], uint16(int16(sum/int(channels))))
	}
	return mono, sampleRate, nil
}

// SplitFrames cuts PCM16 audio into frames of roughly frameDuration each,
// never splitting a sample.
func SplitFrames(pcm []byte, sampleRate int, frameDuration time.Duration) [][]byte {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	size := int(int64(sampleRate) * bytesPerSample * int64(frameDuration) / int64(time.Second))
	size -= size % bytesPerSample
	if size <= 0 {
		size = bytesPerSample
	}
	var frames [][]byte
	for off := 0; off+bytesPerSample <= len(pcm); off += size {
		end := min(off+size, len(pcm))
		end -= (end - off) % bytesPerSample
		frames = append(frames, pcm[off:end])
	}
	return frames
}
