package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
	"time"
)

func TestEncodeWAVPCM16LEHeader(t *testing.T) {
	pcm := make([]byte, 3200)
	wav, err := EncodeWAVPCM16LE(pcm, 16000)
	if err != nil {
		t.Fatalf("EncodeWAVPCM16LE() error = %v", err)
	}
	if len(wav) != 44+len(pcm) {
		t.Fatalf("len = %d, want %d", len(wav), 44+len(pcm))
	}
	if !bytes.Equal(wav[0:4], []byte("RIFF")) || !bytes.Equal(wav[8:12], []byte("WAVE")) || !bytes.Equal(wav[36:40], []byte("data")) {
		t.Fatalf("unexpected chunk ids: %q", wav[:44])
	}
	if got := binary.LittleEndian.Uint32(wav[24:28]); got != 16000 {
		t.Fatalf("sample rate = %d, want 16000", got)
	}
	if got := binary.LittleEndian.Uint32(wav[40:44]); got != uint32(len(pcm)) {
		t.Fatalf("data size = %d, want %d", got, len(pcm))
	}
}

func TestPCMDuration(t *testing.T) {
	if got := PCMDuration(32000, 16000); got != time.Second {
		t.Fatalf("PCMDuration() = %v, want 1s", got)
	}
	if got := PCMDuration(1600, 0); got != 50*time.Millisecond {
		t.Fatalf("PCMDuration() default rate = %v, want 50ms", got)
	}
}

func TestDecodeWAVPCM16MonoRoundTrip(t *testing.T) {
	pcm := []byte{0x00, 0x00, 0xE8, 0x03, 0x18, 0xFC}
	wav, err := EncodeWAVPCM16LE(pcm, 16000)
	if err != nil {
		t.Fatalf("EncodeWAVPCM16LE() error = %v", err)
	}
	got, sr, err := DecodeWAVPCM16(wav)
	if err != nil {
		t.Fatalf("DecodeWAVPCM16() error = %v", err)
	}
	if sr != 16000 || !bytes.Equal(got, pcm) {
		t.Fatalf("DecodeWAVPCM16() = %v @%d, want %v @16000", got, sr, pcm)
	}
}

func TestDecodeWAVPCM16StereoDownmix(t *testing.T) {
	// L=1000 R=-1000 then L=3000 R=1000.
	stereo := []byte{0xE8, 0x03, 0x18, 0xFC, 0xB8, 0x0B, 0xE8, 0x03}

	var b bytes.Buffer
	b.WriteString("RIFF")
	_ = binary.Write(&b, binary.LittleEndian, uint32(36+len(stereo)))
	b.WriteString("WAVEfmt ")
	_ = binary.Write(&b, binary.LittleEndian, uint32(16))
	_ = binary.Write(&b, binary.LittleEndian, uint16(1))
	_ = binary.Write(&b, binary.LittleEndian, uint16(2))
	_ = binary.Write(&b, binary.LittleEndian, uint32(24000))
	_ = binary.Write(&b, binary.LittleEndian, uint32(24000*4))
	_ = binary.Write(&b, binary.LittleEndian, uint16(4))
	_ = binary.Write(&b, binary.LittleEndian, uint16(16))
	b.WriteString("data")
	_ = binary.Write(&b, binary.LittleEndian, uint32(len(stereo)))
	b.Write(stereo)

	got, sr, err := DecodeWAVPCM16(b.Bytes())
	if err != nil {
		t.Fatalf("DecodeWAVPCM16() error = %v", err)
	}
	if sr != 24000 || len(got) != 4 {
		t.Fatalf("DecodeWAVPCM16() len=%d sr=%d, want 4 bytes @24000", len(got), sr)
	}
	s1 := int16(binary.LittleEndian.Uint16(got[0:2]))
	s2 := int16(binary.LittleEndian.Uint16(got[2:4]))
	if s1 != 0 || s2 != 2000 {
		t.Fatalf("downmix = [%d %d], want [0 2000]", s1, s2)
	}
}

func TestDecodeWAVPCM16RejectsGarbage(t *testing.T) {
	if _, _, err := DecodeWAVPCM16([]byte("not a wav file")); !errors.Is(err, ErrInvalidWAV) {
		t.Fatalf("DecodeWAVPCM16() error = %v, want ErrInvalidWAV", err)
	}
}

func TestSplitFrames(t *testing.T) {
	pcm := make([]byte, 3200+6)
	frames := SplitFrames(pcm, 16000, 40*time.Millisecond)
	if len(frames) != 3 {
		t.Fatalf("len(frames) = %d, want 3", len(frames))
	}
	if len(frames[0]) != 1280 || len(frames[2]) != 3206-2560 {
		t.Fatalf("frame sizes = %d/%d, want 1280/%d", len(frames[0]), len(frames[2]), 3206-2560)
	}
}
