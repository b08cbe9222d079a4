package voice

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/ent0n29/voicecall/internal/audio"
)

const (
	mockFramesPerUtterance = 25
	mockBytesPerRune       = 1600 // 50ms of 16kHz PCM16 mono
	mockStreamChunkBytes   = 4096
)

// MockProvider is a local fallback used when no speech vendor is configured.
// Recognition turns every few frames of audio into a fixed utterance and
// synthesis returns WAV silence sized to the text.
type MockProvider struct {
	FramesPerUtterance int
	Utterance          string
}

func NewMockProvider() *MockProvider {
	return &MockProvider{FramesPerUtterance: mockFramesPerUtterance, Utterance: "simulated voice input"}
}

func (p *MockProvider) StartSession(_ context.Context, _ string) (RecognizerSession, <-chan TranscriptEvent, error) {
	every := p.FramesPerUtterance
	if every <= 0 {
		every = mockFramesPerUtterance
	}
	events := make(chan TranscriptEvent, 64)
	return &mockRecognizerSession{events: events, every: every, utterance: p.Utterance}, events, nil
}

type mockRecognizerSession struct {
	mu        sync.Mutex
	events    chan TranscriptEvent
	every     int
	utterance string
	pending   int
	closed    bool
}

func (s *mockRecognizerSession) SendAudio(_ context.Context, frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(frame) == 0 {
		return nil
	}
	s.pending++
	if s.pending%s.every == 0 {
		s.flushLocked()
		return nil
	}
	s.push(TranscriptEvent{Type: TranscriptPartial, Text: "...", Timestamp: time.Now().UnixMilli()})
	return nil
}

func (s *mockRecognizerSession) Stop(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.pending == 0 {
		return nil
	}
	s.flushLocked()
	return nil
}

func (s *mockRecognizerSession) flushLocked() {
	s.pending = 0
	s.push(TranscriptEvent{Type: TranscriptFinal, Text: s.utterance, Timestamp: time.Now().UnixMilli()})
}

// push never blocks the caller; a full buffer drops the event.
func (s *mockRecognizerSession) push(ev TranscriptEvent) {
	select {
	case s.events <- ev:
	default:
	}
}

func (s *mockRecognizerSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}

func (p *MockProvider) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	text = SanitizeSpeechText(text)
	if text == "" {
		return nil, nil
	}
	pcm := make([]byte, utf8.RuneCountInString(strings.TrimSpace(text))*mockBytesPerRune)
	return audio.EncodeWAVPCM16LE(pcm, 16000)
}

func (p *MockProvider) SynthesizeStream(ctx context.Context, text string, onChunk ChunkHandler) error {
	wav, err := p.Synthesize(ctx, text)
	if err != nil {
		return err
	}
	for len(wav) > 0 {
		n := min(len(wav), mockStreamChunkBytes)
		if err := onChunk(wav[:n]); err != nil {
			return err
		}
		wav = wav[n:]
	}
	return nil
}
