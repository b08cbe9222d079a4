package call

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/voicecall/internal/agent"
	"github.com/ent0n29/voicecall/internal/protocol"
	"github.com/ent0n29/voicecall/internal/voice"
)

// recorder captures outbound frames in send order.
type recorder struct {
	mu     sync.Mutex
	frames []protocol.Frame
}

func (r *recorder) SendControl(msg protocol.ControlMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, protocol.ControlFrame(msg))
}

func (r *recorder) SendAudio(payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, protocol.AudioFrame(payload))
}

// trace renders frames as strings, with binary frames as "<audio N>".
func (r *recorder) trace() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.frames))
	for _, f := range r.frames {
		if f.Binary {
			out = append(out, fmt.Sprintf("<audio %d>", len(f.Data)))
			continue
		}
		out = append(out, f.Text)
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = nil
}

// stallingSender holds the USER_FINAL send until release is closed, like a
// full outbound buffer.
type stallingSender struct {
	*recorder
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newStallingSender() *stallingSender {
	return &stallingSender{recorder: &recorder{}, entered: make(chan struct{}), release: make(chan struct{})}
}

func (s *stallingSender) SendControl(msg protocol.ControlMessage) {
	if msg.Kind == protocol.KindUserFinal {
		s.once.Do(func() { close(s.entered) })
		<-s.release
	}
	s.recorder.SendControl(msg)
}

func assertTrace(t *testing.T, got, want []string) {
	t.Helper()
	if strings.Join(got, "\n") != strings.Join(want, "\n") {
		t.Fatalf("frames =\n  %s\nwant\n  %s", strings.Join(got, "\n  "), strings.Join(want, "\n  "))
	}
}

type scriptedAgent struct {
	fragments []string
	text      string // final text when set, instead of the joined fragments
	err       error
	panicMsg  string
	block     chan struct{}

	mu    sync.Mutex
	calls []agent.MessageRequest
}

func (a *scriptedAgent) StreamResponse(ctx context.Context, req agent.MessageRequest, onDelta agent.DeltaHandler) (agent.MessageResponse, error) {
	a.mu.Lock()
	a.calls = append(a.calls, req)
	a.mu.Unlock()

	if a.block != nil {
		select {
		case <-a.block:
		case <-ctx.Done():
			return agent.MessageResponse{}, ctx.Err()
		}
	}
	if a.panicMsg != "" {
		panic(a.panicMsg)
	}
	for _, f := range a.fragments {
		if err := onDelta(f); err != nil {
			return agent.MessageResponse{}, err
		}
	}
	if a.err != nil {
		return agent.MessageResponse{}, a.err
	}
	if a.text != "" {
		return agent.MessageResponse{Text: a.text}, nil
	}
	return agent.MessageResponse{Text: strings.Join(a.fragments, "")}, nil
}

func (a *scriptedAgent) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

type stubSynth struct {
	audio  []byte
	chunks [][]byte
	err    error

	mu    sync.Mutex
	texts []string
}

func (s *stubSynth) Synthesize(ctx context.Context, text string) ([]byte, error) {
	s.mu.Lock()
	s.texts = append(s.texts, text)
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.audio, nil
}

func (s *stubSynth) calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

// streamSynth yields its chunks one by one.
type streamSynth struct {
	stubSynth
}

func (s *streamSynth) SynthesizeStream(ctx context.Context, text string, onChunk voice.ChunkHandler) error {
	s.mu.Lock()
	s.texts = append(s.texts, text)
	s.mu.Unlock()
	for _, c := range s.chunks {
		if err := onChunk(c); err != nil {
			return err
		}
	}
	return s.err
}

type fakeRecognizer struct {
	mu       sync.Mutex
	sessions []*fakeRecSession
	startErr error
}

func (r *fakeRecognizer) StartSession(_ context.Context, _ string) (voice.RecognizerSession, <-chan voice.TranscriptEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return nil, nil, r.startErr
	}
	s := &fakeRecSession{events: make(chan voice.TranscriptEvent, 16)}
	r.sessions = append(r.sessions, s)
	return s, s.events, nil
}

func (r *fakeRecognizer) starts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *fakeRecognizer) session(i int) *fakeRecSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[i]
}

type fakeRecSession struct {
	events chan voice.TranscriptEvent

	mu      sync.Mutex
	frames  int
	stopped bool
	closed  bool
}

func (s *fakeRecSession) SendAudio(_ context.Context, _ []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames++
	return nil
}

func (s *fakeRecSession) Stop(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	return nil
}

func (s *fakeRecSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

func (s *fakeRecSession) frameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

func (s *fakeRecSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
