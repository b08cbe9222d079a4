package call

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ent0n29/voicecall/internal/observability"
	"github.com/ent0n29/voicecall/internal/voice"
)

func newTestService(t *testing.T, rec voice.Recognizer, ag *scriptedAgent, synth voice.Synthesizer, restarts int) *Service {
	t.Helper()
	svc, err := NewService(Deps{
		Recognizer:     rec,
		Synthesizer:    synth,
		Agent:          ag,
		Pool:           NewTurnPool(4),
		Metrics:        observability.NewMetrics("controller_test"),
		OutboundBuffer: 256,
		SendTimeout:    50 * time.Millisecond,
		Restart:        RestartPolicy{MaxAttempts: restarts, BaseDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond},
	})
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	return svc
}

// drain collects everything queued on the outbound channel so far.
func drain(out *OutboundChannel) []string {
	var got []string
	for {
		select {
		case f := <-out.Frames():
			if f.Binary {
				got = append(got, "<audio>")
			} else {
				got = append(got, f.Text)
			}
		default:
			return got
		}
	}
}

func TestControllerDropsAudioWhileBusy(t *testing.T) {
	rec := &fakeRecognizer{}
	ag := &scriptedAgent{fragments: []string{"ok"}, block: make(chan struct{})}
	c := newTestService(t, rec, ag, &stubSynth{audio: []byte{1, 2}}, 0).NewController("s-1", "c-1")
	defer c.Close()
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	sess := rec.session(0)

	c.OnAudioFrame([]byte{1})
	if sess.frameCount() != 1 {
		t.Fatalf("recognizer frames = %d, want 1 while idle", sess.frameCount())
	}

	if _, err := c.OnFinalTranscript("hello"); err != nil {
		t.Fatalf("OnFinalTranscript() error = %v", err)
	}
	for i := 0; i < 10; i++ {
		c.OnAudioFrame([]byte{1, 2, 3})
	}
	if sess.frameCount() != 1 {
		t.Fatalf("recognizer frames = %d, want no new frames while busy", sess.frameCount())
	}

	close(ag.block)
	c.Wait()
	c.OnAudioFrame([]byte{1})
	if sess.frameCount() != 2 {
		t.Fatalf("recognizer frames = %d, want forwarding to resume", sess.frameCount())
	}
}

func TestControllerSuppressesPartialsWhileBusy(t *testing.T) {
	rec := &fakeRecognizer{}
	ag := &scriptedAgent{block: make(chan struct{})}
	c := newTestService(t, rec, ag, &stubSynth{}, 0).NewController("s-1", "c-1")
	defer c.Close()
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	sess := rec.session(0)

	sess.events <- voice.TranscriptEvent{Type: voice.TranscriptPartial, Text: "天气"}
	sess.events <- voice.TranscriptEvent{Type: voice.TranscriptFinal, Text: "天气怎么样"}
	waitFor(t, "turn to start", c.Busy)
	c.OnPartial("ignored")

	close(ag.block)
	c.Wait()

	got := drain(c.Outbound())
	if len(got) < 2 || got[0] != "USER_INTERIM:天气" || got[1] != "USER_FINAL:天气怎么样" {
		t.Fatalf("frames = %v, want USER_INTERIM then USER_FINAL", got)
	}
	for _, f := range got {
		if f == "USER_INTERIM:ignored" {
			t.Fatalf("partial forwarded while busy")
		}
	}
}

func TestControllerFinalDuringTurnIsDropped(t *testing.T) {
	rec := &fakeRecognizer{}
	ag := &scriptedAgent{block: make(chan struct{})}
	c := newTestService(t, rec, ag, &stubSynth{}, 0).NewController("s-1", "c-1")
	defer c.Close()
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if _, err := c.OnFinalTranscript("one"); err != nil {
		t.Fatalf("OnFinalTranscript() error = %v", err)
	}
	if _, err := c.OnFinalTranscript("two"); !errors.Is(err, ErrGateBusy) {
		t.Fatalf("OnFinalTranscript() while busy error = %v, want ErrGateBusy", err)
	}
	close(ag.block)
	c.Wait()
	if ag.callCount() != 1 {
		t.Fatalf("agent calls = %d, want 1", ag.callCount())
	}
}

func TestControllerRestartsRecognizerAfterFailure(t *testing.T) {
	rec := &fakeRecognizer{}
	c := newTestService(t, rec, &scriptedAgent{}, &stubSynth{}, 3).NewController("s-1", "c-1")
	defer c.Close()
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	rec.session(0).events <- voice.TranscriptEvent{Type: voice.TranscriptError, Code: "40000001", Detail: "token expired"}
	waitFor(t, "recognizer restart", func() bool { return rec.starts() == 2 })
	if !rec.session(0).isClosed() {
		t.Fatalf("failed recognizer session was not closed")
	}

	c.OnAudioFrame([]byte{1})
	if rec.session(1).frameCount() != 1 {
		t.Fatalf("frames on restarted session = %d, want 1", rec.session(1).frameCount())
	}
}

func TestControllerResetWithoutRestartKeepsConnection(t *testing.T) {
	rec := &fakeRecognizer{}
	c := newTestService(t, rec, &scriptedAgent{}, &stubSynth{}, 0).NewController("s-1", "c-1")
	defer c.Close()
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	_ = rec.session(0).Close()
	waitFor(t, "link detach", func() bool { return !c.link.Active() })

	c.OnAudioFrame([]byte{1})
	if c.Outbound().Closed() {
		t.Fatalf("outbound closed after recognizer reset")
	}
	if c.Busy() {
		t.Fatalf("gate closed after recognizer reset")
	}
	if rec.starts() != 1 {
		t.Fatalf("recognizer starts = %d, want 1 with restarts disabled", rec.starts())
	}
}

func TestControllerCloseStopsEverything(t *testing.T) {
	rec := &fakeRecognizer{}
	ag := &scriptedAgent{fragments: []string{"late"}, block: make(chan struct{})}
	c := newTestService(t, rec, ag, &stubSynth{audio: []byte{1}}, 3).NewController("", "")
	if c.SessionID() == "" || c.ConversationID() == "" {
		t.Fatalf("ids not defaulted: %q/%q", c.SessionID(), c.ConversationID())
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if _, err := c.OnFinalTranscript("hi"); err != nil {
		t.Fatalf("OnFinalTranscript() error = %v", err)
	}
	_ = drain(c.Outbound())

	c.Close()
	c.Close()

	sess := rec.session(0)
	sess.mu.Lock()
	stopped := sess.stopped
	sess.mu.Unlock()
	if !stopped || !sess.isClosed() {
		t.Fatalf("recognizer stopped=%v closed=%v, want both", stopped, sess.isClosed())
	}
	if _, err := c.OnFinalTranscript("again"); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("OnFinalTranscript() after close error = %v, want ErrSessionClosed", err)
	}

	// The in-flight turn still completes and releases the gate; its sends
	// are no-ops.
	close(ag.block)
	c.Wait()
	if c.Busy() {
		t.Fatalf("gate still closed after turn finished post-close")
	}
	if got := drain(c.Outbound()); len(got) != 0 {
		t.Fatalf("frames after close = %v, want none", got)
	}
	if rec.starts() != 1 {
		t.Fatalf("recognizer restarted after close")
	}
}

func TestNewServiceRequiresCollaborators(t *testing.T) {
	if _, err := NewService(Deps{}); err == nil {
		t.Fatalf("NewService() error = nil, want missing recognizer")
	}
	if _, err := NewService(Deps{Recognizer: &fakeRecognizer{}, Synthesizer: &stubSynth{}}); err == nil {
		t.Fatalf("NewService() error = nil, want missing agent")
	}
}

func TestDefaultConversationID(t *testing.T) {
	got := DefaultConversationID(time.UnixMilli(1700000000123))
	if got != "1700000000123" {
		t.Fatalf("DefaultConversationID() = %q, want 1700000000123", got)
	}
}

var _ Sender = (*OutboundChannel)(nil)
var _ Listener = (*SessionController)(nil)
