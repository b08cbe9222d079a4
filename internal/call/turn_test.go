package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/voicecall/internal/observability"
	"github.com/ent0n29/voicecall/internal/voice"
)

type turnHarness struct {
	proc *TurnProcessor
	out  *recorder
	gate *BusyGate

	mu      sync.Mutex
	results []TurnResult
}

func newTurnHarness(ag *scriptedAgent, synth voice.Synthesizer, cfg TurnConfig, opts ...func(*TurnDeps)) *turnHarness {
	h := &turnHarness{out: &recorder{}, gate: &BusyGate{}}
	deps := TurnDeps{
		SessionID:      "s-1",
		ConversationID: "c-1",
		Gate:           h.gate,
		Out:            h.out,
		Agent:          ag,
		Synthesizer:    synth,
		Pool:           NewTurnPool(4),
		Metrics:        observability.NewMetrics("call_test"),
		Config:         cfg,
		OnTurnEnd: func(res TurnResult) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.results = append(h.results, res)
		},
	}
	for _, opt := range opts {
		opt(&deps)
	}
	h.proc = NewTurnProcessor(deps)
	return h
}

func (h *turnHarness) lastResult(t *testing.T) TurnResult {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.results) == 0 {
		t.Fatalf("no turn result recorded")
	}
	return h.results[len(h.results)-1]
}

func (h *turnHarness) submitAndWait(t *testing.T, text string) {
	t.Helper()
	if _, err := h.proc.Submit(text); err != nil {
		t.Fatalf("Submit(%q) error = %v", text, err)
	}
	h.proc.Wait()
}

func TestTurnEndToEndWeatherScenario(t *testing.T) {
	ag := &scriptedAgent{fragments: []string{"今天", "天气", "晴朗"}}
	synth := &stubSynth{audio: make([]byte, 2048)}
	h := newTurnHarness(ag, synth, TurnConfig{})

	h.submitAndWait(t, "天气怎么样")

	assertTrace(t, h.out.trace(), []string{
		"USER_FINAL:天气怎么样",
		"STATE:AI_THINKING",
		"AI_INTERIM:今天",
		"AI_INTERIM:天气",
		"AI_INTERIM:晴朗",
		"STATE:AI_WAIT_5S",
		"STATE:AI_SPEAKING",
		"<audio 2048>",
		"STATE:AI_SILENT",
	})
	if got := synth.calls(); len(got) != 1 || got[0] != "今天天气晴朗" {
		t.Fatalf("synthesis calls = %q, want one call with 今天天气晴朗", got)
	}
	if h.gate.Busy() {
		t.Fatalf("gate still closed after turn")
	}
	req := ag.calls[0]
	if req.ConversationID != "c-1" || req.InputText != "天气怎么样" {
		t.Fatalf("agent request = %+v, want conversation c-1 and the transcript", req)
	}

	h.out.reset()
	ag.fragments = []string{"不客气"}
	h.submitAndWait(t, "谢谢")
	if ag.callCount() != 2 {
		t.Fatalf("agent calls = %d, want 2", ag.callCount())
	}
	if got := h.out.trace(); len(got) == 0 || got[0] != "USER_FINAL:谢谢" {
		t.Fatalf("second turn frames = %v, want USER_FINAL:谢谢 first", got)
	}
}

func TestTurnRejectsSecondFinalWhileBusy(t *testing.T) {
	ag := &scriptedAgent{fragments: []string{"ok"}, block: make(chan struct{})}
	h := newTurnHarness(ag, &stubSynth{audio: []byte{1}}, TurnConfig{})

	if _, err := h.proc.Submit("first"); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if _, err := h.proc.Submit("second"); !errors.Is(err, ErrGateBusy) {
		t.Fatalf("Submit() while busy error = %v, want ErrGateBusy", err)
	}
	close(ag.block)
	h.proc.Wait()

	if ag.callCount() != 1 {
		t.Fatalf("agent calls = %d, want 1", ag.callCount())
	}
	for _, f := range h.out.trace() {
		if f == "USER_FINAL:second" {
			t.Fatalf("dropped final was echoed to the client")
		}
	}
}

func TestTurnRejectsEmptyTranscriptWithoutClaiming(t *testing.T) {
	h := newTurnHarness(&scriptedAgent{}, &stubSynth{}, TurnConfig{})
	if _, err := h.proc.Submit("   "); !errors.Is(err, ErrEmptyTranscript) {
		t.Fatalf("Submit() error = %v, want ErrEmptyTranscript", err)
	}
	if h.gate.Busy() {
		t.Fatalf("gate claimed for an empty transcript")
	}
	if got := h.out.trace(); len(got) != 0 {
		t.Fatalf("frames = %v, want none", got)
	}
}

func TestTurnAgentFailureReleasesGate(t *testing.T) {
	ag := &scriptedAgent{fragments: []string{"半"}, err: errors.New("upstream 502")}
	synth := &stubSynth{audio: []byte{1}}
	h := newTurnHarness(ag, synth, TurnConfig{})

	h.submitAndWait(t, "你好")

	assertTrace(t, h.out.trace(), []string{
		"USER_FINAL:你好",
		"STATE:AI_THINKING",
		"AI_INTERIM:半",
		"STATE:AI_ERROR",
		"STATE:AI_SILENT",
	})
	if h.gate.Busy() {
		t.Fatalf("gate still closed after agent failure")
	}
	if len(synth.calls()) != 0 {
		t.Fatalf("synthesis ran after agent failure")
	}
	if h.lastResult(t).Err == nil {
		t.Fatalf("TurnResult.Err = nil, want agent error")
	}
}

func TestTurnFallbackTextIsShownBeforeSpeaking(t *testing.T) {
	ag := &scriptedAgent{text: "晴天"}
	synth := &stubSynth{audio: make([]byte, 16)}
	h := newTurnHarness(ag, synth, TurnConfig{})

	h.submitAndWait(t, "天气")

	assertTrace(t, h.out.trace(), []string{
		"USER_FINAL:天气",
		"STATE:AI_THINKING",
		"AI_INTERIM:晴天",
		"STATE:AI_WAIT_5S",
		"STATE:AI_SPEAKING",
		"<audio 16>",
		"STATE:AI_SILENT",
	})
	if got := synth.calls(); len(got) != 1 || got[0] != "晴天" {
		t.Fatalf("synthesis calls = %q, want one call with 晴天", got)
	}
}

func TestTurnInFlightWhileUserFinalIsBlocked(t *testing.T) {
	out := newStallingSender()
	h := newTurnHarness(&scriptedAgent{fragments: []string{"ok"}}, &stubSynth{audio: []byte{1}}, TurnConfig{},
		func(d *TurnDeps) { d.Out = out })

	submitted := make(chan error, 1)
	go func() {
		_, err := h.proc.Submit("hi")
		submitted <- err
	}()

	select {
	case <-out.entered:
	case <-time.After(time.Second):
		t.Fatalf("USER_FINAL was never sent")
	}
	if !h.gate.Busy() {
		t.Fatalf("gate open while USER_FINAL is pending")
	}
	if !h.proc.InFlight() {
		t.Fatalf("InFlight() = false while the gate is held")
	}

	waited := make(chan struct{})
	go func() {
		h.proc.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		t.Fatalf("Wait() returned before the turn finished")
	case <-time.After(30 * time.Millisecond):
	}

	close(out.release)
	if err := <-submitted; err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	select {
	case <-waited:
	case <-time.After(2 * time.Second):
		t.Fatalf("Wait() did not return after the turn finished")
	}
	if h.gate.Busy() || h.proc.InFlight() {
		t.Fatalf("turn still held after Wait(): busy=%v inflight=%v", h.gate.Busy(), h.proc.InFlight())
	}
	assertTrace(t, out.trace(), []string{
		"USER_FINAL:hi",
		"STATE:AI_THINKING",
		"AI_INTERIM:ok",
		"STATE:AI_WAIT_5S",
		"STATE:AI_SPEAKING",
		"<audio 1>",
		"STATE:AI_SILENT",
	})
}

func TestTurnSaturatedPoolTimesOut(t *testing.T) {
	pool := NewTurnPool(1)
	if err := pool.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer pool.Release()

	ag := &scriptedAgent{fragments: []string{"ok"}}
	h := newTurnHarness(ag, &stubSynth{audio: []byte{1}}, TurnConfig{AgentTimeout: 50 * time.Millisecond},
		func(d *TurnDeps) { d.Pool = pool })

	h.submitAndWait(t, "hi")

	assertTrace(t, h.out.trace(), []string{
		"USER_FINAL:hi",
		"STATE:AI_THINKING",
		"STATE:AI_ERROR",
		"STATE:AI_SILENT",
	})
	if h.gate.Busy() {
		t.Fatalf("gate still closed after pool timeout")
	}
	if h.lastResult(t).Err == nil {
		t.Fatalf("TurnResult.Err = nil, want pool admission error")
	}
	if ag.callCount() != 0 {
		t.Fatalf("agent called %d times without a pool slot", ag.callCount())
	}
}

func TestTurnAgentTimeout(t *testing.T) {
	ag := &scriptedAgent{block: make(chan struct{})}
	defer close(ag.block)
	h := newTurnHarness(ag, &stubSynth{}, TurnConfig{AgentTimeout: 30 * time.Millisecond})

	h.submitAndWait(t, "hello")

	if err := h.lastResult(t).Err; !errors.Is(err, ErrAgentTimeout) {
		t.Fatalf("TurnResult.Err = %v, want ErrAgentTimeout", err)
	}
	assertTrace(t, h.out.trace(), []string{
		"USER_FINAL:hello",
		"STATE:AI_THINKING",
		"STATE:AI_ERROR",
		"STATE:AI_SILENT",
	})
	if h.gate.Busy() {
		t.Fatalf("gate still closed after agent timeout")
	}
}

func TestTurnSynthesisFailureReleasesGate(t *testing.T) {
	ag := &scriptedAgent{fragments: []string{"好的"}}
	h := newTurnHarness(ag, &stubSynth{err: errors.New("tts down")}, TurnConfig{})

	h.submitAndWait(t, "hi")

	assertTrace(t, h.out.trace(), []string{
		"USER_FINAL:hi",
		"STATE:AI_THINKING",
		"AI_INTERIM:好的",
		"STATE:AI_WAIT_5S",
		"STATE:AI_SPEAKING",
		"STATE:AI_ERROR",
		"STATE:AI_SILENT",
	})
	if h.gate.Busy() {
		t.Fatalf("gate still closed after synthesis failure")
	}
}

func TestTurnPanicIsContained(t *testing.T) {
	ag := &scriptedAgent{panicMsg: "boom"}
	h := newTurnHarness(ag, &stubSynth{}, TurnConfig{})

	h.submitAndWait(t, "hi")

	got := h.out.trace()
	if got[len(got)-1] != "STATE:AI_SILENT" {
		t.Fatalf("last frame = %q, want STATE:AI_SILENT", got[len(got)-1])
	}
	if h.gate.Busy() {
		t.Fatalf("gate still closed after panic")
	}
	if h.proc.InFlight() {
		t.Fatalf("InFlight() = true after panic")
	}
}

func TestTurnEmptySynthesisSkipsAudio(t *testing.T) {
	ag := &scriptedAgent{fragments: []string{"嗯"}}
	h := newTurnHarness(ag, &stubSynth{audio: nil}, TurnConfig{})

	h.submitAndWait(t, "hi")

	assertTrace(t, h.out.trace(), []string{
		"USER_FINAL:hi",
		"STATE:AI_THINKING",
		"AI_INTERIM:嗯",
		"STATE:AI_WAIT_5S",
		"STATE:AI_SPEAKING",
		"STATE:AI_SILENT",
	})
	if h.lastResult(t).Err != nil {
		t.Fatalf("TurnResult.Err = %v, want nil for empty audio", h.lastResult(t).Err)
	}
}

func TestTurnPostDelayIsHonored(t *testing.T) {
	ag := &scriptedAgent{fragments: []string{"ok"}}
	h := newTurnHarness(ag, &stubSynth{audio: []byte{1}}, TurnConfig{PostDelay: 60 * time.Millisecond})

	began := time.Now()
	h.submitAndWait(t, "hi")
	if elapsed := time.Since(began); elapsed < 60*time.Millisecond {
		t.Fatalf("turn took %v, want at least the post delay", elapsed)
	}
}

func TestTurnStreamDeliverySendsChunks(t *testing.T) {
	ag := &scriptedAgent{fragments: []string{"a", "b"}}
	synth := &streamSynth{stubSynth{chunks: [][]byte{make([]byte, 3), nil, make([]byte, 5)}}}
	h := newTurnHarness(ag, synth, TurnConfig{Delivery: DeliveryStream})

	h.submitAndWait(t, "hi")

	assertTrace(t, h.out.trace(), []string{
		"USER_FINAL:hi",
		"STATE:AI_THINKING",
		"AI_INTERIM:a",
		"AI_INTERIM:b",
		"STATE:AI_WAIT_5S",
		"STATE:AI_SPEAKING",
		"<audio 3>",
		"<audio 5>",
		"STATE:AI_SILENT",
	})
	if got := synth.calls(); len(got) != 1 || got[0] != "ab" {
		t.Fatalf("synthesis calls = %q, want one call with ab", got)
	}
	if h.lastResult(t).AudioBytes != 8 {
		t.Fatalf("AudioBytes = %d, want 8", h.lastResult(t).AudioBytes)
	}
}

func TestParseDeliveryMode(t *testing.T) {
	if ParseDeliveryMode(" Stream ") != DeliveryStream {
		t.Fatalf("ParseDeliveryMode(Stream) != DeliveryStream")
	}
	if ParseDeliveryMode("whatever") != DeliveryBuffered {
		t.Fatalf("ParseDeliveryMode(whatever) != DeliveryBuffered")
	}
}
