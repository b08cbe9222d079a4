package call

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ent0n29/voicecall/internal/voice"
)

var (
	ErrLinkNotStarted    = errors.New("transcription link not started")
	ErrLinkClosed        = errors.New("transcription link closed")
	errRecognizerStopped = errors.New("recognizer session ended unexpectedly")
)

// Listener receives transcript callbacks from a TranscriptionLink. Callbacks
// run on the link's dispatch goroutine, one at a time.
type Listener interface {
	OnPartial(text string)
	OnFinal(text string)
	OnReset(err error)
}

// RecognizerError is passed to Listener.OnReset when the recognizer reports
// a failure event.
type RecognizerError struct {
	Code      string
	Detail    string
	Retryable bool
}

func (e *RecognizerError) Error() string {
	if e.Detail == "" {
		return "recognizer error: " + e.Code
	}
	return fmt.Sprintf("recognizer error: %s: %s", e.Code, e.Detail)
}

// TranscriptionLink wraps one recognizer session per connection. It forwards
// audio unconditionally; gating is the caller's job.
type TranscriptionLink struct {
	rec       voice.Recognizer
	sessionID string
	logger    *zap.Logger

	mu      sync.Mutex
	sess    voice.RecognizerSession
	gen     uint64
	stopped bool
	closed  bool
}

func NewTranscriptionLink(rec voice.Recognizer, sessionID string, logger *zap.Logger) *TranscriptionLink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TranscriptionLink{rec: rec, sessionID: sessionID, logger: logger}
}

// Start opens a recognizer session and begins dispatching its events to l.
// Calling Start again replaces the current session; events from the old one
// are discarded.
func (t *TranscriptionLink) Start(ctx context.Context, l Listener) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrLinkClosed
	}
	prev := t.sess
	t.sess = nil
	t.gen++
	gen := t.gen
	t.stopped = false
	t.mu.Unlock()

	if prev != nil {
		_ = prev.Close()
	}

	sess, events, err := t.rec.StartSession(ctx, t.sessionID)
	if err != nil {
		return fmt.Errorf("start recognizer session: %w", err)
	}

	t.mu.Lock()
	if t.closed || t.gen != gen {
		t.mu.Unlock()
		_ = sess.Close()
		return ErrLinkClosed
	}
	t.sess = sess
	t.mu.Unlock()

	go t.dispatch(gen, events, l)
	return nil
}

func (t *TranscriptionLink) current(gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gen == gen && !t.stopped && !t.closed
}

func (t *TranscriptionLink) dispatch(gen uint64, events <-chan voice.TranscriptEvent, l Listener) {
	for ev := range events {
		if !t.current(gen) {
			continue
		}
		switch ev.Type {
		case voice.TranscriptPartial:
			l.OnPartial(ev.Text)
		case voice.TranscriptFinal:
			l.OnFinal(ev.Text)
		case voice.TranscriptError:
			t.logger.Warn("recognizer error",
				zap.String("session_id", t.sessionID),
				zap.String("code", ev.Code),
				zap.String("detail", strings.TrimSpace(ev.Detail)),
			)
			if t.detach(gen) {
				l.OnReset(&RecognizerError{Code: ev.Code, Detail: ev.Detail, Retryable: ev.Retryable})
			}
			return
		}
	}
	if t.detach(gen) {
		l.OnReset(errRecognizerStopped)
	}
}

// detach drops the session of generation gen after a failure so Feed stops
// using it. It reports false when the link moved on or was stopped.
func (t *TranscriptionLink) detach(gen uint64) bool {
	t.mu.Lock()
	if t.gen != gen || t.stopped || t.closed {
		t.mu.Unlock()
		return false
	}
	sess := t.sess
	t.sess = nil
	t.mu.Unlock()
	if sess != nil {
		_ = sess.Close()
	}
	return true
}

// Feed forwards one raw audio frame to the recognizer.
func (t *TranscriptionLink) Feed(ctx context.Context, frame []byte) error {
	t.mu.Lock()
	sess, closed := t.sess, t.closed
	t.mu.Unlock()
	if closed {
		return ErrLinkClosed
	}
	if sess == nil {
		return ErrLinkNotStarted
	}
	return sess.SendAudio(ctx, frame)
}

// Active reports whether a recognizer session is currently attached.
func (t *TranscriptionLink) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sess != nil && !t.closed
}

// Stop asks the recognizer to end the task. Events arriving after Stop are
// discarded and the end of the stream no longer triggers a reset.
func (t *TranscriptionLink) Stop(ctx context.Context) error {
	t.mu.Lock()
	sess := t.sess
	t.stopped = true
	t.mu.Unlock()
	if sess == nil {
		return nil
	}
	return sess.Stop(ctx)
}

func (t *TranscriptionLink) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	sess := t.sess
	t.sess = nil
	t.mu.Unlock()
	if sess == nil {
		return nil
	}
	return sess.Close()
}
