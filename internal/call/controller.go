package call

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/voicecall/internal/observability"
	"github.com/ent0n29/voicecall/internal/protocol"
	"github.com/ent0n29/voicecall/internal/reliability"
)

var ErrSessionClosed = errors.New("session closed")

// RestartPolicy bounds how a controller reopens the recognizer after it
// fails. MaxAttempts of zero disables restarts.
type RestartPolicy struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	StartTimeout time.Duration
}

func (p RestartPolicy) withDefaults() RestartPolicy {
	if p.BaseDelay <= 0 {
		p.BaseDelay = 250 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 4 * time.Second
	}
	if p.StartTimeout <= 0 {
		p.StartTimeout = 10 * time.Second
	}
	return p
}

// SessionController owns one call connection: the gate, the transcription
// link, the turn processor and the outbound channel.
type SessionController struct {
	sessionID      string
	conversationID string

	gate    *BusyGate
	out     *OutboundChannel
	link    *TranscriptionLink
	turns   *TurnProcessor
	metrics *observability.Metrics
	logger  *zap.Logger
	restart RestartPolicy

	ctx        context.Context
	cancel     context.CancelFunc
	closeOnce  sync.Once
	closed     atomic.Bool
	restarting atomic.Bool
}

func (c *SessionController) SessionID() string      { return c.sessionID }
func (c *SessionController) ConversationID() string { return c.conversationID }

// Outbound is drained by the connection writer.
func (c *SessionController) Outbound() *OutboundChannel { return c.out }

func (c *SessionController) Busy() bool { return c.gate.Busy() }

// Start opens the recognizer session and registers the controller as its
// listener.
func (c *SessionController) Start(ctx context.Context) error {
	if c.closed.Load() {
		return ErrSessionClosed
	}
	if err := c.link.Start(ctx, c); err != nil {
		c.metrics.ProviderError("recognizer", "start")
		return err
	}
	c.metrics.SessionEvent("recognizer_started")
	return nil
}

// OnAudioFrame forwards one inbound audio frame to the recognizer while the
// gate is open. Frames that arrive during a turn are dropped.
func (c *SessionController) OnAudioFrame(frame []byte) {
	if len(frame) == 0 || c.closed.Load() {
		return
	}
	if c.gate.Busy() {
		c.metrics.DropFrame("busy")
		return
	}
	err := c.link.Feed(c.ctx, frame)
	switch {
	case err == nil:
	case errors.Is(err, ErrLinkNotStarted):
		c.metrics.DropFrame("recognizer_unavailable")
	case errors.Is(err, ErrLinkClosed):
		c.metrics.DropFrame("closed")
	default:
		c.metrics.DropFrame("recognizer_error")
		c.logger.Debug("recognizer feed failed", zap.Error(err))
	}
}

func (c *SessionController) OnPartial(text string) {
	text = strings.TrimSpace(text)
	if text == "" || c.gate.Busy() {
		return
	}
	c.out.SendControl(protocol.UserInterim(text))
}

func (c *SessionController) OnFinal(text string) {
	if _, err := c.OnFinalTranscript(text); err != nil && !errors.Is(err, ErrGateBusy) && !errors.Is(err, ErrEmptyTranscript) {
		c.logger.Warn("final transcript rejected", zap.Error(err))
	}
}

// OnFinalTranscript hands a final transcript to the turn processor and
// returns the new turn id.
func (c *SessionController) OnFinalTranscript(text string) (string, error) {
	if c.closed.Load() {
		return "", ErrSessionClosed
	}
	return c.turns.Submit(text)
}

// OnReset handles a recognizer failure. The connection survives: the gate
// returns to idle unless a turn still owns it, and the recognizer is
// reopened with backoff.
func (c *SessionController) OnReset(err error) {
	code := "stream_closed"
	retryable := true
	var recErr *RecognizerError
	if errors.As(err, &recErr) {
		code = recErr.Code
		retryable = recErr.Retryable
	}
	c.logger.Warn("recognizer reset", zap.Error(err), zap.String("code", code), zap.Bool("retryable", retryable))
	c.metrics.ProviderError("recognizer", code)
	c.metrics.SessionEvent("recognizer_reset")

	if !c.turns.InFlight() {
		c.gate.Release()
	}
	if c.closed.Load() || c.restart.MaxAttempts <= 0 {
		return
	}
	if c.restarting.CompareAndSwap(false, true) {
		go c.restartRecognizer()
	}
}

func (c *SessionController) restartRecognizer() {
	for attempt := 0; ; attempt++ {
		delay := reliability.ExponentialBackoff(attempt, c.restart.BaseDelay, c.restart.MaxDelay)
		timer := time.NewTimer(delay)
		select {
		case <-c.ctx.Done():
			timer.Stop()
			c.restarting.Store(false)
			return
		case <-timer.C:
		}

		// A session that fails right after starting must be able to
		// schedule its own restart.
		c.restarting.Store(false)
		startCtx, cancel := context.WithTimeout(c.ctx, c.restart.StartTimeout)
		err := c.link.Start(startCtx, c)
		cancel()
		if err == nil {
			c.logger.Info("recognizer restarted", zap.Int("attempt", attempt+1))
			c.metrics.SessionEvent("recognizer_restarted")
			return
		}
		if errors.Is(err, ErrLinkClosed) || c.closed.Load() {
			return
		}
		c.logger.Warn("recognizer restart failed", zap.Int("attempt", attempt+1), zap.Error(err))
		if attempt+1 >= c.restart.MaxAttempts {
			c.metrics.SessionEvent("recognizer_gave_up")
			return
		}
		if !c.restarting.CompareAndSwap(false, true) {
			return
		}
	}
}

// Close tears the session down: it stops the recognizer, stops outbound
// sends and cancels background work. A running turn is not interrupted; it
// finishes on its own and its sends become no-ops.
func (c *SessionController) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := c.link.Stop(stopCtx); err != nil {
			c.logger.Debug("recognizer stop failed", zap.Error(err))
		}
		cancel()
		if err := c.link.Close(); err != nil {
			c.logger.Debug("recognizer close failed", zap.Error(err))
		}
		c.out.Close()
		c.cancel()
		c.metrics.SessionClosed()
		c.logger.Info("call session closed")
	})
}

// Wait blocks until turns started by this session have cleaned up.
func (c *SessionController) Wait() {
	c.turns.Wait()
}
