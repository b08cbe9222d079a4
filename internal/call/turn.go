package call

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ent0n29/voicecall/internal/agent"
	"github.com/ent0n29/voicecall/internal/observability"
	"github.com/ent0n29/voicecall/internal/policy"
	"github.com/ent0n29/voicecall/internal/protocol"
	"github.com/ent0n29/voicecall/internal/voice"
)

type DeliveryMode string

const (
	// DeliveryBuffered sends the whole synthesized reply as one binary frame.
	DeliveryBuffered DeliveryMode = "buffered"
	// DeliveryStream sends synthesized chunks as the synthesizer yields them.
	DeliveryStream DeliveryMode = "stream"
)

func ParseDeliveryMode(raw string) DeliveryMode {
	if strings.EqualFold(strings.TrimSpace(raw), string(DeliveryStream)) {
		return DeliveryStream
	}
	return DeliveryBuffered
}

var (
	ErrEmptyTranscript = errors.New("empty transcript")
	ErrGateBusy        = errors.New("turn already in progress")
	ErrAgentTimeout    = errors.New("agent timed out")
)

type TurnConfig struct {
	PostDelay        time.Duration
	AgentTimeout     time.Duration
	SynthesisTimeout time.Duration
	Delivery         DeliveryMode
}

func (c TurnConfig) withDefaults() TurnConfig {
	if c.PostDelay < 0 {
		c.PostDelay = 0
	}
	if c.AgentTimeout <= 0 {
		c.AgentTimeout = 60 * time.Second
	}
	if c.SynthesisTimeout <= 0 {
		c.SynthesisTimeout = 30 * time.Second
	}
	if c.Delivery == "" {
		c.Delivery = DeliveryBuffered
	}
	return c
}

// TurnResult summarizes a finished turn for observers.
type TurnResult struct {
	TurnID     string
	Input      string
	Reply      string
	Fragments  int
	AudioBytes int
	StartedAt  time.Time
	FinishedAt time.Time
	Err        error
}

// TurnDeps are the collaborators of one session's turn processor. Agent,
// Synthesizer and Pool are shared across sessions.
type TurnDeps struct {
	SessionID      string
	ConversationID string
	Gate           *BusyGate
	Out            Sender
	Agent          agent.Adapter
	Synthesizer    voice.Synthesizer
	Pool           *TurnPool
	Metrics        *observability.Metrics
	Logger         *zap.Logger
	Config         TurnConfig
	OnTurnStart    func(turnID string)
	OnTurnEnd      func(TurnResult)
}

// TurnProcessor turns final transcripts into spoken replies, one at a time
// per session.
type TurnProcessor struct {
	d      TurnDeps
	cfg    TurnConfig
	logger *zap.Logger

	// running counts claimed turns from TryClaim until cleanup finishes.
	mu      sync.Mutex
	idle    *sync.Cond
	running int
}

func NewTurnProcessor(d TurnDeps) *TurnProcessor {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if d.Gate == nil {
		d.Gate = &BusyGate{}
	}
	p := &TurnProcessor{
		d:   d,
		cfg: d.Config.withDefaults(),
		logger: logger.With(
			zap.String("session_id", d.SessionID),
			zap.String("conversation_id", d.ConversationID),
		),
	}
	p.idle = sync.NewCond(&p.mu)
	return p
}

// Submit starts a turn for text if the gate is open. Empty text is rejected
// before the gate is touched; a busy gate drops the transcript.
func (p *TurnProcessor) Submit(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		p.d.Metrics.DropFinal("empty")
		return "", ErrEmptyTranscript
	}
	if !p.d.Gate.TryClaim() {
		p.d.Metrics.DropFinal("busy")
		p.logger.Debug("final transcript dropped while busy", zap.String("text", policy.LogText(text)))
		return "", ErrGateBusy
	}

	p.mu.Lock()
	p.running++
	p.mu.Unlock()
	p.d.Metrics.TurnStarted()

	turnID := uuid.NewString()
	startedAt := time.Now()
	p.d.Out.SendControl(protocol.UserFinal(text))
	go p.run(turnID, text, startedAt)
	return turnID, nil
}

// InFlight reports whether a turn goroutine is still running.
func (p *TurnProcessor) InFlight() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running > 0
}

// Wait blocks until every started turn has finished its cleanup.
func (p *TurnProcessor) Wait() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.running > 0 {
		p.idle.Wait()
	}
}

func (p *TurnProcessor) run(turnID, text string, startedAt time.Time) {
	logger := p.logger.With(zap.String("turn_id", turnID))
	ctx, span := observability.StartSpan(context.Background(), "voicecall.turn",
		trace.WithAttributes(
			attribute.String("session.id", p.d.SessionID),
			attribute.String("conversation.id", p.d.ConversationID),
			attribute.String("turn.id", turnID),
		),
	)
	res := TurnResult{TurnID: turnID, Input: text, StartedAt: startedAt}
	var err error

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("turn panic: %v", r)
			logger.Error("turn panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
		outcome := "ok"
		if err != nil {
			outcome = "error"
			logger.Warn("turn failed", zap.Error(err))
			p.d.Out.SendControl(protocol.StateChange(protocol.StateError))
		}
		p.d.Out.SendControl(protocol.StateChange(protocol.StateSilent))
		p.d.Gate.Release()

		res.FinishedAt = time.Now()
		res.Err = err
		p.d.Metrics.TurnFinished(outcome)
		p.d.Metrics.ObserveTurnStage(observability.StageTurnTotal, res.FinishedAt.Sub(startedAt))
		observability.EndSpan(span, err)
		logger.Info("turn finished",
			zap.String("outcome", outcome),
			zap.String("input", policy.LogText(text)),
			zap.Int("fragments", res.Fragments),
			zap.Int("audio_bytes", res.AudioBytes),
			zap.Duration("elapsed", res.FinishedAt.Sub(startedAt)),
		)

		if p.d.OnTurnEnd != nil {
			p.d.OnTurnEnd(res)
		}
		p.mu.Lock()
		p.running--
		if p.running == 0 {
			p.idle.Broadcast()
		}
		p.mu.Unlock()
	}()

	p.d.Out.SendControl(protocol.StateChange(protocol.StateThinking))
	actx, cancel := context.WithTimeout(ctx, p.cfg.AgentTimeout)
	err = p.d.Pool.Acquire(actx)
	cancel()
	if err != nil {
		err = fmt.Errorf("acquire turn slot: %w", err)
		return
	}
	defer p.d.Pool.Release()

	if p.d.OnTurnStart != nil {
		p.d.OnTurnStart(turnID)
	}
	err = p.process(ctx, turnID, text, startedAt, &res)
}

func (p *TurnProcessor) process(ctx context.Context, turnID, text string, startedAt time.Time, res *TurnResult) error {
	reply, err := p.dispatch(ctx, turnID, text, startedAt, res)
	if err != nil {
		return err
	}
	res.Reply = reply

	p.d.Out.SendControl(protocol.StateChange(protocol.StateWaiting))
	if err := sleepContext(ctx, p.cfg.PostDelay); err != nil {
		return fmt.Errorf("post delay: %w", err)
	}

	p.d.Out.SendControl(protocol.StateChange(protocol.StateSpeaking))
	n, err := p.synthesize(ctx, reply, startedAt)
	res.AudioBytes = n
	if err != nil {
		return err
	}
	return nil
}

// dispatch runs the agent under the agent timeout, forwarding every fragment
// as it arrives, and returns the accumulated reply.
func (p *TurnProcessor) dispatch(ctx context.Context, turnID, text string, startedAt time.Time, res *TurnResult) (string, error) {
	actx, cancel := context.WithTimeout(ctx, p.cfg.AgentTimeout)
	defer cancel()
	actx, span := observability.StartSpan(actx, "voicecall.agent")

	var reply strings.Builder
	resp, err := p.d.Agent.StreamResponse(actx, agent.MessageRequest{
		ConversationID: p.d.ConversationID,
		SessionID:      p.d.SessionID,
		TurnID:         turnID,
		InputText:      text,
	}, func(delta string) error {
		if delta == "" {
			return nil
		}
		if res.Fragments == 0 {
			p.d.Metrics.ObserveTurnStage(observability.StageFirstFragment, time.Since(startedAt))
		}
		res.Fragments++
		reply.WriteString(delta)
		p.d.Out.SendControl(protocol.AIInterim(delta))
		return nil
	})
	if err != nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w after %s: %w", ErrAgentTimeout, p.cfg.AgentTimeout, err)
	}
	observability.EndSpan(span, err)
	p.d.Metrics.ObserveTurnStage(observability.StageAgentReply, time.Since(startedAt))
	if err != nil {
		p.d.Metrics.ProviderError("agent", "stream")
		return "", fmt.Errorf("agent: %w", err)
	}

	if reply.Len() == 0 {
		full := strings.TrimSpace(resp.Text)
		if full != "" {
			p.d.Out.SendControl(protocol.AIInterim(full))
		}
		return full, nil
	}
	return reply.String(), nil
}

// synthesize makes at most one synthesis call for the complete reply and
// delivers the audio according to the delivery mode. Empty audio is not an
// error; it means there is nothing to play.
func (p *TurnProcessor) synthesize(ctx context.Context, reply string, startedAt time.Time) (int, error) {
	if strings.TrimSpace(reply) == "" {
		return 0, nil
	}
	sctx, cancel := context.WithTimeout(ctx, p.cfg.SynthesisTimeout)
	defer cancel()
	sctx, span := observability.StartSpan(sctx, "voicecall.synthesis")
	began := time.Now()

	sent := 0
	var err error
	if p.cfg.Delivery == DeliveryStream {
		err = voice.AsStreaming(p.d.Synthesizer).SynthesizeStream(sctx, reply, func(chunk []byte) error {
			if len(chunk) == 0 {
				return nil
			}
			if sent == 0 {
				p.d.Metrics.ObserveTurnStage(observability.StageFinalToAudio, time.Since(startedAt))
			}
			sent += len(chunk)
			p.d.Out.SendAudio(chunk)
			return nil
		})
	} else {
		var audio []byte
		audio, err = p.d.Synthesizer.Synthesize(sctx, reply)
		if err == nil && len(audio) > 0 {
			p.d.Metrics.ObserveTurnStage(observability.StageFinalToAudio, time.Since(startedAt))
			p.d.Out.SendAudio(audio)
			sent = len(audio)
		}
	}
	observability.EndSpan(span, err)
	p.d.Metrics.ObserveTurnStage(observability.StageSynthesis, time.Since(began))
	if err != nil {
		p.d.Metrics.ProviderError("synthesis", "synthesize")
		return sent, fmt.Errorf("synthesis: %w", err)
	}
	return sent, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
