package call

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ent0n29/voicecall/internal/agent"
	"github.com/ent0n29/voicecall/internal/observability"
	"github.com/ent0n29/voicecall/internal/voice"
)

// Deps are the process-wide collaborators shared by every call session.
type Deps struct {
	Recognizer  voice.Recognizer
	Synthesizer voice.Synthesizer
	Agent       agent.Adapter
	Pool        *TurnPool
	Metrics     *observability.Metrics
	Logger      *zap.Logger

	Turn           TurnConfig
	Restart        RestartPolicy
	OutboundBuffer int
	SendTimeout    time.Duration

	// OnTurnStart and OnTurnEnd, when set, are called for every turn of
	// every session, with the owning session id.
	OnTurnStart func(sessionID, turnID string)
	OnTurnEnd   func(sessionID string, res TurnResult)
}

// Service builds session controllers from shared dependencies.
type Service struct {
	deps Deps
}

func NewService(d Deps) (*Service, error) {
	if d.Recognizer == nil {
		return nil, errors.New("call service requires a recognizer")
	}
	if d.Synthesizer == nil {
		return nil, errors.New("call service requires a synthesizer")
	}
	if d.Agent == nil {
		return nil, errors.New("call service requires an agent")
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Pool == nil {
		d.Pool = NewTurnPool(0)
	}
	d.Restart = d.Restart.withDefaults()
	return &Service{deps: d}, nil
}

func (s *Service) Pool() *TurnPool { return s.deps.Pool }

// Drain blocks until no turn holds a pool slot or ctx ends.
func (s *Service) Drain(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for s.deps.Pool.Active() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// NewController creates an unstarted controller. An empty sessionID gets a
// fresh id; an empty conversationID defaults to the current Unix time in
// milliseconds.
func (s *Service) NewController(sessionID, conversationID string) *SessionController {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		conversationID = DefaultConversationID(time.Now())
	}

	logger := s.deps.Logger.With(
		zap.String("session_id", sessionID),
		zap.String("conversation_id", conversationID),
	)
	out := NewOutboundChannel(s.deps.OutboundBuffer, s.deps.SendTimeout)
	metrics := s.deps.Metrics
	out.OnDrop = func(label, reason string) {
		metrics.WSMessage("outbound_dropped", label)
		if reason != "closed" {
			logger.Debug("outbound frame dropped", zap.String("frame", label), zap.String("reason", reason))
		}
	}

	gate := &BusyGate{}
	ctx, cancel := context.WithCancel(context.Background())
	c := &SessionController{
		sessionID:      sessionID,
		conversationID: conversationID,
		gate:           gate,
		out:            out,
		link:           NewTranscriptionLink(s.deps.Recognizer, sessionID, logger),
		metrics:        metrics,
		logger:         logger,
		restart:        s.deps.Restart,
		ctx:            ctx,
		cancel:         cancel,
	}

	td := TurnDeps{
		SessionID:      sessionID,
		ConversationID: conversationID,
		Gate:           gate,
		Out:            out,
		Agent:          s.deps.Agent,
		Synthesizer:    s.deps.Synthesizer,
		Pool:           s.deps.Pool,
		Metrics:        metrics,
		Logger:         s.deps.Logger,
		Config:         s.deps.Turn,
	}
	if hook := s.deps.OnTurnStart; hook != nil {
		td.OnTurnStart = func(turnID string) { hook(sessionID, turnID) }
	}
	if hook := s.deps.OnTurnEnd; hook != nil {
		td.OnTurnEnd = func(res TurnResult) { hook(sessionID, res) }
	}
	c.turns = NewTurnProcessor(td)

	metrics.SessionOpened()
	logger.Info("call session opened")
	return c
}

func DefaultConversationID(now time.Time) string {
	return strconv.FormatInt(now.UnixMilli(), 10)
}
