package agent

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/voicecall/internal/memory"
)

// MemoryAdapter scopes an adapter to a conversation: it loads recent history
// into each request and saves the exchange afterwards. Store failures never
// fail the reply.
type MemoryAdapter struct {
	next        Adapter
	store       memory.Store
	limit       int
	saveTimeout time.Duration
	logger      *zap.Logger
}

func NewMemoryAdapter(next Adapter, store memory.Store, limit int, logger *zap.Logger) *MemoryAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if limit <= 0 {
		limit = 20
	}
	return &MemoryAdapter{next: next, store: store, limit: limit, saveTimeout: 2 * time.Second, logger: logger}
}

func (a *MemoryAdapter) StreamResponse(ctx context.Context, req MessageRequest, onDelta DeltaHandler) (MessageResponse, error) {
	logger := a.logger.With(zap.String("conversation_id", req.ConversationID), zap.String("turn_id", req.TurnID))

	if len(req.History) == 0 && req.ConversationID != "" {
		records, err := a.store.RecentContext(ctx, req.ConversationID, a.limit)
		if err != nil {
			logger.Warn("load conversation history failed", zap.Error(err))
		}
		for _, r := range records {
			req.History = append(req.History, HistoryMessage{Role: r.Role, Content: r.Content})
		}
	}

	resp, err := a.next.StreamResponse(ctx, req, onDelta)
	if err != nil {
		return resp, err
	}
	if req.ConversationID != "" {
		a.saveBestEffort(logger, req, resp.Text)
	}
	return resp, nil
}

func (a *MemoryAdapter) saveBestEffort(logger *zap.Logger, req MessageRequest, reply string) {
	ctx, cancel := context.WithTimeout(context.Background(), a.saveTimeout)
	defer cancel()

	records := []memory.TurnRecord{{
		ConversationID: req.ConversationID,
		SessionID:      req.SessionID,
		TurnID:         req.TurnID,
		Role:           memory.RoleUser,
		Content:        req.InputText,
	}}
	if strings.TrimSpace(reply) != "" {
		records = append(records, memory.TurnRecord{
			ConversationID: req.ConversationID,
			SessionID:      req.SessionID,
			TurnID:         req.TurnID,
			Role:           memory.RoleAssistant,
			Content:        reply,
			CreatedAt:      time.Now().UTC().Add(time.Millisecond),
		})
	}
	for _, r := range records {
		if err := a.store.SaveTurn(ctx, r); err != nil {
			logger.Warn("save conversation turn failed", zap.String("role", r.Role), zap.Error(err))
			return
		}
	}
}
