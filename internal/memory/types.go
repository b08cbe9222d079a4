package memory

import (
	"context"
	"time"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// TurnRecord stores one user or assistant message of a conversation.
type TurnRecord struct {
	ID             string    `json:"id" bson:"_id"`
	ConversationID string    `json:"conversation_id" bson:"conversation_id"`
	SessionID      string    `json:"session_id" bson:"session_id"`
	TurnID         string    `json:"turn_id" bson:"turn_id"`
	Role           string    `json:"role" bson:"role"`
	Content        string    `json:"content" bson:"content"`
	CreatedAt      time.Time `json:"created_at" bson:"created_at"`
}

// Store persists and retrieves conversation history. RecentContext returns
// at most limit records in chronological order.
type Store interface {
	SaveTurn(ctx context.Context, record TurnRecord) error
	RecentContext(ctx context.Context, conversationID string, limit int) ([]TurnRecord, error)
	Ping(ctx context.Context) error
	Close() error
}

func normalize(record TurnRecord, newID func() string) TurnRecord {
	if record.ID == "" {
		record.ID = newID()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	return record
}
