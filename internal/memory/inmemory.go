package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// InMemoryStore keeps history in process; used for local runs and tests.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string][]TurnRecord
	max     int
}

func NewInMemoryStore(maxPerConversation int) *InMemoryStore {
	return &InMemoryStore{records: make(map[string][]TurnRecord), max: maxPerConversation}
}

func (s *InMemoryStore) SaveTurn(_ context.Context, record TurnRecord) error {
	record = normalize(record, uuid.NewString)
	s.mu.Lock()
	defer s.mu.Unlock()
	arr := append(s.records[record.ConversationID], record)
	if s.max > 0 && len(arr) > s.max {
		arr = append([]TurnRecord(nil), arr[len(arr)-s.max:]...)
	}
	s.records[record.ConversationID] = arr
	return nil
}

func (s *InMemoryStore) RecentContext(_ context.Context, conversationID string, limit int) ([]TurnRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.records[conversationID]
	if len(arr) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]TurnRecord, limit)
	copy(out, arr[len(arr)-limit:])
	return out, nil
}

func (s *InMemoryStore) Ping(context.Context) error { return nil }

func (s *InMemoryStore) Close() error { return nil }
