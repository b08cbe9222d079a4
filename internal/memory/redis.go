package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type RedisConfig struct {
	Addr               string
	Password           string
	DB                 int
	KeyPrefix          string
	TTL                time.Duration
	MaxPerConversation int
}

// RedisStore keeps each conversation as a capped list of JSON records.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
	max       int
}

func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "voicecall:"
	}
	return &RedisStore{client: client, keyPrefix: prefix + "memory:", ttl: cfg.TTL, max: cfg.MaxPerConversation}, nil
}

func (s *RedisStore) key(conversationID string) string {
	return s.keyPrefix + conversationID
}

func (s *RedisStore) SaveTurn(ctx context.Context, record TurnRecord) error {
	record = normalize(record, uuid.NewString)
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal turn: %w", err)
	}

	key := s.key(record.ConversationID)
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	if s.max > 0 {
		pipe.LTrim(ctx, key, int64(-s.max), -1)
	}
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save turn: %w", err)
	}
	return nil
}

func (s *RedisStore) RecentContext(ctx context.Context, conversationID string, limit int) ([]TurnRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	raw, err := s.client.LRange(ctx, s.key(conversationID), int64(-limit), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("query recent context: %w", err)
	}
	items := make([]TurnRecord, 0, len(raw))
	for _, entry := range raw {
		var r TurnRecord
		if err := json.Unmarshal([]byte(entry), &r); err != nil {
			return nil, fmt.Errorf("decode context entry: %w", err)
		}
		items = append(items, r)
	}
	return items, nil
}

func (s *RedisStore) Ping(ctx context.Context) error { return s.client.Ping(ctx).Err() }

func (s *RedisStore) Close() error { return s.client.Close() }
