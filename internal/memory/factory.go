package memory

import (
	"context"
	"fmt"
	"strings"
)

type Config struct {
	Backend            string
	DatabaseURL        string
	Redis              RedisConfig
	Mongo              MongoConfig
	MaxPerConversation int
}

// NewStore builds the configured backend. "auto" picks the first backend that
// has connection settings and falls back to process memory.
func NewStore(ctx context.Context, cfg Config) (Store, error) {
	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	if backend == "" || backend == "auto" {
		switch {
		case strings.TrimSpace(cfg.DatabaseURL) != "":
			backend = "postgres"
		case strings.TrimSpace(cfg.Redis.Addr) != "":
			backend = "redis"
		case strings.TrimSpace(cfg.Mongo.URI) != "":
			backend = "mongo"
		default:
			backend = "memory"
		}
	}

	switch backend {
	case "memory":
		return NewInMemoryStore(cfg.MaxPerConversation), nil
	case "postgres":
		return NewPostgresStore(ctx, cfg.DatabaseURL)
	case "redis":
		rc := cfg.Redis
		if rc.MaxPerConversation == 0 {
			rc.MaxPerConversation = cfg.MaxPerConversation
		}
		return NewRedisStore(ctx, rc)
	case "mongo":
		return NewMongoStore(ctx, cfg.Mongo)
	default:
		return nil, fmt.Errorf("unsupported memory backend %q", cfg.Backend)
	}
}
