package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// HistoryMessage is one earlier message of the conversation.
type HistoryMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// MessageRequest is the normalized request sent to the conversational agent.
type MessageRequest struct {
	ConversationID string           `json:"conversation_id"`
	SessionID      string           `json:"session_id,omitempty"`
	TurnID         string           `json:"turn_id,omitempty"`
	InputText      string           `json:"input_text"`
	History        []HistoryMessage `json:"history,omitempty"`
}

// MessageResponse is the final response after streaming deltas.
type MessageResponse struct {
	Text string `json:"text"`
}

// DeltaHandler receives streaming text fragments in generation order.
type DeltaHandler func(delta string) error

// Adapter produces a reply for one user utterance, delivering fragments as
// they are generated. Implementations must be safe for concurrent use.
type Adapter interface {
	StreamResponse(ctx context.Context, req MessageRequest, onDelta DeltaHandler) (MessageResponse, error)
}

var ErrNoAgent = errors.New("agent not configured")

// Config controls adapter construction.
type Config struct {
	Mode string

	HTTPURL string

	OpenAIAPIKey     string
	OpenAIBaseURL    string
	OpenAIModel      string
	SystemPrompt     string
	SystemPromptFile string

	RequestTimeout time.Duration
}

func NewAdapter(cfg Config) (Adapter, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		return newAutoAdapter(cfg)
	case "openai":
		return NewOpenAIAdapter(OpenAIConfig{
			APIKey:           cfg.OpenAIAPIKey,
			BaseURL:          cfg.OpenAIBaseURL,
			Model:            cfg.OpenAIModel,
			SystemPrompt:     cfg.SystemPrompt,
			SystemPromptFile: cfg.SystemPromptFile,
			Timeout:          cfg.RequestTimeout,
		})
	case "http":
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return nil, errors.New("agent HTTP url is required for http mode")
		}
		return NewHTTPAdapter(cfg.HTTPURL, cfg.RequestTimeout), nil
	case "mock":
		return NewMockAdapter(), nil
	default:
		return nil, fmt.Errorf("unsupported agent mode %q", cfg.Mode)
	}
}

// newAutoAdapter prefers the model API, then the HTTP bridge, and keeps the
// mock as the last fallback so a call never goes silent for lack of a backend.
func newAutoAdapter(cfg Config) (Adapter, error) {
	var chain []Adapter
	if strings.TrimSpace(cfg.OpenAIAPIKey) != "" {
		a, err := NewAdapter(Config{
			Mode:             "openai",
			OpenAIAPIKey:     cfg.OpenAIAPIKey,
			OpenAIBaseURL:    cfg.OpenAIBaseURL,
			OpenAIModel:      cfg.OpenAIModel,
			SystemPrompt:     cfg.SystemPrompt,
			SystemPromptFile: cfg.SystemPromptFile,
			RequestTimeout:   cfg.RequestTimeout,
		})
		if err != nil {
			return nil, err
		}
		chain = append(chain, a)
	}
	if strings.TrimSpace(cfg.HTTPURL) != "" {
		chain = append(chain, NewHTTPAdapter(cfg.HTTPURL, cfg.RequestTimeout))
	}
	if len(chain) == 0 {
		return NewMockAdapter(), nil
	}

	out := chain[len(chain)-1]
	for i := len(chain) - 2; i >= 0; i-- {
		out = NewFallbackAdapter(chain[i], out)
	}
	return out, nil
}
