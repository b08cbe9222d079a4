package agent

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/ent0n29/voicecall/internal/memory"
)

const (
	defaultOpenAIBaseURL = "https://dashscope.aliyuncs.com/compatible-mode/v1/"
	defaultOpenAIModel   = "qwen-plus"
	defaultSystemPrompt  = "你是一个友好的语音助手。回答要简短、口语化，不要使用列表、表格或代码。"
)

type OpenAIConfig struct {
	APIKey           string
	BaseURL          string
	Model            string
	SystemPrompt     string
	SystemPromptFile string
	Timeout          time.Duration
	MaxRetries       int
}

// OpenAIAdapter streams replies from any OpenAI-compatible chat completions
// endpoint. The default endpoint is DashScope's compatible mode.
type OpenAIAdapter struct {
	client       oai.Client
	model        string
	systemPrompt string
}

func NewOpenAIAdapter(cfg OpenAIConfig) (*OpenAIAdapter, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("openai: api key must not be empty")
	}
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultOpenAIModel
	}

	prompt := strings.TrimSpace(cfg.SystemPrompt)
	if path := strings.TrimSpace(cfg.SystemPromptFile); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("openai: read system prompt: %w", err)
		}
		prompt = strings.TrimSpace(string(raw))
	}
	if prompt == "" {
		prompt = defaultSystemPrompt
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(baseURL),
		option.WithMaxRetries(max(cfg.MaxRetries, 0)),
	}
	if cfg.Timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}))
	}

	return &OpenAIAdapter{
		client:       oai.NewClient(reqOpts...),
		model:        model,
		systemPrompt: prompt,
	}, nil
}

func (a *OpenAIAdapter) StreamResponse(ctx context.Context, req MessageRequest, onDelta DeltaHandler) (MessageResponse, error) {
	stream := a.client.Chat.Completions.NewStreaming(ctx, a.buildParams(req))
	defer stream.Close()

	var out strings.Builder
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		out.WriteString(delta)
		if onDelta != nil {
			if err := onDelta(delta); err != nil {
				return MessageResponse{}, err
			}
		}
	}
	if err := stream.Err(); err != nil {
		return MessageResponse{}, fmt.Errorf("openai: stream: %w", err)
	}
	return MessageResponse{Text: out.String()}, nil
}

func (a *OpenAIAdapter) buildParams(req MessageRequest) oai.ChatCompletionNewParams {
	messages := make([]oai.ChatCompletionMessageParamUnion, 0, len(req.History)+2)
	messages = append(messages, oai.SystemMessage(a.systemPrompt))
	for _, m := range req.History {
		switch m.Role {
		case memory.RoleAssistant:
			messages = append(messages, oai.AssistantMessage(m.Content))
		case memory.RoleUser:
			messages = append(messages, oai.UserMessage(m.Content))
		}
	}
	messages = append(messages, oai.UserMessage(req.InputText))

	return oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(a.model),
		Messages: messages,
	}
}
