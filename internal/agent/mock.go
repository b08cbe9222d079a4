package agent

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/ent0n29/voicecall/internal/memory"
)

const mockFragmentRunes = 4

// MockAdapter produces deterministic local replies, split into several
// fragments so streaming consumers see more than one delta.
type MockAdapter struct{}

func NewMockAdapter() *MockAdapter { return &MockAdapter{} }

func (a *MockAdapter) StreamResponse(ctx context.Context, req MessageRequest, onDelta DeltaHandler) (MessageResponse, error) {
	text := buildMockReply(req)
	for _, fragment := range splitFragments(text, mockFragmentRunes) {
		if err := ctx.Err(); err != nil {
			return MessageResponse{}, err
		}
		if onDelta != nil {
			if err := onDelta(fragment); err != nil {
				return MessageResponse{}, err
			}
		}
	}
	return MessageResponse{Text: text}, nil
}

func buildMockReply(req MessageRequest) string {
	base := strings.TrimSpace(req.InputText)
	if base == "" {
		return "我在听。"
	}
	reply := "我听到了：" + base
	for i := len(req.History) - 1; i >= 0; i-- {
		if req.History[i].Role == memory.RoleUser {
			return reply + "。上一次你说：" + strings.TrimSpace(req.History[i].Content)
		}
	}
	return reply
}

func splitFragments(text string, size int) []string {
	if text == "" {
		return nil
	}
	out := make([]string, 0, utf8.RuneCountInString(text)/size+1)
	runes := []rune(text)
	for len(runes) > 0 {
		n := min(size, len(runes))
		out = append(out, string(runes[:n]))
		runes = runes[n:]
	}
	return out
}
