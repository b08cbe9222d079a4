package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ent0n29/voicecall/internal/agent"
	"github.com/ent0n29/voicecall/internal/call"
	"github.com/ent0n29/voicecall/internal/voice"
)

type chatRequest struct {
	MemoryID string `json:"memory_id"`
	Message  string `json:"message"`
}

// handleChat streams one agent reply as server-sent events. Each fragment is
// a "data:" event; the stream ends with "event: done" or "event: error".
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		respondError(w, http.StatusBadRequest, "empty_message", "message is required")
		return
	}
	if strings.TrimSpace(req.MemoryID) == "" {
		req.MemoryID = call.DefaultConversationID(time.Now())
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming_unsupported", "response does not support streaming")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Memory-ID", req.MemoryID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx, cancel := context.WithTimeout(r.Context(), orDefault(s.cfg.TurnAgentTimeout, 60*time.Second))
	defer cancel()
	_, err := s.agent.StreamResponse(ctx, agent.MessageRequest{
		ConversationID: req.MemoryID,
		TurnID:         uuid.NewString(),
		InputText:      req.Message,
	}, func(delta string) error {
		if err := writeSSE(w, "", delta); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err != nil {
		s.logger.Warn("chat stream failed", zap.String("conversation_id", req.MemoryID), zap.Error(err))
		s.metrics.ProviderError("agent", "chat")
		_ = writeSSE(w, "error", err.Error())
		flusher.Flush()
		return
	}
	_ = writeSSE(w, "done", "")
	flusher.Flush()
}

// writeSSE writes one event; multi-line data is split across data fields.
func writeSSE(w http.ResponseWriter, event, data string) error {
	var b strings.Builder
	if event != "" {
		fmt.Fprintf(&b, "event: %s\n", event)
	}
	for _, line := range strings.Split(data, "\n") {
		fmt.Fprintf(&b, "data: %s\n", line)
	}
	b.WriteString("\n")
	_, err := w.Write([]byte(b.String()))
	return err
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.memory == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "conversation memory not configured")
		return
	}
	memoryID := strings.TrimSpace(chi.URLParam(r, "memoryID"))
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = min(n, 500)
	}
	records, err := s.memory.RecentContext(r.Context(), memoryID, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "memory_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"memory_id": memoryID,
		"messages":  records,
	})
}

type ttsRequest struct {
	Text string `json:"text"`
}

// handleTTS synthesizes text and returns the raw audio. Text that cleans up
// to nothing yields 204.
func (s *Server) handleTTS(w http.ResponseWriter, r *http.Request) {
	var req ttsRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if voice.SanitizeSpeechText(req.Text) == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), orDefault(s.cfg.TurnSynthesisTimeout, 30*time.Second))
	defer cancel()
	audio, err := s.synthesizer.Synthesize(ctx, req.Text)
	if err != nil {
		s.metrics.ProviderError("synthesis", "tts_endpoint")
		respondError(w, http.StatusBadGateway, "synthesis_failed", err.Error())
		return
	}
	if len(audio) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(audio)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(audio)
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}
