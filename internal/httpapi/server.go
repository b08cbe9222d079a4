package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/voicecall/internal/agent"
	"github.com/ent0n29/voicecall/internal/call"
	"github.com/ent0n29/voicecall/internal/config"
	"github.com/ent0n29/voicecall/internal/memory"
	"github.com/ent0n29/voicecall/internal/observability"
	"github.com/ent0n29/voicecall/internal/session"
	"github.com/ent0n29/voicecall/internal/voice"
)

// Options wires the HTTP surface to the call service and its shared
// collaborators. Memory may be nil.
type Options struct {
	Config      config.Config
	Sessions    *session.Manager
	Calls       *call.Service
	Recognizer  voice.Recognizer
	Synthesizer voice.Synthesizer
	Agent       agent.Adapter
	Memory      memory.Store
	Metrics     *observability.Metrics
	Logger      *zap.Logger
}

type Server struct {
	cfg         config.Config
	sessions    *session.Manager
	calls       *call.Service
	recognizer  voice.Recognizer
	synthesizer voice.Synthesizer
	agent       agent.Adapter
	memory      memory.Store
	metrics     *observability.Metrics
	logger      *zap.Logger
	upgrader    websocket.Upgrader
	base        context.Context
}

func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := opts.Config
	return &Server{
		cfg:         cfg,
		sessions:    opts.Sessions,
		calls:       opts.Calls,
		recognizer:  opts.Recognizer,
		synthesizer: opts.Synthesizer,
		agent:       opts.Agent,
		memory:      opts.Memory,
		metrics:     opts.Metrics,
		logger:      logger,
		base:        context.Background(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				return sameOrigin(r)
			},
		},
	}
}

// sameOrigin accepts requests without an Origin header (non-browser
// clients) and browser requests from the serving host.
func sameOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

// Router builds the HTTP handler. Cancelling ctx stops background middleware
// work and closes open websocket connections.
func (s *Server) Router(ctx context.Context) http.Handler {
	s.base = ctx
	r := chi.NewRouter()
	r.Use(recoverer(s.logger), requestLogger(s.logger), tracing())

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", s.handleMetrics)
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Group(func(r chi.Router) {
		r.Use(rateLimiter(ctx, s.cfg.RateLimitPerSecond, s.cfg.RateLimitBurst))

		r.Post("/v1/call/session", s.handleCreateSession)
		r.Get("/v1/call/session/{id}", s.handleGetSession)
		r.Post("/v1/call/session/{id}/end", s.handleEndSession)
		r.Get("/voice-call", s.handleVoiceCall)
		r.Get("/voice-asr", s.handleVoiceASR)

		r.Post("/v1/chat", s.handleChat)
		r.Get("/v1/history/{memoryID}", s.handleHistory)
		r.Post("/v1/tts", s.handleTTS)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": s.sessions.ActiveCount(),
		"active_turns":    s.calls.Pool().Active(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.memory != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.memory.Ping(ctx); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "not_ready",
				"memory": err.Error(),
			})
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		http.NotFound(w, r)
		return
	}
	s.metrics.Handler().ServeHTTP(w, r)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	sess, err := s.sessions.Create(req.SessionID, req.ConversationID)
	if errors.Is(err, session.ErrAlreadyExists) {
		respondError(w, http.StatusConflict, "session_exists", err.Error())
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	s.metrics.SessionEvent("created")

	respondJSON(w, http.StatusCreated, session.CreateResponse{
		SessionID:       sess.ID,
		ConversationID:  sess.ConversationID,
		Status:          sess.Status,
		StartedAt:       sess.StartedAt,
		LastActivityAt:  sess.LastActivityAt,
		InactivityTTLMS: s.sessions.InactivityTimeout().Milliseconds(),
		CallURL:         "/voice-call?session_id=" + url.QueryEscape(sess.ID),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	sess, err := s.sessions.End(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	s.metrics.SessionEvent("ended")
	respondJSON(w, http.StatusOK, sess)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
