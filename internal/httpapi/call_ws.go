package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/voicecall/internal/call"
	"github.com/ent0n29/voicecall/internal/session"
)

const (
	wsReadLimit    = 2 << 20
	wsIdleTimeout  = 120 * time.Second
	wsWriteTimeout = 10 * time.Second
	recognizerWait = 10 * time.Second
)

// handleVoiceCall runs one duplex call. Binary frames from the client are
// PCM audio; everything the server sends comes from the session's
// outbound channel through a single writer.
func (s *Server) handleVoiceCall(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sess, err := s.attachSession(strings.TrimSpace(q.Get("session_id")), strings.TrimSpace(q.Get("memory_id")))
	switch {
	case errors.Is(err, session.ErrAlreadyConnected):
		respondError(w, http.StatusConflict, "session_connected", err.Error())
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	conversationID := strings.TrimSpace(q.Get("memory_id"))
	if conversationID == "" {
		conversationID = sess.ConversationID
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		_, _ = s.sessions.Detach(sess.ID)
		return
	}
	defer conn.Close()
	s.metrics.SessionEvent("ws_connected")

	ctrl := s.calls.NewController(sess.ID, conversationID)
	logger := s.logger.With(zap.String("session_id", sess.ID), zap.String("conversation_id", conversationID))
	defer func() {
		ctrl.Close()
		_, _ = s.sessions.Detach(sess.ID)
		s.metrics.SessionEvent("ws_disconnected")
	}()

	ctx, cancel := s.connContext(r)
	defer cancel()
	stopClose := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stopClose()

	startCtx, startCancel := context.WithTimeout(ctx, recognizerWait)
	if err := ctrl.Start(startCtx); err != nil {
		// The call stays up; the controller retries the recognizer.
		logger.Warn("recognizer start failed", zap.Error(err))
		ctrl.OnReset(err)
	}
	startCancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeFrames(ctx, conn, ctrl.Outbound(), cancel, logger)
	}()

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && ctx.Err() == nil {
				logger.Debug("call read ended", zap.Error(err))
			}
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
		if msgType != websocket.BinaryMessage {
			s.metrics.WSMessage("inbound", "text_ignored")
			continue
		}
		s.metrics.WSMessage("inbound", "audio")
		ctrl.OnAudioFrame(data)
	}

	cancel()
	ctrl.Close()
	<-writerDone
}

// connContext ends when the request ends or the server shuts down. Hijacked
// connections are not closed by http.Server.Shutdown on their own.
func (s *Server) connContext(r *http.Request) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(r.Context())
	stop := context.AfterFunc(s.base, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// attachSession resolves the session a connection belongs to, creating it
// when the caller did not pre-register one.
func (s *Server) attachSession(sessionID, memoryID string) (*session.Session, error) {
	if sessionID != "" {
		existing, err := s.sessions.Get(sessionID)
		if err == nil && existing.Status == session.StatusActive {
			return s.sessions.Attach(sessionID)
		}
		if err != nil && !errors.Is(err, session.ErrNotFound) {
			return nil, err
		}
	}
	created, err := s.sessions.Create(sessionID, memoryID)
	if err != nil {
		return nil, err
	}
	s.metrics.SessionEvent("created")
	return s.sessions.Attach(created.ID)
}

// writeFrames is the only goroutine that writes to conn.
func (s *Server) writeFrames(ctx context.Context, conn *websocket.Conn, out *call.OutboundChannel, cancel context.CancelFunc, logger *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-out.Done():
			return
		case f := <-out.Frames():
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			var err error
			if f.Binary {
				err = conn.WriteMessage(websocket.BinaryMessage, f.Data)
			} else {
				err = conn.WriteMessage(websocket.TextMessage, []byte(f.Text))
			}
			if err != nil {
				logger.Debug("websocket write failed", zap.String("frame", f.Label()), zap.Error(err))
				s.metrics.WSMessage("outbound_failed", f.Label())
				cancel()
				return
			}
			s.metrics.WSMessage("outbound", f.Label())
		}
	}
}
