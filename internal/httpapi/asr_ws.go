package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/voicecall/internal/call"
)

// transcriptEcho sends recognizer text straight back to the client as plain
// text frames.
type transcriptEcho struct {
	out    *call.OutboundChannel
	logger *zap.Logger
}

func (e transcriptEcho) OnPartial(text string) {
	if text = strings.TrimSpace(text); text != "" {
		e.out.SendText(text)
	}
}

func (e transcriptEcho) OnFinal(text string) {
	if text = strings.TrimSpace(text); text != "" {
		e.out.SendText(text)
	}
}

func (e transcriptEcho) OnReset(err error) {
	e.logger.Warn("transcription-only recognizer ended", zap.Error(err))
	e.out.Close()
}

// handleVoiceASR is a transcription-only connection with no gate and no
// agent.
func (s *Server) handleVoiceASR(w http.ResponseWriter, r *http.Request) {
	if s.recognizer == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "recognizer not configured")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	id := "asr-" + uuid.NewString()
	logger := s.logger.With(zap.String("session_id", id))
	ctx, cancel := s.connContext(r)
	defer cancel()
	stopClose := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stopClose()

	out := call.NewOutboundChannel(s.cfg.OutboundBuffer, s.cfg.OutboundSendTimeout)
	link := call.NewTranscriptionLink(s.recognizer, id, logger)
	startCtx, startCancel := context.WithTimeout(ctx, recognizerWait)
	err = link.Start(startCtx, transcriptEcho{out: out, logger: logger})
	startCancel()
	if err != nil {
		logger.Warn("recognizer start failed", zap.Error(err))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "recognizer unavailable"),
			time.Now().Add(time.Second))
		return
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = link.Stop(stopCtx)
		stopCancel()
		_ = link.Close()
		out.Close()
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeFrames(ctx, conn, out, cancel, logger)
		// A recognizer failure closes out; end the connection with it.
		cancel()
	}()

	conn.SetReadLimit(wsReadLimit)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		s.metrics.WSMessage("inbound", "asr_audio")
		if err := link.Feed(ctx, data); err != nil {
			s.metrics.DropFrame("recognizer_unavailable")
		}
	}
	cancel()
	<-writerDone
}
