package voice

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/voicecall/internal/reliability"
)

type ElevenLabsConfig struct {
	APIKey          string
	WSBaseURL       string
	STTModelID      string
	VoiceID         string
	TTSModelID      string
	OutputFormat    string
	SampleRate      int
	Stability       float64
	SimilarityBoost float64
	Speed           float64
}

type ElevenLabsProvider struct {
	cfg    ElevenLabsConfig
	dialer *websocket.Dialer
}

func NewElevenLabsProvider(cfg ElevenLabsConfig) *ElevenLabsProvider {
	if strings.TrimSpace(cfg.WSBaseURL) == "" {
		cfg.WSBaseURL = "wss://api.elevenlabs.io"
	}
	if strings.TrimSpace(cfg.STTModelID) == "" {
		cfg.STTModelID = "scribe_v1"
	}
	if strings.TrimSpace(cfg.TTSModelID) == "" {
		cfg.TTSModelID = "eleven_multilingual_v2"
	}
	if strings.TrimSpace(cfg.OutputFormat) == "" {
		cfg.OutputFormat = "mp3_44100_128"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	cfg.Stability = clampSetting(cfg.Stability, 0.42, 0, 1)
	cfg.SimilarityBoost = clampSetting(cfg.SimilarityBoost, 0.85, 0, 1)
	cfg.Speed = clampSetting(cfg.Speed, 1.0, 0.7, 1.2)
	return &ElevenLabsProvider{cfg: cfg, dialer: websocket.DefaultDialer}
}

func clampSetting(v, def, lo, hi float64) float64 {
	if v <= 0 {
		v = def
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (p *ElevenLabsProvider) headers() http.Header {
	headers := http.Header{}
	headers.Set("xi-api-key", p.cfg.APIKey)
	return headers
}

func (p *ElevenLabsProvider) StartSession(ctx context.Context, _ string) (RecognizerSession, <-chan TranscriptEvent, error) {
	u, err := url.Parse(strings.TrimRight(p.cfg.WSBaseURL, "/") + "/v1/speech-to-text/realtime")
	if err != nil {
		return nil, nil, err
	}
	q := u.Query()
	q.Set("model_id", p.cfg.STTModelID)
	q.Set("commit_strategy", "vad")
	u.RawQuery = q.Encode()

	conn, _, err := p.dialer.DialContext(ctx, u.String(), p.headers())
	if err != nil {
		return nil, nil, fmt.Errorf("dial stt websocket: %w", err)
	}

	s := &elevenRecognizerSession{
		conn:       conn,
		sampleRate: p.cfg.SampleRate,
		events:     make(chan TranscriptEvent, 256),
		done:       make(chan struct{}),
	}
	go s.readLoop()
	return s, s.events, nil
}

type elevenRecognizerSession struct {
	conn       *websocket.Conn
	sampleRate int
	writeMu    sync.Mutex
	closeOnce  sync.Once
	events     chan TranscriptEvent
	done       chan struct{}
}

func (s *elevenRecognizerSession) SendAudio(ctx context.Context, frame []byte) error {
	if len(frame) == 0 {
		return nil
	}
	return s.writeChunk(ctx, base64.StdEncoding.EncodeToString(frame), false)
}

// Stop commits whatever audio the vendor has buffered.
func (s *elevenRecognizerSession) Stop(ctx context.Context) error {
	return s.writeChunk(ctx, "", true)
}

func (s *elevenRecognizerSession) writeChunk(ctx context.Context, audioBase64 string, commit bool) error {
	payload := map[string]any{
		"message_type":  "input_audio_chunk",
		"audio_base_64": audioBase64,
		"commit":        commit,
		"sample_rate":   s.sampleRate,
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetWriteDeadline(deadline)
		defer s.conn.SetWriteDeadline(time.Time{})
	}
	return s.conn.WriteJSON(payload)
}

func (s *elevenRecognizerSession) emit(ev TranscriptEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *elevenRecognizerSession) readLoop() {
	defer close(s.events)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				s.emit(TranscriptEvent{Type: TranscriptError, Code: "connection_lost", Detail: err.Error(), Retryable: true, Timestamp: time.Now().UnixMilli()})
			}
			return
		}
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			continue
		}
		messageType := asString(raw["message_type"])
		var ev TranscriptEvent
		switch messageType {
		case "partial_transcript":
			ev = TranscriptEvent{Type: TranscriptPartial, Text: asString(raw["text"])}
		case "committed_transcript", "committed_transcript_with_timestamps":
			ev = TranscriptEvent{Type: TranscriptFinal, Text: asString(raw["text"])}
		case "", "session_started", "input_audio_chunk":
			continue
		default:
			ev = TranscriptEvent{
				Type:      TranscriptError,
				Code:      messageType,
				Detail:    asString(raw["error"]),
				Retryable: reliability.IsRetryableRealtimeMessageType(messageType),
			}
		}
		ev.Timestamp = time.Now().UnixMilli()
		if !s.emit(ev) {
			return
		}
	}
}

func (s *elevenRecognizerSession) Close() error {
	var retErr error
	s.closeOnce.Do(func() {
		close(s.done)
		retErr = s.conn.Close()
	})
	return retErr
}

func (p *ElevenLabsProvider) Synthesize(ctx context.Context, text string) ([]byte, error) {
	var buf bytes.Buffer
	err := p.SynthesizeStream(ctx, text, func(chunk []byte) error {
		buf.Write(chunk)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// SynthesizeStream sends the whole text over one stream-input socket and
// forwards decoded audio until the vendor marks the stream final.
func (p *ElevenLabsProvider) SynthesizeStream(ctx context.Context, text string, onChunk ChunkHandler) error {
	text = SanitizeSpeechText(text)
	if text == "" {
		return nil
	}
	if strings.TrimSpace(p.cfg.VoiceID) == "" {
		return fmt.Errorf("voice_id is required")
	}

	u, err := url.Parse(strings.TrimRight(p.cfg.WSBaseURL, "/") + "/v1/text-to-speech/" + url.PathEscape(p.cfg.VoiceID) + "/stream-input")
	if err != nil {
		return err
	}
	q := u.Query()
	q.Set("model_id", p.cfg.TTSModelID)
	q.Set("output_format", p.cfg.OutputFormat)
	q.Set("auto_mode", "true")
	u.RawQuery = q.Encode()

	conn, _, err := p.dialer.DialContext(ctx, u.String(), p.headers())
	if err != nil {
		return fmt.Errorf("dial tts websocket: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	messages := []map[string]any{
		{
			"text": " ",
			"voice_settings": map[string]any{
				"stability":        p.cfg.Stability,
				"similarity_boost": p.cfg.SimilarityBoost,
				"speed":            p.cfg.Speed,
			},
		},
		{"text": text + " ", "try_trigger_generation": true},
		{"text": ""},
	}
	for _, msg := range messages {
		if err := conn.WriteJSON(msg); err != nil {
			return fmt.Errorf("write tts input: %w", err)
		}
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("read tts stream: %w", err)
		}
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			continue
		}
		if errMsg := asString(raw["error"]); errMsg != "" {
			return fmt.Errorf("tts stream error %s: %s", asString(raw["message_type"]), errMsg)
		}
		if encoded := asString(raw["audio"]); encoded != "" {
			chunk, err := base64.StdEncoding.DecodeString(encoded)
			if err != nil {
				return fmt.Errorf("decode tts audio: %w", err)
			}
			if err := onChunk(chunk); err != nil {
				return err
			}
		}
		if asBool(raw["isFinal"]) || asBool(raw["is_final"]) {
			return nil
		}
	}
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

func asBool(v any) bool {
	if b, ok := v.(bool); ok {
		return b
	}
	return false
}
