package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/ent0n29/voicecall/internal/reliability"
)

const (
	defaultAliyunGatewayURL = "wss://nls-gateway-cn-shanghai.aliyuncs.com/ws/v1"

	nlsNamespaceTranscriber = "SpeechTranscriber"
	nlsNamespaceSynthesizer = "SpeechSynthesizer"
)

var ErrNLSTaskFailed = errors.New("nls task failed")

type AliyunConfig struct {
	AppKey     string
	GatewayURL string
	Tokens     TokenSource

	SampleRate                     int
	MaxSentenceSilence             time.Duration
	EnableIntermediateResult       bool
	EnablePunctuationPrediction    bool
	EnableInverseTextNormalization bool

	Voice               string
	SynthesisFormat     string
	SynthesisSampleRate int
	SpeechRate          int
	Volume              int
	PitchRate           int

	StartTimeout time.Duration
}

// AliyunProvider speaks the NLS gateway websocket protocol for both
// real-time transcription and speech synthesis.
type AliyunProvider struct {
	cfg AliyunConfig
}

func NewAliyunProvider(cfg AliyunConfig) (*AliyunProvider, error) {
	if strings.TrimSpace(cfg.AppKey) == "" {
		return nil, fmt.Errorf("aliyun appkey is required")
	}
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("aliyun token source is required")
	}
	if strings.TrimSpace(cfg.GatewayURL) == "" {
		cfg.GatewayURL = defaultAliyunGatewayURL
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.MaxSentenceSilence <= 0 {
		cfg.MaxSentenceSilence = 800 * time.Millisecond
	}
	if strings.TrimSpace(cfg.Voice) == "" {
		cfg.Voice = "xiaoyun"
	}
	if strings.TrimSpace(cfg.SynthesisFormat) == "" {
		cfg.SynthesisFormat = "mp3"
	}
	if cfg.SynthesisSampleRate <= 0 {
		cfg.SynthesisSampleRate = 16000
	}
	if cfg.Volume <= 0 {
		cfg.Volume = 50
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 10 * time.Second
	}
	return &AliyunProvider{cfg: cfg}, nil
}

type nlsHeader struct {
	MessageID  string `json:"message_id"`
	TaskID     string `json:"task_id"`
	Namespace  string `json:"namespace"`
	Name       string `json:"name"`
	AppKey     string `json:"appkey,omitempty"`
	Status     int    `json:"status,omitempty"`
	StatusText string `json:"status_text,omitempty"`
}

type nlsRequest struct {
	Header  nlsHeader `json:"header"`
	Payload any       `json:"payload,omitempty"`
}

type nlsEvent struct {
	Header  nlsHeader       `json:"header"`
	Payload json.RawMessage `json:"payload"`
}

type nlsTranscriptionResult struct {
	Index  int    `json:"index"`
	Time   int    `json:"time"`
	Result string `json:"result"`
}

func nlsID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (p *AliyunProvider) dial(ctx context.Context) (*websocket.Conn, error) {
	token, err := p.cfg.Tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("aliyun token: %w", err)
	}
	headers := http.Header{}
	headers.Set("X-NLS-Token", token)
	conn, _, err := websocket.Dial(ctx, p.cfg.GatewayURL, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		return nil, fmt.Errorf("aliyun: dial: %w", err)
	}
	conn.SetReadLimit(4 << 20)
	return conn, nil
}

func (p *AliyunProvider) request(taskID, namespace, name string, payload any) ([]byte, error) {
	return json.Marshal(nlsRequest{
		Header: nlsHeader{
			MessageID: nlsID(),
			TaskID:    taskID,
			Namespace: namespace,
			Name:      name,
			AppKey:    p.cfg.AppKey,
		},
		Payload: payload,
	})
}

func taskFailure(h nlsHeader) error {
	return fmt.Errorf("%w: status=%d %s", ErrNLSTaskFailed, h.Status, h.StatusText)
}

// StartSession opens a transcription task and waits for the gateway to
// acknowledge it before returning.
func (p *AliyunProvider) StartSession(ctx context.Context, _ string) (RecognizerSession, <-chan TranscriptEvent, error) {
	conn, err := p.dial(ctx)
	if err != nil {
		return nil, nil, err
	}

	taskID := nlsID()
	start, err := p.request(taskID, nlsNamespaceTranscriber, "StartTranscription", map[string]any{
		"format":                            "pcm",
		"sample_rate":                       p.cfg.SampleRate,
		"enable_intermediate_result":        p.cfg.EnableIntermediateResult,
		"enable_punctuation_prediction":     p.cfg.EnablePunctuationPrediction,
		"enable_inverse_text_normalization": p.cfg.EnableInverseTextNormalization,
		"max_sentence_silence":              p.cfg.MaxSentenceSilence.Milliseconds(),
	})
	if err != nil {
		conn.CloseNow()
		return nil, nil, err
	}

	startCtx, cancel := context.WithTimeout(ctx, p.cfg.StartTimeout)
	defer cancel()
	if err := conn.Write(startCtx, websocket.MessageText, start); err != nil {
		conn.CloseNow()
		return nil, nil, fmt.Errorf("aliyun: start transcription: %w", err)
	}
	if err := awaitTranscriptionStarted(startCtx, conn); err != nil {
		conn.CloseNow()
		return nil, nil, err
	}

	readCtx, readCancel := context.WithCancel(context.Background())
	s := &aliyunRecognizerSession{
		provider: p,
		conn:     conn,
		taskID:   taskID,
		events:   make(chan TranscriptEvent, 256),
		done:     make(chan struct{}),
		cancel:   readCancel,
	}
	go s.readLoop(readCtx)
	return s, s.events, nil
}

func awaitTranscriptionStarted(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("aliyun: await transcription start: %w", err)
		}
		var ev nlsEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		switch ev.Header.Name {
		case "TranscriptionStarted":
			return nil
		case "TaskFailed":
			return taskFailure(ev.Header)
		}
	}
}

type aliyunRecognizerSession struct {
	provider *AliyunProvider
	conn     *websocket.Conn
	taskID   string

	events    chan TranscriptEvent
	done      chan struct{}
	cancel    context.CancelFunc
	stopOnce  sync.Once
	closeOnce sync.Once
}

func (s *aliyunRecognizerSession) SendAudio(ctx context.Context, frame []byte) error {
	if len(frame) == 0 {
		return nil
	}
	return s.conn.Write(ctx, websocket.MessageBinary, frame)
}

func (s *aliyunRecognizerSession) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		var msg []byte
		msg, err = s.provider.request(s.taskID, nlsNamespaceTranscriber, "StopTranscription", nil)
		if err != nil {
			return
		}
		err = s.conn.Write(ctx, websocket.MessageText, msg)
	})
	return err
}

func (s *aliyunRecognizerSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.conn.Close(websocket.StatusNormalClosure, "session closed")
		s.cancel()
	})
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (s *aliyunRecognizerSession) emit(ev TranscriptEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *aliyunRecognizerSession) readLoop(ctx context.Context) {
	defer close(s.events)
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			select {
			case <-s.done:
			default:
				s.emit(TranscriptEvent{
					Type:      TranscriptError,
					Code:      "connection_lost",
					Detail:    err.Error(),
					Retryable: true,
					Timestamp: time.Now().UnixMilli(),
				})
			}
			return
		}

		var ev nlsEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		switch ev.Header.Name {
		case "TranscriptionResultChanged", "SentenceEnd":
			var result nlsTranscriptionResult
			if err := json.Unmarshal(ev.Payload, &result); err != nil {
				continue
			}
			typ := TranscriptPartial
			if ev.Header.Name == "SentenceEnd" {
				typ = TranscriptFinal
			}
			if !s.emit(TranscriptEvent{Type: typ, Text: result.Result, Timestamp: time.Now().UnixMilli()}) {
				return
			}
		case "TaskFailed":
			s.emit(TranscriptEvent{
				Type:      TranscriptError,
				Code:      strconv.Itoa(ev.Header.Status),
				Detail:    ev.Header.StatusText,
				Retryable: reliability.IsRetryableNLSStatus(ev.Header.Status),
				Timestamp: time.Now().UnixMilli(),
			})
			return
		case "TranscriptionCompleted":
			return
		}
	}
}

// Synthesize returns the complete audio for text. Text that is empty after
// cleanup yields no audio and no vendor call.
func (p *AliyunProvider) Synthesize(ctx context.Context, text string) ([]byte, error) {
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

func (p *AliyunProvider) SynthesizeStream(ctx context.Context, text string, onChunk ChunkHandler) error {
	text = SanitizeSpeechText(text)
	if text == "" {
		return nil
	}

	conn, err := p.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.CloseNow()

	start, err := p.request(nlsID(), nlsNamespaceSynthesizer, "StartSynthesis", map[string]any{
		"text":        text,
		"format":      p.cfg.SynthesisFormat,
		"sample_rate": p.cfg.SynthesisSampleRate,
		"voice":       p.cfg.Voice,
		"volume":      p.cfg.Volume,
		"speech_rate": p.cfg.SpeechRate,
		"pitch_rate":  p.cfg.PitchRate,
	})
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, start); err != nil {
		return fmt.Errorf("aliyun: start synthesis: %w", err)
	}

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("aliyun: read synthesis: %w", err)
		}
		if typ == websocket.MessageBinary {
			if len(data) == 0 {
				continue
			}
			if err := onChunk(data); err != nil {
				return err
			}
			continue
		}
		var ev nlsEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		switch ev.Header.Name {
		case "SynthesisCompleted":
			_ = conn.Close(websocket.StatusNormalClosure, "synthesis completed")
			return nil
		case "TaskFailed":
			return taskFailure(ev.Header)
		}
	}
}
