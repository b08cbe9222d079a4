package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// Kind identifies the prefix of an outbound text control frame.
type Kind string

const (
	KindUserFinal   Kind = "USER_FINAL"
	KindUserInterim Kind = "USER_INTERIM"
	KindAIInterim   Kind = "AI_INTERIM"
	KindState       Kind = "STATE"
)

// State is the value carried by a STATE control frame.
type State string

const (
	StateThinking State = "AI_THINKING"
	StateWaiting  State = "AI_WAIT_5S"
	StateSpeaking State = "AI_SPEAKING"
	StateSilent   State = "AI_SILENT"
	StateError    State = "AI_ERROR"
)

var (
	ErrUnsupportedType = errors.New("unsupported message type")
	ErrUnknownState    = errors.New("unknown state")
)

// ControlMessage is a text frame of the form "<KIND>:<text>".
type ControlMessage struct {
	Kind Kind
	Text string
}

func UserFinal(text string) ControlMessage   { return ControlMessage{Kind: KindUserFinal, Text: text} }
func UserInterim(text string) ControlMessage { return ControlMessage{Kind: KindUserInterim, Text: text} }
func AIInterim(text string) ControlMessage   { return ControlMessage{Kind: KindAIInterim, Text: text} }
func StateChange(s State) ControlMessage     { return ControlMessage{Kind: KindState, Text: string(s)} }

// Encode renders the wire form of the message.
func (m ControlMessage) Encode() string {
	return string(m.Kind) + ":" + m.Text
}

// IsState reports whether m is a STATE frame carrying s.
func (m ControlMessage) IsState(s State) bool {
	return m.Kind == KindState && m.Text == string(s)
}

// ParseControl decodes a text frame produced by Encode.
func ParseControl(raw string) (ControlMessage, error) {
	prefix, text, ok := strings.Cut(raw, ":")
	if !ok {
		return ControlMessage{}, fmt.Errorf("invalid control frame %q: missing separator", raw)
	}
	kind := Kind(prefix)
	switch kind {
	case KindUserFinal, KindUserInterim, KindAIInterim:
		return ControlMessage{Kind: kind, Text: text}, nil
	case KindState:
		switch State(text) {
		case StateThinking, StateWaiting, StateSpeaking, StateSilent, StateError:
			return ControlMessage{Kind: kind, Text: text}, nil
		default:
			return ControlMessage{}, fmt.Errorf("%w: %q", ErrUnknownState, text)
		}
	default:
		return ControlMessage{}, fmt.Errorf("%w: %q", ErrUnsupportedType, prefix)
	}
}

// Frame is one outbound websocket message: either a control text frame or a
// binary audio payload.
type Frame struct {
	Binary bool
	Text   string
	Data   []byte
}

func ControlFrame(m ControlMessage) Frame { return Frame{Text: m.Encode()} }
func AudioFrame(audio []byte) Frame      { return Frame{Binary: true, Data: audio} }

// Label returns a low-cardinality name for metrics.
func (f Frame) Label() string {
	if f.Binary {
		return "audio"
	}
	prefix, _, _ := strings.Cut(f.Text, ":")
	switch Kind(prefix) {
	case KindUserFinal, KindUserInterim, KindAIInterim, KindState:
		return strings.ToLower(prefix)
	default:
		return "text"
	}
}
