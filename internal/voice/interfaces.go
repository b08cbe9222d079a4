package voice

import "context"

type TranscriptEventType string

const (
	TranscriptPartial TranscriptEventType = "partial"
	TranscriptFinal   TranscriptEventType = "final"
	TranscriptError   TranscriptEventType = "error"
)

// TranscriptEvent is one recognizer output. Partial events may be revised by
// later events; a Final event closes a sentence.
type TranscriptEvent struct {
	Type      TranscriptEventType
	Text      string
	Code      string
	Detail    string
	Retryable bool
	Timestamp int64
}

// RecognizerSession is one live streaming recognition session.
type RecognizerSession interface {
	SendAudio(ctx context.Context, frame []byte) error
	// Stop asks the vendor to flush pending results and end the task.
	Stop(ctx context.Context) error
	Close() error
}

// Recognizer starts streaming recognition sessions. The returned channel is
// closed when the session ends for any reason.
type Recognizer interface {
	StartSession(ctx context.Context, sessionID string) (RecognizerSession, <-chan TranscriptEvent, error)
}

// Synthesizer turns a complete text into a complete audio payload. An empty
// result means there is nothing to play.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

type ChunkHandler func(chunk []byte) error

// StreamingSynthesizer additionally delivers audio chunks as the vendor
// produces them.
type StreamingSynthesizer interface {
	Synthesizer
	SynthesizeStream(ctx context.Context, text string, onChunk ChunkHandler) error
}
