package voice

import (
	"context"
	"fmt"
	"sync/atomic"
)

// NewFailoverPair builds a recognizer and synthesizer that prefer the primary
// vendor and switch to the fallback when the primary fails. Once the fallback
// has served a request it stays active until it fails itself; then the
// primary is retried.
func NewFailoverPair(
	primaryRecognizer Recognizer,
	primarySynthesizer Synthesizer,
	fallbackRecognizer Recognizer,
	fallbackSynthesizer Synthesizer,
) (Recognizer, StreamingSynthesizer) {
	state := &failoverState{}
	return &failoverRecognizer{
			state:    state,
			primary:  primaryRecognizer,
			fallback: fallbackRecognizer,
		}, &failoverSynthesizer{
			state:    state,
			primary:  primarySynthesizer,
			fallback: fallbackSynthesizer,
		}
}

type failoverState struct {
	fallbackActive atomic.Bool
}

type failoverRecognizer struct {
	state    *failoverState
	primary  Recognizer
	fallback Recognizer
}

func (p *failoverRecognizer) StartSession(ctx context.Context, sessionID string) (RecognizerSession, <-chan TranscriptEvent, error) {
	first, second := p.primary, p.fallback
	onFallback := p.state.fallbackActive.Load()
	if onFallback {
		first, second = p.fallback, p.primary
	}

	session, events, firstErr := first.StartSession(ctx, sessionID)
	if firstErr == nil {
		return session, events, nil
	}
	session, events, secondErr := second.StartSession(ctx, sessionID)
	if secondErr != nil {
		return nil, nil, fmt.Errorf("recognizer failover: first: %v; second: %w", firstErr, secondErr)
	}
	p.state.fallbackActive.Store(!onFallback)
	return session, events, nil
}

type failoverSynthesizer struct {
	state    *failoverState
	primary  Synthesizer
	fallback Synthesizer
}

func (p *failoverSynthesizer) order() (first, second Synthesizer, onFallback bool) {
	if p.state.fallbackActive.Load() {
		return p.fallback, p.primary, true
	}
	return p.primary, p.fallback, false
}

func (p *failoverSynthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	first, second, onFallback := p.order()
	out, firstErr := first.Synthesize(ctx, text)
	if firstErr == nil {
		return out, nil
	}
	if ctx.Err() != nil {
		return nil, firstErr
	}
	out, secondErr := second.Synthesize(ctx, text)
	if secondErr != nil {
		return nil, fmt.Errorf("synthesizer failover: first: %v; second: %w", firstErr, secondErr)
	}
	p.state.fallbackActive.Store(!onFallback)
	return out, nil
}

// SynthesizeStream only fails over when nothing was delivered yet, so a
// client never hears the same reply twice.
func (p *failoverSynthesizer) SynthesizeStream(ctx context.Context, text string, onChunk ChunkHandler) error {
	first, second, onFallback := p.order()
	delivered := false
	tracked := func(chunk []byte) error {
		delivered = true
		return onChunk(chunk)
	}

	firstErr := synthesizeStream(ctx, first, text, tracked)
	if firstErr == nil || delivered || ctx.Err() != nil {
		return firstErr
	}
	if secondErr := synthesizeStream(ctx, second, text, onChunk); secondErr != nil {
		return fmt.Errorf("synthesizer failover: first: %v; second: %w", firstErr, secondErr)
	}
	p.state.fallbackActive.Store(!onFallback)
	return nil
}

// synthesizeStream streams through s when it supports it and otherwise
// delivers the complete payload as a single chunk.
func synthesizeStream(ctx context.Context, s Synthesizer, text string, onChunk ChunkHandler) error {
	if streaming, ok := s.(StreamingSynthesizer); ok {
		return streaming.SynthesizeStream(ctx, text, onChunk)
	}
	out, err := s.Synthesize(ctx, text)
	if err != nil {
		return err
	}
	if len(out) == 0 {
		return nil
	}
	return onChunk(out)
}

// AsStreaming adapts any Synthesizer to the streaming interface.
func AsStreaming(s Synthesizer) StreamingSynthesizer {
	if streaming, ok := s.(StreamingSynthesizer); ok {
		return streaming
	}
	return chunkedSynthesizer{s}
}

type chunkedSynthesizer struct{ Synthesizer }

func (c chunkedSynthesizer) SynthesizeStream(ctx context.Context, text string, onChunk ChunkHandler) error {
	return synthesizeStream(ctx, c.Synthesizer, text, onChunk)
}
