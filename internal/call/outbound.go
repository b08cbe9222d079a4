package call

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ent0n29/voicecall/internal/protocol"
)

// Sender is the outbound half of a session as seen by a turn.
type Sender interface {
	SendControl(msg protocol.ControlMessage)
	SendAudio(payload []byte)
}

// OutboundChannel queues frames for the connection's single writer. Sends
// never block the caller past the send timeout and become no-ops once the
// channel is closed.
type OutboundChannel struct {
	frames      chan protocol.Frame
	done        chan struct{}
	closed      atomic.Bool
	closeOnce   sync.Once
	sendTimeout time.Duration

	// OnDrop, when set, is called with the frame label and a reason for
	// every frame that was not queued.
	OnDrop func(label, reason string)
}

func NewOutboundChannel(buffer int, sendTimeout time.Duration) *OutboundChannel {
	if buffer <= 0 {
		buffer = 64
	}
	if sendTimeout <= 0 {
		sendTimeout = 2 * time.Second
	}
	return &OutboundChannel{
		frames:      make(chan protocol.Frame, buffer),
		done:        make(chan struct{}),
		sendTimeout: sendTimeout,
	}
}

func (o *OutboundChannel) SendControl(msg protocol.ControlMessage) {
	o.send(protocol.ControlFrame(msg))
}

// SendText queues a raw text frame with no control prefix.
func (o *OutboundChannel) SendText(text string) {
	o.send(protocol.Frame{Text: text})
}

func (o *OutboundChannel) SendAudio(payload []byte) {
	if len(payload) == 0 {
		return
	}
	o.send(protocol.AudioFrame(payload))
}

func (o *OutboundChannel) send(f protocol.Frame) {
	if o.closed.Load() {
		o.drop(f, "closed")
		return
	}
	select {
	case o.frames <- f:
		return
	case <-o.done:
		o.drop(f, "closed")
		return
	default:
	}

	timer := time.NewTimer(o.sendTimeout)
	defer timer.Stop()
	select {
	case o.frames <- f:
	case <-o.done:
		o.drop(f, "closed")
	case <-timer.C:
		o.drop(f, "send_timeout")
	}
}

func (o *OutboundChannel) drop(f protocol.Frame, reason string) {
	if o.OnDrop != nil {
		o.OnDrop(f.Label(), reason)
	}
}

// Frames is consumed by the connection writer. It is never closed; writers
// also select on Done.
func (o *OutboundChannel) Frames() <-chan protocol.Frame {
	return o.frames
}

func (o *OutboundChannel) Done() <-chan struct{} {
	return o.done
}

func (o *OutboundChannel) Closed() bool {
	return o.closed.Load()
}

// Close stops all further sends. It is safe to call more than once.
func (o *OutboundChannel) Close() {
	o.closeOnce.Do(func() {
		o.closed.Store(true)
		close(o.done)
	})
}
