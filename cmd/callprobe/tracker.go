package main

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/voicecall/internal/protocol"
)

// turnReport is the client-side view of one turn, measured from USER_FINAL.
type turnReport struct {
	Input      string
	Reply      string
	Failed     bool
	FirstDelta time.Duration
	FirstAudio time.Duration
	Total      time.Duration
	AudioBytes int
}

func (r turnReport) String() string {
	status := "ok"
	if r.Failed {
		status = "error"
	}
	return fmt.Sprintf("turn %s input=%q first_delta=%s first_audio=%s total=%s audio_bytes=%d",
		status, r.Input, ms(r.FirstDelta), ms(r.FirstAudio), ms(r.Total), r.AudioBytes)
}

// tracker folds the outbound frame stream into turn reports.
type tracker struct {
	now func() time.Time

	mu      sync.Mutex
	active  bool
	started time.Time
	reply   strings.Builder
	report  turnReport
}

func newTracker(now func() time.Time) *tracker {
	if now == nil {
		now = time.Now
	}
	return &tracker{now: now}
}

func (t *tracker) audio(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active || n == 0 {
		return
	}
	if t.report.AudioBytes == 0 {
		t.report.FirstAudio = t.now().Sub(t.started)
	}
	t.report.AudioBytes += n
}

// control returns a finished report when msg closes the active turn.
func (t *tracker) control(msg protocol.ControlMessage) (turnReport, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case msg.Kind == protocol.KindUserFinal:
		t.active = true
		t.started = t.now()
		t.reply.Reset()
		t.report = turnReport{Input: msg.Text}
	case !t.active:
	case msg.Kind == protocol.KindAIInterim:
		if t.reply.Len() == 0 {
			t.report.FirstDelta = t.now().Sub(t.started)
		}
		t.reply.WriteString(msg.Text)
	case msg.IsState(protocol.StateError):
		t.report.Failed = true
	case msg.IsState(protocol.StateSilent):
		t.active = false
		t.report.Reply = t.reply.String()
		t.report.Total = t.now().Sub(t.started)
		return t.report, true
	}
	return turnReport{}, false
}

func summarize(reports []turnReport) string {
	if len(reports) == 0 {
		return "callprobe: no turns"
	}
	totals := make([]time.Duration, 0, len(reports))
	audios := make([]time.Duration, 0, len(reports))
	failed := 0
	for _, r := range reports {
		if r.Failed {
			failed++
			continue
		}
		totals = append(totals, r.Total)
		if r.AudioBytes > 0 {
			audios = append(audios, r.FirstAudio)
		}
	}
	return fmt.Sprintf("callprobe: turns=%d failed=%d total_p50=%s total_max=%s first_audio_p50=%s",
		len(reports), failed, ms(percentile(totals, 0.5)), ms(percentile(totals, 1)), ms(percentile(audios, 0.5)))
}

func percentile(values []time.Duration, p float64) time.Duration {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(p*float64(len(sorted)-1) + 0.5)
	return sorted[idx]
}

func ms(d time.Duration) string {
	return fmt.Sprintf("%dms", d.Milliseconds())
}
