package agent

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestNewAdapterAutoFallsBackToMock(t *testing.T) {
	a, err := NewAdapter(Config{Mode: "auto"})
	if err != nil {
		t.Fatalf("NewAdapter() error = %v", err)
	}
	if _, ok := a.(*MockAdapter); !ok {
		t.Fatalf("NewAdapter() = %T, want *MockAdapter", a)
	}
}

func TestNewAdapterAutoChainsConfiguredBackends(t *testing.T) {
	a, err := NewAdapter(Config{Mode: "auto", OpenAIAPIKey: "sk-test", HTTPURL: "http://bridge.test"})
	if err != nil {
		t.Fatalf("NewAdapter() error = %v", err)
	}
	fb, ok := a.(*FallbackAdapter)
	if !ok {
		t.Fatalf("NewAdapter() = %T, want *FallbackAdapter", a)
	}
	if _, ok := fb.primary.(*OpenAIAdapter); !ok {
		t.Fatalf("primary = %T, want *OpenAIAdapter", fb.primary)
	}
	if _, ok := fb.fallback.(*HTTPAdapter); !ok {
		t.Fatalf("fallback = %T, want *HTTPAdapter", fb.fallback)
	}
}

func TestNewAdapterRejectsBadModes(t *testing.T) {
	if _, err := NewAdapter(Config{Mode: "http"}); err == nil {
		t.Fatalf("NewAdapter(http) expected error without url")
	}
	if _, err := NewAdapter(Config{Mode: "openai"}); err == nil {
		t.Fatalf("NewAdapter(openai) expected error without api key")
	}
	if _, err := NewAdapter(Config{Mode: "telepathy"}); err == nil {
		t.Fatalf("NewAdapter(telepathy) expected error")
	}
}

func TestMockAdapterStreamsSeveralFragments(t *testing.T) {
	var fragments []string
	resp, err := NewMockAdapter().StreamResponse(context.Background(), MessageRequest{InputText: "天气怎么样"}, func(d string) error {
		fragments = append(fragments, d)
		return nil
	})
	if err != nil {
		t.Fatalf("StreamResponse() error = %v", err)
	}
	if len(fragments) < 2 {
		t.Fatalf("fragments = %v, want several", fragments)
	}
	if strings.Join(fragments, "") != resp.Text {
		t.Fatalf("joined fragments %q != resp.Text %q", strings.Join(fragments, ""), resp.Text)
	}
	if !strings.Contains(resp.Text, "天气怎么样") {
		t.Fatalf("unexpected reply: %q", resp.Text)
	}
}

func TestFallbackAdapterUsesFallback(t *testing.T) {
	a := NewFallbackAdapter(errAdapter{}, okAdapter{text: "fallback"})
	resp, err := a.StreamResponse(context.Background(), MessageRequest{InputText: "x"}, nil)
	if err != nil {
		t.Fatalf("StreamResponse() error = %v", err)
	}
	if resp.Text != "fallback" {
		t.Fatalf("resp.Text = %q, want fallback", resp.Text)
	}
}

func TestFallbackAdapterSkipsFallbackOnCanceledContext(t *testing.T) {
	fb := &countingAdapter{text: "fallback"}
	a := NewFallbackAdapter(cancelAdapter{}, fb)
	_, err := a.StreamResponse(context.Background(), MessageRequest{InputText: "x"}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if fb.calls != 0 {
		t.Fatalf("fallback should not be called, calls = %d", fb.calls)
	}
}

func TestFallbackAdapterSkipsFallbackAfterDelta(t *testing.T) {
	fb := &countingAdapter{text: "fallback"}
	a := NewFallbackAdapter(partialAdapter{}, fb)
	var got []string
	_, err := a.StreamResponse(context.Background(), MessageRequest{InputText: "x"}, func(d string) error {
		got = append(got, d)
		return nil
	})
	if err == nil {
		t.Fatalf("StreamResponse() expected primary error")
	}
	if fb.calls != 0 || len(got) != 1 {
		t.Fatalf("fallback calls = %d, deltas = %v", fb.calls, got)
	}
}

type errAdapter struct{}

func (errAdapter) StreamResponse(context.Context, MessageRequest, DeltaHandler) (MessageResponse, error) {
	return MessageResponse{}, errors.New("boom")
}

type okAdapter struct {
	text string
}

func (a okAdapter) StreamResponse(context.Context, MessageRequest, DeltaHandler) (MessageResponse, error) {
	return MessageResponse{Text: a.text}, nil
}

type cancelAdapter struct{}

func (cancelAdapter) StreamResponse(context.Context, MessageRequest, DeltaHandler) (MessageResponse, error) {
	return MessageResponse{}, context.Canceled
}

type partialAdapter struct{}

func (partialAdapter) StreamResponse(_ context.Context, _ MessageRequest, onDelta DeltaHandler) (MessageResponse, error) {
	_ = onDelta("half")
	return MessageResponse{}, errors.New("connection reset")
}

type countingAdapter struct {
	text  string
	calls int
}

func (a *countingAdapter) StreamResponse(context.Context, MessageRequest, DeltaHandler) (MessageResponse, error) {
	a.calls++
	return MessageResponse{Text: a.text}, nil
}
