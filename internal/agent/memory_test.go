package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/ent0n29/voicecall/internal/memory"
)

type recordingAdapter struct {
	got MessageRequest
}

func (a *recordingAdapter) StreamResponse(_ context.Context, req MessageRequest, _ DeltaHandler) (MessageResponse, error) {
	a.got = req
	return MessageResponse{Text: "reply to " + req.InputText}, nil
}

func TestMemoryAdapterLoadsHistoryAndSavesExchange(t *testing.T) {
	store := memory.NewInMemoryStore(0)
	ctx := context.Background()
	_ = store.SaveTurn(ctx, memory.TurnRecord{ConversationID: "c1", Role: memory.RoleUser, Content: "earlier"})

	next := &recordingAdapter{}
	a := NewMemoryAdapter(next, store, 10, nil)
	if _, err := a.StreamResponse(ctx, MessageRequest{ConversationID: "c1", TurnID: "t1", InputText: "now"}, nil); err != nil {
		t.Fatalf("StreamResponse() error = %v", err)
	}

	if len(next.got.History) != 1 || next.got.History[0].Content != "earlier" {
		t.Fatalf("history = %+v, want the earlier message", next.got.History)
	}

	records, _ := store.RecentContext(ctx, "c1", 10)
	if len(records) != 3 {
		t.Fatalf("records = %d, want 3", len(records))
	}
	if records[1].Role != memory.RoleUser || records[2].Role != memory.RoleAssistant || records[2].Content != "reply to now" {
		t.Fatalf("unexpected saved records: %+v", records)
	}
}

type failingStore struct{ *memory.InMemoryStore }

func (failingStore) RecentContext(context.Context, string, int) ([]memory.TurnRecord, error) {
	return nil, errors.New("store down")
}

func (failingStore) SaveTurn(context.Context, memory.TurnRecord) error {
	return errors.New("store down")
}

func TestMemoryAdapterIgnoresStoreFailures(t *testing.T) {
	a := NewMemoryAdapter(&recordingAdapter{}, failingStore{memory.NewInMemoryStore(0)}, 10, nil)
	resp, err := a.StreamResponse(context.Background(), MessageRequest{ConversationID: "c1", InputText: "hi"}, nil)
	if err != nil {
		t.Fatalf("StreamResponse() error = %v", err)
	}
	if resp.Text != "reply to hi" {
		t.Fatalf("resp.Text = %q", resp.Text)
	}
}
