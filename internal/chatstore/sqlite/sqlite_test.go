package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/agentbazaar/metering/internal/chatstore"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSaveAndFetchRoundTrip(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	msg := chatstore.Message{
		ID:     "m1",
		ChatID: "c1",
		Role:   chatstore.RoleAssistant,
		Parts: []chatstore.Part{
			{Type: "text", Text: "hello "},
			{Type: "text", Text: "world"},
		},
		Attachments: []chatstore.Attachment{{Name: "doc.pdf", URL: "files/doc.pdf", ContentType: "application/pdf"}},
		ModelID:     "echo-large",
	}
	inserted, err := store.SaveMessages(ctx, []chatstore.Message{msg})
	if err != nil {
		t.Fatalf("SaveMessages: %v", err)
	}
	if len(inserted) != 1 {
		t.Fatalf("expected 1 inserted, got %d", len(inserted))
	}

	got, err := store.MessageByID(ctx, "m1")
	if err != nil {
		t.Fatalf("MessageByID: %v", err)
	}
	if got.Text() != "hello world" {
		t.Fatalf("text: %q", got.Text())
	}
	if len(got.Attachments) != 1 || got.Attachments[0].URL != "files/doc.pdf" {
		t.Fatalf("attachments lost: %+v", got.Attachments)
	}
	if got.ModelID != "echo-large" {
		t.Fatalf("model id: %q", got.ModelID)
	}
}

func TestSaveMessagesDeduplicates(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	first := chatstore.Message{ID: "m1", ChatID: "c1", Role: chatstore.RoleUser, Parts: []chatstore.Part{{Type: "text", Text: "hi"}}}
	if _, err := store.SaveMessages(ctx, []chatstore.Message{first}); err != nil {
		t.Fatalf("SaveMessages: %v", err)
	}

	// Re-running a salvage batch containing an already-saved id must not
	// duplicate the row or fail.
	batch := []chatstore.Message{
		first,
		{ID: "m2", ChatID: "c1", Role: chatstore.RoleAssistant, Parts: []chatstore.Part{{Type: "text", Text: "partial"}}},
	}
	inserted, err := store.SaveMessages(ctx, batch)
	if err != nil {
		t.Fatalf("SaveMessages: %v", err)
	}
	if len(inserted) != 1 || inserted[0].ID != "m2" {
		t.Fatalf("expected only m2 inserted, got %+v", inserted)
	}

	msgs, err := store.ListByChat(ctx, "c1", 0)
	if err != nil {
		t.Fatalf("ListByChat: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 rows after dedupe, got %d", len(msgs))
	}
}

func TestMessageByIDNotFound(t *testing.T) {
	store := newStore(t)
	_, err := store.MessageByID(context.Background(), "missing")
	if !errors.Is(err, chatstore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
