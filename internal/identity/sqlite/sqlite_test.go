package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/agentbazaar/metering/internal/identity"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "identity.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestAPIKeyRoundTrip(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	user, err := store.CreateUser(ctx, "Creator@Example.com", "Creator")
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if user.Email != "creator@example.com" {
		t.Fatalf("email should be normalized, got %q", user.Email)
	}

	key, err := store.IssueAPIKey(ctx, user.ID)
	if err != nil {
		t.Fatalf("IssueAPIKey: %v", err)
	}
	got, err := store.UserByAPIKey(ctx, key)
	if err != nil {
		t.Fatalf("UserByAPIKey: %v", err)
	}
	if got.ID != user.ID {
		t.Fatalf("resolved wrong user: %s vs %s", got.ID, user.ID)
	}
}

func TestUnknownKeyIsUnauthorized(t *testing.T) {
	store := newStore(t)
	_, err := store.UserByAPIKey(context.Background(), "ab-bogus")
	if !errors.Is(err, identity.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	_, err = store.UserByAPIKey(context.Background(), "")
	if !errors.Is(err, identity.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for empty key, got %v", err)
	}
}
