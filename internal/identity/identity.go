// Package identity supplies the auth context: API keys resolve to users.
package identity

import (
	"context"
	"errors"
	"time"
)

// ErrUnauthorized is returned when an API key does not resolve to a user.
// Callers branch on this sentinel, never on error text.
var ErrUnauthorized = errors.New("identity: unauthorized")

// User is a registered marketplace user.
type User struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store defines identity persistence.
type Store interface {
	CreateUser(ctx context.Context, email, displayName string) (User, error)
	UserByID(ctx context.Context, id string) (User, error)
	UserByAPIKey(ctx context.Context, key string) (User, error)
	IssueAPIKey(ctx context.Context, userID string) (string, error)
	Close() error
}
