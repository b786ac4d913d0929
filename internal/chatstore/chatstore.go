// Package chatstore persists chat messages for generation sessions.
package chatstore

import (
	"context"
	"errors"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Part is one content fragment of a message.
type Part struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Attachment references an uploaded file linked to a message.
type Attachment struct {
	Name        string `json:"name,omitempty"`
	URL         string `json:"url"`
	ContentType string `json:"content_type,omitempty"`
}

// Message is one persisted chat message.
type Message struct {
	ID          string       `json:"id"`
	ChatID      string       `json:"chat_id"`
	Role        Role         `json:"role"`
	Parts       []Part       `json:"parts,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	ModelID     string       `json:"model_id,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// Text concatenates the text parts of the message.
func (m Message) Text() string {
	out := ""
	for _, p := range m.Parts {
		out += p.Text
	}
	return out
}

// ErrNotFound is returned when a message id does not resolve.
var ErrNotFound = errors.New("chatstore: message not found")

// Store defines message persistence.
//
// SaveMessages skips ids that already exist instead of failing, so the
// error-path salvage save can safely retry a batch that partially landed.
// It returns the messages that were actually inserted.
type Store interface {
	SaveMessages(ctx context.Context, messages []Message) ([]Message, error)
	MessageByID(ctx context.Context, id string) (Message, error)
	ListByChat(ctx context.Context, chatID string, limit int) ([]Message, error)
	Close() error
}
