// Package loopback fabricates deterministic generation streams for local
// runs and tests of the metering pipeline.
package loopback

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/agentbazaar/metering/internal/provider"
)

// Ensure Provider implements ChatProvider.
var _ provider.ChatProvider = (*Provider)(nil)

// Provider echoes the last user message back in small deltas, reporting
// usage the way a real provider would.
type Provider struct {
	// ChunkSize controls how many characters each delta carries.
	ChunkSize int
}

// New creates a loopback provider.
func New() *Provider {
	return &Provider{ChunkSize: 16}
}

// StreamChat fabricates a stream for the request.
func (p *Provider) StreamChat(ctx context.Context, req provider.Request) (<-chan provider.Event, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("no messages provided")
	}
	last := req.Messages[len(req.Messages)-1]
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if strings.ToLower(req.Messages[i].Role) == "user" {
			last = req.Messages[i]
			break
		}
	}
	reply := "[loopback] " + strings.TrimSpace(last.Content)
	chunkSize := p.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 16
	}

	promptTokens := int64(len(req.Messages) * 10)
	completionTokens := int64(len(reply)/4 + 1)

	ch := make(chan provider.Event)
	go func() {
		defer close(ch)
		var sent int64
		for start := 0; start < len(reply); start += chunkSize {
			end := start + chunkSize
			if end > len(reply) {
				end = len(reply)
			}
			sent = int64(end/4 + 1)
			select {
			case <-ctx.Done():
				ch <- provider.Event{Err: ctx.Err()}
				return
			case ch <- provider.Event{Delta: reply[start:end], Usage: &provider.Usage{
				PromptTokens:     promptTokens,
				CompletionTokens: sent,
				TotalTokens:      promptTokens + sent,
			}}:
			}
		}
		usage := provider.Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		}
		select {
		case <-ctx.Done():
			ch <- provider.Event{Err: ctx.Err()}
		case ch <- provider.Event{Done: &provider.Done{MessageID: uuid.NewString(), Usage: &usage}}:
		}
	}()
	return ch, nil
}
