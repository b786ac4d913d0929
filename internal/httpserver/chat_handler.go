package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/agentbazaar/metering/internal/chatstore"
	"github.com/agentbazaar/metering/internal/identity"
	"github.com/agentbazaar/metering/internal/ledger"
	"github.com/agentbazaar/metering/internal/provider"
	"github.com/agentbazaar/metering/internal/session"
)

const historyLimit = 50

type chatRequest struct {
	AgentID     string                 `json:"agent_id"`
	ChatID      string                 `json:"chat_id"`
	Message     string                 `json:"message"`
	Attachments []chatstore.Attachment `json:"attachments,omitempty"`
}

// streamEvent is one server-sent data frame of the chat response.
type streamEvent struct {
	Type      string          `json:"type"`
	Delta     string          `json:"delta,omitempty"`
	MessageID string          `json:"message_id,omitempty"`
	Usage     *provider.Usage `json:"usage,omitempty"`

	Error string             `json:"error,omitempty"`
	Tally *ledger.TokenUsage `json:"tally,omitempty"`
}

// handleChat runs one metered generation turn: authenticate, gate, persist
// the user message, stream the provider output and settle the ledger.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	user, ok := userFrom(r.Context())
	if !ok {
		s.respondError(w, http.StatusUnauthorized, identity.ErrUnauthorized)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if req.AgentID == "" || req.ChatID == "" || req.Message == "" {
		s.respondError(w, http.StatusBadRequest, errors.New("agent_id, chat_id and message are required"))
		return
	}

	agent, ok := s.catalog.AgentByID(req.AgentID)
	if !ok {
		s.respondError(w, http.StatusNotFound, fmt.Errorf("unknown agent %q", req.AgentID))
		return
	}

	allowed, err := s.gate.HasCredits(r.Context(), user.ID)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	if !allowed {
		s.metrics.RecordGateDenial()
		s.respondError(w, http.StatusPaymentRequired, errors.New("insufficient credits"))
		return
	}

	history, err := s.messages.ListByChat(r.Context(), req.ChatID, historyLimit)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}

	sess, err := s.controller.Begin(r.Context(), session.Params{
		UserID:    user.ID,
		ChatID:    req.ChatID,
		AgentID:   req.AgentID,
		ModelID:   agent.ModelID,
		CreatorID: agent.CreatorID,
		UserMessage: chatstore.Message{
			Parts:       []chatstore.Part{{Type: "text", Text: req.Message}},
			Attachments: req.Attachments,
		},
	})
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}

	preq := provider.Request{
		Model:    agent.ModelID,
		System:   agent.SystemPrompt,
		Messages: providerMessages(history, req.Message),
	}
	events, err := s.provider.StreamChat(r.Context(), preq)
	if err != nil {
		report := sess.Fail(err)
		s.logf("chat: provider stream failed user_id=%s agent_id=%s: %v", user.ID, req.AgentID, err)
		s.respondJSON(w, http.StatusBadGateway, report)
		return
	}

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for ev := range events {
		switch {
		case ev.Err != nil:
			report := sess.Fail(ev.Err)
			s.writeEvent(w, flusher, streamEvent{Type: "error", Error: report.Message, Tally: &report.Tally})
			s.metrics.RecordRequestError("chat")
			return
		case ev.Done != nil:
			if err := sess.Finish(r.Context(), *ev.Done); err != nil {
				report := sess.Fail(err)
				s.writeEvent(w, flusher, streamEvent{Type: "error", Error: report.Message, Tally: &report.Tally})
				s.metrics.RecordRequestError("chat")
				return
			}
			tally := sess.Tally()
			s.writeEvent(w, flusher, streamEvent{
				Type:      "done",
				MessageID: ev.Done.MessageID,
				Usage: &provider.Usage{
					PromptTokens:     tally.PromptTokens,
					CompletionTokens: tally.CompletionTokens,
					TotalTokens:      tally.TotalTokens,
				},
			})
			s.writeRaw(w, flusher, "data: [DONE]\n\n")
			s.metrics.RecordRequest("chat", time.Since(start))
			return
		case ev.Usage != nil:
			sess.ObserveUsage(*ev.Usage)
		case ev.Delta != "":
			sess.ObserveDelta(ev.Delta)
			s.writeEvent(w, flusher, streamEvent{Type: "delta", Delta: ev.Delta})
		}
	}

	// Channel closed without a terminal event: treat as an aborted stream.
	report := sess.Fail(errors.New("stream ended without completion"))
	s.writeEvent(w, flusher, streamEvent{Type: "error", Error: report.Message, Tally: &report.Tally})
	s.metrics.RecordRequestError("chat")
}

func (s *Server) writeEvent(w http.ResponseWriter, flusher http.Flusher, ev streamEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		s.logf("chat: marshal stream event: %v", err)
		return
	}
	s.writeRaw(w, flusher, "data: "+string(payload)+"\n\n")
}

func (s *Server) writeRaw(w http.ResponseWriter, flusher http.Flusher, frame string) {
	if _, err := fmt.Fprint(w, frame); err != nil {
		s.logf("chat: write frame: %v", err)
		return
	}
	if flusher != nil {
		flusher.Flush()
	}
}

// providerMessages converts stored history plus the new user text into the
// provider wire shape. Attachments are not forwarded; the provider contract
// is text only.
func providerMessages(history []chatstore.Message, userText string) []provider.Message {
	out := make([]provider.Message, 0, len(history)+1)
	for _, m := range history {
		text := m.Text()
		if text == "" {
			continue
		}
		out = append(out, provider.Message{Role: string(m.Role), Content: text})
	}
	out = append(out, provider.Message{Role: string(chatstore.RoleUser), Content: userText})
	return out
}
