// Package session supervises one streaming chat turn: it buffers the running
// token tally, commits messages, and settles billing on both the normal and
// the error path.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentbazaar/metering/internal/billing"
	"github.com/agentbazaar/metering/internal/chatstore"
	"github.com/agentbazaar/metering/internal/ledger"
	"github.com/agentbazaar/metering/internal/metrics"
	"github.com/agentbazaar/metering/internal/pricing"
	"github.com/agentbazaar/metering/internal/provider"
)

// ErrMissingAssistantMessage is returned when a stream finishes without a
// resolvable assistant message id.
var ErrMissingAssistantMessage = errors.New("session: assistant message id missing on completion")

// State tracks the lifecycle of one chat turn.
type State string

const (
	StateIdle               State = "idle"
	StateAwaitingFirstToken State = "awaiting-first-token"
	StateStreaming          State = "streaming"
	StateFinished           State = "finished"
	StateErrored            State = "errored"
)

// Recorder is the slice of the billing recorder the controller needs.
type Recorder interface {
	RecordTransaction(ctx context.Context, p billing.RecordParams) ([]ledger.Transaction, error)
}

// RateSource resolves model pricing.
type RateSource interface {
	RatesFor(modelID string) pricing.Rates
}

// Controller builds sessions. One controller serves all requests; each
// session carries its own tally so turns stay independent.
type Controller struct {
	messages chatstore.Store
	recorder Recorder
	rates    RateSource
	metrics  *metrics.Collector
	logger   *log.Logger

	// salvageTimeout bounds the detached error-path writes.
	salvageTimeout time.Duration

	// wg tracks detached salvage goroutines so Close can drain them.
	wg sync.WaitGroup
}

// NewController creates a Controller.
func NewController(messages chatstore.Store, recorder Recorder, rates RateSource) *Controller {
	return &Controller{
		messages:       messages,
		recorder:       recorder,
		rates:          rates,
		logger:         log.New(log.Writer(), "[session] ", log.LstdFlags|log.Lmicroseconds),
		salvageTimeout: 10 * time.Second,
	}
}

// SetLogger overrides the default logger; nil keeps the current logger.
func (c *Controller) SetLogger(logger *log.Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// SetMetrics attaches an optional metrics collector.
func (c *Controller) SetMetrics(m *metrics.Collector) {
	c.metrics = m
}

// Close waits for detached salvage work to drain.
func (c *Controller) Close() error {
	c.wg.Wait()
	return nil
}

// Params describes one chat turn.
type Params struct {
	UserID    string
	ChatID    string
	AgentID   string
	ModelID   string
	CreatorID string // creator of the agent; equals UserID for self usage

	UserMessage chatstore.Message
}

// Session is the explicit per-turn context. It is not safe for concurrent
// use; the single consumer of the provider stream drives it.
type Session struct {
	ctrl  *Controller
	p     Params
	state State

	tally       ledger.TokenUsage
	text        strings.Builder
	assistantID string
	startedAt   time.Time
}

// Begin persists the user message and opens a session. The credit gate must
// already have passed.
func (c *Controller) Begin(ctx context.Context, p Params) (*Session, error) {
	if p.UserID == "" {
		return nil, fmt.Errorf("%w: user id required", ledger.ErrValidation)
	}
	msg := p.UserMessage
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.ChatID = p.ChatID
	msg.Role = chatstore.RoleUser
	if _, err := c.messages.SaveMessages(ctx, []chatstore.Message{msg}); err != nil {
		return nil, fmt.Errorf("persist user message: %w", err)
	}
	p.UserMessage = msg
	return &Session{
		ctrl:      c,
		p:         p,
		state:     StateAwaitingFirstToken,
		startedAt: time.Now(),
	}, nil
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return s.state
}

// Tally returns a copy of the running token tally.
func (s *Session) Tally() ledger.TokenUsage {
	return s.tally
}

// ObserveDelta accumulates assistant output. Content is buffered in memory
// only; nothing is persisted until the turn completes or fails.
func (s *Session) ObserveDelta(delta string) {
	if s.state == StateAwaitingFirstToken {
		s.state = StateStreaming
	}
	s.text.WriteString(delta)
}

// ObserveUsage replaces the tally with the latest provider-reported
// cumulative snapshot.
func (s *Session) ObserveUsage(u provider.Usage) {
	if s.state == StateAwaitingFirstToken {
		s.state = StateStreaming
	}
	s.tally = ledger.TokenUsage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
}

// Finish handles normal stream completion. The assistant message id must be
// present; its absence is the only fatal condition. Message persistence and
// billing each fail independently: the response has already been streamed,
// so neither failure propagates.
func (s *Session) Finish(ctx context.Context, done provider.Done) error {
	if done.MessageID == "" {
		s.state = StateErrored
		return ErrMissingAssistantMessage
	}
	s.assistantID = done.MessageID
	if done.Usage != nil {
		s.tally = ledger.TokenUsage{
			PromptTokens:     done.Usage.PromptTokens,
			CompletionTokens: done.Usage.CompletionTokens,
			TotalTokens:      done.Usage.TotalTokens,
		}
	}

	if err := s.persistAssistant(ctx); err != nil {
		s.ctrl.logger.Printf("finish: persist assistant message failed chat_id=%s: %v", s.p.ChatID, err)
	}

	if done.Usage != nil {
		if err := s.bill(ctx, ""); err != nil {
			s.ctrl.logger.Printf("finish: billing failed user_id=%s: %v", s.p.UserID, err)
			s.ctrl.metrics.RecordBillingFailure()
		}
	}

	s.state = StateFinished
	return nil
}

// ErrorReport is what the HTTP layer renders when a stream dies mid-flight.
// The tally is included for transparency.
type ErrorReport struct {
	Message string            `json:"message"`
	Tally   ledger.TokenUsage `json:"tally"`
}

// Fail handles abnormal termination: provider error, network failure or
// client cancellation. Salvage accounting runs detached with its own error
// boundary; the request path returns immediately with the report.
func (s *Session) Fail(cause error) ErrorReport {
	s.state = StateErrored
	msg := "generation failed"
	if cause != nil {
		msg = cause.Error()
	}
	s.ctrl.logger.Printf("stream error chat_id=%s tally=%d/%d: %s",
		s.p.ChatID, s.tally.PromptTokens, s.tally.CompletionTokens, msg)

	tally := s.tally
	text := s.text.String()
	assistantID := s.assistantID
	if assistantID == "" {
		assistantID = uuid.NewString()
	}

	s.ctrl.wg.Add(1)
	go s.salvage(tally, text, assistantID)

	return ErrorReport{Message: msg, Tally: tally}
}

// salvage performs the best-effort error-path writes. Never propagates:
// failures are logged and suppressed so a billing hiccup cannot hang or
// crash the request that already returned.
func (s *Session) salvage(tally ledger.TokenUsage, text, assistantID string) {
	defer s.ctrl.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			s.ctrl.logger.Printf("salvage: panic suppressed: %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.ctrl.salvageTimeout)
	defer cancel()

	if tally.PromptTokens > 0 || tally.CompletionTokens > 0 {
		s.ctrl.metrics.RecordSalvage()
		if err := s.billSalvage(ctx, tally, assistantID); err != nil {
			s.ctrl.logger.Printf("salvage: billing failed user_id=%s: %v", s.p.UserID, err)
			s.ctrl.metrics.RecordBillingFailure()
		}
	}

	// Persist whatever assistant output accumulated before the error. The
	// store skips ids that already landed, so a batch that partially
	// committed earlier cannot double-insert.
	if text != "" {
		batch := []chatstore.Message{{
			ID:      assistantID,
			ChatID:  s.p.ChatID,
			Role:    chatstore.RoleAssistant,
			Parts:   []chatstore.Part{{Type: "text", Text: text}},
			ModelID: s.p.ModelID,
		}}
		if _, err := s.ctrl.messages.SaveMessages(ctx, batch); err != nil {
			s.ctrl.logger.Printf("salvage: persist fragments failed chat_id=%s: %v", s.p.ChatID, err)
		}
	}
}

func (s *Session) persistAssistant(ctx context.Context) error {
	batch := []chatstore.Message{{
		ID:      s.assistantID,
		ChatID:  s.p.ChatID,
		Role:    chatstore.RoleAssistant,
		Parts:   []chatstore.Part{{Type: "text", Text: s.text.String()}},
		ModelID: s.p.ModelID,
	}}
	_, err := s.ctrl.messages.SaveMessages(ctx, batch)
	return err
}

func (s *Session) bill(ctx context.Context, descriptionSuffix string) error {
	return s.billUsage(ctx, s.tally, s.assistantID, descriptionSuffix)
}

func (s *Session) billSalvage(ctx context.Context, tally ledger.TokenUsage, assistantID string) error {
	return s.billUsage(ctx, tally, assistantID, " (partial, stream aborted)")
}

func (s *Session) billUsage(ctx context.Context, tally ledger.TokenUsage, messageID, descriptionSuffix string) error {
	if tally.PromptTokens <= 0 && tally.CompletionTokens <= 0 {
		return nil
	}
	kind := ledger.KindUsage
	if s.p.CreatorID != "" && s.p.CreatorID == s.p.UserID {
		kind = ledger.KindSelfUsage
	}
	rates := s.ctrl.rates.RatesFor(s.p.ModelID)

	params := billing.RecordParams{
		UserID:      s.p.UserID,
		Kind:        kind,
		Usage:       &tally,
		Rates:       &rates,
		Description: "chat generation" + descriptionSuffix,
	}
	if s.p.AgentID != "" {
		agentID := s.p.AgentID
		params.AgentID = &agentID
	}
	if s.p.ModelID != "" {
		modelID := s.p.ModelID
		params.ModelID = &modelID
	}
	if messageID != "" {
		params.MessageID = &messageID
	}

	if _, err := s.ctrl.recorder.RecordTransaction(ctx, params); err != nil {
		return err
	}
	s.ctrl.metrics.RecordTokens(s.p.ModelID, s.p.UserID, tally.PromptTokens, tally.CompletionTokens)
	return nil
}
