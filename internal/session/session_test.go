package session

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/agentbazaar/metering/internal/billing"
	"github.com/agentbazaar/metering/internal/chatstore"
	"github.com/agentbazaar/metering/internal/ledger"
	"github.com/agentbazaar/metering/internal/pricing"
	"github.com/agentbazaar/metering/internal/provider"
)

type fakeMessages struct {
	mu      sync.Mutex
	saved   map[string]chatstore.Message
	saveErr error
}

func newFakeMessages() *fakeMessages {
	return &fakeMessages{saved: make(map[string]chatstore.Message)}
}

func (f *fakeMessages) SaveMessages(ctx context.Context, messages []chatstore.Message) ([]chatstore.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return nil, f.saveErr
	}
	var inserted []chatstore.Message
	for _, m := range messages {
		if _, exists := f.saved[m.ID]; exists {
			continue
		}
		f.saved[m.ID] = m
		inserted = append(inserted, m)
	}
	return inserted, nil
}

func (f *fakeMessages) MessageByID(ctx context.Context, id string) (chatstore.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.saved[id]
	if !ok {
		return chatstore.Message{}, chatstore.ErrNotFound
	}
	return m, nil
}

func (f *fakeMessages) ListByChat(ctx context.Context, chatID string, limit int) ([]chatstore.Message, error) {
	return nil, nil
}

func (f *fakeMessages) Close() error { return nil }

func (f *fakeMessages) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saved)
}

type fakeRecorder struct {
	mu    sync.Mutex
	calls []billing.RecordParams
	err   error
}

func (f *fakeRecorder) RecordTransaction(ctx context.Context, p billing.RecordParams) ([]ledger.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.calls = append(f.calls, p)
	return []ledger.Transaction{{UserID: p.UserID, Kind: p.Kind}}, nil
}

func (f *fakeRecorder) recorded() []billing.RecordParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]billing.RecordParams, len(f.calls))
	copy(out, f.calls)
	return out
}

type fakeRates struct{}

func (fakeRates) RatesFor(modelID string) pricing.Rates { return pricing.Rates{} }

func newTestController(msgs *fakeMessages, rec *fakeRecorder) *Controller {
	return NewController(msgs, rec, fakeRates{})
}

func params() Params {
	return Params{
		UserID:      "u1",
		ChatID:      "c1",
		AgentID:     "agent-1",
		ModelID:     "echo-large",
		CreatorID:   "creator-9",
		UserMessage: chatstore.Message{Parts: []chatstore.Part{{Type: "text", Text: "hi"}}},
	}
}

func TestBeginPersistsUserMessage(t *testing.T) {
	msgs := newFakeMessages()
	rec := &fakeRecorder{}
	ctrl := newTestController(msgs, rec)

	sess, err := ctrl.Begin(context.Background(), params())
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if sess.State() != StateAwaitingFirstToken {
		t.Fatalf("state: %s", sess.State())
	}
	if msgs.count() != 1 {
		t.Fatalf("user message not persisted")
	}
}

func TestFinishPersistsAndBills(t *testing.T) {
	msgs := newFakeMessages()
	rec := &fakeRecorder{}
	ctrl := newTestController(msgs, rec)
	ctx := context.Background()

	sess, err := ctrl.Begin(ctx, params())
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	sess.ObserveDelta("hello ")
	if sess.State() != StateStreaming {
		t.Fatalf("state after delta: %s", sess.State())
	}
	sess.ObserveDelta("world")
	sess.ObserveUsage(provider.Usage{PromptTokens: 10, CompletionTokens: 2, TotalTokens: 12})

	err = sess.Finish(ctx, provider.Done{
		MessageID: "asst-1",
		Usage:     &provider.Usage{PromptTokens: 12, CompletionTokens: 5, TotalTokens: 17},
	})
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if sess.State() != StateFinished {
		t.Fatalf("state: %s", sess.State())
	}

	saved, err := msgs.MessageByID(ctx, "asst-1")
	if err != nil {
		t.Fatalf("assistant message not saved: %v", err)
	}
	if saved.Text() != "hello world" {
		t.Fatalf("assistant text: %q", saved.Text())
	}

	calls := rec.recorded()
	if len(calls) != 1 {
		t.Fatalf("expected 1 billing call, got %d", len(calls))
	}
	call := calls[0]
	if call.Kind != ledger.KindUsage {
		t.Fatalf("kind: %s", call.Kind)
	}
	if call.Usage.PromptTokens != 12 || call.Usage.CompletionTokens != 5 {
		t.Fatalf("final usage should win over interim tally: %+v", call.Usage)
	}
	if call.MessageID == nil || *call.MessageID != "asst-1" {
		t.Fatalf("message id not linked: %+v", call.MessageID)
	}
	if call.AgentID == nil || *call.AgentID != "agent-1" {
		t.Fatalf("agent id not linked: %+v", call.AgentID)
	}
}

func TestFinishSelfUsageKind(t *testing.T) {
	msgs := newFakeMessages()
	rec := &fakeRecorder{}
	ctrl := newTestController(msgs, rec)
	ctx := context.Background()

	p := params()
	p.CreatorID = p.UserID // creator chatting with their own agent
	sess, err := ctrl.Begin(ctx, p)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	sess.ObserveDelta("x")
	if err := sess.Finish(ctx, provider.Done{MessageID: "asst-1", Usage: &provider.Usage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2}}); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	calls := rec.recorded()
	if len(calls) != 1 || calls[0].Kind != ledger.KindSelfUsage {
		t.Fatalf("expected self_usage billing, got %+v", calls)
	}
}

func TestFinishMissingAssistantMessageIsFatal(t *testing.T) {
	msgs := newFakeMessages()
	rec := &fakeRecorder{}
	ctrl := newTestController(msgs, rec)
	ctx := context.Background()

	sess, err := ctrl.Begin(ctx, params())
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	sess.ObserveDelta("x")
	err = sess.Finish(ctx, provider.Done{Usage: &provider.Usage{PromptTokens: 1}})
	if !errors.Is(err, ErrMissingAssistantMessage) {
		t.Fatalf("expected ErrMissingAssistantMessage, got %v", err)
	}
	if sess.State() != StateErrored {
		t.Fatalf("state: %s", sess.State())
	}
}

func TestFinishBillingFailureDoesNotFailTurn(t *testing.T) {
	msgs := newFakeMessages()
	rec := &fakeRecorder{err: errors.New("ledger down")}
	ctrl := newTestController(msgs, rec)
	ctx := context.Background()

	sess, err := ctrl.Begin(ctx, params())
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	sess.ObserveDelta("x")
	if err := sess.Finish(ctx, provider.Done{MessageID: "asst-1", Usage: &provider.Usage{PromptTokens: 3, CompletionTokens: 1, TotalTokens: 4}}); err != nil {
		t.Fatalf("billing failure must not fail the delivered response: %v", err)
	}
	if sess.State() != StateFinished {
		t.Fatalf("state: %s", sess.State())
	}
	// Message persistence is independent of the billing failure.
	if _, err := msgs.MessageByID(ctx, "asst-1"); err != nil {
		t.Fatalf("assistant message should still be saved: %v", err)
	}
}

func TestFinishPersistFailureStillBills(t *testing.T) {
	msgs := newFakeMessages()
	msgs.saveErr = errors.New("disk full")
	rec := &fakeRecorder{}
	ctrl := newTestController(msgs, rec)
	ctx := context.Background()

	p := params()
	// Begin will also fail to save; bypass by clearing the error afterwards.
	msgs.saveErr = nil
	sess, err := ctrl.Begin(ctx, p)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	msgs.saveErr = errors.New("disk full")

	sess.ObserveDelta("x")
	if err := sess.Finish(ctx, provider.Done{MessageID: "asst-1", Usage: &provider.Usage{PromptTokens: 2, CompletionTokens: 2, TotalTokens: 4}}); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if len(rec.recorded()) != 1 {
		t.Fatalf("persistence failure must not block billing")
	}
}

func TestFailSalvagesTallyAndFragments(t *testing.T) {
	msgs := newFakeMessages()
	rec := &fakeRecorder{}
	ctrl := newTestController(msgs, rec)
	ctx := context.Background()

	sess, err := ctrl.Begin(ctx, params())
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	sess.ObserveDelta("partial out")
	sess.ObserveUsage(provider.Usage{PromptTokens: 7, CompletionTokens: 3, TotalTokens: 10})

	report := sess.Fail(errors.New("connection reset"))
	if sess.State() != StateErrored {
		t.Fatalf("state: %s", sess.State())
	}
	if report.Tally.PromptTokens != 7 || report.Tally.CompletionTokens != 3 {
		t.Fatalf("report tally: %+v", report.Tally)
	}
	if report.Message != "connection reset" {
		t.Fatalf("report message: %q", report.Message)
	}

	if err := ctrl.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	calls := rec.recorded()
	if len(calls) != 1 {
		t.Fatalf("expected 1 salvage billing call, got %d", len(calls))
	}
	if calls[0].Usage.PromptTokens != 7 {
		t.Fatalf("salvage should bill the in-flight tally: %+v", calls[0].Usage)
	}
	if calls[0].Description != "chat generation (partial, stream aborted)" {
		t.Fatalf("salvage description: %q", calls[0].Description)
	}

	// Fragments saved: user message + salvaged assistant fragment.
	if msgs.count() != 2 {
		t.Fatalf("expected 2 saved messages, got %d", msgs.count())
	}
}

func TestFailWithZeroTallySkipsBilling(t *testing.T) {
	msgs := newFakeMessages()
	rec := &fakeRecorder{}
	ctrl := newTestController(msgs, rec)

	sess, err := ctrl.Begin(context.Background(), params())
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	_ = sess.Fail(errors.New("early failure"))
	if err := ctrl.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(rec.recorded()) != 0 {
		t.Fatalf("zero tally must not produce a transaction")
	}
}

func TestFailSalvageDeduplicatesMessages(t *testing.T) {
	msgs := newFakeMessages()
	rec := &fakeRecorder{}
	ctrl := newTestController(msgs, rec)
	ctx := context.Background()

	sess, err := ctrl.Begin(ctx, params())
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	sess.ObserveDelta("already saved text")
	sess.assistantID = "asst-dup"

	// Simulate the assistant message having landed before the failure.
	if _, err := msgs.SaveMessages(ctx, []chatstore.Message{{
		ID: "asst-dup", ChatID: "c1", Role: chatstore.RoleAssistant,
		Parts: []chatstore.Part{{Type: "text", Text: "already saved text"}},
	}}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	before := msgs.count()

	_ = sess.Fail(errors.New("upstream hiccup"))
	if err := ctrl.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if msgs.count() != before {
		t.Fatalf("salvage duplicated an already-saved message")
	}
}

func TestFailBillingErrorSuppressed(t *testing.T) {
	msgs := newFakeMessages()
	rec := &fakeRecorder{err: errors.New("ledger down")}
	ctrl := newTestController(msgs, rec)

	sess, err := ctrl.Begin(context.Background(), params())
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	sess.ObserveUsage(provider.Usage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2})
	_ = sess.Fail(errors.New("stream died"))
	// Must not panic or deadlock even though billing fails.
	if err := ctrl.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
