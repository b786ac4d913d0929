// Package billing turns priced usage and credit grants into ledger rows.
package billing

import (
	"context"
	"fmt"
	"log"

	"github.com/shopspring/decimal"

	"github.com/agentbazaar/metering/internal/ledger"
	"github.com/agentbazaar/metering/internal/pricing"
)

// RecordParams describes one recordTransaction call. Amount, when set,
// bypasses computation (purchase/refund/adjustment flows). Usage plus Rates
// derive the amount for usage kinds via the markup calculator.
type RecordParams struct {
	UserID      string
	Kind        ledger.Kind
	Amount      *decimal.Decimal
	Usage       *ledger.TokenUsage
	Rates       *pricing.Rates
	ModelID     *string
	AgentID     *string
	MessageID   *string
	Description string
}

// Recorder orchestrates the atomic commit of transaction rows and the
// balance update. It owns the kind semantics; the store owns atomicity.
type Recorder struct {
	store  ledger.Store
	logger *log.Logger
}

// NewRecorder creates a Recorder writing through the given store.
func NewRecorder(store ledger.Store) *Recorder {
	return &Recorder{
		store:  store,
		logger: log.New(log.Writer(), "[billing] ", log.LstdFlags|log.Lmicroseconds),
	}
}

// SetLogger overrides the default logger; nil keeps the current logger.
func (r *Recorder) SetLogger(logger *log.Logger) {
	if logger != nil {
		r.logger = logger
	}
}

// RecordTransaction validates the parameters, derives the amount when needed
// and commits rows plus balance update as one atomic unit. For a usage turn
// with both prompt and completion tokens it writes two rows, one per token
// class, preserving per-class auditability. There are no retries here; the
// atomicity guarantee is the safety net and callers decide about retrying.
func (r *Recorder) RecordTransaction(ctx context.Context, p RecordParams) ([]ledger.Transaction, error) {
	if p.UserID == "" {
		return nil, fmt.Errorf("%w: user id required", ledger.ErrValidation)
	}
	if !p.Kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", ledger.ErrValidation, p.Kind)
	}

	rows, lifetimeDelta, err := r.buildRows(p)
	if err != nil {
		return nil, err
	}

	persisted, err := r.store.Apply(ctx, p.UserID, rows, lifetimeDelta)
	if err != nil {
		return nil, err
	}
	total := decimal.Zero
	for _, row := range persisted {
		total = total.Add(row.Amount)
	}
	r.logger.Printf("record_transaction user_id=%s kind=%s rows=%d total=%s", p.UserID, p.Kind, len(persisted), total)
	return persisted, nil
}

func (r *Recorder) buildRows(p RecordParams) ([]ledger.Transaction, decimal.Decimal, error) {
	base := ledger.Transaction{
		UserID:      p.UserID,
		Kind:        p.Kind,
		Description: p.Description,
		AgentID:     p.AgentID,
		MessageID:   p.MessageID,
		ModelID:     p.ModelID,
	}

	// Explicit amount wins regardless of kind.
	if p.Amount != nil {
		row := base
		row.Amount = *p.Amount
		lifetime := decimal.Zero
		if p.Kind.AddsLifetimeCredits() {
			if p.Amount.Sign() <= 0 {
				return nil, decimal.Zero, fmt.Errorf("%w: %s amount must be positive", ledger.ErrValidation, p.Kind)
			}
			lifetime = *p.Amount
		}
		return []ledger.Transaction{row}, lifetime, nil
	}

	if !p.Kind.IsUsage() {
		return nil, decimal.Zero, fmt.Errorf("%w: %s requires an explicit amount", ledger.ErrValidation, p.Kind)
	}
	if p.Usage == nil || p.Rates == nil {
		return nil, decimal.Zero, fmt.Errorf("%w: usage transaction needs either amount or usage with rates", ledger.ErrValidation)
	}
	if p.Usage.PromptTokens <= 0 && p.Usage.CompletionTokens <= 0 {
		return nil, decimal.Zero, fmt.Errorf("%w: usage transaction has no tokens", ledger.ErrValidation)
	}

	cost := pricing.Compute(p.Usage.PromptTokens, p.Usage.CompletionTokens, *p.Rates, p.Kind)

	var rows []ledger.Transaction
	if p.Usage.PromptTokens > 0 {
		row := base
		row.Amount = cost.Input
		tokens := p.Usage.PromptTokens
		class := ledger.TokenClassInput
		row.TokenAmount = &tokens
		row.TokenClass = &class
		rows = append(rows, row)
	}
	if p.Usage.CompletionTokens > 0 {
		row := base
		row.Amount = cost.Output
		tokens := p.Usage.CompletionTokens
		class := ledger.TokenClassOutput
		row.TokenAmount = &tokens
		row.TokenClass = &class
		rows = append(rows, row)
	}
	return rows, decimal.Zero, nil
}

// Gate is the pre-flight credit check. Advisory only: it does not reserve
// funds, so concurrent sessions can each pass before any debit lands and
// push the balance negative. That window is accepted behaviour.
type Gate struct {
	store ledger.Store
}

// NewGate creates a Gate reading from the given store.
func NewGate(store ledger.Store) *Gate {
	return &Gate{store: store}
}

// HasCredits reports whether the user's balance is strictly positive.
func (g *Gate) HasCredits(ctx context.Context, userID string) (bool, error) {
	balance, err := g.store.Balance(ctx, userID)
	if err != nil {
		return false, err
	}
	return balance.GreaterThan(decimal.Zero), nil
}
