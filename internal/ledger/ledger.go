package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Kind classifies a transaction and drives balance semantics.
type Kind string

const (
	KindUsage       Kind = "usage"
	KindSelfUsage   Kind = "self_usage"
	KindPurchase    Kind = "purchase"
	KindRefund      Kind = "refund"
	KindPromotional Kind = "promotional"
	KindAdjustment  Kind = "adjustment"
)

// Valid reports whether the kind is one of the known transaction kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindUsage, KindSelfUsage, KindPurchase, KindRefund, KindPromotional, KindAdjustment:
		return true
	}
	return false
}

// IsUsage reports whether the kind represents metered generation usage.
func (k Kind) IsUsage() bool {
	return k == KindUsage || k == KindSelfUsage
}

// AddsLifetimeCredits reports whether the kind increments lifetime credits.
// Only credit grants count; usage and corrections never touch the lifetime figure.
func (k Kind) AddsLifetimeCredits() bool {
	return k == KindPurchase || k == KindPromotional
}

// TokenClass distinguishes prompt tokens from completion tokens on a
// per-transaction basis so usage stays auditable per class.
type TokenClass string

const (
	TokenClassInput  TokenClass = "input"
	TokenClassOutput TokenClass = "output"
)

// ErrValidation is returned when a transaction cannot be constructed from the
// supplied parameters. Nothing is persisted when it is returned.
var ErrValidation = errors.New("ledger: invalid transaction parameters")

// ErrPersistence wraps storage failures so callers can branch on the failure
// domain instead of inspecting driver error strings.
var ErrPersistence = errors.New("ledger: persistence failure")

// Account is the per-user credit account. Balance is a signed decimal that
// may transiently go negative while concurrent generations settle; gating
// only prevents starting new spend. LifetimeCredits only ever grows, and
// only through purchase/promotional grants.
type Account struct {
	UserID          string          `json:"user_id"`
	Balance         decimal.Decimal `json:"balance"`
	LifetimeCredits decimal.Decimal `json:"lifetime_credits"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Transaction is one immutable ledger row. Corrections are new rows with
// kind refund/adjustment, never updates.
type Transaction struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	AgentID     *string         `json:"agent_id,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	Kind        Kind            `json:"kind"`
	Description string          `json:"description,omitempty"`
	MessageID   *string         `json:"message_id,omitempty"`
	TokenAmount *int64          `json:"token_amount,omitempty"`
	TokenClass  *TokenClass     `json:"token_class,omitempty"`
	ModelID     *string         `json:"model_id,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Summary aggregates billed usage for a user. SpentCredits is the positive
// total of usage debits; refunds and grants are excluded.
type Summary struct {
	UserID           string          `json:"user_id"`
	UsageRows        int64           `json:"usage_rows"`
	PromptTokens     int64           `json:"prompt_tokens"`
	CompletionTokens int64           `json:"completion_tokens"`
	SpentCredits     decimal.Decimal `json:"spent_credits"`
}

// TokenUsage carries the token counts observed for one generation.
type TokenUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Store defines persistence for accounts and transactions.
//
// Apply is the single atomic unit: it inserts every row, adjusts the balance
// by the sum of the row amounts and bumps lifetime credits by lifetimeDelta,
// all inside one database transaction. Partial application must never be
// observable. The account is created lazily on first use.
type Store interface {
	Apply(ctx context.Context, userID string, rows []Transaction, lifetimeDelta decimal.Decimal) ([]Transaction, error)
	Account(ctx context.Context, userID string) (Account, error)
	Balance(ctx context.Context, userID string) (decimal.Decimal, error)
	Summary(ctx context.Context, userID string) (Summary, error)
	ListRecent(ctx context.Context, userID string, limit int) ([]Transaction, error)
	Close() error
}

// ValidateRows performs the shared sanity checks every Store implementation
// applies before writing.
func ValidateRows(userID string, rows []Transaction) error {
	if userID == "" {
		return fmt.Errorf("%w: user id required", ErrValidation)
	}
	if len(rows) == 0 {
		return fmt.Errorf("%w: at least one transaction row required", ErrValidation)
	}
	for _, row := range rows {
		if row.UserID != userID {
			return fmt.Errorf("%w: row user id mismatch", ErrValidation)
		}
		if !row.Kind.Valid() {
			return fmt.Errorf("%w: unknown transaction kind %q", ErrValidation, row.Kind)
		}
	}
	return nil
}
