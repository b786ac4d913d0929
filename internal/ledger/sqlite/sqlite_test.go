package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/agentbazaar/metering/internal/ledger"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return d
}

func TestApplyCreatesAccountAndSettlesBalance(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	rows := []ledger.Transaction{
		{UserID: "u1", Kind: ledger.KindPurchase, Amount: dec(t, "10"), Description: "credit purchase"},
	}
	if _, err := store.Apply(ctx, "u1", rows, dec(t, "10")); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	account, err := store.Account(ctx, "u1")
	if err != nil {
		t.Fatalf("Account: %v", err)
	}
	if !account.Balance.Equal(dec(t, "10")) {
		t.Fatalf("balance: want 10, got %s", account.Balance)
	}
	if !account.LifetimeCredits.Equal(dec(t, "10")) {
		t.Fatalf("lifetime credits: want 10, got %s", account.LifetimeCredits)
	}
}

func TestApplyTwoRowsSingleBalanceUpdate(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	inputTokens := int64(1_000_000)
	outputTokens := int64(500_000)
	inputClass := ledger.TokenClassInput
	outputClass := ledger.TokenClassOutput
	rows := []ledger.Transaction{
		{UserID: "u1", Kind: ledger.KindUsage, Amount: dec(t, "-2.36"), TokenAmount: &inputTokens, TokenClass: &inputClass},
		{UserID: "u1", Kind: ledger.KindUsage, Amount: dec(t, "-3.54"), TokenAmount: &outputTokens, TokenClass: &outputClass},
	}
	persisted, err := store.Apply(ctx, "u1", rows, decimal.Zero)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(persisted) != 2 {
		t.Fatalf("expected 2 persisted rows, got %d", len(persisted))
	}
	for _, row := range persisted {
		if row.ID == "" {
			t.Fatalf("persisted row missing id: %+v", row)
		}
	}

	balance, err := store.Balance(ctx, "u1")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if !balance.Equal(dec(t, "-5.9")) {
		t.Fatalf("balance: want -5.9, got %s", balance)
	}

	account, err := store.Account(ctx, "u1")
	if err != nil {
		t.Fatalf("Account: %v", err)
	}
	if !account.LifetimeCredits.IsZero() {
		t.Fatalf("usage must not touch lifetime credits, got %s", account.LifetimeCredits)
	}
}

func TestApplyValidation(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	if _, err := store.Apply(ctx, "", nil, decimal.Zero); err == nil {
		t.Fatalf("expected error for missing user id")
	}
	rows := []ledger.Transaction{{UserID: "other", Kind: ledger.KindUsage, Amount: decimal.Zero}}
	if _, err := store.Apply(ctx, "u1", rows, decimal.Zero); err == nil {
		t.Fatalf("expected error for user id mismatch")
	}
	rows = []ledger.Transaction{{UserID: "u1", Kind: "bogus", Amount: decimal.Zero}}
	if _, err := store.Apply(ctx, "u1", rows, decimal.Zero); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
	rows = []ledger.Transaction{{UserID: "u1", Kind: ledger.KindUsage, Amount: decimal.Zero}}
	if _, err := store.Apply(ctx, "u1", rows, dec(t, "-1")); err == nil {
		t.Fatalf("expected error for negative lifetime delta")
	}

	// Nothing may have been persisted by the failed attempts.
	account, err := store.Account(ctx, "u1")
	if err != nil {
		t.Fatalf("Account: %v", err)
	}
	if !account.Balance.IsZero() {
		t.Fatalf("failed applies must not move the balance, got %s", account.Balance)
	}
}

func TestApplyConcurrentDebitsNoLostUpdates(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	if _, err := store.Apply(ctx, "u1", []ledger.Transaction{
		{UserID: "u1", Kind: ledger.KindPurchase, Amount: dec(t, "100")},
	}, dec(t, "100")); err != nil {
		t.Fatalf("seed purchase: %v", err)
	}

	const writers = 20
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Apply(ctx, "u1", []ledger.Transaction{
				{UserID: "u1", Kind: ledger.KindUsage, Amount: dec(t, "-0.5")},
			}, decimal.Zero)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent Apply: %v", err)
		}
	}

	balance, err := store.Balance(ctx, "u1")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if !balance.Equal(dec(t, "90")) {
		t.Fatalf("balance after %d debits: want 90, got %s", writers, balance)
	}
}

func TestBalanceUnknownUserIsZero(t *testing.T) {
	store := newStore(t)
	balance, err := store.Balance(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if !balance.IsZero() {
		t.Fatalf("expected zero balance for unknown user, got %s", balance)
	}
}

func TestListRecentOrderingAndFields(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		tokens := int64((i + 1) * 100)
		class := ledger.TokenClassOutput
		model := "echo-large"
		if _, err := store.Apply(ctx, "u7", []ledger.Transaction{{
			ID:          fmt.Sprintf("tx-%d", i),
			UserID:      "u7",
			Kind:        ledger.KindUsage,
			Amount:      dec(t, "-1"),
			TokenAmount: &tokens,
			TokenClass:  &class,
			ModelID:     &model,
			Description: "chat turn",
		}}, decimal.Zero); err != nil {
			t.Fatalf("Apply: %v", err)
		}
	}

	recent, err := store.ListRecent(ctx, "u7", 2)
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(recent))
	}
	row := recent[0]
	if row.TokenAmount == nil || row.TokenClass == nil || row.ModelID == nil {
		t.Fatalf("nullable fields lost on round trip: %+v", row)
	}
	if *row.TokenClass != ledger.TokenClassOutput {
		t.Fatalf("token class: want output, got %s", *row.TokenClass)
	}
}

func TestSummaryAggregatesUsageOnly(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	if _, err := store.Apply(ctx, "u9", []ledger.Transaction{
		{UserID: "u9", Kind: ledger.KindPurchase, Amount: dec(t, "20"), Description: "credit purchase"},
	}, dec(t, "20")); err != nil {
		t.Fatalf("Apply purchase: %v", err)
	}

	inTokens, outTokens := int64(1000), int64(500)
	inClass, outClass := ledger.TokenClassInput, ledger.TokenClassOutput
	if _, err := store.Apply(ctx, "u9", []ledger.Transaction{
		{UserID: "u9", Kind: ledger.KindUsage, Amount: dec(t, "-0.00236"), TokenAmount: &inTokens, TokenClass: &inClass},
		{UserID: "u9", Kind: ledger.KindUsage, Amount: dec(t, "-0.00354"), TokenAmount: &outTokens, TokenClass: &outClass},
	}, decimal.Zero); err != nil {
		t.Fatalf("Apply usage: %v", err)
	}

	summary, err := store.Summary(ctx, "u9")
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if summary.UsageRows != 2 {
		t.Fatalf("usage rows = %d, want 2", summary.UsageRows)
	}
	if summary.PromptTokens != 1000 || summary.CompletionTokens != 500 {
		t.Fatalf("token totals = %d/%d", summary.PromptTokens, summary.CompletionTokens)
	}
	if !summary.SpentCredits.Equal(dec(t, "0.0059")) {
		t.Fatalf("spent credits = %s, want 0.0059", summary.SpentCredits)
	}
}

func TestSummaryEmptyUser(t *testing.T) {
	store := newStore(t)

	summary, err := store.Summary(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if summary.UsageRows != 0 || !summary.SpentCredits.IsZero() {
		t.Fatalf("expected empty summary, got %+v", summary)
	}
}
