package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	// register sqlite driver
	_ "modernc.org/sqlite"

	"github.com/agentbazaar/metering/internal/ledger"
)

// Store implements ledger.Store backed by SQLite. Amounts are stored as
// decimal strings and added in Go inside an immediate transaction, which
// serializes concurrent writers at the database level.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite store at the given path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	// A single connection keeps BEGIN IMMEDIATE transactions from tripping
	// over each other under concurrent debits.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	user_id TEXT PRIMARY KEY,
	balance TEXT NOT NULL DEFAULT '0',
	lifetime_credits TEXT NOT NULL DEFAULT '0',
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS transactions (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	agent_id TEXT,
	amount TEXT NOT NULL,
	kind TEXT NOT NULL CHECK(kind IN ('usage','self_usage','purchase','refund','promotional','adjustment')),
	description TEXT,
	message_id TEXT,
	token_amount INTEGER,
	token_class TEXT CHECK(token_class IN ('input','output') OR token_class IS NULL),
	model_id TEXT,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_transactions_user_created ON transactions(user_id, created_at DESC);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases underlying database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// Apply inserts the transaction rows and settles the account in one database
// transaction. The balance moves by the sum of the row amounts; lifetime
// credits move by lifetimeDelta.
func (s *Store) Apply(ctx context.Context, userID string, rows []ledger.Transaction, lifetimeDelta decimal.Decimal) ([]ledger.Transaction, error) {
	if err := ledger.ValidateRows(userID, rows); err != nil {
		return nil, err
	}
	if lifetimeDelta.IsNegative() {
		return nil, fmt.Errorf("%w: lifetime credits cannot decrease", ledger.ErrValidation)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %v", ledger.ErrPersistence, err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
INSERT INTO accounts(user_id, created_at, updated_at) VALUES(?, ?, ?)
ON CONFLICT(user_id) DO NOTHING`, userID, now, now); err != nil {
		return nil, fmt.Errorf("%w: ensure account: %v", ledger.ErrPersistence, err)
	}

	var balanceStr, lifetimeStr string
	if err := tx.QueryRowContext(ctx, `
SELECT balance, lifetime_credits FROM accounts WHERE user_id = ?`, userID).Scan(&balanceStr, &lifetimeStr); err != nil {
		return nil, fmt.Errorf("%w: read account: %v", ledger.ErrPersistence, err)
	}
	balance, err := decimal.NewFromString(balanceStr)
	if err != nil {
		return nil, fmt.Errorf("%w: corrupt balance %q: %v", ledger.ErrPersistence, balanceStr, err)
	}
	lifetime, err := decimal.NewFromString(lifetimeStr)
	if err != nil {
		return nil, fmt.Errorf("%w: corrupt lifetime credits %q: %v", ledger.ErrPersistence, lifetimeStr, err)
	}

	delta := decimal.Zero
	persisted := make([]ledger.Transaction, 0, len(rows))
	for _, row := range rows {
		if row.ID == "" {
			row.ID = uuid.NewString()
		}
		if row.CreatedAt.IsZero() {
			row.CreatedAt = now
		}
		var class *string
		if row.TokenClass != nil {
			c := string(*row.TokenClass)
			class = &c
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO transactions(id, user_id, agent_id, amount, kind, description, message_id, token_amount, token_class, model_id, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			row.ID,
			row.UserID,
			row.AgentID,
			row.Amount.String(),
			string(row.Kind),
			row.Description,
			row.MessageID,
			row.TokenAmount,
			class,
			row.ModelID,
			row.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("%w: insert transaction: %v", ledger.ErrPersistence, err)
		}
		delta = delta.Add(row.Amount)
		persisted = append(persisted, row)
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE accounts SET balance = ?, lifetime_credits = ?, updated_at = ? WHERE user_id = ?`,
		balance.Add(delta).String(),
		lifetime.Add(lifetimeDelta).String(),
		now,
		userID,
	); err != nil {
		return nil, fmt.Errorf("%w: update balance: %v", ledger.ErrPersistence, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit: %v", ledger.ErrPersistence, err)
	}
	return persisted, nil
}

// Account returns the account for the user, or a zero account when none
// exists yet.
func (s *Store) Account(ctx context.Context, userID string) (ledger.Account, error) {
	if userID == "" {
		return ledger.Account{}, fmt.Errorf("%w: user id required", ledger.ErrValidation)
	}
	var (
		balanceStr, lifetimeStr string
		created, updated        time.Time
	)
	err := s.db.QueryRowContext(ctx, `
SELECT balance, lifetime_credits, created_at, updated_at FROM accounts WHERE user_id = ?`, userID).
		Scan(&balanceStr, &lifetimeStr, &created, &updated)
	if err == sql.ErrNoRows {
		return ledger.Account{UserID: userID, Balance: decimal.Zero, LifetimeCredits: decimal.Zero}, nil
	}
	if err != nil {
		return ledger.Account{}, fmt.Errorf("%w: read account: %v", ledger.ErrPersistence, err)
	}
	balance, err := decimal.NewFromString(balanceStr)
	if err != nil {
		return ledger.Account{}, fmt.Errorf("%w: corrupt balance %q: %v", ledger.ErrPersistence, balanceStr, err)
	}
	lifetime, err := decimal.NewFromString(lifetimeStr)
	if err != nil {
		return ledger.Account{}, fmt.Errorf("%w: corrupt lifetime credits %q: %v", ledger.ErrPersistence, lifetimeStr, err)
	}
	return ledger.Account{
		UserID:          userID,
		Balance:         balance,
		LifetimeCredits: lifetime,
		CreatedAt:       created,
		UpdatedAt:       updated,
	}, nil
}

// Balance returns the current balance for the user; zero when the account
// has never been touched.
func (s *Store) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	account, err := s.Account(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	return account.Balance, nil
}

// Summary aggregates billed usage for a user. Amounts are summed in Go so
// the TEXT-stored decimals never pass through float arithmetic.
func (s *Store) Summary(ctx context.Context, userID string) (ledger.Summary, error) {
	if userID == "" {
		return ledger.Summary{}, fmt.Errorf("%w: user id required", ledger.ErrValidation)
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT amount, token_class, token_amount
FROM transactions
WHERE user_id = ? AND kind IN (?, ?)`, userID, ledger.KindUsage, ledger.KindSelfUsage)
	if err != nil {
		return ledger.Summary{}, fmt.Errorf("%w: read usage summary: %v", ledger.ErrPersistence, err)
	}
	defer rows.Close()

	summary := ledger.Summary{UserID: userID, SpentCredits: decimal.Zero}
	for rows.Next() {
		var (
			amountStr   string
			tokenClass  sql.NullString
			tokenAmount sql.NullInt64
		)
		if err := rows.Scan(&amountStr, &tokenClass, &tokenAmount); err != nil {
			return ledger.Summary{}, fmt.Errorf("%w: scan usage row: %v", ledger.ErrPersistence, err)
		}
		amount, err := decimal.NewFromString(amountStr)
		if err != nil {
			return ledger.Summary{}, fmt.Errorf("%w: corrupt amount %q: %v", ledger.ErrPersistence, amountStr, err)
		}
		summary.UsageRows++
		summary.SpentCredits = summary.SpentCredits.Sub(amount)
		if tokenClass.Valid && tokenAmount.Valid {
			switch ledger.TokenClass(tokenClass.String) {
			case ledger.TokenClassInput:
				summary.PromptTokens += tokenAmount.Int64
			case ledger.TokenClassOutput:
				summary.CompletionTokens += tokenAmount.Int64
			}
		}
	}
	if err := rows.Err(); err != nil {
		return ledger.Summary{}, fmt.Errorf("%w: read usage summary: %v", ledger.ErrPersistence, err)
	}
	return summary, nil
}

// ListRecent returns the latest transactions for a user.
func (s *Store) ListRecent(ctx context.Context, userID string, limit int) ([]ledger.Transaction, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id required", ledger.ErrValidation)
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, user_id, agent_id, amount, kind, description, message_id, token_amount, token_class, model_id, created_at
FROM transactions
WHERE user_id = ?
ORDER BY created_at DESC, id
LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list transactions: %v", ledger.ErrPersistence, err)
	}
	defer rows.Close()

	var out []ledger.Transaction
	for rows.Next() {
		row, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func scanTransaction(rows *sql.Rows) (ledger.Transaction, error) {
	var (
		row         ledger.Transaction
		agentID     sql.NullString
		amountStr   string
		kind        string
		description sql.NullString
		messageID   sql.NullString
		tokenAmount sql.NullInt64
		tokenClass  sql.NullString
		modelID     sql.NullString
	)
	if err := rows.Scan(&row.ID, &row.UserID, &agentID, &amountStr, &kind, &description, &messageID, &tokenAmount, &tokenClass, &modelID, &row.CreatedAt); err != nil {
		return ledger.Transaction{}, fmt.Errorf("%w: scan transaction: %v", ledger.ErrPersistence, err)
	}
	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("%w: corrupt amount %q: %v", ledger.ErrPersistence, amountStr, err)
	}
	row.Amount = amount
	row.Kind = ledger.Kind(kind)
	row.Description = description.String
	if agentID.Valid {
		v := agentID.String
		row.AgentID = &v
	}
	if messageID.Valid {
		v := messageID.String
		row.MessageID = &v
	}
	if tokenAmount.Valid {
		v := tokenAmount.Int64
		row.TokenAmount = &v
	}
	if tokenClass.Valid {
		v := ledger.TokenClass(tokenClass.String)
		row.TokenClass = &v
	}
	if modelID.Valid {
		v := modelID.String
		row.ModelID = &v
	}
	return row, nil
}
