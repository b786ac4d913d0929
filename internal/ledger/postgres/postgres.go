package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/agentbazaar/metering/internal/ledger"
)

// Store implements ledger.Store backed by PostgreSQL. Balances are NUMERIC
// and settled with relative updates (balance = balance + delta) so that
// concurrent generations for the same user serialize correctly without
// read-modify-write races.
type Store struct {
	db *sql.DB
}

// New opens a PostgreSQL-backed ledger store using the provided DSN and
// connection pool settings.
func New(dsn string, maxOpen, maxIdle, lifetimeMinutes, idleTimeMinutes int) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	if lifetimeMinutes > 0 {
		db.SetConnMaxLifetime(time.Duration(lifetimeMinutes) * time.Minute)
	}
	if idleTimeMinutes > 0 {
		db.SetConnMaxIdleTime(time.Duration(idleTimeMinutes) * time.Minute)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an existing database handle; schema management is the
// caller's responsibility. Used by tests.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	user_id TEXT PRIMARY KEY,
	balance NUMERIC(30, 9) NOT NULL DEFAULT 0,
	lifetime_credits NUMERIC(30, 9) NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS transactions (
	id UUID PRIMARY KEY,
	user_id TEXT NOT NULL,
	agent_id TEXT,
	amount NUMERIC(30, 9) NOT NULL,
	kind TEXT NOT NULL CHECK(kind IN ('usage','self_usage','purchase','refund','promotional','adjustment')),
	description TEXT,
	message_id TEXT,
	token_amount BIGINT,
	token_class TEXT CHECK(token_class IN ('input','output') OR token_class IS NULL),
	model_id TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
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
// transaction.
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

	if _, err := tx.ExecContext(ctx, `
INSERT INTO accounts(user_id) VALUES($1)
ON CONFLICT (user_id) DO NOTHING`, userID); err != nil {
		return nil, fmt.Errorf("%w: ensure account: %v", ledger.ErrPersistence, err)
	}

	now := time.Now().UTC()
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
VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
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
UPDATE accounts
SET balance = balance + $1::numeric,
    lifetime_credits = lifetime_credits + $2::numeric,
    updated_at = NOW()
WHERE user_id = $3`,
		delta.String(),
		lifetimeDelta.String(),
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
SELECT balance::text, lifetime_credits::text, created_at, updated_at FROM accounts WHERE user_id = $1`, userID).
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

// Summary aggregates billed usage for a user. NUMERIC keeps the credit sum
// exact in SQL.
func (s *Store) Summary(ctx context.Context, userID string) (ledger.Summary, error) {
	if userID == "" {
		return ledger.Summary{}, fmt.Errorf("%w: user id required", ledger.ErrValidation)
	}
	row := s.db.QueryRowContext(ctx, `
SELECT
	COUNT(*),
	COALESCE(SUM(CASE WHEN token_class = 'input' THEN token_amount ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN token_class = 'output' THEN token_amount ELSE 0 END), 0),
	COALESCE(-SUM(amount), 0)::text
FROM transactions
WHERE user_id = $1 AND kind IN ($2, $3)`, userID, ledger.KindUsage, ledger.KindSelfUsage)

	summary := ledger.Summary{UserID: userID}
	var spentStr string
	if err := row.Scan(&summary.UsageRows, &summary.PromptTokens, &summary.CompletionTokens, &spentStr); err != nil {
		return ledger.Summary{}, fmt.Errorf("%w: read usage summary: %v", ledger.ErrPersistence, err)
	}
	spent, err := decimal.NewFromString(spentStr)
	if err != nil {
		return ledger.Summary{}, fmt.Errorf("%w: corrupt usage sum %q: %v", ledger.ErrPersistence, spentStr, err)
	}
	summary.SpentCredits = spent
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
SELECT id, user_id, agent_id, amount::text, kind, description, message_id, token_amount, token_class, model_id, created_at
FROM transactions
WHERE user_id = $1
ORDER BY created_at DESC, id
LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list transactions: %v", ledger.ErrPersistence, err)
	}
	defer rows.Close()

	var out []ledger.Transaction
	for rows.Next() {
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
			return nil, fmt.Errorf("%w: scan transaction: %v", ledger.ErrPersistence, err)
		}
		amount, err := decimal.NewFromString(amountStr)
		if err != nil {
			return nil, fmt.Errorf("%w: corrupt amount %q: %v", ledger.ErrPersistence, amountStr, err)
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
		out = append(out, row)
	}
	return out, rows.Err()
}
