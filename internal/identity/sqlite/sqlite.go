package sqlite

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	// register sqlite driver
	_ "modernc.org/sqlite"

	"github.com/agentbazaar/metering/internal/identity"
)

// Store implements identity.Store backed by SQLite. API keys are stored as
// SHA-256 digests; the plaintext is only returned once at issue time.
type Store struct {
	db *sql.DB
}

// New opens (or creates) an identity store at the given path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create identity directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
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
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	email TEXT NOT NULL UNIQUE,
	display_name TEXT,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS api_keys (
	key_hash TEXT PRIMARY KEY,
	user_id TEXT NOT NULL REFERENCES users(id),
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_api_keys_user ON api_keys(user_id);
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

// CreateUser registers a user.
func (s *Store) CreateUser(ctx context.Context, email, displayName string) (identity.User, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" {
		return identity.User{}, fmt.Errorf("email required")
	}
	user := identity.User{
		ID:          uuid.NewString(),
		Email:       email,
		DisplayName: displayName,
		CreatedAt:   time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO users(id, email, display_name, created_at) VALUES(?, ?, ?, ?)`,
		user.ID, user.Email, user.DisplayName, user.CreatedAt)
	if err != nil {
		return identity.User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

// UserByID looks a user up by id.
func (s *Store) UserByID(ctx context.Context, id string) (identity.User, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, email, display_name, created_at FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// UserByAPIKey resolves an API key to its user.
func (s *Store) UserByAPIKey(ctx context.Context, key string) (identity.User, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return identity.User{}, identity.ErrUnauthorized
	}
	row := s.db.QueryRowContext(ctx, `
SELECT u.id, u.email, u.display_name, u.created_at
FROM api_keys k JOIN users u ON u.id = k.user_id
WHERE k.key_hash = ?`, hashKey(key))
	user, err := scanUser(row)
	if err == sql.ErrNoRows {
		return identity.User{}, identity.ErrUnauthorized
	}
	return user, err
}

// IssueAPIKey mints a new key for the user and returns the plaintext.
func (s *Store) IssueAPIKey(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("user id required")
	}
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	key := "ab-" + hex.EncodeToString(raw)
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO api_keys(key_hash, user_id, created_at) VALUES(?, ?, ?)`,
		hashKey(key), userID, time.Now().UTC()); err != nil {
		return "", fmt.Errorf("insert api key: %w", err)
	}
	return key, nil
}

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (identity.User, error) {
	var (
		u           identity.User
		displayName sql.NullString
	)
	if err := row.Scan(&u.ID, &u.Email, &displayName, &u.CreatedAt); err != nil {
		return identity.User{}, err
	}
	u.DisplayName = displayName.String
	return u, nil
}
