package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	// register sqlite driver
	_ "modernc.org/sqlite"

	"github.com/agentbazaar/metering/internal/chatstore"
)

// Store implements chatstore.Store backed by SQLite. Parts and attachments
// are stored as JSON blobs.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite message store at the given path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create chat directory: %w", err)
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
CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	chat_id TEXT NOT NULL,
	role TEXT NOT NULL CHECK(role IN ('user','assistant')),
	parts TEXT NOT NULL DEFAULT '[]',
	attachments TEXT NOT NULL DEFAULT '[]',
	model_id TEXT,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_messages_chat_created ON messages(chat_id, created_at);
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

// SaveMessages inserts the batch, skipping ids that already exist. Returns
// the messages that were newly inserted.
func (s *Store) SaveMessages(ctx context.Context, messages []chatstore.Message) ([]chatstore.Message, error) {
	var inserted []chatstore.Message
	for _, m := range messages {
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		if m.ChatID == "" {
			return inserted, fmt.Errorf("message %s missing chat id", m.ID)
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = time.Now().UTC()
		}
		parts, err := json.Marshal(m.Parts)
		if err != nil {
			return inserted, fmt.Errorf("encode parts: %w", err)
		}
		attachments, err := json.Marshal(m.Attachments)
		if err != nil {
			return inserted, fmt.Errorf("encode attachments: %w", err)
		}
		res, err := s.db.ExecContext(ctx, `
INSERT OR IGNORE INTO messages(id, chat_id, role, parts, attachments, model_id, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?)`,
			m.ID,
			m.ChatID,
			string(m.Role),
			string(parts),
			string(attachments),
			nullable(m.ModelID),
			m.CreatedAt,
		)
		if err != nil {
			return inserted, fmt.Errorf("insert message: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			inserted = append(inserted, m)
		}
	}
	return inserted, nil
}

// MessageByID returns the message with the given id.
func (s *Store) MessageByID(ctx context.Context, id string) (chatstore.Message, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, chat_id, role, parts, attachments, model_id, created_at
FROM messages WHERE id = ?`, id)
	return scanMessage(row)
}

// ListByChat returns messages for a chat in insertion order.
func (s *Store) ListByChat(ctx context.Context, chatID string, limit int) ([]chatstore.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, chat_id, role, parts, attachments, model_id, created_at
FROM messages
WHERE chat_id = ?
ORDER BY created_at, id
LIMIT ?`, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []chatstore.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (chatstore.Message, error) {
	var (
		m           chatstore.Message
		role        string
		parts       string
		attachments string
		modelID     sql.NullString
	)
	err := row.Scan(&m.ID, &m.ChatID, &role, &parts, &attachments, &modelID, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return chatstore.Message{}, chatstore.ErrNotFound
	}
	if err != nil {
		return chatstore.Message{}, fmt.Errorf("scan message: %w", err)
	}
	m.Role = chatstore.Role(role)
	if err := json.Unmarshal([]byte(parts), &m.Parts); err != nil {
		return chatstore.Message{}, fmt.Errorf("decode parts: %w", err)
	}
	if err := json.Unmarshal([]byte(attachments), &m.Attachments); err != nil {
		return chatstore.Message{}, fmt.Errorf("decode attachments: %w", err)
	}
	m.ModelID = modelID.String
	return m, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
