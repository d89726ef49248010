package session

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/glebarez/sqlite"
)

// SQLiteStore 使用 SQLite 持久化会话历史
type SQLiteStore struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// NewSQLiteStore 创建会话存储
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if strings.TrimSpace(dbPath) == "" {
		return nil, fmt.Errorf("db path is required")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create history db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open history db: %w", err)
	}

	store := &SQLiteStore{
		db:   db,
		path: dbPath,
	}

	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS sessions (
  key TEXT PRIMARY KEY,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at DESC);

CREATE TABLE IF NOT EXISTS messages (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  session_key TEXT NOT NULL,
  role TEXT NOT NULL,
  content TEXT NOT NULL,
  created_at INTEGER NOT NULL,
  FOREIGN KEY(session_key) REFERENCES sessions(key)
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_key, id);`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize history schema: %w", err)
	}
	return nil
}

// Close 关闭存储
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Append(key string, msg Message) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("session key is required")
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	ts := msg.Timestamp.UTC().UnixNano()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// updated_at 只增不减，保证 Latest 与追加顺序一致
	if _, err := tx.Exec(`
INSERT INTO sessions (key, created_at, updated_at) VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET updated_at = MAX(excluded.updated_at, sessions.updated_at + 1)`,
		key, ts, ts); err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}
	if _, err := tx.Exec(
		`INSERT INTO messages (session_key, role, content, created_at) VALUES (?, ?, ?, ?)`,
		key, msg.Role, msg.Content, ts); err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) Load(key string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(key)
}

func (s *SQLiteStore) load(key string) ([]Message, error) {
	var exists int
	err := s.db.QueryRow(`SELECT COUNT(1) FROM sessions WHERE key = ?`, key).Scan(&exists)
	if err != nil {
		return nil, err
	}
	if exists == 0 {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, key)
	}

	rows, err := s.db.Query(
		`SELECT role, content, created_at FROM messages WHERE session_key = ? ORDER BY id`, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var (
			msg Message
			ts  int64
		)
		if err := rows.Scan(&msg.Role, &msg.Content, &ts); err != nil {
			return nil, err
		}
		msg.Timestamp = time.Unix(0, ts)
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (s *SQLiteStore) Latest() (string, []Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var key string
	err := s.db.QueryRow(`SELECT key FROM sessions ORDER BY updated_at DESC LIMIT 1`).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil, ErrSessionNotFound
	}
	if err != nil {
		return "", nil, err
	}

	messages, err := s.load(key)
	if err != nil {
		return "", nil, err
	}
	return key, TrimToLastUser(messages), nil
}

func (s *SQLiteStore) List() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT key FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
