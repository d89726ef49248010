// Package session persists conversation history so a chat can be resumed.
package session

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/smallnest/alertsmith/config"
)

// ErrSessionNotFound is returned when a key has no stored history.
var ErrSessionNotFound = errors.New("session not found")

// Message is one stored conversation message.
type Message struct {
	Role      string    `json:"role"` // user, assistant
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Store keeps the messages of every session. The system prompt is never
// stored.
type Store interface {
	// Append adds a message to the end of a session, creating it if needed.
	Append(key string, msg Message) error
	// Load returns every message of a session.
	Load(key string) ([]Message, error)
	// Latest returns the most recently updated session, with trailing
	// messages after its last user message removed.
	Latest() (key string, messages []Message, err error)
	// List returns the stored session keys.
	List() ([]string, error)
	Close() error
}

// NewStore opens the history backend named by cfg.
func NewStore(cfg config.HistoryConfig) (Store, error) {
	switch cfg.Backend {
	case "", "json":
		return NewFileStore(cfg.Dir)
	case "sqlite":
		return NewSQLiteStore(filepath.Join(cfg.Dir, "history.db"))
	default:
		return nil, fmt.Errorf("unknown history backend %q", cfg.Backend)
	}
}

// NewKey returns a fresh session key.
func NewKey() string {
	return time.Now().UTC().Format("20060102T150405") + "-" + uuid.NewString()[:8]
}

// TrimToLastUser drops trailing messages until the last one is from the
// user, so a resumed conversation continues with a model turn.
func TrimToLastUser(messages []Message) []Message {
	for len(messages) > 0 && messages[len(messages)-1].Role != "user" {
		messages = messages[:len(messages)-1]
	}
	return messages
}
