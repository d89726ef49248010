package session

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/smallnest/alertsmith/config"
)

// openStores returns one store per backend, each in its own directory.
func openStores(t *testing.T) map[string]Store {
	t.Helper()
	fileStore, err := NewFileStore(filepath.Join(t.TempDir(), "history"))
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	sqliteStore, err := NewSQLiteStore(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() {
		_ = fileStore.Close()
		_ = sqliteStore.Close()
	})
	return map[string]Store{"json": fileStore, "sqlite": sqliteStore}
}

func TestStoreAppendLoad(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			key := NewKey()
			msgs := []Message{
				{Role: "user", Content: "alert on 5xx rate"},
				{Role: "assistant", Content: "<function_calls>[]</function_calls>"},
				{Role: "user", Content: "多谢"},
			}
			for _, m := range msgs {
				if err := store.Append(key, m); err != nil {
					t.Fatalf("Append() error = %v", err)
				}
			}

			got, err := store.Load(key)
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if len(got) != len(msgs) {
				t.Fatalf("Load() returned %d messages, want %d", len(got), len(msgs))
			}
			for i := range msgs {
				if got[i].Role != msgs[i].Role || got[i].Content != msgs[i].Content {
					t.Fatalf("message %d = %+v, want %+v", i, got[i], msgs[i])
				}
				if got[i].Timestamp.IsZero() {
					t.Fatalf("message %d has no timestamp", i)
				}
			}

			if _, err := store.Load("missing"); !errors.Is(err, ErrSessionNotFound) {
				t.Fatalf("Load(missing) error = %v, want ErrSessionNotFound", err)
			}

			keys, err := store.List()
			if err != nil || len(keys) != 1 || keys[0] != key {
				t.Fatalf("List() = %v, %v", keys, err)
			}
		})
	}
}

func TestStoreLatestEmpty(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			if _, _, err := store.Latest(); !errors.Is(err, ErrSessionNotFound) {
				t.Fatalf("Latest() error = %v, want ErrSessionNotFound", err)
			}
		})
	}
}

func TestSQLiteStoreLatest(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	defer store.Close()

	base := time.Unix(1700000000, 0)
	appendAt := func(key, role, content string, offset time.Duration) {
		t.Helper()
		if err := store.Append(key, Message{Role: role, Content: content, Timestamp: base.Add(offset)}); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}
	appendAt("a", "user", "first", 0)
	appendAt("b", "user", "second", time.Second)
	appendAt("a", "user", "question", 2*time.Second)
	appendAt("a", "assistant", "unfinished answer", 3*time.Second)

	key, msgs, err := store.Latest()
	if err != nil {
		t.Fatalf("Latest() error = %v", err)
	}
	if key != "a" {
		t.Fatalf("Latest() key = %q, want a", key)
	}
	if len(msgs) != 2 || msgs[1].Content != "question" {
		t.Fatalf("Latest() should end at the last user message, got %+v", msgs)
	}
}

func TestFileStoreLatest(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}

	for _, key := range []string{"old", "new"} {
		if err := store.Append(key, Message{Role: "user", Content: key}); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
		if err := store.Append(key, Message{Role: "assistant", Content: "reply to " + key}); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}
	now := time.Now()
	if err := os.Chtimes(filepath.Join(dir, "old.json"), now, now.Add(-time.Hour)); err != nil {
		t.Fatalf("Chtimes() error = %v", err)
	}
	if err := os.Chtimes(filepath.Join(dir, "new.json"), now, now); err != nil {
		t.Fatalf("Chtimes() error = %v", err)
	}

	// a fresh store reads history from disk
	reopened, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	key, msgs, err := reopened.Latest()
	if err != nil {
		t.Fatalf("Latest() error = %v", err)
	}
	if key != "new" || len(msgs) != 1 || msgs[0].Content != "new" {
		t.Fatalf("Latest() = %q %+v", key, msgs)
	}
}

func TestFileStoreWritesIndentedJSON(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	if err := store.Append("a/b:c", Message{Role: "user", Content: "hi"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "a_b_c.json"))
	if err != nil {
		t.Fatalf("session file missing: %v", err)
	}
	if !strings.HasPrefix(string(data), "[\n  {") {
		t.Fatalf("expected an indented JSON list, got %s", data)
	}
	if strings.Contains(string(data), "system") {
		t.Fatalf("unexpected system content in %s", data)
	}
}

func TestTrimToLastUser(t *testing.T) {
	cases := []struct {
		name  string
		roles []string
		want  int
	}{
		{name: "empty", roles: nil, want: 0},
		{name: "ends with user", roles: []string{"user", "assistant", "user"}, want: 3},
		{name: "trailing assistant", roles: []string{"user", "assistant", "user", "assistant"}, want: 3},
		{name: "no user", roles: []string{"assistant", "assistant"}, want: 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var msgs []Message
			for _, r := range tc.roles {
				msgs = append(msgs, Message{Role: r})
			}
			if got := len(TrimToLastUser(msgs)); got != tc.want {
				t.Fatalf("TrimToLastUser() kept %d, want %d", got, tc.want)
			}
		})
	}
}

func TestNewStore(t *testing.T) {
	dir := t.TempDir()

	s, err := NewStore(config.HistoryConfig{Backend: "sqlite", Dir: dir})
	if err != nil {
		t.Fatalf("NewStore(sqlite) error = %v", err)
	}
	if _, ok := s.(*SQLiteStore); !ok {
		t.Fatalf("NewStore(sqlite) = %T", s)
	}
	_ = s.Close()

	s, err = NewStore(config.HistoryConfig{Backend: "json", Dir: dir})
	if err != nil {
		t.Fatalf("NewStore(json) error = %v", err)
	}
	if _, ok := s.(*FileStore); !ok {
		t.Fatalf("NewStore(json) = %T", s)
	}

	if _, err := NewStore(config.HistoryConfig{Backend: "redis", Dir: dir}); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
}
