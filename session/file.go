package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// FileStore 文件存储，每个会话一个 JSON 文件
type FileStore struct {
	baseDir  string
	mu       sync.Mutex
	sessions map[string][]Message
}

// NewFileStore 创建文件存储
func NewFileStore(baseDir string) (*FileStore, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, fmt.Errorf("history dir is required")
	}
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, err
	}
	return &FileStore{
		baseDir:  baseDir,
		sessions: make(map[string][]Message),
	}, nil
}

func (s *FileStore) Append(key string, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	messages, ok := s.sessions[key]
	if !ok {
		loaded, err := s.load(key)
		if err != nil && !errors.Is(err, ErrSessionNotFound) {
			return err
		}
		messages = loaded
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	messages = append(messages, msg)
	s.sessions[key] = messages
	return s.save(key, messages)
}

func (s *FileStore) Load(key string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if messages, ok := s.sessions[key]; ok {
		return append([]Message(nil), messages...), nil
	}
	return s.load(key)
}

func (s *FileStore) Latest() (string, []Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return "", nil, err
	}

	var (
		latestKey  string
		latestTime time.Time
	)
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if latestKey == "" || info.ModTime().After(latestTime) {
			latestKey = strings.TrimSuffix(entry.Name(), ".json")
			latestTime = info.ModTime()
		}
	}
	if latestKey == "" {
		return "", nil, ErrSessionNotFound
	}

	messages, err := s.load(latestKey)
	if err != nil {
		return "", nil, err
	}
	return latestKey, TrimToLastUser(messages), nil
}

func (s *FileStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() && filepath.Ext(entry.Name()) == ".json" {
			keys = append(keys, strings.TrimSuffix(entry.Name(), ".json"))
		}
	}
	return keys, nil
}

func (s *FileStore) Close() error {
	return nil
}

// load 从磁盘加载会话
func (s *FileStore) load(key string) ([]Message, error) {
	data, err := os.ReadFile(s.sessionPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, key)
		}
		return nil, err
	}

	var messages []Message
	if err := json.Unmarshal(data, &messages); err != nil {
		return nil, fmt.Errorf("failed to parse session %s: %w", key, err)
	}
	return messages, nil
}

// save 原子地写入会话文件
func (s *FileStore) save(key string, messages []Message) error {
	data, err := json.MarshalIndent(messages, "", "  ")
	if err != nil {
		return err
	}

	filePath := s.sessionPath(key)
	tmpPath := fmt.Sprintf("%s.%d.tmp", filePath, time.Now().UnixNano())
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, filePath); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}

// sessionPath 获取会话文件路径
func (s *FileStore) sessionPath(key string) string {
	// 将 key 中的特殊字符替换为下划线
	safeKey := strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == ':' || r == '*' || r == '?' || r == '"' || r == '<' || r == '>' || r == '|' {
			return '_'
		}
		return r
	}, key)

	return filepath.Join(s.baseDir, safeKey+".json")
}
