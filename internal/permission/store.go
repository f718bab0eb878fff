package permission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ApprovedStore persists rules granted with an "always" reply.
type ApprovedStore interface {
	Load(ctx context.Context) (Ruleset, error)
	Save(ctx context.Context, rules Ruleset) error
}

// FileStore keeps the approved ruleset in a JSON file.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore creates a store backed by path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads the ruleset. A missing file yields an empty ruleset.
func (s *FileStore) Load(ctx context.Context) (Ruleset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read approved rules: %w", err)
	}
	var rules Ruleset
	if err := json.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("parse approved rules: %w", err)
	}
	return rules, nil
}

// Save writes the ruleset atomically.
func (s *FileStore) Save(ctx context.Context, rules Ruleset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create approved rules dir: %w", err)
	}
	data, err := json.MarshalIndent(rules, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal approved rules: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write approved rules: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace approved rules: %w", err)
	}
	return nil
}
