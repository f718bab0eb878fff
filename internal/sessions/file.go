package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FileStore keeps one JSON file per key under <root>/storage, e.g.
// <root>/storage/session/<id>.json. Writes go through a temp file and a
// rename so readers never see partial documents.
type FileStore struct {
	dir   string
	locks *KeyLocker
}

// NewFileStore creates a store rooted at root.
func NewFileStore(root string) (*FileStore, error) {
	dir := filepath.Join(root, "storage")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &FileStore{dir: dir, locks: NewKeyLocker()}, nil
}

// Dir returns the storage directory.
func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) path(key []string) string {
	parts := append([]string{s.dir}, key...)
	return filepath.Join(parts...) + ".json"
}

func (s *FileStore) Read(ctx context.Context, key []string, v any) error {
	if err := validateKey(key, false); err != nil {
		return err
	}
	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return notFound(key)
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", keyString(key), err)
	}
	return nil
}

func (s *FileStore) Write(ctx context.Context, key []string, v any) error {
	if err := validateKey(key, false); err != nil {
		return err
	}
	unlock, err := s.locks.Lock(ctx, keyString(key))
	if err != nil {
		return err
	}
	defer unlock()
	return s.write(key, v)
}

func (s *FileStore) write(key []string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", keyString(key), err)
	}
	path := s.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

func (s *FileStore) Update(ctx context.Context, key []string, v any, fn func() error) error {
	if err := validateKey(key, false); err != nil {
		return err
	}
	unlock, err := s.locks.Lock(ctx, keyString(key))
	if err != nil {
		return err
	}
	defer unlock()

	if err := s.Read(ctx, key, v); err != nil {
		return err
	}
	if err := fn(); err != nil {
		return err
	}
	return s.write(key, v)
}

func (s *FileStore) Remove(ctx context.Context, key []string) error {
	if err := validateKey(key, false); err != nil {
		return err
	}
	unlock, err := s.locks.Lock(ctx, keyString(key))
	if err != nil {
		return err
	}
	defer unlock()

	err = os.Remove(s.path(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *FileStore) List(ctx context.Context, prefix []string) ([][]string, error) {
	if err := validateKey(prefix, true); err != nil {
		return nil, err
	}
	root := filepath.Join(append([]string{s.dir}, prefix...)...)
	var keys [][]string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(s.dir, strings.TrimSuffix(path, ".json"))
		if err != nil {
			return err
		}
		keys = append(keys, strings.Split(filepath.ToSlash(rel), "/"))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortKeys(keys)
	return keys, nil
}
