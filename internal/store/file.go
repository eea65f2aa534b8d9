package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/szaher/convmem/internal/memory"
)

// FileStore keeps one JSON file per conversation under a directory.
// Writes go to a temporary file that is renamed into place.
type FileStore struct {
	Dir string
}

// NewFileStore creates a file store rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	return &FileStore{Dir: dir}, nil
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.Dir, url.PathEscape(key)+".json")
}

// Get reads the state file for key.
func (s *FileStore) Get(_ context.Context, key string) (memory.State, bool, error) {
	if err := checkKey(key); err != nil {
		return memory.State{}, false, err
	}
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return memory.State{}, false, nil
		}
		return memory.State{}, false, err
	}
	st, err := decodeState(data)
	if err != nil {
		return memory.State{}, false, fmt.Errorf("%s: %w", s.path(key), err)
	}
	return st, true, nil
}

// Put writes the state file for key.
func (s *FileStore) Put(_ context.Context, key string, state memory.State) error {
	if err := checkKey(key); err != nil {
		return err
	}
	data, err := encodeState(state)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(s.Dir, ".state-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, s.path(key)); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}
