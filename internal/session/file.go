package session

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// FileStore is a MemoryStore snapshotted to a JSON file after every write.
// External edits to the file are picked up by Reload (see Watch).
type FileStore struct {
	*MemoryStore
	path        string
	lastWritten []byte
}

func NewFileStore(path string) (*FileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	fs := &FileStore{MemoryStore: NewMemoryStore(), path: path}
	if _, err := fs.Reload(); err != nil {
		return nil, err
	}
	fs.MemoryStore.onWrite = fs.save
	return fs, nil
}

func (f *FileStore) Path() string {
	return f.path
}

// Reload replaces in-memory state with the file contents. A missing file
// yields an empty store. It reports whether anything changed.
func (f *FileStore) Reload() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := os.ReadFile(f.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return false, err
	}
	if f.lastWritten != nil && bytes.Equal(data, f.lastWritten) {
		return false, nil
	}
	var state *persistedState
	if len(bytes.TrimSpace(data)) > 0 {
		state = &persistedState{}
		if err := json.Unmarshal(data, state); err != nil {
			return false, err
		}
	}
	f.restoreLocked(state)
	f.lastWritten = data
	return true, nil
}

func (f *FileStore) save(state *persistedState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(f.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return err
	}
	f.lastWritten = data
	return nil
}
