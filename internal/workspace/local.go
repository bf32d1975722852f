package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// LocalStore keeps archives as files under one directory
type LocalStore struct {
	storePath string
}

// NewLocalStore creates a local archive store
func NewLocalStore(storePath string) (*LocalStore, error) {
	if err := os.MkdirAll(storePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	return &LocalStore{storePath: storePath}, nil
}

func (s *LocalStore) path(sessionID string) string {
	return filepath.Join(s.storePath, archiveName(sessionID))
}

// Save compresses dir into the session's archive
func (s *LocalStore) Save(ctx context.Context, sessionID, dir string) error {
	tmp, err := os.CreateTemp(s.storePath, archiveName(sessionID)+".*")
	if err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := compressDirectory(dir, tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to compress workspace: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write archive: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path(sessionID)); err != nil {
		return fmt.Errorf("failed to store archive: %w", err)
	}
	return nil
}

// Restore extracts the session's archive into dir
func (s *LocalStore) Restore(ctx context.Context, sessionID, dir string) error {
	file, err := os.Open(s.path(sessionID))
	if os.IsNotExist(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer file.Close()

	if err := extractDirectory(file, dir); err != nil {
		return fmt.Errorf("failed to extract workspace: %w", err)
	}
	return nil
}

// Delete removes the session's archive; a missing archive is not an error
func (s *LocalStore) Delete(ctx context.Context, sessionID string) error {
	if err := os.Remove(s.path(sessionID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete archive: %w", err)
	}
	return nil
}
