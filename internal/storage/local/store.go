// Package local keeps cached result payloads as files under a directory.
package local

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/paradigmxyz/spice/internal/storage"
)

type Store struct {
	root string
}

func New(root string) (*Store, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("cache directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory %q: %w", root, err)
	}
	return &Store{root: root}, nil
}

// Put writes the payload to a uniquely named temp file next to its final path
// and renames it into place.
func (s *Store) Put(ctx context.Context, fingerprint string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	target, err := s.path(fingerprint)
	if err != nil {
		return err
	}
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create cache directory %q: %w", dir, err)
	}

	tmpPath := filepath.Join(dir, ".tmp-"+uuid.NewString())
	if err := os.WriteFile(tmpPath, payload, 0o644); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write cache file %s: %w", fingerprint, err)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("install cache file %s: %w", fingerprint, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, fingerprint string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	target, err := s.path(fingerprint)
	if err != nil {
		return nil, err
	}
	payload, err := os.ReadFile(target)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, storage.ErrObjectNotFound
		}
		return nil, fmt.Errorf("read cache file %s: %w", fingerprint, err)
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: cache file %s is empty", storage.ErrUnexpectedObject, fingerprint)
	}
	return payload, nil
}

func (s *Store) path(fingerprint string) (string, error) {
	key, err := storage.BuildResultKey(fingerprint)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(key)), nil
}
