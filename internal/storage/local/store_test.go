package local

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/paradigmxyz/spice/internal/storage"
)

func TestStoreOverwritesInPlace(t *testing.T) {
	root := filepath.Join(t.TempDir(), "cache")
	store, err := New(root)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx := context.Background()
	fingerprint := strings.Repeat("ab", 32)

	if _, err := store.Get(ctx, fingerprint); !errors.Is(err, storage.ErrObjectNotFound) {
		t.Fatalf("Get() before Put error = %v, want ErrObjectNotFound", err)
	}
	if err := store.Put(ctx, fingerprint, []byte("first")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := store.Put(ctx, fingerprint, []byte("second")); err != nil {
		t.Fatalf("Put() overwrite error = %v", err)
	}

	payload, err := store.Get(ctx, fingerprint)
	if err != nil || string(payload) != "second" {
		t.Fatalf("Get() = %q, %v", payload, err)
	}

	entries, err := os.ReadDir(filepath.Join(root, "results", "ab"))
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != fingerprint+".parquet" {
		t.Fatalf("cache dir holds %d entries, want only the result file", len(entries))
	}
}

func TestStoreRejectsInvalidFingerprint(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	for _, fingerprint := range []string{"", "..", "../secrets", strings.Repeat("z", 64)} {
		if err := store.Put(context.Background(), fingerprint, []byte("x")); err == nil {
			t.Fatalf("Put(%q) expected error", fingerprint)
		}
	}
}

func TestEmptyFileIsUnexpected(t *testing.T) {
	root := t.TempDir()
	store, err := New(root)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	fingerprint := strings.Repeat("cd", 32)
	dir := filepath.Join(root, "results", "cd")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, fingerprint+".parquet"), nil, 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if _, err := store.Get(context.Background(), fingerprint); !errors.Is(err, storage.ErrUnexpectedObject) {
		t.Fatalf("Get() error = %v, want ErrUnexpectedObject", err)
	}
}
