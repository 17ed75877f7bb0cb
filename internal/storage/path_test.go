package storage

import (
	"strings"
	"testing"
)

func TestBuildResultKey(t *testing.T) {
	fingerprint := strings.Repeat("ab", 32)
	key, err := BuildResultKey(fingerprint)
	if err != nil {
		t.Fatalf("BuildResultKey() error = %v", err)
	}
	want := "results/ab/" + fingerprint + ".parquet"
	if key != want {
		t.Fatalf("BuildResultKey() = %q, want %q", key, want)
	}
}

func TestBuildResultKeyRejectsInvalidFingerprint(t *testing.T) {
	for _, fingerprint := range []string{"", "../oops", strings.Repeat("AB", 32), strings.Repeat("a", 63)} {
		if _, err := BuildResultKey(fingerprint); err == nil {
			t.Fatalf("BuildResultKey(%q) expected error", fingerprint)
		}
	}
}
