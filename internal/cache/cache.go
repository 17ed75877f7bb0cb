// Package cache stores resolved result tables keyed by a fingerprint of the
// query identity, parameters and result shape.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/paradigmxyz/spice/internal/dune"
	"github.com/paradigmxyz/spice/internal/table"
)

var ErrMiss = errors.New("cache miss")

// Entry is one cached result. Table holds the rows before any caller type
// overrides.
type Entry struct {
	Fingerprint   string
	QueryIdentity string
	ExecutionID   string
	// ExecutedAt is when the execution that produced Table was submitted.
	ExecutedAt    time.Time
	CapturedAt    time.Time
	Table         *table.Table
}

// Age is measured from the source execution, not from when the entry was
// written. Entries saved without an execution time fall back to CapturedAt.
func (e Entry) Age(now time.Time) time.Duration {
	if e.ExecutedAt.IsZero() {
		return now.Sub(e.CapturedAt)
	}
	return now.Sub(e.ExecutedAt)
}

// Store is implemented by every cache backend. Save overwrites any entry with
// the same fingerprint and must be atomic.
type Store interface {
	Lookup(ctx context.Context, fingerprint string) (Entry, error)
	Save(ctx context.Context, entry Entry) error
}

// Key is everything that changes which rows a query returns.
type Key struct {
	Identity    string
	Parameters  dune.Parameters
	Limit       int64
	Offset      int64
	SampleCount int64
	SortBy      string
	Columns     []string
	Extras      map[string]string
}

type canonicalKey struct {
	Identity    string            `json:"identity"`
	Parameters  map[string]string `json:"parameters"`
	Limit       int64             `json:"limit"`
	Offset      int64             `json:"offset"`
	SampleCount int64             `json:"sample_count"`
	SortBy      string            `json:"sort_by"`
	Columns     []string          `json:"columns"`
	Extras      map[string]string `json:"extras"`
}

// Fingerprint returns the hex SHA-256 of the canonical JSON encoding of k.
// Parameter kinds are part of the encoding so Int(3) and Float(3) differ.
func Fingerprint(k Key) (string, error) {
	params := make(map[string]string, len(k.Parameters))
	for name, value := range k.Parameters {
		params[name] = value.Kind().String() + ":" + value.String()
	}
	columns := append([]string{}, k.Columns...)
	extras := make(map[string]string, len(k.Extras))
	for name, value := range k.Extras {
		extras[name] = value
	}
	encoded, err := json.Marshal(canonicalKey{
		Identity:    k.Identity,
		Parameters:  params,
		Limit:       k.Limit,
		Offset:      k.Offset,
		SampleCount: k.SampleCount,
		SortBy:      k.SortBy,
		Columns:     columns,
		Extras:      extras,
	})
	if err != nil {
		return "", fmt.Errorf("encode cache key: %w", err)
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:]), nil
}
