package cache

import (
	"bytes"
	"fmt"
	"time"

	"github.com/paradigmxyz/spice/internal/table"
)

const (
	metaFingerprint = "spice.fingerprint"
	metaIdentity    = "spice.query_identity"
	metaExecutionID = "spice.execution_id"
	metaExecutedAt  = "spice.executed_at"
	metaCapturedAt  = "spice.captured_at"
)

// EncodePayload serialises an entry as a parquet file carrying the entry
// metadata.
func EncodePayload(entry Entry) ([]byte, error) {
	if entry.Table == nil {
		return nil, fmt.Errorf("cache entry has no table")
	}
	var buf bytes.Buffer
	metadata := map[string]string{
		metaFingerprint: entry.Fingerprint,
		metaIdentity:    entry.QueryIdentity,
		metaExecutionID: entry.ExecutionID,
		metaCapturedAt:  entry.CapturedAt.UTC().Format(time.RFC3339Nano),
	}
	if !entry.ExecutedAt.IsZero() {
		metadata[metaExecutedAt] = entry.ExecutedAt.UTC().Format(time.RFC3339Nano)
	}
	err := table.WriteParquet(&buf, entry.Table, metadata)
	if err != nil {
		return nil, fmt.Errorf("encode cache payload: %w", err)
	}
	return buf.Bytes(), nil
}

func DecodePayload(data []byte) (Entry, error) {
	tbl, metadata, err := table.ReadParquet(bytes.NewReader(data), int64(len(data)),
		metaFingerprint, metaIdentity, metaExecutionID, metaExecutedAt, metaCapturedAt)
	if err != nil {
		return Entry{}, fmt.Errorf("decode cache payload: %w", err)
	}
	capturedAt, err := time.Parse(time.RFC3339Nano, metadata[metaCapturedAt])
	if err != nil {
		return Entry{}, fmt.Errorf("decode cache payload captured_at: %w", err)
	}
	var executedAt time.Time
	if raw, ok := metadata[metaExecutedAt]; ok {
		executedAt, err = time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return Entry{}, fmt.Errorf("decode cache payload executed_at: %w", err)
		}
	}
	return Entry{
		Fingerprint:   metadata[metaFingerprint],
		QueryIdentity: metadata[metaIdentity],
		ExecutionID:   metadata[metaExecutionID],
		ExecutedAt:    executedAt,
		CapturedAt:    capturedAt,
		Table:         tbl,
	}, nil
}
