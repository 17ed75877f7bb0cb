// Package storage abstracts the object stores that hold cached result
// payloads. Stores are addressed by result fingerprint and build their own
// object keys with BuildResultKey.
package storage

import (
	"context"
	"errors"
)

var (
	ErrObjectNotFound = errors.New("object not found")
	// ErrUnexpectedObject marks an object that exists but is not a complete
	// result payload.
	ErrUnexpectedObject = errors.New("unexpected object")
)

// ObjectStore is implemented by the local filesystem and S3 stores. Put must
// make the payload visible all at once: readers observe either the previous
// payload or the complete new one.
type ObjectStore interface {
	Put(ctx context.Context, fingerprint string, payload []byte) error
	Get(ctx context.Context, fingerprint string) ([]byte, error)
}
