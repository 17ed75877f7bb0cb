package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/paradigmxyz/spice/internal/storage"
)

// ObjectCache keeps one parquet object per fingerprint in an object store.
type ObjectCache struct {
	store storage.ObjectStore
}

func NewObjectCache(store storage.ObjectStore) (*ObjectCache, error) {
	if store == nil {
		return nil, fmt.Errorf("object store is required")
	}
	return &ObjectCache{store: store}, nil
}

func (c *ObjectCache) Lookup(ctx context.Context, fingerprint string) (Entry, error) {
	payload, err := c.store.Get(ctx, fingerprint)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return Entry{}, ErrMiss
		}
		return Entry{}, fmt.Errorf("read cache object: %w", err)
	}
	entry, err := DecodePayload(payload)
	if err != nil {
		return Entry{}, err
	}
	if entry.Fingerprint != fingerprint {
		return Entry{}, fmt.Errorf("cache object %s holds fingerprint %s", fingerprint, entry.Fingerprint)
	}
	return entry, nil
}

func (c *ObjectCache) Save(ctx context.Context, entry Entry) error {
	payload, err := EncodePayload(entry)
	if err != nil {
		return err
	}
	if err := c.store.Put(ctx, entry.Fingerprint, payload); err != nil {
		return fmt.Errorf("write cache object: %w", err)
	}
	return nil
}
