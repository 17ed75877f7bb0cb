// Package s3 keeps cached result payloads in an S3-compatible bucket so a
// team can share one cache.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/paradigmxyz/spice/internal/config"
	"github.com/paradigmxyz/spice/internal/storage"
)

// object is a downloaded payload together with the headers Get validates.
type object struct {
	Body        io.ReadCloser
	ContentType string
	Size        int64
}

// bucketAPI is the slice of the S3 API the store needs.
type bucketAPI interface {
	Upload(ctx context.Context, bucket, key string, payload []byte, contentType string) (int64, error)
	Download(ctx context.Context, bucket, key string) (object, error)
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket, region string) error
}

type Store struct {
	api    bucketAPI
	bucket string
	prefix string
}

func New(ctx context.Context, cfg config.S3Config) (*Store, error) {
	host, secure, err := parseEndpoint(cfg.Endpoint, cfg.UseSSL)
	if err != nil {
		return nil, err
	}
	mc, err := minio.New(host, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: secure,
		Region: strings.TrimSpace(cfg.Region),
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}
	store, err := newStore(minioAPI{client: mc}, cfg.Bucket, cfg.Prefix)
	if err != nil {
		return nil, err
	}
	if cfg.AutoCreateBucket {
		if err := store.ensureBucket(ctx, strings.TrimSpace(cfg.Region)); err != nil {
			return nil, err
		}
	}
	return store, nil
}

func newStore(api bucketAPI, bucket, prefix string) (*Store, error) {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	cleaned, err := cleanPrefix(prefix)
	if err != nil {
		return nil, err
	}
	return &Store{api: api, bucket: bucket, prefix: cleaned}, nil
}

// Put relies on single-request PUTs replacing the object atomically.
func (s *Store) Put(ctx context.Context, fingerprint string, payload []byte) error {
	key, err := s.key(fingerprint)
	if err != nil {
		return err
	}
	written, err := s.api.Upload(ctx, s.bucket, key, payload, storage.ParquetContentType)
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	if written != int64(len(payload)) {
		return fmt.Errorf("upload %s: stored %d of %d bytes", key, written, len(payload))
	}
	return nil
}

// Get rejects objects that were not written by Put or were cut short.
func (s *Store) Get(ctx context.Context, fingerprint string) ([]byte, error) {
	key, err := s.key(fingerprint)
	if err != nil {
		return nil, err
	}
	obj, err := s.api.Download(ctx, s.bucket, key)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("download %s: %w", key, err)
	}
	defer func() { _ = obj.Body.Close() }()

	if obj.ContentType != storage.ParquetContentType {
		return nil, fmt.Errorf("%w: %s has content type %q", storage.ErrUnexpectedObject, key, obj.ContentType)
	}
	if obj.Size <= 0 {
		return nil, fmt.Errorf("%w: %s is empty", storage.ErrUnexpectedObject, key)
	}
	var buf bytes.Buffer
	buf.Grow(int(obj.Size))
	if _, err := io.Copy(&buf, io.LimitReader(obj.Body, obj.Size+1)); err != nil {
		return nil, fmt.Errorf("download %s: %w", key, err)
	}
	if int64(buf.Len()) != obj.Size {
		return nil, fmt.Errorf("%w: %s read %d bytes, header says %d", storage.ErrUnexpectedObject, key, buf.Len(), obj.Size)
	}
	return buf.Bytes(), nil
}

func (s *Store) key(fingerprint string) (string, error) {
	key, err := storage.BuildResultKey(fingerprint)
	if err != nil {
		return "", err
	}
	if s.prefix == "" {
		return key, nil
	}
	return s.prefix + "/" + key, nil
}

func (s *Store) ensureBucket(ctx context.Context, region string) error {
	exists, err := s.api.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %q: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.api.MakeBucket(ctx, s.bucket, region); err != nil {
		return fmt.Errorf("create bucket %q: %w", s.bucket, err)
	}
	return nil
}

// cleanPrefix trims slashes and refuses prefixes that climb out of the bucket
// root.
func cleanPrefix(prefix string) (string, error) {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return "", nil
	}
	for _, segment := range strings.Split(prefix, "/") {
		if segment == ".." {
			return "", fmt.Errorf("invalid s3 prefix %q", prefix)
		}
	}
	cleaned := path.Clean(prefix)
	if cleaned == "." {
		return "", nil
	}
	return cleaned, nil
}

// parseEndpoint accepts a bare host[:port] or a URL. An https URL forces TLS
// regardless of useSSL.
func parseEndpoint(raw string, useSSL bool) (string, bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false, fmt.Errorf("s3 endpoint is required")
	}
	if !strings.Contains(raw, "://") {
		return raw, useSSL, nil
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", false, fmt.Errorf("parse s3 endpoint: %w", err)
	}
	switch {
	case parsed.Host == "":
		return "", false, fmt.Errorf("s3 endpoint %q has no host", raw)
	case parsed.Scheme == "https":
		return parsed.Host, true, nil
	case parsed.Scheme == "http":
		return parsed.Host, useSSL, nil
	default:
		return "", false, fmt.Errorf("s3 endpoint %q: unsupported scheme %q", raw, parsed.Scheme)
	}
}

type minioAPI struct {
	client *minio.Client
}

func (m minioAPI) Upload(ctx context.Context, bucket, key string, payload []byte, contentType string) (int64, error) {
	info, err := m.client.PutObject(ctx, bucket, key, bytes.NewReader(payload), int64(len(payload)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return 0, translate(err)
	}
	return info.Size, nil
}

// Download stats the object before returning it so a missing key surfaces
// here rather than on the first read.
func (m minioAPI) Download(ctx context.Context, bucket, key string) (object, error) {
	obj, err := m.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return object{}, translate(err)
	}
	info, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		return object{}, translate(err)
	}
	return object{Body: obj, ContentType: info.ContentType, Size: info.Size}, nil
}

func (m minioAPI) BucketExists(ctx context.Context, bucket string) (bool, error) {
	exists, err := m.client.BucketExists(ctx, bucket)
	return exists, translate(err)
}

func (m minioAPI) MakeBucket(ctx context.Context, bucket, region string) error {
	return translate(m.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region}))
}

func translate(err error) error {
	if err == nil {
		return nil
	}
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket", "NotFound":
		return storage.ErrObjectNotFound
	}
	return err
}
