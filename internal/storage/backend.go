// Package storage defines the Backend interface for raw resource content.
// Resource metadata (paths, timestamps, properties, strong links) lives in
// PostgreSQL; backends only hold the content bytes, keyed by content key.
package storage

import (
	"context"
	"io"
)

// Backend is the interface for content storage backends.
type Backend interface {
	// GetObject retrieves an object by key with optional range support.
	// If offset=0 and length=0, the entire object is returned.
	GetObject(ctx context.Context, key string, offset, length int64) (io.ReadCloser, int64, error)

	// PutObject uploads content to the given key.
	PutObject(ctx context.Context, key string, body io.Reader, size int64) error

	// DeleteObject removes an object by key.
	DeleteObject(ctx context.Context, key string) error

	// ObjectExists checks if an object exists at the given key.
	ObjectExists(ctx context.Context, key string) (bool, error)

	// Type returns the backend type identifier ("s3", "local", "smb").
	Type() string

	// Close releases any resources held by the backend.
	Close() error
}
