// Package storage provides the object store used to publish dataset artifacts.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// Common errors for storage operations.
var (
	ErrObjectNotFound = errors.New("object not found")
	ErrUploadFailed   = errors.New("upload failed")
	ErrDeleteFailed   = errors.New("delete failed")
	ErrListFailed     = errors.New("list failed")
)

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
	ETag         string
}

// ObjectStore abstracts the S3-compatible bucket artifacts are published to.
// Implementations are S3Store and MemoryStore (tests).
type ObjectStore interface {
	// Head returns metadata for key, or ErrObjectNotFound.
	Head(ctx context.Context, key string) (ObjectInfo, error)

	// Put stores size bytes from body under key with the given content type.
	Put(ctx context.Context, key string, body io.ReadSeeker, size int64, contentType string) error

	// List returns every object whose key starts with prefix.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}
