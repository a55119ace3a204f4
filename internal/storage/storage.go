// Package storage provides object storage for archived log chunks.
package storage

import (
	"context"
	"errors"
)

// Common errors for storage operations.
var (
	ErrObjectNotFound = errors.New("object not found")
	ErrUploadFailed   = errors.New("upload failed")
	ErrDownloadFailed = errors.New("download failed")
	ErrDeleteFailed   = errors.New("delete failed")
)

// ObjectStorage abstracts a flat key/value object store.
// Implementations include S3 and the local filesystem.
type ObjectStorage interface {
	// Put writes data under key, replacing any existing object.
	Put(ctx context.Context, key string, data []byte) error

	// Get returns the object stored under key or ErrObjectNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, key string) error

	// List returns every key under prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)
}
