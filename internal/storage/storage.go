// Package storage provides object storage abstractions used by the
// dead-letter archiver. Implementations include S3 and the local
// filesystem for testing and development.
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

// ObjectStorage abstracts object storage operations on small blobs.
type ObjectStorage interface {
	// Put writes data to objectPath, replacing any existing object.
	Put(ctx context.Context, objectPath string, data []byte) error

	// Get reads the object at objectPath.
	// Returns ErrObjectNotFound if it does not exist.
	Get(ctx context.Context, objectPath string) ([]byte, error)

	// Exists checks whether an object exists at objectPath.
	Exists(ctx context.Context, objectPath string) (bool, error)

	// List returns all object paths under the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, objectPath string) error
}
