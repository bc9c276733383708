// Package storage provides the object stores snapshots are kept in.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/offsync/offsync/internal/config"
)

// Common errors for storage operations.
var (
	ErrObjectNotFound = errors.New("object not found")
	ErrUploadFailed   = errors.New("upload failed")
	ErrDownloadFailed = errors.New("download failed")
	ErrDeleteFailed   = errors.New("delete failed")
)

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// ObjectStorage abstracts the object store holding snapshots.
type ObjectStorage interface {
	// Put uploads the file at localPath to objectPath.
	Put(ctx context.Context, localPath, objectPath string) error

	// Get downloads objectPath to localPath. It returns ErrObjectNotFound
	// when the object does not exist.
	Get(ctx context.Context, objectPath, localPath string) error

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, objectPath string) error

	// Exists checks if an object exists.
	Exists(ctx context.Context, objectPath string) (bool, error)

	// List returns the objects under prefix ordered by path.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
}

// Open builds the object store described by cfg.
func Open(ctx context.Context, cfg config.SnapshotConfig) (ObjectStorage, error) {
	switch cfg.Type {
	case "", "local":
		return NewLocalStorage(cfg.Path)
	case "s3":
		return NewS3Storage(ctx, cfg.S3.Bucket, S3Config{
			Region:       cfg.S3.Region,
			Endpoint:     cfg.S3.Endpoint,
			UsePathStyle: cfg.S3.UsePathStyle,
		})
	default:
		return nil, fmt.Errorf("unknown snapshot storage type: %s", cfg.Type)
	}
}
