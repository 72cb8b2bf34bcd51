// Package storage provides file access to the ComfyUI working tree and
// optional S3 upload for produced artifacts.
package storage

import "errors"

// Static errors for storage operations.
var (
	// ErrUnsafePath is returned when a path would escape the storage root.
	ErrUnsafePath = errors.New("storage: path escapes storage root")
	// ErrRootRequired is returned when no root directory is configured.
	ErrRootRequired = errors.New("storage: root directory is required")
	// ErrS3BucketRequired is returned when S3 storage is built without a bucket.
	ErrS3BucketRequired = errors.New("storage: S3 bucket is required")
)
