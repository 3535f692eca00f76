// Package provider defines the sources archives are downloaded from.
//
// A provider exposes metadata and streaming reads for objects addressed by
// a key. What a key means depends on the implementation: a full URL for the
// web provider, a path for the file provider, an object key for S3.
// Authentication uses SDK default credential chains; providers do not
// implement custom auth logic.
package provider

import (
	"context"
	"io"
	"time"
)

// Provider abstracts a read-only archive source.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Head returns metadata for a single object.
	// Returns ErrNotFound if the object does not exist.
	Head(ctx context.Context, key string) (*ObjectMeta, error)

	// GetObject opens the object for streaming. The returned length is -1
	// when the source does not report one.
	GetObject(ctx context.Context, key string) (body io.ReadCloser, contentLength int64, err error)

	// Close releases any resources held by the provider.
	Close() error
}

// ObjectSummary contains basic metadata returned from List operations.
type ObjectSummary struct {
	// Key is the object key as passed to the provider.
	Key string

	// Size is the object size in bytes.
	Size int64

	// ETag is the entity tag, if the source reports one.
	ETag string

	// LastModified is when the object was last modified.
	LastModified time.Time
}

// ObjectMeta contains full metadata for a single object.
// Returned by Head operations.
type ObjectMeta struct {
	ObjectSummary

	// ContentType is the MIME type of the object.
	ContentType string

	// Metadata contains source-specific key-value pairs (S3 user metadata,
	// the HTTP Content-Disposition filename).
	Metadata map[string]string
}

// ProviderType identifies a source implementation.
type ProviderType string

const (
	// ProviderHTTP represents an HTTP(S) download service.
	ProviderHTTP ProviderType = "http"

	// ProviderFile represents the local filesystem.
	ProviderFile ProviderType = "file"

	// ProviderS3 represents AWS S3 or S3-compatible storage.
	ProviderS3 ProviderType = "s3"
)

// String returns the string representation of the provider type.
func (p ProviderType) String() string {
	return string(p)
}
