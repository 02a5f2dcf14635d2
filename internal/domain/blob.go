package domain

import (
	"context"
	"io"
	"time"
)

// BlobInfo describes a stored object.
type BlobInfo struct {
	Path         string
	Size         int64
	ContentType  string
	LastModified time.Time
}

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// BlobReader retrieves data from object storage.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// AttachmentStore stores evidence attachments under content-addressed keys.
type AttachmentStore interface {
	// PutAttachment stores the bytes and returns the content-addressed
	// reference (keccak256 hex of the content).
	PutAttachment(ctx context.Context, data []byte, contentType string) (ref string, err error)
	GetAttachment(ctx context.Context, ref string) ([]byte, error)
}

// Archiver moves aged audit data from the database to cold storage.
type Archiver interface {
	ArchiveAuditLog(ctx context.Context, before time.Time) (int64, error)
	ArchiveSettlements(ctx context.Context, before time.Time) (int64, error)
}
