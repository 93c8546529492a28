package s3store

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrNotFound is returned by API.HeadObject for a missing key.
	ErrNotFound = errors.New("s3store: object not found")
	// ErrPreconditionFailed is returned by API.PutObject when IfNoneMatch
	// is set and the key already exists.
	ErrPreconditionFailed = errors.New("s3store: precondition failed")
)

// API is the subset of S3 the store needs.
type API interface {
	HeadObject(ctx context.Context, req *HeadObjectRequest) (*ObjectInfo, error)
	PutObject(ctx context.Context, req *PutObjectRequest) error
	CopyObject(ctx context.Context, req *CopyObjectRequest) error
	DeleteObject(ctx context.Context, req *DeleteObjectRequest) error
}

type HeadObjectRequest struct {
	Bucket string
	Key    string
}

type ObjectInfo struct {
	Size     int64
	Metadata map[string]string
}

type PutObjectRequest struct {
	Bucket      string
	Key         string
	Body        io.Reader
	Size        int64
	ContentType string
	Metadata    map[string]string
	// IfNoneMatch only creates the object if the key does not exist yet.
	IfNoneMatch bool
}

type CopyObjectRequest struct {
	Bucket    string
	SourceKey string
	Key       string
}

type DeleteObjectRequest struct {
	Bucket string
	Key    string
}
