package storage

import (
	"context"
	"io"
)

type Object struct {
	Name string
	Size int64
}

// Provider is the object storage abstraction behind image and thumbnail
// persistence. Implementations exist for the local filesystem and S3
// compatible stores.
type Provider interface {
	CreateBucket(ctx context.Context, bucket string) error

	GetObject(ctx context.Context, bucket, key string) ([]byte, error)

	GetObjectStream(ctx context.Context, bucket, key string) (io.ReadCloser, error)

	PutObject(ctx context.Context, bucket, key string, data io.Reader) error

	DeleteObjects(ctx context.Context, bucket string, keys ...string) error

	ListObjects(ctx context.Context, bucket, prefix string) ([]Object, error)
}
