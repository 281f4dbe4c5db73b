package storage

import (
	"context"
	"io"
)

// PutResult is the outcome of a successful upload.
type PutResult struct {
	ObjectKey string
	URL       string
}

// Store is the artifact store contract. Keys are server-assigned with shape
// user_id/<ulid>.mp4; authorization on delete and get is enforced by key
// prefix.
type Store interface {
	Put(ctx context.Context, userID, localPath, contentType string) (PutResult, error)
	Get(ctx context.Context, userID, objectKey string) (io.ReadCloser, int64, error)
	Delete(ctx context.Context, userID, objectKey string) error
}
