// Package gcs stores page snapshots in a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/storage"
)

// Config names the destination bucket.
type Config struct {
	Bucket string
}

// BlobStore uploads snapshot blobs and hands back gs:// URIs that get
// recorded on the analysis result.
type BlobStore struct {
	bucket *storage.BucketHandle
	name   string
}

// New wraps an existing storage client. The client's lifecycle stays with
// the caller.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, errors.New("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("bucket name is required")
	}
	return &BlobStore{
		bucket: client.Bucket(cfg.Bucket),
		name:   cfg.Bucket,
	}, nil
}

// PutObject writes data under path and returns the object's gs:// URI. The
// upload is atomic: GCS only materializes the object on a clean Close.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("path is required")
	}

	w := s.bucket.Object(path).NewWriter(ctx)
	if contentType != "" {
		w.ContentType = contentType
	}
	_, werr := w.Write(data)
	cerr := w.Close()
	switch {
	case werr != nil:
		return "", fmt.Errorf("write object %s: %w", path, werr)
	case cerr != nil:
		return "", fmt.Errorf("finalize object %s: %w", path, cerr)
	}
	return fmt.Sprintf("gs://%s/%s", s.name, path), nil
}
