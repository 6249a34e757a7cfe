// Package gcs archives permit artifacts to Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/JakeFAU/permit-crawler/internal/permit"
)

const defaultCacheControl = "private, max-age=0, no-transform"

// Config names the bucket artifacts are archived to.
type Config struct {
	Bucket string `mapstructure:"bucket"`
	// CacheControl overrides the Cache-Control header stored on each object.
	CacheControl string `mapstructure:"cache_control"`
}

// BlobStore archives fetched permit pages and PDFs to a GCS bucket. Each object
// carries the permit it belongs to in its metadata so a bucket listing can be
// traced back to records without the job file.
type BlobStore struct {
	client       *storage.Client
	bucket       string
	cacheControl string
}

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, errors.New("storage client is required")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, errors.New("bucket name is required")
	}
	cacheControl := cfg.CacheControl
	if cacheControl == "" {
		cacheControl = defaultCacheControl
	}
	return &BlobStore{
		client:       client,
		bucket:       bucket,
		cacheControl: cacheControl,
	}, nil
}

// PutObject uploads an artifact and returns its gs:// URI. Objects are
// content-addressed by path, so an existing object is overwritten in place.
func (s *BlobStore) PutObject(ctx context.Context, path string, meta permit.ObjectMeta, r io.Reader) (string, error) {
	path = strings.TrimLeft(strings.TrimSpace(path), "/")
	if path == "" {
		return "", errors.New("path is required")
	}

	writer := s.client.Bucket(s.bucket).Object(path).NewWriter(ctx)
	writer.ContentType = contentType(meta)
	writer.CacheControl = s.cacheControl
	writer.Metadata = objectMetadata(meta)

	if _, err := io.Copy(writer, r); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			return "", fmt.Errorf("upload %s: %w (close writer: %v)", path, err, closeErr)
		}
		return "", fmt.Errorf("upload %s: %w", path, err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("finalize %s: %w", path, err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, path), nil
}

func contentType(meta permit.ObjectMeta) string {
	if meta.ContentType != "" {
		return meta.ContentType
	}
	switch meta.Kind {
	case "pdf":
		return "application/pdf"
	case "detail":
		return "text/html; charset=utf-8"
	default:
		return "application/octet-stream"
	}
}

func objectMetadata(meta permit.ObjectMeta) map[string]string {
	md := make(map[string]string, 4)
	for key, value := range map[string]string{
		"status_no":  meta.StatusNo,
		"kind":       meta.Kind,
		"source_url": meta.SourceURL,
		"sha256":     meta.SHA256,
	} {
		if value != "" {
			md[key] = value
		}
	}
	if len(md) == 0 {
		return nil
	}
	return md
}
