package workspace

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/minio/minio-go/v7"
	minioCreds "github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectStoreConfig configures an S3-compatible archive bucket
type ObjectStoreConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// ObjectStore keeps archives in an S3-compatible bucket so that any
// orchestrator instance can destroy a session another instance provisioned.
type ObjectStore struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewMinioClient builds a client from static credentials
func NewMinioClient(cfg ObjectStoreConfig) (*minio.Client, error) {
	if strings.TrimSpace(cfg.AccessKey) == "" || strings.TrimSpace(cfg.SecretKey) == "" {
		return nil, fmt.Errorf("object storage credentials are not configured")
	}
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		endpoint = "minio:9000"
	}
	return minio.New(endpoint, &minio.Options{
		Creds:  minioCreds.NewStaticV4(strings.TrimSpace(cfg.AccessKey), strings.TrimSpace(cfg.SecretKey), ""),
		Secure: cfg.UseSSL,
	})
}

// NewObjectStore creates an archive store on bucket, creating it if missing
func NewObjectStore(ctx context.Context, client *minio.Client, bucket string) (*ObjectStore, error) {
	if strings.TrimSpace(bucket) == "" {
		return nil, fmt.Errorf("archive bucket is required")
	}
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check archive bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create archive bucket: %w", err)
		}
	}
	return &ObjectStore{client: client, bucket: bucket, prefix: "workspaces/"}, nil
}

func (s *ObjectStore) key(sessionID string) string {
	return s.prefix + archiveName(sessionID)
}

// Save uploads a tar.gz of dir
func (s *ObjectStore) Save(ctx context.Context, sessionID, dir string) error {
	var buf bytes.Buffer
	if err := compressDirectory(dir, &buf); err != nil {
		return fmt.Errorf("failed to compress workspace: %w", err)
	}
	reader := bytes.NewReader(buf.Bytes())
	_, err := s.client.PutObject(ctx, s.bucket, s.key(sessionID), reader, int64(buf.Len()), minio.PutObjectOptions{
		ContentType: "application/gzip",
	})
	if err != nil {
		return fmt.Errorf("failed to upload archive: %w", err)
	}
	return nil
}

// Restore downloads and extracts the session's archive into dir
func (s *ObjectStore) Restore(ctx context.Context, sessionID, dir string) error {
	obj, err := s.client.GetObject(ctx, s.bucket, s.key(sessionID), minio.GetObjectOptions{})
	if err != nil {
		return fmt.Errorf("failed to fetch archive: %w", err)
	}
	defer obj.Close()

	// GetObject is lazy; Stat surfaces a missing key.
	if _, err := obj.Stat(); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return ErrNotFound
		}
		return fmt.Errorf("failed to fetch archive: %w", err)
	}

	if err := extractDirectory(obj, dir); err != nil {
		return fmt.Errorf("failed to extract workspace: %w", err)
	}
	return nil
}

// Delete removes the session's archive
func (s *ObjectStore) Delete(ctx context.Context, sessionID string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, s.key(sessionID), minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete archive: %w", err)
	}
	return nil
}
