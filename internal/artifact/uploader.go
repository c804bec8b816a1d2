// Package artifact stores scraper output files so a run's raw results
// survive after import. Backends: none, local directory, MinIO.
package artifact

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Uploader interface {
	// Upload stores the local file under objectName and returns the
	// artifact URI to record on the run log.
	Upload(ctx context.Context, localPath, objectName string) (string, error)
}

type NoopUploader struct{}

func (NoopUploader) Upload(_ context.Context, localPath, _ string) (string, error) {
	return "file://" + localPath, nil
}

type LocalUploader struct {
	Root string
}

func (u LocalUploader) Upload(_ context.Context, localPath, objectName string) (string, error) {
	dst := filepath.Join(u.Root, objectName)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", err
	}
	src, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer src.Close()
	out, err := os.Create(dst)
	if err != nil {
		return "", err
	}
	defer out.Close()
	if _, err := io.Copy(out, src); err != nil {
		return "", err
	}
	return "file://" + dst, nil
}

type MinIOUploader struct {
	client *minio.Client
	bucket string
}

type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

func NewMinIOUploader(ctx context.Context, cfg MinIOConfig) (*MinIOUploader, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, fmt.Errorf("minio endpoint is required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, err
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		bucket = "tenderflow-scrapes"
	}
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
		}
	}
	return &MinIOUploader{client: client, bucket: bucket}, nil
}

func (u *MinIOUploader) Upload(ctx context.Context, localPath, objectName string) (string, error) {
	if _, err := u.client.FPutObject(ctx, u.bucket, objectName, localPath, minio.PutObjectOptions{
		ContentType: "application/x-ndjson",
	}); err != nil {
		return "", fmt.Errorf("upload %s: %w", objectName, err)
	}
	return fmt.Sprintf("s3://%s/%s", u.bucket, objectName), nil
}
