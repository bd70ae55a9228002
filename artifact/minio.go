package artifact

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"tangled.org/treadle/config"
)

// MinioStore keeps artifact archives in an S3-compatible bucket.
// Archives are staged through a temp file so uploads carry an exact
// content length.
type MinioStore struct {
	client *minio.Client
	bucket string
}

func NewMinioStore(ctx context.Context, cfg config.Minio) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("creating minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("checking bucket %q: %w", cfg.Bucket, err)
	}
	if !exists {
		err = client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region})
		if err != nil {
			return nil, fmt.Errorf("creating bucket %q: %w", cfg.Bucket, err)
		}
	}

	return &MinioStore{client: client, bucket: cfg.Bucket}, nil
}

func (s *MinioStore) Put(ctx context.Context, key, root string, globs []string) (Handle, error) {
	tmp, err := os.CreateTemp("", "treadle-artifact-*.tar.gz")
	if err != nil {
		return Handle{}, err
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	paths, err := writeArchive(tmp, root, globs)
	if err != nil {
		return Handle{}, err
	}

	info, err := tmp.Stat()
	if err != nil {
		return Handle{}, err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return Handle{}, err
	}

	_, err = s.client.PutObject(ctx, s.bucket, objectName(key), tmp, info.Size(), minio.PutObjectOptions{
		ContentType: "application/gzip",
	})
	if err != nil {
		return Handle{}, fmt.Errorf("uploading archive: %w", err)
	}

	return Handle{
		Key:       key,
		Paths:     paths,
		Size:      info.Size(),
		CreatedAt: time.Now(),
	}, nil
}

func (s *MinioStore) Get(ctx context.Context, h Handle) (io.ReadCloser, error) {
	return s.client.GetObject(ctx, s.bucket, objectName(h.Key), minio.GetObjectOptions{})
}

func objectName(key string) string {
	return key + ".tar.gz"
}
