package artifact

import (
	"context"
	"fmt"
	"io"

	"tangled.org/treadle/config"
)

// BlobStore moves artifact archives in and out of storage. Put
// archives the workspace paths matching globs under key and returns a
// handle; Get streams a previously stored archive back.
type BlobStore interface {
	Put(ctx context.Context, key, root string, globs []string) (Handle, error)
	Get(ctx context.Context, h Handle) (io.ReadCloser, error)
}

var _ = []BlobStore{
	&FilesystemStore{},
	&MinioStore{},
}

// NewStore selects a blob store implementation from config.
func NewStore(ctx context.Context, cfg config.Artifacts) (BlobStore, error) {
	switch cfg.Provider {
	case "fs", "":
		return NewFilesystemStore(cfg.Dir)
	case "minio":
		return NewMinioStore(ctx, cfg.Minio)
	default:
		return nil, fmt.Errorf("unsupported artifact provider: %q", cfg.Provider)
	}
}
