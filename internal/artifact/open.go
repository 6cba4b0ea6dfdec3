package artifact

import (
	"context"
	"fmt"

	"github.com/cuongbtq/image-enhancer/internal/config"
)

// Open builds the store selected by cfg.Driver
func Open(ctx context.Context, cfg config.StorageConfig) (Store, error) {
	switch cfg.Driver {
	case config.StorageDriverFS:
		return NewFSStore(cfg.FS.Root)
	case config.StorageDriverMinIO:
		return NewMinIOStore(ctx, MinIOConfig{
			Endpoint:   cfg.MinIO.Endpoint,
			AccessKey:  cfg.MinIO.AccessKey,
			SecretKey:  cfg.MinIO.SecretKey,
			BucketName: cfg.MinIO.BucketName,
			UseSSL:     cfg.MinIO.UseSSL,
		})
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", cfg.Driver)
	}
}
