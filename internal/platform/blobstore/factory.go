package blobstore

import (
	"context"
	"fmt"

	"github.com/lims/lims/internal/config"
)

// Open selects the Store driver named by cfg.BlobDriver.
func Open(ctx context.Context, cfg *config.Config) (Store, error) {
	switch Driver(cfg.BlobDriver) {
	case DriverFilesystem, "":
		return NewFilesystem(cfg.BlobFSRoot)
	case DriverS3:
		return NewS3(ctx, S3Config{
			Bucket:    cfg.BlobS3Bucket,
			Region:    cfg.BlobS3Region,
			Endpoint:  cfg.BlobS3Endpoint,
			PathStyle: cfg.BlobS3PathStyle,
		})
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %q", cfg.BlobDriver)
	}
}
