package remote

import (
	"context"
	"fmt"

	"github.com/cloudmount/cloudmount/internal/config"
	"github.com/cloudmount/cloudmount/internal/remote/s3backend"
)

// Build constructs the Client named by cfg.Backend. Adding a second
// backend means adding a case here; the engine never needs to change.
func Build(ctx context.Context, cfg config.RemoteConfig) (Client, error) {
	switch cfg.Backend {
	case "", "s3":
		return s3backend.New(ctx, cfg.S3.Bucket, s3backend.Config{
			Region:         cfg.S3.Region,
			Endpoint:       cfg.S3.Endpoint,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
	default:
		return nil, fmt.Errorf("unknown remote backend %q", cfg.Backend)
	}
}
