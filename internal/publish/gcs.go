package publish

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/breeze-rmm/winpatch/internal/config"
)

// GCS uploads objects to a Google Cloud Storage bucket.
type GCS struct {
	bucket string
	client *storage.Client
}

// NewGCS uses the credentials file when set, otherwise application
// default credentials.
func NewGCS(ctx context.Context, cfg config.GCSPublishConfig) (*GCS, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("gcs bucket is required")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		if _, err := os.Stat(cfg.CredentialsFile); err != nil {
			return nil, fmt.Errorf("gcs credentials file: %w", err)
		}
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &GCS{bucket: cfg.Bucket, client: client}, nil
}

func (p *GCS) Upload(ctx context.Context, localPath, key string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	w := p.client.Bucket(p.bucket).Object(key).NewWriter(ctx)
	w.ContentType = contentType(localPath)
	if _, err := io.Copy(w, f); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

func (p *GCS) Location(key string) string {
	return "gs://" + p.bucket + "/" + key
}
