package publish

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/Backblaze/blazer/b2"

	"github.com/breeze-rmm/winpatch/internal/config"
)

// B2 uploads objects to a Backblaze B2 bucket.
type B2 struct {
	name   string
	bucket *b2.Bucket
}

func NewB2(ctx context.Context, cfg config.B2PublishConfig) (*B2, error) {
	if cfg.AccountID == "" || cfg.ApplicationKey == "" || cfg.Bucket == "" {
		return nil, errors.New("b2 account id, application key and bucket are required")
	}
	client, err := b2.NewClient(ctx, cfg.AccountID, cfg.ApplicationKey)
	if err != nil {
		return nil, fmt.Errorf("authorize b2 account: %w", err)
	}
	bucket, err := client.Bucket(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("open b2 bucket %s: %w", cfg.Bucket, err)
	}
	return &B2{name: cfg.Bucket, bucket: bucket}, nil
}

func (p *B2) Upload(ctx context.Context, localPath, key string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	w := p.bucket.Object(key).NewWriter(ctx, b2.WithAttrsOption(&b2.Attrs{ContentType: contentType(localPath)}))
	if _, err := io.Copy(w, f); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

func (p *B2) Location(key string) string {
	return "b2://" + p.name + "/" + key
}
