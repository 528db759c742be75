// Package publish uploads exported reports to a local directory or to
// S3, Azure Blob Storage, Google Cloud Storage or Backblaze B2.
package publish

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/breeze-rmm/winpatch/internal/config"
	"github.com/breeze-rmm/winpatch/internal/logging"
)

var log = logging.L("publish")

// Uploader stores a local file under an object key.
type Uploader interface {
	Upload(ctx context.Context, localPath, key string) error
	// Location renders key as a provider URL for logs and summaries.
	Location(key string) string
}

// FromConfig builds the Uploader named by cfg.Provider.
func FromConfig(ctx context.Context, cfg config.PublishConfig) (Uploader, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "local":
		return NewLocal(cfg.Local.Path)
	case "s3":
		return NewS3(ctx, cfg.S3)
	case "azure":
		return NewAzure(cfg.Azure)
	case "gcs":
		return NewGCS(ctx, cfg.GCS)
	case "b2":
		return NewB2(ctx, cfg.B2)
	default:
		return nil, fmt.Errorf("unknown publish provider %q", cfg.Provider)
	}
}

// ObjectKey returns prefix/computer/YYYY/MM/DD/<file name>.
func ObjectKey(prefix, computer, localPath string, now time.Time) string {
	parts := make([]string, 0, 3)
	if p := strings.Trim(prefix, "/"); p != "" {
		parts = append(parts, p)
	}
	if computer != "" {
		parts = append(parts, sanitizeSegment(computer))
	}
	parts = append(parts, now.UTC().Format("2006/01/02"))
	return path.Join(append(parts, filepath.Base(localPath))...)
}

// Publish uploads localPath and returns the provider location.
func Publish(ctx context.Context, up Uploader, prefix, computer, localPath string, now time.Time) (string, error) {
	if up == nil {
		return "", errors.New("no uploader configured")
	}
	info, err := os.Stat(localPath)
	if err != nil {
		return "", fmt.Errorf("stat report: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s is a directory", localPath)
	}

	key := ObjectKey(prefix, computer, localPath, now)
	start := time.Now()
	if err := up.Upload(ctx, localPath, key); err != nil {
		return "", fmt.Errorf("upload %s: %w", filepath.Base(localPath), err)
	}
	loc := up.Location(key)
	log.Info("report published",
		"location", loc,
		"bytes", info.Size(),
		logging.KeyDurationMs, time.Since(start).Milliseconds())
	return loc, nil
}

func sanitizeSegment(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', ' ':
			return '-'
		}
		return r
	}, s)
}
