package publish

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"

	"github.com/breeze-rmm/winpatch/internal/config"
)

// Azure uploads block blobs to a container.
type Azure struct {
	container string
	client    *azblob.Client
}

// NewAzure authenticates with a connection string, or with a SAS-bearing
// account URL when no connection string is set.
func NewAzure(cfg config.AzurePublishConfig) (*Azure, error) {
	if cfg.Container == "" {
		return nil, errors.New("azure container is required")
	}

	var client *azblob.Client
	var err error
	switch {
	case cfg.ConnectionString != "":
		client, err = azblob.NewClientFromConnectionString(cfg.ConnectionString, nil)
	case cfg.AccountURL != "":
		client, err = azblob.NewClientWithNoCredential(cfg.AccountURL, nil)
	default:
		return nil, errors.New("azure connection string or account url is required")
	}
	if err != nil {
		return nil, fmt.Errorf("create azure blob client: %w", err)
	}
	return &Azure{container: cfg.Container, client: client}, nil
}

func (p *Azure) Upload(ctx context.Context, localPath, key string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	ct := contentType(localPath)
	_, err = p.client.UploadFile(ctx, p.container, key, f, &azblob.UploadFileOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: &ct},
	})
	return err
}

func (p *Azure) Location(key string) string {
	return strings.TrimSuffix(p.client.URL(), "/") + "/" + p.container + "/" + key
}
