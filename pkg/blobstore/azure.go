package blobstore

import (
	"context"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/rotisserie/eris"
)

type azureStore struct {
	client    *azblob.Client
	container string
}

// AzureOption configures the Azure store.
type AzureOption func(*azureConfig)

type azureConfig struct {
	cred azcore.TokenCredential
}

// WithTokenCredential overrides the ambient Azure credential chain.
func WithTokenCredential(cred azcore.TokenCredential) AzureOption {
	return func(c *azureConfig) {
		c.cred = cred
	}
}

// NewAzure creates a Store backed by an Azure Blob Storage container.
func NewAzure(accountURL, container string, opts ...AzureOption) (Store, error) {
	var cfg azureConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.cred == nil {
		cred, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, eris.Wrap(err, "blobstore: default credential")
		}
		cfg.cred = cred
	}

	client, err := azblob.NewClient(accountURL, cfg.cred, nil)
	if err != nil {
		return nil, eris.Wrap(err, "blobstore: create client")
	}
	return &azureStore{client: client, container: container}, nil
}

func (s *azureStore) Upload(ctx context.Context, path string, data []byte) error {
	if _, err := s.client.UploadBuffer(ctx, s.container, path, data, nil); err != nil {
		return eris.Wrapf(err, "blobstore: upload %s", path)
	}
	return nil
}

func (s *azureStore) List(ctx context.Context, prefix string) ([]string, error) {
	pager := s.client.NewListBlobsFlatPager(s.container, &azblob.ListBlobsFlatOptions{
		Prefix: &prefix,
	})

	var paths []string
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, eris.Wrapf(err, "blobstore: list %s", prefix)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name != nil {
				paths = append(paths, *item.Name)
			}
		}
	}
	return paths, nil
}

func (s *azureStore) Download(ctx context.Context, path string) ([]byte, error) {
	resp, err := s.client.DownloadStream(ctx, s.container, path, nil)
	if err != nil {
		return nil, eris.Wrapf(err, "blobstore: download %s", path)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrapf(err, "blobstore: read %s", path)
	}
	return data, nil
}
