// Package blob implements the object-store port on Azure Blob Storage.
package blob

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	"github.com/couchcryptid/log-export-service/internal/config"
)

const checksumMetadataKey = "sha256"
const hostMetadataKey = "exporterhost"

// Store uploads artifacts as block blobs. Each blob carries its content
// checksum as metadata so a retried upload can distinguish "already done"
// from a key collision.
type Store struct {
	client    *azblob.Client
	container string
	hostHash  string
	logger    *slog.Logger
}

// NewStore creates the blob client from shared-key credentials. A failure
// here is a startup configuration error, not a retry case.
func NewStore(cfg *config.Config, logger *slog.Logger) (*Store, error) {
	cred, err := azblob.NewSharedKeyCredential(cfg.AzureAccount, cfg.AzureKey)
	if err != nil {
		return nil, fmt.Errorf("create azure credential: %w", err)
	}

	serviceURL := cfg.AzureEndpoint
	if serviceURL == "" {
		serviceURL = fmt.Sprintf("https://%s.blob.core.windows.net/", cfg.AzureAccount)
	}

	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("create azure blob client: %w", err)
	}

	return &Store{
		client:    client,
		container: cfg.AzureContainer,
		hostHash:  cfg.HostHash,
		logger:    logger,
	}, nil
}

// Stat reports whether the key exists and the checksum it was stored with.
func (s *Store) Stat(ctx context.Context, key string) (string, bool, error) {
	blobClient := s.client.ServiceClient().NewContainerClient(s.container).NewBlobClient(key)

	props, err := blobClient.GetProperties(ctx, nil)
	if bloberror.HasCode(err, bloberror.BlobNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get blob properties %s: %w", key, err)
	}

	// Azure normalizes metadata key casing on the way back.
	for k, v := range props.Metadata {
		if strings.EqualFold(k, checksumMetadataKey) && v != nil {
			return *v, true, nil
		}
	}
	return "", true, nil
}

// Put uploads the spooled file under the key. Re-uploading the same key with
// the same contents overwrites it byte-for-byte, which keeps retries safe.
func (s *Store) Put(ctx context.Context, key, localPath, checksum string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open artifact %s: %w", localPath, err)
	}
	defer f.Close()

	metadata := map[string]*string{
		checksumMetadataKey: &checksum,
		hostMetadataKey:     &s.hostHash,
	}
	_, err = s.client.UploadFile(ctx, s.container, key, f, &azblob.UploadFileOptions{
		Metadata: metadata,
	})
	if err != nil {
		return fmt.Errorf("upload blob %s: %w", key, err)
	}

	s.logger.Debug("blob uploaded", "container", s.container, "key", key)
	return nil
}
