// Package gcs provides an AssetStore backed by Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	"github.com/JakeFAU/media-harvester/internal/clock/system"
	"github.com/JakeFAU/media-harvester/internal/harvest"
	hashsha "github.com/JakeFAU/media-harvester/internal/hash/sha256"
	assets "github.com/JakeFAU/media-harvester/internal/storage"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
	Prefix string
	// VerifyBucket reads the bucket attributes at construction to fail fast on bad config.
	VerifyBucket bool
}

// AssetStore uploads finished downloads to a configured GCS bucket.
type AssetStore struct {
	client *storage.Client
	bucket string
	prefix string
	hasher harvest.Hasher
	clock  harvest.Clock
}

// New creates a GCS-backed asset store.
func New(ctx context.Context, client *storage.Client, cfg Config) (*AssetStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	if cfg.VerifyBucket {
		if _, err := client.Bucket(cfg.Bucket).Attrs(ctx); err != nil {
			return nil, fmt.Errorf("failed to get GCS bucket '%s' attributes: %w", cfg.Bucket, err)
		}
	}
	return &AssetStore{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		hasher: hashsha.New(),
		clock:  system.New(),
	}, nil
}

// Store uploads localPath under a content-addressed object name. Objects that
// already exist are not rewritten.
func (s *AssetStore) Store(
	ctx context.Context,
	jobID, requester, localPath string,
	candidate harvest.CandidateURL,
	result harvest.DownloadResult,
) (string, error) {
	asset, err := assets.Describe(s.hasher, s.clock.Now(), jobID, requester, localPath, candidate, result)
	if err != nil {
		return "", err
	}
	name := assets.ObjectName(s.prefix, asset, localPath)

	f, err := os.Open(localPath) // #nosec G304 -- path produced by the worker under download_dir.
	if err != nil {
		return "", fmt.Errorf("open asset: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only

	obj := s.client.Bucket(s.bucket).Object(name).If(storage.Conditions{DoesNotExist: true})
	writer := obj.NewWriter(ctx)
	if asset.MIME != "" {
		writer.ContentType = asset.MIME
	}
	writer.Metadata = map[string]string{
		"job_id":     asset.JobID,
		"requester":  asset.Requester,
		"source_id":  asset.SourceID,
		"source_url": asset.SourceURL,
		"sha256":     asset.Hash,
		"bytes":      strconv.FormatInt(asset.Bytes, 10),
	}
	if _, err := io.Copy(writer, f); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return "", fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		if alreadyExists(err) {
			return asset.ID, nil
		}
		return "", fmt.Errorf("close writer: %w", err)
	}
	return asset.ID, nil
}

// URI returns the gs:// location of an object name.
func (s *AssetStore) URI(name string) string {
	return fmt.Sprintf("gs://%s/%s", s.bucket, name)
}

func alreadyExists(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed
}
