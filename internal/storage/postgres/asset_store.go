package postgres

import (
	"context"
	"fmt"
	"os"

	"github.com/JakeFAU/media-harvester/internal/clock/system"
	"github.com/JakeFAU/media-harvester/internal/harvest"
	hashsha "github.com/JakeFAU/media-harvester/internal/hash/sha256"
	"github.com/JakeFAU/media-harvester/internal/storage"
)

// AssetStore writes asset bytes and metadata into a bytea table keyed by
// (requester, sha256).
type AssetStore struct {
	pool   Pool
	table  string
	hasher harvest.Hasher
	clock  harvest.Clock
}

// NewAssetStore constructs an AssetStore on an existing pool.
func NewAssetStore(pool Pool, table string) (*AssetStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := checkTable(table, "harvest_assets")
	if err != nil {
		return nil, err
	}
	return &AssetStore{pool: pool, table: table, hasher: hashsha.New(), clock: system.New()}, nil
}

// EnsureSchema creates the assets table when missing.
func (s *AssetStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id           TEXT NOT NULL,
	requester    TEXT NOT NULL,
	sha256       TEXT NOT NULL,
	job_id       TEXT NOT NULL,
	source_id    TEXT NOT NULL,
	source_url   TEXT NOT NULL,
	mime         TEXT NOT NULL,
	content_type TEXT NOT NULL,
	bytes        BIGINT NOT NULL,
	data         BYTEA NOT NULL,
	stored_at    TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (requester, sha256)
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create assets table: %w", err)
	}
	return nil
}

// Store inserts the file; a second insert of the same bytes for a requester is a no-op.
func (s *AssetStore) Store(
	ctx context.Context,
	jobID, requester, localPath string,
	candidate harvest.CandidateURL,
	result harvest.DownloadResult,
) (string, error) {
	asset, err := storage.Describe(s.hasher, s.clock.Now(), jobID, requester, localPath, candidate, result)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(localPath) // #nosec G304 -- path produced by the worker under download_dir.
	if err != nil {
		return "", fmt.Errorf("read asset: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id, requester, sha256, job_id, source_id, source_url, mime, content_type, bytes, data, stored_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (requester, sha256) DO NOTHING`, s.table)
	args := []any{
		asset.ID,
		asset.Requester,
		asset.Hash,
		asset.JobID,
		asset.SourceID,
		asset.SourceURL,
		asset.MIME,
		string(asset.ContentType),
		int64(len(data)),
		data,
		asset.StoredAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return "", fmt.Errorf("insert asset: %w", err)
	}
	return asset.ID, nil
}

// Close releases the underlying pool resources.
func (s *AssetStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}
