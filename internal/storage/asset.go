// Package storage holds the asset record shared by the asset store backends
// (memory, local filesystem, GCS and Postgres).
package storage

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/JakeFAU/media-harvester/internal/harvest"
)

// Asset describes one stored media file.
type Asset struct {
	ID          string              `json:"id"`
	JobID       string              `json:"job_id"`
	Requester   string              `json:"requester"`
	SourceID    string              `json:"source_id"`
	SourceURL   string              `json:"source_url"`
	Referer     string              `json:"referer,omitempty"`
	Title       string              `json:"title,omitempty"`
	MIME        string              `json:"mime"`
	ContentType harvest.ContentType `json:"content_type"`
	Bytes       int64               `json:"bytes"`
	Hash        string              `json:"sha256"`
	Location    string              `json:"location,omitempty"`
	StoredAt    time.Time           `json:"stored_at"`
}

// Describe hashes the file at localPath and builds its Asset record. The asset id
// is the content hash, so the same bytes stored twice by one requester collapse.
func Describe(
	hasher harvest.Hasher,
	now time.Time,
	jobID, requester, localPath string,
	candidate harvest.CandidateURL,
	result harvest.DownloadResult,
) (Asset, error) {
	sum, err := hasher.HashFile(localPath)
	if err != nil {
		return Asset{}, fmt.Errorf("hash asset: %w", err)
	}
	return Asset{
		ID:          sum,
		JobID:       jobID,
		Requester:   requester,
		SourceID:    candidate.SourceID,
		SourceURL:   candidate.URL,
		Referer:     candidate.Referer,
		Title:       candidate.HintTitle,
		MIME:        result.MIME,
		ContentType: result.ContentType,
		Bytes:       result.Bytes,
		Hash:        sum,
		StoredAt:    now.UTC(),
	}, nil
}

// ObjectName is the content-addressed key of an asset: prefix/requester/ab/abcdef….ext.
func ObjectName(prefix string, a Asset, localPath string) string {
	requester := a.Requester
	if requester == "" {
		requester = "anonymous"
	}
	requester = strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(requester)
	shard := a.Hash
	if len(shard) > 2 {
		shard = shard[:2]
	}
	name := path.Join(requester, shard, a.Hash+filepath.Ext(localPath))
	if p := strings.Trim(prefix, "/"); p != "" {
		name = path.Join(p, name)
	}
	return name
}
