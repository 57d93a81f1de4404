// Package local implements a content-addressed asset store on the local filesystem.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/media-harvester/internal/clock/system"
	"github.com/JakeFAU/media-harvester/internal/harvest"
	hashsha "github.com/JakeFAU/media-harvester/internal/hash/sha256"
	"github.com/JakeFAU/media-harvester/internal/storage"
)

// Config captures the parameters for the local filesystem asset store.
type Config struct {
	// BaseDir is the root directory where assets will be stored.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// AssetStore copies finished downloads under BaseDir/<requester>/<shard>/<sha256><ext>
// and writes a JSON metadata sidecar next to each file.
type AssetStore struct {
	baseDir string
	hasher  harvest.Hasher
	clock   harvest.Clock
}

// New creates a new local filesystem-backed asset store.
func New(cfg Config) (*AssetStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	info, err := os.Stat(cfg.BaseDir)
	switch {
	case os.IsNotExist(err):
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to stat base directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	testFile := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	return &AssetStore{
		baseDir: cfg.BaseDir,
		hasher:  hashsha.New(),
		clock:   system.New(),
	}, nil
}

// Store copies localPath into the store. An asset already present for the
// requester is left untouched and its id returned.
func (s *AssetStore) Store(
	_ context.Context,
	jobID, requester, localPath string,
	candidate harvest.CandidateURL,
	result harvest.DownloadResult,
) (string, error) {
	asset, err := storage.Describe(s.hasher, s.clock.Now(), jobID, requester, localPath, candidate, result)
	if err != nil {
		return "", err
	}
	target := filepath.Join(s.baseDir, filepath.FromSlash(storage.ObjectName("", asset, localPath)))

	cleanBase := filepath.Clean(s.baseDir)
	if !strings.HasPrefix(filepath.Clean(target), cleanBase+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected")
	}
	if _, err := os.Stat(target); err == nil {
		return asset.ID, nil
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return "", fmt.Errorf("failed to create parent directories: %w", err)
	}
	if err := placeFile(localPath, target); err != nil {
		return "", err
	}

	asset.Location = "file://" + target
	meta, err := json.MarshalIndent(asset, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal asset metadata: %w", err)
	}
	if err := os.WriteFile(target+".json", meta, 0o600); err != nil {
		return "", fmt.Errorf("write asset metadata: %w", err)
	}
	return asset.ID, nil
}

// placeFile hard-links src to dst, copying when the link crosses devices.
func placeFile(src, dst string) error {
	if err := os.Link(src, dst); err == nil || errors.Is(err, os.ErrExist) {
		return nil
	}

	in, err := os.Open(src) // #nosec G304 -- path produced by the worker under download_dir.
	if err != nil {
		return fmt.Errorf("open asset: %w", err)
	}
	defer in.Close() //nolint:errcheck // read-only

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".asset-*")
	if err != nil {
		return fmt.Errorf("create temp asset: %w", err)
	}
	if _, err := io.Copy(tmp, in); err != nil {
		_ = tmp.Close()           //nolint:errcheck // already failing
		_ = os.Remove(tmp.Name()) //nolint:errcheck // already failing
		return fmt.Errorf("copy asset: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name()) //nolint:errcheck // already failing
		return fmt.Errorf("close temp asset: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		_ = os.Remove(tmp.Name()) //nolint:errcheck // already failing
		return fmt.Errorf("rename asset: %w", err)
	}
	return nil
}
