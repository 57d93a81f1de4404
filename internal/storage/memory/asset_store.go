package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/media-harvester/internal/clock/system"
	"github.com/JakeFAU/media-harvester/internal/harvest"
	hashsha "github.com/JakeFAU/media-harvester/internal/hash/sha256"
	"github.com/JakeFAU/media-harvester/internal/storage"
)

// AssetStore records asset metadata in memory. Files stay where the worker left them.
type AssetStore struct {
	mu     sync.RWMutex
	assets map[string]storage.Asset
	order  []string
	hasher harvest.Hasher
	clock  harvest.Clock
}

// NewAssetStore creates an empty AssetStore.
func NewAssetStore() *AssetStore {
	return &AssetStore{
		assets: make(map[string]storage.Asset),
		hasher: hashsha.New(),
		clock:  system.New(),
	}
}

// Store records the asset; storing identical bytes twice for one requester returns the same id.
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
	asset.Location = "file://" + localPath
	key := requester + "/" + asset.Hash

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.assets[key]; ok {
		return existing.ID, nil
	}
	s.assets[key] = asset
	s.order = append(s.order, key)
	return asset.ID, nil
}

// Assets returns stored assets in insertion order.
func (s *AssetStore) Assets() []storage.Asset {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]storage.Asset, 0, len(s.order))
	for _, key := range s.order {
		out = append(out, s.assets[key])
	}
	return out
}

// TotalBytes sums the recorded sizes.
func (s *AssetStore) TotalBytes() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total int64
	for _, a := range s.assets {
		total += a.Bytes
	}
	return total
}
