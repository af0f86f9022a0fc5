package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"AidPull/internal/domain/models"
	"AidPull/pkg/cache"
)

// snapshotKey is the single well-known key the current snapshot lives
// under. Save overwrites it in one store operation, so readers observe
// either the previous snapshot or the new one in full.
const snapshotKey = "snapshot:current"

// CachedSnapshotStore persists the consolidated snapshot in the cache
// store (memory, Redis, or layered — whichever backend is configured).
// A zero TTL on reads means the snapshot never goes stale by age; only
// a newer Save replaces it.
type CachedSnapshotStore struct {
	store cache.Store
}

// NewCachedSnapshotStore creates a snapshot store over a cache backend.
func NewCachedSnapshotStore(store cache.Store) *CachedSnapshotStore {
	return &CachedSnapshotStore{store: store}
}

func (s *CachedSnapshotStore) Save(ctx context.Context, snap *models.ConsolidatedSnapshot) error {
	b, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := s.store.Set(ctx, snapshotKey, b, "consolidator"); err != nil {
		return fmt.Errorf("store snapshot: %w", err)
	}
	return nil
}

func (s *CachedSnapshotStore) Load(ctx context.Context) (*models.ConsolidatedSnapshot, error) {
	e, err := s.store.Get(ctx, snapshotKey, 0)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap models.ConsolidatedSnapshot
	if err := json.Unmarshal(e.Payload, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}
