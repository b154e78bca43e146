package catalog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pithecene-io/kitpack/types"
)

// MemoryStore is an in-process catalog.
type MemoryStore struct {
	mu       sync.RWMutex
	bundles  map[string]BundleRecord
	sessions map[string]Session
	now      func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bundles:  make(map[string]BundleRecord),
		sessions: make(map[string]Session),
		now:      time.Now,
	}
}

// Import adds or replaces every bundle and session of snap.
func (m *MemoryStore) Import(_ context.Context, snap *Snapshot) error {
	if err := snap.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range snap.Bundles {
		b.Assets = append([]AssetRecord(nil), b.Assets...)
		m.bundles[b.ID] = b
	}
	for _, s := range snap.Sessions {
		m.sessions[s.Token] = s
	}
	return nil
}

// Bundle returns the bundle with id, or ErrNotFound.
func (m *MemoryStore) Bundle(_ context.Context, id string) (types.Bundle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bundles[id]
	if !ok {
		return types.Bundle{}, fmt.Errorf("bundle %s: %w", id, ErrNotFound)
	}
	return b.Bundle(), nil
}

// ReadyAssets returns the ready assets of bundleID whose ids are in ids, in
// request order. Unknown or non-ready ids are skipped.
func (m *MemoryStore) ReadyAssets(_ context.Context, bundleID string, ids []string) ([]types.AssetRef, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bundles[bundleID]
	if !ok {
		return nil, fmt.Errorf("bundle %s: %w", bundleID, ErrNotFound)
	}

	byID := make(map[string]AssetRecord, len(b.Assets))
	for _, a := range b.Assets {
		byID[a.ID] = a
	}
	var refs []types.AssetRef
	for _, id := range dedupe(ids) {
		if a, ok := byID[id]; ok && a.Status == types.AssetStatusReady {
			refs = append(refs, a.Ref())
		}
	}
	return refs, nil
}

// AssetIDs returns the ids of every asset of bundleID in import order.
func (m *MemoryStore) AssetIDs(_ context.Context, bundleID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bundles[bundleID]
	if !ok {
		return nil, fmt.Errorf("bundle %s: %w", bundleID, ErrNotFound)
	}
	ids := make([]string, 0, len(b.Assets))
	for _, a := range b.Assets {
		ids = append(ids, a.ID)
	}
	return ids, nil
}

// SessionOwner returns the owner authenticated by token, or ErrNotFound for
// unknown or expired sessions.
func (m *MemoryStore) SessionOwner(_ context.Context, token string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[token]
	if !ok || s.Expired(m.now()) {
		return "", fmt.Errorf("session: %w", ErrNotFound)
	}
	return s.OwnerID, nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }
