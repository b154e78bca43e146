// Package catalog provides the bundle and asset metadata the service reads
// before a run, plus session ownership lookups for the authorization gate.
//
// Two stores are available: an in-memory store for tests and small
// deployments, and a SQLite store. Both load from the same YAML snapshot.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pithecene-io/kitpack/types"
)

// ErrNotFound is returned when a bundle or session does not exist.
var ErrNotFound = errors.New("not found")

// Store is implemented by MemoryStore and SQLiteStore.
type Store interface {
	Import(ctx context.Context, snap *Snapshot) error
	Bundle(ctx context.Context, id string) (types.Bundle, error)
	AssetIDs(ctx context.Context, bundleID string) ([]string, error)
	ReadyAssets(ctx context.Context, bundleID string, ids []string) ([]types.AssetRef, error)
	SessionOwner(ctx context.Context, token string) (string, error)
	Close() error
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)

// Snapshot is the import format of the catalog.
type Snapshot struct {
	Bundles  []BundleRecord `yaml:"bundles"`
	Sessions []Session      `yaml:"sessions"`
}

// BundleRecord is a bundle with its assets.
type BundleRecord struct {
	ID      string        `yaml:"id"`
	OwnerID string        `yaml:"owner_id"`
	Subject string        `yaml:"subject"`
	Assets  []AssetRecord `yaml:"assets"`
}

// Bundle returns the bundle part of the record.
func (r BundleRecord) Bundle() types.Bundle {
	return types.Bundle{ID: r.ID, OwnerID: r.OwnerID, Subject: r.Subject}
}

// AssetRecord is an asset with its generation status.
type AssetRecord struct {
	ID          string            `yaml:"id"`
	DisplayName string            `yaml:"display_name"`
	TypeTag     string            `yaml:"type_tag"`
	Locator     string            `yaml:"locator"`
	Status      types.AssetStatus `yaml:"status"`
}

// Ref returns the asset reference handed to the pipeline.
func (a AssetRecord) Ref() types.AssetRef {
	return types.AssetRef{ID: a.ID, DisplayName: a.DisplayName, TypeTag: a.TypeTag, Locator: a.Locator}
}

// Session maps an opaque session token to the owner it authenticates.
type Session struct {
	Token     string    `yaml:"token"`
	OwnerID   string    `yaml:"owner_id"`
	ExpiresAt time.Time `yaml:"expires_at,omitempty"`
}

// Expired reports whether the session has an expiry at or before now.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Validate checks the snapshot for missing ids, unknown statuses, and
// duplicates.
func (s *Snapshot) Validate() error {
	bundles := make(map[string]bool, len(s.Bundles))
	for i, b := range s.Bundles {
		if b.ID == "" {
			return fmt.Errorf("bundles[%d]: id is required", i)
		}
		if b.OwnerID == "" {
			return fmt.Errorf("bundle %s: owner_id is required", b.ID)
		}
		if bundles[b.ID] {
			return fmt.Errorf("bundle %s: duplicate id", b.ID)
		}
		bundles[b.ID] = true

		assets := make(map[string]bool, len(b.Assets))
		for j, a := range b.Assets {
			if a.ID == "" {
				return fmt.Errorf("bundle %s: assets[%d]: id is required", b.ID, j)
			}
			if a.Locator == "" {
				return fmt.Errorf("bundle %s: asset %s: locator is required", b.ID, a.ID)
			}
			if !a.Status.IsValid() {
				return fmt.Errorf("bundle %s: asset %s: invalid status %q", b.ID, a.ID, a.Status)
			}
			if assets[a.ID] {
				return fmt.Errorf("bundle %s: asset %s: duplicate id", b.ID, a.ID)
			}
			assets[a.ID] = true
		}
	}

	tokens := make(map[string]bool, len(s.Sessions))
	for i, sess := range s.Sessions {
		if sess.Token == "" || sess.OwnerID == "" {
			return fmt.Errorf("sessions[%d]: token and owner_id are required", i)
		}
		if tokens[sess.Token] {
			return fmt.Errorf("sessions[%d]: duplicate token", i)
		}
		tokens[sess.Token] = true
	}
	return nil
}

// ParseSnapshot decodes and validates a YAML snapshot. Unknown fields are
// rejected.
func ParseSnapshot(r io.Reader) (*Snapshot, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var s Snapshot
	if err := dec.Decode(&s); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse catalog snapshot: %w", err)
	}
	for i := range s.Bundles {
		for j := range s.Bundles[i].Assets {
			if s.Bundles[i].Assets[j].Status == "" {
				s.Bundles[i].Assets[j].Status = types.AssetStatusReady
			}
		}
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid catalog snapshot: %w", err)
	}
	return &s, nil
}

// LoadSnapshot reads a YAML snapshot from path.
func LoadSnapshot(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog snapshot: %w", err)
	}
	defer func() { _ = f.Close() }()
	return ParseSnapshot(f)
}

// dedupe returns ids without repeats, in first-seen order.
func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
