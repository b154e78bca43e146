package types //nolint:revive // types is a valid package name

import (
	"errors"
	"fmt"
)

// MaxAssetsPerRequest is the upper bound on asset ids in a single batch.
const MaxAssetsPerRequest = 50

// ErrNoAssets is returned when a batch names no assets.
var ErrNoAssets = errors.New("batch names no assets")

// ErrTooManyAssets is returned when a batch exceeds MaxAssetsPerRequest.
var ErrTooManyAssets = fmt.Errorf("batch exceeds %d assets", MaxAssetsPerRequest)

// BatchRequest is one archival invocation. Constructed once per request.
type BatchRequest struct {
	// BundleID is the bundle the assets belong to.
	BundleID string
	// ClientIdentity is the caller network identity used for rate limiting and audit.
	ClientIdentity string
	// AssetRefs are the resolved assets to fetch.
	AssetRefs []AssetRef
}

// Validate checks the batch boundary invariant before any work is scheduled.
func (r *BatchRequest) Validate() error {
	if r.BundleID == "" {
		return errors.New("batch is missing bundle id")
	}
	return ValidateAssetCount(len(r.AssetRefs))
}

// ValidateAssetCount enforces 1..MaxAssetsPerRequest.
func ValidateAssetCount(n int) error {
	if n == 0 {
		return ErrNoAssets
	}
	if n > MaxAssetsPerRequest {
		return fmt.Errorf("%w: got %d", ErrTooManyAssets, n)
	}
	return nil
}
