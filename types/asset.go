// Package types defines core domain types for the kitpack archival service.
//
//nolint:revive // types is a common Go package naming convention
package types

import "strings"

// AssetRef identifies one downloadable asset of a bundle.
// Sourced from the catalog before a run; never mutated by the pipeline.
type AssetRef struct {
	// ID is the catalog identifier of the asset.
	ID string `json:"id" yaml:"id"`
	// DisplayName is the human-facing name, also the base of the archive filename.
	DisplayName string `json:"display_name" yaml:"display_name"`
	// TypeTag drives folder placement and the human type label.
	TypeTag string `json:"type_tag" yaml:"type_tag"`
	// Locator is either a direct URL or an object-storage key.
	Locator string `json:"locator" yaml:"locator"`
}

// IsURL reports whether the locator is a direct http(s) URL rather than a storage key.
func (a AssetRef) IsURL() bool { return IsURLLocator(a.Locator) }

// IsURLLocator reports whether locator is a direct http(s) URL.
func IsURLLocator(locator string) bool {
	l := strings.ToLower(locator)
	return strings.HasPrefix(l, "http://") || strings.HasPrefix(l, "https://")
}

// Bundle is the parent collection (a property's marketing kit) that owns assets.
type Bundle struct {
	// ID is the bundle identifier (the gallery id on the wire).
	ID string `json:"id" yaml:"id"`
	// OwnerID identifies the account that owns the bundle.
	OwnerID string `json:"owner_id" yaml:"owner_id"`
	// Subject is the property/subject label, e.g. a street address.
	Subject string `json:"subject" yaml:"subject"`
}

// AssetStatus is the lifecycle state of an asset in the catalog.
type AssetStatus string

const (
	// AssetStatusPending indicates the asset is still being generated.
	AssetStatusPending AssetStatus = "pending"
	// AssetStatusReady indicates the asset is generated and downloadable.
	AssetStatusReady AssetStatus = "ready"
	// AssetStatusFailed indicates generation failed.
	AssetStatusFailed AssetStatus = "failed"
)

// IsValid reports whether s is a known asset status.
func (s AssetStatus) IsValid() bool {
	switch s {
	case AssetStatusPending, AssetStatusReady, AssetStatusFailed:
		return true
	}
	return false
}
