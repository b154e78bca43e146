package types //nolint:revive // types is a valid package name

// Version is the canonical project version.
// The CLI, HTTP server, and audit records share this version.
const Version = "0.3.0"

// AuditContractVersion is stamped on every audit record.
const AuditContractVersion = Version
