package types //nolint:revive // types is a valid package name

// FetchOutcome is the terminal result of fetching one asset.
// Exactly one of Data or Error is set. Consumed once, then discarded.
type FetchOutcome struct {
	// Asset is the asset this outcome belongs to.
	Asset AssetRef
	// Filename is the archive filename (display name plus inferred extension).
	Filename string
	// Data is the full payload on success.
	Data []byte
	// Error is the terminal error string on failure.
	Error string
	// Attempts is the number of HTTP attempts made.
	Attempts int
}

// OK reports whether the fetch succeeded.
func (o *FetchOutcome) OK() bool {
	return o.Error == "" && o.Data != nil
}

// IncludedAsset is a successfully archived asset, as listed in the manifest.
type IncludedAsset struct {
	DisplayName string `json:"display_name"`
	TypeTag     string `json:"type_tag"`
	Path        string `json:"path"`
}

// AssetFailure is a failed asset, as listed in the failure report.
type AssetFailure struct {
	AssetID     string `json:"asset_id"`
	DisplayName string `json:"display_name"`
	Error       string `json:"error"`
}

// RunStats accumulates run bookkeeping. Written only by the single archive
// consumer; read after the queue is fully drained.
type RunStats struct {
	// Requested is the number of assets scheduled.
	Requested int `json:"requested"`
	// SuccessCount is the number of assets written to the archive.
	SuccessCount int `json:"success_count"`
	// Included lists archived assets in completion order.
	Included []IncludedAsset `json:"included"`
	// Failures lists failed assets in completion order.
	Failures []AssetFailure `json:"failures"`
	// BytesWritten is the compressed archive size emitted so far.
	BytesWritten int64 `json:"bytes_written"`
}

// RecordSuccess appends an archived asset.
func (s *RunStats) RecordSuccess(ref AssetRef, path string) {
	s.SuccessCount++
	s.Included = append(s.Included, IncludedAsset{
		DisplayName: ref.DisplayName,
		TypeTag:     ref.TypeTag,
		Path:        path,
	})
}

// RecordFailure appends a failed asset.
func (s *RunStats) RecordFailure(ref AssetRef, errMsg string) {
	s.Failures = append(s.Failures, AssetFailure{
		AssetID:     ref.ID,
		DisplayName: ref.DisplayName,
		Error:       errMsg,
	})
}

// Total returns the number of outcomes recorded.
func (s *RunStats) Total() int {
	return s.SuccessCount + len(s.Failures)
}

// ArchiveEntry is a logical file appended to the archive.
type ArchiveEntry struct {
	Path    string
	Payload []byte
}
