// Package audit defines the download audit boundary.
//
// A Record is emitted once per completed kit download. Sinks publish records
// to downstream systems; the Dispatcher runs them detached from the response
// path so that a slow or failing sink never affects a download.
package audit

import (
	"context"
	"time"

	"github.com/pithecene-io/kitpack/log"
	"github.com/pithecene-io/kitpack/types"
)

// EventKitDownloaded is the event type of every Record.
const EventKitDownloaded = "kit_downloaded"

// Record is the payload published when a download completes.
type Record struct {
	ContractVersion string `json:"contract_version" msgpack:"contract_version"`
	EventType       string `json:"event_type" msgpack:"event_type"` // always "kit_downloaded"
	RequestID       string `json:"request_id" msgpack:"request_id"`
	BundleID        string `json:"bundle_id" msgpack:"bundle_id"`
	Subject         string `json:"subject" msgpack:"subject"`
	Client          string `json:"client" msgpack:"client"`
	AssetCount      int    `json:"asset_count" msgpack:"asset_count"`
	FailedCount     int    `json:"failed_count" msgpack:"failed_count"`
	BytesWritten    int64  `json:"bytes_written" msgpack:"bytes_written"`
	DurationMs      int64  `json:"duration_ms" msgpack:"duration_ms"`
	Timestamp       string `json:"timestamp" msgpack:"timestamp"` // RFC 3339, UTC
}

// NewRecord builds the record of a finished run.
func NewRecord(requestID string, bundle types.Bundle, client string, stats *types.RunStats, started, finished time.Time) *Record {
	return &Record{
		ContractVersion: types.AuditContractVersion,
		EventType:       EventKitDownloaded,
		RequestID:       requestID,
		BundleID:        bundle.ID,
		Subject:         bundle.Subject,
		Client:          client,
		AssetCount:      stats.SuccessCount,
		FailedCount:     len(stats.Failures),
		BytesWritten:    stats.BytesWritten,
		DurationMs:      finished.Sub(started).Milliseconds(),
		Timestamp:       finished.UTC().Format(time.RFC3339),
	}
}

// Day returns the record's UTC date (YYYY-MM-DD), or "" if the timestamp is
// malformed.
func (r *Record) Day() string {
	ts, err := time.Parse(time.RFC3339, r.Timestamp)
	if err != nil {
		return ""
	}
	return ts.UTC().Format(time.DateOnly)
}

// Sink publishes audit records to a downstream system.
type Sink interface {
	// Publish sends one record. Must respect context cancellation and deadlines.
	Publish(ctx context.Context, rec *Record) error

	// Close releases sink resources.
	Close() error
}

// LogSink writes records to the structured log.
type LogSink struct {
	logger *log.Logger
}

// NewLogSink creates a sink that logs each record at info level.
func NewLogSink(logger *log.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Publish logs the record.
func (s *LogSink) Publish(_ context.Context, rec *Record) error {
	s.logger.Info("audit", map[string]any{
		"event_type":    rec.EventType,
		"request_id":    rec.RequestID,
		"bundle_id":     rec.BundleID,
		"subject":       rec.Subject,
		"client":        rec.Client,
		"asset_count":   rec.AssetCount,
		"failed_count":  rec.FailedCount,
		"bytes_written": rec.BytesWritten,
		"duration_ms":   rec.DurationMs,
	})
	return nil
}

// Close is a no-op.
func (s *LogSink) Close() error { return nil }

var _ Sink = (*LogSink)(nil)
