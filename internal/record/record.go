// Package record persists the per-layer lifecycle table. One Record is one
// attempt at exporting and merging a named layer; layers accumulate records
// over time and the most recent started_at wins for display purposes.
package record

import (
	"context"
	"errors"
	"time"
)

// Status values, in forward order. Failed and Cancelled are reachable from
// any in-flight state. There is no transition out of Merged or Failed
// except an explicit operator reset.
type Status string

const (
	StatusPendingExport Status = "pending_export"
	StatusExporting     Status = "exporting"
	StatusExported      Status = "exported"
	StatusPendingMerge  Status = "pending_merge"
	StatusMerging       Status = "merging"
	StatusMerged        Status = "merged"
	StatusFailed        Status = "failed"
	StatusCancelled     Status = "cancelled"
)

// Terminal reports whether a status ends the attempt.
func (s Status) Terminal() bool {
	switch s {
	case StatusMerged, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// MaxErrorLen caps stored error messages so a chatty merge tool cannot
// grow the table without bound.
const MaxErrorLen = 2000

// TruncateError trims an error message to MaxErrorLen bytes.
func TruncateError(msg string) string {
	if len(msg) > MaxErrorLen {
		return msg[:MaxErrorLen]
	}
	return msg
}

// MetadataTileURLs is the metadata key under which the poller caches the
// tile URLs discovered when an export completes.
const MetadataTileURLs = "tile_urls"

// ErrNotFound is returned when a record id does not exist. Workers treat
// it as a soft no-op: the record a dispatched job referenced may have been
// deleted by a force re-export in the meantime.
var ErrNotFound = errors.New("record not found")

// Record is one export+merge attempt for a layer.
type Record struct {
	ID            string
	LayerName     string
	ExternalJobID string

	SourceBucket string
	SourcePrefix string
	DestBucket   string
	DestPrefix   string

	TileCount         int64
	ArtifactURL       string
	ArtifactSizeBytes int64

	Status      Status
	InitiatedBy string
	StartedAt   time.Time
	CompletedAt *time.Time

	ErrorMessage string
	Metadata     map[string]any
}

// Store is the durable lifecycle table. It is the single source of truth
// for what this system has already decided; callers re-read immediately
// before any write decision rather than acting on stale in-memory state.
type Store interface {
	// Insert persists a new record.
	Insert(ctx context.Context, rec *Record) error

	// Update overwrites a record's mutable fields by id.
	Update(ctx context.Context, rec *Record) error

	// Get fetches one record, or ErrNotFound.
	Get(ctx context.Context, id string) (*Record, error)

	// WithStatus returns all records whose status is in the given set.
	WithStatus(ctx context.Context, statuses ...Status) ([]*Record, error)

	// LatestPerLayer returns the most recent record per layer name,
	// optionally filtered to the given statuses.
	LatestPerLayer(ctx context.Context, statuses ...Status) (map[string]*Record, error)

	// LatestForLayer returns the most recent record for one layer, or nil.
	LatestForLayer(ctx context.Context, layer string) (*Record, error)

	// DeleteForLayer removes every record for a layer, returning the count.
	DeleteForLayer(ctx context.Context, layer string) (int, error)

	// Claim atomically moves a record from one status to another. It
	// returns false when the record is no longer in the expected status,
	// which is how concurrent dispatches of the same layer lose the race.
	Claim(ctx context.Context, id string, from, to Status) (bool, error)

	// Close releases store resources.
	Close() error
}
