// Package jobsystem is the boundary to the remote asynchronous compute
// service that produces tiles. Raw status payloads are reduced to a fixed
// {Phase, Error} structure at this boundary; unknown phases are passed
// through as-is and ignored by the poller rather than propagated inward.
package jobsystem

import (
	"context"
	"sync"

	"github.com/geovista/cog-merger/internal/blobstore"
)

// Phase is the external job system's state vocabulary.
type Phase string

const (
	PhasePending    Phase = "pending"
	PhaseRunning    Phase = "running"
	PhaseSucceeded  Phase = "succeeded"
	PhaseFailed     Phase = "failed"
	PhaseCancelled  Phase = "cancelled"
	PhaseCancelling Phase = "cancelling"
)

// JobStatus is the reduced view of one remote job.
type JobStatus struct {
	Phase Phase
	Error string // structured error payload message, if any
}

// Client queries the external job system for job state.
type Client interface {
	JobStatus(ctx context.Context, jobID string) (JobStatus, error)
}

// Exporter submits a new remote export job for a layer. Construction of
// the layer itself (band selection, formulas) happens on the remote side.
type Exporter interface {
	StartExport(ctx context.Context, layerName string, dest blobstore.Location) (jobID string, err error)
}

var (
	defaultOnce   sync.Once
	defaultClient Client
)

// InitDefault installs the process-wide job system client. Only the first
// call takes effect; later calls are no-ops. Callers that need a different
// client (tests) construct their own instead of going through Default.
func InitDefault(c Client) {
	defaultOnce.Do(func() { defaultClient = c })
}

// Default returns the client installed by InitDefault, or nil if the
// process has not configured one.
func Default() Client {
	return defaultClient
}
