// Package poller advances in-flight export records by querying the remote
// job system. When an export completes, the poller discovers the produced
// tiles, records them, and hands the record to the merge lane in the same
// pass, so a completed export never sits waiting for a second cycle.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/geovista/cog-merger/internal/blobstore"
	"github.com/geovista/cog-merger/internal/dispatch"
	"github.com/geovista/cog-merger/internal/jobsystem"
	"github.com/geovista/cog-merger/internal/metrics"
	"github.com/geovista/cog-merger/internal/record"
	"github.com/geovista/cog-merger/internal/tiles"
)

// phaseStatus maps remote job phases onto record statuses. Phases absent
// from the map (including future additions to the remote vocabulary) leave
// the record unchanged. Cancelling maps to exporting: the job is still
// alive until the remote side reports cancelled.
var phaseStatus = map[jobsystem.Phase]record.Status{
	jobsystem.PhasePending:    record.StatusPendingExport,
	jobsystem.PhaseRunning:    record.StatusExporting,
	jobsystem.PhaseSucceeded:  record.StatusExported,
	jobsystem.PhaseFailed:     record.StatusFailed,
	jobsystem.PhaseCancelled:  record.StatusCancelled,
	jobsystem.PhaseCancelling: record.StatusExporting,
}

// Poller drives one poll cycle at a time.
type Poller struct {
	records   record.Store
	jobs      jobsystem.Client
	source    *blobstore.Store
	sourceLoc blobstore.Location
	destLoc   blobstore.Location
	queue     dispatch.Queue
	layers    []string
	log       *slog.Logger
}

// New builds a poller. layers is the closed set of layer names used for
// tile attribution when an export completes.
func New(records record.Store, jobs jobsystem.Client, source *blobstore.Store,
	sourceLoc, destLoc blobstore.Location, queue dispatch.Queue, layers []string) *Poller {
	return &Poller{
		records:   records,
		jobs:      jobs,
		source:    source,
		sourceLoc: sourceLoc,
		destLoc:   destLoc,
		queue:     queue,
		layers:    layers,
		log:       slog.With("component", "poller"),
	}
}

// Poll examines every record still in an export phase. A status query
// failing for one record never blocks the rest of the cycle.
func (p *Poller) Poll(ctx context.Context) (checked, updated int, err error) {
	recs, err := p.records.WithStatus(ctx, record.StatusPendingExport, record.StatusExporting)
	if err != nil {
		return 0, 0, fmt.Errorf("list in-flight exports: %w", err)
	}

	if m := metrics.Get(); m != nil {
		m.PollCycles.Inc()
	}

	for _, rec := range recs {
		if ctx.Err() != nil {
			return checked, updated, ctx.Err()
		}
		if rec.ExternalJobID == "" {
			// Submission failed partway; the reconciler or an operator
			// re-export resolves these.
			continue
		}
		checked++

		changed, err := p.pollOne(ctx, rec)
		if err != nil {
			p.log.Error("job status query failed",
				"record_id", rec.ID, "layer", rec.LayerName, "job_id", rec.ExternalJobID,
				"error", err)
			if m := metrics.Get(); m != nil {
				m.JobStatusErrors.Inc()
			}
			continue
		}
		if changed {
			updated++
		}
	}

	if updated > 0 {
		p.log.Info("poll cycle complete", "checked", checked, "updated", updated)
	}
	return checked, updated, nil
}

// pollOne fetches one job's status and applies the resulting transition.
func (p *Poller) pollOne(ctx context.Context, rec *record.Record) (bool, error) {
	st, err := p.jobs.JobStatus(ctx, rec.ExternalJobID)
	if err != nil {
		return false, err
	}

	next, known := phaseStatus[st.Phase]
	if !known {
		p.log.Warn("unknown job phase, leaving record unchanged",
			"record_id", rec.ID, "layer", rec.LayerName, "phase", string(st.Phase))
		return false, nil
	}

	if st.Error != "" {
		rec.ErrorMessage = record.TruncateError(st.Error)
		// An error payload on a still-running job means it is doomed;
		// fail it now instead of waiting for the remote terminal state.
		if next == record.StatusExporting || next == record.StatusPendingExport {
			next = record.StatusFailed
		}
	}

	if next == rec.Status && st.Error == "" {
		return false, nil
	}

	if next == record.StatusExported {
		return true, p.finishExport(ctx, rec)
	}

	rec.Status = next
	if next.Terminal() {
		now := time.Now().UTC()
		rec.CompletedAt = &now
	}
	if err := p.records.Update(ctx, rec); err != nil {
		return false, fmt.Errorf("update record %s: %w", rec.ID, err)
	}

	if m := metrics.Get(); m != nil {
		m.IncRecordsAdvanced(string(next))
	}
	p.log.Info("export advanced",
		"record_id", rec.ID, "layer", rec.LayerName, "status", string(next))
	return true, nil
}

// finishExport runs the export-complete handling: discover the produced
// tiles, remember their URLs, point the record at the merge destination,
// and dispatch it, all in the same cycle. The cached URLs are diagnostic;
// the merge lists tiles fresh.
func (p *Poller) finishExport(ctx context.Context, rec *record.Record) error {
	urls, err := p.tileURLs(ctx, rec.LayerName)
	if err != nil {
		return fmt.Errorf("discover tiles for %s: %w", rec.LayerName, err)
	}
	if len(urls) == 0 {
		rec.Status = record.StatusFailed
		rec.ErrorMessage = fmt.Sprintf("export job %s succeeded but produced no tiles under %s",
			rec.ExternalJobID, p.sourceLoc.Key(rec.LayerName))
		now := time.Now().UTC()
		rec.CompletedAt = &now
		if err := p.records.Update(ctx, rec); err != nil {
			return fmt.Errorf("update record %s: %w", rec.ID, err)
		}
		p.log.Error("export produced no tiles", "record_id", rec.ID, "layer", rec.LayerName)
		return nil
	}

	rec.Status = record.StatusPendingMerge
	rec.TileCount = int64(len(urls))
	rec.DestBucket = p.destLoc.Bucket
	rec.DestPrefix = p.destLoc.Prefix
	if rec.Metadata == nil {
		rec.Metadata = make(map[string]any)
	}
	rec.Metadata[record.MetadataTileURLs] = urls

	if err := p.records.Update(ctx, rec); err != nil {
		return fmt.Errorf("update record %s: %w", rec.ID, err)
	}
	if err := p.queue.Enqueue(ctx, rec.ID); err != nil {
		return fmt.Errorf("dispatch merge for %s: %w", rec.LayerName, err)
	}

	if m := metrics.Get(); m != nil {
		m.IncRecordsAdvanced(string(record.StatusPendingMerge))
	}
	p.log.Info("export complete, merge dispatched",
		"record_id", rec.ID, "layer", rec.LayerName, "tiles", len(urls))
	return nil
}

// tileURLs lists the layer's prefix and returns the URLs of objects that
// attribute to the layer.
func (p *Poller) tileURLs(ctx context.Context, layer string) ([]string, error) {
	objects, err := p.source.List(ctx, p.sourceLoc.Key(layer))
	if err != nil {
		return nil, err
	}

	dir := p.sourceLoc.Key("")
	names := make([]string, 0, len(objects))
	for _, obj := range objects {
		names = append(names, strings.TrimPrefix(obj.Key, dir))
	}

	matched := tiles.ForLayer(names, p.layers, layer)
	urls := make([]string, 0, len(matched))
	for _, name := range matched {
		urls = append(urls, p.source.URL(p.sourceLoc.Key(name)))
	}
	return urls, nil
}

// Run polls on a fixed interval until ctx is cancelled. One cycle runs
// immediately on start.
func (p *Poller) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, _, err := p.Poll(ctx); err != nil && ctx.Err() == nil {
			p.log.Error("poll cycle failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
