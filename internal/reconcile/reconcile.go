// Package reconcile closes the gap between what the buckets hold and what
// the record table says. The unmerged scan finds layers whose tiles never
// got a merge dispatched (lost signal, crashed worker, records wiped); the
// orphan scan adopts destination artifacts that have no record (produced
// by an earlier deployment or by hand). Both scans are idempotent: running
// them again dispatches and imports nothing new.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/geovista/cog-merger/internal/blobstore"
	"github.com/geovista/cog-merger/internal/dispatch"
	"github.com/geovista/cog-merger/internal/metrics"
	"github.com/geovista/cog-merger/internal/record"
	"github.com/geovista/cog-merger/internal/tiles"
)

// initiatedByReconciler marks records created or advanced by a scan rather
// than by an operator or the poller.
const initiatedByReconciler = "reconciler"

// Scanner runs the two reconciliation passes.
type Scanner struct {
	records   record.Store
	source    *blobstore.Store
	dest      *blobstore.Store
	sourceLoc blobstore.Location
	destLoc   blobstore.Location
	queue     dispatch.Queue
	layers    []string
	log       *slog.Logger
}

// New builds a scanner over the given stores and layer set.
func New(records record.Store, source, dest *blobstore.Store,
	sourceLoc, destLoc blobstore.Location, queue dispatch.Queue, layers []string) *Scanner {
	return &Scanner{
		records:   records,
		source:    source,
		dest:      dest,
		sourceLoc: sourceLoc,
		destLoc:   destLoc,
		queue:     queue,
		layers:    layers,
		log:       slog.With("component", "reconcile"),
	}
}

// ScanUnmerged dispatches a merge for every layer that has tiles in the
// source but neither a merge under way nor a destination artifact. It
// returns the number of merges dispatched.
func (s *Scanner) ScanUnmerged(ctx context.Context) (int, error) {
	counts, err := s.sourceTileCounts(ctx)
	if err != nil {
		return 0, err
	}
	if len(counts) == 0 {
		return 0, nil
	}

	// Layers already handled: a record at or past pending_merge, or an
	// artifact already sitting in the destination.
	handled := make(map[string]bool)

	recs, err := s.records.WithStatus(ctx,
		record.StatusPendingMerge, record.StatusMerging, record.StatusMerged)
	if err != nil {
		return 0, fmt.Errorf("list merge-phase records: %w", err)
	}
	for _, rec := range recs {
		handled[rec.LayerName] = true
	}

	artifacts, err := s.destArtifacts(ctx)
	if err != nil {
		return 0, err
	}
	for layer := range artifacts {
		handled[layer] = true
	}

	var candidates []string
	for layer := range counts {
		if !handled[layer] {
			candidates = append(candidates, layer)
		}
	}
	sort.Strings(candidates)

	dispatched := 0
	for _, layer := range candidates {
		if ctx.Err() != nil {
			return dispatched, ctx.Err()
		}
		if err := s.dispatchLayer(ctx, layer, counts[layer]); err != nil {
			s.log.Error("reconcile dispatch failed", "layer", layer, "error", err)
			continue
		}
		dispatched++
	}

	if m := metrics.Get(); m != nil {
		m.ReconcileRuns.Inc()
		m.ReconcileDispatched.Add(float64(dispatched))
	}
	if dispatched > 0 {
		s.log.Info("unmerged scan complete", "layers_with_tiles", len(counts), "dispatched", dispatched)
	}
	return dispatched, nil
}

// dispatchLayer queues a merge for one unhandled layer. An existing
// exported record advances in place; otherwise a fresh record is created
// so the attempt has an owner in the table.
func (s *Scanner) dispatchLayer(ctx context.Context, layer string, tileCount int) error {
	rec, err := s.records.LatestForLayer(ctx, layer)
	if err != nil {
		return fmt.Errorf("load latest record for %s: %w", layer, err)
	}

	if rec != nil && rec.Status == record.StatusExported {
		rec.Status = record.StatusPendingMerge
		rec.TileCount = int64(tileCount)
		rec.DestBucket = s.destLoc.Bucket
		rec.DestPrefix = s.destLoc.Prefix
		if err := s.records.Update(ctx, rec); err != nil {
			return fmt.Errorf("advance record %s: %w", rec.ID, err)
		}
	} else {
		rec = &record.Record{
			ID:           uuid.NewString(),
			LayerName:    layer,
			SourceBucket: s.sourceLoc.Bucket,
			SourcePrefix: s.sourceLoc.Prefix,
			DestBucket:   s.destLoc.Bucket,
			DestPrefix:   s.destLoc.Prefix,
			TileCount:    int64(tileCount),
			Status:       record.StatusPendingMerge,
			InitiatedBy:  initiatedByReconciler,
			StartedAt:    time.Now().UTC(),
		}
		if err := s.records.Insert(ctx, rec); err != nil {
			return fmt.Errorf("create record for %s: %w", layer, err)
		}
	}

	if err := s.queue.Enqueue(ctx, rec.ID); err != nil {
		return fmt.Errorf("enqueue merge for %s: %w", layer, err)
	}
	s.log.Info("dispatched unmerged layer", "layer", layer, "record_id", rec.ID, "tiles", tileCount)
	return nil
}

// ScanOrphans imports destination artifacts that no record accounts for,
// synthesizing merged records so the inventory reflects them. It returns
// the number of artifacts imported.
func (s *Scanner) ScanOrphans(ctx context.Context) (int, error) {
	artifacts, err := s.destArtifacts(ctx)
	if err != nil {
		return 0, err
	}
	if len(artifacts) == 0 {
		return 0, nil
	}

	accounted := make(map[string]bool)
	recs, err := s.records.WithStatus(ctx,
		record.StatusPendingMerge, record.StatusMerging, record.StatusMerged)
	if err != nil {
		return 0, fmt.Errorf("list merge-phase records: %w", err)
	}
	for _, rec := range recs {
		accounted[rec.LayerName] = true
	}

	var orphans []string
	for layer := range artifacts {
		if !accounted[layer] {
			orphans = append(orphans, layer)
		}
	}
	sort.Strings(orphans)

	imported := 0
	for _, layer := range orphans {
		if ctx.Err() != nil {
			return imported, ctx.Err()
		}
		obj := artifacts[layer]
		now := time.Now().UTC()
		rec := &record.Record{
			ID:                uuid.NewString(),
			LayerName:         layer,
			DestBucket:        s.destLoc.Bucket,
			DestPrefix:        s.destLoc.Prefix,
			ArtifactURL:       s.dest.URL(obj.Key),
			ArtifactSizeBytes: obj.Size,
			Status:            record.StatusMerged,
			InitiatedBy:       initiatedByReconciler,
			StartedAt:         now,
			CompletedAt:       &now,
		}
		if err := s.records.Insert(ctx, rec); err != nil {
			s.log.Error("orphan import failed", "layer", layer, "error", err)
			continue
		}
		imported++
		s.log.Info("adopted orphan artifact", "layer", layer, "key", obj.Key, "bytes", obj.Size)
	}

	if m := metrics.Get(); m != nil {
		m.OrphansImported.Add(float64(imported))
	}
	return imported, nil
}

// sourceTileCounts makes one paginated pass over the source prefix and
// attributes every object to a layer.
func (s *Scanner) sourceTileCounts(ctx context.Context) (map[string]int, error) {
	objects, err := s.source.List(ctx, s.sourceLoc.Key(""))
	if err != nil {
		return nil, fmt.Errorf("list source tiles: %w", err)
	}

	dir := s.sourceLoc.Key("")
	names := make([]string, 0, len(objects))
	for _, obj := range objects {
		names = append(names, strings.TrimPrefix(obj.Key, dir))
	}
	return tiles.CountByLayer(names, s.layers), nil
}

// destArtifacts lists the destination prefix and attributes each .tif to
// a layer. Non-attributable objects are skipped.
func (s *Scanner) destArtifacts(ctx context.Context) (map[string]blobstore.Object, error) {
	objects, err := s.dest.List(ctx, s.destLoc.Key(""))
	if err != nil {
		return nil, fmt.Errorf("list destination artifacts: %w", err)
	}

	dir := s.destLoc.Key("")
	out := make(map[string]blobstore.Object)
	for _, obj := range objects {
		name := strings.TrimPrefix(obj.Key, dir)
		layer, ok := tiles.Match(name, s.layers)
		if !ok {
			continue
		}
		// Exact artifact names win over tile-shaped leftovers.
		if cur, exists := out[layer]; exists && cur.Key == dir+layer+".tif" {
			continue
		}
		out[layer] = obj
	}
	return out, nil
}

// Run executes both scans on a fixed interval until ctx is cancelled.
func (s *Scanner) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := s.ScanUnmerged(ctx); err != nil && ctx.Err() == nil {
			s.log.Error("unmerged scan failed", "error", err)
		}
		if _, err := s.ScanOrphans(ctx); err != nil && ctx.Err() == nil {
			s.log.Error("orphan scan failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
