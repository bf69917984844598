// Package lifecycle implements the operator-facing operations: starting
// exports, forcing a layer back through export or merge, and the
// per-layer inventory. Destructive resets delete bucket objects on a
// best-effort basis; a failed delete is logged and the reset proceeds,
// since the reconciler and the merge itself both tolerate leftovers.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/geovista/cog-merger/internal/blobstore"
	"github.com/geovista/cog-merger/internal/config"
	"github.com/geovista/cog-merger/internal/dispatch"
	"github.com/geovista/cog-merger/internal/jobsystem"
	"github.com/geovista/cog-merger/internal/metrics"
	"github.com/geovista/cog-merger/internal/record"
	"github.com/geovista/cog-merger/internal/tiles"
)

// ErrUnknownLayer is returned when an operation names a layer that is not
// in the registry.
var ErrUnknownLayer = errors.New("unknown layer")

// Service carries the stores and registry the admin operations need.
type Service struct {
	records    record.Store
	source     *blobstore.Store
	dest       *blobstore.Store
	sourceLoc  blobstore.Location
	destLoc    blobstore.Location
	queue      dispatch.Queue
	exporter   jobsystem.Exporter
	layers     []config.Layer
	layerNames []string
	log        *slog.Logger
}

// New builds the lifecycle service.
func New(records record.Store, source, dest *blobstore.Store,
	sourceLoc, destLoc blobstore.Location, queue dispatch.Queue,
	exporter jobsystem.Exporter, layers []config.Layer) *Service {
	return &Service{
		records:    records,
		source:     source,
		dest:       dest,
		sourceLoc:  sourceLoc,
		destLoc:    destLoc,
		queue:      queue,
		exporter:   exporter,
		layers:     layers,
		layerNames: config.LayerNames(layers),
		log:        slog.With("component", "lifecycle"),
	}
}

// knownLayer reports whether a name is in the registry.
func (s *Service) knownLayer(name string) bool {
	for _, l := range s.layers {
		if l.Name == name {
			return true
		}
	}
	return false
}

// StartExport submits export jobs for the named layers (all registered
// layers when names is empty) and creates their records. Unknown names
// fail the whole call before any job is submitted.
func (s *Service) StartExport(ctx context.Context, names []string, actor string) ([]string, error) {
	if len(names) == 0 {
		names = s.layerNames
	}
	for _, name := range names {
		if !s.knownLayer(name) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownLayer, name)
		}
	}

	ids := make([]string, 0, len(names))
	for _, name := range names {
		jobID, err := s.exporter.StartExport(ctx, name, s.sourceLoc)
		if err != nil {
			return ids, fmt.Errorf("start export for %s: %w", name, err)
		}

		rec := &record.Record{
			ID:            uuid.NewString(),
			LayerName:     name,
			ExternalJobID: jobID,
			SourceBucket:  s.sourceLoc.Bucket,
			SourcePrefix:  s.sourceLoc.Prefix,
			Status:        record.StatusPendingExport,
			InitiatedBy:   actor,
			StartedAt:     time.Now().UTC(),
		}
		if err := s.records.Insert(ctx, rec); err != nil {
			return ids, fmt.Errorf("record export for %s: %w", name, err)
		}
		ids = append(ids, rec.ID)

		if m := metrics.Get(); m != nil {
			m.ExportsStarted.WithLabelValues(name).Inc()
		}
		s.log.Info("export started",
			"layer", name, "record_id", rec.ID, "job_id", jobID, "initiated_by", actor)
	}
	return ids, nil
}

// ForceReexport wipes a layer clean and starts a fresh export attempt:
// the destination artifact and the layer's source tiles are deleted
// (best effort), every record for the layer is removed, and a new export
// job is submitted.
func (s *Service) ForceReexport(ctx context.Context, layer, actor string) (string, error) {
	if !s.knownLayer(layer) {
		return "", fmt.Errorf("%w: %q", ErrUnknownLayer, layer)
	}

	s.deleteArtifact(ctx, layer)
	s.deleteSourceTiles(ctx, layer)

	deleted, err := s.records.DeleteForLayer(ctx, layer)
	if err != nil {
		return "", fmt.Errorf("delete records for %s: %w", layer, err)
	}
	s.log.Info("force re-export reset", "layer", layer, "records_deleted", deleted)

	ids, err := s.StartExport(ctx, []string{layer}, actor)
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// ForceRemerge re-runs the merge for a layer from its existing tiles.
// The destination artifact is deleted (best effort) and the layer's
// latest record is reset in place to pending_merge; if no record exists,
// a fresh one is created. The export is not re-run.
func (s *Service) ForceRemerge(ctx context.Context, layer, actor string) (string, error) {
	if !s.knownLayer(layer) {
		return "", fmt.Errorf("%w: %q", ErrUnknownLayer, layer)
	}

	s.deleteArtifact(ctx, layer)

	rec, err := s.records.LatestForLayer(ctx, layer)
	if err != nil {
		return "", fmt.Errorf("load latest record for %s: %w", layer, err)
	}

	if rec != nil {
		rec.Status = record.StatusPendingMerge
		rec.ArtifactURL = ""
		rec.ArtifactSizeBytes = 0
		rec.ErrorMessage = ""
		rec.CompletedAt = nil
		rec.DestBucket = s.destLoc.Bucket
		rec.DestPrefix = s.destLoc.Prefix
		rec.InitiatedBy = actor
		if err := s.records.Update(ctx, rec); err != nil {
			return "", fmt.Errorf("reset record %s: %w", rec.ID, err)
		}
	} else {
		rec = &record.Record{
			ID:           uuid.NewString(),
			LayerName:    layer,
			SourceBucket: s.sourceLoc.Bucket,
			SourcePrefix: s.sourceLoc.Prefix,
			DestBucket:   s.destLoc.Bucket,
			DestPrefix:   s.destLoc.Prefix,
			Status:       record.StatusPendingMerge,
			InitiatedBy:  actor,
			StartedAt:    time.Now().UTC(),
		}
		if err := s.records.Insert(ctx, rec); err != nil {
			return "", fmt.Errorf("create record for %s: %w", layer, err)
		}
	}

	if err := s.queue.Enqueue(ctx, rec.ID); err != nil {
		return "", fmt.Errorf("enqueue merge for %s: %w", layer, err)
	}
	s.log.Info("force re-merge dispatched",
		"layer", layer, "record_id", rec.ID, "initiated_by", actor)
	return rec.ID, nil
}

// deleteArtifact removes the layer's merged artifact if present.
func (s *Service) deleteArtifact(ctx context.Context, layer string) {
	key := s.destLoc.Key(layer + ".tif")
	ok, err := s.dest.Exists(ctx, key)
	if err != nil || !ok {
		return
	}
	if err := s.dest.Delete(ctx, key); err != nil {
		s.log.Warn("artifact delete failed, continuing", "key", key, "error", err)
		return
	}
	if m := metrics.Get(); m != nil {
		m.ObjectsDeleted.Inc()
	}
	s.log.Info("deleted artifact", "key", key)
}

// deleteSourceTiles removes the layer's attributed tiles from the source.
func (s *Service) deleteSourceTiles(ctx context.Context, layer string) {
	objects, err := s.source.List(ctx, s.sourceLoc.Key(layer))
	if err != nil {
		s.log.Warn("tile listing for delete failed, continuing", "layer", layer, "error", err)
		return
	}

	dir := s.sourceLoc.Key("")
	names := make([]string, 0, len(objects))
	for _, obj := range objects {
		names = append(names, strings.TrimPrefix(obj.Key, dir))
	}

	deleted := 0
	for _, name := range tiles.ForLayer(names, s.layerNames, layer) {
		key := s.sourceLoc.Key(name)
		if err := s.source.Delete(ctx, key); err != nil {
			s.log.Warn("tile delete failed, continuing", "key", key, "error", err)
			continue
		}
		deleted++
	}
	if m := metrics.Get(); m != nil {
		m.ObjectsDeleted.Add(float64(deleted))
	}
	if deleted > 0 {
		s.log.Info("deleted source tiles", "layer", layer, "tiles", deleted)
	}
}

// LayerInfo is one inventory row.
type LayerInfo struct {
	Name        string `json:"name"`
	Category    string `json:"category"`
	Description string `json:"description,omitempty"`

	SourceTiles int    `json:"source_tiles"`
	HasArtifact bool   `json:"has_artifact"`
	ArtifactURL string `json:"artifact_url,omitempty"`

	Status       string     `json:"status,omitempty"`
	TileCount    int64      `json:"tile_count,omitempty"`
	SizeBytes    int64      `json:"size_bytes,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	InitiatedBy  string     `json:"initiated_by,omitempty"`
}

// Inventory reports the current state of every registered layer: tiles
// in the source, artifact presence in the destination, and the latest
// record, combined into one row per layer.
func (s *Service) Inventory(ctx context.Context) ([]LayerInfo, error) {
	sourceObjects, err := s.source.List(ctx, s.sourceLoc.Key(""))
	if err != nil {
		return nil, fmt.Errorf("list source tiles: %w", err)
	}
	dir := s.sourceLoc.Key("")
	names := make([]string, 0, len(sourceObjects))
	for _, obj := range sourceObjects {
		names = append(names, strings.TrimPrefix(obj.Key, dir))
	}
	tileCounts := tiles.CountByLayer(names, s.layerNames)

	latest, err := s.records.LatestPerLayer(ctx)
	if err != nil {
		return nil, fmt.Errorf("load latest records: %w", err)
	}

	out := make([]LayerInfo, 0, len(s.layers))
	for _, l := range s.layers {
		info := LayerInfo{
			Name:        l.Name,
			Category:    l.Category,
			Description: l.Description,
			SourceTiles: tileCounts[l.Name],
		}

		key := s.destLoc.Key(l.Name + ".tif")
		if ok, err := s.dest.Exists(ctx, key); err == nil && ok {
			info.HasArtifact = true
			info.ArtifactURL = s.dest.URL(key)
		}

		if rec, ok := latest[l.Name]; ok {
			info.Status = string(rec.Status)
			info.TileCount = rec.TileCount
			info.SizeBytes = rec.ArtifactSizeBytes
			started := rec.StartedAt
			info.StartedAt = &started
			info.CompletedAt = rec.CompletedAt
			info.ErrorMessage = rec.ErrorMessage
			info.InitiatedBy = rec.InitiatedBy
			if info.ArtifactURL == "" {
				info.ArtifactURL = rec.ArtifactURL
			}
		}
		out = append(out, info)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
