package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/geovista/cog-merger/internal/logging"
	"github.com/geovista/cog-merger/internal/merge"
	"github.com/geovista/cog-merger/internal/metrics"
	"github.com/geovista/cog-merger/internal/record"
)

// dequeueBlock bounds each blocking pop so workers notice shutdown.
const dequeueBlock = 5 * time.Second

// Merger runs one merge for a layer.
type Merger interface {
	Merge(ctx context.Context, layer string) (*merge.Result, error)
}

// Pool consumes merge signals and drives claimed records through the
// merging state to a terminal one. Each worker handles one merge at a
// time; a signal whose record is gone or already claimed is dropped.
type Pool struct {
	records record.Store
	queue   Queue
	merger  Merger
	workers int
	log     *slog.Logger
}

// NewPool builds a worker pool with the given parallelism.
func NewPool(records record.Store, queue Queue, merger Merger, workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{
		records: records,
		queue:   queue,
		merger:  merger,
		workers: workers,
		log:     slog.With("component", "dispatch"),
	}
}

// Run starts the workers and blocks until ctx is cancelled and all
// in-flight merges have finished.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.worker(ctx, id)
		}(i)
	}
	wg.Wait()
}

func (p *Pool) worker(ctx context.Context, id int) {
	log := logging.WorkerLogger(id)
	log.Info("merge worker started")

	for {
		if ctx.Err() != nil {
			log.Info("merge worker stopping")
			return
		}

		recordID, err := p.queue.Dequeue(ctx, dequeueBlock)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("merge worker stopping")
				return
			}
			log.Error("dequeue failed", "error", err)
			time.Sleep(time.Second)
			continue
		}
		if recordID == "" {
			continue
		}

		if err := p.process(ctx, log, recordID); err != nil {
			log.Error("merge processing failed", "record_id", recordID, "error", err)
		}
	}
}

// process handles one dequeued signal end to end. The record is re-read
// and claimed before any work starts, so duplicate signals for the same
// record collapse to a single merge. Every merge gets its own correlation
// ID tying its log lines together.
func (p *Pool) process(ctx context.Context, log *slog.Logger, recordID string) error {
	correlationID := logging.GenerateCorrelationID()
	ctx = logging.WithCorrelationID(ctx, correlationID)

	rec, err := p.records.Get(ctx, recordID)
	if err != nil {
		if errors.Is(err, record.ErrNotFound) {
			// Deleted between dispatch and pickup, e.g. by a force
			// re-export. Nothing to do.
			log.Info("dispatched record no longer exists", "record_id", recordID)
			return nil
		}
		return fmt.Errorf("load record %s: %w", recordID, err)
	}

	claimed, err := p.records.Claim(ctx, recordID, record.StatusPendingMerge, record.StatusMerging)
	if err != nil {
		return fmt.Errorf("claim record %s: %w", recordID, err)
	}
	if !claimed {
		log.Info("record not claimable, skipping",
			"record_id", recordID, "layer", rec.LayerName, "status", rec.Status)
		return nil
	}

	log = logging.LayerLogger(correlationID, rec.LayerName, recordID)
	log.Info("merge started")
	start := time.Now()

	result, mergeErr := p.merger.Merge(ctx, rec.LayerName)

	// Re-read before finalizing: the claim made this worker the owner,
	// but admin actions may have touched other fields meanwhile.
	rec, err = p.records.Get(ctx, recordID)
	if err != nil {
		if errors.Is(err, record.ErrNotFound) {
			log.Warn("record deleted during merge, result discarded")
			return nil
		}
		return fmt.Errorf("reload record %s: %w", recordID, err)
	}

	now := time.Now().UTC()
	rec.CompletedAt = &now

	if mergeErr != nil {
		rec.Status = record.StatusFailed
		rec.ErrorMessage = record.TruncateError(mergeErr.Error())
		if err := p.records.Update(ctx, rec); err != nil {
			return fmt.Errorf("record merge failure for %s: %w", recordID, err)
		}
		if m := metrics.Get(); m != nil {
			m.IncMerge("failed")
		}
		log.Error("merge failed", "error", mergeErr)
		return nil
	}

	rec.Status = record.StatusMerged
	rec.ArtifactURL = result.ArtifactURL
	rec.ArtifactSizeBytes = result.SizeBytes
	rec.TileCount = int64(result.TileCount)
	rec.ErrorMessage = ""
	if err := p.records.Update(ctx, rec); err != nil {
		return fmt.Errorf("record merge success for %s: %w", recordID, err)
	}

	elapsed := time.Since(start)
	if m := metrics.Get(); m != nil {
		m.IncMerge("merged")
		m.ObserveMerge(elapsed.Seconds(), result.TileCount, result.SizeBytes)
	}
	log.Info("merge finished",
		"tiles", result.TileCount, "bytes", result.SizeBytes,
		"duration_ms", elapsed.Milliseconds())
	return nil
}
