package poller

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"gocloud.dev/blob/memblob"

	"github.com/geovista/cog-merger/internal/blobstore"
	"github.com/geovista/cog-merger/internal/dispatch"
	"github.com/geovista/cog-merger/internal/jobsystem"
	"github.com/geovista/cog-merger/internal/record"
)

var testLayers = []string{"elev", "slope", "pop", "pop_2015"}

type fakeJobs struct {
	statuses map[string]jobsystem.JobStatus
	errs     map[string]error
}

func (f *fakeJobs) JobStatus(_ context.Context, jobID string) (jobsystem.JobStatus, error) {
	if err := f.errs[jobID]; err != nil {
		return jobsystem.JobStatus{}, err
	}
	return f.statuses[jobID], nil
}

type fixture struct {
	poller *Poller
	store  *record.MemoryStore
	source *blobstore.Store
	queue  *dispatch.MemQueue
	jobs   *fakeJobs
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := record.NewMemoryStore()
	source := blobstore.NewWithBucket(memblob.OpenBucket(nil), "gs", "tiles")
	queue := dispatch.NewMemQueue(16)
	jobs := &fakeJobs{
		statuses: make(map[string]jobsystem.JobStatus),
		errs:     make(map[string]error),
	}
	p := New(store, jobs, source,
		blobstore.Location{Bucket: "tiles", Prefix: "covariates"},
		blobstore.Location{Bucket: "cogs", Prefix: "cog"},
		queue, testLayers)
	return &fixture{poller: p, store: store, source: source, queue: queue, jobs: jobs}
}

func (f *fixture) seed(t *testing.T, id, layer, jobID string, status record.Status) *record.Record {
	t.Helper()
	rec := &record.Record{
		ID:            id,
		LayerName:     layer,
		ExternalJobID: jobID,
		SourceBucket:  "tiles",
		SourcePrefix:  "covariates",
		Status:        status,
		StartedAt:     time.Now().UTC(),
	}
	if err := f.store.Insert(context.Background(), rec); err != nil {
		t.Fatalf("insert record: %v", err)
	}
	return rec
}

func (f *fixture) putTile(t *testing.T, name string) {
	t.Helper()
	key := "covariates/" + name
	if err := f.source.Upload(context.Background(), key, strings.NewReader("tile"), "image/tiff"); err != nil {
		t.Fatalf("upload %s: %v", key, err)
	}
}

func TestPollSucceededExportDispatchesMerge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seed(t, "r1", "elev", "job-1", record.StatusExporting)
	f.jobs.statuses["job-1"] = jobsystem.JobStatus{Phase: jobsystem.PhaseSucceeded}
	f.putTile(t, "elev0000000000-0000000000.tif")
	f.putTile(t, "elev0000000000-0000001024.tif")
	f.putTile(t, "elev0000001024-0000000000.tif")
	// Another layer sharing no prefix, must not count.
	f.putTile(t, "slope0000000000-0000000000.tif")

	checked, updated, err := f.poller.Poll(ctx)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if checked != 1 || updated != 1 {
		t.Errorf("checked/updated = %d/%d, want 1/1", checked, updated)
	}

	rec, _ := f.store.Get(ctx, "r1")
	if rec.Status != record.StatusPendingMerge {
		t.Errorf("status = %s, want pending_merge", rec.Status)
	}
	if rec.TileCount != 3 {
		t.Errorf("tile count = %d, want 3", rec.TileCount)
	}
	if rec.DestBucket != "cogs" || rec.DestPrefix != "cog" {
		t.Errorf("dest = %s/%s", rec.DestBucket, rec.DestPrefix)
	}
	urls, ok := rec.Metadata[record.MetadataTileURLs].([]string)
	if !ok || len(urls) != 3 {
		t.Fatalf("cached tile urls = %v", rec.Metadata[record.MetadataTileURLs])
	}
	for _, u := range urls {
		if !strings.HasPrefix(u, "https://storage.googleapis.com/tiles/covariates/elev") {
			t.Errorf("unexpected tile url %q", u)
		}
	}

	if f.queue.Len() != 1 {
		t.Fatalf("queue depth = %d, want 1", f.queue.Len())
	}
	id, _ := f.queue.Dequeue(ctx, time.Millisecond)
	if id != "r1" {
		t.Errorf("dispatched %q, want r1", id)
	}
}

func TestPollRunningNoChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seed(t, "r1", "slope", "job-1", record.StatusExporting)
	f.jobs.statuses["job-1"] = jobsystem.JobStatus{Phase: jobsystem.PhaseRunning}

	_, updated, err := f.poller.Poll(ctx)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if updated != 0 {
		t.Errorf("updated = %d, want 0", updated)
	}
}

func TestPollErrorPayloadFailsRunningJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seed(t, "r1", "slope", "job-1", record.StatusExporting)
	f.jobs.statuses["job-1"] = jobsystem.JobStatus{
		Phase: jobsystem.PhaseRunning,
		Error: "worker preempted",
	}

	if _, _, err := f.poller.Poll(ctx); err != nil {
		t.Fatalf("Poll failed: %v", err)
	}

	rec, _ := f.store.Get(ctx, "r1")
	if rec.Status != record.StatusFailed {
		t.Errorf("status = %s, want failed", rec.Status)
	}
	if rec.ErrorMessage != "worker preempted" {
		t.Errorf("error = %q", rec.ErrorMessage)
	}
	if rec.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}
}

func TestPollQueryFailureIsolatedPerRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seed(t, "r1", "elev", "job-1", record.StatusExporting)
	f.seed(t, "r2", "slope", "job-2", record.StatusExporting)
	f.jobs.errs["job-1"] = errors.New("connection refused")
	f.jobs.statuses["job-2"] = jobsystem.JobStatus{Phase: jobsystem.PhaseCancelled}

	checked, updated, err := f.poller.Poll(ctx)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if checked != 2 || updated != 1 {
		t.Errorf("checked/updated = %d/%d, want 2/1", checked, updated)
	}

	r1, _ := f.store.Get(ctx, "r1")
	if r1.Status != record.StatusExporting {
		t.Errorf("r1 status = %s, want untouched", r1.Status)
	}
	r2, _ := f.store.Get(ctx, "r2")
	if r2.Status != record.StatusCancelled {
		t.Errorf("r2 status = %s, want cancelled", r2.Status)
	}
}

func TestPollUnknownPhaseLeavesRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seed(t, "r1", "elev", "job-1", record.StatusExporting)
	f.jobs.statuses["job-1"] = jobsystem.JobStatus{Phase: jobsystem.Phase("paused")}

	if _, updated, err := f.poller.Poll(ctx); err != nil || updated != 0 {
		t.Fatalf("updated=%d err=%v, want 0/nil", updated, err)
	}

	rec, _ := f.store.Get(ctx, "r1")
	if rec.Status != record.StatusExporting {
		t.Errorf("status = %s, want exporting", rec.Status)
	}
}

func TestPollSucceededButNoTilesFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seed(t, "r1", "pop", "job-1", record.StatusExporting)
	f.jobs.statuses["job-1"] = jobsystem.JobStatus{Phase: jobsystem.PhaseSucceeded}
	// Tiles exist only for the longer layer name.
	f.putTile(t, "pop_20150000000000-0000000000.tif")

	if _, _, err := f.poller.Poll(ctx); err != nil {
		t.Fatalf("Poll failed: %v", err)
	}

	rec, _ := f.store.Get(ctx, "r1")
	if rec.Status != record.StatusFailed {
		t.Errorf("status = %s, want failed", rec.Status)
	}
	if !strings.Contains(rec.ErrorMessage, "no tiles") {
		t.Errorf("error = %q", rec.ErrorMessage)
	}
	if f.queue.Len() != 0 {
		t.Error("merge dispatched despite missing tiles")
	}
}

func TestPollSkipsRecordsWithoutJobID(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "r1", "elev", "", record.StatusPendingExport)

	checked, updated, err := f.poller.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if checked != 0 || updated != 0 {
		t.Errorf("checked/updated = %d/%d, want 0/0", checked, updated)
	}
}
