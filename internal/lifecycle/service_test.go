package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"gocloud.dev/blob/memblob"

	"github.com/geovista/cog-merger/internal/blobstore"
	"github.com/geovista/cog-merger/internal/config"
	"github.com/geovista/cog-merger/internal/dispatch"
	"github.com/geovista/cog-merger/internal/record"
)

var testLayers = []config.Layer{
	{Name: "elev", Category: "topography", Description: "Elevation (m)"},
	{Name: "pop", Category: "demographics"},
	{Name: "pop_2015", Category: "demographics"},
}

type fakeExporter struct {
	jobs  []string
	fail  bool
	calls int
}

func (f *fakeExporter) StartExport(_ context.Context, layer string, _ blobstore.Location) (string, error) {
	f.calls++
	if f.fail {
		return "", fmt.Errorf("job api unavailable")
	}
	id := fmt.Sprintf("job-%s-%d", layer, f.calls)
	f.jobs = append(f.jobs, id)
	return id, nil
}

type fixture struct {
	svc      *Service
	store    *record.MemoryStore
	source   *blobstore.Store
	dest     *blobstore.Store
	queue    *dispatch.MemQueue
	exporter *fakeExporter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := record.NewMemoryStore()
	source := blobstore.NewWithBucket(memblob.OpenBucket(nil), "gs", "tiles")
	dest := blobstore.NewWithBucket(memblob.OpenBucket(nil), "gs", "cogs")
	queue := dispatch.NewMemQueue(16)
	exporter := &fakeExporter{}
	svc := New(store, source, dest,
		blobstore.Location{Bucket: "tiles", Prefix: "covariates"},
		blobstore.Location{Bucket: "cogs", Prefix: "cog"},
		queue, exporter, testLayers)
	return &fixture{svc: svc, store: store, source: source, dest: dest, queue: queue, exporter: exporter}
}

func (f *fixture) put(t *testing.T, store *blobstore.Store, key string) {
	t.Helper()
	if err := store.Upload(context.Background(), key, strings.NewReader("data"), "image/tiff"); err != nil {
		t.Fatalf("upload %s: %v", key, err)
	}
}

func TestStartExport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ids, err := f.svc.StartExport(ctx, []string{"elev"}, "alice")
	if err != nil {
		t.Fatalf("StartExport failed: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("got %d ids", len(ids))
	}

	rec, err := f.store.Get(ctx, ids[0])
	if err != nil {
		t.Fatalf("record missing: %v", err)
	}
	if rec.Status != record.StatusPendingExport {
		t.Errorf("status = %s, want pending_export", rec.Status)
	}
	if rec.ExternalJobID == "" || rec.InitiatedBy != "alice" {
		t.Errorf("record = %+v", rec)
	}
}

func TestStartExportAllLayers(t *testing.T) {
	f := newFixture(t)

	ids, err := f.svc.StartExport(context.Background(), nil, "cron")
	if err != nil {
		t.Fatalf("StartExport failed: %v", err)
	}
	if len(ids) != len(testLayers) {
		t.Errorf("got %d ids, want %d", len(ids), len(testLayers))
	}
}

func TestStartExportUnknownLayer(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.StartExport(context.Background(), []string{"elev", "bogus"}, "alice")
	if !errors.Is(err, ErrUnknownLayer) {
		t.Fatalf("err = %v, want ErrUnknownLayer", err)
	}
	if f.exporter.calls != 0 {
		t.Error("jobs submitted despite validation failure")
	}
}

func TestResetsRejectUnknownLayer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.ForceReexport(ctx, "bogus", "alice"); !errors.Is(err, ErrUnknownLayer) {
		t.Errorf("ForceReexport err = %v, want ErrUnknownLayer", err)
	}
	if _, err := f.svc.ForceRemerge(ctx, "bogus", "alice"); !errors.Is(err, ErrUnknownLayer) {
		t.Errorf("ForceRemerge err = %v, want ErrUnknownLayer", err)
	}
}

func TestForceReexportWipesLayer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.put(t, f.source, "covariates/elev0000000000-0000000000.tif")
	f.put(t, f.source, "covariates/elev0000000000-0000001024.tif")
	f.put(t, f.dest, "cog/elev.tif")
	if err := f.store.Insert(ctx, &record.Record{
		ID: "old", LayerName: "elev", Status: record.StatusMerged, StartedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	id, err := f.svc.ForceReexport(ctx, "elev", "alice")
	if err != nil {
		t.Fatalf("ForceReexport failed: %v", err)
	}

	if _, err := f.store.Get(ctx, "old"); err != record.ErrNotFound {
		t.Errorf("old record survived: %v", err)
	}
	rec, err := f.store.Get(ctx, id)
	if err != nil || rec.Status != record.StatusPendingExport {
		t.Errorf("new record = %+v, err %v", rec, err)
	}

	if ok, _ := f.dest.Exists(ctx, "cog/elev.tif"); ok {
		t.Error("artifact survived the wipe")
	}
	objects, _ := f.source.List(ctx, "covariates/elev")
	if len(objects) != 0 {
		t.Errorf("%d tiles survived the wipe", len(objects))
	}
}

func TestForceRemergeResetsRecordInPlace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.put(t, f.dest, "cog/pop.tif")
	completed := time.Now().UTC()
	if err := f.store.Insert(ctx, &record.Record{
		ID:                "r-pop",
		LayerName:         "pop",
		Status:            record.StatusMerged,
		ArtifactURL:       "https://storage.googleapis.com/cogs/cog/pop.tif",
		ArtifactSizeBytes: 123,
		CompletedAt:       &completed,
		StartedAt:         time.Now().UTC(),
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	id, err := f.svc.ForceRemerge(ctx, "pop", "bob")
	if err != nil {
		t.Fatalf("ForceRemerge failed: %v", err)
	}
	if id != "r-pop" {
		t.Fatalf("id = %q, want in-place reset of r-pop", id)
	}

	rec, _ := f.store.Get(ctx, "r-pop")
	if rec.Status != record.StatusPendingMerge {
		t.Errorf("status = %s, want pending_merge", rec.Status)
	}
	if rec.ArtifactURL != "" || rec.ArtifactSizeBytes != 0 || rec.CompletedAt != nil {
		t.Errorf("artifact fields not cleared: %+v", rec)
	}
	if rec.InitiatedBy != "bob" {
		t.Errorf("initiated by %q", rec.InitiatedBy)
	}

	if ok, _ := f.dest.Exists(ctx, "cog/pop.tif"); ok {
		t.Error("artifact survived")
	}
	if f.queue.Len() != 1 {
		t.Errorf("queue depth = %d, want 1", f.queue.Len())
	}
	// The export was not re-run.
	if f.exporter.calls != 0 {
		t.Error("re-merge submitted an export job")
	}
}

func TestForceRemergeWithoutRecordCreatesOne(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.svc.ForceRemerge(ctx, "elev", "bob")
	if err != nil {
		t.Fatalf("ForceRemerge failed: %v", err)
	}
	rec, err := f.store.Get(ctx, id)
	if err != nil || rec.Status != record.StatusPendingMerge {
		t.Errorf("record = %+v, err %v", rec, err)
	}
}

func TestInventory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.put(t, f.source, "covariates/elev0000000000-0000000000.tif")
	f.put(t, f.source, "covariates/pop_20150000000000-0000000000.tif")
	f.put(t, f.dest, "cog/elev.tif")
	if err := f.store.Insert(ctx, &record.Record{
		ID: "r1", LayerName: "elev", Status: record.StatusMerged,
		TileCount: 1, ArtifactSizeBytes: 4, StartedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	rows, err := f.svc.Inventory(ctx)
	if err != nil {
		t.Fatalf("Inventory failed: %v", err)
	}
	if len(rows) != len(testLayers) {
		t.Fatalf("got %d rows, want %d", len(rows), len(testLayers))
	}

	byName := make(map[string]LayerInfo)
	for _, row := range rows {
		byName[row.Name] = row
	}

	elev := byName["elev"]
	if elev.SourceTiles != 1 || !elev.HasArtifact || elev.Status != "merged" {
		t.Errorf("elev row = %+v", elev)
	}
	if elev.Category != "topography" {
		t.Errorf("elev category = %q", elev.Category)
	}

	pop2015 := byName["pop_2015"]
	if pop2015.SourceTiles != 1 || pop2015.HasArtifact || pop2015.Status != "" {
		t.Errorf("pop_2015 row = %+v", pop2015)
	}

	// Attribution keeps pop's count at zero despite the shared prefix.
	if byName["pop"].SourceTiles != 0 {
		t.Errorf("pop tiles = %d, want 0", byName["pop"].SourceTiles)
	}
}
