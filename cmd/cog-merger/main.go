package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/geovista/cog-merger/internal/blobstore"
	"github.com/geovista/cog-merger/internal/config"
	"github.com/geovista/cog-merger/internal/dispatch"
	"github.com/geovista/cog-merger/internal/httpapi"
	"github.com/geovista/cog-merger/internal/jobsystem"
	"github.com/geovista/cog-merger/internal/lifecycle"
	"github.com/geovista/cog-merger/internal/logging"
	"github.com/geovista/cog-merger/internal/merge"
	"github.com/geovista/cog-merger/internal/metrics"
	"github.com/geovista/cog-merger/internal/poller"
	"github.com/geovista/cog-merger/internal/reconcile"
	"github.com/geovista/cog-merger/internal/record"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("configuration invalid", "error", err)
		os.Exit(1)
	}

	logging.Setup(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel})
	log := logging.Component("main")

	layers, err := config.LoadLayers(cfg.LayersFile)
	if err != nil {
		log.Error("layer registry invalid", "error", err)
		os.Exit(1)
	}
	layerNames := config.LayerNames(layers)
	log.Info("starting cog-merger", "layers", len(layers), "workers", cfg.MergeWorkers)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		sig := <-ch
		log.Info("shutdown signal received", "signal", sig.String())
		cancel()
	}()

	metrics.Init("cog_merger")
	go func() {
		if err := metrics.StartServer(cfg.MetricsAddr); err != nil {
			log.Error("metrics server failed", "error", err)
		}
	}()

	records, err := record.NewPostgresStore(ctx, cfg.DatabaseDSN)
	if err != nil {
		log.Error("record store unavailable", "error", err)
		os.Exit(1)
	}
	defer records.Close()

	source, err := blobstore.Open(ctx, cfg.SourceBucketURL)
	if err != nil {
		log.Error("source bucket unavailable", "error", err)
		os.Exit(1)
	}
	defer source.Close()

	dest, err := blobstore.Open(ctx, cfg.DestBucketURL)
	if err != nil {
		log.Error("destination bucket unavailable", "error", err)
		os.Exit(1)
	}
	defer dest.Close()

	sourceLoc := blobstore.Location{Bucket: source.Name(), Prefix: cfg.SourcePrefix}
	destLoc := blobstore.Location{Bucket: dest.Name(), Prefix: cfg.DestPrefix}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Error("redis unavailable", "addr", cfg.RedisAddr, "error", err)
		os.Exit(1)
	}
	queue := dispatch.NewRedisQueue(rdb)

	jobs := jobsystem.NewHTTPClient(cfg.JobAPIURL, cfg.JobProject)
	jobsystem.InitDefault(jobs)

	engine := merge.NewEngine(source, dest, sourceLoc, destLoc, layerNames)
	pool := dispatch.NewPool(records, queue, engine, cfg.MergeWorkers)

	poll := poller.New(records, jobs, source, sourceLoc, destLoc, queue, layerNames)
	scanner := reconcile.New(records, source, dest, sourceLoc, destLoc, queue, layerNames)
	svc := lifecycle.New(records, source, dest, sourceLoc, destLoc, queue, jobs, layers)
	api := httpapi.New(svc)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		pool.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		poll.Run(ctx, cfg.PollInterval)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner.Run(ctx, cfg.ReconcileInterval)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := api.ListenAndServe(ctx, cfg.HTTPAddr); err != nil {
			log.Error("admin API failed", "error", err)
			cancel()
		}
	}()

	wg.Wait()
	log.Info("cog-merger stopped cleanly")
}
