// Package merge turns a layer's exported tiles into a single
// cloud-optimized GeoTIFF. The pipeline mirrors the GDAL toolchain:
// gdalbuildvrt composes the downloaded tiles into a virtual mosaic (no
// reprojection, no resampling; tiles are non-overlapping and
// co-registered), then gdal_translate materializes the mosaic as one COG
// with lossless DEFLATE compression.
package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/geovista/cog-merger/internal/blobstore"
	"github.com/geovista/cog-merger/internal/tiles"
)

// ErrNoTiles is returned when a merge is attempted for a layer with zero
// discoverable tiles in the source location.
var ErrNoTiles = errors.New("no tiles found")

// maxToolOutput caps how much captured tool output is attached to a
// ToolError; the record store truncates error messages anyway, this keeps
// the in-memory error bounded too.
const maxToolOutput = 2000

// ToolError reports a merge tool exiting non-zero, with its captured
// output attached up to maxToolOutput bytes.
type ToolError struct {
	Cmd      string
	ExitCode int
	Output   string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s failed (exit %d): %s", e.Cmd, e.ExitCode, e.Output)
}

// Runner executes one merge tool invocation. Injectable so tests can run
// without gdal-bin installed.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) error
}

// ExecRunner runs tools as subprocesses, capturing combined output.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) error {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		text := strings.TrimSpace(string(out))
		if len(text) > maxToolOutput {
			text = text[:maxToolOutput]
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &ToolError{Cmd: name, ExitCode: exitErr.ExitCode(), Output: text}
		}
		return fmt.Errorf("run %s: %w", name, err)
	}
	return nil
}

// Result describes a completed merge.
type Result struct {
	ArtifactURL string
	SizeBytes   int64
	TileCount   int
}

// Engine executes the download → mosaic → translate → upload pipeline for
// one layer at a time.
type Engine struct {
	source    *blobstore.Store
	dest      *blobstore.Store
	sourceLoc blobstore.Location
	destLoc   blobstore.Location
	layers    []string
	runner    Runner
	workRoot  string // parent dir for temp working areas; "" = system default
	log       *slog.Logger
}

// NewEngine builds a merge engine. layers is the closed set of known
// layer names used for tile attribution.
func NewEngine(source, dest *blobstore.Store, sourceLoc, destLoc blobstore.Location, layers []string) *Engine {
	return &Engine{
		source:    source,
		dest:      dest,
		sourceLoc: sourceLoc,
		destLoc:   destLoc,
		layers:    layers,
		runner:    ExecRunner{},
		log:       slog.With("component", "merge"),
	}
}

// WithRunner overrides the tool runner. Test hook.
func (e *Engine) WithRunner(r Runner) *Engine {
	e.runner = r
	return e
}

// Merge lists the layer's current tiles (never a cached list; tiles may
// have changed since poll time), downloads them into a private temp dir,
// merges, uploads the artifact, and removes the temp dir success or
// failure.
func (e *Engine) Merge(ctx context.Context, layer string) (*Result, error) {
	keys, err := e.listTileKeys(ctx, layer)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("layer %q in %s: %w", layer, e.sourceLoc, ErrNoTiles)
	}
	e.log.Info("found tiles", "layer", layer, "tiles", len(keys))

	workdir, err := os.MkdirTemp(e.workRoot, "cog_"+layer+"_")
	if err != nil {
		return nil, fmt.Errorf("create working dir: %w", err)
	}
	defer os.RemoveAll(workdir)

	localTiles := make([]string, 0, len(keys))
	for _, key := range keys {
		local := filepath.Join(workdir, filepath.Base(key))
		start := time.Now()
		n, err := e.source.DownloadFile(ctx, key, local)
		if err != nil {
			return nil, fmt.Errorf("download tile %s: %w", key, err)
		}
		e.log.Debug("downloaded tile", "key", key, "bytes", n,
			"duration_ms", time.Since(start).Milliseconds())
		localTiles = append(localTiles, local)
	}

	outPath := filepath.Join(workdir, layer+".tif")
	if err := e.mergeToCOG(ctx, localTiles, outPath); err != nil {
		return nil, err
	}

	info, err := os.Stat(outPath)
	if err != nil {
		return nil, fmt.Errorf("stat merged output: %w", err)
	}

	destKey := e.destLoc.Key(layer + ".tif")
	if _, err := e.dest.UploadFile(ctx, destKey, outPath, "image/tiff"); err != nil {
		return nil, fmt.Errorf("upload artifact %s: %w", destKey, err)
	}

	res := &Result{
		ArtifactURL: e.dest.URL(destKey),
		SizeBytes:   info.Size(),
		TileCount:   len(keys),
	}
	e.log.Info("merge complete", "layer", layer,
		"tiles", res.TileCount, "bytes", res.SizeBytes, "url", res.ArtifactURL)
	return res, nil
}

// listTileKeys lists the layer's prefix and attributes each object
// against the full layer set, so tiles of a longer layer name sharing
// this layer's prefix are excluded.
func (e *Engine) listTileKeys(ctx context.Context, layer string) ([]string, error) {
	prefix := e.sourceLoc.Key(layer)
	objects, err := e.source.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list tiles for %s: %w", layer, err)
	}

	dir := e.sourceLoc.Key("")
	names := make([]string, 0, len(objects))
	for _, obj := range objects {
		names = append(names, strings.TrimPrefix(obj.Key, dir))
	}

	matched := tiles.ForLayer(names, e.layers, layer)
	keys := make([]string, 0, len(matched))
	for _, name := range matched {
		keys = append(keys, e.sourceLoc.Key(name))
	}
	return keys, nil
}

// mergeToCOG builds the VRT mosaic and translates it to a single COG.
func (e *Engine) mergeToCOG(ctx context.Context, tilePaths []string, outPath string) error {
	vrtPath := outPath + ".vrt"

	args := append([]string{vrtPath}, tilePaths...)
	if err := e.runner.Run(ctx, "gdalbuildvrt", args...); err != nil {
		return fmt.Errorf("build mosaic: %w", err)
	}

	err := e.runner.Run(ctx, "gdal_translate",
		"-of", "COG",
		"-co", "COMPRESS=DEFLATE",
		"-co", "PREDICTOR=2",
		"-co", "NUM_THREADS=ALL_CPUS",
		"-co", "BIGTIFF=IF_SAFER",
		vrtPath, outPath,
	)
	if err != nil {
		return fmt.Errorf("translate mosaic: %w", err)
	}
	return nil
}
