// Package vps drives a visual place recognition run: images are encoded into
// global descriptors, database descriptors are indexed, and every query is
// resolved to its nearest database image and that image's pose.
package vps

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"math"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/blas/blas32"

	neuralvps "github.com/Mineru98/neural-vps-go"
	"github.com/Mineru98/neural-vps-go/config"
	"github.com/Mineru98/neural-vps-go/dataset"
	"github.com/Mineru98/neural-vps-go/metrics"
	"github.com/Mineru98/neural-vps-go/models"
	"github.com/Mineru98/neural-vps-go/pose"
	"github.com/Mineru98/neural-vps-go/preprocess"
	"github.com/Mineru98/neural-vps-go/rank"
	"github.com/Mineru98/neural-vps-go/report"
	"github.com/Mineru98/neural-vps-go/retrieve"
	"github.com/Mineru98/neural-vps-go/storage"
	"github.com/Mineru98/neural-vps-go/utils"
)

// State is a step of an evaluation
type State int

const (
	StateInitialize State = iota
	StateLoadDataset
	StateExtractFeatures
	StateBuildIndex
	StateSearch
	StateReport
	StateDone
)

var stateNames = [...]string{"initialize", "load dataset", "extract features", "build index", "search", "report", "done"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// Driver owns the models and settings of a run. Evaluations on one driver
// are serialized.
type Driver struct {
	cfg          config.Config
	logger       zerolog.Logger
	out          io.Writer
	encoder      neuralvps.Encoder
	aggregator   neuralvps.Aggregator
	preprocessor *preprocess.Preprocessor
	poses        *pose.Table
	matcher      *rank.Matcher
	sink         *report.SQLiteSink

	run   sync.Mutex
	mu    sync.RWMutex
	state State
	gps   neuralvps.Reading
	vps   neuralvps.Reading
	angle float64
	prob  float64
}

// Option customizes New
type Option func(*Driver)

// WithLogger sets the logger
func WithLogger(logger zerolog.Logger) Option {
	return func(d *Driver) { d.logger = logger }
}

// WithOutput sets where the match table is printed; nil disables it
func WithOutput(w io.Writer) Option {
	return func(d *Driver) { d.out = w }
}

// WithEncoder replaces the ONNX backbone
func WithEncoder(enc neuralvps.Encoder) Option {
	return func(d *Driver) { d.encoder = enc }
}

// WithAggregator replaces the configured pooling layer
func WithAggregator(agg neuralvps.Aggregator) Option {
	return func(d *Driver) { d.aggregator = agg }
}

// WithPoseTable replaces the pose file of the configuration
func WithPoseTable(table *pose.Table) Option {
	return func(d *Driver) { d.poses = table }
}

// New validates cfg and builds every component of a run. Fatal errors are
// returned unchanged so callers can inspect their type.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*Driver, error) {
	d := &Driver{
		logger: zerolog.Nop(),
		out:    os.Stdout,
		state:  StateInitialize,
		gps:    neuralvps.Reading{Source: neuralvps.SourceGPS, Lat: -1, Lon: -1},
		vps:    neuralvps.Reading{Source: neuralvps.SourceVPS, Lat: -1, Lon: -1},
		angle:  -1,
		prob:   -1,
	}
	for _, opt := range opts {
		opt(d)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Mode != config.ModeTest {
		return nil, fmt.Errorf("mode %q is not supported by the evaluation driver", cfg.Mode)
	}

	restored, err := cfg.RestoreFlags()
	if err != nil {
		return nil, err
	}
	if len(restored) > 0 {
		d.logger.Info().Strs("keys", restored).Msg("restored flags from training run")
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	d.cfg = cfg

	if d.preprocessor, err = preprocess.NewPreprocessor(cfg.ImageHeight, cfg.ImageWidth, cfg.ImageMean, cfg.ImageStd); err != nil {
		return nil, err
	}

	if d.encoder == nil || d.aggregator == nil {
		cp, err := d.loadCheckpoint()
		if err != nil {
			return nil, err
		}
		if err := d.buildModels(cp); err != nil {
			return nil, err
		}
	}

	if err := d.loadPoses(); err != nil {
		d.Close()
		return nil, err
	}

	if cfg.ResultsDB != "" {
		if d.sink, err = report.OpenSQLite(ctx, cfg.ResultsDB); err != nil {
			d.Close()
			return nil, err
		}
	}

	d.logger.Info().
		Str("dataset", cfg.Dataset).
		Str("arch", cfg.Arch).
		Str("pooling", cfg.Pooling).
		Int("descriptor_dim", d.aggregator.Dim()).
		Msg("driver initialized")
	return d, nil
}

// loadCheckpoint returns nil when the configured checkpoint does not exist
func (d *Driver) loadCheckpoint() (*storage.Checkpoint, error) {
	path, err := storage.CheckpointPath(d.cfg.Resume, d.cfg.Ckpt)
	if err != nil {
		return nil, err
	}

	cp, err := storage.LoadCheckpoint(path)
	if errors.Is(err, os.ErrNotExist) {
		missing := &neuralvps.MissingResourceError{Resource: neuralvps.ResourceCheckpoint, Path: path}
		d.logger.Warn().Err(missing).Msg("no checkpoint found")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	d.logger.Info().Str("path", path).Int("epoch", cp.Epoch).Float64("best_score", cp.BestScore).Msg("loaded checkpoint")
	return cp, nil
}

func (d *Driver) buildModels(cp *storage.Checkpoint) error {
	var state map[string]blas32.General
	if cp != nil {
		state = cp.Pool
	}

	if d.aggregator == nil {
		agg, err := models.NewAggregator(&d.cfg, state, d.logger)
		if err != nil {
			return err
		}
		d.aggregator = agg
	}
	if d.encoder == nil {
		enc, err := models.NewEncoder(&d.cfg, cp, d.logger)
		if err != nil {
			return err
		}
		d.encoder = enc
	}
	return nil
}

func (d *Driver) loadPoses() error {
	if d.poses == nil && d.cfg.PosesPath != "" {
		if !storage.Exists(d.cfg.PosesPath) {
			d.logger.Warn().Str("path", d.cfg.PosesPath).Msg("pose file not found, poses resolve to -1")
		} else {
			table, err := pose.LoadTable(d.cfg.PosesPath)
			if err != nil {
				return err
			}
			d.poses = table
		}
	}

	var lookup pose.Lookup
	if d.poses != nil {
		if n := d.poses.Duplicates(); n > 0 {
			d.logger.Warn().Int("duplicates", n).Msg("pose file has duplicate ids, first record wins")
		}
		lookup = d.poses
		if d.cfg.PoseMatch == config.PoseMatchSubstring {
			lookup = pose.SubstringLookup{Table: d.poses}
		}
	}
	d.matcher = rank.NewMatcher(lookup, d.cfg.SentinelQuery)
	return nil
}

// Config returns the effective configuration
func (d *Driver) Config() config.Config {
	return d.cfg
}

// State returns the current step
func (d *Driver) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

func (d *Driver) enter(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
	d.logger.Debug().Stringer("state", s).Msg("==> state")
}

// Evaluate runs one pass over ds with the configured K
func (d *Driver) Evaluate(ctx context.Context, ds *dataset.Dataset) (*rank.Evaluation, error) {
	d.run.Lock()
	defer d.run.Unlock()
	return d.evaluate(ctx, ds, d.cfg.K)
}

func (d *Driver) evaluate(ctx context.Context, ds *dataset.Dataset, k int) (*rank.Evaluation, error) {
	started := time.Now()

	d.enter(StateLoadDataset)
	if ds.NumQ == 0 {
		return nil, neuralvps.ErrNoQueries
	}
	if ds.NumDB == 0 {
		return nil, neuralvps.ErrEmptyIndex
	}
	d.logger.Info().Str("dataset", ds.Name).Int("db", ds.NumDB).Int("queries", ds.NumQ).Msg("===> Loading dataset(s)")

	d.enter(StateExtractFeatures)
	matrix, err := d.extract(ctx, ds)
	if err != nil {
		return nil, err
	}

	d.enter(StateBuildIndex)
	index := retrieve.NewFlatL2(matrix.Cols)
	if err := index.Add(matrix.DB()); err != nil {
		return nil, err
	}
	metrics.IndexedVectors.Set(float64(index.Len()))

	// recall needs up to max(RecallN) neighbors, the matcher only K
	searchK := k
	if d.poses != nil {
		for _, n := range d.cfg.RecallN {
			searchK = max(searchK, n)
		}
	}

	d.enter(StateSearch)
	searchStart := time.Now()
	results, err := index.Search(ctx, matrix.Queries(), searchK)
	if err != nil {
		return nil, err
	}
	metrics.SearchDuration.Observe(time.Since(searchStart).Seconds())

	d.enter(StateReport)
	eval, err := d.matcher.Match(&ds.DatasetStruct, truncate(results, k))
	if err != nil {
		return nil, err
	}
	if d.poses != nil {
		if err := d.recall(ds, results, eval); err != nil {
			return nil, err
		}
	}

	if d.out != nil {
		if err := report.PrintTable(d.out, eval); err != nil {
			return nil, err
		}
	}
	metrics.QueryAccuracy.WithLabelValues(ds.Name).Set(eval.Accuracy)

	if d.sink != nil {
		id, err := d.sink.SaveRun(ctx, &report.Run{
			StartedAt: started,
			Dataset:   ds.Name,
			Arch:      d.cfg.Arch,
			Pooling:   d.cfg.Pooling,
			Eval:      eval,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to save run: %w", err)
		}
		d.logger.Info().Str("run", id).Msg("run saved")
	}

	d.logger.Info().
		Int("matched", eval.NumMatched).
		Int("queries", ds.NumQ).
		Float64("accuracy", eval.Accuracy).
		Dur("elapsed", time.Since(started)).
		Msg("evaluation finished")

	d.enter(StateDone)
	return eval, nil
}

// extract fills one descriptor row per image. Batches run in order; images
// of a batch are decoded by cfg.Threads workers.
func (d *Driver) extract(ctx context.Context, ds *dataset.Dataset) (*neuralvps.DescriptorMatrix, error) {
	rows := make([]int, ds.Len())
	for i := range rows {
		rows[i] = i
	}

	matrix := neuralvps.NewDescriptorMatrix(ds.Len(), d.aggregator.Dim(), ds.NumDB)
	batches := (len(rows) + d.cfg.CacheBatchSize - 1) / d.cfg.CacheBatchSize
	progress := utils.NewProgressBar(d.logger, batches, 50, "Batch")

	err := utils.BatchProcess(rows, d.cfg.CacheBatchSize, func(offset int, batch []int) error {
		batchStart := time.Now()

		images, err := utils.ParallelMap(ctx, batch, d.cfg.Threads, func(_ context.Context, _ int, row int) (image.Image, error) {
			return ds.Open(row)
		})
		if err != nil {
			return err
		}

		input, err := d.preprocessor.EncodeBatch(images)
		if err != nil {
			return err
		}
		features, err := d.encoder.Encode(ctx, input)
		if err != nil {
			return fmt.Errorf("encoder failed: %w", err)
		}
		descriptors, err := d.aggregator.Aggregate(features)
		if err != nil {
			return fmt.Errorf("aggregation failed: %w", err)
		}
		if descriptors.Rows != len(batch) {
			return fmt.Errorf("got %d descriptors for %d images", descriptors.Rows, len(batch))
		}
		if err := matrix.SetRows(offset, descriptors); err != nil {
			return err
		}

		queries := max(0, offset+len(batch)-max(offset, ds.NumDB))
		metrics.ImagesEncoded.WithLabelValues("db").Add(float64(len(batch) - queries))
		metrics.ImagesEncoded.WithLabelValues("query").Add(float64(queries))
		metrics.BatchDuration.Observe(time.Since(batchStart).Seconds())
		progress.Increment()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return matrix, nil
}

func (d *Driver) recall(ds *dataset.Dataset, results []neuralvps.SearchResult, eval *rank.Evaluation) error {
	positives := ds.Positives(d.poses, d.cfg.PosDistThreshold)
	for _, p := range positives {
		if len(p) > 0 {
			recall, err := rank.RecallAtN(results, positives, d.cfg.RecallN)
			if err != nil {
				return err
			}
			eval.Recall = recall
			return nil
		}
	}
	d.logger.Debug().Msg("no query has a pose, skipping recall")
	return nil
}

func truncate(results []neuralvps.SearchResult, k int) []neuralvps.SearchResult {
	out := make([]neuralvps.SearchResult, len(results))
	for i, r := range results {
		if len(r) > k {
			r = r[:k]
		}
		out[i] = r
	}
	return out
}

// Apply localizes one image: the configured dataset is evaluated with img
// appended as the sentinel query, and the top-k database identities of img
// are returned with their distances. A nil gps leaves the GPS reading at -1.
func (d *Driver) Apply(ctx context.Context, img image.Image, k int, gps *neuralvps.Reading) (*neuralvps.MatchResult, error) {
	if img == nil {
		return nil, errors.New("query image is nil")
	}
	if k <= 0 {
		return nil, neuralvps.ErrInvalidK
	}

	d.run.Lock()
	defer d.run.Unlock()

	d.mu.Lock()
	d.gps = neuralvps.Reading{Source: neuralvps.SourceGPS, Lat: -1, Lon: -1}
	if gps != nil {
		d.gps.Lat, d.gps.Lon = gps.Lat, gps.Lon
	}
	d.mu.Unlock()

	d.enter(StateLoadDataset)
	ds, err := dataset.Load(&d.cfg, dataset.WithQueryImage(d.cfg.SentinelQuery, img))
	if err != nil {
		return nil, err
	}

	eval, err := d.evaluate(ctx, ds, k)
	if err != nil {
		return nil, err
	}
	rows := ds.InjectedRows()
	if len(rows) != 1 {
		return nil, fmt.Errorf("expected one injected query, got %d", len(rows))
	}
	top := eval.Matches[rows[0]-ds.NumDB]
	result := rank.ResultOf(&ds.DatasetStruct, top.Neighbors)
	d.mu.Lock()
	d.vps = neuralvps.Reading{Source: neuralvps.SourceVPS, Lat: top.Pose.Lat, Lon: top.Pose.Lon}
	d.angle = -1
	if top.Pose != neuralvps.NoPose {
		d.angle = top.Pose.Heading * math.Pi / 180
	}
	d.mu.Unlock()

	d.logger.Info().
		Strs("ids", result.IDs).
		Float64("lat", top.Pose.Lat).
		Float64("lon", top.Pose.Lon).
		Msg("query localized")
	return result, nil
}

// GPSReading returns the GPS position supplied to the last Apply
func (d *Driver) GPSReading() neuralvps.Reading {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.gps
}

// VPSReading returns the position estimated by the last Apply
func (d *Driver) VPSReading() neuralvps.Reading {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.vps
}

// Angle returns the heading of the last estimate in radians, -1 when unknown
func (d *Driver) Angle() float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.angle
}

// Prob returns the reliability of the last estimate; -1 means not estimated
func (d *Driver) Prob() float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.prob
}

// Close releases the encoder and the results database
func (d *Driver) Close() error {
	var errs []error
	if d.encoder != nil {
		errs = append(errs, d.encoder.Close())
	}
	if d.sink != nil {
		errs = append(errs, d.sink.Close())
	}
	return errors.Join(errs...)
}
