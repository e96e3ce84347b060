// Command vps evaluates a NetVLAD place recognition model on a query set,
// or localizes a single image against the database with -image.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	neuralvps "github.com/Mineru98/neural-vps-go"
	"github.com/Mineru98/neural-vps-go/config"
	"github.com/Mineru98/neural-vps-go/dataset"
	"github.com/Mineru98/neural-vps-go/metrics"
	"github.com/Mineru98/neural-vps-go/preprocess"
	"github.com/Mineru98/neural-vps-go/vps"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})

	if err := run(os.Args[1:]); err != nil {
		var missing *neuralvps.MissingResourceError
		if errors.As(err, &missing) {
			log.Error().Str("resource", missing.Resource).Str("path", missing.Path).Msg(missing.Hint)
		}
		log.Fatal().Err(err).Msg("vps failed")
	}
}

func run(args []string) error {
	cfg, err := config.LoadConfig(configPath(args))
	if err != nil {
		return err
	}

	fs := flag.NewFlagSet("vps", flag.ContinueOnError)
	fs.String("config", "", "YAML configuration file")
	image := fs.String("image", "", "localize this image instead of evaluating the query set")
	lat := fs.Float64("lat", -1, "GPS latitude reported with -image")
	lon := fs.Float64("lon", -1, "GPS longitude reported with -image")
	verbose := fs.Bool("v", false, "debug logging")
	bindFlags(fs, &cfg)
	if err := fs.Parse(args); err != nil {
		return err
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("metrics server stopped")
			}
		}()
		defer srv.Shutdown(context.Background())
		log.Info().Str("addr", cfg.MetricsAddr).Msg("serving metrics")
	}

	driver, err := vps.New(ctx, cfg, vps.WithLogger(log.Logger))
	if err != nil {
		return err
	}
	defer driver.Close()

	if *image != "" {
		img, err := preprocess.LoadImage(*image)
		if err != nil {
			return fmt.Errorf("failed to load %s: %w", *image, err)
		}
		var gps *neuralvps.Reading
		if *lat != -1 || *lon != -1 {
			gps = &neuralvps.Reading{Source: neuralvps.SourceGPS, Lat: *lat, Lon: *lon}
		}
		result, err := driver.Apply(ctx, img, cfg.K, gps)
		if err != nil {
			return err
		}
		for i, id := range result.IDs {
			fmt.Printf("%d\t%s\t%.4f\n", i+1, id, result.Confidences[i])
		}
		pos := driver.VPSReading()
		fmt.Printf("VPS: %v, %v heading %v\n", pos.Lat, pos.Lon, driver.Angle())
		return nil
	}

	ds, err := dataset.Load(&cfg)
	if err != nil {
		return err
	}
	_, err = driver.Evaluate(ctx, ds)
	return err
}

// configPath finds -config before the other flags are bound, so that
// command line values override the file
func configPath(args []string) string {
	for i, arg := range args {
		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if name != "config" || !strings.HasPrefix(arg, "-") {
			continue
		}
		if hasValue {
			return value
		}
		if i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func bindFlags(fs *flag.FlagSet, cfg *config.Config) {
	fs.StringVar(&cfg.Mode, "mode", cfg.Mode, "train, test or cluster")
	fs.IntVar(&cfg.CacheBatchSize, "cacheBatchSize", cfg.CacheBatchSize, "images per feature extraction batch")
	fs.IntVar(&cfg.NGPU, "nGPU", cfg.NGPU, "number of GPUs to use")
	fs.BoolVar(&cfg.NoCUDA, "nocuda", cfg.NoCUDA, "run on CPU")
	fs.IntVar(&cfg.Threads, "threads", cfg.Threads, "workers for image loading")
	fs.StringVar(&cfg.DataPath, "dataPath", cfg.DataPath, "root of centroids and cached data")
	fs.StringVar(&cfg.Resume, "resume", cfg.Resume, "directory of a trained run")
	fs.StringVar(&cfg.Ckpt, "ckpt", cfg.Ckpt, "latest or best")
	fs.StringVar(&cfg.Dataset, "dataset", cfg.Dataset, "pittsburgh or deepguider")
	fs.StringVar(&cfg.Arch, "arch", cfg.Arch, "vgg16 or alexnet")
	fs.BoolVar(&cfg.VLADv2, "vladv2", cfg.VLADv2, "use VLAD v2 initialization")
	fs.StringVar(&cfg.Pooling, "pooling", cfg.Pooling, "netvlad, max or avg")
	fs.IntVar(&cfg.NumClusters, "num_clusters", cfg.NumClusters, "number of NetVLAD clusters")
	fs.StringVar(&cfg.Split, "split", cfg.Split, "dataset split")
	fs.BoolVar(&cfg.FromScratch, "fromscratch", cfg.FromScratch, "backbone trained without pretrained weights")
	fs.IntVar(&cfg.K, "k", cfg.K, "neighbors returned per query")
	fs.StringVar(&cfg.EncoderModel, "encoderModel", cfg.EncoderModel, "ONNX backbone graph")
	fs.StringVar(&cfg.ONNXLibrary, "onnxLibrary", cfg.ONNXLibrary, "path to the onnxruntime shared library")
	fs.StringVar(&cfg.DatasetRoot, "datasetRoot", cfg.DatasetRoot, "directory holding the image sets")
	fs.StringVar(&cfg.PosesPath, "poses", cfg.PosesPath, "pose file of the database images")
	fs.StringVar(&cfg.PoseMatch, "poseMatch", cfg.PoseMatch, "exact or substring")
	fs.StringVar(&cfg.SentinelQuery, "sentinel", cfg.SentinelQuery, "name of the ad-hoc query image")
	fs.Float64Var(&cfg.PosDistThreshold, "posDistThr", cfg.PosDistThreshold, "meters within which a database image is a positive")
	fs.StringVar(&cfg.ResultsDB, "resultsDB", cfg.ResultsDB, "SQLite file receiving run results")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "address serving Prometheus metrics")
}
