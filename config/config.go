// Package config holds the single configuration object of a VPS run.
//
// A Config is built once (defaults, then an optional YAML file, then command
// line overrides, then flags restored from a training run) and passed
// explicitly to every component that needs it.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	neuralvps "github.com/Mineru98/neural-vps-go"
)

// Run modes
const (
	ModeTrain   = "train"
	ModeTest    = "test"
	ModeCluster = "cluster"
)

// Pooling strategies
const (
	PoolingNetVLAD = "netvlad"
	PoolingMax     = "max"
	PoolingAvg     = "avg"
)

// Pose matching modes
const (
	PoseMatchExact     = "exact"
	PoseMatchSubstring = "substring"
)

// Config is the full option surface of the pipeline
type Config struct {
	Mode             string  `yaml:"mode" json:"mode"`
	BatchSize        int     `yaml:"batch_size" json:"batchSize"`
	CacheBatchSize   int     `yaml:"cache_batch_size" json:"cacheBatchSize"`
	CacheRefreshRate int     `yaml:"cache_refresh_rate" json:"cacheRefreshRate"`
	NEpochs          int     `yaml:"n_epochs" json:"nEpochs"`
	StartEpoch       int     `yaml:"start_epoch" json:"start_epoch"`
	NGPU             int     `yaml:"n_gpu" json:"nGPU"`
	Optim            string  `yaml:"optim" json:"optim"`
	LR               float64 `yaml:"lr" json:"lr"`
	LRStep           float64 `yaml:"lr_step" json:"lrStep"`
	LRGamma          float64 `yaml:"lr_gamma" json:"lrGamma"`
	WeightDecay      float64 `yaml:"weight_decay" json:"weightDecay"`
	Momentum         float64 `yaml:"momentum" json:"momentum"`
	NoCUDA           bool    `yaml:"no_cuda" json:"nocuda"`
	Threads          int     `yaml:"threads" json:"threads"`
	Seed             int64   `yaml:"seed" json:"seed"`
	DataPath         string  `yaml:"data_path" json:"dataPath"`
	RunsPath         string  `yaml:"runs_path" json:"runsPath"`
	SavePath         string  `yaml:"save_path" json:"savePath"`
	CachePath        string  `yaml:"cache_path" json:"cachePath"`
	Resume           string  `yaml:"resume" json:"resume"`
	Ckpt             string  `yaml:"ckpt" json:"ckpt"`
	EvalEvery        int     `yaml:"eval_every" json:"evalEvery"`
	Patience         int     `yaml:"patience" json:"patience"`
	Dataset          string  `yaml:"dataset" json:"dataset"`
	Arch             string  `yaml:"arch" json:"arch"`
	VLADv2           bool    `yaml:"vladv2" json:"vladv2"`
	Pooling          string  `yaml:"pooling" json:"pooling"`
	NumClusters      int     `yaml:"num_clusters" json:"num_clusters"`
	Margin           float64 `yaml:"margin" json:"margin"`
	Split            string  `yaml:"split" json:"split"`
	FromScratch      bool    `yaml:"from_scratch" json:"fromscratch"`

	K                int       `yaml:"k" json:"k"`
	EncoderModel     string    `yaml:"encoder_model" json:"encoderModel"`
	ONNXLibrary      string    `yaml:"onnx_library" json:"onnxLibrary"`
	ImageHeight      int       `yaml:"image_height" json:"imageHeight"`
	ImageWidth       int       `yaml:"image_width" json:"imageWidth"`
	DatasetRoot      string    `yaml:"dataset_root" json:"datasetRoot"`
	PosesPath        string    `yaml:"poses_path" json:"posesPath"`
	PoseMatch        string    `yaml:"pose_match" json:"poseMatch"`
	SentinelQuery    string    `yaml:"sentinel_query" json:"sentinelQuery"`
	PosDistThreshold float64   `yaml:"pos_dist_threshold" json:"posDistThr"`
	RecallN          []int     `yaml:"recall_n" json:"recallN"`
	ResultsDB        string    `yaml:"results_db" json:"resultsDB"`
	MetricsAddr      string    `yaml:"metrics_addr" json:"metricsAddr"`
	ImageMean        []float32 `yaml:"image_mean" json:"imageMean"`
	ImageStd         []float32 `yaml:"image_std" json:"imageStd"`
}

// DefaultConfig returns the defaults of a test run on the deepguider set
func DefaultConfig() Config {
	return Config{
		Mode:             ModeTest,
		BatchSize:        4,
		CacheBatchSize:   24,
		CacheRefreshRate: 1000,
		NEpochs:          30,
		NGPU:             1,
		Optim:            "SGD",
		LR:               0.0001,
		LRStep:           5,
		LRGamma:          0.5,
		WeightDecay:      0.001,
		Momentum:         0.9,
		Threads:          8,
		Seed:             123,
		DataPath:         "netvlad/netvlad_v100_datasets/",
		RunsPath:         "netvlad/checkpoints/runs/",
		SavePath:         "checkpoints",
		CachePath:        os.TempDir(),
		Resume:           "netvlad/pretrained_checkpoint/vgg16_netvlad_checkpoint",
		Ckpt:             "latest",
		EvalEvery:        1,
		Patience:         10,
		Dataset:          "deepguider",
		Arch:             "vgg16",
		Pooling:          PoolingNetVLAD,
		NumClusters:      64,
		Margin:           0.1,
		Split:            "val",

		K:                5,
		EncoderModel:     "netvlad/pretrained_checkpoint/vgg16_encoder.onnx",
		ImageHeight:      480,
		ImageWidth:       640,
		DatasetRoot:      ".",
		PosesPath:        "netvlad_etri_datasets/poses.txt",
		PoseMatch:        PoseMatchExact,
		SentinelQuery:    "newquery.jpg",
		PosDistThreshold: 25,
		RecallN:          []int{1, 5, 10, 20},
		ImageMean:        []float32{0.485, 0.456, 0.406},
		ImageStd:         []float32{0.229, 0.224, 0.225},
	}
}

// LoadConfig reads a YAML configuration file using strict parsing.
// An empty path returns the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to open config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)

	if err := decoder.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("YAML syntax error in config: %w", err)
	}

	return cfg, nil
}

// Validate checks every enumerated option and returns a ConfigurationError
// naming the first bad value. A valid Mode is lowercased in place.
func (c *Config) Validate() error {
	choices := []struct {
		option string
		value  string
		valid  []string
	}{
		{"mode", strings.ToLower(c.Mode), []string{ModeTrain, ModeTest, ModeCluster}},
		{"optimizer", strings.ToUpper(c.Optim), []string{"SGD", "ADAM"}},
		{"ckpt", c.Ckpt, []string{"latest", "best"}},
		{"dataset", strings.ToLower(c.Dataset), []string{"pittsburgh", "deepguider"}},
		{"arch", strings.ToLower(c.Arch), []string{"vgg16", "alexnet"}},
		{"pooling type", strings.ToLower(c.Pooling), []string{PoolingNetVLAD, PoolingMax, PoolingAvg}},
		{"split", c.Split, []string{"test", "test250k", "train", "val"}},
		{"pose match", c.PoseMatch, []string{PoseMatchExact, PoseMatchSubstring}},
	}
	for _, choice := range choices {
		if !contains(choice.valid, choice.value) {
			return &neuralvps.ConfigurationError{Option: choice.option, Value: choice.value}
		}
	}
	c.Mode = strings.ToLower(c.Mode)

	positive := []struct {
		option string
		value  int
	}{
		{"cache_batch_size", c.CacheBatchSize},
		{"threads", c.Threads},
		{"num_clusters", c.NumClusters},
		{"k", c.K},
		{"image_height", c.ImageHeight},
		{"image_width", c.ImageWidth},
		{"n_gpu", c.NGPU},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return &neuralvps.ConfigurationError{Option: p.option, Value: strconv.Itoa(p.value)}
		}
	}

	for _, n := range c.RecallN {
		if n <= 0 {
			return &neuralvps.ConfigurationError{Option: "recall_n", Value: strconv.Itoa(n)}
		}
	}

	if len(c.ImageMean) != 3 || len(c.ImageStd) != 3 {
		return &neuralvps.ConfigurationError{Option: "image normalization", Value: fmt.Sprint(c.ImageMean, c.ImageStd)}
	}
	return nil
}

// UseCUDA reports whether the encoder must run on a GPU
func (c *Config) UseCUDA() bool {
	return !c.NoCUDA
}

// ClusterCachePath returns where the NetVLAD cluster cache is expected
func (c *Config) ClusterCachePath() string {
	name := fmt.Sprintf("%s_%s_%d_desc_cen.db", strings.ToLower(c.Arch), strings.ToLower(c.Dataset), c.NumClusters)
	return filepath.Join(c.DataPath, "centroids", name)
}

// restorable lists the flags a training run stores next to its checkpoints
var restorable = []string{
	"lr", "lrStep", "lrGamma", "weightDecay", "momentum",
	"runsPath", "savePath", "arch", "num_clusters", "pooling", "optim",
	"margin", "seed", "patience",
}

// RestoreFlags overrides the restorable options with the values stored in
// <resume>/checkpoints/flags.json. It returns the restored keys; a missing
// file restores nothing.
func (c *Config) RestoreFlags() ([]string, error) {
	if c.Resume == "" {
		return nil, nil
	}
	path := filepath.Join(c.Resume, "checkpoints", "flags.json")
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read stored flags: %w", err)
	}

	var stored map[string]json.RawMessage
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to parse stored flags %s: %w", path, err)
	}

	filtered := make(map[string]json.RawMessage)
	restored := make([]string, 0, len(restorable))
	for _, key := range restorable {
		if raw, ok := stored[key]; ok {
			filtered[key] = raw
			restored = append(restored, key)
		}
	}
	if len(filtered) == 0 {
		return nil, nil
	}

	// Round-trip through the json tags so only restorable fields change.
	patch, err := json.Marshal(filtered)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(patch, c); err != nil {
		return nil, fmt.Errorf("failed to apply stored flags: %w", err)
	}
	return restored, nil
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
