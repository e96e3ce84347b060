package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	neuralvps "github.com/Mineru98/neural-vps-go"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Expected defaults to validate, got %v", err)
	}
	if cfg.Mode != ModeTest {
		t.Errorf("Expected mode %q, got %q", ModeTest, cfg.Mode)
	}
	if cfg.SentinelQuery != "newquery.jpg" {
		t.Errorf("Expected sentinel newquery.jpg, got %q", cfg.SentinelQuery)
	}
}

func TestValidateRejectsBadOptions(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		option string
	}{
		{"optimizer", func(c *Config) { c.Optim = "rmsprop" }, "optimizer"},
		{"pooling", func(c *Config) { c.Pooling = "gem" }, "pooling type"},
		{"arch", func(c *Config) { c.Arch = "resnet" }, "arch"},
		{"mode", func(c *Config) { c.Mode = "serve" }, "mode"},
		{"k", func(c *Config) { c.K = 0 }, "k"},
		{"recall", func(c *Config) { c.RecallN = []int{1, -1} }, "recall_n"},
		{"recall zero", func(c *Config) { c.RecallN = []int{0} }, "recall_n"},
		{"normalization", func(c *Config) { c.ImageMean = nil }, "image normalization"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)

			err := cfg.Validate()
			var cerr *neuralvps.ConfigurationError
			if !errors.As(err, &cerr) {
				t.Fatalf("Expected ConfigurationError, got %v", err)
			}
			if cerr.Option != tt.option {
				t.Errorf("Expected option %q, got %q", tt.option, cerr.Option)
			}
		})
	}
}

func TestValidateIsCaseInsensitive(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Optim = "adam"
	cfg.Arch = "AlexNet"
	cfg.Pooling = "MAX"
	cfg.Mode = "Test"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected mixed case options to validate, got %v", err)
	}
	if cfg.Mode != ModeTest {
		t.Errorf("Expected mode lowercased to %q, got %q", ModeTest, cfg.Mode)
	}
}

func TestLoadConfigRejectsNegativeRecall(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vps.yaml")
	if err := os.WriteFile(path, []byte("recall_n: [-1]\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}

	var cerr *neuralvps.ConfigurationError
	if err := cfg.Validate(); !errors.As(err, &cerr) || cerr.Option != "recall_n" {
		t.Errorf("Expected recall_n ConfigurationError, got %v", err)
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vps.yaml")
	content := "k: 3\ndataset: pittsburgh\nrecall_n: [1, 2]\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.K != 3 {
		t.Errorf("Expected k 3, got %d", cfg.K)
	}
	if cfg.Dataset != "pittsburgh" {
		t.Errorf("Expected dataset pittsburgh, got %q", cfg.Dataset)
	}
	if len(cfg.RecallN) != 2 {
		t.Errorf("Expected 2 recall values, got %v", cfg.RecallN)
	}
	if cfg.Arch != "vgg16" {
		t.Errorf("Expected unset options to keep defaults, got arch %q", cfg.Arch)
	}
}

func TestLoadConfigRejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vps.yaml")
	if err := os.WriteFile(path, []byte("num_cluster: 8\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Error("Expected error for unknown field")
	}
}

func TestLoadConfigEmptyPath(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.NumClusters != 64 {
		t.Errorf("Expected default 64 clusters, got %d", cfg.NumClusters)
	}
}

func TestRestoreFlags(t *testing.T) {
	resume := t.TempDir()
	dir := filepath.Join(resume, "checkpoints")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	flags := `{"arch": "alexnet", "num_clusters": 16, "lr": 0.01, "dataPath": "/elsewhere", "mode": "train"}`
	if err := os.WriteFile(filepath.Join(dir, "flags.json"), []byte(flags), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := DefaultConfig()
	cfg.Resume = resume
	restored, err := cfg.RestoreFlags()
	if err != nil {
		t.Fatalf("RestoreFlags failed: %v", err)
	}

	if len(restored) != 3 {
		t.Errorf("Expected 3 restored keys, got %v", restored)
	}
	if cfg.Arch != "alexnet" || cfg.NumClusters != 16 || cfg.LR != 0.01 {
		t.Errorf("Expected restored arch/clusters/lr, got %s %d %v", cfg.Arch, cfg.NumClusters, cfg.LR)
	}
	if cfg.Mode != ModeTest {
		t.Errorf("Expected mode to stay %q, got %q", ModeTest, cfg.Mode)
	}
	if cfg.DataPath == "/elsewhere" {
		t.Error("Expected dataPath not to be restored")
	}
}

func TestRestoreFlagsMissingFile(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Resume = t.TempDir()
	restored, err := cfg.RestoreFlags()
	if err != nil || restored != nil {
		t.Errorf("Expected nothing restored, got %v, %v", restored, err)
	}
}

func TestClusterCachePath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataPath = "data"
	cfg.Arch = "VGG16"
	cfg.NumClusters = 32

	want := filepath.Join("data", "centroids", "vgg16_deepguider_32_desc_cen.db")
	if got := cfg.ClusterCachePath(); got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
}
