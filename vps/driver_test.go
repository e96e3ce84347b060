package vps

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	neuralvps "github.com/Mineru98/neural-vps-go"
	"github.com/Mineru98/neural-vps-go/config"
	"github.com/Mineru98/neural-vps-go/dataset"
	"github.com/Mineru98/neural-vps-go/models"
	"github.com/Mineru98/neural-vps-go/pose"
	"github.com/Mineru98/neural-vps-go/report"
)

// meanEncoder maps every image to a 2-channel 1x1 map holding the mean of
// its first two input channels
type meanEncoder struct {
	err    error
	closed bool
}

func (m *meanEncoder) Encode(_ context.Context, images neuralvps.Tensor) (neuralvps.Tensor, error) {
	if m.err != nil {
		return neuralvps.Tensor{}, m.err
	}
	n := images.Batch()
	plane := int(images.Shape[2] * images.Shape[3])
	out := neuralvps.NewTensor(int64(n), 2, 1, 1)
	for i := 0; i < n; i++ {
		item := images.Item(i).Data
		for c := 0; c < 2; c++ {
			var sum float32
			for _, v := range item[c*plane : (c+1)*plane] {
				sum += v
			}
			out.Data[i*2+c] = sum / float32(plane)
		}
	}
	return out, nil
}

func (m *meanEncoder) Dim() int { return 2 }

func (m *meanEncoder) Close() error {
	m.closed = true
	return nil
}

func solid(c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

var (
	red   = color.RGBA{R: 255, A: 255}
	green = color.RGBA{G: 255, A: 255}
)

func writePNG(t *testing.T, path string, c color.RGBA) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, solid(c)); err != nil {
		t.Fatal(err)
	}
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	root := t.TempDir()
	base := filepath.Join(root, "netvlad_etri_datasets")
	writePNG(t, filepath.Join(base, "dbImg", "spherical_100_f.png"), red)
	writePNG(t, filepath.Join(base, "dbImg", "spherical_200_f.png"), green)
	writePNG(t, filepath.Join(base, "qImg", "spherical_100.png"), red)

	cfg := config.DefaultConfig()
	cfg.DatasetRoot = root
	cfg.Dataset = "deepguider"
	cfg.DataPath = filepath.Join(root, "data")
	cfg.Resume = filepath.Join(root, "resume")
	cfg.PosesPath = ""
	cfg.ImageHeight = 4
	cfg.ImageWidth = 4
	cfg.CacheBatchSize = 2
	cfg.Threads = 2
	cfg.K = 2
	return cfg
}

func testPoses(t *testing.T) *pose.Table {
	t.Helper()
	table, err := pose.ReadTable(strings.NewReader("100 40.1 -79.9 270\n200 40.5 -79.5 90\n"))
	if err != nil {
		t.Fatal(err)
	}
	return table
}

func newDriver(t *testing.T, cfg config.Config, out *strings.Builder, opts ...Option) (*Driver, *meanEncoder) {
	t.Helper()
	enc := &meanEncoder{}
	var w io.Writer
	if out != nil {
		w = out
	}
	opts = append([]Option{
		WithEncoder(enc),
		WithAggregator(&models.GlobalPool{Mode: models.PoolMax, Channels: 2}),
		WithPoseTable(testPoses(t)),
		WithOutput(w),
	}, opts...)
	d, err := New(context.Background(), cfg, opts...)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	return d, enc
}

func TestEvaluate(t *testing.T) {
	cfg := testConfig(t)
	var out strings.Builder
	d, enc := newDriver(t, cfg, &out)

	if d.State() != StateInitialize {
		t.Errorf("Expected initialize state, got %s", d.State())
	}

	ds, err := dataset.Load(&cfg)
	if err != nil {
		t.Fatal(err)
	}
	eval, err := d.Evaluate(context.Background(), ds)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	match := eval.Matches[0]
	if !strings.HasSuffix(match.Prediction, "spherical_100_f.png") {
		t.Errorf("Expected spherical_100_f.png, got %s", match.Prediction)
	}
	if match.Distance != 0 {
		t.Errorf("Expected distance 0, got %f", match.Distance)
	}
	if match.Pose.Heading != 270 {
		t.Errorf("Expected pose of id 100, got %v", match.Pose)
	}
	if len(match.Neighbors) != 2 {
		t.Errorf("Expected K=2 neighbors, got %d", len(match.Neighbors))
	}
	if eval.Accuracy != 1 {
		t.Errorf("Expected accuracy 1, got %f", eval.Accuracy)
	}
	if d.State() != StateDone {
		t.Errorf("Expected done state, got %s", d.State())
	}
	if !strings.Contains(out.String(), "[*Matched]") || !strings.Contains(out.String(), "Accuracy : 1 / 1") {
		t.Errorf("Unexpected report:\n%s", out.String())
	}

	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
	if !enc.closed {
		t.Error("Expected encoder to be closed")
	}
}

func TestEvaluateEncoderFailure(t *testing.T) {
	cfg := testConfig(t)
	d, enc := newDriver(t, cfg, nil)
	enc.err = errors.New("device lost")

	ds, _ := dataset.Load(&cfg)
	_, err := d.Evaluate(context.Background(), ds)
	if err == nil || !strings.Contains(err.Error(), "device lost") {
		t.Errorf("Expected encoder failure, got %v", err)
	}
	if d.State() != StateExtractFeatures {
		t.Errorf("Expected to stop in extract features, got %s", d.State())
	}
}

func TestEvaluateNoQueries(t *testing.T) {
	cfg := testConfig(t)
	d, _ := newDriver(t, cfg, nil)

	ds := dataset.New("empty", []string{"a.png"}, nil)
	if _, err := d.Evaluate(context.Background(), ds); !errors.Is(err, neuralvps.ErrNoQueries) {
		t.Errorf("Expected ErrNoQueries, got %v", err)
	}
}

func TestApply(t *testing.T) {
	cfg := testConfig(t)
	d, _ := newDriver(t, cfg, nil)

	if gps := d.GPSReading(); gps.Source != neuralvps.SourceGPS || gps.Lat != -1 {
		t.Errorf("Expected unset GPS reading, got %+v", gps)
	}
	if d.Angle() != -1 || d.Prob() != -1 {
		t.Errorf("Expected -1 angle and prob, got %f %f", d.Angle(), d.Prob())
	}

	result, err := d.Apply(context.Background(), solid(green), 1, nil)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(result.IDs) != 1 || result.IDs[0] != "200" {
		t.Errorf("Expected id 200, got %v", result.IDs)
	}
	if result.Confidences[0] != 0 {
		t.Errorf("Expected distance 0, got %f", result.Confidences[0])
	}

	vps := d.VPSReading()
	if vps.Source != neuralvps.SourceVPS || vps.Lat != 40.5 || vps.Lon != -79.5 {
		t.Errorf("Expected VPS reading of id 200, got %+v", vps)
	}
	if math.Abs(d.Angle()-math.Pi/2) > 1e-9 {
		t.Errorf("Expected angle pi/2, got %f", d.Angle())
	}
	if d.GPSReading().Lat != -1 || d.GPSReading().Lon != -1 {
		t.Errorf("Expected missing GPS to default to -1, got %+v", d.GPSReading())
	}

	_, err = d.Apply(context.Background(), solid(red), 2, &neuralvps.Reading{Lat: 36.38, Lon: 127.36})
	if err != nil {
		t.Fatal(err)
	}
	if gps := d.GPSReading(); gps.Lat != 36.38 || gps.Source != neuralvps.SourceGPS {
		t.Errorf("Expected supplied GPS reading, got %+v", gps)
	}

	if _, err := d.Apply(context.Background(), nil, 1, nil); err == nil {
		t.Error("Expected error for nil image")
	}
	if _, err := d.Apply(context.Background(), solid(red), 0, nil); !errors.Is(err, neuralvps.ErrInvalidK) {
		t.Errorf("Expected ErrInvalidK, got %v", err)
	}
}

func TestApplyIgnoresStaleQueryOnDisk(t *testing.T) {
	cfg := testConfig(t)
	stale := filepath.Join(cfg.DatasetRoot, "netvlad_etri_datasets", "qImg", "999_newquery", "newquery.jpg")
	writePNG(t, stale, red)
	d, _ := newDriver(t, cfg, nil)

	result, err := d.Apply(context.Background(), solid(green), 1, nil)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(result.IDs) != 1 || result.IDs[0] != "200" {
		t.Errorf("Expected id 200 of the supplied image, got %v", result.IDs)
	}
	if vps := d.VPSReading(); vps.Lat != 40.5 || vps.Lon != -79.5 {
		t.Errorf("Expected VPS reading of id 200, got %+v", vps)
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Optim = "rmsprop"

	var cfgErr *neuralvps.ConfigurationError
	_, err := New(context.Background(), cfg, WithEncoder(&meanEncoder{}))
	if !errors.As(err, &cfgErr) || cfgErr.Option != "optimizer" {
		t.Errorf("Expected optimizer ConfigurationError, got %v", err)
	}

	cfg = testConfig(t)
	cfg.Mode = config.ModeTrain
	if _, err := New(context.Background(), cfg, WithEncoder(&meanEncoder{})); err == nil {
		t.Error("Expected error for train mode")
	}
}

func TestNewRequiresClusterCache(t *testing.T) {
	cfg := testConfig(t)
	cfg.Pooling = config.PoolingNetVLAD

	var missing *neuralvps.MissingResourceError
	_, err := New(context.Background(), cfg, WithEncoder(&meanEncoder{}))
	if !errors.As(err, &missing) {
		t.Fatalf("Expected MissingResourceError, got %v", err)
	}
	if missing.Resource != neuralvps.ResourceClusterCache {
		t.Errorf("Expected missing cluster cache, got %s", missing.Resource)
	}
	if !strings.Contains(err.Error(), "run clustering step first") {
		t.Errorf("Expected clustering hint, got %q", err.Error())
	}
	if missing.Recoverable() {
		t.Error("Expected a missing cluster cache to be fatal")
	}
}

func TestNewToleratesMissingCheckpoint(t *testing.T) {
	cfg := testConfig(t)
	cfg.Pooling = config.PoolingMax

	var logs strings.Builder
	d, err := New(context.Background(), cfg,
		WithEncoder(&meanEncoder{}),
		WithOutput(nil),
		WithLogger(zerolog.New(&logs)))
	if err != nil {
		t.Fatalf("Expected missing checkpoint to be recoverable, got %v", err)
	}
	defer d.Close()

	if !strings.Contains(logs.String(), `"level":"warn"`) || !strings.Contains(logs.String(), "no checkpoint found") {
		t.Errorf("Expected a warning for the missing checkpoint, got %s", logs.String())
	}
	missing := &neuralvps.MissingResourceError{Resource: neuralvps.ResourceCheckpoint}
	if !missing.Recoverable() {
		t.Error("Expected a missing checkpoint to be recoverable")
	}
}

func TestNewRestoresFlags(t *testing.T) {
	cfg := testConfig(t)
	dir := filepath.Join(cfg.Resume, "checkpoints")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	flags := `{"pooling": "avg", "arch": "alexnet", "lr": 0.5, "threads": 99}`
	if err := os.WriteFile(filepath.Join(dir, "flags.json"), []byte(flags), 0o644); err != nil {
		t.Fatal(err)
	}

	d, err := New(context.Background(), cfg, WithEncoder(&meanEncoder{}), WithOutput(nil))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	got := d.Config()
	if got.Pooling != "avg" || got.Arch != "alexnet" || got.LR != 0.5 {
		t.Errorf("Expected restored flags, got pooling=%s arch=%s lr=%f", got.Pooling, got.Arch, got.LR)
	}
	if got.Threads != cfg.Threads {
		t.Errorf("Expected threads to stay %d, got %d", cfg.Threads, got.Threads)
	}
	if d.aggregator.Dim() != 256 {
		t.Errorf("Expected alexnet avg pooling of dim 256, got %d", d.aggregator.Dim())
	}
}

func TestResultsDB(t *testing.T) {
	cfg := testConfig(t)
	cfg.ResultsDB = filepath.Join(t.TempDir(), "results.db")
	d, _ := newDriver(t, cfg, nil)

	ds, _ := dataset.Load(&cfg)
	if _, err := d.Evaluate(context.Background(), ds); err != nil {
		t.Fatal(err)
	}
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}

	sink, err := report.OpenSQLite(context.Background(), cfg.ResultsDB)
	if err != nil {
		t.Fatal(err)
	}
	defer sink.Close()
	runs, err := sink.Runs(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].Dataset != "deepguider" || runs[0].Accuracy != 1 {
		t.Errorf("Expected one stored run, got %+v", runs)
	}
}

func TestStateString(t *testing.T) {
	if StateBuildIndex.String() != "build index" {
		t.Errorf("Expected 'build index', got %q", StateBuildIndex.String())
	}
	if State(42).String() != "state(42)" {
		t.Errorf("Expected fallback name, got %q", State(42).String())
	}
}
