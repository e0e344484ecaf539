package pipeline

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/adverant/nexus/digitizer-worker/internal/config"
	"github.com/adverant/nexus/digitizer-worker/internal/fusion"
	"github.com/adverant/nexus/digitizer-worker/internal/ocr"
	"github.com/adverant/nexus/digitizer-worker/internal/storage"
)

type fakeEngine struct {
	name string
	text string
}

func (f *fakeEngine) Name() string { return f.name }

func (f *fakeEngine) Recognize(ctx context.Context, img image.Image) (ocr.Result, error) {
	return ocr.Result{Text: f.text, Confidence: 0.9}, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Postbatch.InputFolder = filepath.Join(root, "input")
	cfg.Postbatch.ProcessedFolder = filepath.Join(root, "processed")
	cfg.Postbatch.FailedFolder = filepath.Join(root, "failed")
	cfg.Postbatch.ReportsFolder = filepath.Join(root, "reports")
	cfg.OCRPipeline.Output.TablesDir = filepath.Join(root, "tables")
	cfg.OCRPipeline.Fusion.RecheckThreshold = cfg.OCRPipeline.Fusion.MinConfidence
	return &cfg
}

func TestNewRegistryInstallsEveryEngine(t *testing.T) {
	reg := NewRegistry()
	want := []string{"easyocr", "paddleocr", "surya", "tesseract", "vision"}
	if got := reg.Names(); !reflect.DeepEqual(got, want) {
		t.Errorf("Names() = %v, want %v", got, want)
	}
}

func TestAdapterOptions(t *testing.T) {
	cfg := testConfig(t)
	cfg.App.GoogleCredentialsFile = "/secrets/gcp.json"
	cfg.OCRPipeline.PrimaryEngine = "paddleocr"
	cfg.OCRPipeline.Engines = []config.EngineConfig{
		{Name: "PaddleOCR", Enabled: true, GPU: true, Lang: "es", Endpoint: "http://sidecar:8000"},
		{Name: "easyocr", Enabled: false},
		{Name: "vision", Enabled: true},
	}
	cfg.OCRPipeline.Preprocessing.Enabled = false

	opts := AdapterOptions(cfg, 2, 3)

	if opts.Primary != "paddleocr" || opts.GPUCount != 2 || opts.GPUID != 3 {
		t.Errorf("opts = %+v", opts)
	}
	if len(opts.Engines) != 2 {
		t.Fatalf("engines = %+v, want the two enabled ones", opts.Engines)
	}
	if e := opts.Engines[0]; e.Name != "paddleocr" || !e.GPU || e.Endpoint != "http://sidecar:8000" {
		t.Errorf("paddle options = %+v", e)
	}
	if e := opts.Engines[1]; e.CredentialsFile != "/secrets/gcp.json" {
		t.Errorf("vision credentials = %q", e.CredentialsFile)
	}
	if opts.Preprocess != nil {
		t.Error("preprocessing disabled but options set")
	}

	cfg.OCRPipeline.Preprocessing.Enabled = true
	if pp := AdapterOptions(cfg, 0, 0).Preprocess; pp == nil || pp.MinWidth != 1500 {
		t.Errorf("preprocess = %+v", pp)
	}
}

func TestFusionConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.OCRPipeline.Fusion.Strategy = "levenshtein"

	fc, err := FusionConfig(cfg)
	if err != nil {
		t.Fatalf("FusionConfig: %v", err)
	}
	if fc.Strategy != fusion.StrategyLevenshtein || fc.MinSimilarity != 0.82 {
		t.Errorf("config = %+v", fc)
	}

	cfg.OCRPipeline.Fusion.Strategy = "majority"
	if _, err := FusionConfig(cfg); err == nil {
		t.Error("expected error for unknown strategy")
	}
}

func TestProcessorConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.OCRPipeline.Fusion.RecheckThreshold = 0.7
	cfg.OCRPipeline.BlockWorkers = 8

	pc := ProcessorConfig(cfg)
	if pc.ProcessedFolder != cfg.Postbatch.ProcessedFolder || pc.FailedFolder != cfg.Postbatch.FailedFolder {
		t.Errorf("folders = %q, %q", pc.ProcessedFolder, pc.FailedFolder)
	}
	if pc.RecheckThreshold != 0.7 || pc.MinConfidence != 0.6 || pc.BlockWorkers != 8 {
		t.Errorf("thresholds = %+v", pc)
	}
	if !pc.OCREnabled || !pc.SaveMarkdownInDB {
		t.Errorf("flags = %+v", pc)
	}
}

func TestStructureComponents(t *testing.T) {
	tests := []struct {
		name         string
		engines      []config.EngineConfig
		wantDetector bool
		wantModel    bool
		wantTables   bool
	}{
		{
			name:    "no layout requested",
			engines: []config.EngineConfig{{Name: "tesseract", Enabled: true}},
		},
		{
			name:         "layout without endpoint",
			engines:      []config.EngineConfig{{Name: "tesseract", Enabled: true, Layout: true, Tables: true}},
			wantDetector: true,
		},
		{
			name: "sidecar engine provides structure",
			engines: []config.EngineConfig{
				{Name: "tesseract", Enabled: true, Layout: true, Tables: true},
				{Name: "paddleocr", Enabled: true, Layout: true, Tables: true, Endpoint: "http://sidecar:8000"},
			},
			wantDetector: true,
			wantModel:    true,
			wantTables:   true,
		},
		{
			name: "disabled engine is ignored",
			engines: []config.EngineConfig{
				{Name: "tesseract", Enabled: true},
				{Name: "paddleocr", Enabled: false, Layout: true, Tables: true, Endpoint: "http://sidecar:8000"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.OCRPipeline.Engines = tt.engines

			d := buildDetector(cfg, nil)
			if (d != nil) != tt.wantDetector {
				t.Fatalf("detector = %v, want present %v", d, tt.wantDetector)
			}
			if d != nil && d.HasModel() != tt.wantModel {
				t.Errorf("HasModel() = %v, want %v", d.HasModel(), tt.wantModel)
			}
			if x := buildTables(cfg, nil); (x != nil) != tt.wantTables {
				t.Errorf("tables = %v, want present %v", x, tt.wantTables)
			} else if x != nil && x.OutputDir() != cfg.OCRPipeline.Output.TablesDir {
				t.Errorf("tables dir = %s", x.OutputDir())
			}
		})
	}
}

func TestQdrantAddress(t *testing.T) {
	for in, want := range map[string]string{
		"localhost:6334":             "localhost:6334",
		"http://qdrant:6334/":        "qdrant:6334",
		"grpc://10.0.0.5:6334":       "10.0.0.5:6334",
		"https://vectors.local:6334": "vectors.local:6334",
	} {
		if got := qdrantAddress(in); got != want {
			t.Errorf("qdrantAddress(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestOpenServicesWithoutDatabase(t *testing.T) {
	cfg := testConfig(t)
	s, err := OpenServices(context.Background(), cfg)
	if err != nil {
		t.Fatalf("OpenServices: %v", err)
	}
	defer s.Close()

	if _, ok := s.Store.(*storage.MemoryStore); !ok {
		t.Errorf("store = %T, want in-memory store", s.Store)
	}
	if s.Index != nil {
		t.Error("vector index configured without qdrant")
	}
}

func TestFactoryBuildsWorkingPipeline(t *testing.T) {
	cfg := testConfig(t)
	cfg.OCRPipeline.Engines = []config.EngineConfig{
		{Name: "tesseract", Enabled: true, Lang: "spa+eng", Layout: true},
	}

	reg := ocr.NewRegistry()
	reg.Register(ocr.EngineTesseract, func(ctx context.Context, spec ocr.Spec) (ocr.Engine, error) {
		return &fakeEngine{name: spec.Name, text: "ALBARAN 17"}, nil
	})
	store := storage.NewMemoryStore()
	s := &Services{Store: store, Registry: reg}

	pipeline, err := s.Factory(cfg)(context.Background(), 0)
	if err != nil {
		t.Fatalf("factory: %v", err)
	}

	if err := os.MkdirAll(cfg.Postbatch.InputFolder, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(cfg.Postbatch.InputFolder, "albaran.png")
	img := image.NewGray(image.Rect(0, 0, 200, 100))
	for i := range img.Pix {
		img.Pix[i] = 255
	}
	img.Set(10, 10, color.Black)
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
	f.Close()

	res := pipeline.ProcessFile(context.Background(), path)
	if res.Status != storage.StatusOK {
		t.Fatalf("status = %s (%v)", res.Status, res.Err)
	}
	if _, err := os.Stat(filepath.Join(cfg.Postbatch.ProcessedFolder, "albaran.png")); err != nil {
		t.Errorf("processed file missing: %v", err)
	}
	results := store.Results()
	if len(results) != 1 || results[0].Text != "ALBARAN 17" {
		t.Errorf("stored results = %+v", results)
	}
}
