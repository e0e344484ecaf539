/**
 * Pipeline assembly
 *
 * Turns a loaded configuration into the collaborators a document
 * processor runs with. Process-wide services (document store, vector
 * index, engine registry, GPU count) are opened once; each worker then
 * builds its own processor on top of them through Factory.
 */

package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/adverant/nexus/digitizer-worker/internal/batch"
	"github.com/adverant/nexus/digitizer-worker/internal/clients"
	"github.com/adverant/nexus/digitizer-worker/internal/config"
	"github.com/adverant/nexus/digitizer-worker/internal/fusion"
	"github.com/adverant/nexus/digitizer-worker/internal/imaging"
	"github.com/adverant/nexus/digitizer-worker/internal/layout"
	"github.com/adverant/nexus/digitizer-worker/internal/logging"
	"github.com/adverant/nexus/digitizer-worker/internal/ocr"
	"github.com/adverant/nexus/digitizer-worker/internal/ocr/remote"
	"github.com/adverant/nexus/digitizer-worker/internal/ocr/tesseract"
	"github.com/adverant/nexus/digitizer-worker/internal/ocr/vision"
	"github.com/adverant/nexus/digitizer-worker/internal/pdfdoc"
	"github.com/adverant/nexus/digitizer-worker/internal/processor"
	"github.com/adverant/nexus/digitizer-worker/internal/storage"
	"github.com/adverant/nexus/digitizer-worker/internal/tables"
)

// SidecarTimeout bounds one call to the model sidecar
const SidecarTimeout = 2 * time.Minute

var logger = logging.NewLogger("Pipeline")

// Services are shared by every worker of the process
type Services struct {
	Store    storage.Store
	Index    *storage.VectorIndex
	Registry *ocr.Registry
	GPUCount int

	closers []func() error
}

// NewRegistry returns a registry with every known engine factory installed
func NewRegistry() *ocr.Registry {
	reg := ocr.NewRegistry()
	reg.Register(ocr.EngineTesseract, tesseract.Factory)
	sidecar := remote.NewFactory("", SidecarTimeout)
	for _, name := range []string{ocr.EnginePaddle, ocr.EngineEasy, ocr.EngineSurya} {
		reg.Register(name, sidecar)
	}
	reg.Register(ocr.EngineVision, vision.Factory)
	return reg
}

// OpenServices connects the document store and, when configured, the
// vector index. An empty database URL keeps results in memory. The vector
// index is optional: a connection failure is logged and indexing disabled.
func OpenServices(ctx context.Context, cfg *config.Config) (*Services, error) {
	s := &Services{Registry: NewRegistry()}
	s.closers = append(s.closers, func() error { s.Registry.Reset(); return nil })

	if cfg.App.DatabaseURL != "" {
		pg, err := storage.NewPostgresStore(ctx, cfg.App.DatabaseURL)
		if err != nil {
			return nil, err
		}
		s.Store = pg
	} else {
		logger.Warn("No database configured, results are kept in memory only")
		s.Store = storage.NewMemoryStore()
	}
	s.closers = append(s.closers, s.Store.Close)

	if cfg.App.QdrantURL != "" && cfg.App.VoyageAPIKey != "" {
		index, closeIndex, err := openIndex(ctx, cfg)
		if err != nil {
			logger.Warn("Vector index unavailable, near-duplicate tagging disabled", "error", err)
		} else {
			s.Index = index
			s.closers = append(s.closers, closeIndex)
		}
	}

	if cfg.WantsGPU() {
		s.GPUCount = ocr.DetectGPUs(ctx)
	}
	logger.Info("Services ready",
		"store", fmt.Sprintf("%T", s.Store),
		"vector_index", s.Index != nil,
		"gpus", s.GPUCount)
	return s, nil
}

func openIndex(ctx context.Context, cfg *config.Config) (*storage.VectorIndex, func() error, error) {
	embedder, err := storage.NewVoyageEmbedder(cfg.App.VoyageAPIKey, "")
	if err != nil {
		return nil, nil, err
	}
	qc, err := storage.NewQdrantClient(ctx, qdrantAddress(cfg.App.QdrantURL), cfg.App.QdrantCollection, storage.EmbeddingDimensions)
	if err != nil {
		return nil, nil, err
	}
	return storage.NewVectorIndex(embedder, qc, 0), qc.Close, nil
}

// qdrantAddress strips a URL scheme; the gRPC client wants host:port
func qdrantAddress(u string) string {
	for _, scheme := range []string{"http://", "https://", "grpc://"} {
		u = strings.TrimPrefix(u, scheme)
	}
	return strings.TrimSuffix(u, "/")
}

// Close releases every service in reverse order of opening
func (s *Services) Close() error {
	var first error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Factory is the per-worker init hook handed to the scheduler and the queue
// consumer
func (s *Services) Factory(cfg *config.Config) batch.PipelineFactory {
	return func(ctx context.Context, gpuID int) (batch.Pipeline, error) {
		return Build(ctx, cfg, s, gpuID)
	}
}

// Build assembles one document processor on the given GPU
func Build(ctx context.Context, cfg *config.Config, s *Services, gpuID int) (*processor.DocumentProcessor, error) {
	fusionCfg, err := FusionConfig(cfg)
	if err != nil {
		return nil, err
	}

	adapter, err := ocr.NewAdapter(ctx, s.Registry, AdapterOptions(cfg, s.GPUCount, gpuID))
	if err != nil {
		return nil, err
	}

	p := cfg.OCRPipeline
	renderer := &pdfdoc.FileRenderer{
		PDF: pdfdoc.NewPopplerRenderer(cfg.ResolvePath(p.PopplerPath), p.RenderDPI),
	}

	components := processor.Components{
		Adapter:  adapter,
		Fusion:   fusion.NewManager(fusionCfg),
		Renderer: renderer,
		Store:    s.Store,
		Detector: buildDetector(cfg, renderer),
		Tables:   buildTables(cfg, renderer),
		Index:    s.Index,
	}
	if p.NativePDF.Enabled {
		components.Native = pdfdoc.NewNativeReader(p.NativePDF.MinCharsPerPage, p.NativePDF.SamplePages)
	}

	return processor.NewDocumentProcessor(ProcessorConfig(cfg), components)
}

// AdapterOptions maps the engine section onto adapter options
func AdapterOptions(cfg *config.Config, gpuCount, gpuID int) ocr.Options {
	p := cfg.OCRPipeline
	opts := ocr.Options{
		Primary:   p.PrimaryEngine,
		Secondary: p.SecondaryEngine,
		Languages: p.Languages,
		Routing:   ocr.Routing{Table: p.Routing.Table, Text: p.Routing.Text},
		GPUCount:  gpuCount,
		GPUID:     gpuID,
	}
	for _, e := range cfg.EnabledEngines() {
		eo := ocr.EngineOptions{
			Name:     e.Name,
			Lang:     e.Lang,
			Langs:    e.Langs,
			Endpoint: e.Endpoint,
			GPU:      e.GPU,
		}
		if e.Name == ocr.EngineVision {
			eo.CredentialsFile = cfg.ResolvePath(cfg.App.GoogleCredentialsFile)
		}
		opts.Engines = append(opts.Engines, eo)
	}
	if p.Preprocessing.Enabled {
		opts.Preprocess = &imaging.PreprocessOptions{
			MinWidth:        p.Preprocessing.MinWidth,
			Denoise:         p.Preprocessing.Denoise,
			Sharpen:         p.Preprocessing.Sharpen,
			Deskew:          p.Preprocessing.Deskew,
			DeskewThreshold: p.Preprocessing.DeskewThreshold,
		}
	}
	return opts
}

// FusionConfig validates the strategy name and copies the thresholds
func FusionConfig(cfg *config.Config) (fusion.Config, error) {
	f := cfg.OCRPipeline.Fusion
	strategy, err := fusion.ParseStrategy(f.Strategy)
	if err != nil {
		return fusion.Config{}, err
	}
	return fusion.Config{
		Strategy:         strategy,
		MinConfidence:    f.MinConfidence,
		ConfidenceMargin: f.ConfidenceMargin,
		MinSimilarity:    f.MinSimilarity,
		Priority:         f.Priority,
	}, nil
}

// ProcessorConfig maps folders and per-document policies
func ProcessorConfig(cfg *config.Config) processor.Config {
	p := cfg.OCRPipeline
	return processor.Config{
		InputFolder:      cfg.ResolvePath(cfg.Postbatch.InputFolder),
		ProcessedFolder:  cfg.ResolvePath(cfg.Postbatch.ProcessedFolder),
		FailedFolder:     cfg.ResolvePath(cfg.Postbatch.FailedFolder),
		DeleteOriginal:   cfg.Postbatch.DeleteOriginal,
		OCREnabled:       cfg.Postbatch.OCREnabled,
		RecheckThreshold: p.Fusion.RecheckThreshold,
		MinConfidence:    p.Fusion.MinConfidence,
		BlockWorkers:     p.BlockWorkers,
		OutputFormats:    p.Output.Formats,
		SaveMarkdownInDB: p.Output.SaveMarkdownInDB,

		ClassificationEnabled: cfg.Postbatch.ClassificationEnabled,
	}
}

// structureEndpoint returns the sidecar endpoint of the first enabled engine
// that wants the capability, and whether any engine wants it at all
func structureEndpoint(cfg *config.Config, want func(config.EngineConfig) bool) (string, bool) {
	wanted := false
	for _, e := range cfg.EnabledEngines() {
		if !want(e) {
			continue
		}
		wanted = true
		if e.Endpoint != "" {
			return e.Endpoint, true
		}
	}
	return "", wanted
}

// buildDetector returns nil when no engine asks for layout analysis, which
// selects whole-document recognition. Layout without a sidecar endpoint
// still runs the block path with one block per page.
func buildDetector(cfg *config.Config, renderer pdfdoc.Renderer) *layout.Detector {
	endpoint, wanted := structureEndpoint(cfg, func(e config.EngineConfig) bool { return e.Layout })
	if !wanted {
		return nil
	}
	if endpoint == "" {
		logger.Info("No layout model endpoint, pages are processed as single blocks")
		return layout.NewDetector(nil, renderer)
	}
	client := clients.NewOCRServiceClient(endpoint, SidecarTimeout)
	return layout.NewDetector(layout.NewServiceModel(client), renderer)
}

// buildTables returns nil when no engine with an endpoint asks for tables
func buildTables(cfg *config.Config, renderer pdfdoc.Renderer) *tables.Extractor {
	endpoint, wanted := structureEndpoint(cfg, func(e config.EngineConfig) bool { return e.Tables })
	if !wanted || endpoint == "" {
		return nil
	}
	client := clients.NewOCRServiceClient(endpoint, SidecarTimeout)
	dir := cfg.ResolvePath(cfg.OCRPipeline.Output.TablesDir)
	return tables.NewExtractor(tables.NewServiceRecognizer(client), renderer, dir)
}
