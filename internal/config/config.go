/**
 * Configuration for the digitizer worker
 *
 * Loaded from a YAML file (--config) with DIGITIZER_* environment overrides.
 * Every key has a default so a missing file still yields a runnable setup
 * once the folders are provided.
 */

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration document
type Config struct {
	App         AppConfig         `mapstructure:"app" yaml:"app"`
	Postbatch   PostbatchConfig   `mapstructure:"postbatch" yaml:"postbatch"`
	OCRPipeline OCRPipelineConfig `mapstructure:"ocr_pipeline" yaml:"ocr_pipeline"`
	Queue       QueueConfig       `mapstructure:"queue" yaml:"queue"`

	// path of the file the config was read from, empty when none
	source string
}

// AppConfig holds process-wide settings and external service endpoints
type AppConfig struct {
	LogLevel              string `mapstructure:"log_level" yaml:"log_level"`
	LogFormat             string `mapstructure:"log_format" yaml:"log_format"`
	DatabaseURL           string `mapstructure:"database_url" yaml:"database_url"`
	RedisURL              string `mapstructure:"redis_url" yaml:"redis_url"`
	QdrantURL             string `mapstructure:"qdrant_url" yaml:"qdrant_url"`
	QdrantCollection      string `mapstructure:"qdrant_collection" yaml:"qdrant_collection"`
	VoyageAPIKey          string `mapstructure:"voyage_api_key" yaml:"voyage_api_key"`
	GoogleCredentialsFile string `mapstructure:"google_credentials_file" yaml:"google_credentials_file"`
}

// PostbatchConfig describes the folders and policies of a batch run
type PostbatchConfig struct {
	InputFolder              string   `mapstructure:"input_folder" yaml:"input_folder"`
	ProcessedFolder          string   `mapstructure:"processed_folder" yaml:"processed_folder"`
	FailedFolder             string   `mapstructure:"failed_folder" yaml:"failed_folder"`
	ReportsFolder            string   `mapstructure:"reports_folder" yaml:"reports_folder"`
	FileTypes                []string `mapstructure:"file_types" yaml:"file_types"`
	OCREnabled               bool     `mapstructure:"ocr_enabled" yaml:"ocr_enabled"`
	ClassificationEnabled    bool     `mapstructure:"classification_enabled" yaml:"classification_enabled"`
	DeleteOriginal           bool     `mapstructure:"delete_original" yaml:"delete_original"`
	BatchSummaryReport       bool     `mapstructure:"batch_summary_report" yaml:"batch_summary_report"`
	InactivityTriggerMinutes int      `mapstructure:"inactivity_trigger_minutes" yaml:"inactivity_trigger_minutes"`
	MaxWorkers               int      `mapstructure:"max_workers" yaml:"max_workers"`
}

// EngineConfig enables one OCR backend
type EngineConfig struct {
	Name     string   `mapstructure:"name" yaml:"name"`
	Enabled  bool     `mapstructure:"enabled" yaml:"enabled"`
	GPU      bool     `mapstructure:"gpu" yaml:"gpu"`
	Lang     string   `mapstructure:"lang" yaml:"lang,omitempty"`
	Langs    []string `mapstructure:"langs" yaml:"langs,omitempty"`
	Endpoint string   `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	Layout   bool     `mapstructure:"layout" yaml:"layout"`
	Tables   bool     `mapstructure:"tables" yaml:"tables"`
}

// FusionConfig mirrors fusion.Config
type FusionConfig struct {
	Strategy         string   `mapstructure:"strategy" yaml:"strategy"`
	Priority         []string `mapstructure:"priority" yaml:"priority"`
	MinConfidence    float64  `mapstructure:"min_confidence" yaml:"min_confidence"`
	ConfidenceMargin float64  `mapstructure:"confidence_margin" yaml:"confidence_margin"`
	MinSimilarity    float64  `mapstructure:"min_similarity" yaml:"min_similarity"`
	// negative means "use min_confidence"
	RecheckThreshold float64 `mapstructure:"recheck_threshold" yaml:"recheck_threshold"`
}

// PreprocessingConfig controls image cleanup before recognition
type PreprocessingConfig struct {
	Enabled         bool    `mapstructure:"enabled" yaml:"enabled"`
	MinWidth        int     `mapstructure:"min_width" yaml:"min_width"`
	Denoise         bool    `mapstructure:"denoise" yaml:"denoise"`
	Sharpen         bool    `mapstructure:"sharpen" yaml:"sharpen"`
	Deskew          bool    `mapstructure:"deskew" yaml:"deskew"`
	DeskewThreshold float64 `mapstructure:"deskew_threshold" yaml:"deskew_threshold"`
}

// RoutingConfig lists engine preference per content type for auto mode
type RoutingConfig struct {
	Table []string `mapstructure:"table" yaml:"table"`
	Text  []string `mapstructure:"text" yaml:"text"`
}

// NativePDFConfig controls the text-layer short circuit
type NativePDFConfig struct {
	Enabled         bool `mapstructure:"enabled" yaml:"enabled"`
	MinCharsPerPage int  `mapstructure:"min_chars_per_page" yaml:"min_chars_per_page"`
	SamplePages     int  `mapstructure:"sample_pages" yaml:"sample_pages"`
}

// OutputConfig controls the artifacts written next to processed files
type OutputConfig struct {
	Formats          []string `mapstructure:"formats" yaml:"formats"`
	TablesDir        string   `mapstructure:"tables_dir" yaml:"tables_dir"`
	SaveMarkdownInDB bool     `mapstructure:"save_markdown_in_db" yaml:"save_markdown_in_db"`
}

// OCRPipelineConfig configures engines, fusion and per-document processing
type OCRPipelineConfig struct {
	// engine name or "auto"; empty means the first enabled engine
	PrimaryEngine   string `mapstructure:"primary_engine" yaml:"primary_engine"`
	// empty means easyocr, or paddleocr when easyocr is primary
	SecondaryEngine string `mapstructure:"secondary_engine" yaml:"secondary_engine"`

	Engines       []EngineConfig      `mapstructure:"engines" yaml:"engines"`
	Fusion        FusionConfig        `mapstructure:"fusion" yaml:"fusion"`
	Preprocessing PreprocessingConfig `mapstructure:"preprocessing" yaml:"preprocessing"`
	Routing       RoutingConfig       `mapstructure:"routing" yaml:"routing"`
	NativePDF     NativePDFConfig     `mapstructure:"native_pdf" yaml:"native_pdf"`
	Output        OutputConfig        `mapstructure:"output" yaml:"output"`
	PopplerPath   string              `mapstructure:"poppler_path" yaml:"poppler_path"`
	RenderDPI     int                 `mapstructure:"render_dpi" yaml:"render_dpi"`
	BlockWorkers  int                 `mapstructure:"block_workers" yaml:"block_workers"`
	Languages     []string            `mapstructure:"languages" yaml:"languages"`
}

// QueueConfig configures distributed mode
type QueueConfig struct {
	Name              string        `mapstructure:"name" yaml:"name"`
	Concurrency       int           `mapstructure:"concurrency" yaml:"concurrency"`
	ProcessingTimeout time.Duration `mapstructure:"processing_timeout" yaml:"processing_timeout"`
}

// DefaultConfig returns the configuration used when no file overrides a key
func DefaultConfig() Config {
	return Config{
		App: AppConfig{
			LogLevel:         "info",
			LogFormat:        "console",
			QdrantCollection: "digitizer_documents",
		},
		Postbatch: PostbatchConfig{
			FileTypes:             []string{".pdf", ".tif", ".tiff", ".jpg", ".jpeg", ".png"},
			OCREnabled:            true,
			ClassificationEnabled: true,
			BatchSummaryReport:    true,
		},
		OCRPipeline: OCRPipelineConfig{
			Engines: []EngineConfig{
				{Name: "tesseract", Enabled: true, GPU: false, Lang: "spa+eng", Layout: true, Tables: true},
			},
			Fusion: FusionConfig{
				Strategy:         "confidence_vote",
				Priority:         []string{"paddleocr", "easyocr"},
				MinConfidence:    0.6,
				ConfidenceMargin: 0.05,
				MinSimilarity:    0.82,
				RecheckThreshold: -1,
			},
			Preprocessing: PreprocessingConfig{
				Enabled:         true,
				MinWidth:        1500,
				Denoise:         true,
				Sharpen:         true,
				Deskew:          true,
				DeskewThreshold: 0.5,
			},
			Routing: RoutingConfig{
				Table: []string{"surya", "paddleocr", "easyocr"},
				Text:  []string{"paddleocr", "easyocr", "surya"},
			},
			NativePDF: NativePDFConfig{
				Enabled:         true,
				MinCharsPerPage: 50,
				SamplePages:     3,
			},
			Output: OutputConfig{
				Formats:          []string{"markdown", "json"},
				TablesDir:        "data/tables",
				SaveMarkdownInDB: true,
			},
			RenderDPI:    200,
			BlockWorkers: 4,
			Languages:    []string{"spa", "eng"},
		},
		Queue: QueueConfig{
			Name:              "digitizer:documents",
			Concurrency:       10,
			ProcessingTimeout: 5 * time.Minute,
		},
	}
}

// Load reads the configuration file (optional) and environment overrides.
// An explicitly named file that does not exist is an error.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	// DIGITIZER_POSTBATCH_INPUT_FOLDER overrides postbatch.input_folder
	v.SetEnvPrefix("DIGITIZER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		if _, err := os.Stat(cfgFile); err != nil {
			return nil, fmt.Errorf("config file %s: %w", cfgFile, err)
		}
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("digitizer")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("config")
	}

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.source = v.ConfigFileUsed()

	if cfg.OCRPipeline.Fusion.RecheckThreshold < 0 {
		cfg.OCRPipeline.Fusion.RecheckThreshold = cfg.OCRPipeline.Fusion.MinConfidence
	}
	cfg.normalizeFileTypes()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("app.log_level", d.App.LogLevel)
	v.SetDefault("app.log_format", d.App.LogFormat)
	v.SetDefault("app.database_url", d.App.DatabaseURL)
	v.SetDefault("app.redis_url", d.App.RedisURL)
	v.SetDefault("app.qdrant_url", d.App.QdrantURL)
	v.SetDefault("app.qdrant_collection", d.App.QdrantCollection)
	v.SetDefault("app.voyage_api_key", d.App.VoyageAPIKey)
	v.SetDefault("app.google_credentials_file", d.App.GoogleCredentialsFile)

	v.SetDefault("postbatch.input_folder", d.Postbatch.InputFolder)
	v.SetDefault("postbatch.processed_folder", d.Postbatch.ProcessedFolder)
	v.SetDefault("postbatch.failed_folder", d.Postbatch.FailedFolder)
	v.SetDefault("postbatch.reports_folder", d.Postbatch.ReportsFolder)
	v.SetDefault("postbatch.file_types", d.Postbatch.FileTypes)
	v.SetDefault("postbatch.ocr_enabled", d.Postbatch.OCREnabled)
	v.SetDefault("postbatch.classification_enabled", d.Postbatch.ClassificationEnabled)
	v.SetDefault("postbatch.delete_original", d.Postbatch.DeleteOriginal)
	v.SetDefault("postbatch.batch_summary_report", d.Postbatch.BatchSummaryReport)
	v.SetDefault("postbatch.inactivity_trigger_minutes", d.Postbatch.InactivityTriggerMinutes)
	v.SetDefault("postbatch.max_workers", d.Postbatch.MaxWorkers)

	p := d.OCRPipeline
	v.SetDefault("ocr_pipeline.primary_engine", p.PrimaryEngine)
	v.SetDefault("ocr_pipeline.secondary_engine", p.SecondaryEngine)
	v.SetDefault("ocr_pipeline.engines", engineMaps(p.Engines))
	v.SetDefault("ocr_pipeline.fusion.strategy", p.Fusion.Strategy)
	v.SetDefault("ocr_pipeline.fusion.priority", p.Fusion.Priority)
	v.SetDefault("ocr_pipeline.fusion.min_confidence", p.Fusion.MinConfidence)
	v.SetDefault("ocr_pipeline.fusion.confidence_margin", p.Fusion.ConfidenceMargin)
	v.SetDefault("ocr_pipeline.fusion.min_similarity", p.Fusion.MinSimilarity)
	v.SetDefault("ocr_pipeline.fusion.recheck_threshold", p.Fusion.RecheckThreshold)
	v.SetDefault("ocr_pipeline.preprocessing.enabled", p.Preprocessing.Enabled)
	v.SetDefault("ocr_pipeline.preprocessing.min_width", p.Preprocessing.MinWidth)
	v.SetDefault("ocr_pipeline.preprocessing.denoise", p.Preprocessing.Denoise)
	v.SetDefault("ocr_pipeline.preprocessing.sharpen", p.Preprocessing.Sharpen)
	v.SetDefault("ocr_pipeline.preprocessing.deskew", p.Preprocessing.Deskew)
	v.SetDefault("ocr_pipeline.preprocessing.deskew_threshold", p.Preprocessing.DeskewThreshold)
	v.SetDefault("ocr_pipeline.routing.table", p.Routing.Table)
	v.SetDefault("ocr_pipeline.routing.text", p.Routing.Text)
	v.SetDefault("ocr_pipeline.native_pdf.enabled", p.NativePDF.Enabled)
	v.SetDefault("ocr_pipeline.native_pdf.min_chars_per_page", p.NativePDF.MinCharsPerPage)
	v.SetDefault("ocr_pipeline.native_pdf.sample_pages", p.NativePDF.SamplePages)
	v.SetDefault("ocr_pipeline.output.formats", p.Output.Formats)
	v.SetDefault("ocr_pipeline.output.tables_dir", p.Output.TablesDir)
	v.SetDefault("ocr_pipeline.output.save_markdown_in_db", p.Output.SaveMarkdownInDB)
	v.SetDefault("ocr_pipeline.poppler_path", p.PopplerPath)
	v.SetDefault("ocr_pipeline.render_dpi", p.RenderDPI)
	v.SetDefault("ocr_pipeline.block_workers", p.BlockWorkers)
	v.SetDefault("ocr_pipeline.languages", p.Languages)

	v.SetDefault("queue.name", d.Queue.Name)
	v.SetDefault("queue.concurrency", d.Queue.Concurrency)
	v.SetDefault("queue.processing_timeout", d.Queue.ProcessingTimeout)
}

func engineMaps(engines []EngineConfig) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(engines))
	for _, e := range engines {
		out = append(out, map[string]interface{}{
			"name":     e.Name,
			"enabled":  e.Enabled,
			"gpu":      e.GPU,
			"lang":     e.Lang,
			"langs":    e.Langs,
			"endpoint": e.Endpoint,
			"layout":   e.Layout,
			"tables":   e.Tables,
		})
	}
	return out
}

func (c *Config) normalizeFileTypes() {
	for i, ext := range c.Postbatch.FileTypes {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext != "" && !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		c.Postbatch.FileTypes[i] = ext
	}
}

// Validate checks if configuration is valid. Folder presence is checked by
// the batch command, not here, so the worker can run with only a queue.
func (c *Config) Validate() error {
	switch c.OCRPipeline.Fusion.Strategy {
	case "cascade", "levenshtein", "confidence_vote":
	default:
		return fmt.Errorf("ocr_pipeline.fusion.strategy must be one of cascade, levenshtein, confidence_vote, got %q", c.OCRPipeline.Fusion.Strategy)
	}

	f := c.OCRPipeline.Fusion
	if f.MinConfidence < 0 || f.MinConfidence > 1 {
		return fmt.Errorf("ocr_pipeline.fusion.min_confidence must be between 0 and 1, got %v", f.MinConfidence)
	}
	if f.MinSimilarity < 0 || f.MinSimilarity > 1 {
		return fmt.Errorf("ocr_pipeline.fusion.min_similarity must be between 0 and 1, got %v", f.MinSimilarity)
	}
	if f.ConfidenceMargin < 0 || f.ConfidenceMargin > 1 {
		return fmt.Errorf("ocr_pipeline.fusion.confidence_margin must be between 0 and 1, got %v", f.ConfidenceMargin)
	}
	if f.RecheckThreshold > 1 {
		return fmt.Errorf("ocr_pipeline.fusion.recheck_threshold must not exceed 1, got %v", f.RecheckThreshold)
	}

	if c.Postbatch.MaxWorkers < 0 || c.Postbatch.MaxWorkers > 256 {
		return fmt.Errorf("postbatch.max_workers must be between 0 and 256, got %d", c.Postbatch.MaxWorkers)
	}
	if c.OCRPipeline.BlockWorkers < 1 || c.OCRPipeline.BlockWorkers > 64 {
		return fmt.Errorf("ocr_pipeline.block_workers must be between 1 and 64, got %d", c.OCRPipeline.BlockWorkers)
	}
	if c.OCRPipeline.RenderDPI < 72 || c.OCRPipeline.RenderDPI > 600 {
		return fmt.Errorf("ocr_pipeline.render_dpi must be between 72 and 600, got %d", c.OCRPipeline.RenderDPI)
	}
	if c.Queue.Concurrency < 1 || c.Queue.Concurrency > 100 {
		return fmt.Errorf("queue.concurrency must be between 1 and 100, got %d", c.Queue.Concurrency)
	}
	if len(c.EnabledEngines()) == 0 {
		return fmt.Errorf("ocr_pipeline.engines must enable at least one engine")
	}
	if primary := strings.ToLower(c.OCRPipeline.PrimaryEngine); primary != "" && primary != "auto" && !c.engineEnabled(primary) {
		return fmt.Errorf("ocr_pipeline.primary_engine %q is not an enabled engine", c.OCRPipeline.PrimaryEngine)
	}
	return nil
}

func (c *Config) engineEnabled(name string) bool {
	for _, e := range c.EnabledEngines() {
		if e.Name == name {
			return true
		}
	}
	return false
}

// EnabledEngines returns the configured engines with enabled set, in order
func (c *Config) EnabledEngines() []EngineConfig {
	var out []EngineConfig
	for _, e := range c.OCRPipeline.Engines {
		if e.Enabled && e.Name != "" {
			e.Name = strings.ToLower(e.Name)
			out = append(out, e)
		}
	}
	return out
}

// WantsGPU reports whether any enabled engine asks for a GPU
func (c *Config) WantsGPU() bool {
	for _, e := range c.EnabledEngines() {
		if e.GPU {
			return true
		}
	}
	return false
}

// DefaultMaxWorkers returns the worker count when max_workers is unset:
// 12 when GPU acceleration is requested and available, otherwise
// max(4, 75% of CPUs).
func (c *Config) DefaultMaxWorkers(gpuAvailable bool) int {
	if c.Postbatch.MaxWorkers > 0 {
		return c.Postbatch.MaxWorkers
	}
	if gpuAvailable && c.WantsGPU() {
		return 12
	}
	n := runtime.NumCPU() * 3 / 4
	if n < 4 {
		n = 4
	}
	return n
}

// ResolvePath makes p absolute relative to the config file's directory
func (c *Config) ResolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	if c.source != "" {
		return filepath.Join(filepath.Dir(c.source), p)
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return p
	}
	return abs
}

// Source returns the path of the loaded config file, if any
func (c *Config) Source() string {
	return c.source
}

// WriteDefault writes the default configuration to the specified path.
func WriteDefault(path string) error {
	cfg := DefaultConfig()
	cfg.OCRPipeline.Fusion.RecheckThreshold = cfg.OCRPipeline.Fusion.MinConfidence
	cfg.Postbatch.InputFolder = "data/inbox"
	cfg.Postbatch.ProcessedFolder = "data/processed"
	cfg.Postbatch.FailedFolder = "data/failed"
	cfg.Postbatch.ReportsFolder = "data/reports"

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte(`# Digitizer configuration
# Environment overrides use the DIGITIZER_ prefix, e.g. DIGITIZER_APP_DATABASE_URL
# Leave app.database_url empty to keep results in memory (dry run)

`)
	return os.WriteFile(path, append(header, data...), 0o644)
}
