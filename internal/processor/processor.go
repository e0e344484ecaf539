/**
 * Document Processor for the digitizer worker
 *
 * Drives one file through the recognition pipeline:
 * - content hash and duplicate check against the document store
 * - native PDF text layer short circuit
 * - page rendering, layout detection and per-block OCR with fusion
 * - table export, aggregation, persistence and side outputs
 *
 * Any failure moves the file to the failed folder and records it; the
 * caller always gets a FileResult back.
 */

package processor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"time"

	apperrors "github.com/adverant/nexus/digitizer-worker/internal/errors"
	"github.com/adverant/nexus/digitizer-worker/internal/fsutil"
	"github.com/adverant/nexus/digitizer-worker/internal/fusion"
	"github.com/adverant/nexus/digitizer-worker/internal/imaging"
	"github.com/adverant/nexus/digitizer-worker/internal/layout"
	"github.com/adverant/nexus/digitizer-worker/internal/logging"
	"github.com/adverant/nexus/digitizer-worker/internal/ocr"
	"github.com/adverant/nexus/digitizer-worker/internal/pdfdoc"
	"github.com/adverant/nexus/digitizer-worker/internal/storage"
	"github.com/adverant/nexus/digitizer-worker/internal/tables"
)

// Document types and tags assigned by the processor
const (
	TypeImage   = "Imagen"
	TypeUnknown = "Unknown"

	TagFailed      = "FAILED"
	TagHandwritten = "handwritten"
	TagNearDup     = "near-duplicate"

	WorkflowVerified = "verified"
)

// Config holds the per-document policies
type Config struct {
	InputFolder     string
	ProcessedFolder string
	FailedFolder    string
	DeleteOriginal  bool
	OCREnabled      bool

	// ClassificationEnabled types documents by keywords in their text
	ClassificationEnabled bool

	// RecheckThreshold <= 0 disables the secondary pass on blocks
	RecheckThreshold float64
	// MinConfidence drives the secondary pass on the whole-document path
	MinConfidence float64
	BlockWorkers  int

	OutputFormats    []string
	SaveMarkdownInDB bool
}

// Components are the collaborators a processor runs with. Adapter, Fusion,
// Renderer and Store are required; the rest are optional. A nil Detector
// selects the whole-document recognition path.
type Components struct {
	Adapter  *ocr.Adapter
	Fusion   *fusion.Manager
	Renderer pdfdoc.Renderer
	Store    storage.Store
	Detector *layout.Detector
	Tables   *tables.Extractor
	Native   *pdfdoc.NativeReader
	Index    *storage.VectorIndex

	// Classifier overrides the default keyword rules
	Classifier *Classifier
}

// FileResult is the outcome of processing one file
type FileResult struct {
	Filename string
	Path     string
	Status   string
	Duration time.Duration
	Type     string
	DocID    int64 // 0 when no record was created
	Err      error
}

// DocumentProcessor handles document processing
type DocumentProcessor struct {
	cfg      Config
	adapter  *ocr.Adapter
	fusion   *fusion.Manager
	renderer pdfdoc.Renderer
	store    storage.Store
	detector *layout.Detector
	tables   *tables.Extractor
	native   *pdfdoc.NativeReader
	index    *storage.VectorIndex
	classify *Classifier
	logger   *logging.Logger
}

// NewDocumentProcessor creates a new document processor
func NewDocumentProcessor(cfg Config, c Components) (*DocumentProcessor, error) {
	if c.Adapter == nil {
		return nil, fmt.Errorf("ocr adapter is required")
	}
	if c.Fusion == nil {
		return nil, fmt.Errorf("fusion manager is required")
	}
	if c.Renderer == nil {
		return nil, fmt.Errorf("page renderer is required")
	}
	if c.Store == nil {
		return nil, fmt.Errorf("document store is required")
	}
	if cfg.ProcessedFolder == "" || cfg.FailedFolder == "" {
		return nil, apperrors.NewConfigInvalidError("processed and failed folders are required")
	}
	if cfg.BlockWorkers < 1 {
		cfg.BlockWorkers = 1
	}
	if !cfg.ClassificationEnabled {
		c.Classifier = nil
	} else if c.Classifier == nil {
		c.Classifier = NewClassifier(nil)
	}

	return &DocumentProcessor{
		cfg:      cfg,
		adapter:  c.Adapter,
		fusion:   c.Fusion,
		renderer: c.Renderer,
		store:    c.Store,
		detector: c.Detector,
		tables:   c.Tables,
		native:   c.Native,
		index:    c.Index,
		classify: c.Classifier,
		logger:   logging.NewLogger("DocumentProcessor"),
	}, nil
}

// recognition is what the OCR stages produce for one document
type recognition struct {
	text        string
	language    string
	confidence  float64
	blocks      []BlockResult
	tables      []tables.Result
	handwritten bool
}

// ProcessFile processes one file end to end. It never returns an error;
// failures are reported through FileResult.Status and FileResult.Err.
func (p *DocumentProcessor) ProcessFile(ctx context.Context, path string) (res FileResult) {
	start := time.Now()
	filename := filepath.Base(path)
	res = FileResult{Filename: filename, Path: path, Type: TypeUnknown}
	hash := ""

	defer func() {
		if r := recover(); r != nil {
			res = p.fail(ctx, path, hash, start, fmt.Errorf("panic: %v", r))
		}
	}()

	p.logger.Info("Processing file", "file", filename)

	digest, head, err := hashFile(path)
	if err != nil {
		return p.fail(ctx, path, hash, start, apperrors.NewStorageFailedError(path, err))
	}
	hash = digest

	// Step 1: duplicate check
	dupID, found, err := p.store.CheckDuplicate(ctx, hash)
	if err != nil {
		return p.fail(ctx, path, hash, start, err)
	}
	if found {
		return p.duplicate(ctx, path, dupID)
	}

	// Step 2: format
	mimeType := detectMimeTypeFromMagicBytes(head)
	if !isVisual(mimeType) {
		return p.fail(ctx, path, hash, start, apperrors.NewUnsupportedFormatError(path, mimeType))
	}

	// Step 3: recognition
	var rec recognition
	if p.cfg.OCREnabled {
		rec, err = p.recognize(ctx, path, mimeType == mimePDF)
		if err != nil {
			return p.fail(ctx, path, hash, start, err)
		}
		if ctx.Err() != nil {
			return p.fail(ctx, path, hash, start, apperrors.NewProcessingTimeoutError(path, time.Since(start), ctx.Err()))
		}
	}

	// Step 4: derived content
	markdown := ""
	if rec.text != "" && (p.cfg.SaveMarkdownInDB || p.wants(FormatMarkdown)) {
		markdown = ocr.TextToMarkdown(rec.text)
	}

	docType, tags := p.documentType(rec.text)
	if rec.handwritten {
		tags = append(tags, TagHandwritten)
		p.logger.Info("Handwriting detected", "file", filename)
	}

	var vector []float32
	if p.index != nil && rec.text != "" {
		vec, matches, err := p.index.Similar(ctx, rec.text, 3)
		if err != nil {
			p.logger.Warn("Vector lookup failed", "file", filename, "error", err)
		}
		vector = vec
		for _, m := range matches {
			tags = append(tags, fmt.Sprintf("%s:%d", TagNearDup, m.DocumentID))
			p.logger.Info("Near-duplicate document",
				"file", filename,
				"match", m.DocumentID,
				"score", m.Score)
		}
	}

	// Step 5: move into the processed tree
	dest, err := fsutil.MoveFile(path, p.cfg.ProcessedFolder, p.cfg.InputFolder, p.cfg.DeleteOriginal)
	if err != nil {
		return p.fail(ctx, path, hash, start, apperrors.NewStorageFailedError(path, err))
	}

	// Step 6: persist
	duration := time.Since(start)
	doc := &storage.Document{
		Filename:      filename,
		Path:          dest,
		ContentHash:   hash,
		ProcessedAt:   start,
		Duration:      duration,
		Status:        storage.StatusOK,
		Type:          docType,
		Tags:          tags,
		WorkflowState: WorkflowVerified,
	}
	docID, err := p.store.InsertDocument(ctx, doc)
	if err != nil {
		return p.fail(ctx, dest, hash, start, err)
	}

	if rec.text != "" {
		ocrRec := &storage.OCRRecord{
			DocumentID: docID,
			Text:       rec.text,
			Language:   rec.language,
			Confidence: rec.confidence,
		}
		if p.cfg.SaveMarkdownInDB {
			ocrRec.Markdown = markdown
		}
		if len(rec.blocks) > 0 {
			ocrRec.Blocks = rec.blocks
		}
		if len(rec.tables) > 0 {
			ocrRec.Tables = rec.tables
		}
		if fields := fusion.ExtractFields(rec.text); !fields.Empty() {
			ocrRec.StructuredData = map[string]interface{}{"fields": fields}
		}
		if _, err := p.store.InsertOCRResult(ctx, ocrRec); err != nil {
			return p.fail(ctx, dest, hash, start, err)
		}
	}

	if vector != nil {
		if err := p.index.Add(ctx, vector, docID, filename); err != nil {
			p.logger.Warn("Failed to index document vector", "file", filename, "error", err)
		}
	}

	// Step 7: side outputs
	summary := Summary{
		Filename:    filename,
		Path:        dest,
		Language:    rec.language,
		Confidence:  rec.confidence,
		Handwritten: rec.handwritten,
		Blocks:      rec.blocks,
		Tables:      rec.tables,
		Text:        rec.text,
	}
	if err := p.writeOutputs(dest, summary, markdown); err != nil {
		p.logger.Warn("Failed to write side outputs", "file", filename, "error", err)
	}

	duration = time.Since(start)
	p.logger.Info("Processed file",
		"file", filename,
		"type", docType,
		"confidence", rec.confidence,
		"blocks", len(rec.blocks),
		"tables", len(rec.tables),
		"duration_ms", duration.Milliseconds())

	return FileResult{
		Filename: filename,
		Path:     dest,
		Status:   storage.StatusOK,
		Duration: duration,
		Type:     docType,
		DocID:    docID,
	}
}

// documentType classifies the text when classification is on. Documents
// nothing matched are typed as images, every accepted input is visual.
func (p *DocumentProcessor) documentType(text string) (string, []string) {
	tags := []string{}
	docType := TypeUnknown
	if p.classify != nil && text != "" {
		var matched []string
		docType, matched = p.classify.Classify(text)
		tags = append(tags, matched...)
	}
	if docType == TypeUnknown {
		docType = TypeImage
	}
	return docType, tags
}

// recognize runs the OCR stages for a visual document
func (p *DocumentProcessor) recognize(ctx context.Context, path string, isPDF bool) (recognition, error) {
	var rec recognition

	// NATIVE_CHECK
	if isPDF && p.native != nil {
		blocks, avg, native, err := p.native.Extract(path)
		switch {
		case err != nil:
			p.logger.Warn("Native extraction failed, falling back to OCR", "file", path, "error", err)
		case native:
			p.logger.Info("Using native PDF text layer", "file", path, "chars_per_page", avg)
			rec.blocks = nativeResults(blocks)
			rec.text, rec.confidence = aggregate(rec.blocks)
			if rec.text != "" {
				rec.language = p.adapter.Language()
			}
			return rec, nil
		default:
			p.logger.Info("Low text density, treating PDF as scan", "file", path, "chars_per_page", avg)
		}
	}

	// RASTERIZE
	pages, err := p.renderer.Render(ctx, path)
	if err != nil {
		return rec, apperrors.NewRenderFailedError(path, err)
	}
	if len(pages) == 0 {
		return rec, apperrors.NewRenderFailedError(path, fmt.Errorf("document has no pages"))
	}

	if p.detector == nil {
		doc := p.adapter.ExtractDocument(ctx, pages, p.cfg.MinConfidence)
		rec.text = doc.Text
		rec.language = doc.Language
		rec.confidence = doc.Confidence
		rec.handwritten = doc.Handwritten
		return rec, nil
	}

	// LAYOUT
	blocks, err := p.detector.DetectBlocks(ctx, path, pages)
	if err != nil {
		p.logger.Error("Layout detection failed", "file", path, "error", err)
		blocks = nil
	}
	if len(blocks) == 0 {
		blocks = layout.FallbackBlocks(pages)
	}
	layout.SortBlocks(blocks)
	blocks = withFallback(blocks, pages)

	// PER_BLOCK_OCR
	results := p.ProcessTextBlocks(ctx, pages, blocks)
	rec.text, rec.confidence = aggregate(results)
	rec.blocks = mergeBlocks(blocks, results)
	if rec.text != "" {
		rec.language = p.adapter.Language()
	}
	rec.handwritten = handwritten(pages)

	// TABLE_EXTRACT
	if p.tables != nil {
		found, err := p.tables.ExtractTables(ctx, path, blocks, pages)
		if err != nil {
			p.logger.Error("Table extraction failed", "file", path, "error", err)
		}
		rec.tables = found
	}
	return rec, nil
}

func handwritten(pages []image.Image) bool {
	for _, page := range pages {
		if imaging.HandwritingProbability(page) > 0.5 {
			return true
		}
	}
	return false
}

// duplicate removes the incoming copy of an already stored document
func (p *DocumentProcessor) duplicate(ctx context.Context, path string, id int64) FileResult {
	existing, found, err := p.store.GetDocumentPath(ctx, id)
	if err != nil || !found {
		existing = path
	}
	p.logger.Info("Duplicate detected, skipping",
		"file", filepath.Base(path),
		"document_id", id,
		"existing_path", existing)

	if err := os.Remove(path); err != nil {
		p.logger.Debug("Failed to remove duplicate source", "file", path, "error", err)
	}
	return FileResult{
		Filename: filepath.Base(path),
		Path:     existing,
		Status:   storage.StatusDuplicate,
		Type:     TypeUnknown,
		DocID:    id,
	}
}

// fail moves the file to the failed tree and records the failure
func (p *DocumentProcessor) fail(ctx context.Context, path, hash string, start time.Time, cause error) FileResult {
	filename := filepath.Base(path)
	p.logger.Error("Processing failed",
		"file", filename,
		"code", string(apperrors.CodeOf(cause)),
		"error", cause)

	dest := path
	if _, err := os.Stat(path); err == nil {
		moved, err := fsutil.MoveFile(path, p.cfg.FailedFolder, p.cfg.InputFolder, true)
		if err != nil {
			p.logger.Error("Unable to move file to failed folder", "file", filename, "error", err)
		} else {
			dest = moved
		}
	}

	if hash == "" {
		hash = "unknown"
	}
	duration := time.Since(start)
	// the request context may be the reason we are here
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if _, err := p.store.InsertDocument(recordCtx, &storage.Document{
		Filename:     filename,
		Path:         dest,
		ContentHash:  hash,
		ProcessedAt:  start,
		Duration:     duration,
		Status:       storage.StatusFailed,
		Type:         TypeUnknown,
		Tags:         []string{TagFailed},
		ErrorMessage: cause.Error(),
	}); err != nil {
		p.logger.Error("Failed to insert failure record", "file", filename, "error", err)
	}

	return FileResult{
		Filename: filename,
		Path:     dest,
		Status:   storage.StatusFailed,
		Duration: duration,
		Type:     TypeUnknown,
		Err:      cause,
	}
}

func (p *DocumentProcessor) wants(format string) bool {
	for _, f := range p.cfg.OutputFormats {
		if f == format {
			return true
		}
	}
	return false
}

// hashFile returns the sha256 of the file and its first 512 bytes
func hashFile(path string) (string, []byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", nil, err
	}
	defer f.Close()

	head := make([]byte, 512)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "", nil, err
	}
	head = head[:n]

	h := sha256.New()
	h.Write(head)
	if _, err := io.Copy(h, f); err != nil {
		return "", nil, err
	}
	return hex.EncodeToString(h.Sum(nil)), head, nil
}
