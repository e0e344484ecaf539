package processor

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	apperrors "github.com/adverant/nexus/digitizer-worker/internal/errors"
	"github.com/adverant/nexus/digitizer-worker/internal/fusion"
	"github.com/adverant/nexus/digitizer-worker/internal/layout"
	"github.com/adverant/nexus/digitizer-worker/internal/ocr"
	"github.com/adverant/nexus/digitizer-worker/internal/pdfdoc"
	"github.com/adverant/nexus/digitizer-worker/internal/storage"
)

type fakeEngine struct {
	name  string
	text  string
	conf  float64
	calls int32
}

func (f *fakeEngine) Name() string { return f.name }

func (f *fakeEngine) Recognize(ctx context.Context, img image.Image) (ocr.Result, error) {
	atomic.AddInt32(&f.calls, 1)
	return ocr.Result{Text: f.text, Confidence: f.conf}, nil
}

type stubRenderer struct {
	pages []image.Image
	err   error
}

func (r *stubRenderer) Render(ctx context.Context, path string) ([]image.Image, error) {
	return r.pages, r.err
}

func whitePage(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	return img
}

func pngBytes(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func newAdapter(t *testing.T, engines ...*fakeEngine) *ocr.Adapter {
	t.Helper()
	reg := ocr.NewRegistry()
	var opts []ocr.EngineOptions
	for _, e := range engines {
		e := e
		reg.Register(e.name, func(ctx context.Context, spec ocr.Spec) (ocr.Engine, error) {
			return e, nil
		})
		opts = append(opts, ocr.EngineOptions{Name: e.name})
	}
	a, err := ocr.NewAdapter(context.Background(), reg, ocr.Options{
		Engines:   opts,
		Languages: []string{"spa", "eng"},
	})
	if err != nil {
		t.Fatalf("NewAdapter: %v", err)
	}
	return a
}

type fixture struct {
	input, processed, failed string
	store                    *storage.MemoryStore
	proc                     *DocumentProcessor
}

func newFixture(t *testing.T, c Components, mutate func(*Config)) *fixture {
	t.Helper()
	root := t.TempDir()
	f := &fixture{
		input:     filepath.Join(root, "input"),
		processed: filepath.Join(root, "processed"),
		failed:    filepath.Join(root, "failed"),
		store:     storage.NewMemoryStore(),
	}
	if err := os.MkdirAll(filepath.Join(f.input, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}

	cfg := Config{
		InputFolder:      f.input,
		ProcessedFolder:  f.processed,
		FailedFolder:     f.failed,
		DeleteOriginal:   true,
		OCREnabled:       true,
		RecheckThreshold: 0.6,
		MinConfidence:    0.6,
		BlockWorkers:     2,
		OutputFormats:    []string{FormatJSON, FormatMarkdown, FormatHTML},
		SaveMarkdownInDB: true,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	if c.Fusion == nil {
		c.Fusion = fusion.NewManager(fusion.DefaultConfig())
	}
	if c.Renderer == nil {
		c.Renderer = &pdfdoc.FileRenderer{}
	}
	c.Store = f.store

	proc, err := NewDocumentProcessor(cfg, c)
	if err != nil {
		t.Fatalf("NewDocumentProcessor: %v", err)
	}
	f.proc = proc
	return f
}

func (f *fixture) write(t *testing.T, rel string, data []byte) string {
	t.Helper()
	p := filepath.Join(f.input, rel)
	if err := os.WriteFile(p, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestProcessTextBlocks(t *testing.T) {
	pages := []image.Image{whitePage(200, 200)}
	blocks := []layout.Block{
		{Page: 0, BBox: [4]int{0, 10, 200, 40}, Type: layout.TypeText},
		{Page: 0, BBox: [4]int{0, 50, 200, 120}, Type: layout.TypeTable},
		{Page: 0, BBox: [4]int{0, 130, 200, 160}, Type: layout.TypeTitle},
		{Page: 3, BBox: [4]int{0, 0, 10, 10}, Type: layout.TypeText},
	}

	tests := []struct {
		name          string
		recheck       float64
		primaryConf   float64
		wantText      string
		wantConf      float64
		wantSecondary bool
	}{
		{"low confidence rechecked", 0.6, 0.5, "secondary", 0.9, true},
		{"recheck disabled", 0, 0.5, "primary", 0.5, false},
		{"confident primary", 0.6, 0.8, "primary", 0.8, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			primary := &fakeEngine{name: "paddleocr", text: "primary", conf: tt.primaryConf}
			secondary := &fakeEngine{name: "easyocr", text: "secondary", conf: 0.9}
			f := newFixture(t, Components{Adapter: newAdapter(t, primary, secondary)}, func(c *Config) {
				c.RecheckThreshold = tt.recheck
			})

			results := f.proc.ProcessTextBlocks(context.Background(), pages, blocks)
			if len(results) != 3 {
				t.Fatalf("got %d results, want 3", len(results))
			}
			for i, wantID := range []int{0, 2, 3} {
				if results[i].ID != wantID {
					t.Errorf("results[%d].ID = %d, want %d", i, results[i].ID, wantID)
				}
			}
			for _, r := range results[:2] {
				if r.Text != tt.wantText || r.Confidence != tt.wantConf {
					t.Errorf("block %d = (%q, %v), want (%q, %v)", r.ID, r.Text, r.Confidence, tt.wantText, tt.wantConf)
				}
				if r.PrimaryConfidence != tt.primaryConf {
					t.Errorf("block %d primary confidence = %v", r.ID, r.PrimaryConfidence)
				}
			}
			if missing := results[2]; missing.Text != "" || missing.Confidence != 0 {
				t.Errorf("block on missing page = %+v, want empty", missing)
			}
			gotSecondary := atomic.LoadInt32(&secondary.calls) > 0
			if gotSecondary != tt.wantSecondary {
				t.Errorf("secondary called = %v, want %v", gotSecondary, tt.wantSecondary)
			}
		})
	}
}

func TestProcessTextBlocksFallsBackToWholePages(t *testing.T) {
	engine := &fakeEngine{name: "tesseract", text: "page text", conf: 0.7}
	f := newFixture(t, Components{Adapter: newAdapter(t, engine)}, nil)

	pages := []image.Image{whitePage(100, 100), whitePage(100, 100)}
	blocks := []layout.Block{{Page: 0, BBox: [4]int{0, 0, 50, 50}, Type: layout.TypeTable}}

	results := f.proc.ProcessTextBlocks(context.Background(), pages, blocks)
	if len(results) != 2 {
		t.Fatalf("got %d results, want one per page", len(results))
	}
	for i, r := range results {
		if r.Page != i || r.BBox != [4]int{0, 0, 100, 100} {
			t.Errorf("results[%d] = page %d bbox %v", i, r.Page, r.BBox)
		}
	}
}

func TestAggregate(t *testing.T) {
	tests := []struct {
		name     string
		results  []BlockResult
		wantText string
		wantConf float64
	}{
		{"none", nil, "", 0},
		{"empty blocks count", []BlockResult{{Text: "a", Confidence: 1}, {Confidence: 0}, {Text: "b", Confidence: 0.5}}, "a\nb", 0.5},
		{"all empty", []BlockResult{{}, {}}, "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, conf := aggregate(tt.results)
			if text != tt.wantText || conf != tt.wantConf {
				t.Errorf("aggregate() = (%q, %v), want (%q, %v)", text, conf, tt.wantText, tt.wantConf)
			}
		})
	}
}

func TestMergeBlocksKeepsTableSlots(t *testing.T) {
	blocks := []layout.Block{
		{Type: layout.TypeText},
		{Type: layout.TypeTable, Rotation: 90},
		{Type: layout.TypeTitle},
	}
	results := []BlockResult{{ID: 0, Text: "a", Confidence: 0.8}, {ID: 2, Text: "b", Confidence: 0.7}}

	merged := mergeBlocks(blocks, results)
	if len(merged) != 3 {
		t.Fatalf("got %d blocks", len(merged))
	}
	if merged[0].Text != "a" || merged[2].Text != "b" {
		t.Errorf("text blocks not merged: %+v", merged)
	}
	if merged[1].Text != "" || merged[1].Confidence != 0 || merged[1].Rotation != 90 || merged[1].ID != 1 {
		t.Errorf("table slot = %+v", merged[1])
	}
}

func TestProcessFileLayoutPath(t *testing.T) {
	engine := &fakeEngine{name: "tesseract", text: "FACTURA 2024\nTotal 1.250,00", conf: 0.85}
	renderer := &pdfdoc.FileRenderer{}
	f := newFixture(t, Components{
		Adapter:  newAdapter(t, engine),
		Detector: layout.NewDetector(nil, renderer),
		Renderer: renderer,
	}, nil)

	src := f.write(t, filepath.Join("sub", "scan.png"), pngBytes(t, whitePage(120, 80)))

	res := f.proc.ProcessFile(context.Background(), src)
	if res.Status != storage.StatusOK {
		t.Fatalf("status = %s, err = %v", res.Status, res.Err)
	}
	wantDest := filepath.Join(f.processed, "sub", "scan.png")
	if res.Path != wantDest {
		t.Errorf("path = %s, want %s", res.Path, wantDest)
	}
	if exists(src) || !exists(wantDest) {
		t.Errorf("file not moved into processed tree")
	}
	for _, ext := range []string{".json", ".md", ".html"} {
		if !exists(filepath.Join(f.processed, "sub", "scan"+ext)) {
			t.Errorf("missing %s side output", ext)
		}
	}

	docs := f.store.Documents()
	if len(docs) != 1 || docs[0].Type != TypeImage || docs[0].WorkflowState != WorkflowVerified {
		t.Fatalf("documents = %+v", docs)
	}
	recs := f.store.Results()
	if len(recs) != 1 {
		t.Fatalf("got %d ocr records", len(recs))
	}
	if recs[0].Language != "spa" || recs[0].Confidence != 0.85 {
		t.Errorf("record = %+v", recs[0])
	}
	if !strings.Contains(recs[0].Markdown, "## FACTURA 2024") {
		t.Errorf("markdown = %q", recs[0].Markdown)
	}
	if recs[0].StructuredData == nil {
		t.Error("expected structured fields")
	}
}

func TestProcessFileWholeDocumentPath(t *testing.T) {
	engine := &fakeEngine{name: "tesseract", text: "hello", conf: 0.7}
	f := newFixture(t, Components{Adapter: newAdapter(t, engine)}, func(c *Config) {
		c.OutputFormats = nil
		c.DeleteOriginal = false
	})

	src := f.write(t, "page.png", pngBytes(t, whitePage(60, 40)))
	res := f.proc.ProcessFile(context.Background(), src)
	if res.Status != storage.StatusOK {
		t.Fatalf("status = %s, err = %v", res.Status, res.Err)
	}
	if !exists(src) {
		t.Error("original removed although delete_original is off")
	}
	if exists(filepath.Join(f.processed, "page.json")) {
		t.Error("json written although no format is configured")
	}
	recs := f.store.Results()
	if len(recs) != 1 || recs[0].Text != "hello" || recs[0].Blocks != nil {
		t.Errorf("records = %+v", recs)
	}
}

func TestProcessFileDuplicate(t *testing.T) {
	engine := &fakeEngine{name: "tesseract", text: "same", conf: 0.9}
	f := newFixture(t, Components{Adapter: newAdapter(t, engine)}, nil)

	data := pngBytes(t, whitePage(50, 50))
	first := f.proc.ProcessFile(context.Background(), f.write(t, "a.png", data))
	if first.Status != storage.StatusOK {
		t.Fatalf("first status = %s", first.Status)
	}

	dup := f.write(t, "b.png", data)
	res := f.proc.ProcessFile(context.Background(), dup)
	if res.Status != storage.StatusDuplicate {
		t.Fatalf("status = %s, want DUPLICATE", res.Status)
	}
	if res.DocID != first.DocID || res.Path != first.Path {
		t.Errorf("duplicate = %+v, want reference to %+v", res, first)
	}
	if exists(dup) {
		t.Error("incoming duplicate not removed")
	}
	if n := len(f.store.Documents()); n != 1 {
		t.Errorf("got %d documents, duplicate must not be stored", n)
	}
}

func TestProcessFileFailures(t *testing.T) {
	tests := []struct {
		name     string
		file     string
		data     []byte
		renderer *stubRenderer
		wantCode apperrors.ErrorCode
	}{
		{"unsupported format", "notes.txt", []byte("plain text notes"), nil, apperrors.ErrorUnsupportedFormat},
		{"render failure", "broken.pdf", []byte("%PDF-1.7 truncated"), &stubRenderer{err: errors.New("corrupt")}, apperrors.ErrorRenderFailed},
		{"no pages", "empty.pdf", []byte("%PDF-1.4 nothing"), &stubRenderer{}, apperrors.ErrorRenderFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Components{Adapter: newAdapter(t, &fakeEngine{name: "tesseract", text: "x", conf: 1})}
			if tt.renderer != nil {
				c.Renderer = tt.renderer
			}
			f := newFixture(t, c, nil)

			src := f.write(t, filepath.Join("sub", tt.file), tt.data)
			res := f.proc.ProcessFile(context.Background(), src)
			if res.Status != storage.StatusFailed {
				t.Fatalf("status = %s, want FAILED", res.Status)
			}
			if got := apperrors.CodeOf(res.Err); got != tt.wantCode {
				t.Errorf("code = %s, want %s", got, tt.wantCode)
			}
			if res.DocID != 0 {
				t.Errorf("failed result carries doc id %d", res.DocID)
			}
			wantDest := filepath.Join(f.failed, "sub", tt.file)
			if res.Path != wantDest || !exists(wantDest) || exists(src) {
				t.Errorf("file not moved to %s (path %s)", wantDest, res.Path)
			}

			docs := f.store.Documents()
			if len(docs) != 1 {
				t.Fatalf("got %d failure records", len(docs))
			}
			d := docs[0]
			if d.Status != storage.StatusFailed || len(d.Tags) != 1 || d.Tags[0] != TagFailed || d.ErrorMessage == "" {
				t.Errorf("failure record = %+v", d)
			}
		})
	}
}

func TestDetectMimeTypeFromMagicBytes(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"pdf", []byte("%PDF-1.7\n"), "application/pdf"},
		{"png", []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}, "image/png"},
		{"jpeg", []byte{0xFF, 0xD8, 0xFF, 0xE0}, "image/jpeg"},
		{"tiff le", []byte{'I', 'I', 0x2A, 0x00, 0x08}, "image/tiff"},
		{"tiff be", []byte{'M', 'M', 0x00, 0x2A, 0x00}, "image/tiff"},
		{"webp", []byte("RIFF\x00\x00\x00\x00WEBPVP8 "), "image/webp"},
		{"zip", []byte{'P', 'K', 0x03, 0x04, 0x14}, "application/zip"},
		{"text", []byte("hello world"), ""},
		{"short", []byte("%P"), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := detectMimeTypeFromMagicBytes(tt.data); got != tt.want {
				t.Errorf("detectMimeTypeFromMagicBytes() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestProcessTextBlocksAutoModeHintsNameAnsweringEngines(t *testing.T) {
	paddle := &fakeEngine{name: "paddleocr", text: "alpha", conf: 0.3}
	easy := &fakeEngine{name: "easyocr", text: "zzzzz", conf: 0.5}

	reg := ocr.NewRegistry()
	for _, e := range []*fakeEngine{paddle, easy} {
		e := e
		reg.Register(e.name, func(ctx context.Context, spec ocr.Spec) (ocr.Engine, error) {
			return e, nil
		})
	}
	adapter, err := ocr.NewAdapter(context.Background(), reg, ocr.Options{
		Engines: []ocr.EngineOptions{{Name: "paddleocr"}, {Name: "easyocr"}},
		Primary: ocr.EngineAuto,
	})
	if err != nil {
		t.Fatal(err)
	}

	fcfg := fusion.DefaultConfig()
	fcfg.Strategy = fusion.StrategyLevenshtein
	fcfg.Priority = []string{"paddleocr", "easyocr"}
	f := newFixture(t, Components{Adapter: adapter, Fusion: fusion.NewManager(fcfg)}, nil)

	pages := []image.Image{whitePage(200, 200)}
	blocks := []layout.Block{{Page: 0, BBox: [4]int{0, 0, 100, 50}, Type: layout.TypeText}}

	results := f.proc.ProcessTextBlocks(context.Background(), pages, blocks)
	if len(results) != 1 {
		t.Fatalf("got %d results", len(results))
	}
	if r := results[0]; r.Text != "alpha" || r.Confidence != 0.3 {
		t.Errorf("fused = (%q, %v), want the prioritized paddleocr text", r.Text, r.Confidence)
	}
	if atomic.LoadInt32(&paddle.calls) != 1 || atomic.LoadInt32(&easy.calls) != 1 {
		t.Errorf("calls paddle=%d easy=%d, want one each", paddle.calls, easy.calls)
	}
}
