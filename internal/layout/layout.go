/**
 * Layout Detector
 *
 * Splits each page into typed regions (text, title, table, figure, other)
 * using a structure model. Detection failures are page-local: the page
 * falls back to one whole-page text block.
 */

package layout

import (
	"context"
	"image"
	"math"
	"path/filepath"
	"sort"
	"strings"

	apperrors "github.com/adverant/nexus/digitizer-worker/internal/errors"
	"github.com/adverant/nexus/digitizer-worker/internal/logging"
	"github.com/adverant/nexus/digitizer-worker/internal/pdfdoc"
)

// BlockType is the normalized region label
type BlockType string

const (
	TypeText   BlockType = "text"
	TypeTitle  BlockType = "title"
	TypeTable  BlockType = "table"
	TypeFigure BlockType = "figure"
	TypeOther  BlockType = "other"
)

// IsTextLike reports whether blocks of this type go through text OCR
func (t BlockType) IsTextLike() bool {
	return t == TypeText || t == TypeTitle || t == TypeOther
}

var labels = map[string]BlockType{
	"text":           TypeText,
	"title":          TypeTitle,
	"table":          TypeTable,
	"figure":         TypeFigure,
	"header":         TypeTitle,
	"footer":         TypeOther,
	"caption":        TypeText,
	"list":           TypeText,
	"figure_caption": TypeFigure,
	"equation":       TypeOther,
}

// NormalizeLabel maps a model label onto BlockType; unknown labels are "other"
func NormalizeLabel(label string) BlockType {
	if t, ok := labels[strings.ToLower(strings.TrimSpace(label))]; ok {
		return t
	}
	return TypeOther
}

// Block is one region of a page, BBox is [left, top, right, bottom] in pixels
type Block struct {
	Page       int       `json:"page"`
	BBox       [4]int    `json:"bbox"`
	Type       BlockType `json:"type"`
	Rotation   float64   `json:"rotation"`
	Confidence float64   `json:"confidence"`
}

// Region is a raw model detection
type Region struct {
	Type     string
	BBox     []float64
	Score    float64
	Rotation float64
}

// Model detects regions on one page image
type Model interface {
	Detect(ctx context.Context, page image.Image) ([]Region, error)
}

// NormalizeBBox accepts [l, t, r, b] or four corner points
// [x1, y1, ..., x4, y4]. Other shapes and empty boxes yield ok=false.
func NormalizeBBox(values []float64) (box [4]int, ok bool) {
	switch len(values) {
	case 4:
		for i, v := range values {
			box[i] = int(math.Round(v))
		}
	case 8:
		minX, minY := math.Inf(1), math.Inf(1)
		maxX, maxY := math.Inf(-1), math.Inf(-1)
		for i := 0; i < 8; i += 2 {
			minX = math.Min(minX, values[i])
			maxX = math.Max(maxX, values[i])
			minY = math.Min(minY, values[i+1])
			maxY = math.Max(maxY, values[i+1])
		}
		box = [4]int{
			int(math.Round(minX)),
			int(math.Round(minY)),
			int(math.Round(maxX)),
			int(math.Round(maxY)),
		}
	default:
		return box, false
	}
	if box[2] <= box[0] || box[3] <= box[1] {
		return box, false
	}
	return box, true
}

// Detector produces layout blocks for a document
type Detector struct {
	model    Model
	renderer pdfdoc.Renderer
	logger   *logging.Logger
}

// NewDetector creates a detector. A nil model means no structure model is
// available; every page then becomes a single text block.
func NewDetector(model Model, renderer pdfdoc.Renderer) *Detector {
	return &Detector{
		model:    model,
		renderer: renderer,
		logger:   logging.NewLogger("LayoutDetector"),
	}
}

// HasModel reports whether a structure model is configured
func (d *Detector) HasModel() bool {
	return d.model != nil
}

// DetectBlocks runs layout detection on pages, rendering documentPath
// first when pages is nil. The only error is a failure to render.
func (d *Detector) DetectBlocks(ctx context.Context, documentPath string, pages []image.Image) ([]Block, error) {
	if pages == nil {
		if d.renderer == nil {
			return nil, apperrors.NewRenderFailedError(documentPath, nil)
		}
		rendered, err := d.renderer.Render(ctx, documentPath)
		if err != nil {
			return nil, err
		}
		pages = rendered
	}

	var blocks []Block
	for i, page := range pages {
		if d.model == nil {
			blocks = append(blocks, WholePage(i, page, 1.0))
			continue
		}

		regions, err := d.detectPage(ctx, page)
		if err != nil {
			d.logger.Error("Layout detection failed",
				"error", apperrors.NewLayoutDetectionError(documentPath, i, err),
				"file", filepath.Base(documentPath),
				"page", i)
			blocks = append(blocks, WholePage(i, page, 0.0))
			continue
		}

		for _, r := range regions {
			box, ok := NormalizeBBox(r.BBox)
			if !ok {
				continue
			}
			blocks = append(blocks, Block{
				Page:       i,
				BBox:       box,
				Type:       NormalizeLabel(r.Type),
				Rotation:   r.Rotation,
				Confidence: r.Score,
			})
		}
	}
	return blocks, nil
}

func (d *Detector) detectPage(ctx context.Context, page image.Image) (regions []Region, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperrors.NewLayoutDetectionError("", 0, nil)
			d.logger.Error("Layout model panicked", "panic", r)
		}
	}()
	return d.model.Detect(ctx, page)
}

// WholePage is a text block covering the full page
func WholePage(page int, img image.Image, confidence float64) Block {
	b := img.Bounds()
	return Block{
		Page:       page,
		BBox:       [4]int{0, 0, b.Dx(), b.Dy()},
		Type:       TypeText,
		Confidence: confidence,
	}
}

// FallbackBlocks returns one whole-page text block per page
func FallbackBlocks(pages []image.Image) []Block {
	blocks := make([]Block, 0, len(pages))
	for i, p := range pages {
		blocks = append(blocks, WholePage(i, p, 1.0))
	}
	return blocks
}

// SortBlocks orders blocks by page, then top edge, then left edge
func SortBlocks(blocks []Block) {
	sort.SliceStable(blocks, func(i, j int) bool {
		a, b := blocks[i], blocks[j]
		if a.Page != b.Page {
			return a.Page < b.Page
		}
		if a.BBox[1] != b.BBox[1] {
			return a.BBox[1] < b.BBox[1]
		}
		return a.BBox[0] < b.BBox[0]
	})
}

// ByPage groups blocks of one type by page index, keeping their order
func ByPage(blocks []Block, t BlockType) map[int][]Block {
	out := make(map[int][]Block)
	for _, b := range blocks {
		if b.Type == t {
			out[b.Page] = append(out[b.Page], b)
		}
	}
	return out
}
