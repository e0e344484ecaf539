/**
 * Table Extractor
 *
 * Runs structure recognition on every table block, rebuilds the dense
 * grid from the recognizer's cell list and exports it as CSV plus the
 * raw structure as JSON. A failing table is logged and skipped.
 */

package tables

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"strings"

	apperrors "github.com/adverant/nexus/digitizer-worker/internal/errors"
	"github.com/adverant/nexus/digitizer-worker/internal/imaging"
	"github.com/adverant/nexus/digitizer-worker/internal/layout"
	"github.com/adverant/nexus/digitizer-worker/internal/logging"
	"github.com/adverant/nexus/digitizer-worker/internal/pdfdoc"
)

// Cell is one recognized cell. Spans below 1 count as 1.
type Cell struct {
	Row     int    `json:"row"`
	Col     int    `json:"col"`
	RowSpan int    `json:"row_span"`
	ColSpan int    `json:"col_span"`
	Text    string `json:"text"`
}

// Structure is the recognizer's description of one table
type Structure struct {
	HTML  string `json:"html,omitempty"`
	Cells []Cell `json:"cells"`
}

// Item is one recognizer detection; only Type "table" is used
type Item struct {
	Type      string
	Structure Structure
}

// Recognizer reads table structure from a cropped table image
type Recognizer interface {
	RecognizeTable(ctx context.Context, crop image.Image) ([]Item, error)
}

// Result describes one exported table
type Result struct {
	Page      int       `json:"page"`
	BBox      [4]int    `json:"bbox"`
	CSVPath   string    `json:"csv_path"`
	JSONPath  string    `json:"json_path"`
	Structure Structure `json:"structure"`
}

// Extractor exports the tables of a document
type Extractor struct {
	recognizer Recognizer
	renderer   pdfdoc.Renderer
	outputDir  string
	logger     *logging.Logger
}

// NewExtractor creates an extractor writing into outputDir. A nil
// recognizer disables extraction.
func NewExtractor(recognizer Recognizer, renderer pdfdoc.Renderer, outputDir string) *Extractor {
	if outputDir == "" {
		outputDir = filepath.Join("data", "tables")
	}
	return &Extractor{
		recognizer: recognizer,
		renderer:   renderer,
		outputDir:  outputDir,
		logger:     logging.NewLogger("TableExtractor"),
	}
}

// OutputDir is where CSV and JSON exports are written
func (e *Extractor) OutputDir() string {
	return e.outputDir
}

// ExtractTables processes the table blocks of documentPath. pages are
// rendered from the document when nil. Only a render failure is returned
// as an error; per-table failures are skipped.
func (e *Extractor) ExtractTables(ctx context.Context, documentPath string, blocks []layout.Block, pages []image.Image) ([]Result, error) {
	byPage := layout.ByPage(blocks, layout.TypeTable)
	if len(byPage) == 0 {
		return nil, nil
	}

	if pages == nil {
		if e.renderer == nil {
			return nil, apperrors.NewRenderFailedError(documentPath, nil)
		}
		rendered, err := e.renderer.Render(ctx, documentPath)
		if err != nil {
			return nil, err
		}
		pages = rendered
	}

	if err := os.MkdirAll(e.outputDir, 0755); err != nil {
		return nil, apperrors.NewStorageFailedError(documentPath, err)
	}

	pageIndexes := make([]int, 0, len(byPage))
	for p := range byPage {
		pageIndexes = append(pageIndexes, p)
	}
	sort.Ints(pageIndexes)

	var results []Result
	for _, p := range pageIndexes {
		if p < 0 || p >= len(pages) {
			continue
		}
		for idx, block := range byPage[p] {
			if ctx.Err() != nil {
				return results, nil
			}
			res, err := e.extractOne(ctx, documentPath, pages[p], block, idx)
			if err != nil {
				e.logger.Error("Table extraction failed",
					"error", apperrors.NewTableExtractionError(documentPath, p, idx, err))
				continue
			}
			if res != nil {
				results = append(results, *res)
			}
		}
	}
	return results, nil
}

func (e *Extractor) extractOne(ctx context.Context, documentPath string, page image.Image, block layout.Block, idx int) (res *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	id := TableID(documentPath, block.Page, idx)
	crop := imaging.Crop(page, block.BBox)
	if crop == nil {
		return nil, nil
	}
	if e.recognizer == nil {
		e.logger.Warn("Table recognizer unavailable, skipping table", "table", id)
		return nil, nil
	}

	items, err := e.recognizer.RecognizeTable(ctx, crop)
	if err != nil {
		return nil, err
	}

	var structure *Structure
	for i := range items {
		if items[i].Type == "table" {
			structure = &items[i].Structure
			break
		}
	}
	if structure == nil {
		return nil, nil
	}

	csvPath := filepath.Join(e.outputDir, id+".csv")
	jsonPath := filepath.Join(e.outputDir, id+".json")
	grid, err := BuildGrid(structure.Cells)
	if err != nil {
		return nil, err
	}
	if err := writeCSV(csvPath, grid); err != nil {
		return nil, err
	}
	if err := writeJSON(jsonPath, structure); err != nil {
		return nil, err
	}

	e.logger.Debug("Table exported", "table", id, "cells", len(structure.Cells))
	return &Result{
		Page:      block.Page,
		BBox:      block.BBox,
		CSVPath:   csvPath,
		JSONPath:  jsonPath,
		Structure: *structure,
	}, nil
}

// TableID names a table's exports: {stem}_{sha1(abs path)[:8]}_{page:02d}_{index:02d}
func TableID(documentPath string, page, index int) string {
	abs, err := filepath.Abs(documentPath)
	if err != nil {
		abs = documentPath
	}
	sum := sha1.Sum([]byte(abs))
	base := filepath.Base(documentPath)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	return fmt.Sprintf("%s_%s_%02d_%02d", stem, hex.EncodeToString(sum[:])[:8], page, index)
}

// Grid bounds. Larger coordinates come from a misread structure, not a
// real scanned table.
const (
	maxGridDim   = 1000
	maxGridCells = 100_000
)

// ErrGridTooLarge is returned for cell lists whose grid exceeds the bounds
var ErrGridTooLarge = errors.New("table grid too large")

// BuildGrid expands a sparse cell list into a dense grid. Every coordinate
// a cell spans receives its text; overlapping cells are joined with a space.
func BuildGrid(cells []Cell) ([][]string, error) {
	rows, cols := 0, 0
	for _, c := range cells {
		c = normalizeCell(c)
		if c.Row >= maxGridDim || c.Col >= maxGridDim || c.RowSpan > maxGridDim || c.ColSpan > maxGridDim {
			return nil, fmt.Errorf("%w: cell at row %d col %d spans %dx%d", ErrGridTooLarge, c.Row, c.Col, c.RowSpan, c.ColSpan)
		}
		rows = max(rows, c.Row+c.RowSpan)
		cols = max(cols, c.Col+c.ColSpan)
	}
	if rows == 0 || cols == 0 {
		return nil, nil
	}
	if rows > maxGridDim || cols > maxGridDim || rows*cols > maxGridCells {
		return nil, fmt.Errorf("%w: %dx%d", ErrGridTooLarge, rows, cols)
	}

	grid := make([][]string, rows)
	for r := range grid {
		grid[r] = make([]string, cols)
	}
	for _, c := range cells {
		c = normalizeCell(c)
		for r := c.Row; r < c.Row+c.RowSpan; r++ {
			for col := c.Col; col < c.Col+c.ColSpan; col++ {
				if grid[r][col] != "" {
					grid[r][col] = strings.TrimSpace(grid[r][col] + " " + c.Text)
				} else {
					grid[r][col] = c.Text
				}
			}
		}
	}
	return grid, nil
}

func normalizeCell(c Cell) Cell {
	c.Row = max(c.Row, 0)
	c.Col = max(c.Col, 0)
	c.RowSpan = max(c.RowSpan, 1)
	c.ColSpan = max(c.ColSpan, 1)
	c.Text = strings.TrimSpace(c.Text)
	return c
}

func writeCSV(path string, grid [][]string) error {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.WriteAll(grid); err != nil {
		return fmt.Errorf("failed to encode csv: %w", err)
	}
	return os.WriteFile(path, buf.Bytes(), 0644)
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode json: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
