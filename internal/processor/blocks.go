package processor

import (
	"context"
	"fmt"
	"image"
	"strings"
	"sync"

	"github.com/adverant/nexus/digitizer-worker/internal/fusion"
	"github.com/adverant/nexus/digitizer-worker/internal/layout"
	"github.com/adverant/nexus/digitizer-worker/internal/ocr"
	"github.com/adverant/nexus/digitizer-worker/internal/pdfdoc"
)

// BlockResult is the recognized content of one layout block
type BlockResult struct {
	ID                  int              `json:"id"`
	Page                int              `json:"page"`
	BBox                [4]int           `json:"bbox"`
	Type                layout.BlockType `json:"type"`
	Rotation            float64          `json:"rotation"`
	Text                string           `json:"text"`
	Confidence          float64          `json:"confidence"`
	PrimaryConfidence   float64          `json:"primary_confidence"`
	SecondaryConfidence float64          `json:"secondary_confidence"`
}

func emptyResult(id int, b layout.Block) BlockResult {
	return BlockResult{
		ID:       id,
		Page:     b.Page,
		BBox:     b.BBox,
		Type:     b.Type,
		Rotation: b.Rotation,
	}
}

// ProcessTextBlocks recognizes every text-like block of a sorted block
// list. When there is none, whole-page blocks are used instead. Results
// come back in block order whatever order the workers finish in.
func (p *DocumentProcessor) ProcessTextBlocks(ctx context.Context, pages []image.Image, blocks []layout.Block) []BlockResult {
	type job struct {
		id    int
		block layout.Block
	}

	var jobs []job
	for i, b := range blocks {
		if b.Type.IsTextLike() {
			jobs = append(jobs, job{id: i, block: b})
		}
	}
	if len(jobs) == 0 {
		for i, b := range layout.FallbackBlocks(pages) {
			jobs = append(jobs, job{id: i, block: b})
		}
	}

	results := make([]BlockResult, len(jobs))
	workers := p.cfg.BlockWorkers
	if workers < 1 {
		workers = 1
	}
	sem := make(chan struct{}, workers)

	var wg sync.WaitGroup
	for i, j := range jobs {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, j job) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = p.processBlock(ctx, pages, j.id, j.block)
		}(i, j)
	}
	wg.Wait()

	return results
}

// processBlock runs primary, optional secondary and fusion for one block.
// A panic anywhere in recognition leaves the block empty.
func (p *DocumentProcessor) processBlock(ctx context.Context, pages []image.Image, id int, b layout.Block) (out BlockResult) {
	out = emptyResult(id, b)
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Block recognition panicked",
				"block", id,
				"page", b.Page,
				"error", fmt.Sprint(r))
			out = emptyResult(id, b)
		}
	}()

	if b.Page < 0 || b.Page >= len(pages) {
		p.logger.Debug("Block references missing page", "block", id, "page", b.Page)
		return out
	}
	if ctx.Err() != nil {
		return out
	}
	page := pages[b.Page]

	primary := p.adapter.ExtractBlock(ctx, page, b.BBox, ocr.RolePrimary)

	var secondary ocr.Result
	if p.cfg.RecheckThreshold > 0 && primary.Confidence < p.cfg.RecheckThreshold && p.adapter.HasSecondary() {
		secondary = p.adapter.ExtractSecondary(ctx, page, b.BBox, primary.Engine)
	}

	// hints name the engines that answered, auto mode included
	hints := fusion.Hints{
		BlockType:       string(b.Type),
		PrimaryEngine:   primary.Engine,
		SecondaryEngine: secondary.Engine,
	}
	if hints.PrimaryEngine == "" {
		hints.PrimaryEngine = p.adapter.PrimaryName()
	}
	if hints.SecondaryEngine == "" {
		hints.SecondaryEngine = p.adapter.SecondaryName()
	}
	text, conf := p.fusion.Fuse(primary.Text, primary.Confidence, secondary.Text, secondary.Confidence, hints)

	out.Text = text
	out.Confidence = conf
	out.PrimaryConfidence = primary.Confidence
	out.SecondaryConfidence = secondary.Confidence
	return out
}

// mergeBlocks lays text results over the full sorted block list. Blocks
// without a text result (tables, figures) keep empty text.
func mergeBlocks(blocks []layout.Block, results []BlockResult) []BlockResult {
	byID := make(map[int]BlockResult, len(results))
	for _, r := range results {
		byID[r.ID] = r
	}

	out := make([]BlockResult, 0, len(blocks))
	for i, b := range blocks {
		if r, ok := byID[i]; ok && b.Type.IsTextLike() {
			out = append(out, r)
			continue
		}
		out = append(out, emptyResult(i, b))
	}
	return out
}

// withFallback adds whole-page blocks when no block would be read as text,
// keeping ids aligned with the returned list.
func withFallback(blocks []layout.Block, pages []image.Image) []layout.Block {
	for _, b := range blocks {
		if b.Type.IsTextLike() {
			return blocks
		}
	}
	out := append(layout.FallbackBlocks(pages), blocks...)
	layout.SortBlocks(out)
	return out
}

// aggregate joins non-empty texts in order. Confidence is the mean over
// every text result; a block that produced nothing counts as 0.0.
func aggregate(results []BlockResult) (string, float64) {
	var (
		texts []string
		sum   float64
	)
	for _, r := range results {
		if r.Text != "" {
			texts = append(texts, r.Text)
		}
		sum += r.Confidence
	}
	if len(results) == 0 {
		return "", 0
	}
	return strings.TrimSpace(strings.Join(texts, "\n")), sum / float64(len(results))
}

// nativeResults turns text-layer paragraphs into block results
func nativeResults(blocks []pdfdoc.TextBlock) []BlockResult {
	out := make([]BlockResult, 0, len(blocks))
	for i, b := range blocks {
		out = append(out, BlockResult{
			ID:                i,
			Page:              b.Page,
			BBox:              b.BBox,
			Type:              layout.TypeText,
			Text:              b.Text,
			Confidence:        pdfdoc.NativeConfidence,
			PrimaryConfidence: pdfdoc.NativeConfidence,
		})
	}
	return out
}
