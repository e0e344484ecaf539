package pdfdoc

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
)

// NativeConfidence is the confidence assigned to text-layer blocks
const NativeConfidence = 0.99

// TextBlock is one paragraph read from a PDF text layer. BBox is
// [left, top, right, bottom] in PDF points with a top-left origin.
type TextBlock struct {
	Page int
	BBox [4]int
	Text string
}

// NativeReader decides whether a PDF carries a usable text layer and, if
// so, reads it as blocks.
type NativeReader struct {
	MinCharsPerPage int
	SamplePages     int
}

// NewNativeReader uses 50 chars/page over the first 3 pages when unset
func NewNativeReader(minCharsPerPage, samplePages int) *NativeReader {
	if minCharsPerPage <= 0 {
		minCharsPerPage = 50
	}
	if samplePages <= 0 {
		samplePages = 3
	}
	return &NativeReader{MinCharsPerPage: minCharsPerPage, SamplePages: samplePages}
}

// IsNativeDensity reports whether the average of counts reaches threshold.
// An empty sample is never native.
func IsNativeDensity(counts []int, threshold int) (float64, bool) {
	if len(counts) == 0 {
		return 0, false
	}
	total := 0
	for _, c := range counts {
		total += c
	}
	avg := float64(total) / float64(len(counts))
	return avg, avg >= float64(threshold)
}

// Extract returns the text-layer blocks of a natively digital PDF. For a
// scanned PDF it returns (nil, avg, false, nil).
func (r *NativeReader) Extract(path string) (blocks []TextBlock, avgChars float64, native bool, err error) {
	defer func() {
		// malformed content streams panic inside the reader
		if rec := recover(); rec != nil {
			blocks, native = nil, false
			err = fmt.Errorf("text layer unreadable: %v", rec)
		}
	}()

	f, reader, err := pdf.Open(path)
	if err != nil {
		return nil, 0, false, fmt.Errorf("failed to open PDF: %w", err)
	}
	defer f.Close()

	total := reader.NumPage()
	if total == 0 {
		return nil, 0, false, nil
	}

	sample := r.SamplePages
	if sample > total {
		sample = total
	}
	pages := make([][]pdf.Text, total)
	counts := make([]int, 0, sample)
	for i := 0; i < sample; i++ {
		pages[i] = pageTexts(reader.Page(i + 1))
		counts = append(counts, charCount(pages[i]))
	}

	avgChars, native = IsNativeDensity(counts, r.MinCharsPerPage)
	if !native {
		return nil, avgChars, false, nil
	}

	for i := 0; i < total; i++ {
		page := reader.Page(i + 1)
		if i >= sample {
			pages[i] = pageTexts(page)
		}
		blocks = append(blocks, paragraphs(pages[i], i, pageHeight(page))...)
	}
	return blocks, avgChars, true, nil
}

func pageTexts(p pdf.Page) []pdf.Text {
	if p.V.IsNull() {
		return nil
	}
	var out []pdf.Text
	for _, t := range p.Content().Text {
		if strings.TrimSpace(t.S) != "" {
			out = append(out, t)
		}
	}
	return out
}

func charCount(texts []pdf.Text) int {
	n := 0
	for _, t := range texts {
		n += utf8.RuneCountInString(t.S)
	}
	return n
}

// pageHeight reads the (possibly inherited) MediaBox; 792pt when absent
func pageHeight(p pdf.Page) float64 {
	for v := p.V; !v.IsNull(); v = v.Key("Parent") {
		box := v.Key("MediaBox")
		if box.Len() == 4 {
			return box.Index(3).Float64() - box.Index(1).Float64()
		}
	}
	return 792
}

type textLine struct {
	x0, x1, y float64
	size      float64
	text      string
}

// lines groups glyphs into baseline rows, top of the page first
func lines(texts []pdf.Text) []textLine {
	sorted := make([]pdf.Text, len(texts))
	copy(sorted, texts)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Y != sorted[j].Y {
			return sorted[i].Y > sorted[j].Y
		}
		return sorted[i].X < sorted[j].X
	})

	var rows [][]pdf.Text
	for _, t := range sorted {
		tolerance := math.Max(t.FontSize*0.3, 1)
		if n := len(rows); n > 0 && math.Abs(rows[n-1][0].Y-t.Y) <= tolerance {
			rows[n-1] = append(rows[n-1], t)
			continue
		}
		rows = append(rows, []pdf.Text{t})
	}

	out := make([]textLine, 0, len(rows))
	for _, row := range rows {
		sort.SliceStable(row, func(i, j int) bool { return row[i].X < row[j].X })
		var sb strings.Builder
		line := textLine{x0: row[0].X, y: row[0].Y}
		end := row[0].X
		for i, t := range row {
			if i > 0 && t.X-end > math.Max(t.FontSize*0.25, 1) {
				sb.WriteByte(' ')
			}
			sb.WriteString(t.S)
			end = math.Max(end, t.X+t.W)
			line.size = math.Max(line.size, t.FontSize)
		}
		line.x1 = end
		line.text = strings.TrimSpace(sb.String())
		if line.text != "" {
			out = append(out, line)
		}
	}
	return out
}

// paragraphs merges consecutive lines separated by less than 1.6 line
// heights into one block.
func paragraphs(texts []pdf.Text, page int, height float64) []TextBlock {
	var blocks []TextBlock
	var cur []textLine

	flush := func() {
		if len(cur) == 0 {
			return
		}
		left, right := cur[0].x0, cur[0].x1
		texts := make([]string, 0, len(cur))
		for _, l := range cur {
			left = math.Min(left, l.x0)
			right = math.Max(right, l.x1)
			texts = append(texts, l.text)
		}
		first, last := cur[0], cur[len(cur)-1]
		top := height - (first.y + first.size)
		bottom := height - last.y + last.size*0.25
		blocks = append(blocks, TextBlock{
			Page: page,
			BBox: [4]int{
				int(math.Floor(math.Max(left, 0))),
				int(math.Floor(math.Max(top, 0))),
				int(math.Ceil(right)),
				int(math.Ceil(bottom)),
			},
			Text: strings.Join(texts, "\n"),
		})
		cur = nil
	}

	for _, l := range lines(texts) {
		if n := len(cur); n > 0 {
			prev := cur[n-1]
			if prev.y-l.y > 1.6*math.Max(prev.size, 1) {
				flush()
			}
		}
		cur = append(cur, l)
	}
	flush()
	return blocks
}
