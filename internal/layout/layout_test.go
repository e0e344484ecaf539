package layout

import (
	"context"
	"errors"
	"image"
	"reflect"
	"testing"

	"github.com/adverant/nexus/digitizer-worker/internal/clients"
)

type stubModel struct {
	perPage map[int][]Region
	fail    map[int]bool
	calls   int
}

func (m *stubModel) Detect(ctx context.Context, page image.Image) ([]Region, error) {
	i := m.calls
	m.calls++
	if m.fail[i] {
		return nil, errors.New("model crashed")
	}
	return m.perPage[i], nil
}

type stubRenderer struct {
	pages []image.Image
	err   error
}

func (r *stubRenderer) Render(ctx context.Context, path string) ([]image.Image, error) {
	return r.pages, r.err
}

func page(w, h int) image.Image {
	return image.NewGray(image.Rect(0, 0, w, h))
}

func TestNormalizeLabel(t *testing.T) {
	tests := map[string]BlockType{
		"text":           TypeText,
		"Title":          TypeTitle,
		"table":          TypeTable,
		"figure":         TypeFigure,
		"header":         TypeTitle,
		"footer":         TypeOther,
		"caption":        TypeText,
		"list":           TypeText,
		"figure_caption": TypeFigure,
		"equation":       TypeOther,
		"seal":           TypeOther,
		"":               TypeOther,
	}
	for in, want := range tests {
		t.Run(in, func(t *testing.T) {
			if got := NormalizeLabel(in); got != want {
				t.Errorf("NormalizeLabel(%q) = %q, want %q", in, got, want)
			}
		})
	}
}

func TestNormalizeBBox(t *testing.T) {
	tests := []struct {
		name   string
		in     []float64
		want   [4]int
		wantOK bool
	}{
		{"four values rounded", []float64{1.4, 2.6, 10.5, 20}, [4]int{1, 3, 11, 20}, true},
		{"quad", []float64{10, 5, 50, 7, 48, 30, 9, 28}, [4]int{9, 5, 50, 30}, true},
		{"wrong length", []float64{1, 2, 3}, [4]int{}, false},
		{"nil", nil, [4]int{}, false},
		{"degenerate", []float64{5, 5, 5, 10}, [4]int{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := NormalizeBBox(tt.in)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && got != tt.want {
				t.Errorf("box = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDetectBlocksWithoutModel(t *testing.T) {
	d := NewDetector(nil, nil)
	blocks, err := d.DetectBlocks(context.Background(), "doc.png", []image.Image{page(100, 200), page(50, 60)})
	if err != nil {
		t.Fatal(err)
	}
	want := []Block{
		{Page: 0, BBox: [4]int{0, 0, 100, 200}, Type: TypeText, Confidence: 1.0},
		{Page: 1, BBox: [4]int{0, 0, 50, 60}, Type: TypeText, Confidence: 1.0},
	}
	if !reflect.DeepEqual(blocks, want) {
		t.Errorf("blocks = %+v", blocks)
	}
}

func TestDetectBlocksPageFailureIsLocal(t *testing.T) {
	model := &stubModel{
		perPage: map[int][]Region{
			0: {
				{Type: "header", BBox: []float64{0, 0, 100, 20}, Score: 0.9},
				{Type: "table", BBox: []float64{0, 30, 100, 80, 0, 80, 100, 30}, Score: 0.8},
				{Type: "text", BBox: []float64{1, 2}, Score: 0.7},
			},
		},
		fail: map[int]bool{1: true},
	}
	d := NewDetector(model, nil)

	blocks, err := d.DetectBlocks(context.Background(), "doc.pdf", []image.Image{page(100, 100), page(80, 90)})
	if err != nil {
		t.Fatal(err)
	}
	want := []Block{
		{Page: 0, BBox: [4]int{0, 0, 100, 20}, Type: TypeTitle, Confidence: 0.9},
		{Page: 0, BBox: [4]int{0, 30, 100, 80}, Type: TypeTable, Confidence: 0.8},
		{Page: 1, BBox: [4]int{0, 0, 80, 90}, Type: TypeText, Confidence: 0.0},
	}
	if !reflect.DeepEqual(blocks, want) {
		t.Errorf("blocks = %+v", blocks)
	}
}

func TestDetectBlocksRendersWhenPagesNil(t *testing.T) {
	d := NewDetector(nil, &stubRenderer{pages: []image.Image{page(10, 10)}})
	blocks, err := d.DetectBlocks(context.Background(), "doc.pdf", nil)
	if err != nil || len(blocks) != 1 {
		t.Fatalf("blocks = %v, err = %v", blocks, err)
	}

	d = NewDetector(nil, &stubRenderer{err: errors.New("bad pdf")})
	if _, err := d.DetectBlocks(context.Background(), "doc.pdf", nil); err == nil {
		t.Error("expected render error")
	}
}

func TestSortBlocks(t *testing.T) {
	blocks := []Block{
		{Page: 1, BBox: [4]int{0, 0, 1, 1}},
		{Page: 0, BBox: [4]int{50, 10, 60, 20}},
		{Page: 0, BBox: [4]int{5, 10, 6, 20}},
		{Page: 0, BBox: [4]int{0, 0, 100, 5}},
	}
	SortBlocks(blocks)
	want := [][4]int{{0, 0, 100, 5}, {5, 10, 6, 20}, {50, 10, 60, 20}, {0, 0, 1, 1}}
	for i, b := range blocks {
		if b.BBox != want[i] {
			t.Errorf("position %d = %v, want %v", i, b.BBox, want[i])
		}
	}
}

func TestByPage(t *testing.T) {
	blocks := []Block{
		{Page: 0, Type: TypeTable},
		{Page: 0, Type: TypeText},
		{Page: 2, Type: TypeTable},
	}
	got := ByPage(blocks, TypeTable)
	if len(got) != 2 || len(got[0]) != 1 || len(got[2]) != 1 {
		t.Errorf("ByPage = %v", got)
	}
}

type stubLayoutClient struct{}

func (stubLayoutClient) AnalyzeLayout(ctx context.Context, imageData []byte) ([]clients.LayoutRegion, error) {
	if len(imageData) == 0 {
		return nil, errors.New("empty image")
	}
	return []clients.LayoutRegion{{Type: "title", BBox: []float64{1, 1, 9, 9}, Score: 0.5}}, nil
}

func TestServiceModel(t *testing.T) {
	regions, err := NewServiceModel(stubLayoutClient{}).Detect(context.Background(), page(10, 10))
	if err != nil {
		t.Fatal(err)
	}
	if len(regions) != 1 || regions[0].Type != "title" || regions[0].Score != 0.5 {
		t.Errorf("regions = %+v", regions)
	}
}
