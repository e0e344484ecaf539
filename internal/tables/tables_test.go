package tables

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"image"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/adverant/nexus/digitizer-worker/internal/clients"
	"github.com/adverant/nexus/digitizer-worker/internal/layout"
)

type stubRecognizer struct {
	calls int
	fail  map[int]bool
	panic map[int]bool
	items []Item
}

func (s *stubRecognizer) RecognizeTable(ctx context.Context, crop image.Image) ([]Item, error) {
	i := s.calls
	s.calls++
	if s.panic[i] {
		panic("structure model crashed")
	}
	if s.fail[i] {
		return nil, errors.New("recognition failed")
	}
	return s.items, nil
}

func TestBuildGrid(t *testing.T) {
	tests := []struct {
		name    string
		cells   []Cell
		want    [][]string
		wantErr bool
	}{
		{"empty", nil, nil, false},
		{
			name: "simple",
			cells: []Cell{
				{Row: 0, Col: 0, Text: "a"},
				{Row: 0, Col: 1, Text: "b"},
				{Row: 1, Col: 1, Text: " c "},
			},
			want: [][]string{{"a", "b"}, {"", "c"}},
		},
		{
			name: "spans fill every coordinate",
			cells: []Cell{
				{Row: 0, Col: 0, ColSpan: 2, Text: "Header"},
				{Row: 1, Col: 0, RowSpan: 2, Text: "Side"},
				{Row: 1, Col: 1, Text: "x"},
			},
			want: [][]string{{"Header", "Header"}, {"Side", "x"}, {"Side", ""}},
		},
		{
			name: "overlap concatenates",
			cells: []Cell{
				{Row: 0, Col: 0, ColSpan: 2, Text: "left"},
				{Row: 0, Col: 1, Text: "right"},
			},
			want: [][]string{{"left", "left right"}},
		},
		{
			name:    "row far out of range",
			cells:   []Cell{{Row: 1 << 30, Col: 0, Text: "x"}},
			wantErr: true,
		},
		{
			name:    "span far out of range",
			cells:   []Cell{{Row: 0, Col: 0, ColSpan: 1 << 30, Text: "x"}},
			wantErr: true,
		},
		{
			name:    "too many cells overall",
			cells:   []Cell{{Row: 999, Col: 0}, {Row: 0, Col: 999}},
			wantErr: true,
		},
		{
			name:  "largest allowed row",
			cells: []Cell{{Row: 999, Col: 0, Text: "last"}},
			want: func() [][]string {
				g := make([][]string, 1000)
				for i := range g {
					g[i] = []string{""}
				}
				g[999][0] = "last"
				return g
			}(),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BuildGrid(tt.cells)
			if tt.wantErr {
				if !errors.Is(err, ErrGridTooLarge) {
					t.Fatalf("err = %v, want ErrGridTooLarge", err)
				}
				if got != nil {
					t.Errorf("grid allocated for rejected table")
				}
				return
			}
			if err != nil {
				t.Fatalf("BuildGrid: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("BuildGrid = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExtractTablesSkipsOversizedGrid(t *testing.T) {
	dir := t.TempDir()
	rec := &stubRecognizer{
		items: []Item{{Type: "table", Structure: Structure{Cells: []Cell{{Row: 1 << 30, Col: 1 << 30, Text: "x"}}}}},
	}
	ex := NewExtractor(rec, nil, dir)
	pages := []image.Image{image.NewGray(image.Rect(0, 0, 100, 100))}
	blocks := []layout.Block{{Page: 0, Type: layout.TypeTable, BBox: [4]int{0, 0, 100, 100}}}

	results, err := ex.ExtractTables(context.Background(), "doc.pdf", blocks, pages)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Errorf("oversized table exported: %+v", results)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("files written for skipped table: %d", len(entries))
	}
}

func TestTableID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "factura.final.pdf")
	abs, _ := filepath.Abs(path)
	sum := sha1.Sum([]byte(abs))
	want := "factura.final_" + hex.EncodeToString(sum[:])[:8] + "_03_01"

	if got := TableID(path, 3, 1); got != want {
		t.Errorf("TableID = %q, want %q", got, want)
	}
	if TableID(path, 3, 1) != TableID(path, 3, 1) {
		t.Error("TableID must be stable")
	}
}

func TestExtractTables(t *testing.T) {
	dir := t.TempDir()
	rec := &stubRecognizer{
		fail:  map[int]bool{1: true},
		panic: map[int]bool{2: true},
		items: []Item{
			{Type: "figure"},
			{Type: "table", Structure: Structure{Cells: []Cell{{Row: 0, Col: 0, Text: "Total"}, {Row: 0, Col: 1, Text: "12,50"}}}},
		},
	}
	ex := NewExtractor(rec, nil, dir)

	pages := []image.Image{image.NewGray(image.Rect(0, 0, 200, 200))}
	blocks := []layout.Block{
		{Page: 0, Type: layout.TypeText, BBox: [4]int{0, 0, 200, 20}},
		{Page: 0, Type: layout.TypeTable, BBox: [4]int{0, 20, 200, 80}},
		{Page: 0, Type: layout.TypeTable, BBox: [4]int{0, 80, 200, 120}},
		{Page: 0, Type: layout.TypeTable, BBox: [4]int{0, 120, 200, 160}},
		{Page: 0, Type: layout.TypeTable, BBox: [4]int{0, 160, 200, 200}},
		{Page: 4, Type: layout.TypeTable, BBox: [4]int{0, 0, 10, 10}},
	}

	results, err := ex.ExtractTables(context.Background(), "doc.pdf", blocks, pages)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d tables, want 2 (one failed, one panicked)", len(results))
	}
	if rec.calls != 4 {
		t.Errorf("recognizer calls = %d, want 4", rec.calls)
	}

	first := results[0]
	if !strings.HasSuffix(first.CSVPath, "_00_00.csv") || first.BBox != [4]int{0, 20, 200, 80} {
		t.Errorf("first = %+v", first)
	}
	if !strings.HasSuffix(results[1].CSVPath, "_00_03.csv") {
		t.Errorf("second csv = %s", results[1].CSVPath)
	}

	csvData, err := os.ReadFile(first.CSVPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(csvData) != "Total,\"12,50\"\n" {
		t.Errorf("csv = %q", csvData)
	}

	var structure Structure
	jsonData, err := os.ReadFile(first.JSONPath)
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(jsonData, &structure); err != nil {
		t.Fatal(err)
	}
	if len(structure.Cells) != 2 {
		t.Errorf("json cells = %d", len(structure.Cells))
	}
}

func TestExtractTablesNoTableBlocks(t *testing.T) {
	ex := NewExtractor(&stubRecognizer{}, nil, t.TempDir())
	results, err := ex.ExtractTables(context.Background(), "doc.pdf", []layout.Block{{Type: layout.TypeText}}, nil)
	if err != nil || results != nil {
		t.Errorf("results = %v, err = %v", results, err)
	}
}

func TestExtractTablesWithoutRecognizer(t *testing.T) {
	ex := NewExtractor(nil, nil, t.TempDir())
	pages := []image.Image{image.NewGray(image.Rect(0, 0, 50, 50))}
	results, err := ex.ExtractTables(context.Background(), "doc.png", []layout.Block{{Type: layout.TypeTable, BBox: [4]int{0, 0, 50, 50}}}, pages)
	if err != nil || len(results) != 0 {
		t.Errorf("results = %v, err = %v", results, err)
	}
}

type stubTableClient struct{}

func (stubTableClient) RecognizeTable(ctx context.Context, imageData []byte) ([]clients.TableItem, error) {
	return []clients.TableItem{{
		Type: "table",
		Res: clients.TableStructure{
			HTML:  "<table></table>",
			Cells: []clients.TableCell{{Row: 1, Col: 2, RowSpan: 1, ColSpan: 2, Text: "x"}},
		},
	}}, nil
}

func TestServiceRecognizer(t *testing.T) {
	items, err := NewServiceRecognizer(stubTableClient{}).RecognizeTable(context.Background(), image.NewGray(image.Rect(0, 0, 4, 4)))
	if err != nil {
		t.Fatal(err)
	}
	want := []Item{{Type: "table", Structure: Structure{HTML: "<table></table>", Cells: []Cell{{Row: 1, Col: 2, RowSpan: 1, ColSpan: 2, Text: "x"}}}}}
	if !reflect.DeepEqual(items, want) {
		t.Errorf("items = %+v", items)
	}
}
