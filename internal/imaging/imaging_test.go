package imaging

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/color"
	"image/color/palette"
	"image/gif"
	"math"
	"os"
	"path/filepath"
	"testing"
)

func whitePage(w, h int) *image.Gray {
	g := image.NewGray(image.Rect(0, 0, w, h))
	for i := range g.Pix {
		g.Pix[i] = 255
	}
	return g
}

func fillRect(g *image.Gray, r image.Rectangle) {
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			g.SetGray(x, y, color.Gray{Y: 0})
		}
	}
}

func TestCrop(t *testing.T) {
	img := whitePage(100, 50)
	tests := []struct {
		name  string
		bbox  [4]int
		wantW int
		wantH int
		isNil bool
	}{
		{"inside", [4]int{10, 5, 30, 25}, 20, 20, false},
		{"clamped", [4]int{-10, -10, 500, 500}, 100, 50, false},
		{"right of image", [4]int{150, 0, 200, 10}, 0, 0, true},
		{"inverted", [4]int{30, 30, 10, 10}, 0, 0, true},
		{"zero height", [4]int{0, 10, 10, 10}, 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Crop(img, tt.bbox)
			if tt.isNil {
				if got != nil {
					t.Errorf("Crop() = %v, want nil", got.Bounds())
				}
				return
			}
			if got == nil || got.Bounds().Dx() != tt.wantW || got.Bounds().Dy() != tt.wantH {
				t.Errorf("Crop() bounds = %v, want %dx%d", got, tt.wantW, tt.wantH)
			}
		})
	}
}

// buildGrayTIFF writes an uncompressed little-endian TIFF with one IFD
// per page.
func buildGrayTIFF(pages []*image.Gray) []byte {
	le := binary.LittleEndian
	buf := []byte{'I', 'I', 42, 0, 0, 0, 0, 0}
	prevNext := 4

	for _, p := range pages {
		w, h := p.Rect.Dx(), p.Rect.Dy()
		dataOff := len(buf)
		for y := 0; y < h; y++ {
			buf = append(buf, p.Pix[y*p.Stride:y*p.Stride+w]...)
		}

		ifdOff := len(buf)
		le.PutUint32(buf[prevNext:], uint32(ifdOff))

		type entry struct {
			tag, typ uint16
			val      uint32
		}
		entries := []entry{
			{256, 4, uint32(w)},
			{257, 4, uint32(h)},
			{258, 3, 8},
			{259, 3, 1},
			{262, 3, 1},
			{273, 4, uint32(dataOff)},
			{277, 3, 1},
			{278, 4, uint32(h)},
			{279, 4, uint32(w * h)},
		}
		ifd := make([]byte, 2+len(entries)*12+4)
		le.PutUint16(ifd, uint16(len(entries)))
		for i, e := range entries {
			o := 2 + i*12
			le.PutUint16(ifd[o:], e.tag)
			le.PutUint16(ifd[o+2:], e.typ)
			le.PutUint32(ifd[o+4:], 1)
			le.PutUint32(ifd[o+8:], e.val)
		}
		buf = append(buf, ifd...)
		prevNext = len(buf) - 4
	}
	return buf
}

func TestDecodePagesMultiPageTIFF(t *testing.T) {
	first := whitePage(40, 30)
	second := whitePage(20, 10)
	fillRect(second, image.Rect(0, 0, 5, 5))

	pages, err := DecodePages(buildGrayTIFF([]*image.Gray{first, second}))
	if err != nil {
		t.Fatalf("DecodePages() error = %v", err)
	}
	if len(pages) != 2 {
		t.Fatalf("got %d pages, want 2", len(pages))
	}
	if pages[0].Bounds().Dx() != 40 || pages[1].Bounds().Dx() != 20 {
		t.Errorf("page widths = %d, %d", pages[0].Bounds().Dx(), pages[1].Bounds().Dx())
	}
	if y := color.GrayModel.Convert(pages[1].At(1, 1)).(color.Gray).Y; y != 0 {
		t.Errorf("second page pixel = %d, want 0", y)
	}
}

func TestLoadPagesGIFFrames(t *testing.T) {
	anim := &gif.GIF{}
	for i := 0; i < 3; i++ {
		frame := image.NewPaletted(image.Rect(0, 0, 16, 16), palette.Plan9)
		anim.Image = append(anim.Image, frame)
		anim.Delay = append(anim.Delay, 0)
	}
	var buf bytes.Buffer
	if err := gif.EncodeAll(&buf, anim); err != nil {
		t.Fatalf("encode gif: %v", err)
	}
	path := filepath.Join(t.TempDir(), "scan.gif")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}

	pages, err := LoadPages(path)
	if err != nil {
		t.Fatalf("LoadPages() error = %v", err)
	}
	if len(pages) != 3 {
		t.Errorf("got %d frames, want 3", len(pages))
	}
}

func TestLoadPagesPNG(t *testing.T) {
	data, err := EncodePNG(whitePage(8, 8))
	if err != nil {
		t.Fatal(err)
	}
	pages, err := DecodePages(data)
	if err != nil || len(pages) != 1 {
		t.Fatalf("DecodePages() = %d pages, %v", len(pages), err)
	}
	if _, err := DecodePages([]byte("not an image")); err == nil {
		t.Error("expected error for garbage input")
	}
}

func TestPreprocessUpscales(t *testing.T) {
	opts := DefaultPreprocessOptions()
	opts.Deskew = false
	out, angle := Preprocess(whitePage(300, 100), opts)
	if out.Rect.Dx() != 1500 || out.Rect.Dy() != 500 {
		t.Errorf("size = %v, want 1500x500", out.Rect)
	}
	if angle != 0 {
		t.Errorf("angle = %v", angle)
	}
}

func skewedBar(angle float64) *image.Gray {
	g := whitePage(600, 600)
	rad := angle * math.Pi / 180
	cos, sin := math.Cos(rad), math.Sin(rad)
	for y := 0; y < 600; y++ {
		for x := 0; x < 600; x++ {
			dx, dy := float64(x)-300, float64(y)-300
			u := dx*cos + dy*sin
			v := -dx*sin + dy*cos
			if math.Abs(u) < 200 && math.Abs(v) < 20 {
				g.SetGray(x, y, color.Gray{Y: 0})
			}
		}
	}
	return g
}

func TestEstimateSkewAndRotate(t *testing.T) {
	g := skewedBar(5)
	angle := EstimateSkew(g)
	if math.Abs(angle-5) > 0.5 {
		t.Fatalf("EstimateSkew() = %v, want ~5", angle)
	}
	if after := EstimateSkew(Rotate(g, -angle)); math.Abs(after) > 1 {
		t.Errorf("skew after rotation = %v, want ~0", after)
	}
	if a := EstimateSkew(whitePage(50, 50)); a != 0 {
		t.Errorf("blank page skew = %v", a)
	}
}

func TestClassifyContent(t *testing.T) {
	table := whitePage(400, 400)
	for i := 0; i < 8; i++ {
		fillRect(table, image.Rect(20, 20+i*40, 380, 22+i*40))
	}
	if got := ClassifyContent(table); got != ContentTable {
		t.Errorf("ruled page = %q, want table", got)
	}

	text := whitePage(400, 400)
	for i := 0; i < 10; i++ {
		fillRect(text, image.Rect(20+i*30, 50, 35+i*30, 70))
	}
	if got := ClassifyContent(text); got != ContentText {
		t.Errorf("glyph page = %q, want text", got)
	}
}

func TestHandwritingProbability(t *testing.T) {
	printed := whitePage(300, 100)
	for i := 0; i < 6; i++ {
		fillRect(printed, image.Rect(10+i*40, 20, 30+i*40, 60))
	}
	if got := HandwritingProbability(printed); got != 0.1 {
		t.Errorf("solid glyphs = %v, want 0.1", got)
	}

	scrawl := whitePage(300, 100)
	for i := 0; i < 5; i++ {
		ox := 10 + i*55
		for d := 0; d < 40; d++ {
			fillRect(scrawl, image.Rect(ox+d, 20+d, ox+d+2, 22+d))
			fillRect(scrawl, image.Rect(ox+39-d, 20+d, ox+41-d, 22+d))
		}
	}
	if got := HandwritingProbability(scrawl); got != 0.8 {
		t.Errorf("crossed strokes = %v, want 0.8", got)
	}

	if got := HandwritingProbability(whitePage(20, 20)); got != 0 {
		t.Errorf("blank page = %v, want 0", got)
	}
}
