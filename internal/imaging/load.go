package imaging

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"image/draw"
	"image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// maxFrames bounds multi-page rasters so a corrupt IFD chain cannot loop
const maxFrames = 2000

// LoadPages decodes every frame of a raster file: all IFDs of a TIFF, all
// frames of a GIF and the single image of any other registered format.
func LoadPages(path string) ([]image.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}
	return DecodePages(data)
}

// DecodePages is LoadPages for in-memory data
func DecodePages(data []byte) ([]image.Image, error) {
	switch {
	case isTIFF(data):
		return decodeTIFFPages(data)
	case bytes.HasPrefix(data, []byte("GIF8")):
		return decodeGIFFrames(data)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return []image.Image{img}, nil
}

// IsRasterExt reports whether ext names a format LoadPages understands
func IsRasterExt(ext string) bool {
	switch strings.ToLower(ext) {
	case ".png", ".jpg", ".jpeg", ".tif", ".tiff", ".gif", ".bmp", ".webp":
		return true
	}
	return false
}

func isTIFF(data []byte) bool {
	return len(data) >= 8 && (bytes.HasPrefix(data, []byte("II*\x00")) || bytes.HasPrefix(data, []byte("MM\x00*")))
}

// decodeTIFFPages walks the IFD chain. x/image/tiff only decodes the first
// IFD, so each page is decoded through a view whose header points at that
// page's IFD.
func decodeTIFFPages(data []byte) ([]image.Image, error) {
	var order binary.ByteOrder = binary.LittleEndian
	if data[0] == 'M' {
		order = binary.BigEndian
	}

	var pages []image.Image
	seen := make(map[uint32]bool)
	offset := order.Uint32(data[4:8])
	for offset != 0 && len(pages) < maxFrames {
		if seen[offset] || int(offset)+2 > len(data) {
			break
		}
		seen[offset] = true

		view := &tiffView{data: data}
		copy(view.header[:], data[:8])
		order.PutUint32(view.header[4:8], offset)

		img, err := tiff.Decode(view)
		if err != nil {
			if len(pages) == 0 {
				return nil, fmt.Errorf("failed to decode tiff: %w", err)
			}
			break
		}
		pages = append(pages, img)

		entries := int(order.Uint16(data[offset : offset+2]))
		next := int(offset) + 2 + entries*12
		if next+4 > len(data) {
			break
		}
		offset = order.Uint32(data[next : next+4])
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("tiff has no decodable pages")
	}
	return pages, nil
}

// tiffView serves data with the first eight bytes replaced by header
type tiffView struct {
	data   []byte
	header [8]byte
	pos    int64
}

func (v *tiffView) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(v.data)) {
		return 0, io.EOF
	}
	n := copy(p, v.data[off:])
	for i := 0; i < n && off+int64(i) < 8; i++ {
		p[i] = v.header[off+int64(i)]
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (v *tiffView) Read(p []byte) (int, error) {
	n, err := v.ReadAt(p, v.pos)
	v.pos += int64(n)
	return n, err
}

// decodeGIFFrames composites each frame over the previous canvas
func decodeGIFFrames(data []byte) ([]image.Image, error) {
	g, err := gif.DecodeAll(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode gif: %w", err)
	}
	if len(g.Image) == 0 {
		return nil, fmt.Errorf("gif has no frames")
	}

	bounds := image.Rect(0, 0, g.Config.Width, g.Config.Height)
	if bounds.Empty() {
		bounds = g.Image[0].Bounds()
	}
	canvas := image.NewRGBA(bounds)
	pages := make([]image.Image, 0, len(g.Image))
	for _, frame := range g.Image {
		draw.Draw(canvas, frame.Bounds(), frame, frame.Bounds().Min, draw.Over)
		page := image.NewRGBA(bounds)
		copy(page.Pix, canvas.Pix)
		pages = append(pages, page)
		if len(pages) >= maxFrames {
			break
		}
	}
	return pages, nil
}
