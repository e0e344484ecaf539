// Package imaging holds the raster operations the OCR pipeline needs:
// page loading, cropping, cleanup before recognition and cheap content
// heuristics.
package imaging

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"
	"image/png"
)

// Crop returns the sub-image inside bbox [left, top, right, bottom],
// clamped to the image bounds. It returns nil when the clamped box is empty.
func Crop(img image.Image, bbox [4]int) image.Image {
	if img == nil {
		return nil
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	left := clamp(bbox[0], 0, w)
	top := clamp(bbox[1], 0, h)
	right := bbox[2]
	if right > w {
		right = w
	}
	if right < left {
		right = left
	}
	bottom := bbox[3]
	if bottom > h {
		bottom = h
	}
	if bottom < top {
		bottom = top
	}
	if right <= left || bottom <= top {
		return nil
	}

	r := image.Rect(b.Min.X+left, b.Min.Y+top, b.Min.X+right, b.Min.Y+bottom)
	if sub, ok := img.(interface {
		SubImage(image.Rectangle) image.Image
	}); ok {
		return sub.SubImage(r)
	}
	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(dst, dst.Bounds(), img, r.Min, draw.Src)
	return dst
}

// ToGray converts img to an 8-bit grayscale image with its origin at (0, 0)
func ToGray(img image.Image) *image.Gray {
	b := img.Bounds()
	if g, ok := img.(*image.Gray); ok && b.Min == (image.Point{}) {
		return g
	}
	gray := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			gray.SetGray(x-b.Min.X, y-b.Min.Y, color.GrayModel.Convert(img.At(x, y)).(color.Gray))
		}
	}
	return gray
}

// EncodePNG serializes img for engines that take encoded bytes
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// otsuThreshold returns the gray level that best separates ink from paper
func otsuThreshold(g *image.Gray) uint8 {
	var hist [256]int
	for _, v := range g.Pix {
		hist[v]++
	}
	total := len(g.Pix)
	if total == 0 {
		return 128
	}

	var sum float64
	for i, c := range hist {
		sum += float64(i * c)
	}

	var sumB, best float64
	var wB int
	threshold := 0
	for t := 0; t < 256; t++ {
		wB += hist[t]
		if wB == 0 {
			continue
		}
		wF := total - wB
		if wF == 0 {
			break
		}
		sumB += float64(t * hist[t])
		mB := sumB / float64(wB)
		mF := (sum - sumB) / float64(wF)
		between := float64(wB) * float64(wF) * (mB - mF) * (mB - mF)
		if between > best {
			best = between
			threshold = t
		}
	}
	return uint8(threshold)
}

// binarize marks ink pixels (darker than the Otsu threshold) as true
func binarize(g *image.Gray) []bool {
	t := otsuThreshold(g)
	ink := make([]bool, len(g.Pix))
	w, h := g.Rect.Dx(), g.Rect.Dy()
	for y := 0; y < h; y++ {
		row := g.Pix[y*g.Stride : y*g.Stride+w]
		for x, v := range row {
			ink[y*w+x] = v <= t
		}
	}
	return ink[:w*h]
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampByte(v float64) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v + 0.5)
}
