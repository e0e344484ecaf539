package imaging

import (
	"image"
	"math"
	"sort"

	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

// PreprocessOptions controls Preprocess
type PreprocessOptions struct {
	MinWidth        int
	Denoise         bool
	Sharpen         bool
	Deskew          bool
	DeskewThreshold float64 // degrees
}

// DefaultPreprocessOptions upscales below 1500px and applies every step
func DefaultPreprocessOptions() PreprocessOptions {
	return PreprocessOptions{
		MinWidth:        1500,
		Denoise:         true,
		Sharpen:         true,
		Deskew:          true,
		DeskewThreshold: 0.5,
	}
}

// Preprocess returns a cleaned grayscale copy of img and the skew angle
// that was corrected (0 when none).
func Preprocess(img image.Image, opts PreprocessOptions) (*image.Gray, float64) {
	gray := ToGray(img)

	if opts.MinWidth > 0 && gray.Rect.Dx() > 0 && gray.Rect.Dx() < opts.MinWidth {
		gray = Upscale(gray, opts.MinWidth)
	}
	if opts.Denoise {
		gray = MedianFilter(gray)
	}
	if opts.Sharpen {
		gray = UnsharpMask(gray, 3.0, 1.5, -0.5)
	}

	var angle float64
	if opts.Deskew {
		angle = EstimateSkew(gray)
		if math.Abs(angle) > opts.DeskewThreshold && math.Abs(angle) < 45-opts.DeskewThreshold {
			gray = Rotate(gray, -angle)
		} else {
			angle = 0
		}
	}
	return gray, angle
}

// Upscale resizes g so its width is minWidth, keeping the aspect ratio
func Upscale(g *image.Gray, minWidth int) *image.Gray {
	w, h := g.Rect.Dx(), g.Rect.Dy()
	scale := float64(minWidth) / float64(w)
	dst := image.NewGray(image.Rect(0, 0, minWidth, int(math.Round(float64(h)*scale))))
	draw.CatmullRom.Scale(dst, dst.Bounds(), g, g.Bounds(), draw.Src, nil)
	return dst
}

// MedianFilter applies a 3x3 median, replicating edge pixels
func MedianFilter(g *image.Gray) *image.Gray {
	w, h := g.Rect.Dx(), g.Rect.Dy()
	dst := image.NewGray(image.Rect(0, 0, w, h))
	var window [9]uint8
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			n := 0
			for dy := -1; dy <= 1; dy++ {
				yy := clamp(y+dy, 0, h-1)
				for dx := -1; dx <= 1; dx++ {
					xx := clamp(x+dx, 0, w-1)
					window[n] = g.Pix[yy*g.Stride+xx]
					n++
				}
			}
			sortNine(&window)
			dst.Pix[y*dst.Stride+x] = window[4]
		}
	}
	return dst
}

func sortNine(v *[9]uint8) {
	for i := 1; i < 9; i++ {
		for j := i; j > 0 && v[j] < v[j-1]; j-- {
			v[j], v[j-1] = v[j-1], v[j]
		}
	}
}

// UnsharpMask computes weight*g + blurWeight*gaussian(g, sigma)
func UnsharpMask(g *image.Gray, sigma, weight, blurWeight float64) *image.Gray {
	blurred := GaussianBlur(g, sigma)
	w, h := g.Rect.Dx(), g.Rect.Dy()
	dst := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := weight*float64(g.Pix[y*g.Stride+x]) + blurWeight*float64(blurred.Pix[y*blurred.Stride+x])
			dst.Pix[y*dst.Stride+x] = clampByte(v)
		}
	}
	return dst
}

// GaussianBlur is a separable blur with a 3-sigma kernel radius
func GaussianBlur(g *image.Gray, sigma float64) *image.Gray {
	radius := int(math.Ceil(3 * sigma))
	kernel := make([]float64, 2*radius+1)
	var sum float64
	for i := -radius; i <= radius; i++ {
		k := math.Exp(-float64(i*i) / (2 * sigma * sigma))
		kernel[i+radius] = k
		sum += k
	}
	for i := range kernel {
		kernel[i] /= sum
	}

	w, h := g.Rect.Dx(), g.Rect.Dy()
	tmp := make([]float64, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var acc float64
			for i := -radius; i <= radius; i++ {
				acc += kernel[i+radius] * float64(g.Pix[y*g.Stride+clamp(x+i, 0, w-1)])
			}
			tmp[y*w+x] = acc
		}
	}

	dst := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var acc float64
			for i := -radius; i <= radius; i++ {
				acc += kernel[i+radius] * tmp[clamp(y+i, 0, h-1)*w+x]
			}
			dst.Pix[y*dst.Stride+x] = clampByte(acc)
		}
	}
	return dst
}

// maxSkewPoints caps the ink pixels fed to the hull on large pages
const maxSkewPoints = 200000

// EstimateSkew returns the rotation, in degrees within (-45, 45], of the
// minimum-area rectangle enclosing the ink pixels.
func EstimateSkew(g *image.Gray) float64 {
	ink := binarize(g)
	w, h := g.Rect.Dx(), g.Rect.Dy()

	count := 0
	for _, on := range ink {
		if on {
			count++
		}
	}
	if count < 3 {
		return 0
	}
	stride := 1
	for count/stride > maxSkewPoints {
		stride++
	}

	points := make([]point, 0, count/stride+1)
	n := 0
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if ink[y*w+x] {
				if n%stride == 0 {
					points = append(points, point{float64(x), float64(y)})
				}
				n++
			}
		}
	}

	hull := convexHull(points)
	if len(hull) < 3 {
		return 0
	}
	return minAreaRectAngle(hull)
}

// Rotate turns g by degrees around its center, filling with white
func Rotate(g *image.Gray, degrees float64) *image.Gray {
	w, h := g.Rect.Dx(), g.Rect.Dy()
	dst := image.NewGray(image.Rect(0, 0, w, h))
	for i := range dst.Pix {
		dst.Pix[i] = 255
	}

	rad := degrees * math.Pi / 180
	cos, sin := math.Cos(rad), math.Sin(rad)
	cx, cy := float64(w)/2, float64(h)/2
	s2d := f64.Aff3{
		cos, -sin, cx - cos*cx + sin*cy,
		sin, cos, cy - sin*cx - cos*cy,
	}
	draw.BiLinear.Transform(dst, s2d, g, g.Bounds(), draw.Over, nil)
	return dst
}

type point struct{ x, y float64 }

func cross(o, a, b point) float64 {
	return (a.x-o.x)*(b.y-o.y) - (a.y-o.y)*(b.x-o.x)
}

// convexHull is Andrew's monotone chain; the result is counter-clockwise
// without the closing point.
func convexHull(pts []point) []point {
	if len(pts) < 3 {
		return pts
	}
	sorted := make([]point, len(pts))
	copy(sorted, pts)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].x != sorted[j].x {
			return sorted[i].x < sorted[j].x
		}
		return sorted[i].y < sorted[j].y
	})

	hull := make([]point, 0, 2*len(sorted))
	for _, p := range sorted {
		for len(hull) >= 2 && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}
	lower := len(hull) + 1
	for i := len(sorted) - 2; i >= 0; i-- {
		p := sorted[i]
		for len(hull) >= lower && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}
	return hull[:len(hull)-1]
}

func polygonArea(poly []point) float64 {
	var a float64
	for i := range poly {
		j := (i + 1) % len(poly)
		a += poly[i].x*poly[j].y - poly[j].x*poly[i].y
	}
	return math.Abs(a) / 2
}

// minAreaRectAngle tries each hull edge as a rectangle side and returns
// the orientation of the smallest one, folded into (-45, 45].
func minAreaRectAngle(hull []point) float64 {
	bestArea := math.Inf(1)
	bestAngle := 0.0
	for i := range hull {
		j := (i + 1) % len(hull)
		dx, dy := hull[j].x-hull[i].x, hull[j].y-hull[i].y
		length := math.Hypot(dx, dy)
		if length == 0 {
			continue
		}
		ux, uy := dx/length, dy/length

		minU, maxU := math.Inf(1), math.Inf(-1)
		minV, maxV := math.Inf(1), math.Inf(-1)
		for _, p := range hull {
			u := p.x*ux + p.y*uy
			v := -p.x*uy + p.y*ux
			minU, maxU = math.Min(minU, u), math.Max(maxU, u)
			minV, maxV = math.Min(minV, v), math.Max(maxV, v)
		}
		area := (maxU - minU) * (maxV - minV)
		if area < bestArea {
			bestArea = area
			bestAngle = math.Atan2(dy, dx) * 180 / math.Pi
		}
	}
	return foldAngle(bestAngle)
}

func foldAngle(a float64) float64 {
	for a > 45 {
		a -= 90
	}
	for a <= -45 {
		a += 90
	}
	return a
}
