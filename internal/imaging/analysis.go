package imaging

import "image"

// ContentType is the coarse layout class used for engine routing
type ContentType string

const (
	ContentText  ContentType = "text"
	ContentTable ContentType = "table"
)

const (
	// minimum length of a ruling line, in pixels
	minLineLength = 100
	// gap tolerated inside one ruling line
	maxLineGap = 4
	// more ruling lines than this means a table or form
	tableLineCount = 5
	// components smaller than this are noise for the handwriting score
	minComponentArea = 20
)

// ClassifyContent counts long straight horizontal and vertical ink runs.
// Pages with more than a handful are routed as tables.
func ClassifyContent(img image.Image) ContentType {
	g := ToGray(img)
	w, h := g.Rect.Dx(), g.Rect.Dy()
	if w == 0 || h == 0 {
		return ContentText
	}
	ink := binarize(g)

	lines := 0
	inLine := false
	for y := 0; y < h; y++ {
		found := hasRun(w, maxLineGap, func(i int) bool { return ink[y*w+i] })
		if found && !inLine {
			lines++
		}
		inLine = found
	}
	inLine = false
	for x := 0; x < w; x++ {
		found := hasRun(h, maxLineGap, func(i int) bool { return ink[i*w+x] })
		if found && !inLine {
			lines++
		}
		inLine = found
	}

	if lines > tableLineCount {
		return ContentTable
	}
	return ContentText
}

// hasRun reports whether at(0..n-1) holds a run of at least minLineLength
// set values with gaps no longer than gap.
func hasRun(n, gap int, at func(int) bool) bool {
	start, last := -1, -1
	for i := 0; i < n; i++ {
		if !at(i) {
			continue
		}
		if start < 0 || i-last-1 > gap {
			start = i
		}
		last = i
		if last-start+1 >= minLineLength {
			return true
		}
	}
	return false
}

// HandwritingProbability scores how irregular the ink shapes are. Printed
// glyphs fill most of their convex hull; handwriting does not.
func HandwritingProbability(img image.Image) float64 {
	g := ToGray(img)
	w, h := g.Rect.Dx(), g.Rect.Dy()
	if w == 0 || h == 0 {
		return 0
	}
	ink := binarize(g)

	var total float64
	var n int
	for _, c := range components(ink, w, h) {
		if c.area < minComponentArea {
			continue
		}
		hullArea := polygonArea(convexHull(c.outline))
		solidity := 0.0
		if hullArea > 0 {
			solidity = float64(c.area) / hullArea
		}
		if solidity > 1 {
			solidity = 1
		}
		total += solidity
		n++
	}
	if n == 0 {
		return 0
	}

	avg := total / float64(n)
	switch {
	case avg < 0.75:
		return 0.8
	case avg < 0.85:
		return 0.4
	default:
		return 0.1
	}
}

// component is one 8-connected ink region. area counts the pixels inside
// its outer contour, row by row; outline holds the pixel corners of each
// row's extremes, which share the convex hull of the whole region.
type component struct {
	area    int
	outline []point
}

func components(ink []bool, w, h int) []component {
	label := make([]int32, w*h)
	var out []component
	stack := make([]int, 0, 64)

	for start := range ink {
		if !ink[start] || label[start] != 0 {
			continue
		}
		id := int32(len(out) + 1)
		label[start] = id
		stack = append(stack[:0], start)

		rows := make(map[int][2]int)
		for len(stack) > 0 {
			idx := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			x, y := idx%w, idx/w

			span, ok := rows[y]
			if !ok {
				span = [2]int{x, x}
			} else {
				if x < span[0] {
					span[0] = x
				}
				if x > span[1] {
					span[1] = x
				}
			}
			rows[y] = span

			for dy := -1; dy <= 1; dy++ {
				ny := y + dy
				if ny < 0 || ny >= h {
					continue
				}
				for dx := -1; dx <= 1; dx++ {
					nx := x + dx
					if nx < 0 || nx >= w || (dx == 0 && dy == 0) {
						continue
					}
					n := ny*w + nx
					if ink[n] && label[n] == 0 {
						label[n] = id
						stack = append(stack, n)
					}
				}
			}
		}

		c := component{outline: make([]point, 0, 4*len(rows))}
		for y, span := range rows {
			c.area += span[1] - span[0] + 1
			x0, x1 := float64(span[0]), float64(span[1]+1)
			fy := float64(y)
			c.outline = append(c.outline, point{x0, fy}, point{x0, fy + 1}, point{x1, fy}, point{x1, fy + 1})
		}
		out = append(out, c)
	}
	return out
}
