package compose

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"

	"github.com/stagecast/stagecast/internal/layer"
)

// renderShape rasterizes a shape overlay at its natural size. Malformed
// parameters (zero dimensions, polygons with fewer than three points)
// return a typed error so the compositor can substitute a placeholder.
func renderShape(s layer.ShapeContent) (*image.RGBA, error) {
	c := shapeColor(s)

	switch s.Shape {
	case layer.ShapeRectangle:
		if s.Width <= 0 || s.Height <= 0 {
			return nil, fmt.Errorf("%w: rectangle %gx%g", ErrBadShape, s.Width, s.Height)
		}
		img := image.NewRGBA(image.Rect(0, 0, int(s.Width), int(s.Height)))
		draw.Draw(img, img.Bounds(), &image.Uniform{C: c}, image.Point{}, draw.Src)
		return img, nil

	case layer.ShapeCircle:
		if s.Radius <= 0 {
			return nil, fmt.Errorf("%w: circle radius %g", ErrBadShape, s.Radius)
		}
		return renderCircle(s.Radius, c), nil

	case layer.ShapePolygon:
		if len(s.Points) < 3 {
			return nil, fmt.Errorf("%w: polygon needs >=3 points, got %d", ErrBadShape, len(s.Points))
		}
		return renderPolygon(s.Points, c), nil

	case layer.ShapeLine:
		if len(s.Points) != 2 {
			return nil, fmt.Errorf("%w: line needs exactly 2 points, got %d", ErrBadShape, len(s.Points))
		}
		return renderLine(s.Points[0], s.Points[1], s.Thickness, c), nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedShape, s.Shape)
	}
}

// shapeColor folds the shape's opacity into its fill color as
// premultiplied-style alpha scaling.
func shapeColor(s layer.ShapeContent) color.RGBA {
	op := s.Opacity
	if op <= 0 || op > 1 {
		op = 1
	}
	c := s.Fill
	if c.A == 0 {
		c.A = 255
	}
	c.A = uint8(float64(c.A)*op + 0.5)
	return color.RGBA{R: c.R, G: c.G, B: c.B, A: c.A}
}

func renderCircle(radius float64, c color.RGBA) *image.RGBA {
	d := int(radius * 2)
	img := image.NewRGBA(image.Rect(0, 0, d, d))
	r2 := radius * radius
	for y := 0; y < d; y++ {
		for x := 0; x < d; x++ {
			dx := float64(x) - radius + 0.5
			dy := float64(y) - radius + 0.5
			if dx*dx+dy*dy <= r2 {
				img.SetRGBA(x, y, c)
			}
		}
	}
	return img
}

// renderPolygon fills a polygon with even-odd scanline rasterization.
// The raster is sized to the polygon's bounding box; points are shifted
// so the box origin is (0,0).
func renderPolygon(pts []layer.Point, c color.RGBA) *image.RGBA {
	minX, minY := pts[0].X, pts[0].Y
	maxX, maxY := minX, minY
	for _, p := range pts[1:] {
		minX = math.Min(minX, p.X)
		minY = math.Min(minY, p.Y)
		maxX = math.Max(maxX, p.X)
		maxY = math.Max(maxY, p.Y)
	}

	w := int(math.Ceil(maxX-minX)) + 1
	h := int(math.Ceil(maxY-minY)) + 1
	img := image.NewRGBA(image.Rect(0, 0, w, h))

	for y := 0; y < h; y++ {
		fy := float64(y) + minY + 0.5
		var xs []float64
		for i := range pts {
			a, b := pts[i], pts[(i+1)%len(pts)]
			if (a.Y <= fy && b.Y > fy) || (b.Y <= fy && a.Y > fy) {
				t := (fy - a.Y) / (b.Y - a.Y)
				xs = append(xs, a.X+t*(b.X-a.X))
			}
		}
		// Insertion sort: crossing counts are tiny.
		for i := 1; i < len(xs); i++ {
			for j := i; j > 0 && xs[j-1] > xs[j]; j-- {
				xs[j-1], xs[j] = xs[j], xs[j-1]
			}
		}
		for i := 0; i+1 < len(xs); i += 2 {
			x0 := int(math.Ceil(xs[i] - minX))
			x1 := int(math.Floor(xs[i+1] - minX))
			for x := x0; x <= x1; x++ {
				img.SetRGBA(x, y, c)
			}
		}
	}
	return img
}

// renderLine draws a stroked segment between two points on a raster
// sized to their bounding box plus the stroke width.
func renderLine(p0, p1 layer.Point, thickness float64, c color.RGBA) *image.RGBA {
	if thickness <= 0 {
		thickness = 1
	}
	pad := thickness/2 + 1
	minX := math.Min(p0.X, p1.X) - pad
	minY := math.Min(p0.Y, p1.Y) - pad
	w := int(math.Abs(p1.X-p0.X) + 2*pad)
	h := int(math.Abs(p1.Y-p0.Y) + 2*pad)
	img := image.NewRGBA(image.Rect(0, 0, w, h))

	ax, ay := p0.X-minX, p0.Y-minY
	bx, by := p1.X-minX, p1.Y-minY
	dx, dy := bx-ax, by-ay
	lenSq := dx*dx + dy*dy
	half := thickness / 2

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			px, py := float64(x)+0.5, float64(y)+0.5
			t := 0.0
			if lenSq > 0 {
				t = ((px-ax)*dx + (py-ay)*dy) / lenSq
				t = math.Max(0, math.Min(1, t))
			}
			cx, cy := ax+t*dx, ay+t*dy
			ddx, ddy := px-cx, py-cy
			if math.Sqrt(ddx*ddx+ddy*ddy) <= half {
				img.SetRGBA(x, y, c)
			}
		}
	}
	return img
}
