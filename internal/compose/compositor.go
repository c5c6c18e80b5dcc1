// Package compose renders layer sets into raster frames. The Compositor
// owns a content-addressed render cache and an animation subsystem, and
// flattens all visible layers onto a transparent canvas in z-order.
package compose

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"log/slog"
	"math"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/math/f64"

	"github.com/stagecast/stagecast/internal/layer"
	"github.com/stagecast/stagecast/internal/media"
)

// Sentinel errors for layer resolution failures. Individual layer
// failures degrade to a placeholder; only canvas allocation fails the
// whole composite.
var (
	ErrCanvasAlloc        = errors.New("compose: canvas allocation failed")
	ErrUnsupportedLayer   = errors.New("compose: unsupported layer kind")
	ErrMissingContent     = errors.New("compose: layer has no content")
	ErrBadShape           = errors.New("compose: malformed shape parameters")
	ErrUnsupportedShape   = errors.New("compose: unsupported shape type")
	ErrUnsupportedOverlay = errors.New("compose: unsupported overlay type")
)

// maxCanvasPixels bounds canvas allocation (~8K x 4K RGBA).
const maxCanvasPixels = 8192 * 4320

// BlendMode names how a composite entry is blended onto the canvas.
// All current layer kinds blend with source-over.
type BlendMode string

// Blend modes.
const BlendOver BlendMode = "over"

// compositeEntry is one resolved, transformed layer awaiting the final
// flatten pass.
type compositeEntry struct {
	img     *image.RGBA // canvas-sized, transparently padded
	blend   BlendMode
	opacity float64
}

// Compositor turns a layer set into a single raster frame.
type Compositor struct {
	log      *slog.Logger
	width    int
	height   int
	cache    *renderCache
	animator *Animator
}

// New creates a Compositor for the given canvas resolution. If log is
// nil, slog.Default() is used.
func New(width, height int, log *slog.Logger) (*Compositor, error) {
	if width <= 0 || height <= 0 || width*height > maxCanvasPixels {
		return nil, fmt.Errorf("%w: %dx%d", ErrCanvasAlloc, width, height)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Compositor{
		log:      log.With("component", "compositor"),
		width:    width,
		height:   height,
		cache:    newRenderCache(),
		animator: NewAnimator(log),
	}, nil
}

// Animator returns the compositor's animation subsystem so callers can
// subscribe to lifecycle events.
func (c *Compositor) Animator() *Animator { return c.animator }

// CacheStats returns render cache hit/miss counters and resident size.
func (c *Compositor) CacheStats() (hits, misses uint64, size int) {
	return c.cache.stats()
}

// Composite flattens the given layers onto a transparent canvas of the
// configured resolution. Layers are stably sorted ascending by zIndex;
// invisible and fully transparent layers are skipped. A failure to
// render any single layer is replaced with a visibly marked placeholder
// and never aborts the composite.
func (c *Compositor) Composite(layers []layer.Layer) (*media.Frame, error) {
	canvas, err := c.allocCanvas()
	if err != nil {
		return nil, err
	}

	sorted := make([]layer.Layer, len(layers))
	copy(sorted, layers)
	layer.SortByZ(sorted)

	entries := make([]compositeEntry, 0, len(sorted))
	for _, l := range sorted {
		if !l.Visible || l.Opacity <= 0 {
			continue
		}

		buf := c.resolve(l)
		placed := c.applyTransform(buf, l.Transform)
		entries = append(entries, compositeEntry{
			img:     placed,
			blend:   BlendOver,
			opacity: clamp01(l.Opacity),
		})
	}

	for _, e := range entries {
		blendOver(canvas, e.img, e.opacity)
	}

	return media.FromRGBA(canvas), nil
}

func (c *Compositor) allocCanvas() (canvas *image.RGBA, err error) {
	defer func() {
		if recover() != nil {
			canvas, err = nil, ErrCanvasAlloc
		}
	}()
	return image.NewRGBA(image.Rect(0, 0, c.width, c.height)), nil
}

// resolve returns the raster for a layer, from cache when fresh,
// rendering and caching on miss. Chat layers are rendered fresh every
// pass because message fade is time-dependent.
func (c *Compositor) resolve(l layer.Layer) *image.RGBA {
	if l.Kind == layer.KindChat {
		img, err := c.renderLayer(l)
		if err != nil {
			c.log.Warn("layer render failed", "layer", l.ID, "kind", l.Kind, "error", err)
			return c.errorPlaceholder(l)
		}
		return img
	}

	key := keyFor(l)
	if img, ok := c.cache.get(key); ok {
		return img
	}

	img, err := c.renderLayer(l)
	if err != nil {
		c.log.Warn("layer render failed", "layer", l.ID, "kind", l.Kind, "error", err)
		return c.errorPlaceholder(l)
	}
	c.cache.put(key, img)
	return img
}

// renderLayer rasterizes a layer's content at its natural size.
func (c *Compositor) renderLayer(l layer.Layer) (*image.RGBA, error) {
	switch l.Kind {
	case layer.KindHost, layer.KindAssistant:
		if l.Host == nil {
			return nil, fmt.Errorf("%w: %s layer %q", ErrMissingContent, l.Kind, l.ID)
		}
		return pixelsToImage(l.Host.Pixels, l.Host.Width, l.Host.Height)

	case layer.KindVisualFeed:
		if l.Feed == nil {
			return nil, fmt.Errorf("%w: visual feed layer %q", ErrMissingContent, l.ID)
		}
		return pixelsToImage(l.Feed.Pixels, l.Feed.Width, l.Feed.Height)

	case layer.KindOverlay:
		return c.renderOverlay(l)

	case layer.KindChat:
		if l.Chat == nil {
			return nil, fmt.Errorf("%w: chat layer %q", ErrMissingContent, l.ID)
		}
		return c.renderChat(*l.Chat)

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedLayer, l.Kind)
	}
}

// renderOverlay dispatches on the overlay content variant.
func (c *Compositor) renderOverlay(l layer.Layer) (*image.RGBA, error) {
	o := l.Overlay
	if o == nil {
		return nil, fmt.Errorf("%w: overlay layer %q", ErrMissingContent, l.ID)
	}
	switch o.Type {
	case layer.OverlayShape:
		if o.Shape == nil {
			return nil, fmt.Errorf("%w: shape overlay %q", ErrMissingContent, l.ID)
		}
		return renderShape(*o.Shape)
	case layer.OverlayText:
		if o.Text == nil {
			return nil, fmt.Errorf("%w: text overlay %q", ErrMissingContent, l.ID)
		}
		return renderText(*o.Text)
	case layer.OverlayImage:
		if o.Image == nil {
			return nil, fmt.Errorf("%w: image overlay %q", ErrMissingContent, l.ID)
		}
		if o.Image.Animated && o.Image.AnimRef != "" {
			return c.animator.CurrentFrame(o.Image.AnimRef)
		}
		return pixelsToImage(o.Image.Pixels, o.Image.Width, o.Image.Height)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedOverlay, o.Type)
	}
}

// pixelsToImage wraps a raw RGBA buffer as an image, validating length.
func pixelsToImage(pix []byte, w, h int) (*image.RGBA, error) {
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("compose: invalid raster size %dx%d", w, h)
	}
	if len(pix) != w*h*4 {
		return nil, fmt.Errorf("compose: raster length %d does not match %dx%d", len(pix), w, h)
	}
	return &image.RGBA{Pix: pix, Stride: w * 4, Rect: image.Rect(0, 0, w, h)}, nil
}

// placeholderSize is the default error placeholder size when the layer
// has no intrinsic dimensions.
const placeholderSize = 120

// errorPlaceholder renders a visibly marked buffer substituted for a
// layer that failed to render: translucent red field, solid border, and
// a diagonal cross.
func (c *Compositor) errorPlaceholder(l layer.Layer) *image.RGBA {
	w, h := placeholderSize, placeholderSize
	switch {
	case l.Host != nil && l.Host.Width > 0 && l.Host.Height > 0:
		w, h = l.Host.Width, l.Host.Height
	case l.Feed != nil && l.Feed.Width > 0 && l.Feed.Height > 0:
		w, h = l.Feed.Width, l.Feed.Height
	case l.Chat != nil && l.Chat.Width > 0 && l.Chat.Height > 0:
		w, h = l.Chat.Width, l.Chat.Height
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	fill := color.RGBA{R: 200, A: 90}
	border := color.RGBA{R: 230, A: 255}

	draw.Draw(img, img.Bounds(), &image.Uniform{C: fill}, image.Point{}, draw.Src)
	for x := 0; x < w; x++ {
		img.SetRGBA(x, 0, border)
		img.SetRGBA(x, h-1, border)
		// Diagonal cross marks the buffer as an error stand-in.
		y := x * (h - 1) / (w - 1)
		img.SetRGBA(x, y, border)
		img.SetRGBA(x, h-1-y, border)
	}
	for y := 0; y < h; y++ {
		img.SetRGBA(0, y, border)
		img.SetRGBA(w-1, y, border)
	}
	return img
}

// applyTransform rotates then scales the layer raster onto a
// canvas-sized transparent buffer, positioned per the transform.
// Rotation is about the raster center.
func (c *Compositor) applyTransform(src *image.RGBA, t layer.Transform) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, c.width, c.height))

	s := t.Scale
	if s == 0 {
		s = 1
	}
	theta := t.Rotation * math.Pi / 180
	cos, sin := math.Cos(theta), math.Sin(theta)

	sb := src.Bounds()
	w, h := float64(sb.Dx()), float64(sb.Dy())
	cx, cy := w/2, h/2

	// dst = T(pos + s*center) * R(theta) * S(s) * T(-center)
	a, b := s*cos, -s*sin
	d, e := s*sin, s*cos
	tx := t.Position.X + s*cx - a*cx - b*cy
	ty := t.Position.Y + s*cy - d*cx - e*cy

	m := f64.Aff3{a, b, tx, d, e, ty}
	xdraw.ApproxBiLinear.Transform(dst, m, src, sb, xdraw.Over, nil)
	return dst
}

// blendOver flattens src onto dst with source-over blending at the
// given opacity. Both images must be canvas-sized.
func blendOver(dst, src *image.RGBA, opacity float64) {
	if opacity >= 1 {
		draw.Draw(dst, dst.Bounds(), src, image.Point{}, draw.Over)
		return
	}
	mask := image.NewUniform(color.Alpha{A: uint8(opacity*255 + 0.5)})
	draw.DrawMask(dst, dst.Bounds(), src, image.Point{}, mask, image.Point{}, draw.Over)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
