package compose

import (
	"errors"
	"fmt"
	"image"
	"image/draw"
	"log/slog"
	"math"
	"os"
	"sync"
	"time"

	_ "image/jpeg" // frame-file decoding
	_ "image/png"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

// frameCacheTTL is how long loaded animation frames stay cached before
// being reloaded from their source.
const frameCacheTTL = 60 * time.Second

// AnimType selects how animation frames are sourced.
type AnimType string

// Animation source types.
const (
	AnimSequence    AnimType = "sequence"
	AnimSpriteSheet AnimType = "sprite-sheet"
	AnimFrameFiles  AnimType = "frame-files"
)

// EffectKind identifies a per-frame visual effect.
type EffectKind string

// Effect kinds.
const (
	EffectFade   EffectKind = "fade"
	EffectScale  EffectKind = "scale"
	EffectRotate EffectKind = "rotate"
	EffectSlide  EffectKind = "slide"
)

// Easing selects the progress curve an effect follows.
type Easing string

// Easing curves.
const (
	EaseLinear Easing = "linear"
	EaseIn     Easing = "easeIn"
	EaseOut    Easing = "easeOut"
	EaseInOut  Easing = "easeInOut"
)

// Sentinel errors for the animation subsystem.
var (
	ErrAnimNotFound     = errors.New("compose: animation not registered")
	ErrAnimNoFrames     = errors.New("compose: animation has no frames")
	ErrUnsupportedAnim  = errors.New("compose: unsupported animation type")
	ErrUnsupportedEase  = errors.New("compose: unsupported easing curve")
	ErrUnsupportedEffct = errors.New("compose: unsupported effect kind")
)

// EffectConfig parameterizes one effect. From/To give the effect's
// range over normalized progress: fade opacity, scale factor, rotation
// degrees, or slide distance.
type EffectConfig struct {
	Kind   EffectKind
	Easing Easing
	From   float64
	To     float64
	SlideX float64 // slide only
	SlideY float64
}

// AnimConfig describes an animation: where frames come from, how fast
// they advance, whether they loop, and which effects apply.
type AnimConfig struct {
	Type       AnimType
	FrameDelay time.Duration
	Loop       bool
	Effects    []EffectConfig

	// Source fields, interpreted per Type.
	Frames []*image.RGBA // sequence
	Sheet  *image.RGBA   // sprite-sheet
	TileW  int
	TileH  int
	Paths  []string // frame-files
}

// EventKind identifies an animation lifecycle notification.
type EventKind string

// Animation lifecycle events.
const (
	AnimStarted   EventKind = "started"
	AnimCompleted EventKind = "completed"
)

// Event is an animation lifecycle notification delivered on the
// Animator's event channel.
type Event struct {
	Ref  string
	Kind EventKind
}

// animState tracks one animated layer instance.
type animState struct {
	cfg         AnimConfig
	frames      []*image.RGBA
	cachedAt    time.Time
	index       int
	lastAdvance time.Time
}

// Animator owns per-layer animation state and the frame cache. Lifecycle
// notifications are emitted on a channel callers subscribe to via
// Events; sends never block (overflowing notifications are dropped).
type Animator struct {
	log    *slog.Logger
	mu     sync.Mutex
	states map[string]*animState
	events chan Event
	now    func() time.Time
}

// NewAnimator creates an Animator. If log is nil, slog.Default() is used.
func NewAnimator(log *slog.Logger) *Animator {
	if log == nil {
		log = slog.Default()
	}
	return &Animator{
		log:    log.With("component", "animator"),
		states: make(map[string]*animState),
		events: make(chan Event, 16),
		now:    time.Now,
	}
}

// Events returns the lifecycle notification channel.
func (a *Animator) Events() <-chan Event { return a.events }

// Register initializes animation state for ref, loading and caching its
// frames. First registration emits a started event. Re-registering an
// existing ref is a no-op.
func (a *Animator) Register(ref string, cfg AnimConfig) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.states[ref]; ok {
		return nil
	}

	frames, err := loadFrames(cfg)
	if err != nil {
		return err
	}

	now := a.now()
	a.states[ref] = &animState{
		cfg:         cfg,
		frames:      frames,
		cachedAt:    now,
		lastAdvance: now,
	}
	a.emit(Event{Ref: ref, Kind: AnimStarted})
	return nil
}

// Evict discards the animation state for ref.
func (a *Animator) Evict(ref string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.states, ref)
}

// CurrentFrame returns the buffer for ref's current display frame,
// advancing the frame index when frameDelay has elapsed and applying
// configured effects. On wraparound without loop it emits a completed
// event, evicts the state, and returns the final frame.
func (a *Animator) CurrentFrame(ref string) (*image.RGBA, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.states[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrAnimNotFound, ref)
	}

	now := a.now()

	if now.Sub(st.cachedAt) > frameCacheTTL {
		frames, err := loadFrames(st.cfg)
		if err != nil {
			return nil, err
		}
		st.frames = frames
		st.cachedAt = now
	}

	count := len(st.frames)
	if st.cfg.FrameDelay > 0 && now.Sub(st.lastAdvance) >= st.cfg.FrameDelay {
		st.index++
		st.lastAdvance = now
		if st.index >= count {
			if st.cfg.Loop {
				st.index = 0
			} else {
				st.index = count - 1
				a.emit(Event{Ref: ref, Kind: AnimCompleted})
				delete(a.states, ref)
				return applyEffects(st.frames[st.index], st.cfg.Effects, 1), nil
			}
		}
	}

	progress := 1.0
	if count > 1 {
		progress = float64(st.index) / float64(count-1)
	}
	return applyEffects(st.frames[st.index], st.cfg.Effects, progress), nil
}

func (a *Animator) emit(ev Event) {
	select {
	case a.events <- ev:
	default:
		a.log.Warn("animation event dropped", "ref", ev.Ref, "kind", ev.Kind)
	}
}

// loadFrames materializes the frame sequence for a config.
func loadFrames(cfg AnimConfig) ([]*image.RGBA, error) {
	switch cfg.Type {
	case AnimSequence:
		if len(cfg.Frames) == 0 {
			return nil, ErrAnimNoFrames
		}
		return cfg.Frames, nil

	case AnimSpriteSheet:
		return sliceSheet(cfg.Sheet, cfg.TileW, cfg.TileH)

	case AnimFrameFiles:
		if len(cfg.Paths) == 0 {
			return nil, ErrAnimNoFrames
		}
		frames := make([]*image.RGBA, 0, len(cfg.Paths))
		for _, p := range cfg.Paths {
			img, err := decodeFile(p)
			if err != nil {
				return nil, fmt.Errorf("compose: load frame %s: %w", p, err)
			}
			frames = append(frames, img)
		}
		return frames, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAnim, cfg.Type)
	}
}

// sliceSheet cuts a sprite sheet into row-major tiles.
func sliceSheet(sheet *image.RGBA, tileW, tileH int) ([]*image.RGBA, error) {
	if sheet == nil || tileW <= 0 || tileH <= 0 {
		return nil, ErrAnimNoFrames
	}
	b := sheet.Bounds()
	cols, rows := b.Dx()/tileW, b.Dy()/tileH
	if cols == 0 || rows == 0 {
		return nil, ErrAnimNoFrames
	}
	frames := make([]*image.RGBA, 0, cols*rows)
	for row := 0; row < rows; row++ {
		for col := 0; col < cols; col++ {
			tile := image.NewRGBA(image.Rect(0, 0, tileW, tileH))
			src := image.Rect(b.Min.X+col*tileW, b.Min.Y+row*tileH, b.Min.X+(col+1)*tileW, b.Min.Y+(row+1)*tileH)
			draw.Draw(tile, tile.Bounds(), sheet, src.Min, draw.Src)
			frames = append(frames, tile)
		}
	}
	return frames, nil
}

func decodeFile(path string) (*image.RGBA, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	src, _, err := image.Decode(f)
	if err != nil {
		return nil, err
	}
	out := image.NewRGBA(src.Bounds())
	draw.Draw(out, out.Bounds(), src, src.Bounds().Min, draw.Src)
	return out, nil
}

// applyEffects composes the configured effects left-to-right, each
// re-deriving the buffer's bounds before the next applies.
func applyEffects(img *image.RGBA, effects []EffectConfig, progress float64) *image.RGBA {
	out := img
	for _, e := range effects {
		out = applyEffect(out, e, progress)
	}
	return out
}

func applyEffect(img *image.RGBA, e EffectConfig, progress float64) *image.RGBA {
	p := ease(e.Easing, progress)

	switch e.Kind {
	case EffectFade:
		from, to := e.From, e.To
		if from == 0 && to == 0 {
			from, to = 0, 1
		}
		return fadeImage(img, from+(to-from)*p)

	case EffectScale:
		from, to := e.From, e.To
		if from == 0 && to == 0 {
			from, to = 0.5, 1
		}
		return scaleImage(img, from+(to-from)*p)

	case EffectRotate:
		deg := e.From + (e.To-e.From)*p
		return rotateImage(img, deg)

	case EffectSlide:
		return slideImage(img, e.SlideX*p, e.SlideY*p)

	default:
		return img
	}
}

// ease maps normalized progress through the selected curve.
func ease(curve Easing, p float64) float64 {
	p = math.Max(0, math.Min(1, p))
	switch curve {
	case EaseIn:
		return p * p
	case EaseOut:
		return 1 - (1-p)*(1-p)
	case EaseInOut:
		if p < 0.5 {
			return 2 * p * p
		}
		return 1 - 2*(1-p)*(1-p)
	default:
		return p
	}
}

// fadeImage scales every pixel's alpha by opacity, returning a copy.
func fadeImage(img *image.RGBA, opacity float64) *image.RGBA {
	opacity = math.Max(0, math.Min(1, opacity))
	out := image.NewRGBA(img.Bounds())
	copy(out.Pix, img.Pix)
	for i := 3; i < len(out.Pix); i += 4 {
		out.Pix[i] = uint8(float64(out.Pix[i])*opacity + 0.5)
	}
	return out
}

// scaleImage resizes the buffer by factor, re-deriving its bounds.
func scaleImage(img *image.RGBA, factor float64) *image.RGBA {
	if factor <= 0 {
		factor = 0.01
	}
	b := img.Bounds()
	w := int(math.Max(1, float64(b.Dx())*factor))
	h := int(math.Max(1, float64(b.Dy())*factor))
	out := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.ApproxBiLinear.Scale(out, out.Bounds(), img, b, xdraw.Src, nil)
	return out
}

// rotateImage rotates the buffer by deg degrees about its center onto a
// buffer sized to the rotated bounding box.
func rotateImage(img *image.RGBA, deg float64) *image.RGBA {
	theta := deg * math.Pi / 180
	cos, sin := math.Cos(theta), math.Sin(theta)
	b := img.Bounds()
	w, h := float64(b.Dx()), float64(b.Dy())

	nw := math.Abs(w*cos) + math.Abs(h*sin)
	nh := math.Abs(w*sin) + math.Abs(h*cos)
	out := image.NewRGBA(image.Rect(0, 0, int(math.Ceil(nw)), int(math.Ceil(nh))))

	// Rotate about the source center, landing centered in the new bounds.
	a, bb := cos, -sin
	d, e := sin, cos
	tx := nw/2 - a*w/2 - bb*h/2
	ty := nh/2 - d*w/2 - e*h/2
	m := f64.Aff3{a, bb, tx, d, e, ty}
	xdraw.ApproxBiLinear.Transform(out, m, img, b, xdraw.Src, nil)
	return out
}

// slideImage offsets the buffer by (dx, dy) on an expanded transparent
// canvas so the slid content is not clipped.
func slideImage(img *image.RGBA, dx, dy float64) *image.RGBA {
	b := img.Bounds()
	ox, oy := int(math.Round(dx)), int(math.Round(dy))
	w := b.Dx() + abs(ox)
	h := b.Dy() + abs(oy)
	out := image.NewRGBA(image.Rect(0, 0, w, h))

	at := image.Point{}
	if ox > 0 {
		at.X = ox
	}
	if oy > 0 {
		at.Y = oy
	}
	draw.Draw(out, image.Rect(at.X, at.Y, at.X+b.Dx(), at.Y+b.Dy()), img, b.Min, draw.Src)
	return out
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
