package compose

import (
	"hash/fnv"
	"image"
	"sync"
	"time"

	"github.com/stagecast/stagecast/internal/layer"
)

// renderCacheTTL is how long a rendered layer raster stays valid. Entries
// are invalidated implicitly by fingerprint change, never explicitly.
const renderCacheTTL = 5 * time.Second

// cacheKey is the deterministic fingerprint of a rendered layer. It is a
// comparable struct key hashed directly by the map, so identity never
// depends on string formatting.
type cacheKey struct {
	layerID     string
	kind        layer.Kind
	posX, posY  float64
	scale       float64
	rotation    float64
	opacity     float64
	contentHash uint64
}

type cacheEntry struct {
	img       *image.RGBA
	createdAt time.Time
}

// renderCache memoizes rendered layer rasters between frames. A miss
// renders; a hit within TTL reuses the raster untouched.
type renderCache struct {
	mu      sync.Mutex
	entries map[cacheKey]cacheEntry
	now     func() time.Time

	hits   uint64
	misses uint64
}

func newRenderCache() *renderCache {
	return &renderCache{
		entries: make(map[cacheKey]cacheEntry),
		now:     time.Now,
	}
}

// keyFor computes the cache fingerprint for a layer.
func keyFor(l layer.Layer) cacheKey {
	return cacheKey{
		layerID:     l.ID,
		kind:        l.Kind,
		posX:        l.Transform.Position.X,
		posY:        l.Transform.Position.Y,
		scale:       l.Transform.Scale,
		rotation:    l.Transform.Rotation,
		opacity:     l.Opacity,
		contentHash: contentHash(l),
	}
}

// contentHash fingerprints the layer's content so content changes roll
// the cache key.
func contentHash(l layer.Layer) uint64 {
	h := fnv.New64a()
	write := func(b []byte) { _, _ = h.Write(b) }
	writeStr := func(s string) { _, _ = h.Write([]byte(s)) }

	switch {
	case l.Host != nil:
		writeStr(l.Host.ModelRef)
		writeStr(l.Host.TextureRef)
		write(l.Host.Pixels)
	case l.Feed != nil:
		writeStr(l.Feed.SourceURL)
		write(l.Feed.Pixels)
	case l.Overlay != nil:
		writeStr(string(l.Overlay.Type))
		switch {
		case l.Overlay.Text != nil:
			writeStr(l.Overlay.Text.Text)
			writeStr(string(l.Overlay.Text.Align))
			write([]byte{l.Overlay.Text.Color.R, l.Overlay.Text.Color.G, l.Overlay.Text.Color.B, l.Overlay.Text.Color.A})
		case l.Overlay.Shape != nil:
			s := l.Overlay.Shape
			writeStr(string(s.Shape))
			write([]byte{s.Fill.R, s.Fill.G, s.Fill.B, s.Fill.A})
			for _, p := range s.Points {
				write([]byte{byte(int(p.X)), byte(int(p.Y))})
			}
			write([]byte{byte(int(s.Width)), byte(int(s.Height)), byte(int(s.Radius))})
		case l.Overlay.Image != nil:
			writeStr(l.Overlay.Image.URL)
			writeStr(l.Overlay.Image.AnimRef)
			write(l.Overlay.Image.Pixels)
		}
	case l.Chat != nil:
		for _, msg := range l.Chat.Messages {
			writeStr(msg.ID)
			writeStr(msg.Text)
			if msg.Highlighted {
				write([]byte{1})
			}
		}
	}
	return h.Sum64()
}

// get returns the cached raster for key if present and fresh.
func (c *renderCache) get(key cacheKey) (*image.RGBA, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || c.now().Sub(e.createdAt) > renderCacheTTL {
		if ok {
			delete(c.entries, key)
		}
		c.misses++
		return nil, false
	}
	c.hits++
	return e.img, true
}

// put stores a rendered raster and opportunistically sweeps expired
// entries so the map does not grow without bound.
func (c *renderCache) put(key cacheKey, img *image.RGBA) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for k, e := range c.entries {
		if now.Sub(e.createdAt) > renderCacheTTL {
			delete(c.entries, k)
		}
	}
	c.entries[key] = cacheEntry{img: img, createdAt: now}
}

// stats returns hit/miss counters and the resident entry count.
func (c *renderCache) stats() (hits, misses uint64, size int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses, len(c.entries)
}
