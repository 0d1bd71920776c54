package subtitle

import (
	"sync"
	"time"

	"github.com/kestrelmedia/vplayer/assbitmap"
	"github.com/kestrelmedia/vplayer/codecsrc"
	"github.com/kestrelmedia/vplayer/media"
)

// Handler is a format-specific subtitle compositor (spec.md §4.9): it
// consumes decoded subtitle units as they arrive on the decode thread and,
// on demand from the render thread, blends its currently-active content
// onto a destination RGBA buffer.
type Handler interface {
	Open()
	HandleDecoded(sub codecsrc.DecodedSubtitle, serial int64)
	// BlendToFrame composites this handler's content active at pts onto
	// dst (width x height, byte stride dstStride). force bypasses the
	// "nothing changed" skip. Returns 0 if dst was untouched, 1 if only
	// positions changed, 2 if pixel content changed.
	BlendToFrame(pts float64, dst []byte, dstStride, width, height int, serial int64, force bool) int
	SetDefaultFont(path, family string)
	HasPending() bool
	Invalidate()
	Flush()
}

// TextHandler renders SSA/ASS-style text events through an external layout
// engine and composites the result with the bitmap-section grouping engine
// (spec.md §4.9, §4.11).
type TextHandler struct {
	mu       sync.Mutex
	engine   codecsrc.LayoutEngine
	renderer *assbitmap.Renderer
	pending  bool
}

// NewTextHandler wraps engine, which owns fonts and the fed event track.
func NewTextHandler(engine codecsrc.LayoutEngine) *TextHandler {
	return &TextHandler{engine: engine, renderer: assbitmap.NewRenderer()}
}

func (h *TextHandler) Open() {}

func (h *TextHandler) SetDefaultFont(path, family string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.engine.SetFonts(path, family)
}

func (h *TextHandler) HandleDecoded(sub codecsrc.DecodedSubtitle, serial int64) {
	if !sub.IsText {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.engine.ProcessData(sub.Text)
	h.pending = true
}

// BlendToFrame sets the layout engine's frame size, renders the track at
// pts (converted to milliseconds), groups the result into sections, and
// composites every changed section onto dst (spec.md §4.9 step "On
// blendToFrame").
func (h *TextHandler) BlendToFrame(pts float64, dst []byte, dstStride, width, height int, serial int64, force bool) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.engine.SetFrameSize(width, height)
	images, changed := h.engine.RenderFrame(int64(pts * 1000))
	if changed == 0 && !force {
		return 0
	}

	sections := h.renderer.Group(images)
	for _, sec := range sections {
		if !sec.Changed || sec.Size == 0 {
			continue
		}
		compositeOver(dst, dstStride, sec.X1, sec.Y1, sec.Buffer, sec.Stride, sec.X2-sec.X1, sec.Y2-sec.Y1)
	}

	h.pending = false
	if force && changed == 0 {
		return 2
	}
	return changed
}

func (h *TextHandler) HasPending() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pending
}

func (h *TextHandler) Invalidate() {
	h.mu.Lock()
	h.pending = true
	h.mu.Unlock()
}

func (h *TextHandler) Flush() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.engine.FlushEvents()
	h.pending = false
}

// rectKey identifies one bitmap rect within one decoded subtitle unit, the
// ImageHandler's scaled-image cache key.
type rectKey struct {
	subID int64
	idx   int
}

type cacheEntry struct {
	pixels   []byte
	stride   int
	lastUsed time.Time
}

// imageSub is one pending decoded bitmap subtitle awaiting its active
// window [StartPTS, EndPTS).
type imageSub struct {
	id     int64
	sub    codecsrc.DecodedSubtitle
	serial int64
}

// imageCacheTTL is how long an unused scaled-rect cache entry survives
// before eviction (spec.md §4.9: "cache entries unused for a while are
// freed").
const imageCacheTTL = 20 * time.Second

// ImageHandler composites pre-rasterized bitmap subtitles (DVD/PGS-style):
// each decoded rect is scaled once by an external scaler into a cached BGRA
// image, then alpha-composited onto the destination frame every tick it
// remains active.
type ImageHandler struct {
	mu      sync.Mutex
	scaler  codecsrc.RectScaler
	pending []imageSub
	cache   map[rectKey]*cacheEntry
	nextID  int64
	now     func() time.Time
}

// NewImageHandler wraps scaler, which converts each decoded bitmap rect at
// its own decoded size (rect.W x rect.H); rects are not resized to the
// destination frame's dimensions.
func NewImageHandler(scaler codecsrc.RectScaler) *ImageHandler {
	return &ImageHandler{
		scaler: scaler,
		cache:  make(map[rectKey]*cacheEntry),
		now:    time.Now,
	}
}

func (h *ImageHandler) Open() {}

// SetDefaultFont is a no-op for bitmap subtitles; they carry no text.
func (h *ImageHandler) SetDefaultFont(string, string) {}

func (h *ImageHandler) HandleDecoded(sub codecsrc.DecodedSubtitle, serial int64) {
	if sub.IsText {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	if len(h.pending) >= media.SubtitleFrameQueueSize {
		h.pending = h.pending[1:]
	}
	h.pending = append(h.pending, imageSub{id: h.nextID, sub: sub, serial: serial})
}

// BlendToFrame walks the pending queue, dropping entries whose serial no
// longer matches or whose window has passed, then scales (cached) and
// composites every rect of the first still-active entry (spec.md §4.9).
func (h *ImageHandler) BlendToFrame(pts float64, dst []byte, dstStride, width, height int, serial int64, force bool) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.evictStaleCacheLocked()

	changed := 0
	for len(h.pending) > 0 {
		e := h.pending[0]
		if e.serial != serial || pts >= e.sub.EndPTS {
			h.pending = h.pending[1:]
			changed = 2
			continue
		}
		if pts < e.sub.StartPTS {
			break
		}

		for idx, rect := range e.sub.Rects {
			key := rectKey{subID: e.id, idx: idx}
			entry, ok := h.cache[key]
			if !ok {
				pixels, stride, err := h.scaler.ScaleRect(rect, rect.W, rect.H)
				if err != nil {
					continue
				}
				entry = &cacheEntry{pixels: pixels, stride: stride}
				h.cache[key] = entry
			}
			entry.lastUsed = h.now()
			compositeOver(dst, dstStride, rect.X, rect.Y, entry.pixels, entry.stride, rect.W, rect.H)
		}
		changed = 2
		break
	}
	if changed == 0 && force {
		return 2
	}
	return changed
}

func (h *ImageHandler) evictStaleCacheLocked() {
	cutoff := h.now().Add(-imageCacheTTL)
	for k, e := range h.cache {
		if e.lastUsed.Before(cutoff) {
			delete(h.cache, k)
		}
	}
}

func (h *ImageHandler) HasPending() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending) > 0
}

// Invalidate is a no-op: bitmap rects have no position-only update path.
func (h *ImageHandler) Invalidate() {}

func (h *ImageHandler) Flush() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pending = nil
	h.cache = make(map[rectKey]*cacheEntry)
}

// compositeOver alpha-composites a straight (non-premultiplied) RGBA source
// image onto dst using the src-over operator, sharing the div255 rounding
// identity the bitmap-section compositor uses (spec.md §4.10).
func compositeOver(dst []byte, dstStride, dstX, dstY int, src []byte, srcStride, width, height int) {
	for y := 0; y < height; y++ {
		srcRow := src[y*srcStride:]
		dstRow := dst[(dstY+y)*dstStride:]
		for x := 0; x < width; x++ {
			si := x * 4
			a := srcRow[si+3]
			if a == 0 {
				continue
			}
			di := (dstX + x) * 4
			inv := uint16(255 - a)
			av := uint16(a)
			dstRow[di+0] = div255(uint16(dstRow[di+0])*inv + uint16(srcRow[si+0])*av)
			dstRow[di+1] = div255(uint16(dstRow[di+1])*inv + uint16(srcRow[si+1])*av)
			dstRow[di+2] = div255(uint16(dstRow[di+2])*inv + uint16(srcRow[si+2])*av)
			dstRow[di+3] = div255(uint16(dstRow[di+3])*inv + av*av)
		}
	}
}

func div255(v uint16) byte {
	t := v + 128
	return byte((t + t>>8) >> 8)
}
