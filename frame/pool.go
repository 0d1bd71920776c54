package frame

import "sync"

// RGBABuffer is one pre-allocated, reusable RGBA pixel buffer handed out by
// Pool. Stride is in bytes.
type RGBABuffer struct {
	Pix    []byte
	Stride int
	Width  int
	Height int
}

// Pool is a fixed-size ring of pre-allocated RGBA frame buffers handed out
// round-robin to the video pipeline so it never allocates per frame
// (spec.md §2, AvFramePool). Buffers are shared by reference between the
// video processing thread and the video render thread; their lifetime is
// the lifetime of the pool, not of any individual frame.
type Pool struct {
	mu      sync.Mutex
	buffers []*RGBABuffer
	next    int
	width   int
	height  int
}

// NewPool creates a Pool of size buffers, each sized for width x height
// RGBA pixels.
func NewPool(size, width, height int) *Pool {
	if size < 1 {
		size = 1
	}
	p := &Pool{
		buffers: make([]*RGBABuffer, size),
		width:   width,
		height:  height,
	}
	for i := range p.buffers {
		p.buffers[i] = newRGBABuffer(width, height)
	}
	return p
}

func newRGBABuffer(width, height int) *RGBABuffer {
	stride := width * 4
	return &RGBABuffer{
		Pix:    make([]byte, stride*height),
		Stride: stride,
		Width:  width,
		Height: height,
	}
}

// Get returns the next buffer in round-robin order, reallocating it in
// place if the pool's configured dimensions have changed (e.g. after a
// video-size-changing seek or a new attached picture).
func (p *Pool) Get() *RGBABuffer {
	p.mu.Lock()
	defer p.mu.Unlock()
	buf := p.buffers[p.next]
	p.next = (p.next + 1) % len(p.buffers)
	if buf.Width != p.width || buf.Height != p.height {
		buf = newRGBABuffer(p.width, p.height)
		p.buffers[(p.next-1+len(p.buffers))%len(p.buffers)] = buf
	}
	return buf
}

// Resize changes the dimensions buffers are (lazily) reallocated to on next
// Get. Existing outstanding buffer references remain valid at their old
// size until recycled.
func (p *Pool) Resize(width, height int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.width, p.height = width, height
}
