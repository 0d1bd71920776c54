// Package frame implements the FrameQueue ring buffer (spec.md §4.3) and the
// AvFramePool round-robin RGBA buffer pool (spec.md §2) that decode threads
// hand frames to render threads through.
package frame

import (
	"sync"

	"github.com/kestrelmedia/vplayer/media"
)

// MaxQueueSize caps the FrameQueue capacity the way the original clamps
// requested sizes with FFMIN(requested, MAX_FRAME_QUEUE_SIZE).
const MaxQueueSize = 16

// Queue is a fixed-capacity ring of Frame slots with "keep-last" semantics:
// when enabled, the most recently displayed frame stays peekable via
// peekLast until the consumer explicitly advances past it.
type Queue struct {
	mu   sync.Mutex
	cond *sync.Cond

	slots      []media.Frame
	cap        int
	readIndex  int
	writeIndex int
	size       int
	shown      int // 0 or 1
	keepLast   bool
	aborted    bool
}

// NewQueue creates a Queue of the given capacity (clamped to MaxQueueSize).
// keepLast should be true for audio/video queues and false for subtitle
// queues per the original's isAVQueue flag.
func NewQueue(capacity int, keepLast bool) *Queue {
	if capacity > MaxQueueSize {
		capacity = MaxQueueSize
	}
	if capacity < 1 {
		capacity = 1
	}
	q := &Queue{
		slots:    make([]media.Frame, capacity),
		cap:      capacity,
		keepLast: keepLast,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Abort wakes every blocked peekWritable/peekReadable caller; subsequent
// calls to either return (nil, false) immediately.
func (q *Queue) Abort() {
	q.mu.Lock()
	q.aborted = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// PeekWritable blocks until a free slot exists or the queue is aborted, and
// returns a pointer to that slot for the producer to fill in place.
func (q *Queue) PeekWritable() (*media.Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.size >= q.cap && !q.aborted {
		q.cond.Wait()
	}
	if q.aborted {
		return nil, false
	}
	return &q.slots[q.writeIndex], true
}

// Push advances the write index and size after the producer has filled the
// slot returned by PeekWritable.
func (q *Queue) Push() {
	q.mu.Lock()
	q.writeIndex = (q.writeIndex + 1) % q.cap
	q.size++
	q.mu.Unlock()
	q.cond.Signal()
}

// PeekReadable blocks until a readable frame exists (size-shown > 0) or the
// queue is aborted.
func (q *Queue) PeekReadable() (*media.Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.size-q.shown <= 0 && !q.aborted {
		q.cond.Wait()
	}
	if q.aborted {
		return nil, false
	}
	return &q.slots[(q.readIndex+q.shown)%q.cap], true
}

// PushNext advances past the currently-read frame. If keepLast is enabled
// and the slot hasn't been marked shown yet, it is marked shown instead of
// being freed — the first consumed frame becomes the "last displayed" frame
// kept for repeat-on-pause rendering.
func (q *Queue) PushNext() {
	q.mu.Lock()
	defer func() {
		q.mu.Unlock()
		q.cond.Signal()
	}()
	if q.keepLast && q.shown == 0 {
		q.shown = 1
		return
	}
	q.slots[q.readIndex].Reset()
	q.readIndex = (q.readIndex + 1) % q.cap
	q.size--
}

// PeekFirst returns the next frame to be consumed (accounting for shown),
// without blocking or mutating state.
func (q *Queue) PeekFirst() *media.Frame {
	q.mu.Lock()
	defer q.mu.Unlock()
	return &q.slots[(q.readIndex+q.shown)%q.cap]
}

// PeekNext returns the frame after PeekFirst, for lookahead computations
// such as the video render thread's next-frame-duration check.
func (q *Queue) PeekNext() *media.Frame {
	q.mu.Lock()
	defer q.mu.Unlock()
	return &q.slots[(q.readIndex+q.shown+1)%q.cap]
}

// PeekLast returns the most recently displayed frame (valid even when
// GetNumRemaining is 0), for repeat-on-pause / surface-recreation redraw.
func (q *Queue) PeekLast() *media.Frame {
	q.mu.Lock()
	defer q.mu.Unlock()
	return &q.slots[q.readIndex]
}

// GetNumRemaining returns the number of frames still to be consumed.
func (q *Queue) GetNumRemaining() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size - q.shown
}

// Size returns the raw occupied-slot count (including the shown slot).
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Cap returns the queue's capacity.
func (q *Queue) Cap() int {
	return q.cap
}
