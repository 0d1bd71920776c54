package streambase

import (
	"sync"

	"github.com/kestrelmedia/vplayer/clock"
	"github.com/kestrelmedia/vplayer/frame"
)

// AVComponent extends Component with a frame queue, a presentation Clock,
// and pause-wait semantics, shared by the video and audio streams (spec.md
// §4: "AVComponentStream base").
type AVComponent struct {
	*Component

	Frames *frame.Queue
	Clock  *clock.Clock

	pauseMu   sync.Mutex
	pauseCond *sync.Cond
	paused    bool
}

// NewAVComponent wraps base with a frame queue of the given capacity
// (keepLast enabled, matching the original's isAVQueue flag for audio/video
// queues) and a Clock tied to base's packet-queue serial.
func NewAVComponent(base *Component, frameQueueCap int) *AVComponent {
	c := &AVComponent{
		Component: base,
		Frames:    frame.NewQueue(frameQueueCap, true),
	}
	c.Clock = clock.New(base.Packets.Serial)
	c.pauseCond = sync.NewCond(&c.pauseMu)
	return c
}

// SetPaused updates the pause flag and wakes anything waiting in
// WaitWhilePaused.
func (c *AVComponent) SetPaused(paused bool) {
	c.pauseMu.Lock()
	c.paused = paused
	c.pauseMu.Unlock()
	c.Clock.SetPaused(paused)
	if !paused {
		c.pauseCond.Broadcast()
	}
}

// Paused reports the current pause flag.
func (c *AVComponent) Paused() bool {
	c.pauseMu.Lock()
	defer c.pauseMu.Unlock()
	return c.paused
}

// WaitWhilePaused blocks the render thread while paused, waking on
// unpause or abort.
func (c *AVComponent) WaitWhilePaused() {
	c.pauseMu.Lock()
	defer c.pauseMu.Unlock()
	for c.paused && !c.HasAborted() {
		c.pauseCond.Wait()
	}
}

// NotifyAbort wakes any pause waiter so shutdown doesn't block on a paused
// render thread.
func (c *AVComponent) NotifyAbort() {
	c.pauseCond.Broadcast()
	c.Frames.Abort()
}
