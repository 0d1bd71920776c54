// Package clock implements the presentation-timestamp tracker that the
// video, audio, and external streams synchronize against (spec.md §4.1).
package clock

import (
	"math"
	"sync"
	"time"
)

// NoSyncThreshold is the maximum absolute PTS difference, in seconds, beyond
// which syncToClock refuses to adopt another clock's PTS (treating it as
// effectively a different timeline rather than drift to correct for).
const NoSyncThreshold = 10.0

// Clock is a monotonic PTS tracker with adjustable speed and a pause flag.
// Reads and writes both take a mutex so a getPts() racing with a
// setPts() never observes a torn base/drift/lastUpdated triple. Per
// spec.md §5, cross-stream reads may observe a slightly stale value — the
// sync thresholds elsewhere absorb that.
type Clock struct {
	mu sync.Mutex

	basePts     float64
	drift       float64
	lastUpdated float64
	speed       float64
	paused      bool
	serial      int64

	// queueSerial, when non-nil, is polled and compared against serial on
	// every getPts call; a mismatch means the clock is stale across a seek
	// and getPts returns NaN. nil means self-serialed (never stale).
	queueSerial func() int64

	now func() float64
}

// New creates a Clock. queueSerial, if non-nil, should return the current
// serial counter of the PacketQueue this clock tracks (typically
// packetqueue.Queue.Serial); pass nil for a free-running clock (e.g. the
// external clock, which is its own authority).
func New(queueSerial func() int64) *Clock {
	c := &Clock{
		speed:       1.0,
		queueSerial: queueSerial,
		now:         wallSeconds,
	}
	c.setTimeAtLocked(math.NaN(), c.now(), 0)
	return c
}

func wallSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// SetPts stamps the clock with pts at the current wall time.
func (c *Clock) SetPts(pts float64, serial int64) {
	c.SetTimeAt(pts, c.now(), serial)
}

// SetTimeAt stamps the clock with pts as observed at wall-clock time wall.
func (c *Clock) SetTimeAt(pts float64, wall float64, serial int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setTimeAtLocked(pts, wall, serial)
}

func (c *Clock) setTimeAtLocked(pts float64, wall float64, serial int64) {
	c.basePts = pts
	if math.IsNaN(pts) {
		c.drift = math.NaN()
	} else {
		c.drift = pts - wall
	}
	c.lastUpdated = wall
	if serial != 0 {
		c.serial = serial
	}
}

// SetSpeed snapshots the current PTS (so the speed change doesn't cause a
// jump) and then applies the new playback speed.
func (c *Clock) SetSpeed(speed float64) {
	c.UpdatePts()
	c.mu.Lock()
	c.speed = speed
	c.mu.Unlock()
}

// Speed returns the current playback speed.
func (c *Clock) Speed() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.speed
}

// SetPaused sets the pause flag.
func (c *Clock) SetPaused(paused bool) {
	c.mu.Lock()
	c.paused = paused
	c.mu.Unlock()
}

// Paused reports the pause flag.
func (c *Clock) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// Serial returns the serial this clock was last stamped with.
func (c *Clock) Serial() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serial
}

// SyncToClock adopts other's PTS if this clock's PTS is NaN or differs from
// other's by more than NoSyncThreshold seconds.
func (c *Clock) SyncToClock(other *Clock) {
	pts := c.GetPts()
	theirPts, theirSerial := other.getPtsAndSerial()
	if math.IsNaN(theirPts) {
		return
	}
	if math.IsNaN(pts) || math.Abs(pts-theirPts) > NoSyncThreshold {
		c.SetPts(theirPts, theirSerial)
	}
}

// UpdatePts rebases the clock to its own current PTS, collapsing drift
// accumulated since the last explicit setPts.
func (c *Clock) UpdatePts() {
	c.SetPts(c.GetPts(), 0)
}

// GetPts returns the current PTS: NaN if the clock's serial is stale
// relative to its packet queue; the base PTS while paused; otherwise
// drift + wall + (wall - lastUpdated) * (speed - 1).
func (c *Clock) GetPts() float64 {
	pts, _ := c.getPtsAndSerial()
	return pts
}

func (c *Clock) getPtsAndSerial() (float64, int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.queueSerial != nil && c.queueSerial() != c.serial {
		return math.NaN(), c.serial
	}
	if c.paused {
		return c.basePts, c.serial
	}
	wall := c.now()
	return c.drift + wall + (wall-c.lastUpdated)*(c.speed-1), c.serial
}

// TimeSinceLastUpdate returns the wall-clock seconds elapsed since the last
// setPts/setTimeAt call.
func (c *Clock) TimeSinceLastUpdate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now() - c.lastUpdated
}
