// Package streambase provides the shared decode-thread machinery every
// stream (video, audio, subtitle) is built from (spec.md §4.5): a packet
// queue, a pending-packet slot for one re-submit, and the "finished"
// bookkeeping derived from comparing the last-decoded serial against the
// packet queue's current serial.
package streambase

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/kestrelmedia/vplayer/clock"
	"github.com/kestrelmedia/vplayer/frame"
	"github.com/kestrelmedia/vplayer/packetqueue"
)

// MinQueuedPackets and MaxQueuedDuration are the thresholds isQueueFull
// checks against (spec.md §4.4): a stream is "full" once it holds at least
// MinQueuedPackets packets AND (duration is unknown OR exceeds
// MaxQueuedDuration seconds).
const (
	MinQueuedPackets  = 25
	MaxQueuedDuration = 1.0
)

// ErrAgain mirrors the codec library's EAGAIN: submit/receive made no
// progress and decodeFrame should fetch another packet.
var ErrAgain = errors.New("streambase: again")

// ErrEOF mirrors the codec library's EOF: the decoder has drained
// everything it will ever produce for the current serial.
var ErrEOF = io.EOF

// Decoder is the per-stream subset of the external codec library that
// StreamComponent drives (spec.md §6): submit encoded packets, receive
// decoded frames, and flush internal buffers across a seek.
type Decoder interface {
	// Submit hands pkt to the codec. Returns ErrAgain if the codec's
	// internal buffer is full and pkt must be retried after a Receive.
	Submit(pkt packetqueue.Packet) error
	// Receive pulls one decoded unit into out. Returns ErrAgain if no
	// frame is currently available, ErrEOF once the codec has flushed
	// everything for the current serial.
	Receive(out *frame.Queue) error
	// FlushBuffers discards internal decoder state, called on seek and on
	// EOF-drain.
	FlushBuffers()
}

// Hooks lets each concrete stream customize behavior StreamComponent
// doesn't know about: what to do when a flush sentinel is dequeued, and
// how many frames are still "pending" beyond the packet queue (used by
// isFinished).
type Hooks interface {
	OnDecodeFlushBuffers()
	FramesPending() bool
}

// Component is the shared base every stream (video, audio, subtitle) embeds.
// It owns the packet queue and runs the decode loop; concrete streams embed
// it and supply a Decoder plus Hooks.
type Component struct {
	Log         *slog.Logger
	Packets     *packetqueue.Queue
	FlushPacket packetqueue.Packet

	decoder Decoder
	hooks   Hooks

	pktSerial int64
	finished  int64 // last serial fully decoded through EOF; -1 means never
	pending   struct {
		pkt packetqueue.Packet
		ok  bool
	}
}

// NewComponent creates a Component ready to decode. flushPacket must be the
// single shared flush-sentinel Packet this stream's packet queue uses
// (identified by pointer identity per spec.md's PacketQueue contract).
func NewComponent(log *slog.Logger, decoder Decoder, hooks Hooks, flushPacket packetqueue.Packet) *Component {
	return &Component{
		Log:         log,
		Packets:     packetqueue.New(),
		FlushPacket: flushPacket,
		decoder:     decoder,
		hooks:       hooks,
		pktSerial:   -1,
		finished:    -1,
	}
}

// Abort aborts the packet queue, the cooperative cancellation signal used
// throughout (spec.md §5).
func (c *Component) Abort() {
	c.Packets.Abort()
}

// HasAborted reports whether this stream's packet queue has been aborted.
func (c *Component) HasAborted() bool {
	return c.Packets.Aborted()
}

// IsQueueFull reports whether the packet queue has backed up enough that
// the read thread should apply backpressure (spec.md §4.4).
func (c *Component) IsQueueFull() bool {
	if c.HasAborted() {
		return true
	}
	n := c.Packets.NumPackets()
	if n < MinQueuedPackets {
		return false
	}
	dur := c.Packets.Duration()
	return dur == 0 || float64(dur) > MaxQueuedDuration
}

// PktSerial returns the packet-queue serial of the packet currently being
// decoded. Only meaningful when called from within Decoder.Receive, since
// DecodeFrame is the sole writer and it only runs on the decode thread.
func (c *Component) PktSerial() int64 {
	return c.pktSerial
}

// IsFinished reports whether the last-decoded serial matches the packet
// queue's current serial and no frames are pending downstream.
func (c *Component) IsFinished() bool {
	return c.finished == c.Packets.Serial() && !c.hooks.FramesPending()
}

// DecodeFrame runs one iteration of the shared decode loop (spec.md §4.5):
// try to receive a decoded unit from the codec for the current serial; on
// EOF mark finished and flush; on AGAIN dequeue (blocking) the next packet,
// handling the flush sentinel and the one-packet "pending" resubmit slot.
// A flush sentinel is handled inside the loop and does not cause a return.
// Returns (true, nil) if a frame was produced into out this call, (false,
// nil) when the codec reports EOF (the stream is then marked finished for
// the current serial), and a non-nil error on abort, context cancellation,
// or any decoder error other than ErrAgain.
func (c *Component) DecodeFrame(ctx context.Context, out *frame.Queue) (produced bool, err error) {
	for {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}

		if c.Packets.Serial() == c.pktSerial {
			for {
				if c.HasAborted() {
					return false, packetqueue.ErrAborted
				}
				rerr := c.decoder.Receive(out)
				if errors.Is(rerr, ErrEOF) {
					c.finished = c.pktSerial
					c.decoder.FlushBuffers()
					return false, nil
				}
				if rerr == nil {
					return true, nil
				}
				if !errors.Is(rerr, ErrAgain) {
					return false, rerr
				}
				break
			}
		}

		var pkt packetqueue.Packet
		for {
			if c.pending.ok {
				pkt = c.pending.pkt
				c.pending.ok = false
			} else {
				var (
					serial int64
					ok     bool
					derr   error
				)
				pkt, serial, ok, derr = c.Packets.Dequeue(true)
				if derr != nil {
					return false, derr
				}
				if !ok {
					continue
				}
				c.pktSerial = serial
			}
			if c.Packets.Serial() == c.pktSerial {
				break
			}
		}

		if pkt.IsFlush() {
			c.decoder.FlushBuffers()
			c.finished = -1
			c.hooks.OnDecodeFlushBuffers()
			continue
		}

		if serr := c.decoder.Submit(pkt); serr != nil {
			if errors.Is(serr, ErrAgain) {
				c.pending.pkt, c.pending.ok = pkt, true
			}
			continue
		}
	}
}

// MasterClockSelector lets AVComponentStream ask its owner which clock
// ("audio", "video", or "external") is currently the synchronization
// master, without a direct dependency on the player package.
type MasterClockSelector interface {
	MasterClock() *clock.Clock
	ExternalClock() *clock.Clock
}
