// Package subtitle implements the subtitle decode pipeline and its
// format-specific compositors (spec.md §4.8, §4.9): text (SSA/ASS via an
// external layout engine plus the bitmap-section grouping engine), bitmap
// (DVD/PGS-style pre-rasterized rects), and closed captions (CEA-608/708
// carried in the video elementary stream).
package subtitle

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/kestrelmedia/vplayer/codecsrc"
	"github.com/kestrelmedia/vplayer/frame"
	"github.com/kestrelmedia/vplayer/media"
	"github.com/kestrelmedia/vplayer/packetqueue"
	"github.com/kestrelmedia/vplayer/streambase"
)

// ErrAborted is returned internally when the frame queue is aborted while a
// decode was blocked waiting for a writable slot.
var ErrAborted = errors.New("subtitle: aborted")

// Stream is the subtitle decode pipeline. Decoded units are pushed straight
// to handler as they arrive on the decode thread; Frames only carries
// timing placeholders used for decode-thread pacing/finished-bookkeeping,
// and Overlays is a small pre-rendered-overlay ring for a render thread
// that wants a separately composited layer instead of calling the handler
// directly (spec.md §4.8's two described compositing strategies).
type Stream struct {
	*streambase.Component
	log *slog.Logger

	decoder codecsrc.SubtitleDecoder
	handler Handler

	// Frames carries one timing placeholder per decoded subtitle unit, so
	// the shared decode loop's produced/finished bookkeeping has something
	// to push into even though the actual content goes straight to
	// handler.
	Frames *frame.Queue
	// Overlays is the pre-rendered RGBA overlay ring (spec.md
	// "prepareSubtitleFrame"/"getPendingSubtitleFrame").
	Overlays *frame.Queue
}

// New creates a subtitle Stream backed by decoder and compositing through
// handler.
func New(log *slog.Logger, decoder codecsrc.SubtitleDecoder, handler Handler, flushSentinel packetqueue.Packet) *Stream {
	s := &Stream{
		log:      log,
		decoder:  decoder,
		handler:  handler,
		Frames:   frame.NewQueue(media.SubtitleFrameQueueSize, false),
		Overlays: frame.NewQueue(media.SubPictureQueueSize, false),
	}
	s.Component = streambase.NewComponent(log, &decodeAdapter{s: s}, s, flushSentinel)
	handler.Open()
	return s
}

// OnDecodeFlushBuffers implements streambase.Hooks: drop everything
// in-flight across a seek.
func (s *Stream) OnDecodeFlushBuffers() {
	s.handler.Flush()
	drain(s.Frames)
	drain(s.Overlays)
}

func drain(q *frame.Queue) {
	for q.GetNumRemaining() > 0 {
		q.PushNext()
	}
}

// FramesPending implements streambase.Hooks.
func (s *Stream) FramesPending() bool {
	return s.handler.HasPending()
}

// NotifyAbort wakes anything blocked on this stream's frame queues so
// shutdown doesn't hang waiting for a consumer that will never arrive
// (subtitles have no render thread of their own, but a caller blocked in
// PeekWritable during decode still needs to be woken).
func (s *Stream) NotifyAbort() {
	s.Frames.Abort()
	s.Overlays.Abort()
}

// SetDefaultFont forwards to the active handler, a no-op for handlers with
// no concept of fonts.
func (s *Stream) SetDefaultFont(path, family string) {
	s.handler.SetDefaultFont(path, family)
}

// Blender exposes the active handler's compositing surface (BlendToFrame,
// Flush) so the video render path can drive it directly, satisfying
// video.SubtitleBlender structurally without subtitle importing video.
func (s *Stream) Blender() Handler {
	return s.handler
}

// ProcessLoop is the decode thread.
func (s *Stream) ProcessLoop(ctx context.Context) error {
	for {
		_, err := s.DecodeFrame(ctx, s.Frames)
		if err != nil {
			if errors.Is(err, packetqueue.ErrAborted) || ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

type decodeAdapter struct{ s *Stream }

func (d *decodeAdapter) Submit(pkt packetqueue.Packet) error {
	if err := d.s.decoder.Submit(pkt); err != nil {
		if errors.Is(err, codecsrc.ErrAgain) {
			return streambase.ErrAgain
		}
		return err
	}
	return nil
}

func (d *decodeAdapter) FlushBuffers() { d.s.decoder.FlushBuffers() }

func (d *decodeAdapter) Receive(out *frame.Queue) error {
	s := d.s

	sub, ok, err := s.decoder.Receive()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return streambase.ErrEOF
		}
		if errors.Is(err, codecsrc.ErrAgain) {
			return streambase.ErrAgain
		}
		return err
	}
	if !ok {
		return streambase.ErrAgain
	}

	serial := s.PktSerial()
	s.handler.HandleDecoded(sub, serial)

	slot, wok := out.PeekWritable()
	if !wok {
		return ErrAborted
	}
	slot.Kind = media.KindSubtitle
	slot.PTS = sub.StartPTS
	slot.Duration = sub.EndPTS - sub.StartPTS
	slot.Serial = serial
	out.Push()
	return nil
}

// overlayHoldSeconds bounds how long a prepared overlay is considered
// fresh before a render thread using the Overlays ring must ask for a new
// one, since Handler.BlendToFrame reports only a changed/unchanged flag
// rather than the underlying subtitle event's own end time.
const overlayHoldSeconds = 0.5

// PrepareSubtitleFrame renders handler's content active at pts into a
// freshly allocated width x height RGBA buffer and, if the handler reports
// any change (or force is set), pushes the result onto Overlays (spec.md
// §4.8 prepareSubtitleFrame).
func (s *Stream) PrepareSubtitleFrame(pts float64, serial int64, width, height int, force bool) {
	stride := width * 4
	buf := make([]byte, stride*height)
	changed := s.handler.BlendToFrame(pts, buf, stride, width, height, serial, force)
	if changed == 0 {
		return
	}

	slot, ok := s.Overlays.PeekWritable()
	if !ok {
		return
	}
	slot.Kind = media.KindSubtitle
	slot.PTS = pts
	slot.Serial = serial
	slot.Subtitle = &media.SubtitleOverlay{
		Pixels: buf,
		Stride: stride,
		Width:  width,
		Height: height,
		EndPTS: pts + overlayHoldSeconds,
	}
	s.Overlays.Push()
}

// GetPendingSubtitleFrame returns the most recent overlay still valid at
// targetPts, discarding stale (already ended) entries from the ring along
// the way; the first not-yet-due entry stops the walk and stays queued
// (spec.md §4.8 getPendingSubtitleFrame).
func (s *Stream) GetPendingSubtitleFrame(targetPts float64) *media.SubtitleOverlay {
	var result *media.SubtitleOverlay
	for s.Overlays.GetNumRemaining() > 0 {
		f := s.Overlays.PeekFirst()
		if f.Subtitle == nil || f.Subtitle.EndPTS < targetPts {
			s.Overlays.PushNext()
			continue
		}
		if f.PTS > targetPts {
			break
		}
		result = f.Subtitle
		s.Overlays.PushNext()
	}
	return result
}
