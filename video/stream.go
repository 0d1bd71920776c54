// Package video implements the decode and render pipeline for the picture
// stream (spec.md §4.6): decode, early-drop when hopelessly late, bit-depth
// reduction, colorspace conversion, optional subtitle composite, and a
// clock-driven render thread that drops or duplicates frames to track the
// playback master clock.
package video

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/kestrelmedia/vplayer/codecsrc"
	"github.com/kestrelmedia/vplayer/frame"
	"github.com/kestrelmedia/vplayer/media"
	"github.com/kestrelmedia/vplayer/packetqueue"
	"github.com/kestrelmedia/vplayer/reduce"
	"github.com/kestrelmedia/vplayer/streambase"
	"github.com/kestrelmedia/vplayer/yuv"
)

// Sync tuning constants (spec.md §4.6, grounded on VideoStream.cpp).
const (
	avSyncThresholdMin      = 0.04
	avSyncThresholdMax      = 0.1
	avSyncFrameDupThreshold = 0.1
	refreshRate             = 0.01
	noSyncThreshold         = 10.0
)

// ErrAborted is returned internally when the frame queue is aborted while a
// decode was blocked waiting for a writable slot.
var ErrAborted = errors.New("video: aborted")

// SubtitleBlender is the interface the subtitle package's format handlers
// satisfy (spec.md §4.9): composite the currently active subtitle onto an
// RGBA buffer and report whether anything changed.
type SubtitleBlender interface {
	// BlendToFrame composites onto dst (stride dstStride, width x height) at
	// video presentation time pts for packet-queue serial serial. force
	// requests a re-blend even if the library reports no change. Returns 0
	// (nothing changed), 1 (positions only) or 2 (contents changed).
	BlendToFrame(pts float64, dst []byte, dstStride, width, height int, serial int64, force bool) int
	Flush()
}

// Stream is the video decode/render pipeline.
type Stream struct {
	*streambase.AVComponent
	log *slog.Logger

	decoder codecsrc.VideoDecoder
	sink    codecsrc.VideoSink
	master  streambase.MasterClockSelector
	conv    *yuv.Converter
	pool    *frame.Pool

	timeBase      media.Rational
	frameDuration float64 // 1 / avg_frame_rate seconds, 0 if unknown

	subtitles SubtitleBlender // nil if no subtitle stream is active

	allowDropFrames atomic.Bool
	frameStepMode   atomic.Bool

	maxFrameDuration float64

	width, height int

	frameTimer   float64
	forceRefresh bool

	// OnFrameStepped is called once after the single frame requested by a
	// frame-step completes rendering (spec.md §9: the read thread toggles
	// playback back to paused).
	OnFrameStepped func()

	// AudioLatency reports the current audio-sink latency in seconds, used
	// to adjust the early-drop and sync-delay comparisons against the
	// master clock (spec.md §4.6). Nil or a func returning 0 disables the
	// adjustment.
	AudioLatency func() float64

	// OnSEIData is called once per decoded picture (even if the picture
	// carries no caption payload) with the decoder-extracted SEI bytes and
	// the picture's pts in seconds, feeding the closed-caption side channel
	// that rides along the video elementary stream.
	OnSEIData func(sei []byte, ptsSeconds float64)
}

// New creates a video Stream. scaler may be nil if only I444 input will
// ever be converted (e.g. tests); hasTimestampDiscontinuities should mirror
// the demuxer's AVFMT_TS_DISCONT flag and governs how large a frame-to-frame
// pts jump is tolerated before falling back to the frame's own duration.
func New(log *slog.Logger, decoder codecsrc.VideoDecoder, sink codecsrc.VideoSink,
	master streambase.MasterClockSelector, scaler yuv.Scaler, pool *frame.Pool,
	timeBase media.Rational, hasTimestampDiscontinuities bool, flushSentinel packetqueue.Packet) *Stream {

	s := &Stream{
		log:      log,
		decoder:  decoder,
		sink:     sink,
		master:   master,
		conv:     yuv.New(scaler),
		pool:     pool,
		timeBase: timeBase,
	}
	s.allowDropFrames.Store(true)
	if hasTimestampDiscontinuities {
		s.maxFrameDuration = 10
	} else {
		s.maxFrameDuration = 3600
	}

	base := streambase.NewComponent(log, &decodeAdapter{s: s}, s, flushSentinel)
	s.AVComponent = streambase.NewAVComponent(base, media.VideoFrameQueueSize)
	return s
}

// SetFrameRate sets the frame duration (1/avg_frame_rate) used when a
// frame's own pts delta can't be trusted.
func (s *Stream) SetFrameRate(num, den int) {
	if num <= 0 || den <= 0 {
		s.frameDuration = 0
		return
	}
	s.frameDuration = float64(den) / float64(num)
}

// SetSubtitles wires (or clears, with nil) the active subtitle blender.
func (s *Stream) SetSubtitles(b SubtitleBlender) {
	s.subtitles = b
}

// HasSubtitles reports whether a subtitle blender is currently wired in.
func (s *Stream) HasSubtitles() bool {
	return s.subtitles != nil
}

// SetAllowFrameDrops toggles early/late frame dropping (spec.md §4.6);
// disabled automatically whenever this stream's own clock is master.
func (s *Stream) SetAllowFrameDrops(allow bool) {
	s.allowDropFrames.Store(allow)
}

func (s *Stream) allowFrameDrops() bool {
	return s.allowDropFrames.Load() && s.Clock != s.master.MasterClock()
}

func (s *Stream) audioLatency() float64 {
	if s.AudioLatency == nil {
		return 0
	}
	return s.AudioLatency()
}

// SetPaused overrides AVComponent.SetPaused so that on unpause the frame
// timer moves forward by the wall time elapsed since the clock was last
// updated (spec.md §4.6), mirroring VideoStream::setPaused.
func (s *Stream) SetPaused(paused bool) {
	if !paused {
		s.frameTimer += s.Clock.TimeSinceLastUpdate()
		s.Clock.UpdatePts()
	}
	s.AVComponent.SetPaused(paused)
}

// StepOneFrame enables frame-step mode: the render loop will deliver exactly
// one frame, then call OnFrameStepped.
func (s *Stream) StepOneFrame() {
	s.frameStepMode.Store(true)
}

// IsFrameStepping reports whether a single-frame step is currently pending
// or in flight, used by the audio render thread's frame-step interlock
// (spec.md §4.7 step 4).
func (s *Stream) IsFrameStepping() bool {
	return s.frameStepMode.Load()
}

// OnDecodeFlushBuffers implements streambase.Hooks: flush resets the force
// refresh flag and flushes the active subtitle blender, discarding the
// content it held from before the seek.
func (s *Stream) OnDecodeFlushBuffers() {
	s.forceRefresh = false
	if s.subtitles != nil {
		s.subtitles.Flush()
	}
}

// FramesPending implements streambase.Hooks; video has no extra pending
// state beyond the frame queue itself.
func (s *Stream) FramesPending() bool {
	return false
}

// ProcessLoop is the decode thread (spec.md §4.6 "onProcessThread"): pulls
// decoded, converted frames via DecodeFrame until aborted or a real error
// occurs.
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

func (d *decodeAdapter) FlushBuffers() {
	d.s.decoder.FlushBuffers()
}

func (d *decodeAdapter) Receive(out *frame.Queue) error {
	s := d.s

	var img media.VideoImage
	bestPTS, duration, err := s.decoder.Receive(&img)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return streambase.ErrEOF
		}
		if errors.Is(err, codecsrc.ErrAgain) {
			return streambase.ErrAgain
		}
		return err
	}

	pts := math.NaN()
	if bestPTS != codecsrc.NoPTS {
		pts = float64(bestPTS) * s.timeBase.Float()
	}
	serial := s.PktSerial()

	if s.OnSEIData != nil {
		s.OnSEIData(img.SEIData, pts)
	}

	// Early-drop: discard hopelessly late frames when this stream isn't
	// the sync master (spec.md §4.6 step 2).
	if s.allowFrameDrops() && !math.IsNaN(pts) {
		masterPts := s.master.MasterClock().GetPts()
		diff := pts - (masterPts - s.audioLatency())
		if !math.IsNaN(masterPts) && diff < 0 && math.Abs(diff) < noSyncThreshold &&
			serial == s.Packets.Serial() && s.Packets.NumPackets() > 0 {
			return streambase.ErrAgain
		}
	}

	if img.Width != s.width || img.Height != s.height {
		s.width, s.height = img.Width, img.Height
		s.pool.Resize(s.width, s.height)
	}
	rgba := s.pool.Get()

	if err := s.convertFrame(img, rgba); err != nil {
		return err
	}
	if s.subtitles != nil {
		s.subtitles.BlendToFrame(pts, rgba.Pix, rgba.Stride, img.Width, img.Height, serial, false)
	}

	slot, ok := out.PeekWritable()
	if !ok {
		return ErrAborted
	}
	slot.Kind = media.KindVideo
	slot.PTS = pts
	slot.Duration = s.frameDuration
	if duration > 0 {
		slot.Duration = float64(duration) * s.timeBase.Float()
	}
	slot.Serial = serial
	slot.Width, slot.Height = img.Width, img.Height
	slot.Format = media.PixFmtRGBA
	slot.SampleAspect = img.SampleAspect
	slot.Video = media.VideoImage{
		Format:       media.PixFmtRGBA,
		Width:        img.Width,
		Height:       img.Height,
		Plane:        [3][]byte{rgba.Pix},
		Linesize:     [3]int{rgba.Stride},
		SampleAspect: img.SampleAspect,
	}
	out.Push()
	return nil
}

// convertFrame runs the 16->8 bit reduction (if needed) and the YUV->RGBA
// conversion into dst (spec.md §4.6 step 3, §4.12).
func (s *Stream) convertFrame(img media.VideoImage, dst *frame.RGBABuffer) error {
	src := img
	if img.Format.BitDepth() > 8 {
		cw, ch := reduce.ChromaPlaneDims(img.Format, img.Width, img.Height)
		planes := [3]reduce.Plane{
			{Samples: img.Plane[0], Stride: img.Linesize[0], Width: img.Width, Height: img.Height},
			{Samples: img.Plane[1], Stride: img.Linesize[1], Width: cw, Height: ch},
			{Samples: img.Plane[2], Stride: img.Linesize[2], Width: cw, Height: ch},
		}
		reduced := reduce.Reduce(img.Format, planes)
		src = media.VideoImage{
			Format:       media.PixFmtYUV420P,
			Width:        img.Width,
			Height:       img.Height,
			Plane:        reduced,
			Linesize:     [3]int{img.Width, cw, cw},
			SampleAspect: img.SampleAspect,
		}
	}
	return s.conv.Convert(src, dst.Pix, dst.Stride)
}

// RenderLoop is the render thread (spec.md §4.6 "onRenderThread"): ticks at
// refreshRate, computing a clock-driven delay for the next queued frame and
// writing it to the sink at the right wall-clock moment.
func (s *Stream) RenderLoop(ctx context.Context) error {
	remaining := 0.0
	for !s.HasAborted() && ctx.Err() == nil {
		if remaining > 0 {
			sleep(ctx, remaining)
		}
		remaining = refreshRate

		if !s.Paused() || s.forceRefresh {
			if err := s.videoProcess(&remaining); err != nil {
				return err
			}
			if s.forceRefresh {
				if err := s.displayFrame(); err != nil {
					return err
				}
			}
			s.forceRefresh = false
		}
	}
	return nil
}

func sleep(ctx context.Context, seconds float64) {
	t := time.NewTimer(time.Duration(seconds * float64(time.Second)))
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// videoProcess implements spec.md §4.6's per-tick delay computation
// (VideoStream::videoProcess).
func (s *Stream) videoProcess(remaining *float64) error {
	for {
		if s.Frames.GetNumRemaining() <= 0 {
			return nil
		}

		vp := s.Frames.PeekFirst()
		last := s.Frames.PeekLast()

		if vp.Serial != s.Packets.Serial() {
			s.Frames.PushNext()
			continue
		}

		if last.Serial != vp.Serial {
			s.frameTimer = wallSeconds()
		}

		if s.Paused() {
			return nil
		}

		lastDuration := frameDurationDiff(last, vp, s.maxFrameDuration)
		delay := lastDuration
		isMaster := s.Clock == s.master.MasterClock()
		if !isMaster {
			diff := vp.PTS - (s.master.MasterClock().GetPts() - s.audioLatency())
			syncThres := clamp(lastDuration, avSyncThresholdMin, avSyncThresholdMax)
			if !math.IsNaN(diff) {
				switch {
				case diff <= -syncThres:
					delay = math.Max(0, lastDuration+diff)
				case diff >= syncThres && lastDuration > avSyncFrameDupThreshold:
					delay += diff
				case diff >= syncThres:
					delay = 2 * lastDuration
				}
			}
		}

		now := wallSeconds()
		if now < s.frameTimer+delay {
			*remaining = math.Min(s.frameTimer+delay-now, *remaining)
			return nil
		}

		s.frameTimer += delay
		if delay > 0 && now-s.frameTimer > avSyncThresholdMax {
			s.frameTimer = now
		}

		if !math.IsNaN(vp.PTS) {
			s.Clock.SetPts(vp.PTS, vp.Serial)
			s.Clock.SyncToClock(s.master.ExternalClock())
		}

		if s.Frames.GetNumRemaining() > 1 {
			next := s.Frames.PeekNext()
			duration := frameDurationDiff(vp, next, s.maxFrameDuration)
			if !s.frameStepMode.Load() && s.allowFrameDrops() && now > s.frameTimer+duration {
				s.Frames.PushNext()
				continue
			}
		}

		s.Frames.PushNext()
		s.forceRefresh = true
		if s.frameStepMode.Load() {
			s.frameStepMode.Store(false)
			if s.OnFrameStepped != nil {
				s.OnFrameStepped()
			}
		}
		return nil
	}
}

// displayFrame writes the most recently advanced-past frame to the sink
// (spec.md §4.6: "write pixel data before the precise display moment, then
// call renderFrame at the display moment").
func (s *Stream) displayFrame() error {
	vp := s.Frames.PeekLast()
	if vp.Video.Plane[0] == nil {
		return nil
	}
	buf, stride, err := s.sink.Lock(vp.Width, vp.Height)
	if err != nil {
		return err
	}
	srcStride := vp.Video.Linesize[0]
	for row := 0; row < vp.Height; row++ {
		copy(buf[row*stride:row*stride+vp.Width*4], vp.Video.Plane[0][row*srcStride:row*srcStride+vp.Width*4])
	}
	return s.sink.UnlockAndPost()
}

func frameDurationDiff(f, next *media.Frame, maxFrameDuration float64) float64 {
	if f.Serial != next.Serial {
		return 0
	}
	duration := next.PTS - f.PTS
	if math.IsNaN(duration) || duration <= 0 || duration > maxFrameDuration {
		return f.Duration
	}
	return duration
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func wallSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
