// Package audio implements the decode and render pipeline for the audio
// stream (spec.md §4.7): PTS interpolation across frames without their own
// timestamp, an exponential-average sync corrector that nudges an external
// resampler's compensation rather than dropping/duplicating samples, and the
// render thread that writes PCM to the sink and maintains the audio clock.
package audio

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
	"github.com/kestrelmedia/vplayer/streambase"
)

// Sync tuning constants (spec.md §4.7, grounded on AudioStream.cpp).
const (
	sampleCorrectionPercentMax = 10
	audioDiffAvgNB             = 20
	frameStepSleepTimeout      = 0.01 // seconds
	noSyncResetThreshold       = 10.0 // seconds
)

// audioDiffAvgCoef = exp(ln(0.01) / audioDiffAvgNB), the exponential-average
// decay constant from AudioStream.cpp.
var audioDiffAvgCoef = math.Exp(math.Log(0.01) / audioDiffAvgNB)

// ErrAborted is returned internally when the frame queue is aborted while a
// decode was blocked waiting for a writable slot.
var ErrAborted = errors.New("audio: aborted")

// Stream is the audio decode/render pipeline.
type Stream struct {
	*streambase.AVComponent
	log *slog.Logger

	decoder   codecsrc.AudioDecoder
	resampler codecsrc.Resampler
	sink      codecsrc.AudioSink
	master    streambase.MasterClockSelector

	nextPts      int64
	nextPtsValid bool

	diffCum      float64
	diffAvgCount int

	muted atomic.Bool

	// FrameStepActive, if set, reports whether the player is between a
	// frame-step request and the next video frame rendering: the render
	// thread sleeps instead of writing so the paused audio doesn't drift
	// ahead (spec.md §9, AudioStream::onRenderThread's frame-step
	// interlock).
	FrameStepActive func() bool
}

// New creates an audio Stream. resampler may be nil if the decoded sample
// rate/channel layout always matches the sink's (e.g. tests).
func New(log *slog.Logger, decoder codecsrc.AudioDecoder, resampler codecsrc.Resampler,
	sink codecsrc.AudioSink, master streambase.MasterClockSelector, flushSentinel packetqueue.Packet) *Stream {

	s := &Stream{
		log:       log,
		decoder:   decoder,
		resampler: resampler,
		sink:      sink,
		master:    master,
	}
	base := streambase.NewComponent(log, &decodeAdapter{s: s}, s, flushSentinel)
	s.AVComponent = streambase.NewAVComponent(base, media.AudioFrameQueueSize)
	return s
}

// SetMuted mutes/unmutes the render thread's writes (spec.md §9: audio is
// muted while a seek or frame-step is in flight).
func (s *Stream) SetMuted(muted bool) {
	s.muted.Store(muted)
}

// OnDecodeFlushBuffers implements streambase.Hooks: the PTS-continuation
// base becomes invalid across a flush until the next PTS-bearing frame
// (mirroring AudioStream::onDecodeFlushBuffers resetting mNextPts).
func (s *Stream) OnDecodeFlushBuffers() {
	s.nextPtsValid = false
	s.diffCum = 0
	s.diffAvgCount = 0
}

// FramesPending implements streambase.Hooks; audio has no extra pending
// state beyond the frame queue itself.
func (s *Stream) FramesPending() bool {
	return false
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

func (d *decodeAdapter) FlushBuffers() {
	d.s.decoder.FlushBuffers()
}

// Receive decodes one audio frame, interpolating its pts when the codec
// didn't stamp one (spec.md §4.7 step 1): a fresh pts rebases the
// continuation counter, otherwise the counter carries forward by the
// previous frame's sample count.
func (d *decodeAdapter) Receive(out *frame.Queue) error {
	s := d.s

	var samples media.AudioSamples
	pts, hasPTS, err := s.decoder.Receive(&samples)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return streambase.ErrEOF
		}
		if errors.Is(err, codecsrc.ErrAgain) {
			return streambase.ErrAgain
		}
		return err
	}
	serial := s.PktSerial()

	var ptsSeconds float64
	switch {
	case hasPTS:
		ptsSeconds = float64(pts) / float64(samples.SampleRate)
		s.nextPts, s.nextPtsValid = pts+int64(samples.NumSamples), true
	case s.nextPtsValid:
		ptsSeconds = float64(s.nextPts) / float64(samples.SampleRate)
		s.nextPts += int64(samples.NumSamples)
	default:
		ptsSeconds = math.NaN()
	}

	slot, ok := out.PeekWritable()
	if !ok {
		return ErrAborted
	}
	slot.Kind = media.KindAudio
	slot.PTS = ptsSeconds
	slot.Duration = float64(samples.NumSamples) / float64(samples.SampleRate)
	slot.Serial = serial
	slot.Audio = samples
	out.Push()
	return nil
}

// syncClocks implements the exponential-average correction (spec.md §4.7,
// AudioStream::syncClocks): nudge the wanted sample count toward closing the
// gap between this stream's clock and the master clock, clamped to
// ±sampleCorrectionPercentMax, only once enough consecutive samples agree
// the drift is real.
func (s *Stream) syncClocks(numSamples, sampleRate int) int {
	if s.Clock == s.master.MasterClock() {
		return numSamples
	}

	diff := s.Clock.GetPts() - s.master.MasterClock().GetPts()
	if math.IsNaN(diff) || math.Abs(diff) >= noSyncResetThreshold {
		s.diffCum = 0
		s.diffAvgCount = 0
		return numSamples
	}

	s.diffCum = diff + audioDiffAvgCoef*s.diffCum
	s.diffAvgCount++
	if s.diffAvgCount < audioDiffAvgNB {
		return numSamples
	}

	avgDiff := s.diffCum * (1 - audioDiffAvgCoef)
	diffThreshold := float64(numSamples) / float64(sampleRate)
	if math.Abs(avgDiff) < diffThreshold {
		return numSamples
	}

	wanted := numSamples + int(avgDiff*float64(sampleRate))
	min := numSamples * (100 - sampleCorrectionPercentMax) / 100
	max := numSamples * (100 + sampleCorrectionPercentMax) / 100
	if wanted < min {
		wanted = min
	}
	if wanted > max {
		wanted = max
	}
	return wanted
}

// updateClock stamps the audio clock with the currently-written frame's pts,
// backed off by the seconds of audio still sitting in the sink's buffer and
// its reported latency, then syncs the external clock to it (spec.md §4.7,
// AudioStream::updateClock).
func (s *Stream) updateClock(framePts float64, serial int64, bufferedSeconds float64) {
	if math.IsNaN(framePts) {
		return
	}
	latency := 0.0
	if lat, ok := s.sink.Latency(); ok {
		latency = lat
	}
	s.Clock.SetPts(framePts-bufferedSeconds-latency, serial)
	s.Clock.SyncToClock(s.master.ExternalClock())
}

// RenderLoop is the render thread (spec.md §4.7, AudioStream::onRenderThread):
// wait while paused, hold writes during the frame-step interlock or an
// explicit mute, resample toward the sync-corrected sample count, write PCM
// to the sink, and update the audio clock.
func (s *Stream) RenderLoop(ctx context.Context) error {
	for !s.HasAborted() && ctx.Err() == nil {
		s.WaitWhilePaused()
		if s.HasAborted() {
			return nil
		}

		if (s.FrameStepActive != nil && s.FrameStepActive()) || s.muted.Load() {
			sleep(ctx, frameStepSleepTimeout)
			continue
		}

		vp, ok := s.Frames.PeekReadable()
		if !ok {
			return nil
		}
		if vp.Serial != s.Packets.Serial() {
			s.Frames.PushNext()
			continue
		}

		samples := vp.Audio
		wanted := s.syncClocks(samples.NumSamples, samples.SampleRate)
		if s.resampler != nil && wanted != samples.NumSamples {
			if err := s.resampler.SetCompensation(wanted-samples.NumSamples, wanted); err != nil {
				s.log.Warn("audio resampler compensation failed", "error", err)
			}
		}

		pcm := samples.Data
		produced := samples.NumSamples
		if s.resampler != nil {
			out, n, err := s.resampler.Convert(samples)
			if err != nil {
				return err
			}
			pcm, produced = out, n
		}

		if err := s.writeAll(pcm); err != nil {
			return err
		}

		bufferedSeconds := 0.0
		if samples.SampleRate > 0 {
			bufferedSeconds = float64(produced) / float64(samples.SampleRate)
		}
		s.updateClock(vp.PTS, vp.Serial, bufferedSeconds)

		s.Frames.PushNext()
	}
	return nil
}

func (s *Stream) writeAll(pcm []int16) error {
	for len(pcm) > 0 {
		n, err := s.sink.Write(pcm)
		if err != nil {
			return err
		}
		if n <= 0 {
			return errors.New("audio: sink wrote zero samples")
		}
		pcm = pcm[n:]
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
