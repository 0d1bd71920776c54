// Package codecsrc names the external collaborators the player core treats
// as opaque: the demuxer/decoder library, the audio/video sinks, and the
// styled-subtitle layout engine (spec.md §6). Nothing in this package parses
// a container or a codec bitstream; it only declares the interfaces the rest
// of the module drives.
package codecsrc

import (
	"context"
	"errors"
	"math"

	"github.com/kestrelmedia/vplayer/assbitmap"
	"github.com/kestrelmedia/vplayer/media"
	"github.com/kestrelmedia/vplayer/packetqueue"
)

// NoPTS marks an unknown timestamp, mirroring the codec library's
// AV_NOPTS_VALUE.
const NoPTS int64 = math.MinInt64

// ErrAgain mirrors the codec library's EAGAIN: Submit/Receive made no
// progress this call.
var ErrAgain = errors.New("codecsrc: again")

// MediaType distinguishes the streams a Demuxer exposes.
type MediaType int

const (
	MediaUnknown MediaType = iota
	MediaVideo
	MediaAudio
	MediaSubtitle
)

// StreamInfo describes one demuxed stream: its index, media type, time
// base, and whether it carries an attached picture (e.g. embedded cover
// art) rather than a real video sequence.
type StreamInfo struct {
	Index          int
	Type           MediaType
	TimeBase       media.Rational
	AttachedPic    bool
	SubtitleIsText bool // true for SSA/ASS-like codecs, false for bitmap subtitle codecs
	Properties     map[string]string
}

// Demuxer is the subset of the external container/codec library the read
// thread drives: open, enumerate streams, read packets, seek, and the
// pause/play hooks used by network sources (spec.md §6).
type Demuxer interface {
	Streams() []StreamInfo
	Attachments() []Font
	DurationMs() int64

	// ReadPacket reads one demuxed packet. ok is false and err is nil on a
	// clean EOF. streamIndex identifies which StreamInfo the packet belongs
	// to.
	ReadPacket(ctx context.Context) (pkt packetqueue.Packet, streamIndex int, ok bool, err error)

	// SeekFile seeks so that dequeued packets fall within [min, max] and as
	// close to target as achievable, all in the demuxer's own time base.
	SeekFile(min, target, max int64) error

	// ReadPause/ReadPlay control network-source buffering; return
	// ErrNotSupported for local files.
	ReadPause() error
	ReadPlay() error

	Close() error
}

// ErrNotSupported is returned by Demuxer.ReadPause/ReadPlay for sources
// that have no network-level pause operation (e.g. local files).
var ErrNotSupported = errNotSupported{}

type errNotSupported struct{}

func (errNotSupported) Error() string { return "codecsrc: operation not supported by this source" }

// Font is a font attachment extracted from the container, handed to the
// subtitle layout engine.
type Font struct {
	Name string
	Data []byte
}

// VideoDecoder is the external video codec: submit demuxed packets, receive
// decoded pictures. BestEffortPTS is the codec's reconciled PTS (spec.md
// §4.6 step 1), already distinct from the packet's own PTS.
type VideoDecoder interface {
	Submit(pkt packetqueue.Packet) error
	// Receive decodes the next picture into img. bestEffortPTS and duration
	// are in the stream's time base units (convert with TimeBase.Float()).
	Receive(img *media.VideoImage) (bestEffortPTS int64, duration int64, err error)
	FlushBuffers()
}

// AudioDecoder is the external audio codec.
type AudioDecoder interface {
	Submit(pkt packetqueue.Packet) error
	// Receive decodes the next frame. pts is AV_NOPTS-equivalent (callers
	// check HasPTS) in the codec's own (1, sample_rate) time base.
	Receive(samples *media.AudioSamples) (pts int64, hasPTS bool, err error)
	FlushBuffers()
}

// DecodedSubtitle is one decoded subtitle unit handed to a format-specific
// handler (spec.md §4.8): either a text event line (IsText true) or a list
// of pre-rasterized bitmap rects.
type DecodedSubtitle struct {
	IsText   bool
	Text     string // process_data-equivalent event line, IsText only
	Rects    []BitmapRect
	StartPTS float64 // seconds
	EndPTS   float64 // seconds
}

// BitmapRect is one decoded graphics-subtitle rectangle prior to scaling.
type BitmapRect struct {
	X, Y, W, H int
	Pixels     []byte // 8-bit palettized or alpha source, handler-defined
	Stride     int
}

// SubtitleDecoder is the external subtitle codec.
type SubtitleDecoder interface {
	Submit(pkt packetqueue.Packet) error
	Receive() (sub DecodedSubtitle, ok bool, err error)
	FlushBuffers()
}

// LayoutEngine is the styled-subtitle layout library (spec.md §6): it owns
// fonts and a track of fed text events and renders positioned alpha bitmaps
// for a given presentation time.
type LayoutEngine interface {
	SetFrameSize(width, height int)
	SetFonts(path, family string)
	AddFont(name string, data []byte)
	ProcessCodecPrivate(header []byte)
	ProcessData(eventLine string)
	FlushEvents()
	// RenderFrame renders the track at ptsMs and reports whether layout
	// changed since the last call: 0 = unchanged, 1 = positions only,
	// 2 = contents changed.
	RenderFrame(ptsMs int64) (images []assbitmap.Image, changed int)
}

// Resampler is the external audio resampler/stretcher the audio stream uses
// to adjust sample counts for A/V sync (spec.md §4.7, §9's "resampler
// elasticity" note: the correction is applied via the resampler's
// compensation setter, not by duplicating/dropping samples in the player).
type Resampler interface {
	// SetCompensation nudges the resampler to produce deltaSamples more (or
	// fewer, if negative) samples over the next distPlayedSamples played.
	SetCompensation(deltaSamples, distPlayedSamples int) error
	// Convert resamples in to the sink's configured rate/channels/format,
	// returning the number of samples produced.
	Convert(in media.AudioSamples) (out []int16, samplesProduced int, err error)
}

// RectScaler is the external scaler's rect-scaling entry point used by the
// image subtitle handler (spec.md §4.9): scale a decoded bitmap rect to
// dstW x dstH, producing a BGRA (alpha-bearing, already-tinted) cache image.
type RectScaler interface {
	ScaleRect(rect BitmapRect, dstW, dstH int) (pixels []byte, stride int, err error)
}

// AudioSink is the platform audio output (spec.md §6): a FIFO PCM writer
// with a latency query.
type AudioSink interface {
	Write(pcm []int16) (written int, err error)
	Pause() error
	Play() error
	Flush() error
	Stop() error
	SetVolume(v float64) error
	NumChannels() int
	SampleRate() int
	// Latency returns the sink's current output-buffer latency in seconds,
	// or (0, false) if the stabilization policy (spec.md §6) says the query
	// should be skipped this tick.
	Latency() (seconds float64, ok bool)
}

// VideoSink is the platform video surface (spec.md §6): a writable RGBA
// pixel buffer with lock/unlock/post semantics.
type VideoSink interface {
	// Lock acquires a writable buffer sized to width/height, RGBA8888.
	Lock(width, height int) (buf []byte, stride int, err error)
	// UnlockAndPost releases the buffer locked above and presents it.
	UnlockAndPost() error
	// RenderLastFrame re-posts the most recently written buffer, used when
	// the surface is recreated while paused.
	RenderLastFrame() error
}
