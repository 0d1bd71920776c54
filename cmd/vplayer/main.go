// Command vplayer wires the player core to a concrete codec backend and
// runs it to completion or until interrupted. The demuxer/decoder/sink
// implementations are supplied by newBackend, which a real build links
// against a platform-specific codec library (spec.md §6 treats these as
// opaque external collaborators, not something this module parses itself).
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/zsiec/ccx"

	"github.com/kestrelmedia/vplayer/audio"
	"github.com/kestrelmedia/vplayer/codecsrc"
	"github.com/kestrelmedia/vplayer/frame"
	"github.com/kestrelmedia/vplayer/hostcb"
	"github.com/kestrelmedia/vplayer/packetqueue"
	"github.com/kestrelmedia/vplayer/player"
	"github.com/kestrelmedia/vplayer/subtitle"
	"github.com/kestrelmedia/vplayer/video"
)

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	path := flag.String("file", "", "media file to play")
	flag.Parse()
	if *path == "" {
		log.Error("usage: vplayer -file <path>")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	backend, err := newBackend(*path)
	if err != nil {
		log.Error("failed to open backend", "file", *path, "error", err)
		os.Exit(1)
	}
	defer backend.demuxer.Close()

	cb := &loggingCallback{log: log}
	p := player.New(log, backend.demuxer, cb)

	for _, si := range backend.demuxer.Streams() {
		switch si.Type {
		case codecsrc.MediaVideo:
			pool := frame.NewPool(4, 1920, 1080)
			vs := video.New(log, backend.videoDecoder, backend.videoSink, p, nil, pool,
				si.TimeBase, backend.hasTimestampDiscontinuities, packetqueue.NewFlushSentinel())
			p.AttachVideo(vs, si.Index)
		case codecsrc.MediaAudio:
			sink, err := cb.CreateAudioRenderer(backend.sampleRate, backend.channels)
			if err != nil {
				log.Error("failed to create audio renderer", "error", err)
				os.Exit(1)
			}
			as := audio.New(log, backend.audioDecoder, backend.resampler, sink, p, packetqueue.NewFlushSentinel())
			p.AttachAudio(as, si.Index)
		case codecsrc.MediaSubtitle:
			var handler subtitle.Handler
			if si.SubtitleIsText {
				handler = subtitle.NewTextHandler(backend.layoutEngine)
			} else {
				handler = subtitle.NewImageHandler(backend.rectScaler)
			}
			ss := subtitle.New(log, backend.subtitleDecoder, handler, packetqueue.NewFlushSentinel())
			p.AttachSubtitle(ss, si.Index)
		}
	}

	if err := p.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error("playback error", "error", err)
		os.Exit(1)
	}
}

// backend bundles every codecsrc collaborator a real build supplies for one
// open media file. newBackend below is a placeholder: wiring a real codec
// library into it is outside this module's scope (spec.md §6 treats these
// as opaque external collaborators), so it always returns errNoBackend.
type backend struct {
	demuxer                     codecsrc.Demuxer
	videoDecoder                codecsrc.VideoDecoder
	videoSink                   codecsrc.VideoSink
	hasTimestampDiscontinuities bool
	audioDecoder                codecsrc.AudioDecoder
	resampler                   codecsrc.Resampler
	sampleRate, channels        int
	subtitleDecoder             codecsrc.SubtitleDecoder
	layoutEngine                codecsrc.LayoutEngine
	rectScaler                  codecsrc.RectScaler
}

var errNoBackend = errors.New("vplayer: no codec backend compiled in; link a platform backend against the codecsrc interfaces")

func newBackend(path string) (*backend, error) {
	return nil, errNoBackend
}

// loggingCallback is a minimal hostcb.Callback that logs every host-facing
// event instead of driving a real UI (spec.md §6's control surface).
type loggingCallback struct {
	log *slog.Logger
}

func (c *loggingCallback) OnError(code int, tag, msg string) {
	c.log.Error("player error", "code", code, "tag", tag, "message", msg)
}

func (c *loggingCallback) OnMetadataReady(container map[string]string, video, audio, subtitle []map[string]string) {
	c.log.Info("metadata ready", "video_streams", len(video), "audio_streams", len(audio), "subtitle_streams", len(subtitle))
}

func (c *loggingCallback) OnStreamReady() {
	c.log.Info("stream ready")
}

func (c *loggingCallback) OnStreamFinished() {
	c.log.Info("playback finished")
}

func (c *loggingCallback) OnProgressChanged(currentMs, durationMs int64) {
	c.log.Debug("progress", "current_ms", currentMs, "duration_ms", durationMs)
}

func (c *loggingCallback) OnPlaybackChanged(paused bool) {
	c.log.Info("playback state changed", "paused", paused)
}

func (c *loggingCallback) OnCaption(frame *ccx.CaptionFrame) {
	c.log.Debug("caption", "channel", frame.Channel, "pts", frame.PTS, "text", frame.Text)
}

func (c *loggingCallback) CreateAudioRenderer(sampleRate, channels int) (codecsrc.AudioSink, error) {
	return nil, codecsrc.ErrNotSupported
}

func (c *loggingCallback) OnThreadStart() {}
func (c *loggingCallback) OnThreadEnd()   {}

var _ hostcb.Callback = (*loggingCallback)(nil)
