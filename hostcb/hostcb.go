// Package hostcb is the thin callback glue between the player core and the
// embedding host application (spec.md §4 "Glue", §6 "Host control
// surface"). Pointer ownership of anything passed through these callbacks
// belongs to the host; the player only ever calls in, never stores past the
// call.
package hostcb

import (
	"github.com/zsiec/ccx"

	"github.com/kestrelmedia/vplayer/codecsrc"
)

// Callback is the application-facing control surface described in spec.md
// §6: error/metadata/progress reporting, and the factory the player uses to
// create an audio sink once the audio stream's format is known.
type Callback interface {
	OnError(code int, tag, msg string)
	OnMetadataReady(container map[string]string, video, audio, subtitle []map[string]string)
	OnStreamReady()
	OnStreamFinished()
	OnProgressChanged(currentMs, durationMs int64)
	OnPlaybackChanged(paused bool)
	CreateAudioRenderer(sampleRate, channels int) (codecsrc.AudioSink, error)

	// OnCaption delivers one decoded CEA-608/708 closed-caption frame,
	// extracted from SEI payloads riding along the video elementary stream.
	OnCaption(frame *ccx.CaptionFrame)

	// OnThreadStart/OnThreadEnd bracket every long-lived thread that may
	// call back into the host, so hosts that attach threads to a managed
	// runtime (e.g. a JVM) can do so exactly once per thread lifetime.
	OnThreadStart()
	OnThreadEnd()
}

// ThreadGuard scopes one thread's "callable" capability: acquiring it calls
// Callback.OnThreadStart, and releasing it (always, via defer) calls
// Callback.OnThreadEnd exactly once — a resource guard so no exit path
// (normal return, panic recovery, early abort) can leak the attachment
// (spec.md §9 "scoped acquisition with guaranteed release on all exit
// paths").
type ThreadGuard struct {
	cb       Callback
	released bool
}

// AcquireThread starts a Callback-visible thread scope.
func AcquireThread(cb Callback) *ThreadGuard {
	if cb != nil {
		cb.OnThreadStart()
	}
	return &ThreadGuard{cb: cb}
}

// Release ends the thread scope. Safe to call more than once; only the
// first call has an effect.
func (g *ThreadGuard) Release() {
	if g.released || g.cb == nil {
		return
	}
	g.released = true
	g.cb.OnThreadEnd()
}

// NopCallback is a Callback that discards everything, useful for tests and
// for running the player before the host attaches a real callback.
type NopCallback struct{}

func (NopCallback) OnError(int, string, string)                           {}
func (NopCallback) OnMetadataReady(map[string]string, []map[string]string, []map[string]string, []map[string]string) {
}
func (NopCallback) OnStreamReady()                    {}
func (NopCallback) OnStreamFinished()                 {}
func (NopCallback) OnProgressChanged(int64, int64)     {}
func (NopCallback) OnPlaybackChanged(bool)             {}
func (NopCallback) OnCaption(*ccx.CaptionFrame)        {}
func (NopCallback) OnThreadStart()                     {}
func (NopCallback) OnThreadEnd()                       {}
func (NopCallback) CreateAudioRenderer(int, int) (codecsrc.AudioSink, error) {
	return nil, errNoRenderer{}
}

type errNoRenderer struct{}

func (errNoRenderer) Error() string { return "hostcb: NopCallback has no audio renderer" }
