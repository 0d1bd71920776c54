package video

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/kestrelmedia/vplayer/clock"
	"github.com/kestrelmedia/vplayer/codecsrc"
	"github.com/kestrelmedia/vplayer/frame"
	"github.com/kestrelmedia/vplayer/media"
	"github.com/kestrelmedia/vplayer/packetqueue"
)

// fakeDecoder produces a fixed number of solid-color YUV444P pictures, one
// per Receive call (Submit is a no-op), then returns io.EOF.
type fakeDecoder struct {
	remaining int
	width     int
	height    int
	nextPTS   int64
}

func (d *fakeDecoder) Submit(pkt packetqueue.Packet) error {
	return nil
}

func (d *fakeDecoder) Receive(img *media.VideoImage) (int64, int64, error) {
	if d.remaining <= 0 {
		return 0, 0, io.EOF
	}
	d.remaining--
	size := d.width * d.height
	y := make([]byte, size)
	u := make([]byte, size)
	v := make([]byte, size)
	for i := range y {
		y[i] = 128
		u[i] = 128
		v[i] = 128
	}
	img.Format = media.PixFmtYUV444P
	img.Width, img.Height = d.width, d.height
	img.Plane = [3][]byte{y, u, v}
	img.Linesize = [3]int{d.width, d.width, d.width}
	pts := d.nextPTS
	d.nextPTS += 1000
	return pts, 1000, nil
}

func (d *fakeDecoder) FlushBuffers() {}

type fakeMasterSelector struct {
	master, external *clock.Clock
}

func (f *fakeMasterSelector) MasterClock() *clock.Clock   { return f.master }
func (f *fakeMasterSelector) ExternalClock() *clock.Clock { return f.external }

type fakeSink struct {
	buf      []byte
	stride   int
	rendered int
}

func (s *fakeSink) Lock(width, height int) ([]byte, int, error) {
	s.stride = width * 4
	s.buf = make([]byte, s.stride*height)
	return s.buf, s.stride, nil
}

func (s *fakeSink) UnlockAndPost() error {
	s.rendered++
	return nil
}

func (s *fakeSink) RenderLastFrame() error { return nil }

func newTestStream(t *testing.T, decoder codecsrc.VideoDecoder) (*Stream, *fakeMasterSelector, *fakeSink) {
	t.Helper()
	log := slog.Default()
	flush := packetqueue.NewFlushSentinel()
	videoClock := clock.New(nil)
	sel := &fakeMasterSelector{master: videoClock, external: clock.New(nil)}
	sink := &fakeSink{}
	pool := frame.NewPool(2, 4, 4)

	s := New(log, decoder, sink, sel, nil, pool, media.Rational{Num: 1, Den: 1000}, false, flush)
	sel.master = s.Clock
	s.SetFrameRate(25, 1)
	return s, sel, sink
}

func TestDecodeAdapterProducesRGBAFrame(t *testing.T) {
	t.Parallel()

	decoder := &fakeDecoder{remaining: 1, width: 4, height: 4}
	s, _, _ := newTestStream(t, decoder)

	if err := s.Packets.Enqueue(packetqueue.Packet{StreamIndex: 0}, false); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	produced, err := s.DecodeFrame(ctx, s.Frames)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if !produced {
		t.Fatalf("DecodeFrame reported no frame produced")
	}
	if s.Frames.GetNumRemaining() != 1 {
		t.Fatalf("GetNumRemaining() = %d, want 1", s.Frames.GetNumRemaining())
	}

	f := s.Frames.PeekFirst()
	if f.Format != media.PixFmtRGBA {
		t.Fatalf("Format = %v, want RGBA", f.Format)
	}
	if f.Video.Plane[0][3] != 0xFF {
		t.Fatalf("alpha channel = %d, want 0xFF", f.Video.Plane[0][3])
	}
}

func TestDecodeFrameReportsEOF(t *testing.T) {
	t.Parallel()

	decoder := &fakeDecoder{remaining: 0}
	s, _, _ := newTestStream(t, decoder)

	if err := s.Packets.Enqueue(packetqueue.Packet{StreamIndex: 0}, false); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	produced, err := s.DecodeFrame(ctx, s.Frames)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if produced {
		t.Fatalf("expected no frame produced at EOF")
	}
	if !s.IsFinished() {
		t.Fatalf("expected IsFinished() after EOF with no pending frames")
	}
}

func TestVideoProcessDropsStaleSerial(t *testing.T) {
	t.Parallel()

	decoder := &fakeDecoder{remaining: 0}
	s, _, _ := newTestStream(t, decoder)

	slot, ok := s.Frames.PeekWritable()
	if !ok {
		t.Fatal("PeekWritable returned false")
	}
	slot.PTS = 0
	slot.Serial = 999 // stale relative to the fresh packet queue's serial 0
	s.Frames.Push()

	remaining := refreshRate
	if err := s.videoProcess(&remaining); err != nil {
		t.Fatalf("videoProcess: %v", err)
	}
	if s.Frames.GetNumRemaining() != 0 {
		t.Fatalf("expected stale frame to be discarded, GetNumRemaining() = %d", s.Frames.GetNumRemaining())
	}
}
