package subtitle

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/kestrelmedia/vplayer/codecsrc"
	"github.com/kestrelmedia/vplayer/packetqueue"
)

type fakeSubDecoder struct {
	units []codecsrc.DecodedSubtitle
	pos   int
}

func (d *fakeSubDecoder) Submit(pkt packetqueue.Packet) error { return nil }

func (d *fakeSubDecoder) Receive() (codecsrc.DecodedSubtitle, bool, error) {
	if d.pos >= len(d.units) {
		return codecsrc.DecodedSubtitle{}, false, io.EOF
	}
	u := d.units[d.pos]
	d.pos++
	return u, true, nil
}

func (d *fakeSubDecoder) FlushBuffers() {}

type recordingHandler struct {
	decoded []codecsrc.DecodedSubtitle
	pending bool
}

func (h *recordingHandler) Open()                         {}
func (h *recordingHandler) SetDefaultFont(string, string)  {}
func (h *recordingHandler) HasPending() bool               { return h.pending }
func (h *recordingHandler) Invalidate()                    {}
func (h *recordingHandler) Flush()                         { h.decoded = nil; h.pending = false }
func (h *recordingHandler) HandleDecoded(sub codecsrc.DecodedSubtitle, serial int64) {
	h.decoded = append(h.decoded, sub)
	h.pending = true
}
func (h *recordingHandler) BlendToFrame(pts float64, dst []byte, dstStride, width, height int, serial int64, force bool) int {
	if len(dst) == 0 {
		return 0
	}
	dst[3] = 0xFF // mark that we were called
	return 2
}

func TestStreamForwardsDecodedSubtitleToHandler(t *testing.T) {
	t.Parallel()

	decoder := &fakeSubDecoder{units: []codecsrc.DecodedSubtitle{
		{IsText: true, Text: "hello", StartPTS: 1, EndPTS: 3},
	}}
	handler := &recordingHandler{}
	flush := packetqueue.NewFlushSentinel()
	s := New(slog.Default(), decoder, handler, flush)

	if err := s.Packets.Enqueue(packetqueue.Packet{}, false); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if _, err := s.DecodeFrame(ctx, s.Frames); err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}

	if len(handler.decoded) != 1 {
		t.Fatalf("handler got %d decoded units, want 1", len(handler.decoded))
	}
	if handler.decoded[0].Text != "hello" {
		t.Fatalf("decoded text = %q, want hello", handler.decoded[0].Text)
	}
	if s.Frames.GetNumRemaining() != 1 {
		t.Fatalf("GetNumRemaining() = %d, want 1 timing placeholder", s.Frames.GetNumRemaining())
	}
}

func TestPrepareAndGetPendingSubtitleFrame(t *testing.T) {
	t.Parallel()

	decoder := &fakeSubDecoder{}
	handler := &recordingHandler{}
	flush := packetqueue.NewFlushSentinel()
	s := New(slog.Default(), decoder, handler, flush)

	s.PrepareSubtitleFrame(1.0, 0, 4, 4, false)
	if s.Overlays.GetNumRemaining() != 1 {
		t.Fatalf("Overlays.GetNumRemaining() = %d, want 1", s.Overlays.GetNumRemaining())
	}

	s.PrepareSubtitleFrame(2.0, 0, 4, 4, false)
	if s.Overlays.GetNumRemaining() != 2 {
		t.Fatalf("Overlays.GetNumRemaining() = %d, want 2", s.Overlays.GetNumRemaining())
	}

	// Past the first overlay's hold window but within the second's: the
	// stale first entry is discarded and the second is returned.
	overlay := s.GetPendingSubtitleFrame(2.0)
	if overlay == nil {
		t.Fatal("expected the second overlay at pts 2.0")
	}
	if overlay.Pixels[3] != 0xFF {
		t.Fatalf("overlay not blended, alpha byte = %d", overlay.Pixels[3])
	}
	if s.Overlays.GetNumRemaining() != 0 {
		t.Fatalf("Overlays.GetNumRemaining() = %d, want 0 after consuming both", s.Overlays.GetNumRemaining())
	}
}

func TestOnDecodeFlushBuffersClearsHandlerAndQueues(t *testing.T) {
	t.Parallel()

	decoder := &fakeSubDecoder{}
	handler := &recordingHandler{pending: true}
	flush := packetqueue.NewFlushSentinel()
	s := New(slog.Default(), decoder, handler, flush)

	s.PrepareSubtitleFrame(1.0, 0, 2, 2, false)
	s.OnDecodeFlushBuffers()

	if handler.pending {
		t.Fatal("expected handler.Flush to clear pending")
	}
	if s.Overlays.GetNumRemaining() != 0 {
		t.Fatalf("Overlays.GetNumRemaining() = %d, want 0 after flush", s.Overlays.GetNumRemaining())
	}
}
