package yuv

import (
	"testing"

	"github.com/kestrelmedia/vplayer/media"
)

func TestConvertI444GrayIsNeutral(t *testing.T) {
	t.Parallel()

	const w, h = 4, 2
	img := media.VideoImage{
		Format: media.PixFmtYUV444P,
		Width:  w,
		Height: h,
	}
	for i := range img.Plane {
		img.Plane[i] = make([]byte, w*h)
		img.Linesize[i] = w
	}
	for i := range img.Plane[0] {
		img.Plane[0][i] = 235 // luma white-ish
	}
	for i := range img.Plane[1] {
		img.Plane[1][i] = 128
		img.Plane[2][i] = 128
	}

	dst := make([]byte, w*h*4)
	c := New(nil)
	if err := c.Convert(img, dst, w*4); err != nil {
		t.Fatalf("Convert: %v", err)
	}

	for i := 0; i < w*h; i++ {
		r, g, b, a := dst[i*4], dst[i*4+1], dst[i*4+2], dst[i*4+3]
		if r != g || g != b {
			t.Fatalf("pixel %d not neutral gray: (%d,%d,%d)", i, r, g, b)
		}
		if a != 0xFF {
			t.Fatalf("pixel %d alpha = %d, want 255", i, a)
		}
		if r < 250 {
			t.Fatalf("pixel %d = %d, want near-white for luma 235", i, r)
		}
	}
}

type stubScaler struct{ called bool }

func (s *stubScaler) Convert(src media.VideoImage, dst []byte, dstStride int) error {
	s.called = true
	return nil
}

func TestConvertDelegatesNonI444(t *testing.T) {
	t.Parallel()

	stub := &stubScaler{}
	c := New(stub)
	img := media.VideoImage{Format: media.PixFmtYUV420P, Width: 2, Height: 2}
	if err := c.Convert(img, make([]byte, 16), 8); err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if !stub.called {
		t.Fatal("expected external scaler to be invoked for non-I444 format")
	}
}
