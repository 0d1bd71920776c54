package assbitmap

import (
	"testing"

	"github.com/kestrelmedia/vplayer/blend"
)

func solidBitmap(w, h int, v byte) []byte {
	b := make([]byte, w*h)
	for i := range b {
		b[i] = v
	}
	return b
}

func img(x, y, w, h int) Image {
	return Image{DstX: x, DstY: y, W: w, H: h, Stride: w, Bitmap: solidBitmap(w, h, 0xFF), Color: blend.Color{R: 255}}
}

// S6: A=(0,0,10,10), B=(5,5,15,15) overlap and group together; C=(100,100,110,110)
// is disjoint and forms its own section.
func TestGroupingS6(t *testing.T) {
	t.Parallel()

	a := img(0, 0, 10, 10)
	b := img(5, 5, 10, 10) // dst(5,5) size(10,10) -> rect (5,5,15,15)
	c := img(100, 100, 10, 10)

	r := NewRenderer()
	sections := r.Group([]Image{a, b, c})

	if len(sections) != 2 {
		t.Fatalf("got %d sections, want 2", len(sections))
	}
	first := sections[0]
	if first.X1 != 0 || first.Y1 != 0 || first.X2 != 15 || first.Y2 != 15 {
		t.Fatalf("section0 bbox = (%d,%d,%d,%d), want (0,0,15,15)", first.X1, first.Y1, first.X2, first.Y2)
	}
	if len(first.Images) != 2 {
		t.Fatalf("section0 has %d images, want 2", len(first.Images))
	}
	second := sections[1]
	if second.X1 != 100 || second.Y1 != 100 || second.X2 != 110 || second.Y2 != 110 {
		t.Fatalf("section1 bbox = (%d,%d,%d,%d), want (100,100,110,110)", second.X1, second.Y1, second.X2, second.Y2)
	}
}

func TestGroupingS6RepeatedFrameIsUnchanged(t *testing.T) {
	t.Parallel()

	a := img(0, 0, 10, 10)
	b := img(5, 5, 10, 10)
	c := img(100, 100, 10, 10)

	r := NewRenderer()
	r.Group([]Image{a, b, c})
	sections := r.Group([]Image{a, b, c})

	for i, sec := range sections {
		if sec.Changed {
			t.Fatalf("section %d marked changed on identical repeat frame", i)
		}
	}
}

func TestGroupingS6MovedImageChangesOnlyItsSection(t *testing.T) {
	t.Parallel()

	a := img(0, 0, 10, 10)
	b := img(5, 5, 10, 10)
	c := img(100, 100, 10, 10)

	r := NewRenderer()
	r.Group([]Image{a, b, c})

	cMoved := img(101, 100, 10, 10)
	sections := r.Group([]Image{a, b, cMoved})

	if sections[0].Changed {
		t.Fatal("section0 (A,B) should be unchanged when only C moved")
	}
	if !sections[1].Changed {
		t.Fatal("section1 (C) should be changed when C moved")
	}
}

// property 5: adding one non-overlapping rect changes only the new section.
func TestAddingOneRectChangesOnlyTheNewSection(t *testing.T) {
	t.Parallel()

	a := img(0, 0, 10, 10)
	r := NewRenderer()
	r.Group([]Image{a})

	b := img(200, 200, 10, 10)
	sections := r.Group([]Image{a, b})

	if len(sections) != 2 {
		t.Fatalf("got %d sections, want 2", len(sections))
	}
	if sections[0].Changed {
		t.Fatal("existing section changed when an unrelated rect was added")
	}
	if !sections[1].Changed {
		t.Fatal("new section should be marked changed")
	}
}

func TestCompareReturnsPositionOnlyDiffWhenBBoxUnchanged(t *testing.T) {
	t.Parallel()

	bmp := solidBitmap(4, 4, 0xFF)
	a := Image{DstX: 0, DstY: 0, W: 4, H: 4, Stride: 4, Bitmap: bmp}
	b := Image{DstX: 20, DstY: 0, W: 4, H: 4, Stride: 4, Bitmap: bmp}
	c1 := Image{DstX: 8, DstY: 0, W: 4, H: 4, Stride: 4, Bitmap: bmp}
	c2 := Image{DstX: 9, DstY: 0, W: 4, H: 4, Stride: 4, Bitmap: bmp} // only position moved

	s1 := NewSection()
	s1.Add(a)
	s1.Add(c1)
	s1.Add(b)

	s2 := NewSection()
	s2.Add(a)
	s2.Add(c2)
	s2.Add(b)

	if s1.X1 != s2.X1 || s1.X2 != s2.X2 {
		t.Fatalf("test setup invalid: bounding boxes differ (%d,%d) vs (%d,%d)", s1.X1, s1.X2, s2.X1, s2.X2)
	}
	if got := s1.Compare(s2); got != 1 {
		t.Fatalf("Compare with only a position moved = %d, want 1", got)
	}
}

func TestFlattenImagePadsWidthToEight(t *testing.T) {
	t.Parallel()

	s := NewSection()
	s.Add(img(0, 0, 5, 3))
	s.FlattenImage()

	wantStride := 8 * 4 // padded width 5->8, times 4 bytes/pixel
	if s.Stride != wantStride {
		t.Fatalf("stride = %d, want %d", s.Stride, wantStride)
	}
	if s.Size != wantStride*3 {
		t.Fatalf("size = %d, want %d", s.Size, wantStride*3)
	}
}
