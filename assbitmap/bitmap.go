// Package assbitmap implements the "bitmap-section" engine (spec.md §4.11):
// it groups overlapping styled-subtitle image rectangles into bounding
// boxes, flattens each group into a contiguous RGBA buffer, and diffs
// against the previous frame so unchanged groups can be skipped.
package assbitmap

import (
	"github.com/kestrelmedia/vplayer/blend"
)

// Image is one positioned, styled subtitle bitmap as produced by the
// external subtitle layout engine (spec.md §6): an 8-bit alpha mask with a
// tint color, at a fixed position and size. Bitmap is a weak reference
// (spec.md §9) into the layout engine's own buffer, valid only until the
// next render call — callers that keep an Image across renders must copy
// Bitmap first.
type Image struct {
	DstX, DstY int
	W, H       int
	Stride     int // per-pixel stride of Bitmap, not bytes
	Color      blend.Color
	Bitmap     []byte
}

func (img Image) right() int  { return img.DstX + img.W }
func (img Image) bottom() int { return img.DstY + img.H }

// Section is one bounding box grouping overlapping Images, with a flattened
// RGBA buffer ready to hand to a consumer, and a Changed flag recording
// whether that buffer was (re)produced for the current frame.
type Section struct {
	X1, Y1, X2, Y2 int
	Images         []Image

	Buffer  []byte
	Stride  int
	Size    int
	Changed bool
}

// NewSection returns an empty section seeded with nothing; callers call Add
// to populate it.
func NewSection() *Section {
	return &Section{}
}

// Overlaps reports whether img's rect intersects this section's current
// bounding box.
func (s *Section) Overlaps(img Image) bool {
	if len(s.Images) == 0 {
		return false
	}
	return s.X1 < img.right() && s.X2 > img.DstX && s.Y1 < img.bottom() && s.Y2 > img.DstY
}

// Add extends the bounding box to include img's rect, appends img to the
// section, and marks the section changed.
func (s *Section) Add(img Image) {
	if len(s.Images) == 0 {
		s.X1, s.Y1, s.X2, s.Y2 = img.DstX, img.DstY, img.right(), img.bottom()
	} else {
		if img.DstX < s.X1 {
			s.X1 = img.DstX
		}
		if img.DstY < s.Y1 {
			s.Y1 = img.DstY
		}
		if img.right() > s.X2 {
			s.X2 = img.right()
		}
		if img.bottom() > s.Y2 {
			s.Y2 = img.bottom()
		}
	}
	s.Images = append(s.Images, img)
	s.Changed = true
}

// FlattenImage computes the padded width/stride/size, (re)allocates Buffer
// if its capacity is insufficient, zeroes it, and blends every contained
// image into it at its section-relative offset.
func (s *Section) FlattenImage() {
	width := s.X2 - s.X1
	height := s.Y2 - s.Y1
	if width <= 0 || height <= 0 {
		s.Size, s.Stride = 0, 0
		return
	}

	paddedWidth := blend.PaddedWidth(width)
	stride := paddedWidth * 4
	size := stride * height

	if size > cap(s.Buffer) {
		s.Buffer = make([]byte, size)
	} else {
		s.Buffer = s.Buffer[:size]
		for i := range s.Buffer {
			s.Buffer[i] = 0
		}
	}
	s.Stride = stride
	s.Size = size

	for _, img := range s.Images {
		xOff := img.DstX - s.X1
		yOff := img.DstY - s.Y1
		dstOff := xOff*4 + yOff*stride
		blend.Blend(s.Buffer[dstOff:], stride, img.Bitmap, img.Stride, img.W, img.H, img.Color)
	}
}

// compareImages mirrors the original ass_image_compare: 0 = identical,
// 1 = only position differs, 2 = any other difference (must re-flatten).
func compareImages(a, b Image) int {
	if a.W != b.W || a.H != b.H || a.Stride != b.Stride || a.Color != b.Color || !sameBitmap(a.Bitmap, b.Bitmap) {
		return 2
	}
	if a.DstX != b.DstX || a.DstY != b.DstY {
		return 1
	}
	return 0
}

func sameBitmap(a, b []byte) bool {
	// The layout engine hands back the same underlying buffer pointer
	// across renders when content is unchanged; a pointer-identity check
	// (via the first element's address) mirrors the original's raw
	// pointer comparison: same length and same address of the first
	// element. Different backing arrays count as changed, even when their
	// bytes are equal.
	if len(a) != len(b) {
		return false
	}
	if len(a) == 0 {
		return true
	}
	return &a[0] == &b[0]
}

// Compare returns 0 if s and other are identical, 1 if only image
// positions differ, 2 if image counts, bounding boxes, or any image's
// size/color/bitmap/stride differ (meaning the section must be
// re-flattened).
func (s *Section) Compare(other *Section) int {
	if len(s.Images) != len(other.Images) || s.X1 != other.X1 || s.X2 != other.X2 || s.Y1 != other.Y1 || s.Y2 != other.Y2 {
		return 2
	}
	result := 0
	for i, img := range s.Images {
		c := compareImages(img, other.Images[i])
		if c >= 2 {
			return c
		}
		if c > result {
			result = c
		}
	}
	return result
}
