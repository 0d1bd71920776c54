// Package blend implements the alpha compositor that tints an 8-bit
// subtitle alpha mask with a 32-bit color and composites it onto an RGBA
// buffer (spec.md §4.10).
package blend

// Color packs (R, G, B, AInv) where AInv is 255 minus the subtitle's
// opacity (the subtitle layout engine convention: a color alpha byte of 0
// means fully opaque, 255 means fully transparent).
type Color struct {
	R, G, B, AInv uint8
}

// Opacity returns 255-AInv, i.e. the true opacity of this color (0 =
// invisible, 255 = fully opaque).
func (c Color) Opacity() uint8 {
	return 255 - c.AInv
}

// Blend composites an 8-bit alpha mask (src, with its own byte stride)
// tinted by color onto dst (an RGBA buffer with byte stride dstStride), at
// the given width/height. dst is modified in place.
//
// Per-pixel semantics (spec.md §4.10): for opacity a = srcPixel & color.A
// (color.A being the true opacity, 255-AInv):
//
//	dst.c = round8(dst.c*(255-a) + color.c*a)   for c in {R,G,B}
//	dst.a = round8(dst.a*(255-a) + a*a)
//
// where round8 is a rounded division by 255 (see round8 below).
//
// Note the destination alpha channel uses a*a, not color.A*a — this is
// intentional and preserved from the original.
func Blend(dst []byte, dstStride int, src []byte, srcStride int, width, height int, color Color) {
	opacity := color.Opacity()
	for y := 0; y < height; y++ {
		srcRow := src[y*srcStride:]
		dstRow := dst[y*dstStride:]
		for x := 0; x < width; x++ {
			a := srcRow[x] & opacity
			di := x * 4
			blendPixel(dstRow[di:di+4], a, color)
		}
	}
}

func blendPixel(px []byte, a uint8, color Color) {
	inv := 255 - uint16(a)
	px[0] = round8(uint16(px[0])*inv + uint16(color.R)*uint16(a))
	px[1] = round8(uint16(px[1])*inv + uint16(color.G)*uint16(a))
	px[2] = round8(uint16(px[2])*inv + uint16(color.B)*uint16(a))
	px[3] = round8(uint16(px[3])*inv + uint16(a)*uint16(a))
}

// round8 implements round-half-up division by 255 on a 16-bit intermediate
// (dst.c*(255-a) + color.c*a, at most 255*255 = 65025) using the classic
// two-shift "div255" identity: t = v+128; (t + t>>8) >> 8. A single
// "+128 >> 8" (dividing by 256 instead of 255) is what a SIMD
// shift-right-narrow-with-rounding instruction computes directly and is
// off by one at the top of the range (255*255 rounds to 254, not 255);
// the two-shift form is exact there, which spec.md's boundary properties
// (opacity 0 leaves dst unchanged, opacity 255 fully replaces it) require.
func round8(v uint16) byte {
	t := v + 128
	return byte((t + t>>8) >> 8)
}

// PaddedWidth rounds width up to the next multiple of 8, the alignment the
// compositor requires so an 8-pixel SIMD lane can always safely load a full
// lane even when the true width isn't a multiple of 8.
func PaddedWidth(width int) int {
	return (width + 7) &^ 7
}
