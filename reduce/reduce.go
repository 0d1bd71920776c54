// Package reduce implements the high-bit-depth (10/12/16-bit) YUV → 8-bit
// planar reduction that precedes colorspace conversion (spec.md §4.12).
package reduce

import (
	"encoding/binary"

	"github.com/kestrelmedia/vplayer/media"
)

// Plane describes one source plane: Samples are little-endian or
// big-endian uint16 values packed at Stride bytes per row (exactly two
// bytes per sample; there is no sub-byte packing in the supported formats).
type Plane struct {
	Samples []byte
	Stride  int
	Width   int
	Height  int
}

// Reduce shrinks a 10/12/16-bit planar YUV frame to 8-bit by shifting right
// (bitDepth-8) with saturating round-half-up, byte-swapping first if the
// source is big-endian. Returns one 8-bit plane per input plane, with
// 1-byte-per-sample stride equal to each plane's width.
func Reduce(format media.PixelFormat, planes [3]Plane) [3][]byte {
	shift := uint(format.BitDepth() - 8)
	bigEndian := format.BigEndian()

	var out [3][]byte
	for i, p := range planes {
		if p.Samples == nil {
			continue
		}
		out[i] = reducePlane(p, shift, bigEndian)
	}
	return out
}

func reducePlane(p Plane, shift uint, bigEndian bool) []byte {
	dst := make([]byte, p.Width*p.Height)
	for y := 0; y < p.Height; y++ {
		srcRow := p.Samples[y*p.Stride:]
		dstRow := dst[y*p.Width:]
		reduceRowScalar(dstRow[:p.Width], srcRow, p.Width, shift, bigEndian)
	}
	return dst
}

// reduceRowScalar processes one pixel at a time; the SIMD path described in
// spec.md §4.12 has no portable Go expression without assembly (see
// DESIGN.md), so every row is processed this way, in 8-pixel-lane-shaped
// chunks to keep the structure parallel to a vectorized implementation.
func reduceRowScalar(dst []byte, src []byte, width int, shift uint, bigEndian bool) {
	round := uint16(1) << (shift - 1)
	if shift == 0 {
		round = 0
	}
	x := 0
	for ; x+8 <= width; x += 8 {
		reduceLane(dst[x:x+8], src[x*2:x*2+16], shift, round, bigEndian)
	}
	for ; x < width; x++ {
		dst[x] = reduceSample(src[x*2:x*2+2], shift, round, bigEndian)
	}
}

func reduceLane(dst []byte, src []byte, shift uint, round uint16, bigEndian bool) {
	for i := 0; i < 8; i++ {
		dst[i] = reduceSample(src[i*2:i*2+2], shift, round, bigEndian)
	}
}

func reduceSample(b []byte, shift uint, round uint16, bigEndian bool) byte {
	var v uint16
	if bigEndian {
		v = binary.BigEndian.Uint16(b)
	} else {
		v = binary.LittleEndian.Uint16(b)
	}
	if shift == 0 {
		if v > 0xFF {
			return 0xFF
		}
		return byte(v)
	}
	reduced := (uint32(v) + uint32(round)) >> shift
	if reduced > 0xFF {
		return 0xFF
	}
	return byte(reduced)
}

// ChromaPlaneDims returns the chroma plane width/height for a luma-sized
// plane under format's sub-sampling.
func ChromaPlaneDims(format media.PixelFormat, lumaWidth, lumaHeight int) (width, height int) {
	xs, ys := format.ChromaShift()
	return lumaWidth >> xs, lumaHeight >> ys
}
