// Package yuv wraps the external scaler library consumed for full YUV→RGBA
// colorspace conversion (spec.md §4.13, §6) and supplies a direct Go
// fast-path for the common 4:4:4 case so tests and simple callers don't
// require a real scaler to be wired in.
package yuv

import "github.com/kestrelmedia/vplayer/media"

// Scaler is the external colorspace-conversion collaborator (spec.md §6):
// a third-party scaler library the player treats as opaque.
type Scaler interface {
	// Convert writes an RGBA8888 conversion of src into dst, which must
	// already be sized width*height*4 bytes with the given stride.
	Convert(src media.VideoImage, dst []byte, dstStride int) error
}

// Converter selects between a configured external Scaler and the built-in
// I444 fast path.
type Converter struct {
	scaler Scaler
}

// New creates a Converter that delegates to scaler for anything other than
// the I444 fast path. scaler may be nil if only I444 input is expected
// (e.g. in unit tests).
func New(scaler Scaler) *Converter {
	return &Converter{scaler: scaler}
}

// Convert writes src into dst as RGBA8888. For media.PixFmtYUV444P it uses
// the direct BT.601 fast path below; everything else is delegated to the
// external scaler.
func (c *Converter) Convert(src media.VideoImage, dst []byte, dstStride int) error {
	if src.Format == media.PixFmtYUV444P {
		convertI444(src, dst, dstStride)
		return nil
	}
	return c.scaler.Convert(src, dst, dstStride)
}

// convertI444 performs ITU-R BT.601 YUV -> RGBA for non-subsampled (4:4:4)
// planar input, where every chroma sample lines up 1:1 with its luma
// sample, avoiding the general scaler's chroma-upsampling cost.
func convertI444(src media.VideoImage, dst []byte, dstStride int) {
	yPlane, yStride := src.Plane[0], src.Linesize[0]
	uPlane, uStride := src.Plane[1], src.Linesize[1]
	vPlane, vStride := src.Plane[2], src.Linesize[2]

	for row := 0; row < src.Height; row++ {
		yRow := yPlane[row*yStride:]
		uRow := uPlane[row*uStride:]
		vRow := vPlane[row*vStride:]
		dstRow := dst[row*dstStride:]
		for col := 0; col < src.Width; col++ {
			r, g, b := yuvToRGB(yRow[col], uRow[col], vRow[col])
			di := col * 4
			dstRow[di+0] = r
			dstRow[di+1] = g
			dstRow[di+2] = b
			dstRow[di+3] = 0xFF
		}
	}
}

// yuvToRGB applies the ITU-R BT.601 limited-range (Y 16-235) conversion matrix using
// fixed-point integer math scaled by 2^16.
func yuvToRGB(yy, cb, cr byte) (r, g, b byte) {
	y := int32(yy) - 16
	u := int32(cb) - 128
	v := int32(cr) - 128

	const (
		cY  = 76309 // 1.164 * 65536
		cRV = 104597
		cGU = 25674
		cGV = 53279
		cBU = 132201
	)

	rv := (cY*y + cRV*v) >> 16
	gv := (cY*y - cGU*u - cGV*v) >> 16
	bv := (cY*y + cBU*u) >> 16

	return clamp8(rv), clamp8(gv), clamp8(bv)
}

func clamp8(v int32) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}
