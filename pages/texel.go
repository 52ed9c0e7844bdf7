package pages

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/tilecanvas/tile"
)

// EncodeCoverage converts an 8-bit coverage mask into page texels of the
// given format. Coverage is written as premultiplied white: every channel
// carries the coverage value.
func EncodeCoverage(format gputypes.TextureFormat, coverage []byte) ([]byte, error) {
	bpp := tile.BytesPerPixel(format)
	if bpp == 0 {
		return nil, fmt.Errorf("pages: unsupported page format %v", format)
	}
	out := make([]byte, len(coverage)*bpp)

	switch format {
	case gputypes.TextureFormatR8Unorm:
		copy(out, coverage)
	case gputypes.TextureFormatRGBA8Unorm, gputypes.TextureFormatBGRA8Unorm:
		for i, c := range coverage {
			o := out[i*4 : i*4+4]
			o[0], o[1], o[2], o[3] = c, c, c, c
		}
	case gputypes.TextureFormatRGBA16Float:
		for i, c := range coverage {
			h := float16Bits(float32(c) / 255)
			for ch := range 4 {
				binary.LittleEndian.PutUint16(out[i*8+ch*2:], h)
			}
		}
	case gputypes.TextureFormatRGBA32Float:
		for i, c := range coverage {
			f := math.Float32bits(float32(c) / 255)
			for ch := range 4 {
				binary.LittleEndian.PutUint32(out[i*16+ch*4:], f)
			}
		}
	}
	return out, nil
}

// float16Bits converts a value in [0, 1] to IEEE 754 half precision bits.
// Values below the half normal range flush to zero.
func float16Bits(f float32) uint16 {
	if f <= 0 {
		return 0
	}
	bits := math.Float32bits(f)
	exp := int32((bits>>23)&0xff) - 127 + 15
	if exp <= 0 {
		return 0
	}
	mant := (bits >> 13) & 0x3ff
	// Round to nearest using the first dropped bit.
	if bits&0x1000 != 0 {
		mant++
		if mant == 0x400 {
			mant = 0
			exp++
		}
	}
	//nolint:gosec // G115: exp is in [1, 16] for inputs in (0, 1]
	return uint16(exp)<<10 | uint16(mant)
}
