package media

import (
	"encoding/binary"
	"fmt"
)

// ConvertPixels returns f in the requested format. 16-bit words are treated
// as MSB-aligned, so 8-bit values expand as v<<8|v and narrow to the high
// byte. The result is always a new, tightly packed buffer unless f is already
// in the requested format.
func ConvertPixels(f VideoFrame, to PixelFormat) (VideoFrame, error) {
	if f.Format == to {
		return f, nil
	}
	if err := f.Valid(); err != nil {
		return VideoFrame{}, err
	}

	out := NewVideoFrame(f.Width, f.Height, to, f.PTS)
	out.Status = f.Status
	switch {
	case f.Format == PixelFormatBGRA10 && to == PixelFormatBGRA:
		for y := 0; y < f.Height; y++ {
			src := f.Data[y*f.Stride : y*f.Stride+f.Width*8]
			dst := out.Data[y*out.Stride : y*out.Stride+f.Width*4]
			for i := range dst {
				dst[i] = byte(binary.LittleEndian.Uint16(src[i*2:]) >> 8)
			}
		}
	case f.Format == PixelFormatBGRA && to == PixelFormatBGRA10:
		for y := 0; y < f.Height; y++ {
			src := f.Data[y*f.Stride : y*f.Stride+f.Width*4]
			dst := out.Data[y*out.Stride : y*out.Stride+f.Width*8]
			for i, v := range src {
				binary.LittleEndian.PutUint16(dst[i*2:], uint16(v)<<8|uint16(v))
			}
		}
	default:
		return VideoFrame{}, fmt.Errorf("no conversion from %s to %s", f.Format, to)
	}
	return out, nil
}
