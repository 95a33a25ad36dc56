package media

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConvertPixelsRoundTrip(t *testing.T) {
	t.Parallel()

	f := NewVideoFrame(2, 1, PixelFormatBGRA, 5)
	copy(f.Data, []byte{0, 1, 128, 255, 10, 20, 30, 40})

	wide, err := ConvertPixels(f, PixelFormatBGRA10)
	require.NoError(t, err)
	assert.Equal(t, 16, wide.Stride)
	assert.Equal(t, uint16(0xffff), binary.LittleEndian.Uint16(wide.Data[6:]))
	assert.Equal(t, uint16(0x8080), binary.LittleEndian.Uint16(wide.Data[4:]))
	assert.Equal(t, f.PTS, wide.PTS)

	back, err := ConvertPixels(wide, PixelFormatBGRA)
	require.NoError(t, err)
	assert.Equal(t, f.Data, back.Data)
}

func TestConvertPixelsHonoursStride(t *testing.T) {
	t.Parallel()

	f := VideoFrame{Data: make([]byte, 2*12), Width: 1, Height: 2, Stride: 12, Format: PixelFormatBGRA10}
	binary.LittleEndian.PutUint16(f.Data[12:], 0x3f00)

	out, err := ConvertPixels(f, PixelFormatBGRA)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 0, 0x3f, 0, 0, 0}, out.Data)
}

func TestConvertPixelsSameFormatIsIdentity(t *testing.T) {
	t.Parallel()

	f := NewVideoFrame(1, 1, PixelFormatBGRA, 0)
	out, err := ConvertPixels(f, PixelFormatBGRA)
	require.NoError(t, err)
	assert.Same(t, &f.Data[0], &out.Data[0])
}
