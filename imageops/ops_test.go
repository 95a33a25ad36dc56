package imageops

import (
	"context"
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solid(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

type fakeSegmenter struct {
	mask *image.Gray
	err  error
}

func (f fakeSegmenter) Segment(context.Context, *image.RGBA) (*image.Gray, error) {
	return f.mask, f.err
}

func TestScaleFillsTargetSize(t *testing.T) {
	t.Parallel()

	ops := New(nil)
	out, err := ops.Scale(solid(640, 360, color.RGBA{10, 20, 30, 255}), image.Pt(240, 180))
	require.NoError(t, err)
	assert.Equal(t, image.Pt(240, 180), out.Bounds().Size())
	assert.Equal(t, color.RGBA{10, 20, 30, 255}, out.RGBAAt(120, 90))

	_, err = ops.Scale(solid(4, 4, color.RGBA{}), image.Pt(0, 10))
	assert.ErrorIs(t, err, ErrEmptySize)
}

func TestFillCropCentres(t *testing.T) {
	t.Parallel()

	assert.Equal(t, image.Rect(140, 0, 500, 360), fillCrop(image.Rect(0, 0, 640, 360), image.Pt(100, 100)))
	assert.Equal(t, image.Rect(0, 140, 360, 500), fillCrop(image.Rect(0, 0, 360, 640), image.Pt(100, 100)))
}

func TestCircularMaskIsHardDisc(t *testing.T) {
	t.Parallel()

	mask, err := New(nil).CircularMask(image.Pt(240, 180))
	require.NoError(t, err)
	assert.Equal(t, uint8(0xff), mask.AlphaAt(120, 90).A)
	assert.Equal(t, uint8(0), mask.AlphaAt(0, 0).A)
	assert.Equal(t, uint8(0), mask.AlphaAt(239, 179).A)
	// Radius is half the shorter side: 90px from the centre horizontally.
	assert.Equal(t, uint8(0xff), mask.AlphaAt(120+89, 90).A)
	assert.Equal(t, uint8(0), mask.AlphaAt(120+91, 90).A)
	for _, a := range mask.Pix {
		assert.True(t, a == 0 || a == 0xff)
	}

	_, err = New(nil).CircularMask(image.Pt(0, 0))
	assert.ErrorIs(t, err, ErrEmptySize)
}

func TestBlendTouchesOnlyTargetRect(t *testing.T) {
	t.Parallel()

	ops := New(nil)
	dst := solid(20, 20, color.RGBA{1, 1, 1, 255})
	src := solid(4, 4, color.RGBA{200, 0, 0, 255})
	ops.Blend(dst, src, nil, image.Pt(5, 5))

	assert.Equal(t, color.RGBA{200, 0, 0, 255}, dst.RGBAAt(5, 5))
	assert.Equal(t, color.RGBA{200, 0, 0, 255}, dst.RGBAAt(8, 8))
	assert.Equal(t, color.RGBA{1, 1, 1, 255}, dst.RGBAAt(9, 9))
	assert.Equal(t, color.RGBA{1, 1, 1, 255}, dst.RGBAAt(4, 4))
}

func TestGaussianBlurKeepsFlatImage(t *testing.T) {
	t.Parallel()

	ops := New(nil)
	for _, sigma := range []float64{0, 1.5, 12} {
		out := ops.GaussianBlur(solid(64, 32, color.RGBA{50, 60, 70, 255}), sigma)
		assert.Equal(t, image.Pt(64, 32), out.Bounds().Size())
		assert.Equal(t, color.RGBA{50, 60, 70, 255}, out.RGBAAt(31, 15), "sigma %v", sigma)
	}
}

func TestGaussianBlurSmoothsEdge(t *testing.T) {
	t.Parallel()

	img := solid(32, 8, color.RGBA{0, 0, 0, 255})
	for y := 0; y < 8; y++ {
		for x := 16; x < 32; x++ {
			img.SetRGBA(x, y, color.RGBA{255, 255, 255, 255})
		}
	}
	out := New(nil).GaussianBlur(img, 2)
	v := out.RGBAAt(16, 4).R
	assert.Greater(t, v, uint8(0))
	assert.Less(t, v, uint8(255))
}

func TestSegmentMaskRescales(t *testing.T) {
	t.Parallel()

	gray := image.NewGray(image.Rect(0, 0, 16, 16))
	for i := range gray.Pix {
		gray.Pix[i] = 0xff
	}
	ops := New(fakeSegmenter{mask: gray})
	mask, err := ops.SegmentMask(context.Background(), solid(64, 32, color.RGBA{}))
	require.NoError(t, err)
	assert.Equal(t, image.Pt(64, 32), mask.Bounds().Size())
	assert.Equal(t, uint8(0xff), mask.AlphaAt(32, 16).A)
}

func TestSegmentMaskErrors(t *testing.T) {
	t.Parallel()

	_, err := New(nil).SegmentMask(context.Background(), solid(4, 4, color.RGBA{}))
	assert.ErrorIs(t, err, ErrNoSegmenter)

	boom := errors.New("boom")
	_, err = New(fakeSegmenter{err: boom}).SegmentMask(context.Background(), solid(4, 4, color.RGBA{}))
	assert.ErrorIs(t, err, boom)
}
