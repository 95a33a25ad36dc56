// Package imageops holds the image operations the compositor and the camera
// blur filter are written against. Images are image.RGBA views over BGRA
// buffers; every operation is per-channel so the channel order is preserved.
package imageops

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"math"

	xdraw "golang.org/x/image/draw"
)

var (
	ErrEmptySize    = errors.New("imageops: empty size")
	ErrNoSegmenter  = errors.New("imageops: no segmenter configured")
	ErrMaskMismatch = errors.New("imageops: mask does not cover source")
)

// Segmenter produces a soft person mask, 255 = foreground. The mask may have
// any size; callers rescale it.
type Segmenter interface {
	Segment(ctx context.Context, img *image.RGBA) (*image.Gray, error)
}

// Ops is the image capability set used by the pipeline.
type Ops interface {
	// Scale resizes src to size with aspect fill, cropping the overflow
	// around the centre.
	Scale(src *image.RGBA, size image.Point) (*image.RGBA, error)
	// CircularMask returns a size-sized mask with a hard disc of radius
	// min(w,h)/2 at its centre.
	CircularMask(size image.Point) (*image.Alpha, error)
	// Blend composites src over dst with its top-left at at, weighted by
	// mask. A nil mask draws src as an opaque rectangle.
	Blend(dst, src *image.RGBA, mask *image.Alpha, at image.Point)
	// GaussianBlur returns a blurred copy of src.
	GaussianBlur(src *image.RGBA, sigma float64) *image.RGBA
	// SegmentMask returns a person mask matching src's bounds.
	SegmentMask(ctx context.Context, src *image.RGBA) (*image.Alpha, error)
}

// Default implements Ops on the CPU.
type Default struct {
	Segmenter    Segmenter
	Interpolator xdraw.Interpolator
}

// New returns CPU ops. seg may be nil; SegmentMask then fails with
// ErrNoSegmenter.
func New(seg Segmenter) *Default {
	return &Default{Segmenter: seg, Interpolator: xdraw.ApproxBiLinear}
}

func (d *Default) interpolator() xdraw.Interpolator {
	if d == nil || d.Interpolator == nil {
		return xdraw.ApproxBiLinear
	}
	return d.Interpolator
}

func (d *Default) Scale(src *image.RGBA, size image.Point) (*image.RGBA, error) {
	if size.X <= 0 || size.Y <= 0 {
		return nil, fmt.Errorf("%w: %v", ErrEmptySize, size)
	}
	if src == nil || src.Bounds().Empty() {
		return nil, fmt.Errorf("%w: source", ErrEmptySize)
	}
	dst := image.NewRGBA(image.Rect(0, 0, size.X, size.Y))
	sr := fillCrop(src.Bounds(), size)
	if sr.Size() == size {
		draw.Draw(dst, dst.Bounds(), src, sr.Min, draw.Src)
		return dst, nil
	}
	d.interpolator().Scale(dst, dst.Bounds(), src, sr, xdraw.Src, nil)
	return dst, nil
}

func (d *Default) CircularMask(size image.Point) (*image.Alpha, error) {
	if size.X <= 0 || size.Y <= 0 {
		return nil, fmt.Errorf("%w: mask %v", ErrEmptySize, size)
	}
	mask := image.NewAlpha(image.Rect(0, 0, size.X, size.Y))
	radius := float64(min(size.X, size.Y)) / 2
	cx, cy := float64(size.X)/2, float64(size.Y)/2
	r2 := radius * radius
	for y := 0; y < size.Y; y++ {
		dy := float64(y) + 0.5 - cy
		row := mask.Pix[y*mask.Stride : y*mask.Stride+size.X]
		for x := range row {
			dx := float64(x) + 0.5 - cx
			if dx*dx+dy*dy <= r2 {
				row[x] = 0xff
			}
		}
	}
	return mask, nil
}

func (d *Default) Blend(dst, src *image.RGBA, mask *image.Alpha, at image.Point) {
	r := image.Rectangle{Min: at, Max: at.Add(src.Bounds().Size())}
	if mask == nil {
		draw.Draw(dst, r, src, src.Bounds().Min, draw.Over)
		return
	}
	draw.DrawMask(dst, r, src, src.Bounds().Min, mask, mask.Bounds().Min, draw.Over)
}

func (d *Default) GaussianBlur(src *image.RGBA, sigma float64) *image.RGBA {
	b := src.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	if sigma <= 0 || b.Empty() {
		draw.Draw(out, out.Bounds(), src, b.Min, draw.Src)
		return out
	}

	// Large kernels run on a downsampled copy and are scaled back up.
	factor := int(sigma / 2)
	if factor < 2 {
		blurSeparable(out, src, sigma)
		return out
	}
	small := image.NewRGBA(image.Rect(0, 0, max(1, b.Dx()/factor), max(1, b.Dy()/factor)))
	xdraw.ApproxBiLinear.Scale(small, small.Bounds(), src, b, xdraw.Src, nil)
	blurred := image.NewRGBA(small.Bounds())
	blurSeparable(blurred, small, sigma/float64(factor))
	xdraw.ApproxBiLinear.Scale(out, out.Bounds(), blurred, blurred.Bounds(), xdraw.Src, nil)
	return out
}

func (d *Default) SegmentMask(ctx context.Context, src *image.RGBA) (*image.Alpha, error) {
	if d == nil || d.Segmenter == nil {
		return nil, ErrNoSegmenter
	}
	gray, err := d.Segmenter.Segment(ctx, src)
	if err != nil {
		return nil, err
	}
	if gray == nil || gray.Bounds().Empty() {
		return nil, ErrMaskMismatch
	}

	soft := &image.Alpha{Pix: gray.Pix, Stride: gray.Stride, Rect: gray.Rect}
	size := src.Bounds().Size()
	if soft.Bounds().Size() == size {
		return soft, nil
	}
	mask := image.NewAlpha(image.Rect(0, 0, size.X, size.Y))
	d.interpolator().Scale(mask, mask.Bounds(), soft, fillCrop(soft.Bounds(), size), xdraw.Src, nil)
	return mask, nil
}

// fillCrop returns the centred region of src with the aspect ratio of size.
func fillCrop(src image.Rectangle, size image.Point) image.Rectangle {
	sw, sh := src.Dx(), src.Dy()
	if sw*size.Y > sh*size.X {
		w := sh * size.X / size.Y
		x := src.Min.X + (sw-w)/2
		return image.Rect(x, src.Min.Y, x+w, src.Max.Y)
	}
	h := sw * size.Y / size.X
	y := src.Min.Y + (sh-h)/2
	return image.Rect(src.Min.X, y, src.Max.X, y+h)
}

func gaussianKernel(sigma float64) []float32 {
	radius := int(math.Ceil(sigma * 3))
	k := make([]float32, 2*radius+1)
	var sum float64
	for i := -radius; i <= radius; i++ {
		v := math.Exp(-float64(i*i) / (2 * sigma * sigma))
		k[i+radius] = float32(v)
		sum += v
	}
	for i := range k {
		k[i] = float32(float64(k[i]) / sum)
	}
	return k
}

// blurSeparable writes src blurred into dst. Both must have the same size;
// edges are clamped.
func blurSeparable(dst, src *image.RGBA, sigma float64) {
	k := gaussianKernel(sigma)
	radius := len(k) / 2
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	tmp := make([]float32, w*h*4)

	for y := 0; y < h; y++ {
		row := src.Pix[src.PixOffset(b.Min.X, b.Min.Y+y):]
		for x := 0; x < w; x++ {
			var acc [4]float32
			for i, kv := range k {
				sx := clampInt(x+i-radius, 0, w-1) * 4
				acc[0] += kv * float32(row[sx])
				acc[1] += kv * float32(row[sx+1])
				acc[2] += kv * float32(row[sx+2])
				acc[3] += kv * float32(row[sx+3])
			}
			copy(tmp[(y*w+x)*4:], acc[:])
		}
	}

	for y := 0; y < h; y++ {
		out := dst.Pix[y*dst.Stride:]
		for x := 0; x < w; x++ {
			var acc [4]float32
			for i, kv := range k {
				sy := clampInt(y+i-radius, 0, h-1)
				off := (sy*w + x) * 4
				acc[0] += kv * tmp[off]
				acc[1] += kv * tmp[off+1]
				acc[2] += kv * tmp[off+2]
				acc[3] += kv * tmp[off+3]
			}
			for c := 0; c < 4; c++ {
				out[x*4+c] = uint8(clampInt(int(acc[c]+0.5), 0, 255))
			}
		}
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
