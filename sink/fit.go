package sink

import (
	"image"
	"image/color"
	"image/draw"

	xdraw "golang.org/x/image/draw"

	"go2tv.app/screenrec/media"
)

// fitFrame returns tightly packed pixels of size in format. A frame of a
// different size is scaled to fit and centred on a black background
// (transparent when alpha is kept). fitted reports that scaling happened.
func fitFrame(f media.VideoFrame, size image.Point, format media.PixelFormat, alpha bool) (data []byte, fitted bool, err error) {
	if f.Size() == size {
		if f, err = media.ConvertPixels(f, format); err != nil {
			return nil, false, err
		}
		return packed(f), false, nil
	}

	narrow, err := media.ConvertPixels(f, media.PixelFormatBGRA)
	if err != nil {
		return nil, false, err
	}
	src, err := narrow.RGBA()
	if err != nil {
		return nil, false, err
	}

	dst := image.NewRGBA(image.Rect(0, 0, size.X, size.Y))
	if !alpha {
		draw.Draw(dst, dst.Bounds(), image.NewUniform(color.RGBA{A: 0xff}), image.Point{}, draw.Src)
	}
	xdraw.ApproxBiLinear.Scale(dst, letterbox(src.Bounds().Size(), size), src, src.Bounds(), xdraw.Src, nil)

	out, err := media.ConvertPixels(media.FromRGBA(dst, f.PTS), format)
	if err != nil {
		return nil, true, err
	}
	return packed(out), true, nil
}

// letterbox returns the largest rectangle with src's aspect ratio centred in
// dst.
func letterbox(src, dst image.Point) image.Rectangle {
	w, h := dst.X, src.Y*dst.X/src.X
	if h > dst.Y {
		w, h = src.X*dst.Y/src.Y, dst.Y
	}
	x, y := (dst.X-w)/2, (dst.Y-h)/2
	return image.Rect(x, y, x+w, y+h)
}

// packed drops row padding.
func packed(f media.VideoFrame) []byte {
	row := f.Width * f.Format.BytesPerPixel()
	if f.Stride == row {
		return f.Data[:row*f.Height]
	}
	out := make([]byte, row*f.Height)
	for y := 0; y < f.Height; y++ {
		copy(out[y*row:], f.Data[y*f.Stride:y*f.Stride+row])
	}
	return out
}
