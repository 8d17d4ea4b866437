// Package imaging holds the pixel buffer handed to the pipeline and the
// validation applied to it before any processing.
package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"sync/atomic"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/example/liveness-check/internal/apperrors"
)

// Image is an RGBA pixel buffer owned by the caller for one pipeline call.
type Image struct {
	pix      *image.RGBA
	released atomic.Bool
}

// FromImage copies src into a new RGBA buffer.
func FromImage(src image.Image) *Image {
	if src == nil {
		return &Image{}
	}
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return &Image{pix: dst}
}

// Solid returns a width x height image filled with c.
func Solid(width, height int, c color.Color) *Image {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(dst, dst.Bounds(), &image.Uniform{C: c}, image.Point{}, draw.Src)
	return &Image{pix: dst}
}

// Decode reads JPEG, PNG, GIF, BMP or WebP bytes into an Image. The header is
// checked first so oversized images are rejected before their pixels are
// allocated.
func Decode(data []byte) (*Image, error) {
	if len(data) == 0 {
		return nil, apperrors.InvalidImage("empty payload")
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: decode header: %v", apperrors.ErrInvalidImage, err)
	}
	if cfg.Width >= MaxDimension || cfg.Height >= MaxDimension {
		return nil, apperrors.InvalidImage("dimensions %dx%d must be below %d px", cfg.Width, cfg.Height, MaxDimension)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: decode: %v", apperrors.ErrInvalidImage, err)
	}
	return FromImage(img), nil
}

// Width returns the image width in pixels.
func (img *Image) Width() int {
	if img == nil || img.pix == nil {
		return 0
	}
	return img.pix.Rect.Dx()
}

// Height returns the image height in pixels.
func (img *Image) Height() int {
	if img == nil || img.pix == nil {
		return 0
	}
	return img.pix.Rect.Dy()
}

// RGB returns the 8-bit channels of the pixel at (x, y).
func (img *Image) RGB(x, y int) (r, g, b uint8) {
	i := img.pix.PixOffset(x, y)
	p := img.pix.Pix[i : i+3 : i+3]
	return p[0], p[1], p[2]
}

// Luminance returns the BT.601 luma of the pixel at (x, y) on a 0-255 scale.
func (img *Image) Luminance(x, y int) float64 {
	r, g, b := img.RGB(x, y)
	return 0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)
}

// RGBA exposes the underlying buffer. Callers must not mutate it.
func (img *Image) RGBA() *image.RGBA {
	if img == nil {
		return nil
	}
	return img.pix
}

// Resize returns a bilinear-resampled copy with the given dimensions. The
// receiver is returned unchanged when it already has them.
func (img *Image) Resize(width, height int) *Image {
	if img.Width() == width && img.Height() == height {
		return img
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.BiLinear.Scale(dst, dst.Bounds(), img.pix, img.pix.Bounds(), draw.Src, nil)
	return &Image{pix: dst}
}

// Release drops the pixel buffer. A released image fails validation.
func (img *Image) Release() {
	if img == nil {
		return
	}
	img.released.Store(true)
	img.pix = nil
}

// Released reports whether Release has been called.
func (img *Image) Released() bool {
	return img != nil && img.released.Load()
}
