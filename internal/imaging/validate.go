package imaging

import "github.com/example/liveness-check/internal/apperrors"

const (
	// MinDimension is the exclusive lower bound for width and height.
	MinDimension = 64
	// MaxDimension is the exclusive upper bound for width and height.
	MaxDimension = 4096
)

// Validate rejects nil, empty, released and out-of-range images.
func Validate(img *Image) error {
	switch {
	case img == nil:
		return apperrors.InvalidImage("image is nil")
	case img.Released():
		return apperrors.InvalidImage("image buffer already released")
	case img.pix == nil || len(img.pix.Pix) == 0:
		return apperrors.InvalidImage("image buffer is empty")
	}

	w, h := img.Width(), img.Height()
	if w <= MinDimension || h <= MinDimension {
		return apperrors.InvalidImage("dimensions %dx%d must exceed %d px", w, h, MinDimension)
	}
	if w >= MaxDimension || h >= MaxDimension {
		return apperrors.InvalidImage("dimensions %dx%d must be below %d px", w, h, MaxDimension)
	}
	return nil
}
