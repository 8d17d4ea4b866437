package quality

import (
	"math"

	"github.com/example/liveness-check/internal/imaging"
)

const (
	brightnessGridDivisor = 50
	sharpnessGridDivisor  = 40
	sharpnessBorder       = 2
	minSharpnessDimension = 10
	neutralSharpness      = 0.5
)

// BrightnessScore samples luminance on an adaptive grid and maps the mean
// through BrightnessCurve.
func BrightnessScore(img *imaging.Image) float64 {
	w, h := img.Width(), img.Height()
	if w == 0 || h == 0 {
		return 0
	}
	step := gridStep(w, h, brightnessGridDivisor)

	var sum float64
	var n int
	for y := 0; y < h; y += step {
		for x := 0; x < w; x += step {
			sum += img.Luminance(x, y)
			n++
		}
	}
	return BrightnessCurve(sum / float64(n))
}

// BrightnessCurve maps mean luminance (0-255) onto [0,1]. The 80-180 band is
// optimal; darker and brighter means fall off linearly.
func BrightnessCurve(avg float64) float64 {
	var score float64
	switch {
	case avg < 40:
		score = avg / 40 * 0.5
	case avg < 80:
		score = 0.5 + (avg-40)/40*0.5
	case avg <= 180:
		score = 1
	case avg <= 220:
		score = 1 - (avg-180)/40*0.5
	default:
		score = 0.5 * (255 - avg) / 35
	}
	return clamp01(score)
}

// SharpnessScore averages the Sobel gradient magnitude of the luma plane on an
// adaptive grid and maps it through SharpnessCurve. Images under 10 px in
// either dimension return a neutral 0.5.
func SharpnessScore(img *imaging.Image) float64 {
	w, h := img.Width(), img.Height()
	if w < minSharpnessDimension || h < minSharpnessDimension {
		return neutralSharpness
	}
	step := gridStep(w, h, sharpnessGridDivisor)

	luma := func(x, y int) float64 {
		return img.Luminance(clampInt(x, 0, w-1), clampInt(y, 0, h-1))
	}

	var sum float64
	var n int
	for y := sharpnessBorder; y < h-sharpnessBorder; y += step {
		for x := sharpnessBorder; x < w-sharpnessBorder; x += step {
			tl, t, tr := luma(x-1, y-1), luma(x, y-1), luma(x+1, y-1)
			l, r := luma(x-1, y), luma(x+1, y)
			bl, b, br := luma(x-1, y+1), luma(x, y+1), luma(x+1, y+1)

			gx := (tr + 2*r + br) - (tl + 2*l + bl)
			gy := (bl + 2*b + br) - (tl + 2*t + tr)
			sum += math.Sqrt(gx*gx + gy*gy)
			n++
		}
	}
	if n == 0 {
		return neutralSharpness
	}
	return SharpnessCurve(sum / float64(n))
}

// SharpnessCurve maps mean gradient magnitude onto [0,1]. 10-50 is ideal,
// lower means blur, higher means noise and saturates at 0.5.
func SharpnessCurve(avg float64) float64 {
	var score float64
	switch {
	case avg < 5:
		score = avg / 5 * 0.5
	case avg < 10:
		score = 0.5 + (avg-5)/5*0.5
	case avg <= 50:
		score = 1
	case avg <= 100:
		score = 1 - (avg-50)/50*0.5
	default:
		score = 0.5
	}
	return clamp01(score)
}

func gridStep(w, h, divisor int) int {
	return max(1, min(w, h)/divisor)
}

func clampInt(v, lo, hi int) int {
	return max(lo, min(hi, v))
}
