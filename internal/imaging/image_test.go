package imaging

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"runtime"
	"strings"
	"testing"

	"github.com/example/liveness-check/internal/apperrors"
)

func TestValidate(t *testing.T) {
	released := Solid(128, 128, color.White)
	released.Release()

	tests := []struct {
		name    string
		img     *Image
		wantErr bool
	}{
		{"nil image", nil, true},
		{"empty buffer", &Image{}, true},
		{"released buffer", released, true},
		{"below minimum", Solid(32, 32, color.White), true},
		{"at minimum", Solid(64, 128, color.White), true},
		{"just above minimum", Solid(65, 65, color.White), false},
		{"model input size", Solid(224, 224, color.White), false},
		{"at maximum", Solid(4096, 80, color.White), true},
		{"just below maximum", Solid(80, 4095, color.White), false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(tc.img)
			if tc.wantErr {
				if !errors.Is(err, apperrors.ErrInvalidImage) {
					t.Fatalf("expected ErrInvalidImage, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("expected valid image, got %v", err)
			}
		})
	}
}

func TestDecodePNG(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 80, 90))
	src.Set(3, 4, color.RGBA{R: 10, G: 20, B: 30, A: 255})

	var buf bytes.Buffer
	if err := png.Encode(&buf, src); err != nil {
		t.Fatalf("failed to encode png: %v", err)
	}

	img, err := Decode(buf.Bytes())
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if img.Width() != 80 || img.Height() != 90 {
		t.Fatalf("unexpected size %dx%d", img.Width(), img.Height())
	}
	if r, g, b := img.RGB(3, 4); r != 10 || g != 20 || b != 30 {
		t.Fatalf("unexpected pixel (%d,%d,%d)", r, g, b)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := Decode([]byte("not an image")); !errors.Is(err, apperrors.ErrInvalidImage) {
		t.Fatalf("expected ErrInvalidImage, got %v", err)
	}
	if _, err := Decode(nil); !errors.Is(err, apperrors.ErrInvalidImage) {
		t.Fatalf("expected ErrInvalidImage for empty payload, got %v", err)
	}
}

// pngWithDimensions encodes a small gray PNG and rewrites its IHDR to claim
// width x height.
func pngWithDimensions(t *testing.T, width, height uint32) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewGray(image.Rect(0, 0, 8, 8))); err != nil {
		t.Fatalf("failed to encode png: %v", err)
	}
	data := buf.Bytes()
	// signature(8) length(4) "IHDR"(4) width(4) height(4) ... crc at 29
	binary.BigEndian.PutUint32(data[16:20], width)
	binary.BigEndian.PutUint32(data[20:24], height)
	binary.BigEndian.PutUint32(data[29:33], crc32.ChecksumIEEE(data[12:29]))
	return data
}

func TestDecodeRejectsOversizedHeaderBeforeAllocating(t *testing.T) {
	data := pngWithDimensions(t, 12000, 12000)

	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)
	_, err := Decode(data)
	runtime.ReadMemStats(&after)

	if !errors.Is(err, apperrors.ErrInvalidImage) {
		t.Fatalf("expected ErrInvalidImage, got %v", err)
	}
	if !strings.Contains(err.Error(), "must be below") {
		t.Fatalf("expected dimension rejection, got %v", err)
	}
	if allocated := after.TotalAlloc - before.TotalAlloc; allocated > 4<<20 {
		t.Fatalf("Decode allocated %d bytes for a rejected image", allocated)
	}
}

func TestDecodeChecksEachDimension(t *testing.T) {
	for _, dims := range [][2]uint32{{MaxDimension, 100}, {100, MaxDimension}} {
		if _, err := Decode(pngWithDimensions(t, dims[0], dims[1])); !errors.Is(err, apperrors.ErrInvalidImage) {
			t.Fatalf("%dx%d: expected ErrInvalidImage, got %v", dims[0], dims[1], err)
		}
	}
}

func TestFromImageCopiesRGBA(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 80, 80))
	src.Set(1, 1, color.RGBA{R: 50, A: 255})

	img := FromImage(src)
	src.Set(1, 1, color.RGBA{R: 250, A: 255})

	if r, _, _ := img.RGB(1, 1); r != 50 {
		t.Fatalf("mutating the source changed the image: r=%d", r)
	}
}

func TestFromImageNormalizesOrigin(t *testing.T) {
	src := image.NewRGBA(image.Rect(10, 10, 110, 110))
	src.Set(10, 10, color.RGBA{R: 200, A: 255})

	img := FromImage(src)
	if img.RGBA().Rect.Min != (image.Point{}) {
		t.Fatalf("expected origin at zero, got %v", img.RGBA().Rect.Min)
	}
	if r, _, _ := img.RGB(0, 0); r != 200 {
		t.Fatalf("expected copied pixel, got r=%d", r)
	}
}

func TestResize(t *testing.T) {
	img := Solid(100, 50, color.RGBA{R: 40, G: 80, B: 120, A: 255})

	same := img.Resize(100, 50)
	if same != img {
		t.Fatal("expected resize to same dimensions to return receiver")
	}

	resized := img.Resize(224, 224)
	if resized.Width() != 224 || resized.Height() != 224 {
		t.Fatalf("unexpected size %dx%d", resized.Width(), resized.Height())
	}
	if r, g, b := resized.RGB(112, 112); r != 40 || g != 80 || b != 120 {
		t.Fatalf("solid colour should survive resampling, got (%d,%d,%d)", r, g, b)
	}
}

func TestLuminance(t *testing.T) {
	img := Solid(70, 70, color.RGBA{R: 100, G: 100, B: 100, A: 255})
	if got := img.Luminance(5, 5); got < 99.99 || got > 100.01 {
		t.Fatalf("expected luminance 100, got %f", got)
	}
}
