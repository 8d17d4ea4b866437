// Package tensor converts images into the normalized planar float buffers the
// classifier models consume.
package tensor

import (
	"sync"

	"github.com/example/liveness-check/internal/imaging"
)

const (
	Batch    = 1
	Channels = 3
	Height   = 224
	Width    = 224

	planeSize = Height * Width
	// Size is the number of float32 values in one encoded tensor.
	Size = Batch * Channels * planeSize
)

// Per-channel standardization constants the models were trained with.
var (
	Mean = [Channels]float32{0.485, 0.456, 0.406}
	Std  = [Channels]float32{0.229, 0.224, 0.225}
)

// Tensor is a [1,3,224,224] channel-major buffer checked out from an Encoder.
// Call Release once the model call using it has returned.
type Tensor struct {
	data    []float32
	release func([]float32)
	once    sync.Once
}

// Shape returns the NCHW shape.
func (t *Tensor) Shape() [4]int {
	return [4]int{Batch, Channels, Height, Width}
}

// Data returns the backing buffer. It must not be retained after Release.
func (t *Tensor) Data() []float32 {
	return t.data
}

// Plane returns the values of channel c (0=R, 1=G, 2=B).
func (t *Tensor) Plane(c int) []float32 {
	return t.data[c*planeSize : (c+1)*planeSize]
}

// Release returns the buffer to its pool. Extra calls are no-ops.
func (t *Tensor) Release() {
	if t == nil {
		return
	}
	t.once.Do(func() {
		if t.release != nil {
			t.release(t.data)
		}
		t.data = nil
	})
}

// Encoder produces tensors from images. Buffers come from a pool and are
// owned exclusively by one Tensor until it is released, so an Encoder is
// safe for concurrent use.
type Encoder struct {
	pool sync.Pool
}

// NewEncoder constructs an Encoder.
func NewEncoder() *Encoder {
	e := &Encoder{}
	e.pool.New = func() any {
		buf := make([]float32, Size)
		return &buf
	}
	return e
}

// Encode resizes img to 224x224 when needed and writes the standardized red,
// green and blue planes in that order.
func (e *Encoder) Encode(img *imaging.Image) *Tensor {
	src := img.Resize(Width, Height)

	bufPtr := e.pool.Get().(*[]float32)
	data := *bufPtr

	r := data[0:planeSize]
	g := data[planeSize : 2*planeSize]
	b := data[2*planeSize : 3*planeSize]
	for y := 0; y < Height; y++ {
		for x := 0; x < Width; x++ {
			i := y*Width + x
			pr, pg, pb := src.RGB(x, y)
			r[i] = standardize(pr, 0)
			g[i] = standardize(pg, 1)
			b[i] = standardize(pb, 2)
		}
	}

	return &Tensor{
		data: data,
		release: func(buf []float32) {
			*bufPtr = buf
			e.pool.Put(bufPtr)
		},
	}
}

func standardize(v uint8, c int) float32 {
	return (float32(v)/255 - Mean[c]) / Std[c]
}
