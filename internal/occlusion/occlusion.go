// Package occlusion turns the occlusion classifier's class probabilities into a
// labelled decision.
package occlusion

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/example/liveness-check/internal/apperrors"
	"github.com/example/liveness-check/internal/imaging"
	"github.com/example/liveness-check/internal/tensor"
)

// Labels, in the order of the model's output indices.
const (
	LabelHandOverFace = "hand_over_face"
	LabelNormal       = "normal"
	LabelWithMask     = "with_mask"
)

const (
	idxHandOverFace = iota
	idxNormal
	idxWithMask
	numClasses
)

// NormalThreshold is the minimum probability for a "normal" prediction to
// stand. Below it the strongest occlusion class is reported instead.
const NormalThreshold = 0.7

// Unavailable is returned when the classifier cannot be loaded, so the
// pipeline can keep going.
var Unavailable = Result{Label: LabelNormal, Confidence: 0.7}

// Result is a label and the confidence in that label.
type Result struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// Occluded reports whether the label is anything other than normal.
func (r Result) Occluded() bool {
	return r.Label != LabelNormal
}

// Decide selects a label from [hand_over_face, normal, with_mask] probabilities.
// A "normal" pick below NormalThreshold is swapped for with_mask when its
// probability is strictly greater than hand_over_face, otherwise hand_over_face.
func Decide(probs [3]float32) Result {
	best := 0
	for i := 1; i < numClasses; i++ {
		if probs[i] > probs[best] {
			best = i
		}
	}

	if best == idxNormal && probs[idxNormal] < NormalThreshold {
		if probs[idxWithMask] > probs[idxHandOverFace] {
			return Result{Label: LabelWithMask, Confidence: float64(probs[idxWithMask])}
		}
		return Result{Label: LabelHandOverFace, Confidence: float64(probs[idxHandOverFace])}
	}
	return Result{Label: labelFor(best), Confidence: float64(probs[best])}
}

func labelFor(idx int) string {
	switch idx {
	case idxHandOverFace:
		return LabelHandOverFace
	case idxWithMask:
		return LabelWithMask
	default:
		return LabelNormal
	}
}

// Model runs the occlusion network on an encoded tensor.
type Model interface {
	Infer(ctx context.Context, t *tensor.Tensor) ([]float32, error)
}

// Classifier encodes images and decides on the model output.
type Classifier struct {
	model   Model
	encoder *tensor.Encoder
	logger  *zap.Logger
}

// NewClassifier constructs a Classifier. A nil model behaves as unavailable.
func NewClassifier(model Model, encoder *tensor.Encoder, logger *zap.Logger) *Classifier {
	return &Classifier{model: model, encoder: encoder, logger: logger.Named("occlusion")}
}

// Classify returns the occlusion decision for img. An unavailable model yields
// the Unavailable default rather than an error.
func (c *Classifier) Classify(ctx context.Context, img *imaging.Image) (Result, error) {
	if c.model == nil {
		c.logger.Warn("occlusion model not configured, using default")
		return Unavailable, nil
	}

	t := c.encoder.Encode(img)
	defer t.Release()

	out, err := c.model.Infer(ctx, t)
	if errors.Is(err, apperrors.ErrModelUnavailable) {
		c.logger.Warn("occlusion model unavailable, using default", zap.Error(err))
		return Unavailable, nil
	}
	if err != nil {
		return Result{}, err
	}
	if len(out) != numClasses {
		return Result{}, fmt.Errorf("%w: occlusion model returned %d values, want %d", apperrors.ErrInferenceFailure, len(out), numClasses)
	}

	for i, v := range out {
		if f := float64(v); math.IsNaN(f) || f < 0 || f > 1 {
			return Result{}, fmt.Errorf("%w: occlusion probability %d is %v, want [0,1]", apperrors.ErrInferenceFailure, i, v)
		}
	}

	result := Decide([3]float32{out[0], out[1], out[2]})
	c.logger.Debug("occlusion decided",
		zap.Float32s("probabilities", out),
		zap.String("label", result.Label),
		zap.Float64("confidence", result.Confidence),
	)
	return result, nil
}
