// Package liveness turns the liveness classifier's logit into a live/spoof
// decision.
package liveness

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/example/liveness-check/internal/apperrors"
	"github.com/example/liveness-check/internal/imaging"
	"github.com/example/liveness-check/internal/tensor"
)

// Prediction is the liveness label.
type Prediction string

const (
	Live  Prediction = "Live"
	Spoof Prediction = "Spoof"
)

// Result is a prediction and the confidence in that prediction.
type Result struct {
	Prediction Prediction `json:"prediction"`
	Confidence float64    `json:"confidence"`
}

// Sigmoid maps a logit onto (0,1).
func Sigmoid(logit float64) float64 {
	return 1 / (1 + math.Exp(-logit))
}

// Decide labels a logit Live when sigmoid(logit) is strictly above 0.5. The
// confidence is relative to the returned label.
func Decide(logit float32) Result {
	p := Sigmoid(float64(logit))
	if p > 0.5 {
		return Result{Prediction: Live, Confidence: p}
	}
	return Result{Prediction: Spoof, Confidence: 1 - p}
}

// Model runs the liveness network on an encoded tensor and returns its logit
// as the first output value.
type Model interface {
	Infer(ctx context.Context, t *tensor.Tensor) ([]float32, error)
}

// Classifier encodes images and decides on the model output. It has no
// degraded mode: model errors are returned.
type Classifier struct {
	model   Model
	encoder *tensor.Encoder
	logger  *zap.Logger
}

// NewClassifier constructs a Classifier.
func NewClassifier(model Model, encoder *tensor.Encoder, logger *zap.Logger) *Classifier {
	return &Classifier{model: model, encoder: encoder, logger: logger.Named("liveness")}
}

// Classify returns the liveness decision for img.
func (c *Classifier) Classify(ctx context.Context, img *imaging.Image) (Result, error) {
	if c.model == nil {
		return Result{}, fmt.Errorf("%w: liveness model not configured", apperrors.ErrModelUnavailable)
	}

	t := c.encoder.Encode(img)
	defer t.Release()

	out, err := c.model.Infer(ctx, t)
	if err != nil {
		return Result{}, err
	}
	if len(out) == 0 {
		return Result{}, fmt.Errorf("%w: liveness model returned no logit", apperrors.ErrInferenceFailure)
	}
	logit := out[0]
	if math.IsNaN(float64(logit)) {
		return Result{}, fmt.Errorf("%w: liveness model returned NaN", apperrors.ErrInferenceFailure)
	}

	result := Decide(logit)
	c.logger.Debug("liveness decided",
		zap.Float32("logit", logit),
		zap.String("prediction", string(result.Prediction)),
		zap.Float64("confidence", result.Confidence),
	)
	return result, nil
}
