package quality

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/example/liveness-check/internal/imaging"
)

// FaceDetection is the outcome of a face-presence check.
type FaceDetection struct {
	Present bool
	Count   int
}

// FaceDetector reports whether a face is present in an image.
type FaceDetector interface {
	Detect(ctx context.Context, img *imaging.Image) (FaceDetection, error)
}

// Scorer computes quality scores. It never fails: detector errors are logged
// and scored as "no face".
type Scorer struct {
	detector FaceDetector
	logger   *zap.Logger
}

// NewScorer constructs a Scorer. A nil detector always reports no face.
func NewScorer(detector FaceDetector, logger *zap.Logger) *Scorer {
	return &Scorer{detector: detector, logger: logger.Named("quality_scorer")}
}

// Score runs face detection and scores img.
func (s *Scorer) Score(ctx context.Context, img *imaging.Image) Score {
	return ScoreImage(img, s.DetectFace(ctx, img))
}

// DetectFace returns false when no detector is configured or detection fails.
func (s *Scorer) DetectFace(ctx context.Context, img *imaging.Image) bool {
	if s.detector == nil {
		s.logger.Debug("no face detector configured")
		return false
	}
	start := time.Now()
	detection, err := s.detector.Detect(ctx, img)
	if err != nil {
		s.logger.Warn("face detection failed, scoring as no face", zap.Error(err))
		return false
	}
	s.logger.Debug("face detection finished",
		zap.Bool("present", detection.Present),
		zap.Int("count", detection.Count),
		zap.Duration("elapsed", time.Since(start)),
	)
	return detection.Present
}

// ScoreImage scores img given an already-known face presence result.
func ScoreImage(img *imaging.Image, facePresent bool) Score {
	return NewScore(BrightnessScore(img), SharpnessScore(img), facePresent)
}
