package pipeline

import (
	"github.com/example/liveness-check/internal/liveness"
	"github.com/example/liveness-check/internal/quality"
)

// Version is the semantic version of the decision pipeline.
const Version = "1.0.0"

// GetVersion returns Version.
func GetVersion() string {
	return Version
}

// Config is fixed when the pipeline is constructed.
type Config struct {
	// DebugLogging enables per-stage debug logs. It never changes decisions.
	DebugLogging bool
	// SkipQualityCheck replaces quality scoring with a passing score.
	SkipQualityCheck bool
	// SkipOcclusionCheck bypasses the occlusion stage.
	SkipOcclusionCheck bool
}

// Verdict is the outcome of one DetectLiveness call.
type Verdict struct {
	Prediction liveness.Prediction `json:"prediction"`
	Confidence float64             `json:"confidence"`
	Quality    quality.Score       `json:"quality"`
	// FailureReason is set for policy rejections (occlusion, quality).
	FailureReason string `json:"failure_reason,omitempty"`
}

// Stage names one step of DetectLiveness.
type Stage string

const (
	StageValidating        Stage = "validating"
	StageOcclusionCheck    Stage = "occlusion_check"
	StageQualityCheck      Stage = "quality_check"
	StageLivenessInference Stage = "liveness_inference"
)

const qualityRejectConfidence = 0.9
