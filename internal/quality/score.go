// Package quality scores a still image for brightness, sharpness and face
// presence and folds them into a single acceptance decision.
package quality

import (
	"encoding/json"
	"math"
)

// AcceptThreshold is the minimum overall score for an acceptable image.
const AcceptThreshold = 0.5

const (
	brightnessWeight = 0.3
	sharpnessWeight  = 0.3
	faceWeight       = 0.4
)

// Score is an immutable quality diagnostic. Overall and Acceptable are derived
// from the components and cannot be set independently.
type Score struct {
	brightness float64
	sharpness  float64
	faceScore  float64
	hasFace    bool
}

// NewScore builds a Score from its components. Brightness and sharpness are
// clamped to [0,1]; the face score follows hasFace.
func NewScore(brightness, sharpness float64, hasFace bool) Score {
	s := Score{
		brightness: clamp01(brightness),
		sharpness:  clamp01(sharpness),
		hasFace:    hasFace,
	}
	if hasFace {
		s.faceScore = 1
	}
	return s
}

// Passing is the synthetic score used when quality checking is turned off.
func Passing() Score {
	return NewScore(1, 1, true)
}

// Brightness returns the brightness component.
func (s Score) Brightness() float64 { return s.brightness }

// Sharpness returns the sharpness component.
func (s Score) Sharpness() float64 { return s.sharpness }

// FaceScore returns 1 when a face was detected and 0 otherwise.
func (s Score) FaceScore() float64 { return s.faceScore }

// HasFace reports whether a face was detected.
func (s Score) HasFace() bool { return s.hasFace }

// Overall is the weighted combination of the components. A missing face
// forces it to zero regardless of the other components.
func (s Score) Overall() float64 {
	if !s.hasFace {
		return 0
	}
	return clamp01(brightnessWeight*s.brightness + sharpnessWeight*s.sharpness + faceWeight*s.faceScore)
}

// Acceptable requires a detected face and an overall score of at least AcceptThreshold.
func (s Score) Acceptable() bool {
	return s.hasFace && s.Overall() >= AcceptThreshold
}

type scoreJSON struct {
	Brightness float64 `json:"brightness"`
	Sharpness  float64 `json:"sharpness"`
	FaceScore  float64 `json:"face_score"`
	HasFace    bool    `json:"has_face"`
	Overall    float64 `json:"overall"`
	Acceptable bool    `json:"acceptable"`
}

// MarshalJSON includes the derived fields.
func (s Score) MarshalJSON() ([]byte, error) {
	return json.Marshal(scoreJSON{
		Brightness: s.brightness,
		Sharpness:  s.sharpness,
		FaceScore:  s.faceScore,
		HasFace:    s.hasFace,
		Overall:    s.Overall(),
		Acceptable: s.Acceptable(),
	})
}

// UnmarshalJSON rebuilds the score from its components; derived fields are
// recomputed rather than trusted.
func (s *Score) UnmarshalJSON(data []byte) error {
	var raw scoreJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = NewScore(raw.Brightness, raw.Sharpness, raw.HasFace)
	return nil
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
