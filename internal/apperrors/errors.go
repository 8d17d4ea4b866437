// Package apperrors defines the error kinds surfaced by the liveness pipeline.
package apperrors

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidImage is returned when an image fails validation or decoding.
	// It is never wrapped into ErrPipeline.
	ErrInvalidImage = errors.New("invalid image")
	// ErrModelUnavailable is returned when a classifier session cannot be acquired.
	ErrModelUnavailable = errors.New("model unavailable")
	// ErrInferenceFailure is returned when a loaded model fails a single call.
	ErrInferenceFailure = errors.New("inference failure")
	// ErrPipeline is the base kind for any other failure inside a pipeline stage.
	ErrPipeline = errors.New("pipeline failure")
)

// PipelineError annotates an unexpected failure with the stage it happened in.
type PipelineError struct {
	Stage string
	Err   error
}

// Error implements the error interface.
func (e *PipelineError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("pipeline stage %s: %v", e.Stage, e.Err)
}

// Unwrap returns the underlying error.
func (e *PipelineError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is reports every PipelineError as ErrPipeline.
func (e *PipelineError) Is(target error) bool {
	return target == ErrPipeline
}

// InvalidImage wraps a validation message as ErrInvalidImage.
func InvalidImage(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidImage, fmt.Sprintf(format, args...))
}

// IsDomain reports whether err already carries one of the domain kinds.
func IsDomain(err error) bool {
	return errors.Is(err, ErrInvalidImage) ||
		errors.Is(err, ErrModelUnavailable) ||
		errors.Is(err, ErrInferenceFailure) ||
		errors.Is(err, ErrPipeline)
}

// Normalize maps err into the pipeline's error kinds. Domain kinds pass through,
// anything else becomes a PipelineError for stage.
func Normalize(stage string, err error) error {
	if err == nil || IsDomain(err) {
		return err
	}
	return &PipelineError{Stage: stage, Err: err}
}
