// Package pipeline sequences validation, occlusion, quality and liveness
// stages into a single verdict for one image.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/example/liveness-check/internal/apperrors"
	"github.com/example/liveness-check/internal/imaging"
	"github.com/example/liveness-check/internal/liveness"
	"github.com/example/liveness-check/internal/occlusion"
	"github.com/example/liveness-check/internal/quality"
	"github.com/example/liveness-check/internal/tensor"
)

// Dependencies are the collaborators a pipeline is built from. Any of them
// that implements io.Closer is closed by Release.
type Dependencies struct {
	Logger         *zap.Logger
	FaceDetector   quality.FaceDetector
	OcclusionModel occlusion.Model
	LivenessModel  liveness.Model
}

type resource struct {
	name   string
	closer io.Closer
}

// Pipeline is safe for concurrent use. Stages within one call run in order.
type Pipeline struct {
	cfg    Config
	logger *zap.Logger

	scorer    *quality.Scorer
	occlusion *occlusion.Classifier
	liveness  *liveness.Classifier

	resources   []resource
	released    atomic.Bool
	releaseOnce sync.Once
	releaseErr  error
}

// New builds a pipeline. Unless cfg.DebugLogging is set the logger is raised
// to Info so stage tracing is dropped.
func New(cfg Config, deps Dependencies) *Pipeline {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.DebugLogging && logger.Core().Enabled(zapcore.DebugLevel) {
		logger = logger.WithOptions(zap.IncreaseLevel(zapcore.InfoLevel))
	}
	logger = logger.Named("pipeline")

	encoder := tensor.NewEncoder()
	p := &Pipeline{
		cfg:       cfg,
		logger:    logger,
		scorer:    quality.NewScorer(deps.FaceDetector, logger),
		occlusion: occlusion.NewClassifier(deps.OcclusionModel, encoder, logger),
		liveness:  liveness.NewClassifier(deps.LivenessModel, encoder, logger),
	}
	p.track("face_detector", deps.FaceDetector)
	p.track("occlusion_model", deps.OcclusionModel)
	p.track("liveness_model", deps.LivenessModel)
	return p
}

func (p *Pipeline) track(name string, dep any) {
	if c, ok := dep.(io.Closer); ok && c != nil {
		p.resources = append(p.resources, resource{name: name, closer: c})
	}
}

// Config returns the configuration the pipeline was built with.
func (p *Pipeline) Config() Config {
	return p.cfg
}

// DetectLiveness runs the full decision pipeline on img. Validation failures
// return apperrors.ErrInvalidImage unchanged; other stage failures keep their
// domain kind or are wrapped as apperrors.ErrPipeline. Policy rejections are
// returned as a Spoof verdict with a FailureReason.
func (p *Pipeline) DetectLiveness(ctx context.Context, img *imaging.Image) (Verdict, error) {
	if err := p.checkOpen(); err != nil {
		return Verdict{}, err
	}
	if err := imaging.Validate(img); err != nil {
		p.logger.Debug("image rejected", zap.String("stage", string(StageValidating)), zap.Error(err))
		return Verdict{}, err
	}

	if !p.cfg.SkipOcclusionCheck {
		var occ occlusion.Result
		err := p.runStage(ctx, StageOcclusionCheck, func(ctx context.Context) (err error) {
			occ, err = p.occlusion.Classify(ctx, img)
			return err
		})
		if err != nil {
			return Verdict{}, err
		}
		if occ.Occluded() {
			p.logger.Info("face occluded", zap.String("label", occ.Label), zap.Float64("confidence", occ.Confidence))
			return Verdict{
				Prediction:    liveness.Spoof,
				Confidence:    occ.Confidence,
				FailureReason: "occluded: " + occ.Label,
			}, nil
		}
	}

	score := quality.Passing()
	if !p.cfg.SkipQualityCheck {
		err := p.runStage(ctx, StageQualityCheck, func(ctx context.Context) error {
			score = p.scorer.Score(ctx, img)
			return ctx.Err()
		})
		if err != nil {
			return Verdict{}, err
		}
		if !score.Acceptable() {
			p.logger.Info("image quality insufficient", zap.Float64("overall", score.Overall()), zap.Bool("has_face", score.HasFace()))
			return Verdict{
				Prediction:    liveness.Spoof,
				Confidence:    qualityRejectConfidence,
				Quality:       score,
				FailureReason: fmt.Sprintf("quality insufficient: %.2f", score.Overall()),
			}, nil
		}
	}

	var live liveness.Result
	err := p.runStage(ctx, StageLivenessInference, func(ctx context.Context) (err error) {
		live, err = p.liveness.Classify(ctx, img)
		return err
	})
	if err != nil {
		return Verdict{}, err
	}

	return Verdict{
		Prediction: live.Prediction,
		Confidence: live.Confidence,
		Quality:    score,
	}, nil
}

// CheckImageQuality validates and scores img regardless of SkipQualityCheck.
func (p *Pipeline) CheckImageQuality(ctx context.Context, img *imaging.Image) (quality.Score, error) {
	if err := p.checkOpen(); err != nil {
		return quality.Score{}, err
	}
	if err := imaging.Validate(img); err != nil {
		return quality.Score{}, err
	}
	return p.scorer.Score(ctx, img), nil
}

func (p *Pipeline) runStage(ctx context.Context, stage Stage, fn func(context.Context) error) (err error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return apperrors.Normalize(string(stage), ctxErr)
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = &apperrors.PipelineError{Stage: string(stage), Err: fmt.Errorf("panic: %v", r)}
		}
		if err != nil {
			p.logger.Error("stage failed", zap.String("stage", string(stage)), zap.Error(err))
			return
		}
		p.logger.Debug("stage finished", zap.String("stage", string(stage)), zap.Duration("elapsed", time.Since(start)))
	}()

	return apperrors.Normalize(string(stage), fn(ctx))
}

func (p *Pipeline) checkOpen() error {
	if p.released.Load() {
		return &apperrors.PipelineError{Stage: string(StageValidating), Err: errReleased}
	}
	return nil
}

var errReleased = errors.New("pipeline released")

// Release closes every tracked resource. Each is closed independently: a
// failure is logged and collected, and the rest are still closed. Later calls
// return the first call's result.
func (p *Pipeline) Release() error {
	p.releaseOnce.Do(func() {
		p.released.Store(true)
		for _, r := range p.resources {
			if err := closeResource(r); err != nil {
				p.logger.Warn("failed to release resource", zap.String("resource", r.name), zap.Error(err))
				p.releaseErr = multierr.Append(p.releaseErr, err)
				continue
			}
			p.logger.Debug("resource released", zap.String("resource", r.name))
		}
	})
	return p.releaseErr
}

func closeResource(r resource) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%s: panic during close: %v", r.name, rec)
		}
	}()
	if err := r.closer.Close(); err != nil {
		return fmt.Errorf("%s: %w", r.name, err)
	}
	return nil
}
