package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image/color"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/example/liveness-check/internal/apperrors"
	"github.com/example/liveness-check/internal/imaging"
	"github.com/example/liveness-check/internal/liveness"
	"github.com/example/liveness-check/internal/quality"
	"github.com/example/liveness-check/internal/tensor"
)

type stubDetector struct {
	present  bool
	err      error
	calls    atomic.Int32
	closeErr error
	closed   atomic.Int32
}

func (s *stubDetector) Detect(ctx context.Context, img *imaging.Image) (quality.FaceDetection, error) {
	s.calls.Add(1)
	if s.err != nil {
		return quality.FaceDetection{}, s.err
	}
	count := 0
	if s.present {
		count = 1
	}
	return quality.FaceDetection{Present: s.present, Count: count}, nil
}

func (s *stubDetector) Close() error {
	s.closed.Add(1)
	return s.closeErr
}

type stubModel struct {
	out      []float32
	err      error
	panicMsg string
	calls    atomic.Int32
	closeErr error
	closed   atomic.Int32
}

func (s *stubModel) Infer(ctx context.Context, t *tensor.Tensor) ([]float32, error) {
	s.calls.Add(1)
	if s.panicMsg != "" {
		panic(s.panicMsg)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.out, s.err
}

func (s *stubModel) Close() error {
	s.closed.Add(1)
	return s.closeErr
}

type fixture struct {
	detector  *stubDetector
	occlusion *stubModel
	liveness  *stubModel
}

func newFixture() *fixture {
	return &fixture{
		detector:  &stubDetector{present: true},
		occlusion: &stubModel{out: []float32{0.05, 0.9, 0.05}},
		liveness:  &stubModel{out: []float32{2}},
	}
}

func (f *fixture) pipeline(cfg Config) *Pipeline {
	return New(cfg, Dependencies{
		Logger:         zap.NewNop(),
		FaceDetector:   f.detector,
		OcclusionModel: f.occlusion,
		LivenessModel:  f.liveness,
	})
}

func greyImage() *imaging.Image {
	return imaging.Solid(128, 128, color.RGBA{R: 130, G: 130, B: 130, A: 255})
}

func TestDetectLivenessRejectsSmallImageBeforeInference(t *testing.T) {
	f := newFixture()
	p := f.pipeline(Config{})

	_, err := p.DetectLiveness(context.Background(), imaging.Solid(32, 32, color.White))
	if !errors.Is(err, apperrors.ErrInvalidImage) {
		t.Fatalf("expected ErrInvalidImage, got %v", err)
	}
	var pErr *apperrors.PipelineError
	if errors.As(err, &pErr) {
		t.Fatal("validation errors must not be normalized into PipelineError")
	}
	if f.occlusion.calls.Load()+f.liveness.calls.Load()+f.detector.calls.Load() != 0 {
		t.Fatal("no collaborator should be invoked for an invalid image")
	}
}

func TestDetectLivenessShortCircuitsOnOcclusion(t *testing.T) {
	f := newFixture()
	f.occlusion.out = []float32{0.05, 0.05, 0.9}
	p := f.pipeline(Config{})

	v, err := p.DetectLiveness(context.Background(), greyImage())
	if err != nil {
		t.Fatalf("DetectLiveness failed: %v", err)
	}
	if v.Prediction != liveness.Spoof {
		t.Fatalf("expected Spoof, got %s", v.Prediction)
	}
	if math.Abs(v.Confidence-0.9) > 1e-6 {
		t.Fatalf("expected confidence 0.9, got %v", v.Confidence)
	}
	if !strings.Contains(v.FailureReason, "occluded") || !strings.Contains(v.FailureReason, "with_mask") {
		t.Fatalf("unexpected failure reason %q", v.FailureReason)
	}
	if v.Quality.Overall() != 0 || v.Quality.HasFace() {
		t.Fatalf("expected default quality, got %+v", v.Quality)
	}
	if f.detector.calls.Load() != 0 || f.liveness.calls.Load() != 0 {
		t.Fatal("quality and liveness must not run after an occlusion rejection")
	}
}

func TestDetectLivenessShortCircuitsOnQuality(t *testing.T) {
	f := newFixture()
	f.detector.present = false
	p := f.pipeline(Config{})

	v, err := p.DetectLiveness(context.Background(), greyImage())
	if err != nil {
		t.Fatalf("DetectLiveness failed: %v", err)
	}
	if v.Prediction != liveness.Spoof || v.Confidence != 0.9 {
		t.Fatalf("unexpected verdict %+v", v)
	}
	if v.FailureReason != "quality insufficient: 0.00" {
		t.Fatalf("unexpected failure reason %q", v.FailureReason)
	}
	if f.liveness.calls.Load() != 0 {
		t.Fatal("liveness must not run after a quality rejection")
	}
}

func TestDetectLivenessLive(t *testing.T) {
	f := newFixture()
	p := f.pipeline(Config{})

	v, err := p.DetectLiveness(context.Background(), greyImage())
	if err != nil {
		t.Fatalf("DetectLiveness failed: %v", err)
	}
	if v.Prediction != liveness.Live {
		t.Fatalf("expected Live, got %s", v.Prediction)
	}
	if math.Abs(v.Confidence-0.8807970779778823) > 1e-9 {
		t.Fatalf("unexpected confidence %v", v.Confidence)
	}
	if v.FailureReason != "" {
		t.Fatalf("unexpected failure reason %q", v.FailureReason)
	}
	// flat grey: brightness 1, sharpness 0, face 1
	if math.Abs(v.Quality.Overall()-0.7) > 1e-9 {
		t.Fatalf("expected computed quality 0.7, got %v", v.Quality.Overall())
	}
	if f.occlusion.calls.Load() != 1 || f.detector.calls.Load() != 1 || f.liveness.calls.Load() != 1 {
		t.Fatal("expected each stage to run exactly once")
	}
}

func TestDetectLivenessSpoofAtZeroLogit(t *testing.T) {
	f := newFixture()
	f.liveness.out = []float32{0}
	v, err := f.pipeline(Config{}).DetectLiveness(context.Background(), greyImage())
	if err != nil {
		t.Fatalf("DetectLiveness failed: %v", err)
	}
	if v.Prediction != liveness.Spoof || v.Confidence != 0.5 || v.FailureReason != "" {
		t.Fatalf("unexpected verdict %+v", v)
	}
}

func TestSkipFlags(t *testing.T) {
	f := newFixture()
	f.detector.present = false
	cfg := Config{SkipQualityCheck: true, SkipOcclusionCheck: true}
	p := f.pipeline(cfg)
	if p.Config() != cfg {
		t.Fatalf("expected config %+v, got %+v", cfg, p.Config())
	}

	v, err := p.DetectLiveness(context.Background(), greyImage())
	if err != nil {
		t.Fatalf("DetectLiveness failed: %v", err)
	}
	if v.Prediction != liveness.Live {
		t.Fatalf("expected Live, got %s", v.Prediction)
	}
	if v.Quality != quality.Passing() || v.Quality.Overall() != 1 {
		t.Fatalf("expected synthetic passing score, got %+v", v.Quality)
	}
	if f.occlusion.calls.Load() != 0 || f.detector.calls.Load() != 0 {
		t.Fatal("skipped stages must not invoke their collaborators")
	}
}

func TestOcclusionModelUnavailableFailsOpen(t *testing.T) {
	f := newFixture()
	f.occlusion.err = fmt.Errorf("load: %w", apperrors.ErrModelUnavailable)
	p := f.pipeline(Config{})

	v, err := p.DetectLiveness(context.Background(), greyImage())
	if err != nil {
		t.Fatalf("expected pipeline to continue, got %v", err)
	}
	if v.Prediction != liveness.Live {
		t.Fatalf("expected Live, got %s", v.Prediction)
	}
}

func TestStageErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(f *fixture)
		kind    error
		wrapped bool
	}{
		{
			name:   "liveness model unavailable",
			mutate: func(f *fixture) { f.liveness.err = apperrors.ErrModelUnavailable },
			kind:   apperrors.ErrModelUnavailable,
		},
		{
			name:   "occlusion inference failure",
			mutate: func(f *fixture) { f.occlusion.err = fmt.Errorf("rpc: %w", apperrors.ErrInferenceFailure) },
			kind:   apperrors.ErrInferenceFailure,
		},
		{
			name:    "unexpected liveness error",
			mutate:  func(f *fixture) { f.liveness.err = errors.New("segfault") },
			kind:    apperrors.ErrPipeline,
			wrapped: true,
		},
		{
			name:    "panicking model",
			mutate:  func(f *fixture) { f.liveness.panicMsg = "boom" },
			kind:    apperrors.ErrPipeline,
			wrapped: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture()
			tc.mutate(f)
			_, err := f.pipeline(Config{}).DetectLiveness(context.Background(), greyImage())
			if !errors.Is(err, tc.kind) {
				t.Fatalf("expected %v, got %v", tc.kind, err)
			}
			var pErr *apperrors.PipelineError
			if errors.As(err, &pErr) != tc.wrapped {
				t.Fatalf("PipelineError wrapping = %v; want %v (%v)", !tc.wrapped, tc.wrapped, err)
			}
		})
	}
}

func TestCancelledContext(t *testing.T) {
	f := newFixture()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.pipeline(Config{}).DetectLiveness(ctx, greyImage())
	if !errors.Is(err, context.Canceled) || !errors.Is(err, apperrors.ErrPipeline) {
		t.Fatalf("expected cancelled pipeline error, got %v", err)
	}
	if f.occlusion.calls.Load() != 0 {
		t.Fatal("no stage should start after cancellation")
	}
}

type cancellingDetector struct {
	cancel context.CancelFunc
}

func (d cancellingDetector) Detect(ctx context.Context, img *imaging.Image) (quality.FaceDetection, error) {
	d.cancel()
	return quality.FaceDetection{}, ctx.Err()
}

func TestCancelDuringQualityIsNotARejection(t *testing.T) {
	f := newFixture()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := New(Config{}, Dependencies{
		FaceDetector:   cancellingDetector{cancel: cancel},
		OcclusionModel: f.occlusion,
		LivenessModel:  f.liveness,
	})

	_, err := p.DetectLiveness(ctx, greyImage())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	var pErr *apperrors.PipelineError
	if !errors.As(err, &pErr) || pErr.Stage != string(StageQualityCheck) {
		t.Fatalf("expected quality_check PipelineError, got %v", err)
	}
	if f.liveness.calls.Load() != 0 {
		t.Fatal("liveness must not run after cancellation")
	}
}

func TestCheckImageQuality(t *testing.T) {
	f := newFixture()
	p := f.pipeline(Config{SkipQualityCheck: true})

	score, err := p.CheckImageQuality(context.Background(), greyImage())
	if err != nil {
		t.Fatalf("CheckImageQuality failed: %v", err)
	}
	if !score.HasFace() || math.Abs(score.Overall()-0.7) > 1e-9 {
		t.Fatalf("unexpected score %+v", score)
	}
	if _, err := p.CheckImageQuality(context.Background(), imaging.Solid(32, 32, color.White)); !errors.Is(err, apperrors.ErrInvalidImage) {
		t.Fatalf("expected ErrInvalidImage, got %v", err)
	}
}

func TestReleaseIsBestEffort(t *testing.T) {
	f := newFixture()
	f.occlusion.closeErr = errors.New("occlusion session stuck")
	p := f.pipeline(Config{})

	err := p.Release()
	if err == nil || !strings.Contains(err.Error(), "occlusion session stuck") {
		t.Fatalf("expected aggregated close error, got %v", err)
	}
	if f.detector.closed.Load() != 1 || f.occlusion.closed.Load() != 1 || f.liveness.closed.Load() != 1 {
		t.Fatal("every resource should be closed exactly once")
	}

	if again := p.Release(); again != err {
		t.Fatalf("second Release should return the first result, got %v", again)
	}
	if f.liveness.closed.Load() != 1 {
		t.Fatal("second Release must not close resources again")
	}

	if _, err := p.DetectLiveness(context.Background(), greyImage()); !errors.Is(err, apperrors.ErrPipeline) {
		t.Fatalf("expected ErrPipeline after release, got %v", err)
	}
}

func TestConcurrentCalls(t *testing.T) {
	f := newFixture()
	p := f.pipeline(Config{})

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := p.DetectLiveness(context.Background(), greyImage())
			if err != nil {
				errs <- err
				return
			}
			if v.Prediction != liveness.Live {
				errs <- fmt.Errorf("unexpected prediction %s", v.Prediction)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
	if f.liveness.calls.Load() != 16 {
		t.Fatalf("expected 16 liveness calls, got %d", f.liveness.calls.Load())
	}
}

func TestDebugLoggingOnlyChangesVerbosity(t *testing.T) {
	for _, debug := range []bool{false, true} {
		core, logs := observer.New(zapcore.DebugLevel)
		f := newFixture()
		p := New(Config{DebugLogging: debug}, Dependencies{
			Logger:         zap.New(core),
			FaceDetector:   f.detector,
			OcclusionModel: f.occlusion,
			LivenessModel:  f.liveness,
		})

		v, err := p.DetectLiveness(context.Background(), greyImage())
		if err != nil || v.Prediction != liveness.Live {
			t.Fatalf("debug=%v: unexpected result %+v err=%v", debug, v, err)
		}

		debugEntries := logs.FilterLevelExact(zapcore.DebugLevel).Len()
		if debug && debugEntries == 0 {
			t.Fatal("expected debug entries with DebugLogging")
		}
		if !debug && debugEntries != 0 {
			t.Fatalf("expected no debug entries without DebugLogging, got %d", debugEntries)
		}
	}
}

func TestGetVersion(t *testing.T) {
	if GetVersion() != "1.0.0" {
		t.Fatalf("unexpected version %s", GetVersion())
	}
}
