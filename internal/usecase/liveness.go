package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/liveness-check/internal/apperrors"
	"github.com/example/liveness-check/internal/events"
	"github.com/example/liveness-check/internal/imaging"
	"github.com/example/liveness-check/internal/logging"
	"github.com/example/liveness-check/internal/pipeline"
	"github.com/example/liveness-check/internal/quality"
	"github.com/example/liveness-check/internal/repository"
	"github.com/example/liveness-check/internal/retry"
)

// LivenessRepository defines the persistence operations needed by the use case.
type LivenessRepository interface {
	SaveLog(ctx context.Context, log *repository.LivenessLog) error
	FindByRequestIDAndClient(ctx context.Context, requestID, clientID string) (*repository.LivenessLog, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// Detector is the decision pipeline as seen by the use case.
type Detector interface {
	DetectLiveness(ctx context.Context, img *imaging.Image) (pipeline.Verdict, error)
	CheckImageQuality(ctx context.Context, img *imaging.Image) (quality.Score, error)
}

// VerdictPublisher receives every completed check.
type VerdictPublisher interface {
	Publish(ctx context.Context, v events.Verdict) error
}

// LivenessUseCase wires request bookkeeping around the decision pipeline.
type LivenessUseCase struct {
	repo        LivenessRepository
	cache       Cache
	detector    Detector
	publisher   VerdictPublisher
	logger      *zap.Logger
	resultTTL   time.Duration
	retryPolicy retry.Policy
	now         func() time.Time
}

// CheckResult is returned by CheckLiveness.
type CheckResult struct {
	RequestID string           `json:"request_id"`
	Verdict   pipeline.Verdict `json:"verdict"`
	LatencyMs int64            `json:"latency_ms"`
}

type cachedResult struct {
	RequestID      string    `json:"request_id"`
	ClientID       string    `json:"client_id"`
	Prediction     string    `json:"prediction"`
	Confidence     float32   `json:"confidence"`
	QualityOverall float32   `json:"quality_overall"`
	FailureReason  string    `json:"failure_reason"`
	Hash           string    `json:"sha1_hash"`
	LatencyMs      int64     `json:"latency_ms"`
	CreatedAt      time.Time `json:"created_at"`
}

// NewLivenessUseCase constructs a new use case instance. A non-positive
// resultTTL falls back to five minutes.
func NewLivenessUseCase(repo LivenessRepository, cache Cache, detector Detector, resultTTL time.Duration, logger *zap.Logger) *LivenessUseCase {
	if resultTTL <= 0 {
		resultTTL = 5 * time.Minute
	}
	return &LivenessUseCase{
		repo:        repo,
		cache:       cache,
		detector:    detector,
		logger:      logger.Named("liveness_usecase"),
		resultTTL:   resultTTL,
		retryPolicy: retry.DefaultPolicy,
		now:         time.Now,
	}
}

// SetPublisher enables verdict events. Publish failures are logged and do not
// fail the check.
func (uc *LivenessUseCase) SetPublisher(p VerdictPublisher) {
	uc.publisher = p
}

// CheckLiveness decodes imageBytes, runs the pipeline and records the outcome.
func (uc *LivenessUseCase) CheckLiveness(ctx context.Context, clientID string, imageBytes []byte) (*CheckResult, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.check_liveness", requestID)
	start := uc.now()

	cacheKey := resultKey(requestID)
	if err := uc.withRedisRetry(ctx, requestID, "cache.set.processing", func() error {
		return uc.cache.Set(ctx, cacheKey, "processing", time.Minute)
	}); err != nil {
		opLogger.Error("failed to set processing flag", zap.Error(err))
		return nil, err
	}

	img, err := imaging.Decode(imageBytes)
	if err != nil {
		opLogger.Info("image rejected", zap.Error(err))
		return nil, logging.NewOperationError("usecase.decode_image", requestID, err)
	}
	defer img.Release()

	verdict, err := uc.detector.DetectLiveness(ctx, img)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.detect_liveness", requestID, err)
		if errors.Is(err, apperrors.ErrInvalidImage) {
			opLogger.Info("image rejected", zap.Error(wrapped))
		} else {
			opLogger.Error("liveness detection failed", zap.Error(wrapped))
		}
		return nil, wrapped
	}
	latency := uc.now().Sub(start).Milliseconds()

	hash := sha1.Sum(imageBytes)
	log := &repository.LivenessLog{
		RequestID:      requestID,
		ClientID:       clientID,
		Prediction:     string(verdict.Prediction),
		Confidence:     float32(verdict.Confidence),
		QualityOverall: float32(verdict.Quality.Overall()),
		FailureReason:  verdict.FailureReason,
		SHA1Hash:       hex.EncodeToString(hash[:]),
		LatencyMs:      latency,
		CreatedAt:      start.UTC(),
	}
	if err := uc.repo.SaveLog(ctx, log); err != nil {
		wrapped := logging.NewOperationError("usecase.save_log", requestID, err)
		opLogger.Error("failed to persist liveness log", zap.Error(wrapped))
		return nil, wrapped
	}

	serialized, err := json.Marshal(toCached(log))
	if err != nil {
		opLogger.Error("failed to serialize liveness result", zap.Error(err))
		return nil, err
	}
	if err := uc.withRedisRetry(ctx, requestID, "cache.set.result", func() error {
		return uc.cache.Set(ctx, cacheKey, string(serialized), uc.resultTTL)
	}); err != nil {
		opLogger.Error("failed to cache liveness result", zap.Error(err))
		return nil, err
	}

	if uc.publisher != nil {
		if err := uc.publisher.Publish(ctx, toEvent(log)); err != nil {
			opLogger.Warn("failed to publish verdict", zap.Error(err))
		}
	}

	opLogger.Info("liveness check completed",
		zap.String("prediction", log.Prediction),
		zap.Float32("confidence", log.Confidence),
		zap.Int64("latency_ms", latency),
	)
	return &CheckResult{RequestID: requestID, Verdict: verdict, LatencyMs: latency}, nil
}

// CheckQuality decodes imageBytes and scores it without running inference.
func (uc *LivenessUseCase) CheckQuality(ctx context.Context, imageBytes []byte) (quality.Score, error) {
	img, err := imaging.Decode(imageBytes)
	if err != nil {
		return quality.Score{}, err
	}
	defer img.Release()
	return uc.detector.CheckImageQuality(ctx, img)
}

// GetResult retrieves a cached liveness outcome or loads it from persistence.
// A result cached for a different client is not returned.
func (uc *LivenessUseCase) GetResult(ctx context.Context, clientID, requestID string) (*repository.LivenessLog, error) {
	if cached, err := uc.withRedisGet(ctx, requestID, "cache.get.result", resultKey(requestID)); err == nil {
		var payload cachedResult
		if err := json.Unmarshal([]byte(cached), &payload); err != nil {
			logging.WithOperation(uc.logger, "usecase.get_result", requestID).Debug("cache entry not a result", zap.Error(err))
		} else if payload.ClientID == clientID {
			return payload.toLog(), nil
		}
	} else if !errors.Is(err, ErrCacheMiss) {
		logging.WithOperation(uc.logger, "usecase.get_result", requestID).Warn("failed to read cache", zap.Error(err))
	}

	return uc.repo.FindByRequestIDAndClient(ctx, requestID, clientID)
}

func resultKey(requestID string) string {
	return fmt.Sprintf("liveness:%s", requestID)
}

func toCached(log *repository.LivenessLog) cachedResult {
	return cachedResult{
		RequestID:      log.RequestID,
		ClientID:       log.ClientID,
		Prediction:     log.Prediction,
		Confidence:     log.Confidence,
		QualityOverall: log.QualityOverall,
		FailureReason:  log.FailureReason,
		Hash:           log.SHA1Hash,
		LatencyMs:      log.LatencyMs,
		CreatedAt:      log.CreatedAt,
	}
}

func toEvent(log *repository.LivenessLog) events.Verdict {
	return events.Verdict{
		RequestID:     log.RequestID,
		ClientID:      log.ClientID,
		Prediction:    log.Prediction,
		Confidence:    float64(log.Confidence),
		FailureReason: log.FailureReason,
		LatencyMs:     log.LatencyMs,
		CreatedAt:     log.CreatedAt,
	}
}

func (c cachedResult) toLog() *repository.LivenessLog {
	return &repository.LivenessLog{
		RequestID:      c.RequestID,
		ClientID:       c.ClientID,
		Prediction:     c.Prediction,
		Confidence:     c.Confidence,
		QualityOverall: c.QualityOverall,
		FailureReason:  c.FailureReason,
		SHA1Hash:       c.Hash,
		LatencyMs:      c.LatencyMs,
		CreatedAt:      c.CreatedAt,
	}
}

// withRedisRetry retries transient cache errors. ErrCacheMiss is returned as is.
func (uc *LivenessUseCase) withRedisRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	return retry.Do(ctx, uc.retryPolicy, uc.logger, operation, requestID, fn, ErrCacheMiss)
}

func (uc *LivenessUseCase) withRedisGet(ctx context.Context, requestID, operation, cacheKey string) (string, error) {
	var result string
	err := uc.withRedisRetry(ctx, requestID, operation, func() error {
		value, err := uc.cache.Get(ctx, cacheKey)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}
