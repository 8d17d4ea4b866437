package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/liveness-check/internal/retry"
)

// ErrNotFound is returned when no log matches the lookup.
var ErrNotFound = errors.New("liveness log not found")

// LivenessLog represents a persisted liveness check.
type LivenessLog struct {
	ID             uint      `gorm:"primaryKey"`
	RequestID      string    `gorm:"column:request_id;uniqueIndex;size:64"`
	ClientID       string    `gorm:"column:client_id;index;size:64"`
	Prediction     string    `gorm:"column:prediction;size:16"`
	Confidence     float32   `gorm:"column:confidence"`
	QualityOverall float32   `gorm:"column:quality_overall"`
	FailureReason  string    `gorm:"column:failure_reason;size:128"`
	SHA1Hash       string    `gorm:"column:sha1_hash;size:40;index"`
	LatencyMs      int64     `gorm:"column:latency_ms"`
	CreatedAt      time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (LivenessLog) TableName() string {
	return "liveness_logs"
}

// MetricsAggregation holds raw aggregates over all persisted logs.
type MetricsAggregation struct {
	TotalCount        int64
	LiveCount         int64
	RejectedCount     int64
	AverageConfidence float64
	AverageLatencyMs  float64
}

// LivenessRepository provides persistence APIs for liveness logs.
type LivenessRepository struct {
	db          *gorm.DB
	logger      *zap.Logger
	retryPolicy retry.Policy
}

// NewLivenessRepository creates a new repository instance.
func NewLivenessRepository(db *gorm.DB, logger *zap.Logger) *LivenessRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LivenessRepository{
		db:          db,
		logger:      logger.Named("liveness_repository"),
		retryPolicy: retry.DefaultPolicy,
	}
}

// AutoMigrate ensures the schema is available.
func (r *LivenessRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&LivenessLog{})
}

// SaveLog persists a liveness log entry.
func (r *LivenessRepository) SaveLog(ctx context.Context, log *LivenessLog) error {
	return r.executeWithRetry(ctx, "repository.save_log", log.RequestID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// FindByRequestIDAndClient retrieves a log matching the request and owner.
func (r *LivenessRepository) FindByRequestIDAndClient(ctx context.Context, requestID, clientID string) (*LivenessLog, error) {
	var log LivenessLog
	err := r.executeWithRetry(ctx, "repository.find_log", requestID, func() error {
		err := r.db.WithContext(ctx).First(&log, "request_id = ? AND client_id = ?", requestID, clientID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &log, nil
}

// AggregateMetrics computes request totals and averages across all logs.
func (r *LivenessRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var row struct {
		TotalCount        int64
		LiveCount         int64
		RejectedCount     int64
		AverageConfidence float64
		AverageLatencyMs  float64
	}
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		return r.db.WithContext(ctx).
			Model(&LivenessLog{}).
			Select(`COUNT(*) AS total_count,
				COALESCE(SUM(CASE WHEN prediction = 'Live' THEN 1 ELSE 0 END), 0) AS live_count,
				COALESCE(SUM(CASE WHEN failure_reason <> '' THEN 1 ELSE 0 END), 0) AS rejected_count,
				COALESCE(AVG(confidence), 0) AS average_confidence,
				COALESCE(AVG(latency_ms), 0) AS average_latency_ms`).
			Scan(&row).Error
	})
	if err != nil {
		return nil, err
	}
	return &MetricsAggregation{
		TotalCount:        row.TotalCount,
		LiveCount:         row.LiveCount,
		RejectedCount:     row.RejectedCount,
		AverageConfidence: row.AverageConfidence,
		AverageLatencyMs:  row.AverageLatencyMs,
	}, nil
}

// executeWithRetry retries transient database errors. ErrNotFound is returned
// as is.
func (r *LivenessRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	return retry.Do(ctx, r.retryPolicy, r.logger, operation, requestID, fn, ErrNotFound)
}
