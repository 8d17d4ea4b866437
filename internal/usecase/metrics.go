package usecase

import "context"

// MetricsSummary represents aggregated liveness insights.
type MetricsSummary struct {
	TotalRequests     int64   `json:"total_requests"`
	LiveRequests      int64   `json:"live_requests"`
	RejectedRequests  int64   `json:"rejected_requests"`
	LiveRate          float64 `json:"live_rate"`
	AverageConfidence float64 `json:"average_confidence"`
	AverageLatencyMs  float64 `json:"average_latency_ms"`
}

// GetMetricsSummary aggregates liveness metrics from persisted logs.
func (uc *LivenessUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	aggregation, err := uc.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalRequests:     aggregation.TotalCount,
		LiveRequests:      aggregation.LiveCount,
		RejectedRequests:  aggregation.RejectedCount,
		AverageConfidence: aggregation.AverageConfidence,
		AverageLatencyMs:  aggregation.AverageLatencyMs,
	}

	if aggregation.TotalCount > 0 {
		summary.LiveRate = float64(aggregation.LiveCount) / float64(aggregation.TotalCount)
	}

	return summary, nil
}
