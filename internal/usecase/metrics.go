package usecase

import "context"

// MetricsSummary represents aggregated prediction insights.
type MetricsSummary struct {
	TotalRequests         int64   `json:"total_requests"`
	AverageTopProbability float64 `json:"average_top_probability"`
	AverageLatencyMs      float64 `json:"average_latency_ms"`
}

// GetMetricsSummary aggregates prediction metrics from persisted logs.
func (uc *PredictionUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	aggregation, err := uc.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	return &MetricsSummary{
		TotalRequests:         aggregation.TotalCount,
		AverageTopProbability: aggregation.AverageProbability,
		AverageLatencyMs:      aggregation.AverageLatencyMs,
	}, nil
}
