package usecase

import "context"

// MetricsSummary represents aggregated extraction insights.
type MetricsSummary struct {
	TotalRequests              int64   `json:"total_requests"`
	SuccessfulRequests         int64   `json:"successful_requests"`
	DegenerateRequests         int64   `json:"degenerate_requests"`
	SuccessRate                float64 `json:"success_rate"`
	AverageSelectedRatio       float64 `json:"average_selected_ratio"`
	AverageProcessingLatencyMs float64 `json:"average_processing_latency_ms"`
}

// GetMetricsSummary aggregates extraction metrics from persisted logs.
func (uc *ExtractionUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	aggregation, err := uc.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalRequests:              aggregation.TotalCount,
		SuccessfulRequests:         aggregation.SuccessCount,
		DegenerateRequests:         aggregation.DegenerateCount,
		AverageSelectedRatio:       aggregation.AverageSelectedRatio,
		AverageProcessingLatencyMs: aggregation.AverageProcessingLatencyMs,
	}
	if aggregation.TotalCount > 0 {
		summary.SuccessRate = float64(aggregation.SuccessCount) / float64(aggregation.TotalCount)
	}
	return summary, nil
}
