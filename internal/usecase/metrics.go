package usecase

import "context"

// MetricsSummary represents aggregated masking insights.
type MetricsSummary struct {
	TotalRequests              int64   `json:"total_requests"`
	SuccessfulRequests         int64   `json:"successful_requests"`
	FailedRequests             int64   `json:"failed_requests"`
	SuccessRate                float64 `json:"success_rate"`
	AverageProcessingLatencyMs float64 `json:"average_processing_latency_ms"`
	AverageInputBytes          float64 `json:"average_input_bytes"`
	ActiveSessions             int     `json:"active_sessions"`
}

// GetMetricsSummary aggregates masking metrics from recorded jobs.
func (uc *MaskingUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	if uc.jobs == nil {
		return nil, ErrHistoryUnavailable
	}
	aggregation, err := uc.jobs.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalRequests:              aggregation.TotalCount,
		SuccessfulRequests:         aggregation.SuccessCount,
		FailedRequests:             aggregation.TotalCount - aggregation.SuccessCount,
		AverageProcessingLatencyMs: aggregation.AverageLatencyMs,
		AverageInputBytes:          aggregation.AverageInputSize,
		ActiveSessions:             uc.Sessions(),
	}

	if aggregation.TotalCount > 0 {
		summary.SuccessRate = float64(aggregation.SuccessCount) / float64(aggregation.TotalCount)
	}

	return summary, nil
}
