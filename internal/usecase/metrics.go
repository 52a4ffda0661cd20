package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/example/ripeness-api/internal/logging"
	"github.com/example/ripeness-api/internal/repository"
)

const metricsCacheKey = "inference:metrics:summary"

// MetricsSummary represents aggregated inference insights.
type MetricsSummary struct {
	TotalRequests      int64     `json:"total_requests"`
	SuccessfulRequests int64     `json:"successful_requests"`
	SuccessRate        float64   `json:"success_rate"`
	VisualizationRate  float64   `json:"visualization_rate"`
	AverageDetections  float64   `json:"average_detections"`
	AverageLatencyMs   float64   `json:"average_latency_ms"`
	GeneratedAt        time.Time `json:"generated_at"`
}

// MetricsRepository is the aggregation side of the audit store.
type MetricsRepository interface {
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// MetricsUseCase serves the metrics summary, cached when a Cache is set.
type MetricsUseCase struct {
	repo           MetricsRepository
	cache          Cache
	logger         *zap.Logger
	ttl            time.Duration
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	now            func() time.Time
}

// NewMetricsUseCase constructs the use case. cache may be nil.
func NewMetricsUseCase(repo MetricsRepository, cache Cache, logger *zap.Logger) *MetricsUseCase {
	return &MetricsUseCase{
		repo:           repo,
		cache:          cache,
		logger:         logger.Named("metrics_usecase"),
		ttl:            30 * time.Second,
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
		now:            time.Now,
	}
}

// GetMetricsSummary returns the cached summary or aggregates a fresh one.
func (uc *MetricsUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.get_metrics_summary", "")

	if uc.cache != nil {
		cached, err := uc.withRedisGet(ctx, "cache.get.metrics", metricsCacheKey)
		switch {
		case err == nil:
			var summary MetricsSummary
			if err := json.Unmarshal([]byte(cached), &summary); err != nil {
				opLogger.Warn("failed to decode cached summary", zap.Error(err))
				break
			}
			return &summary, nil
		case !errors.Is(err, ErrCacheMiss):
			opLogger.Warn("failed to read cache", zap.Error(err))
		}
	}

	aggregation, err := uc.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, logging.NewOperationError("usecase.aggregate_metrics", "", err)
	}

	summary := &MetricsSummary{
		TotalRequests:      aggregation.TotalCount,
		SuccessfulRequests: aggregation.SuccessCount,
		AverageDetections:  aggregation.AverageDetections,
		AverageLatencyMs:   aggregation.AverageLatencyMs,
		GeneratedAt:        uc.now().UTC(),
	}
	if aggregation.TotalCount > 0 {
		summary.SuccessRate = float64(aggregation.SuccessCount) / float64(aggregation.TotalCount)
	}
	if aggregation.SuccessCount > 0 {
		summary.VisualizationRate = float64(aggregation.VisualizationCount) / float64(aggregation.SuccessCount)
	}

	if uc.cache != nil {
		serialized, err := json.Marshal(summary)
		if err != nil {
			opLogger.Error("failed to serialize summary", zap.Error(err))
			return summary, nil
		}
		if err := uc.withRedisRetry(ctx, "cache.set.metrics", func() error {
			return uc.cache.Set(ctx, metricsCacheKey, string(serialized), uc.ttl)
		}); err != nil {
			opLogger.Warn("failed to cache summary", zap.Error(err))
		}
	}
	return summary, nil
}

func (uc *MetricsUseCase) withRedisRetry(ctx context.Context, operation string, fn func() error) error {
	if uc.retryAttempts <= 1 {
		return logging.NewOperationError(operation, "", fn())
	}

	backoff := uc.initialBackoff
	opLogger := logging.WithOperation(uc.logger, operation, "")
	var err error
	for attempt := 0; attempt < uc.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, "", ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= uc.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}
		if errors.Is(err, ErrCacheMiss) {
			return logging.NewOperationError(operation, "", err)
		}

		if !repository.IsTransientError(err) || attempt == uc.retryAttempts-1 {
			opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, "", err)
		}
		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, "", err)
}

func (uc *MetricsUseCase) withRedisGet(ctx context.Context, operation, cacheKey string) (string, error) {
	var result string
	err := uc.withRedisRetry(ctx, operation, func() error {
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
