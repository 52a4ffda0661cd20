package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/ripeness-api/internal/logging"
)

// InferenceLog is the audit record of one inference request. It holds
// metadata only; detections and images are never stored.
type InferenceLog struct {
	ID             uint      `gorm:"primaryKey"`
	RequestID      string    `gorm:"column:request_id;uniqueIndex;size:64"`
	ImageSHA1      string    `gorm:"column:image_sha1;index;size:40"`
	DetectionCount int       `gorm:"column:detection_count"`
	Visualization  bool      `gorm:"column:visualization"`
	ErrorKind      string    `gorm:"column:error_kind;size:32"`
	Error          string    `gorm:"column:error;type:text"`
	LatencyMs      int64     `gorm:"column:latency_ms"`
	CreatedAt      time.Time `gorm:"column:created_at;index"`
}

// TableName overrides the default table name.
func (InferenceLog) TableName() string {
	return "inference_logs"
}

// MetricsAggregation is the raw aggregate over all audit rows.
type MetricsAggregation struct {
	TotalCount         int64
	SuccessCount       int64
	VisualizationCount int64
	AverageDetections  float64
	AverageLatencyMs   float64
}

// InferenceRepository provides persistence APIs for inference audit logs.
type InferenceRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewInferenceRepository creates a new repository instance.
func NewInferenceRepository(db *gorm.DB, logger *zap.Logger) *InferenceRepository {
	return &InferenceRepository{
		db:             db,
		logger:         logger.Named("inference_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *InferenceRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&InferenceLog{})
}

// SaveLog persists an audit entry.
func (r *InferenceRepository) SaveLog(ctx context.Context, log *InferenceLog) error {
	return r.executeWithRetry(ctx, "repository.save_log", log.RequestID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// AggregateMetrics summarises every audit row.
func (r *InferenceRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var row struct {
		TotalCount         int64
		SuccessCount       int64
		VisualizationCount int64
		AverageDetections  float64
		AverageLatencyMs   float64
	}
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		return r.db.WithContext(ctx).
			Model(&InferenceLog{}).
			Select(`COUNT(*) AS total_count,
				COALESCE(SUM(CASE WHEN error_kind = '' THEN 1 ELSE 0 END), 0) AS success_count,
				COALESCE(SUM(CASE WHEN visualization THEN 1 ELSE 0 END), 0) AS visualization_count,
				COALESCE(AVG(detection_count), 0) AS average_detections,
				COALESCE(AVG(latency_ms), 0) AS average_latency_ms`).
			Scan(&row).Error
	})
	if err != nil {
		return nil, err
	}
	return &MetricsAggregation{
		TotalCount:         row.TotalCount,
		SuccessCount:       row.SuccessCount,
		VisualizationCount: row.VisualizationCount,
		AverageDetections:  row.AverageDetections,
		AverageLatencyMs:   row.AverageLatencyMs,
	}, nil
}

func (r *InferenceRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	attempts := r.retryAttempts
	if attempts < 1 {
		attempts = 1
	}

	backoff := r.initialBackoff
	opLogger := logging.WithOperation(r.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("database operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !IsTransientError(err) || attempt == attempts-1 {
			opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}
		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

// IsTransientError reports whether err looks like a timeout or temporary
// network condition worth retrying.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}
	return false
}
