package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/pii-masker/internal/logging"
)

// MaskJob records one masking attempt.
type MaskJob struct {
	ID          uint      `gorm:"primaryKey"`
	RequestID   string    `gorm:"column:request_id;uniqueIndex;size:64"`
	SessionID   string    `gorm:"column:session_id;index;size:64"`
	FileName    string    `gorm:"column:file_name;size:255"`
	ContentType string    `gorm:"column:content_type;size:128"`
	InputBytes  int64     `gorm:"column:input_bytes"`
	OutputBytes int64     `gorm:"column:output_bytes"`
	Success     bool      `gorm:"column:success"`
	Error       string    `gorm:"column:error;type:text"`
	LatencyMs   int64     `gorm:"column:latency_ms"`
	CreatedAt   time.Time `gorm:"column:created_at;index"`
}

// TableName overrides the default table name.
func (MaskJob) TableName() string {
	return "mask_jobs"
}

// MetricsAggregation is the raw aggregate behind the metrics summary.
type MetricsAggregation struct {
	TotalCount       int64
	SuccessCount     int64
	AverageLatencyMs float64
	AverageInputSize float64
}

// MaskJobRepository persists masking attempts.
type MaskJobRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewMaskJobRepository creates a new repository instance.
func NewMaskJobRepository(db *gorm.DB, logger *zap.Logger) *MaskJobRepository {
	return &MaskJobRepository{
		db:             db,
		logger:         logger.Named("mask_job_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *MaskJobRepository) AutoMigrate(ctx context.Context) error {
	return r.executeWithRetry(ctx, "repository.auto_migrate", "", func() error {
		return r.db.WithContext(ctx).AutoMigrate(&MaskJob{})
	})
}

// SaveJob persists a masking attempt.
func (r *MaskJobRepository) SaveJob(ctx context.Context, job *MaskJob) error {
	return r.executeWithRetry(ctx, "repository.save_job", job.RequestID, func() error {
		return r.db.WithContext(ctx).Create(job).Error
	})
}

// ListBySession returns the most recent jobs of a session, newest first.
func (r *MaskJobRepository) ListBySession(ctx context.Context, sessionID string, limit int) ([]*MaskJob, error) {
	if limit <= 0 {
		limit = 20
	}
	var jobs []*MaskJob
	err := r.executeWithRetry(ctx, "repository.list_by_session", "", func() error {
		return r.db.WithContext(ctx).
			Where("session_id = ?", sessionID).
			Order("created_at DESC").
			Limit(limit).
			Find(&jobs).Error
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// AggregateMetrics summarises all recorded jobs.
func (r *MaskJobRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var row struct {
		TotalCount       int64
		SuccessCount     int64
		AverageLatencyMs float64
		AverageInputSize float64
	}
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		return r.db.WithContext(ctx).
			Model(&MaskJob{}).
			Select("COUNT(*) AS total_count, " +
				"COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0) AS success_count, " +
				"COALESCE(AVG(latency_ms), 0) AS average_latency_ms, " +
				"COALESCE(AVG(input_bytes), 0) AS average_input_size").
			Scan(&row).Error
	})
	if err != nil {
		return nil, err
	}
	return &MetricsAggregation{
		TotalCount:       row.TotalCount,
		SuccessCount:     row.SuccessCount,
		AverageLatencyMs: row.AverageLatencyMs,
		AverageInputSize: row.AverageInputSize,
	}, nil
}

func (r *MaskJobRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
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

		if !isTransientError(err) || attempt == attempts-1 {
			opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func isTransientError(err error) bool {
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
