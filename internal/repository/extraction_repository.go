package repository

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/segmask/internal/retry"
)

// ExtractionLog represents one persisted selection request.
type ExtractionLog struct {
	ID                  uint      `gorm:"primaryKey"`
	RequestID           string    `gorm:"column:request_id;uniqueIndex;size:64"`
	SHA1Hash            string    `gorm:"column:sha1_hash;index;size:40"`
	Filename            string    `gorm:"column:filename;size:255"`
	Width               int       `gorm:"column:width"`
	Height              int       `gorm:"column:height"`
	PointCount          int       `gorm:"column:point_count"`
	MinArea             int       `gorm:"column:min_area"`
	SelectedArea        int       `gorm:"column:selected_area"`
	Degenerate          bool      `gorm:"column:degenerate"`
	Success             bool      `gorm:"column:success"`
	Details             string    `gorm:"column:details;type:text"`
	ResultURL           string    `gorm:"column:result_url;type:text"`
	MaskURL             string    `gorm:"column:mask_url;type:text"`
	ProcessingLatencyMs int64     `gorm:"column:processing_latency_ms"`
	CreatedAt           time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (ExtractionLog) TableName() string {
	return "extraction_logs"
}

// MetricsAggregation holds raw aggregates over extraction_logs.
type MetricsAggregation struct {
	TotalCount                 int64
	SuccessCount               int64
	DegenerateCount            int64
	AverageProcessingLatencyMs float64
	AverageSelectedRatio       float64
}

// ExtractionRepository provides persistence APIs for extraction logs.
type ExtractionRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewExtractionRepository creates a new repository instance.
func NewExtractionRepository(db *gorm.DB, logger *zap.Logger) *ExtractionRepository {
	return &ExtractionRepository{
		db:             db,
		logger:         logger.Named("extraction_repository"),
		retryAttempts:  retry.DefaultPolicy.Attempts,
		initialBackoff: retry.DefaultPolicy.InitialBackoff,
		maxBackoff:     retry.DefaultPolicy.MaxBackoff,
	}
}

// AutoMigrate ensures the schema is available.
func (r *ExtractionRepository) AutoMigrate(ctx context.Context) error {
	return r.executeWithRetry(ctx, "repository.auto_migrate", "", func() error {
		return r.db.WithContext(ctx).AutoMigrate(&ExtractionLog{})
	})
}

// SaveLog persists an extraction log entry.
func (r *ExtractionRepository) SaveLog(ctx context.Context, log *ExtractionLog) error {
	return r.executeWithRetry(ctx, "repository.save_log", log.RequestID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// FindByRequestID retrieves the log for a request.
func (r *ExtractionRepository) FindByRequestID(ctx context.Context, requestID string) (*ExtractionLog, error) {
	var log ExtractionLog
	err := r.executeWithRetry(ctx, "repository.find_by_request_id", requestID, func() error {
		return r.db.WithContext(ctx).First(&log, "request_id = ?", requestID).Error
	})
	if err != nil {
		return nil, err
	}
	return &log, nil
}

// FindDuplicatesByHash lists earlier extractions of the same input image, newest first.
func (r *ExtractionRepository) FindDuplicatesByHash(ctx context.Context, hash, excludeRequestID string) ([]*ExtractionLog, error) {
	var logs []*ExtractionLog
	err := r.executeWithRetry(ctx, "repository.find_duplicates_by_hash", excludeRequestID, func() error {
		return r.db.WithContext(ctx).
			Where("sha1_hash = ? AND request_id <> ?", hash, excludeRequestID).
			Order("created_at DESC").
			Find(&logs).Error
	})
	if err != nil {
		return nil, err
	}
	return logs, nil
}

// AggregateMetrics summarises every stored extraction.
func (r *ExtractionRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var agg MetricsAggregation
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		return r.db.WithContext(ctx).
			Model(&ExtractionLog{}).
			Select(`COUNT(*) AS total_count,
				COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0) AS success_count,
				COALESCE(SUM(CASE WHEN degenerate THEN 1 ELSE 0 END), 0) AS degenerate_count,
				COALESCE(AVG(processing_latency_ms), 0) AS average_processing_latency_ms,
				COALESCE(AVG(CASE WHEN success AND width > 0 AND height > 0
					THEN selected_area::float / (width * height) END), 0) AS average_selected_ratio`).
			Scan(&agg).Error
	})
	if err != nil {
		return nil, err
	}
	return &agg, nil
}

func (r *ExtractionRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	policy := retry.Policy{
		Attempts:       r.retryAttempts,
		InitialBackoff: r.initialBackoff,
		MaxBackoff:     r.maxBackoff,
	}
	return retry.Do(ctx, r.logger, policy, operation, requestID, fn)
}
