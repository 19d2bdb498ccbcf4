package repository

import (
	"context"
	"time"

	"github.com/alertforge/notify-core/internal/domain"
	"gorm.io/gorm"
)

// StatsFilters bounds a statistics query. Channels and Severities empty
// means "all".
type StatsFilters struct {
	From       time.Time
	To         time.Time
	Channels   []domain.Channel
	Severities []domain.Severity
}

// StatsRow is one (channel, severity) aggregate over the filter window.
type StatsRow struct {
	Channel          domain.Channel       `gorm:"column:channel"`
	Severity         domain.Severity      `gorm:"column:severity"`
	Total            int64                `gorm:"column:total"`
	Succeeded        int64                `gorm:"column:succeeded"`
	Failed           int64                `gorm:"column:failed"`
	AvgLatencyMillis float64              `gorm:"column:avg_latency_millis"`
	SLACompliant     int64                `gorm:"column:sla_compliant"`
}

// BucketRow is one time-series point.
type BucketRow struct {
	Bucket    time.Time `gorm:"column:bucket"`
	Total     int64     `gorm:"column:total"`
	Succeeded int64     `gorm:"column:succeeded"`
	Failed    int64     `gorm:"column:failed"`
}

type StatsRepository interface {
	Aggregate(ctx context.Context, filters StatsFilters, slaThreshold time.Duration) ([]StatsRow, error)
	TimeBuckets(ctx context.Context, filters StatsFilters, bucket time.Duration) ([]BucketRow, error)
}

type GormStatsRepo struct {
	db *gorm.DB
}

func NewGormStatsRepo(db *gorm.DB) *GormStatsRepo {
	return &GormStatsRepo{db: db}
}

func (r *GormStatsRepo) baseQuery(ctx context.Context, filters StatsFilters) *gorm.DB {
	query := r.db.WithContext(ctx).
		Model(&DeliveryAttemptModel{}).
		Joins("JOIN notifications ON notifications.id = delivery_attempts.notification_id")

	if !filters.From.IsZero() {
		query = query.Where("delivery_attempts.created_at >= ?", filters.From)
	}
	if !filters.To.IsZero() {
		query = query.Where("delivery_attempts.created_at <= ?", filters.To)
	}
	if len(filters.Channels) > 0 {
		query = query.Where("delivery_attempts.channel IN ?", filters.Channels)
	}
	if len(filters.Severities) > 0 {
		query = query.Where("notifications.severity IN ?", filters.Severities)
	}
	return query
}

func (r *GormStatsRepo) Aggregate(ctx context.Context, filters StatsFilters, slaThreshold time.Duration) ([]StatsRow, error) {
	successStatuses := []domain.AttemptStatus{domain.AttemptSent, domain.AttemptDelivered}
	failureStatuses := []domain.AttemptStatus{domain.AttemptBounced, domain.AttemptFailed, domain.AttemptExpired}

	var rows []StatsRow
	err := r.baseQuery(ctx, filters).
		Select(`delivery_attempts.channel AS channel,
			notifications.severity AS severity,
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE delivery_attempts.status IN ?) AS succeeded,
			COUNT(*) FILTER (WHERE delivery_attempts.status IN ?) AS failed,
			COALESCE(AVG(delivery_attempts.latency_millis) FILTER (WHERE delivery_attempts.status IN ?), 0) AS avg_latency_millis,
			COUNT(*) FILTER (WHERE delivery_attempts.status IN ? AND delivery_attempts.latency_millis <= ?) AS sla_compliant`,
			successStatuses, failureStatuses, successStatuses, successStatuses, slaThreshold.Milliseconds()).
		Group("delivery_attempts.channel, notifications.severity").
		Order("delivery_attempts.channel, notifications.severity").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *GormStatsRepo) TimeBuckets(ctx context.Context, filters StatsFilters, bucket time.Duration) ([]BucketRow, error) {
	if bucket <= 0 {
		bucket = time.Minute
	}
	seconds := int64(bucket.Seconds())

	successStatuses := []domain.AttemptStatus{domain.AttemptSent, domain.AttemptDelivered}
	failureStatuses := []domain.AttemptStatus{domain.AttemptBounced, domain.AttemptFailed, domain.AttemptExpired}

	var rows []BucketRow
	err := r.baseQuery(ctx, filters).
		Select(`to_timestamp(floor(extract(epoch FROM delivery_attempts.created_at) / ?) * ?) AS bucket,
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE delivery_attempts.status IN ?) AS succeeded,
			COUNT(*) FILTER (WHERE delivery_attempts.status IN ?) AS failed`,
			seconds, seconds, successStatuses, failureStatuses).
		Group("bucket").
		Order("bucket").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
