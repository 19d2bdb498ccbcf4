package repository

import (
	"context"
	"errors"
	"time"

	"github.com/alertforge/notify-core/internal/domain"
	"gorm.io/gorm"
)

type ListParams struct {
	Severity *domain.Severity
	Category *string
	From     *time.Time
	To       *time.Time
	Page     int
	PageSize int
}

type NotificationRepository interface {
	Create(ctx context.Context, n *domain.Notification) error
	GetByID(ctx context.Context, id string) (*domain.Notification, error)
	GetByIdempotencyKey(ctx context.Context, idempotencyKey string) (*domain.Notification, error)
	List(ctx context.Context, params ListParams) ([]domain.Notification, int64, error)
	GetExpiredIDs(ctx context.Context, now time.Time, limit int) ([]string, error)
}

type GormNotificationRepo struct {
	db *gorm.DB
}

func NewGormNotificationRepo(db *gorm.DB) *GormNotificationRepo {
	return &GormNotificationRepo{db: db}
}

func (r *GormNotificationRepo) Create(ctx context.Context, n *domain.Notification) error {
	model, err := notificationModelFromDomain(n)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Create(model).Error
}

func (r *GormNotificationRepo) GetByID(ctx context.Context, id string) (*domain.Notification, error) {
	var model NotificationModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return notificationModelToDomain(&model)
}

func (r *GormNotificationRepo) GetByIdempotencyKey(ctx context.Context, idempotencyKey string) (*domain.Notification, error) {
	var model NotificationModel
	err := r.db.WithContext(ctx).
		Where("idempotency_key = ?", idempotencyKey).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return notificationModelToDomain(&model)
}

func (r *GormNotificationRepo) List(ctx context.Context, params ListParams) ([]domain.Notification, int64, error) {
	query := r.db.WithContext(ctx).Model(&NotificationModel{})

	if params.Severity != nil {
		query = query.Where("severity = ?", *params.Severity)
	}
	if params.Category != nil {
		query = query.Where("category = ?", *params.Category)
	}
	if params.From != nil {
		query = query.Where("created_at >= ?", *params.From)
	}
	if params.To != nil {
		query = query.Where("created_at <= ?", *params.To)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page := max(params.Page, 1)
	pageSize := params.PageSize
	if pageSize < 1 {
		pageSize = 50
	}
	pageSize = min(pageSize, 100)

	var models []NotificationModel
	err := query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&models).Error
	if err != nil {
		return nil, 0, err
	}

	notifications := make([]domain.Notification, 0, len(models))
	for i := range models {
		n, err := notificationModelToDomain(&models[i])
		if err != nil {
			return nil, 0, err
		}
		notifications = append(notifications, *n)
	}

	return notifications, total, nil
}

// GetExpiredIDs returns notifications whose expiry has passed and which
// still have in-flight attempts; the expiry scanner sweeps these.
func (r *GormNotificationRepo) GetExpiredIDs(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}

	var ids []string
	err := r.db.WithContext(ctx).
		Model(&NotificationModel{}).
		Select("DISTINCT notifications.id").
		Joins("JOIN delivery_attempts ON delivery_attempts.notification_id = notifications.id").
		Where("notifications.expires_at IS NOT NULL AND notifications.expires_at <= ?", now).
		Where("delivery_attempts.status IN ? OR (delivery_attempts.status = ? AND delivery_attempts.next_retry_at IS NOT NULL)",
			[]domain.AttemptStatus{domain.AttemptPending, domain.AttemptSending},
			domain.AttemptFailed).
		Limit(limit).
		Pluck("notifications.id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}
