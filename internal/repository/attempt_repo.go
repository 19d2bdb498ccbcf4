package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alertforge/notify-core/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AttemptUpdate carries the optional fields that may change together with
// an attempt's status.
type AttemptUpdate struct {
	Latency     *time.Duration
	ProviderID  *string
	Response    *string
	Error       *string
	NextRetryAt *time.Time
	ClearRetry  bool
}

type AttemptRepository interface {
	// Create persists an attempt. A zero AttemptNumber is allocated under a
	// lock on the parent notification so concurrent channel workers get
	// strictly increasing, gapless numbers per (notification, channel).
	Create(ctx context.Context, a *domain.DeliveryAttempt) error
	GetByID(ctx context.Context, id string) (*domain.DeliveryAttempt, error)
	GetByNotificationID(ctx context.Context, notificationID string) ([]domain.DeliveryAttempt, error)
	UpdateStatus(ctx context.Context, id string, status domain.AttemptStatus, update AttemptUpdate) error
	ExpireInFlight(ctx context.Context, notificationIDs []string) (int64, error)
}

type GormAttemptRepo struct {
	db *gorm.DB
}

func NewGormAttemptRepo(db *gorm.DB) *GormAttemptRepo {
	return &GormAttemptRepo{db: db}
}

func (r *GormAttemptRepo) Create(ctx context.Context, a *domain.DeliveryAttempt) error {
	if a == nil {
		return fmt.Errorf("%w: attempt is nil", domain.ErrValidation)
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if a.AttemptNumber <= 0 {
			// Serialize allocation per notification; channel workers racing
			// on the same notification line up here.
			var parent NotificationModel
			err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				First(&parent, "id = ?", a.NotificationID).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.ErrNotFound
			}
			if err != nil {
				return err
			}

			var maxNumber int
			err = tx.Model(&DeliveryAttemptModel{}).
				Where("notification_id = ? AND channel = ?", a.NotificationID, a.Channel).
				Select("COALESCE(MAX(attempt_number), 0)").
				Scan(&maxNumber).Error
			if err != nil {
				return err
			}
			a.AttemptNumber = maxNumber + 1
		}

		model := attemptModelFromDomain(a)
		if err := tx.Create(model).Error; err != nil {
			return err
		}
		*a = *attemptModelToDomain(model)
		return nil
	})
}

func (r *GormAttemptRepo) GetByID(ctx context.Context, id string) (*domain.DeliveryAttempt, error) {
	var model DeliveryAttemptModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return attemptModelToDomain(&model), nil
}

func (r *GormAttemptRepo) GetByNotificationID(ctx context.Context, notificationID string) ([]domain.DeliveryAttempt, error) {
	var models []DeliveryAttemptModel
	err := r.db.WithContext(ctx).
		Where("notification_id = ?", notificationID).
		Order("created_at DESC, attempt_number DESC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	attempts := make([]domain.DeliveryAttempt, 0, len(models))
	for i := range models {
		attempts = append(attempts, *attemptModelToDomain(&models[i]))
	}
	return attempts, nil
}

// UpdateStatus applies one state-machine transition. Illegal transitions
// come back as ErrConflict so callers can distinguish a lost race from a
// storage failure.
func (r *GormAttemptRepo) UpdateStatus(ctx context.Context, id string, status domain.AttemptStatus, update AttemptUpdate) error {
	if !status.IsValid() {
		return fmt.Errorf("%w: invalid attempt status %q", domain.ErrValidation, status)
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model DeliveryAttemptModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&model, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}

		if !attemptModelToDomain(&model).CanTransitionTo(status) {
			return fmt.Errorf("%w: attempt %s cannot move %s -> %s",
				domain.ErrConflict, id, model.Status, status)
		}

		fields := map[string]any{"status": status}
		if update.Latency != nil {
			fields["latency_millis"] = update.Latency.Milliseconds()
		}
		if update.ProviderID != nil {
			fields["provider_id"] = *update.ProviderID
		}
		if update.Response != nil {
			fields["response"] = *update.Response
		}
		if update.Error != nil {
			fields["error"] = *update.Error
		}
		if update.NextRetryAt != nil {
			fields["next_retry_at"] = *update.NextRetryAt
		} else if update.ClearRetry {
			fields["next_retry_at"] = nil
		}

		return tx.Model(&model).Updates(fields).Error
	})
}

// ExpireInFlight marks every in-flight attempt of the given notifications
// as expired and reports how many rows changed. In-flight covers pending
// and sending attempts plus failed ones still waiting on a scheduled
// retry; the cancelled retry must surface as expired, not failed.
func (r *GormAttemptRepo) ExpireInFlight(ctx context.Context, notificationIDs []string) (int64, error) {
	if len(notificationIDs) == 0 {
		return 0, nil
	}

	result := r.db.WithContext(ctx).
		Model(&DeliveryAttemptModel{}).
		Where("notification_id IN ?", notificationIDs).
		Where("status IN ? OR (status = ? AND next_retry_at IS NOT NULL)",
			[]domain.AttemptStatus{domain.AttemptPending, domain.AttemptSending},
			domain.AttemptFailed).
		Updates(map[string]any{
			"status":        domain.AttemptExpired,
			"next_retry_at": nil,
		})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}
