package repository

import (
	"context"
	"fmt"

	"github.com/alertforge/notify-core/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ReceiptRepository interface {
	Create(ctx context.Context, r *domain.DeliveryReceipt) error
	GetByNotificationID(ctx context.Context, notificationID string) ([]domain.DeliveryReceipt, error)
}

type AcknowledgmentRepository interface {
	// Create is idempotent by acknowledgment id: replaying the same receipt
	// is a no-op, not a second row.
	Create(ctx context.Context, a *domain.AcknowledgmentReceipt) (created bool, err error)
	GetByNotificationID(ctx context.Context, notificationID string) ([]domain.AcknowledgmentReceipt, error)
	ExistsForNotification(ctx context.Context, notificationID string) (bool, error)
}

type GormReceiptRepo struct {
	db *gorm.DB
}

func NewGormReceiptRepo(db *gorm.DB) *GormReceiptRepo {
	return &GormReceiptRepo{db: db}
}

func (r *GormReceiptRepo) Create(ctx context.Context, receipt *domain.DeliveryReceipt) error {
	if receipt == nil {
		return fmt.Errorf("%w: receipt is nil", domain.ErrValidation)
	}
	model := receiptModelFromDomain(receipt)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	*receipt = *receiptModelToDomain(model)
	return nil
}

func (r *GormReceiptRepo) GetByNotificationID(ctx context.Context, notificationID string) ([]domain.DeliveryReceipt, error) {
	var models []DeliveryReceiptModel
	err := r.db.WithContext(ctx).
		Where("notification_id = ?", notificationID).
		Order("received_at DESC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	receipts := make([]domain.DeliveryReceipt, 0, len(models))
	for i := range models {
		receipts = append(receipts, *receiptModelToDomain(&models[i]))
	}
	return receipts, nil
}

type GormAcknowledgmentRepo struct {
	db *gorm.DB
}

func NewGormAcknowledgmentRepo(db *gorm.DB) *GormAcknowledgmentRepo {
	return &GormAcknowledgmentRepo{db: db}
}

func (r *GormAcknowledgmentRepo) Create(ctx context.Context, ack *domain.AcknowledgmentReceipt) (bool, error) {
	if ack == nil {
		return false, fmt.Errorf("%w: acknowledgment is nil", domain.ErrValidation)
	}

	model := ackModelFromDomain(ack)
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoNothing: true,
		}).
		Create(model)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *GormAcknowledgmentRepo) GetByNotificationID(ctx context.Context, notificationID string) ([]domain.AcknowledgmentReceipt, error) {
	var models []AcknowledgmentModel
	err := r.db.WithContext(ctx).
		Where("notification_id = ?", notificationID).
		Order("acknowledged_at DESC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	acks := make([]domain.AcknowledgmentReceipt, 0, len(models))
	for i := range models {
		acks = append(acks, *ackModelToDomain(&models[i]))
	}
	return acks, nil
}

func (r *GormAcknowledgmentRepo) ExistsForNotification(ctx context.Context, notificationID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&AcknowledgmentModel{}).
		Where("notification_id = ?", notificationID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
