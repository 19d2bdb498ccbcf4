package migrations

import (
	"github.com/alertforge/notify-core/internal/repository"
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

func Migrate(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		{
			ID: "000001_create_notifications",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&repository.NotificationModel{}); err != nil {
					return err
				}
				indexes := []string{
					`CREATE INDEX IF NOT EXISTS idx_notifications_severity_created ON notifications (severity, created_at)`,
					`CREATE UNIQUE INDEX IF NOT EXISTS idx_notifications_idempotency_key ON notifications (idempotency_key) WHERE idempotency_key IS NOT NULL`,
					`CREATE INDEX IF NOT EXISTS idx_notifications_expires_at ON notifications (expires_at) WHERE expires_at IS NOT NULL`,
					`CREATE INDEX IF NOT EXISTS idx_notifications_correlation_id ON notifications (correlation_id)`,
				}
				for _, sql := range indexes {
					if err := tx.Exec(sql).Error; err != nil {
						return err
					}
				}
				return nil
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(&repository.NotificationModel{})
			},
		},
		{
			ID: "000002_create_delivery_attempts",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&repository.DeliveryAttemptModel{}); err != nil {
					return err
				}
				indexes := []string{
					`CREATE INDEX IF NOT EXISTS idx_attempts_notification_id ON delivery_attempts (notification_id)`,
					`CREATE UNIQUE INDEX IF NOT EXISTS idx_attempts_notification_channel_number ON delivery_attempts (notification_id, channel, attempt_number)`,
					`CREATE INDEX IF NOT EXISTS idx_attempts_status_created ON delivery_attempts (status, created_at)`,
					`CREATE INDEX IF NOT EXISTS idx_attempts_channel_created ON delivery_attempts (channel, created_at)`,
				}
				for _, sql := range indexes {
					if err := tx.Exec(sql).Error; err != nil {
						return err
					}
				}
				return nil
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(&repository.DeliveryAttemptModel{})
			},
		},
		{
			ID: "000003_create_delivery_receipts",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&repository.DeliveryReceiptModel{}); err != nil {
					return err
				}
				return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_receipts_notification_id ON delivery_receipts (notification_id)`).Error
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(&repository.DeliveryReceiptModel{})
			},
		},
		{
			ID: "000004_create_acknowledgments",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&repository.AcknowledgmentModel{}); err != nil {
					return err
				}
				return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_acknowledgments_notification_id ON acknowledgments (notification_id)`).Error
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(&repository.AcknowledgmentModel{})
			},
		},
	})

	return m.Migrate()
}
