package repository

import (
	"encoding/json"
	"time"

	"github.com/alertforge/notify-core/internal/domain"
)

// NotificationModel is the persistence model for the notifications table.
// Structured sub-documents (tags, metadata, recipients, delivery config)
// are stored as jsonb; the dispatch pipeline works on the domain type and
// only round-trips through this model at the storage boundary.
type NotificationModel struct {
	ID             string          `gorm:"type:uuid;primaryKey"`
	CorrelationID  string          `gorm:"type:varchar(36);not null"`
	IdempotencyKey *string         `gorm:"type:varchar(255)"`
	Title          string          `gorm:"type:varchar(512);not null"`
	Message        string          `gorm:"type:text;not null"`
	Severity       domain.Severity `gorm:"type:varchar(10);not null"`
	Priority       int             `gorm:"not null;default:5"`
	Category       string          `gorm:"type:varchar(128)"`
	Source         string          `gorm:"type:varchar(128)"`
	Tags           json.RawMessage `gorm:"type:jsonb"`
	Metadata       json.RawMessage `gorm:"type:jsonb"`
	Recipients     json.RawMessage `gorm:"type:jsonb"`
	Delivery       json.RawMessage `gorm:"type:jsonb"`
	ExpiresAt      *time.Time      `gorm:"type:timestamptz"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (NotificationModel) TableName() string {
	return "notifications"
}

// DeliveryAttemptModel is the persistence model for delivery_attempts.
type DeliveryAttemptModel struct {
	ID             string               `gorm:"type:uuid;primaryKey"`
	NotificationID string               `gorm:"type:uuid;not null"`
	Channel        domain.Channel       `gorm:"type:varchar(32);not null"`
	RecipientID    string               `gorm:"type:varchar(128);not null"`
	Address        string               `gorm:"type:varchar(255)"`
	AttemptNumber  int                  `gorm:"not null"`
	Status         domain.AttemptStatus `gorm:"type:varchar(16);not null"`
	LatencyMillis  int64                `gorm:"not null;default:0"`
	ProviderID     *string              `gorm:"type:varchar(255)"`
	Response       *string              `gorm:"type:text"`
	Error          *string              `gorm:"type:text"`
	NextRetryAt    *time.Time           `gorm:"type:timestamptz"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (DeliveryAttemptModel) TableName() string {
	return "delivery_attempts"
}

// DeliveryReceiptModel is the persistence model for delivery_receipts.
type DeliveryReceiptModel struct {
	ID             string               `gorm:"type:uuid;primaryKey"`
	NotificationID string               `gorm:"type:uuid;not null"`
	AttemptID      string               `gorm:"type:uuid;not null"`
	Status         domain.AttemptStatus `gorm:"type:varchar(16);not null"`
	Payload        *string              `gorm:"type:text"`
	ReceivedAt     time.Time            `gorm:"type:timestamptz;not null"`
}

func (DeliveryReceiptModel) TableName() string {
	return "delivery_receipts"
}

// AcknowledgmentModel is the persistence model for acknowledgments.
type AcknowledgmentModel struct {
	ID             string         `gorm:"type:uuid;primaryKey"`
	NotificationID string         `gorm:"type:uuid;not null"`
	UserID         string         `gorm:"type:varchar(128);not null"`
	Channel        domain.Channel `gorm:"type:varchar(32)"`
	Notes          string         `gorm:"type:text"`
	AcknowledgedAt time.Time      `gorm:"type:timestamptz;not null"`
}

func (AcknowledgmentModel) TableName() string {
	return "acknowledgments"
}

func notificationModelFromDomain(n *domain.Notification) (*NotificationModel, error) {
	if n == nil {
		return nil, nil
	}

	tags, err := json.Marshal(n.Tags)
	if err != nil {
		return nil, err
	}
	metadata, err := json.Marshal(n.Metadata)
	if err != nil {
		return nil, err
	}
	recipients, err := json.Marshal(n.Recipients)
	if err != nil {
		return nil, err
	}
	delivery, err := json.Marshal(n.Delivery)
	if err != nil {
		return nil, err
	}

	return &NotificationModel{
		ID:             n.ID,
		CorrelationID:  n.CorrelationID,
		IdempotencyKey: n.IdempotencyKey,
		Title:          n.Title,
		Message:        n.Message,
		Severity:       n.Severity,
		Priority:       int(n.Priority),
		Category:       n.Category,
		Source:         n.Source,
		Tags:           tags,
		Metadata:       metadata,
		Recipients:     recipients,
		Delivery:       delivery,
		ExpiresAt:      n.ExpiresAt,
		CreatedAt:      n.CreatedAt,
		UpdatedAt:      time.Now().UTC(),
	}, nil
}

func notificationModelToDomain(m *NotificationModel) (*domain.Notification, error) {
	if m == nil {
		return nil, nil
	}

	n := &domain.Notification{
		ID:             m.ID,
		CorrelationID:  m.CorrelationID,
		IdempotencyKey: m.IdempotencyKey,
		Title:          m.Title,
		Message:        m.Message,
		Severity:       m.Severity,
		Priority:       domain.Priority(m.Priority),
		Category:       m.Category,
		Source:         m.Source,
		ExpiresAt:      m.ExpiresAt,
		CreatedAt:      m.CreatedAt,
	}

	if len(m.Tags) > 0 {
		if err := json.Unmarshal(m.Tags, &n.Tags); err != nil {
			return nil, err
		}
	}
	if len(m.Metadata) > 0 {
		if err := json.Unmarshal(m.Metadata, &n.Metadata); err != nil {
			return nil, err
		}
	}
	if len(m.Recipients) > 0 {
		if err := json.Unmarshal(m.Recipients, &n.Recipients); err != nil {
			return nil, err
		}
	}
	if len(m.Delivery) > 0 {
		if err := json.Unmarshal(m.Delivery, &n.Delivery); err != nil {
			return nil, err
		}
	}

	return n, nil
}

func attemptModelFromDomain(a *domain.DeliveryAttempt) *DeliveryAttemptModel {
	if a == nil {
		return nil
	}

	return &DeliveryAttemptModel{
		ID:             a.ID,
		NotificationID: a.NotificationID,
		Channel:        a.Channel,
		RecipientID:    a.RecipientID,
		Address:        a.Address,
		AttemptNumber:  a.AttemptNumber,
		Status:         a.Status,
		LatencyMillis:  a.Latency.Milliseconds(),
		ProviderID:     a.ProviderID,
		Response:       a.Response,
		Error:          a.Error,
		NextRetryAt:    a.NextRetryAt,
		CreatedAt:      a.CreatedAt,
		UpdatedAt:      a.UpdatedAt,
	}
}

func attemptModelToDomain(m *DeliveryAttemptModel) *domain.DeliveryAttempt {
	if m == nil {
		return nil
	}

	return &domain.DeliveryAttempt{
		ID:             m.ID,
		NotificationID: m.NotificationID,
		Channel:        m.Channel,
		RecipientID:    m.RecipientID,
		Address:        m.Address,
		AttemptNumber:  m.AttemptNumber,
		Status:         m.Status,
		Latency:        time.Duration(m.LatencyMillis) * time.Millisecond,
		ProviderID:     m.ProviderID,
		Response:       m.Response,
		Error:          m.Error,
		NextRetryAt:    m.NextRetryAt,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

func receiptModelFromDomain(r *domain.DeliveryReceipt) *DeliveryReceiptModel {
	if r == nil {
		return nil
	}

	return &DeliveryReceiptModel{
		ID:             r.ID,
		NotificationID: r.NotificationID,
		AttemptID:      r.AttemptID,
		Status:         r.Status,
		Payload:        r.Payload,
		ReceivedAt:     r.ReceivedAt,
	}
}

func receiptModelToDomain(m *DeliveryReceiptModel) *domain.DeliveryReceipt {
	if m == nil {
		return nil
	}

	return &domain.DeliveryReceipt{
		ID:             m.ID,
		NotificationID: m.NotificationID,
		AttemptID:      m.AttemptID,
		Status:         m.Status,
		Payload:        m.Payload,
		ReceivedAt:     m.ReceivedAt,
	}
}

func ackModelFromDomain(a *domain.AcknowledgmentReceipt) *AcknowledgmentModel {
	if a == nil {
		return nil
	}

	return &AcknowledgmentModel{
		ID:             a.ID,
		NotificationID: a.NotificationID,
		UserID:         a.UserID,
		Channel:        a.Channel,
		Notes:          a.Notes,
		AcknowledgedAt: a.AcknowledgedAt,
	}
}

func ackModelToDomain(m *AcknowledgmentModel) *domain.AcknowledgmentReceipt {
	if m == nil {
		return nil
	}

	return &domain.AcknowledgmentReceipt{
		ID:             m.ID,
		NotificationID: m.NotificationID,
		UserID:         m.UserID,
		Channel:        m.Channel,
		Notes:          m.Notes,
		AcknowledgedAt: m.AcknowledgedAt,
	}
}
