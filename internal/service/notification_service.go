package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alertforge/notify-core/internal/domain"
	"github.com/alertforge/notify-core/internal/queue"
	"github.com/alertforge/notify-core/internal/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// NotificationService accepts notifications at the edge: it validates,
// persists, and enqueues them for dispatch. Actual delivery happens in
// the worker after the message is consumed.
type NotificationService struct {
	notifications repository.NotificationRepository
	publisher     queue.Publisher
	logger        *zap.Logger
	now           func() time.Time
}

func NewNotificationService(
	notifications repository.NotificationRepository,
	publisher queue.Publisher,
	logger *zap.Logger,
) (*NotificationService, error) {
	if notifications == nil {
		return nil, fmt.Errorf("notification repository is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &NotificationService{
		notifications: notifications,
		publisher:     publisher,
		logger:        logger,
		now:           time.Now,
	}, nil
}

// Submit validates and persists the notification, then publishes a
// dispatch message. Duplicate idempotency keys resolve to the original
// notification; the second return value reports whether a new record
// was created.
func (s *NotificationService) Submit(ctx context.Context, n *domain.Notification) (*domain.Notification, bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := s.prepareForSubmit(n); err != nil {
		return nil, false, err
	}

	if err := s.notifications.Create(ctx, n); err != nil {
		existing, resolved, resolveErr := s.resolveIdempotencyConflict(ctx, err, n.IdempotencyKey)
		if resolveErr != nil {
			return nil, false, resolveErr
		}
		if resolved {
			return existing, false, nil
		}
		return nil, false, err
	}

	msg := queue.DispatchMessage{
		NotificationID: n.ID,
		CorrelationID:  n.CorrelationID,
		Severity:       n.Severity,
		Priority:       n.Priority,
	}
	if err := s.publisher.Publish(ctx, queue.DispatchQueue, msg); err != nil {
		s.logger.Error("failed to publish dispatch message",
			zap.String("notificationId", n.ID),
			zap.String("correlationId", n.CorrelationID),
			zap.Error(err),
		)
		return nil, false, fmt.Errorf("failed to publish dispatch message: %w", err)
	}

	return n, true, nil
}

func (s *NotificationService) GetByID(ctx context.Context, id string) (*domain.Notification, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: notification id is required", domain.ErrValidation)
	}
	return s.notifications.GetByID(ctx, strings.TrimSpace(id))
}

func (s *NotificationService) List(
	ctx context.Context,
	params repository.ListParams,
) ([]domain.Notification, int64, error) {
	return s.notifications.List(ctx, params)
}

func (s *NotificationService) prepareForSubmit(n *domain.Notification) error {
	if n == nil {
		return fmt.Errorf("%w: notification is required", domain.ErrValidation)
	}

	n.Title = strings.TrimSpace(n.Title)
	n.Message = strings.TrimSpace(n.Message)
	n.CorrelationID = strings.TrimSpace(n.CorrelationID)
	if n.CorrelationID == "" {
		n.CorrelationID = uuid.NewString()
	}

	n.ID = strings.TrimSpace(n.ID)
	if n.ID == "" {
		n.ID = uuid.NewString()
	}

	n.IdempotencyKey = normalizeOptionalString(n.IdempotencyKey)
	n.Priority = n.Priority.Clamp()
	for i := range n.Delivery.Channels {
		n.Delivery.Channels[i] = domain.NormalizeChannel(n.Delivery.Channels[i].String())
	}

	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now().UTC()
	}

	return n.Validate()
}

func normalizeOptionalString(v *string) *string {
	if v == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*v)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func (s *NotificationService) resolveIdempotencyConflict(
	ctx context.Context,
	createErr error,
	idempotencyKey *string,
) (*domain.Notification, bool, error) {
	if idempotencyKey == nil || strings.TrimSpace(*idempotencyKey) == "" {
		return nil, false, nil
	}
	if !isUniqueViolationError(createErr) {
		return nil, false, nil
	}

	existing, err := s.notifications.GetByIdempotencyKey(ctx, strings.TrimSpace(*idempotencyKey))
	if err != nil {
		return nil, false, fmt.Errorf("failed to load existing notification after idempotency conflict: %w", err)
	}
	s.logger.Info("idempotency conflict resolved",
		zap.String("existingId", existing.ID),
		zap.String("idempotencyKey", *idempotencyKey),
	)
	return existing, true, nil
}

func isUniqueViolationError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "unique constraint")
}
