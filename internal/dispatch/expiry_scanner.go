package dispatch

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/alertforge/notify-core/internal/observability"
	"github.com/alertforge/notify-core/internal/repository"
)

const (
	defaultExpiryScanInterval = 5 * time.Second
	defaultExpiryScanLimit    = 100
)

// ExpiryScanner periodically sweeps notifications whose deadline passed
// while attempts were still in flight and marks those attempts expired.
type ExpiryScanner struct {
	notifications repository.NotificationRepository
	attempts      repository.AttemptRepository
	metrics       *observability.Metrics
	logger        *zap.Logger
	interval      time.Duration
	limit         int
	now           func() time.Time
}

func NewExpiryScanner(
	notifications repository.NotificationRepository,
	attempts repository.AttemptRepository,
	interval time.Duration,
	limit int,
	metrics *observability.Metrics,
	logger *zap.Logger,
) (*ExpiryScanner, error) {
	if notifications == nil {
		return nil, fmt.Errorf("notification repository is required")
	}
	if attempts == nil {
		return nil, fmt.Errorf("attempt repository is required")
	}
	if interval <= 0 {
		interval = defaultExpiryScanInterval
	}
	if limit <= 0 {
		limit = defaultExpiryScanLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &ExpiryScanner{
		notifications: notifications,
		attempts:      attempts,
		metrics:       metrics,
		logger:        logger,
		interval:      interval,
		limit:         limit,
		now:           time.Now,
	}, nil
}

func (s *ExpiryScanner) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	// Run an initial sweep so already-expired notifications do not wait
	// for the first ticker edge.
	if err := s.sweep(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("expiry scanner initial sweep failed", zap.Error(err))
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.sweep(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Error("expiry scanner sweep failed", zap.Error(err))
			}
		}
	}
}

func (s *ExpiryScanner) sweep(ctx context.Context) error {
	ids, err := s.notifications.GetExpiredIDs(ctx, s.now().UTC(), s.limit)
	if err != nil {
		return fmt.Errorf("failed to fetch expired notifications: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}

	expired, err := s.attempts.ExpireInFlight(ctx, ids)
	if err != nil {
		return fmt.Errorf("failed to expire in-flight attempts: %w", err)
	}

	for range ids {
		s.metrics.IncNotificationExpired()
	}
	s.logger.Info("expired in-flight deliveries",
		zap.Int("notifications", len(ids)),
		zap.Int64("attempts", expired),
	)
	return nil
}
