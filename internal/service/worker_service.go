package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/alertforge/notify-core/internal/dispatch"
	"github.com/alertforge/notify-core/internal/domain"
	"github.com/alertforge/notify-core/internal/observability"
	"github.com/alertforge/notify-core/internal/queue"
	"github.com/alertforge/notify-core/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const minWorkerConcurrency = 1

// Dispatcher runs the full delivery pipeline for one notification.
type Dispatcher interface {
	Dispatch(ctx context.Context, n *domain.Notification) (*dispatch.Summary, error)
}

// WorkerService consumes dispatch messages and hands each notification
// to the orchestrator. Messages for unknown notifications are acked and
// dropped; dispatch errors nack so the broker can redeliver.
type WorkerService struct {
	notifications repository.NotificationRepository
	consumer      queue.Consumer
	dispatcher    Dispatcher
	logger        *zap.Logger
	concurrency   int
}

func NewWorkerService(
	notifications repository.NotificationRepository,
	consumer queue.Consumer,
	dispatcher Dispatcher,
	concurrency int,
	logger *zap.Logger,
) (*WorkerService, error) {
	if notifications == nil {
		return nil, fmt.Errorf("notification repository is required")
	}
	if consumer == nil {
		return nil, fmt.Errorf("consumer is required")
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if concurrency < minWorkerConcurrency {
		concurrency = minWorkerConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &WorkerService{
		notifications: notifications,
		consumer:      consumer,
		dispatcher:    dispatcher,
		logger:        logger,
		concurrency:   concurrency,
	}, nil
}

// Start consumes the dispatch queue until context cancellation.
func (s *WorkerService) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	g, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < s.concurrency; i++ {
		workerID := i + 1

		g.Go(func() error {
			s.logger.Info("worker started",
				zap.Int("workerId", workerID),
				zap.String("queue", queue.DispatchQueue),
			)

			err := s.consumer.Consume(groupCtx, queue.DispatchQueue, s.processMessage)
			if err != nil {
				s.logger.Error("worker stopped with error",
					zap.Int("workerId", workerID),
					zap.Error(err),
				)
				return err
			}

			s.logger.Info("worker stopped", zap.Int("workerId", workerID))
			return nil
		})
	}

	return g.Wait()
}

func (s *WorkerService) processMessage(ctx context.Context, msg queue.DispatchMessage) error {
	ctx = observability.WithCorrelationID(ctx, msg.CorrelationID)
	logger := observability.WithContextLogger(s.logger, ctx)

	notification, err := s.notifications.GetByID(ctx, msg.NotificationID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			logger.Warn("notification not found, dropping message",
				zap.String("notificationId", msg.NotificationID),
			)
			return nil
		}
		return fmt.Errorf("failed to load notification: %w", err)
	}

	summary, err := s.dispatcher.Dispatch(ctx, notification)
	if err != nil {
		return fmt.Errorf("dispatch failed: %w", err)
	}

	logger.Info("dispatch finished",
		zap.String("notificationId", summary.NotificationID),
		zap.Bool("suppressed", summary.Suppressed),
		zap.Bool("escalated", summary.Escalated),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
	)
	return nil
}
