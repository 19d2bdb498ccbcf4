package service

import (
	"context"
	"errors"
	"testing"

	"github.com/alertforge/notify-core/internal/dispatch"
	"github.com/alertforge/notify-core/internal/domain"
	"github.com/alertforge/notify-core/internal/queue"
	"go.uber.org/zap"
)

type fakeConsumer struct {
	consumeFn func(ctx context.Context, queueName string, handler queue.MessageHandler) error
}

func (f *fakeConsumer) Consume(ctx context.Context, queueName string, handler queue.MessageHandler) error {
	if f.consumeFn != nil {
		return f.consumeFn(ctx, queueName, handler)
	}
	<-ctx.Done()
	return nil
}

func (f *fakeConsumer) Close() error { return nil }

type fakeDispatcher struct {
	dispatchFn func(ctx context.Context, n *domain.Notification) (*dispatch.Summary, error)
	dispatched []string
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, n *domain.Notification) (*dispatch.Summary, error) {
	f.dispatched = append(f.dispatched, n.ID)
	if f.dispatchFn != nil {
		return f.dispatchFn(ctx, n)
	}
	return &dispatch.Summary{NotificationID: n.ID, Succeeded: 1}, nil
}

func TestProcessMessageDispatchesNotification(t *testing.T) {
	t.Parallel()

	stored := validSubmission()
	stored.ID = "n-1"
	repo := &fakeNotificationRepo{
		getByIDFn: func(ctx context.Context, id string) (*domain.Notification, error) {
			if id != "n-1" {
				t.Errorf("looked up id %q, want n-1", id)
			}
			return stored, nil
		},
	}
	dispatcher := &fakeDispatcher{}
	svc, err := NewWorkerService(repo, &fakeConsumer{}, dispatcher, 2, zap.NewNop())
	if err != nil {
		t.Fatalf("NewWorkerService() error = %v", err)
	}

	err = svc.processMessage(context.Background(), queue.DispatchMessage{NotificationID: "n-1"})
	if err != nil {
		t.Fatalf("processMessage() error = %v", err)
	}
	if len(dispatcher.dispatched) != 1 || dispatcher.dispatched[0] != "n-1" {
		t.Errorf("dispatched = %v, want [n-1]", dispatcher.dispatched)
	}
}

func TestProcessMessageDropsUnknownNotification(t *testing.T) {
	t.Parallel()

	dispatcher := &fakeDispatcher{}
	svc, err := NewWorkerService(&fakeNotificationRepo{}, &fakeConsumer{}, dispatcher, 1, zap.NewNop())
	if err != nil {
		t.Fatalf("NewWorkerService() error = %v", err)
	}

	// Unknown id must ack (nil error), not bounce through the DLQ forever.
	err = svc.processMessage(context.Background(), queue.DispatchMessage{NotificationID: "ghost"})
	if err != nil {
		t.Fatalf("processMessage() error = %v, want nil for unknown notification", err)
	}
	if len(dispatcher.dispatched) != 0 {
		t.Errorf("dispatched %d notifications, want 0", len(dispatcher.dispatched))
	}
}

func TestProcessMessageSurfacesDispatchError(t *testing.T) {
	t.Parallel()

	stored := validSubmission()
	stored.ID = "n-2"
	repo := &fakeNotificationRepo{
		getByIDFn: func(ctx context.Context, id string) (*domain.Notification, error) {
			return stored, nil
		},
	}
	dispatcher := &fakeDispatcher{
		dispatchFn: func(ctx context.Context, n *domain.Notification) (*dispatch.Summary, error) {
			return nil, errors.New("tracker unavailable")
		},
	}
	svc, err := NewWorkerService(repo, &fakeConsumer{}, dispatcher, 1, zap.NewNop())
	if err != nil {
		t.Fatalf("NewWorkerService() error = %v", err)
	}

	if err := svc.processMessage(context.Background(), queue.DispatchMessage{NotificationID: "n-2"}); err == nil {
		t.Fatal("expected dispatch error to surface for redelivery")
	}
}

func TestStartRunsWorkersUntilCancel(t *testing.T) {
	t.Parallel()

	consumed := make(chan string, 4)
	consumer := &fakeConsumer{
		consumeFn: func(ctx context.Context, queueName string, handler queue.MessageHandler) error {
			consumed <- queueName
			<-ctx.Done()
			return nil
		},
	}
	svc, err := NewWorkerService(&fakeNotificationRepo{}, consumer, &fakeDispatcher{}, 2, zap.NewNop())
	if err != nil {
		t.Fatalf("NewWorkerService() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()

	for i := 0; i < 2; i++ {
		if got := <-consumed; got != queue.DispatchQueue {
			t.Errorf("worker consumed %q, want %q", got, queue.DispatchQueue)
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Start() error = %v", err)
	}
}
