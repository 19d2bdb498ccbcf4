package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/alertforge/notify-core/internal/domain"
	"github.com/alertforge/notify-core/internal/repository"
)

type fakeNotificationRepo struct {
	mu         sync.Mutex
	expiredIDs []string
	calls      int
}

func (f *fakeNotificationRepo) Create(ctx context.Context, n *domain.Notification) error { return nil }
func (f *fakeNotificationRepo) GetByID(ctx context.Context, id string) (*domain.Notification, error) {
	return nil, domain.ErrNotFound
}
func (f *fakeNotificationRepo) GetByIdempotencyKey(ctx context.Context, key string) (*domain.Notification, error) {
	return nil, domain.ErrNotFound
}
func (f *fakeNotificationRepo) List(ctx context.Context, params repository.ListParams) ([]domain.Notification, int64, error) {
	return nil, 0, nil
}

func (f *fakeNotificationRepo) GetExpiredIDs(ctx context.Context, now time.Time, limit int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	ids := f.expiredIDs
	f.expiredIDs = nil
	return ids, nil
}

type expiringAttemptRepo struct {
	*memAttemptRepo
	mu      sync.Mutex
	expired []string
}

func (f *expiringAttemptRepo) ExpireInFlight(ctx context.Context, ids []string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expired = append(f.expired, ids...)
	return int64(len(ids)), nil
}

func TestExpiryScannerSweepsInFlightAttempts(t *testing.T) {
	t.Parallel()

	notifications := &fakeNotificationRepo{expiredIDs: []string{"n1", "n2"}}
	attempts := &expiringAttemptRepo{memAttemptRepo: newMemAttemptRepo()}

	scanner, err := NewExpiryScanner(notifications, attempts, time.Second, 10, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("NewExpiryScanner() error = %v", err)
	}

	if err := scanner.sweep(context.Background()); err != nil {
		t.Fatalf("sweep() error = %v", err)
	}

	attempts.mu.Lock()
	defer attempts.mu.Unlock()
	if len(attempts.expired) != 2 {
		t.Fatalf("expired ids = %v, want [n1 n2]", attempts.expired)
	}

	// Nothing due on the second pass.
	if err := scanner.sweep(context.Background()); err != nil {
		t.Fatalf("sweep() second pass error = %v", err)
	}
	if len(attempts.expired) != 2 {
		t.Fatalf("expired ids grew unexpectedly: %v", attempts.expired)
	}
}
