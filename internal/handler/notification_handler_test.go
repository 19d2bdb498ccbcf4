package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alertforge/notify-core/internal/domain"
	"github.com/alertforge/notify-core/internal/repository"
	"github.com/alertforge/notify-core/internal/tracker"
	"github.com/alertforge/notify-core/internal/transport"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

type fakeService struct {
	submitFn  func(ctx context.Context, n *domain.Notification) (*domain.Notification, bool, error)
	getByIDFn func(ctx context.Context, id string) (*domain.Notification, error)
	listFn    func(ctx context.Context, params repository.ListParams) ([]domain.Notification, int64, error)
}

func (f *fakeService) Submit(ctx context.Context, n *domain.Notification) (*domain.Notification, bool, error) {
	if f.submitFn != nil {
		return f.submitFn(ctx, n)
	}
	n.ID = "generated-id"
	return n, true, nil
}

func (f *fakeService) GetByID(ctx context.Context, id string) (*domain.Notification, error) {
	if f.getByIDFn != nil {
		return f.getByIDFn(ctx, id)
	}
	return nil, domain.ErrNotFound
}

func (f *fakeService) List(ctx context.Context, params repository.ListParams) ([]domain.Notification, int64, error) {
	if f.listFn != nil {
		return f.listFn(ctx, params)
	}
	return nil, 0, nil
}

type fakeTracker struct {
	getStatusFn     func(ctx context.Context, notificationID string) (*tracker.DeliveryStatus, error)
	recordReceiptFn func(ctx context.Context, receipt *domain.DeliveryReceipt) error
	recordAckFn     func(ctx context.Context, ack *domain.AcknowledgmentReceipt) (bool, error)
	getStatsFn      func(ctx context.Context, filters repository.StatsFilters, bucket time.Duration) (*tracker.Statistics, error)
}

func (f *fakeTracker) GetStatus(ctx context.Context, notificationID string) (*tracker.DeliveryStatus, error) {
	if f.getStatusFn != nil {
		return f.getStatusFn(ctx, notificationID)
	}
	return &tracker.DeliveryStatus{
		NotificationID: notificationID,
		Status:         domain.NotificationUnknown,
	}, nil
}

func (f *fakeTracker) RecordReceipt(ctx context.Context, receipt *domain.DeliveryReceipt) error {
	if f.recordReceiptFn != nil {
		return f.recordReceiptFn(ctx, receipt)
	}
	return nil
}

func (f *fakeTracker) RecordAcknowledgment(ctx context.Context, ack *domain.AcknowledgmentReceipt) (bool, error) {
	if f.recordAckFn != nil {
		return f.recordAckFn(ctx, ack)
	}
	ack.ID = "ack-1"
	ack.AcknowledgedAt = time.Now().UTC()
	return true, nil
}

func (f *fakeTracker) GetStatistics(ctx context.Context, filters repository.StatsFilters, bucket time.Duration) (*tracker.Statistics, error) {
	if f.getStatsFn != nil {
		return f.getStatsFn(ctx, filters, bucket)
	}
	return &tracker.Statistics{From: filters.From, To: filters.To}, nil
}

func newTestApp(t *testing.T, svc NotificationService, trk DeliveryTracker) *fiber.App {
	t.Helper()

	app := fiber.New(fiber.Config{ErrorHandler: transport.ErrorHandler(zap.NewNop())})
	if err := RegisterNotificationRoutes(app, svc, trk); err != nil {
		t.Fatalf("RegisterNotificationRoutes() error = %v", err)
	}
	return app
}

func doJSON(t *testing.T, app *fiber.App, method, target string, body any) (*http.Response, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	resp.Body.Close()
	return resp, raw
}

func TestSubmitNotificationAccepted(t *testing.T) {
	t.Parallel()

	app := newTestApp(t, &fakeService{}, &fakeTracker{})

	resp, raw := doJSON(t, app, http.MethodPost, "/v1/notifications", fiber.Map{
		"title":    "disk almost full",
		"message":  "/var/lib is at 92%",
		"severity": "warning",
		"priority": 2,
		"recipients": []fiber.Map{
			{"type": "USER", "id": "user-1", "name": "Ada"},
		},
		"channels": []string{"Email"},
	})

	if resp.StatusCode != fiber.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", resp.StatusCode, raw)
	}

	var got notificationResponse
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if got.ID != "generated-id" {
		t.Errorf("id = %q, want generated-id", got.ID)
	}
	if got.Severity != "WARNING" {
		t.Errorf("severity = %q, want WARNING", got.Severity)
	}
	if len(got.Channels) != 1 || got.Channels[0] != "email" {
		t.Errorf("channels = %v, want [email]", got.Channels)
	}
}

func TestSubmitNotificationIdempotentReplayReturns200(t *testing.T) {
	t.Parallel()

	svc := &fakeService{
		submitFn: func(ctx context.Context, n *domain.Notification) (*domain.Notification, bool, error) {
			n.ID = "original-id"
			return n, false, nil
		},
	}
	app := newTestApp(t, svc, &fakeTracker{})

	resp, raw := doJSON(t, app, http.MethodPost, "/v1/notifications", fiber.Map{
		"title":          "dup",
		"message":        "dup",
		"severity":       "info",
		"idempotencyKey": "key-1",
	})
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200: %s", resp.StatusCode, raw)
	}
}

func TestSubmitNotificationRejectsBadSeverity(t *testing.T) {
	t.Parallel()

	app := newTestApp(t, &fakeService{}, &fakeTracker{})

	resp, _ := doJSON(t, app, http.MethodPost, "/v1/notifications", fiber.Map{
		"title":    "x",
		"message":  "y",
		"severity": "catastrophic",
	})
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestGetNotificationIncludesDeliveryStatus(t *testing.T) {
	t.Parallel()

	svc := &fakeService{
		getByIDFn: func(ctx context.Context, id string) (*domain.Notification, error) {
			return &domain.Notification{
				ID:       id,
				Title:    "t",
				Message:  "m",
				Severity: domain.SeverityError,
				Priority: domain.PriorityDefault,
			}, nil
		},
	}
	trk := &fakeTracker{
		getStatusFn: func(ctx context.Context, notificationID string) (*tracker.DeliveryStatus, error) {
			return &tracker.DeliveryStatus{
				NotificationID: notificationID,
				Status:         domain.NotificationDelivered,
				Attempts: []domain.DeliveryAttempt{
					{ID: "a-1", NotificationID: notificationID, Channel: "email", Status: domain.AttemptDelivered},
				},
			}, nil
		},
	}
	app := newTestApp(t, svc, trk)

	resp, raw := doJSON(t, app, http.MethodGet, "/v1/notifications/n-1", nil)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200: %s", resp.StatusCode, raw)
	}

	var got struct {
		ID       string `json:"id"`
		Delivery *struct {
			Status   string `json:"status"`
			Attempts []struct {
				ID string `json:"id"`
			} `json:"attempts"`
		} `json:"delivery"`
	}
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if got.ID != "n-1" {
		t.Errorf("id = %q, want n-1", got.ID)
	}
	if got.Delivery == nil || got.Delivery.Status != "DELIVERED" {
		t.Errorf("delivery = %+v, want DELIVERED status", got.Delivery)
	}
}

func TestGetNotificationNotFound(t *testing.T) {
	t.Parallel()

	app := newTestApp(t, &fakeService{}, &fakeTracker{})

	resp, _ := doJSON(t, app, http.MethodGet, "/v1/notifications/missing", nil)
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestListNotificationsParsesFilters(t *testing.T) {
	t.Parallel()

	var captured repository.ListParams
	svc := &fakeService{
		listFn: func(ctx context.Context, params repository.ListParams) ([]domain.Notification, int64, error) {
			captured = params
			return []domain.Notification{}, 0, nil
		},
	}
	app := newTestApp(t, svc, &fakeTracker{})

	resp, _ := doJSON(t, app, http.MethodGet, "/v1/notifications?severity=critical&category=infra&page=2&pageSize=10", nil)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if captured.Severity == nil || *captured.Severity != domain.SeverityCritical {
		t.Errorf("severity filter = %v, want CRITICAL", captured.Severity)
	}
	if captured.Category == nil || *captured.Category != "infra" {
		t.Errorf("category filter = %v, want infra", captured.Category)
	}
	if captured.Page != 2 || captured.PageSize != 10 {
		t.Errorf("page/pageSize = %d/%d, want 2/10", captured.Page, captured.PageSize)
	}
}

func TestListNotificationsRejectsOversizedPage(t *testing.T) {
	t.Parallel()

	app := newTestApp(t, &fakeService{}, &fakeTracker{})

	resp, _ := doJSON(t, app, http.MethodGet, fmt.Sprintf("/v1/notifications?pageSize=%d", maxPageSize+1), nil)
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestAcknowledgeNotification(t *testing.T) {
	t.Parallel()

	var captured *domain.AcknowledgmentReceipt
	trk := &fakeTracker{
		recordAckFn: func(ctx context.Context, ack *domain.AcknowledgmentReceipt) (bool, error) {
			captured = ack
			ack.ID = "ack-7"
			return true, nil
		},
	}
	app := newTestApp(t, &fakeService{}, trk)

	resp, raw := doJSON(t, app, http.MethodPost, "/v1/notifications/n-9/ack", fiber.Map{
		"userId":  "user-1",
		"channel": "Slack",
		"notes":   "on it",
	})
	if resp.StatusCode != fiber.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", resp.StatusCode, raw)
	}
	if captured == nil || captured.NotificationID != "n-9" {
		t.Fatalf("captured ack = %+v, want notification n-9", captured)
	}
	if captured.Channel != "slack" {
		t.Errorf("channel = %q, want slack", captured.Channel)
	}
}

func TestAcknowledgeReplayReturns200(t *testing.T) {
	t.Parallel()

	trk := &fakeTracker{
		recordAckFn: func(ctx context.Context, ack *domain.AcknowledgmentReceipt) (bool, error) {
			return false, nil
		},
	}
	app := newTestApp(t, &fakeService{}, trk)

	resp, _ := doJSON(t, app, http.MethodPost, "/v1/notifications/n-9/ack", fiber.Map{
		"id":     "ack-7",
		"userId": "user-1",
	})
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestRecordReceipt(t *testing.T) {
	t.Parallel()

	var captured *domain.DeliveryReceipt
	trk := &fakeTracker{
		recordReceiptFn: func(ctx context.Context, receipt *domain.DeliveryReceipt) error {
			captured = receipt
			return nil
		},
	}
	app := newTestApp(t, &fakeService{}, trk)

	resp, raw := doJSON(t, app, http.MethodPost, "/v1/receipts", fiber.Map{
		"notificationId": "n-1",
		"attemptId":      "a-1",
		"status":         "delivered",
	})
	if resp.StatusCode != fiber.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", resp.StatusCode, raw)
	}
	if captured == nil || captured.Status != domain.AttemptDelivered {
		t.Fatalf("captured receipt = %+v, want DELIVERED", captured)
	}
}

func TestRecordReceiptRejectsBadStatus(t *testing.T) {
	t.Parallel()

	app := newTestApp(t, &fakeService{}, &fakeTracker{})

	resp, _ := doJSON(t, app, http.MethodPost, "/v1/receipts", fiber.Map{
		"notificationId": "n-1",
		"attemptId":      "a-1",
		"status":         "teleported",
	})
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestGetStatisticsParsesFilters(t *testing.T) {
	t.Parallel()

	var captured repository.StatsFilters
	var capturedBucket time.Duration
	trk := &fakeTracker{
		getStatsFn: func(ctx context.Context, filters repository.StatsFilters, bucket time.Duration) (*tracker.Statistics, error) {
			captured = filters
			capturedBucket = bucket
			return &tracker.Statistics{From: filters.From, To: filters.To}, nil
		},
	}
	app := newTestApp(t, &fakeService{}, trk)

	resp, _ := doJSON(t, app, http.MethodGet,
		"/v1/statistics?from=2026-08-01T00:00:00Z&to=2026-08-02T00:00:00Z&channels=email,sms&severities=critical&bucket=30m", nil)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if len(captured.Channels) != 2 || captured.Channels[0] != "email" {
		t.Errorf("channels = %v, want [email sms]", captured.Channels)
	}
	if len(captured.Severities) != 1 || captured.Severities[0] != domain.SeverityCritical {
		t.Errorf("severities = %v, want [CRITICAL]", captured.Severities)
	}
	if capturedBucket != 30*time.Minute {
		t.Errorf("bucket = %v, want 30m", capturedBucket)
	}
}

func TestGetStatisticsRejectsInvertedRange(t *testing.T) {
	t.Parallel()

	app := newTestApp(t, &fakeService{}, &fakeTracker{})

	resp, _ := doJSON(t, app, http.MethodGet,
		"/v1/statistics?from=2026-08-02T00:00:00Z&to=2026-08-01T00:00:00Z", nil)
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}
