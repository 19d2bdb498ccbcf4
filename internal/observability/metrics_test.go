package observability

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsDispatchCollectors(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()

	metrics.IncDeliverySent("SMS")
	metrics.IncDeliveryFailed("sms", "permanent_error")
	metrics.ObserveSendDuration("sms", 120*time.Millisecond)
	metrics.IncDispatchInFlight("sms")
	metrics.DecDispatchInFlight("sms")
	metrics.IncRetryScheduled("sms")
	metrics.IncRateLimitDenied("sms")
	metrics.IncEscalation()

	if got := testutil.ToFloat64(metrics.deliveriesSentTotal.WithLabelValues("sms")); got != 1 {
		t.Fatalf("deliveries_sent_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.deliveriesFailedTotal.WithLabelValues("sms", "permanent_error")); got != 1 {
		t.Fatalf("deliveries_failed_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.retryScheduledTotal.WithLabelValues("sms")); got != 1 {
		t.Fatalf("retry_scheduled_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.dispatchInflight.WithLabelValues("sms")); got != 0 {
		t.Fatalf("dispatch_inflight = %v, want 0", got)
	}
	if got := testutil.ToFloat64(metrics.rateLimitDeniedTotal.WithLabelValues("sms")); got != 1 {
		t.Fatalf("rate_limit_denied_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.escalationsTotal); got != 1 {
		t.Fatalf("escalations_total = %v, want 1", got)
	}
}

func TestMetricsHTTPMiddlewareRecordsRequest(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()
	app := fiber.New()
	app.Use(metrics.HTTPMiddleware())
	app.Get("/livez", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	req := httptest.NewRequest("GET", "/livez", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	if got := testutil.ToFloat64(metrics.httpRequestsTotal.WithLabelValues("GET", "/livez", "200")); got != 1 {
		t.Fatalf("http_requests_total = %v, want 1", got)
	}
}

func TestMetricsHTTPMiddlewareRecordsErrorStatus(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()
	app := fiber.New()
	app.Use(metrics.HTTPMiddleware())
	app.Get("/boom", func(c *fiber.Ctx) error {
		return errors.New("boom")
	})

	req := httptest.NewRequest("GET", "/boom", nil)
	_, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}

	if got := testutil.ToFloat64(metrics.httpRequestsTotal.WithLabelValues("GET", "/boom", "500")); got != 1 {
		t.Fatalf("http_requests_total = %v, want 1", got)
	}
}
