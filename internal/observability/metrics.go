package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics stores Prometheus collectors used by API and dispatch flows.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal     *prometheus.CounterVec
	httpRequestDuration   *prometheus.HistogramVec
	deliveriesSentTotal   *prometheus.CounterVec
	deliveriesFailedTotal *prometheus.CounterVec
	sendDuration          *prometheus.HistogramVec
	dispatchInflight      *prometheus.GaugeVec
	retryScheduledTotal   *prometheus.CounterVec
	rateLimitDeniedTotal  *prometheus.CounterVec
	escalationsTotal      prometheus.Counter
	notificationsExpired  prometheus.Counter
	policyReloadsTotal    *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "notify_core",
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "notify_core",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		deliveriesSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "notify_core",
				Name:      "deliveries_sent_total",
				Help:      "Total number of delivery attempts that reached the provider successfully.",
			},
			[]string{"channel"},
		),
		deliveriesFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "notify_core",
				Name:      "deliveries_failed_total",
				Help:      "Total number of delivery attempts that ended in failed state.",
			},
			[]string{"channel", "reason"},
		),
		sendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "notify_core",
				Name:      "send_duration_seconds",
				Help:      "Provider send duration in seconds grouped by channel.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"channel"},
		),
		dispatchInflight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "notify_core",
				Name:      "dispatch_inflight",
				Help:      "Current number of in-flight delivery loops grouped by channel.",
			},
			[]string{"channel"},
		),
		retryScheduledTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "notify_core",
				Name:      "retry_scheduled_total",
				Help:      "Total number of delivery attempts scheduled for retry.",
			},
			[]string{"channel"},
		),
		rateLimitDeniedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "notify_core",
				Name:      "rate_limit_denied_total",
				Help:      "Total number of sends held back by the per-channel rate limiter.",
			},
			[]string{"channel"},
		),
		escalationsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "notify_core",
				Name:      "escalations_total",
				Help:      "Total number of notifications escalated to emergency contacts.",
			},
		),
		notificationsExpired: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "notify_core",
				Name:      "notifications_expired_total",
				Help:      "Total number of notifications that expired before delivery completed.",
			},
		),
		policyReloadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "notify_core",
				Name:      "policy_reloads_total",
				Help:      "Total number of routing policy reloads by outcome.",
			},
			[]string{"outcome"},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.deliveriesSentTotal,
		m.deliveriesFailedTotal,
		m.sendDuration,
		m.dispatchInflight,
		m.retryScheduledTotal,
		m.rateLimitDeniedTotal,
		m.escalationsTotal,
		m.notificationsExpired,
		m.policyReloadsTotal,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) HTTPMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := routePath(c)
		// Avoid self-scrape noise for request counters.
		if path == "/metrics" {
			return err
		}

		m.recordHTTPRequest(c.Method(), path, statusFromResult(c, err), time.Since(start))
		return err
	}
}

func (m *Metrics) IncDeliverySent(channel string) {
	if m == nil {
		return
	}
	m.deliveriesSentTotal.WithLabelValues(normalizeChannel(channel)).Inc()
}

func (m *Metrics) IncDeliveryFailed(channel string, reason string) {
	if m == nil {
		return
	}
	reasonLabel := strings.TrimSpace(strings.ToLower(reason))
	if reasonLabel == "" {
		reasonLabel = "unknown"
	}
	m.deliveriesFailedTotal.WithLabelValues(normalizeChannel(channel), reasonLabel).Inc()
}

func (m *Metrics) ObserveSendDuration(channel string, duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.sendDuration.WithLabelValues(normalizeChannel(channel)).Observe(seconds)
}

func (m *Metrics) IncDispatchInFlight(channel string) {
	if m == nil {
		return
	}
	m.dispatchInflight.WithLabelValues(normalizeChannel(channel)).Inc()
}

func (m *Metrics) DecDispatchInFlight(channel string) {
	if m == nil {
		return
	}
	m.dispatchInflight.WithLabelValues(normalizeChannel(channel)).Dec()
}

func (m *Metrics) IncRetryScheduled(channel string) {
	if m == nil {
		return
	}
	m.retryScheduledTotal.WithLabelValues(normalizeChannel(channel)).Inc()
}

func (m *Metrics) IncRateLimitDenied(channel string) {
	if m == nil {
		return
	}
	m.rateLimitDeniedTotal.WithLabelValues(normalizeChannel(channel)).Inc()
}

func (m *Metrics) IncEscalation() {
	if m == nil {
		return
	}
	m.escalationsTotal.Inc()
}

func (m *Metrics) IncNotificationExpired() {
	if m == nil {
		return
	}
	m.notificationsExpired.Inc()
}

func (m *Metrics) IncPolicyReload(outcome string) {
	if m == nil {
		return
	}
	label := strings.TrimSpace(strings.ToLower(outcome))
	if label == "" {
		label = "unknown"
	}
	m.policyReloadsTotal.WithLabelValues(label).Inc()
}

func (m *Metrics) recordHTTPRequest(method string, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}

	methodLabel := strings.ToUpper(strings.TrimSpace(method))
	if methodLabel == "" {
		methodLabel = "UNKNOWN"
	}
	pathLabel := strings.TrimSpace(path)
	if pathLabel == "" {
		pathLabel = "unmatched"
	}

	m.httpRequestsTotal.WithLabelValues(methodLabel, pathLabel, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(methodLabel, pathLabel).Observe(duration.Seconds())
}

func routePath(c *fiber.Ctx) string {
	if c == nil {
		return "unmatched"
	}

	if route := c.Route(); route != nil {
		if path := strings.TrimSpace(route.Path); path != "" {
			return path
		}
	}
	return "unmatched"
}

func statusFromResult(c *fiber.Ctx, err error) int {
	if err != nil {
		if fiberErr, ok := err.(*fiber.Error); ok {
			return fiberErr.Code
		}
		return fiber.StatusInternalServerError
	}

	if c == nil {
		return fiber.StatusOK
	}

	status := c.Response().StatusCode()
	if status == 0 {
		return fiber.StatusOK
	}
	return status
}

func normalizeChannel(channel string) string {
	normalized := strings.ToLower(strings.TrimSpace(channel))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
