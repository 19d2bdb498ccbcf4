package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alertforge/notify-core/internal/domain"
	"github.com/alertforge/notify-core/internal/repository"
	"github.com/alertforge/notify-core/internal/tracker"
	"github.com/gofiber/fiber/v2"
)

const (
	defaultPage       = 1
	defaultPageSize   = 50
	maxPageSize       = 100
	defaultStatsRange = 24 * time.Hour
	defaultStatsStep  = time.Hour
)

type NotificationService interface {
	Submit(ctx context.Context, n *domain.Notification) (*domain.Notification, bool, error)
	GetByID(ctx context.Context, id string) (*domain.Notification, error)
	List(ctx context.Context, params repository.ListParams) ([]domain.Notification, int64, error)
}

type DeliveryTracker interface {
	GetStatus(ctx context.Context, notificationID string) (*tracker.DeliveryStatus, error)
	RecordReceipt(ctx context.Context, receipt *domain.DeliveryReceipt) error
	RecordAcknowledgment(ctx context.Context, ack *domain.AcknowledgmentReceipt) (bool, error)
	GetStatistics(ctx context.Context, filters repository.StatsFilters, bucket time.Duration) (*tracker.Statistics, error)
}

type NotificationHandler struct {
	service NotificationService
	tracker DeliveryTracker
}

func NewNotificationHandler(service NotificationService, tracker DeliveryTracker) (*NotificationHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("notification service is required")
	}
	if tracker == nil {
		return nil, fmt.Errorf("delivery tracker is required")
	}
	return &NotificationHandler{service: service, tracker: tracker}, nil
}

func RegisterNotificationRoutes(router fiber.Router, service NotificationService, tracker DeliveryTracker) error {
	h, err := NewNotificationHandler(service, tracker)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/notifications", h.SubmitNotification)
	v1.Get("/notifications/:id", h.GetNotification)
	v1.Get("/notifications", h.ListNotifications)
	v1.Post("/notifications/:id/ack", h.AcknowledgeNotification)
	v1.Post("/receipts", h.RecordReceipt)
	v1.Get("/statistics", h.GetStatistics)

	return nil
}

type submitNotificationRequest struct {
	CorrelationID  string             `json:"correlationId"`
	IdempotencyKey *string            `json:"idempotencyKey"`
	Title          string             `json:"title"`
	Message        string             `json:"message"`
	Severity       string             `json:"severity"`
	Priority       int                `json:"priority"`
	Category       string             `json:"category"`
	Source         string             `json:"source"`
	Tags           map[string]string  `json:"tags"`
	Metadata       map[string]any     `json:"metadata"`
	Recipients     []domain.Recipient `json:"recipients"`
	Channels       []string           `json:"channels"`
	ExpiresAt      *time.Time         `json:"expiresAt"`
}

type notificationResponse struct {
	ID             string             `json:"id"`
	CorrelationID  string             `json:"correlationId"`
	IdempotencyKey *string            `json:"idempotencyKey,omitempty"`
	Title          string             `json:"title"`
	Message        string             `json:"message"`
	Severity       string             `json:"severity"`
	Priority       int                `json:"priority"`
	Category       string             `json:"category,omitempty"`
	Source         string             `json:"source,omitempty"`
	Tags           map[string]string  `json:"tags,omitempty"`
	Recipients     []domain.Recipient `json:"recipients"`
	Channels       []string           `json:"channels,omitempty"`
	CreatedAt      time.Time          `json:"createdAt"`
	ExpiresAt      *time.Time         `json:"expiresAt,omitempty"`
}

type notificationDetailResponse struct {
	notificationResponse
	Delivery *tracker.DeliveryStatus `json:"delivery,omitempty"`
}

type listNotificationsResponse struct {
	Data []notificationResponse `json:"data"`
	Meta listMeta               `json:"meta"`
}

type listMeta struct {
	Page     int   `json:"page"`
	PageSize int   `json:"pageSize"`
	Total    int64 `json:"total"`
}

type acknowledgeRequest struct {
	ID      string `json:"id"`
	UserID  string `json:"userId"`
	Channel string `json:"channel"`
	Notes   string `json:"notes"`
}

type receiptRequest struct {
	ID             string  `json:"id"`
	NotificationID string  `json:"notificationId"`
	AttemptID      string  `json:"attemptId"`
	Status         string  `json:"status"`
	Payload        *string `json:"payload"`
}

func (h *NotificationHandler) SubmitNotification(c *fiber.Ctx) error {
	var req submitNotificationRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	notification, err := requestToDomainNotification(req, requestCorrelationID(c))
	if err != nil {
		return toHTTPError(err)
	}

	created, isNew, err := h.service.Submit(c.Context(), &notification)
	if err != nil {
		return toHTTPError(err)
	}

	status := fiber.StatusAccepted
	if !isNew {
		status = fiber.StatusOK
	}
	return c.Status(status).JSON(toNotificationResponse(created))
}

func (h *NotificationHandler) GetNotification(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	notification, err := h.service.GetByID(c.Context(), id)
	if err != nil {
		return toHTTPError(err)
	}

	delivery, err := h.tracker.GetStatus(c.Context(), notification.ID)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(notificationDetailResponse{
		notificationResponse: toNotificationResponse(notification),
		Delivery:             delivery,
	})
}

func (h *NotificationHandler) ListNotifications(c *fiber.Ctx) error {
	params, err := parseListParams(c)
	if err != nil {
		return toHTTPError(err)
	}

	notifications, total, err := h.service.List(c.Context(), params)
	if err != nil {
		return toHTTPError(err)
	}

	responses := make([]notificationResponse, 0, len(notifications))
	for i := range notifications {
		responses = append(responses, toNotificationResponse(&notifications[i]))
	}

	return c.Status(fiber.StatusOK).JSON(listNotificationsResponse{
		Data: responses,
		Meta: listMeta{
			Page:     params.Page,
			PageSize: params.PageSize,
			Total:    total,
		},
	})
}

func (h *NotificationHandler) AcknowledgeNotification(c *fiber.Ctx) error {
	notificationID := strings.TrimSpace(c.Params("id"))

	var req acknowledgeRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	ack := domain.AcknowledgmentReceipt{
		ID:             strings.TrimSpace(req.ID),
		NotificationID: notificationID,
		UserID:         strings.TrimSpace(req.UserID),
		Channel:        domain.NormalizeChannel(req.Channel),
		Notes:          strings.TrimSpace(req.Notes),
	}

	created, err := h.tracker.RecordAcknowledgment(c.Context(), &ack)
	if err != nil {
		return toHTTPError(err)
	}

	status := fiber.StatusCreated
	if !created {
		status = fiber.StatusOK
	}
	return c.Status(status).JSON(fiber.Map{
		"acknowledgmentId": ack.ID,
		"notificationId":   ack.NotificationID,
		"acknowledgedAt":   ack.AcknowledgedAt,
	})
}

func (h *NotificationHandler) RecordReceipt(c *fiber.Ctx) error {
	var req receiptRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	status, err := domain.ParseAttemptStatusFromString(req.Status)
	if err != nil {
		return toHTTPError(err)
	}

	receipt := domain.DeliveryReceipt{
		ID:             strings.TrimSpace(req.ID),
		NotificationID: strings.TrimSpace(req.NotificationID),
		AttemptID:      strings.TrimSpace(req.AttemptID),
		Status:         status,
		Payload:        req.Payload,
	}

	if err := h.tracker.RecordReceipt(c.Context(), &receipt); err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"receiptId":      receipt.ID,
		"notificationId": receipt.NotificationID,
		"attemptId":      receipt.AttemptID,
		"status":         receipt.Status,
	})
}

func (h *NotificationHandler) GetStatistics(c *fiber.Ctx) error {
	filters, bucket, err := parseStatsParams(c)
	if err != nil {
		return toHTTPError(err)
	}

	stats, err := h.tracker.GetStatistics(c.Context(), filters, bucket)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(stats)
}

func parseListParams(c *fiber.Ctx) (repository.ListParams, error) {
	params := repository.ListParams{
		Page:     c.QueryInt("page", defaultPage),
		PageSize: c.QueryInt("pageSize", defaultPageSize),
	}

	if params.Page < 1 {
		return repository.ListParams{}, fmt.Errorf("%w: page must be >= 1", domain.ErrValidation)
	}
	if params.PageSize < 1 || params.PageSize > maxPageSize {
		return repository.ListParams{}, fmt.Errorf("%w: pageSize must be between 1 and %d", domain.ErrValidation, maxPageSize)
	}

	if rawSeverity := strings.TrimSpace(c.Query("severity")); rawSeverity != "" {
		severity, err := domain.ParseSeverityFromString(rawSeverity)
		if err != nil {
			return repository.ListParams{}, err
		}
		params.Severity = &severity
	}

	if rawCategory := strings.TrimSpace(c.Query("category")); rawCategory != "" {
		params.Category = &rawCategory
	}

	from, err := parseRFC3339Query(c.Query("from"), "from")
	if err != nil {
		return repository.ListParams{}, err
	}
	to, err := parseRFC3339Query(c.Query("to"), "to")
	if err != nil {
		return repository.ListParams{}, err
	}
	params.From = from
	params.To = to

	return params, nil
}

func parseStatsParams(c *fiber.Ctx) (repository.StatsFilters, time.Duration, error) {
	now := time.Now().UTC()
	filters := repository.StatsFilters{
		From: now.Add(-defaultStatsRange),
		To:   now,
	}

	from, err := parseRFC3339Query(c.Query("from"), "from")
	if err != nil {
		return repository.StatsFilters{}, 0, err
	}
	to, err := parseRFC3339Query(c.Query("to"), "to")
	if err != nil {
		return repository.StatsFilters{}, 0, err
	}
	if from != nil {
		filters.From = *from
	}
	if to != nil {
		filters.To = *to
	}
	if !filters.To.After(filters.From) {
		return repository.StatsFilters{}, 0, fmt.Errorf("%w: to must be after from", domain.ErrValidation)
	}

	for _, raw := range strings.Split(c.Query("channels"), ",") {
		if trimmed := strings.TrimSpace(raw); trimmed != "" {
			filters.Channels = append(filters.Channels, domain.NormalizeChannel(trimmed))
		}
	}
	for _, raw := range strings.Split(c.Query("severities"), ",") {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			continue
		}
		severity, err := domain.ParseSeverityFromString(trimmed)
		if err != nil {
			return repository.StatsFilters{}, 0, err
		}
		filters.Severities = append(filters.Severities, severity)
	}

	bucket := defaultStatsStep
	if rawBucket := strings.TrimSpace(c.Query("bucket")); rawBucket != "" {
		parsed, err := time.ParseDuration(rawBucket)
		if err != nil || parsed < time.Minute {
			return repository.StatsFilters{}, 0, fmt.Errorf("%w: bucket must be a duration of at least 1m", domain.ErrValidation)
		}
		bucket = parsed
	}

	return filters, bucket, nil
}

func parseRFC3339Query(value string, field string) (*time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}

	t, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be RFC3339", domain.ErrValidation, field)
	}
	return &t, nil
}

func requestToDomainNotification(req submitNotificationRequest, fallbackCorrelationID string) (domain.Notification, error) {
	severity, err := domain.ParseSeverityFromString(req.Severity)
	if err != nil {
		return domain.Notification{}, err
	}

	priority := domain.Priority(req.Priority)
	if priority != 0 && !priority.IsValid() {
		return domain.Notification{}, fmt.Errorf("%w: priority %d out of range 1..10", domain.ErrValidation, req.Priority)
	}

	channels := make([]domain.Channel, 0, len(req.Channels))
	for _, raw := range req.Channels {
		if ch := domain.NormalizeChannel(raw); ch.IsValid() {
			channels = append(channels, ch)
		}
	}

	n := domain.Notification{
		CorrelationID:  strings.TrimSpace(req.CorrelationID),
		IdempotencyKey: req.IdempotencyKey,
		Title:          strings.TrimSpace(req.Title),
		Message:        strings.TrimSpace(req.Message),
		Severity:       severity,
		Priority:       priority,
		Category:       strings.TrimSpace(req.Category),
		Source:         strings.TrimSpace(req.Source),
		Tags:           req.Tags,
		Metadata:       req.Metadata,
		Recipients:     req.Recipients,
		Delivery:       domain.DeliveryConfig{Channels: channels},
		ExpiresAt:      req.ExpiresAt,
	}

	if n.CorrelationID == "" {
		n.CorrelationID = strings.TrimSpace(fallbackCorrelationID)
	}

	return n, nil
}

func requestCorrelationID(c *fiber.Ctx) string {
	if value := strings.TrimSpace(c.Get(fiber.HeaderXRequestID)); value != "" {
		return value
	}
	if value, ok := c.Locals("requestid").(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}

func toNotificationResponse(n *domain.Notification) notificationResponse {
	if n == nil {
		return notificationResponse{}
	}

	channels := make([]string, 0, len(n.Delivery.Channels))
	for _, ch := range n.Delivery.Channels {
		channels = append(channels, ch.String())
	}

	return notificationResponse{
		ID:             n.ID,
		CorrelationID:  n.CorrelationID,
		IdempotencyKey: n.IdempotencyKey,
		Title:          n.Title,
		Message:        n.Message,
		Severity:       n.Severity.String(),
		Priority:       int(n.Priority),
		Category:       n.Category,
		Source:         n.Source,
		Tags:           n.Tags,
		Recipients:     n.Recipients,
		Channels:       channels,
		CreatedAt:      n.CreatedAt,
		ExpiresAt:      n.ExpiresAt,
	}
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConflict):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	default:
		return err
	}
}
