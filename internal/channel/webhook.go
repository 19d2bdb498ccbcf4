package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const defaultWebhookTimeout = 10 * time.Second

type webhookRequest struct {
	To            string `json:"to"`
	Channel       string `json:"channel"`
	Title         string `json:"title"`
	Message       string `json:"message"`
	Severity      string `json:"severity"`
	Priority      int    `json:"priority"`
	CorrelationID string `json:"correlationId,omitempty"`
	Attempt       int    `json:"attempt"`
}

// WebhookSender posts deliveries to a webhook.site-compatible endpoint.
// One instance serves one channel's endpoint.
type WebhookSender struct {
	client   *resty.Client
	name     string
	endpoint string
}

func NewWebhookSender(name, endpoint string) (*WebhookSender, error) {
	client := resty.New()
	client.SetTimeout(defaultWebhookTimeout)
	client.SetRetryCount(0)

	return NewWebhookSenderWithClient(name, endpoint, client)
}

func NewWebhookSenderWithClient(name, endpoint string, client *resty.Client) (*WebhookSender, error) {
	trimmedEndpoint := strings.TrimSpace(endpoint)
	if trimmedEndpoint == "" {
		return nil, fmt.Errorf("webhook endpoint is required")
	}
	if _, err := url.ParseRequestURI(trimmedEndpoint); err != nil {
		return nil, fmt.Errorf("invalid webhook endpoint: %w", err)
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultWebhookTimeout)
	}
	client.SetRetryCount(0)

	return &WebhookSender{
		client:   client,
		name:     strings.TrimSpace(name),
		endpoint: trimmedEndpoint,
	}, nil
}

func (s *WebhookSender) Send(ctx context.Context, msg Message) (*SendResult, error) {
	if s == nil || s.client == nil {
		return nil, fmt.Errorf("sender is not initialized")
	}
	if strings.TrimSpace(msg.Address) == "" {
		return nil, &SendError{
			Channel:   s.name,
			Message:   "recipient address is required",
			Transient: false,
		}
	}

	reqBody := webhookRequest{
		To:            msg.Address,
		Channel:       strings.ToLower(msg.Channel.String()),
		Title:         msg.Notification.Title,
		Message:       msg.Notification.Message,
		Severity:      strings.ToLower(msg.Notification.Severity.String()),
		Priority:      int(msg.Notification.Priority),
		CorrelationID: msg.Notification.CorrelationID,
		Attempt:       msg.AttemptNumber,
	}

	response, err := s.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(reqBody).
		Post(s.endpoint)
	if err != nil {
		return nil, &SendError{
			Channel:   s.name,
			Message:   "webhook request failed",
			Transient: !errors.Is(err, context.Canceled),
			Cause:     err,
		}
	}
	if response == nil {
		return nil, &SendError{
			Channel:   s.name,
			Message:   "webhook returned empty response",
			Transient: true,
		}
	}

	statusCode := response.StatusCode()
	responseBody := strings.TrimSpace(response.String())

	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
		return &SendResult{
			StatusCode: statusCode,
			Body:       responseBody,
			ProviderID: webhookProviderID(response),
		}, nil
	}

	return nil, &SendError{
		Channel:    s.name,
		StatusCode: statusCode,
		Message:    webhookErrorMessage(statusCode, responseBody),
		Transient:  isTransientHTTPStatus(statusCode),
	}
}

func isTransientHTTPStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || (statusCode >= http.StatusInternalServerError && statusCode <= 599)
}

func webhookErrorMessage(statusCode int, body string) string {
	base := fmt.Sprintf("webhook returned status %d", statusCode)
	if body == "" {
		return base
	}
	return fmt.Sprintf("%s: %s", base, body)
}

func webhookProviderID(response *resty.Response) string {
	if response == nil {
		return ""
	}

	for _, key := range []string{"X-Request-ID", "X-Request-Id", "X-Correlation-ID", "X-Correlation-Id"} {
		if value := strings.TrimSpace(response.Header().Get(key)); value != "" {
			return value
		}
	}

	return ""
}
