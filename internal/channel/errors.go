package channel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// SendError classifies delivery failures as transient or permanent so the
// dispatcher knows whether another attempt is worth scheduling.
type SendError struct {
	Channel    string
	StatusCode int
	Message    string
	Transient  bool
	Cause      error
}

func (e *SendError) Error() string {
	if e == nil {
		return "<nil>"
	}

	parts := make([]string, 0, 5)
	parts = append(parts, "send error")

	if ch := strings.TrimSpace(e.Channel); ch != "" {
		parts = append(parts, fmt.Sprintf("channel=%s", ch))
	}
	if e.StatusCode > 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.StatusCode))
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		parts = append(parts, msg)
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, ": ")
}

func (e *SendError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// IsTransient reports whether a failed send should be retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var sendErr *SendError
	if errors.As(err, &sendErr) {
		return sendErr.Transient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	return false
}
