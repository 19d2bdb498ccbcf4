package queue

import (
	"fmt"
	"strings"

	"github.com/alertforge/notify-core/internal/domain"
)

// DispatchMessage is the broker payload pointing dispatch workers at a
// persisted notification.
type DispatchMessage struct {
	NotificationID string          `json:"notificationId"`
	CorrelationID  string          `json:"correlationId,omitempty"`
	Severity       domain.Severity `json:"severity"`
	Priority       domain.Priority `json:"priority"`
}

func (m DispatchMessage) Validate() error {
	if strings.TrimSpace(m.NotificationID) == "" {
		return fmt.Errorf("notificationId is required")
	}
	if !m.Severity.IsValid() {
		return fmt.Errorf("invalid severity %q", m.Severity)
	}
	if m.Priority != 0 && !m.Priority.IsValid() {
		return fmt.Errorf("priority %d out of range 1..10", m.Priority)
	}
	return nil
}
