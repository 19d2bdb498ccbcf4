package domain

import (
	"fmt"
	"strings"
	"time"
)

// AttemptStatus is the lifecycle state of a single delivery attempt.
type AttemptStatus string

const (
	AttemptPending   AttemptStatus = "PENDING"
	AttemptSending   AttemptStatus = "SENDING"
	AttemptSent      AttemptStatus = "SENT"
	AttemptDelivered AttemptStatus = "DELIVERED"
	AttemptBounced   AttemptStatus = "BOUNCED"
	AttemptFailed    AttemptStatus = "FAILED"
	AttemptExpired   AttemptStatus = "EXPIRED"
)

func (s AttemptStatus) String() string { return string(s) }

func (s AttemptStatus) IsValid() bool {
	switch s {
	case AttemptPending, AttemptSending, AttemptSent, AttemptDelivered,
		AttemptBounced, AttemptFailed, AttemptExpired:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is allowed for the attempt.
func (s AttemptStatus) IsTerminal() bool {
	switch s {
	case AttemptSent, AttemptDelivered, AttemptBounced, AttemptFailed, AttemptExpired:
		return true
	}
	return false
}

// IsSuccess reports whether the attempt reached the provider.
func (s AttemptStatus) IsSuccess() bool {
	return s == AttemptSent || s == AttemptDelivered
}

// CanTransitionTo enforces the attempt state machine:
// PENDING -> SENDING -> {SENT, DELIVERED, BOUNCED, FAILED, EXPIRED}.
// SENT -> DELIVERED is allowed for asynchronous provider receipts; a
// PENDING attempt may also expire directly while waiting for its retry.
func (s AttemptStatus) CanTransitionTo(next AttemptStatus) bool {
	switch s {
	case AttemptPending:
		return next == AttemptSending || next == AttemptExpired
	case AttemptSending:
		return next.IsTerminal()
	case AttemptSent:
		return next == AttemptDelivered
	}
	return false
}

// CanTransitionTo applies the status machine with one attempt-level
// exception: a failed attempt whose retry is still scheduled may move to
// expired when the notification's deadline cancels that retry.
func (a *DeliveryAttempt) CanTransitionTo(next AttemptStatus) bool {
	if a == nil {
		return false
	}
	if a.Status == AttemptFailed && a.NextRetryAt != nil && next == AttemptExpired {
		return true
	}
	return a.Status.CanTransitionTo(next)
}

func ParseAttemptStatusFromString(s string) (AttemptStatus, error) {
	st := AttemptStatus(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid attempt status %q", ErrValidation, s)
	}
	return st, nil
}

// DeliveryAttempt records one send attempt on one channel. Rows are
// append-only; only Status (and the retry/latency bookkeeping that comes
// with a status change) is ever updated.
type DeliveryAttempt struct {
	ID             string        `json:"id"`
	NotificationID string        `json:"notificationId"`
	Channel        Channel       `json:"channel"`
	RecipientID    string        `json:"recipientId"`
	Address        string        `json:"address"`
	AttemptNumber  int           `json:"attemptNumber"`
	Status         AttemptStatus `json:"status"`
	Latency        time.Duration `json:"latency"`
	ProviderID     *string       `json:"providerId,omitempty"`
	Response       *string       `json:"response,omitempty"`
	Error          *string       `json:"error,omitempty"`
	NextRetryAt    *time.Time    `json:"nextRetryAt,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}

// DeliveryReceipt is an asynchronous provider-side confirmation, distinct
// from the synchronous send result stored on the attempt.
type DeliveryReceipt struct {
	ID             string        `json:"id"`
	NotificationID string        `json:"notificationId"`
	AttemptID      string        `json:"attemptId"`
	Status         AttemptStatus `json:"status"`
	Payload        *string       `json:"payload,omitempty"`
	ReceivedAt     time.Time     `json:"receivedAt"`
}

// AcknowledgmentReceipt records a user acknowledging a notification.
// Multiple recipients may acknowledge; one is enough to pin the
// notification's derived status to acknowledged.
type AcknowledgmentReceipt struct {
	ID             string    `json:"id"`
	NotificationID string    `json:"notificationId"`
	UserID         string    `json:"userId"`
	Channel        Channel   `json:"channel"`
	Notes          string    `json:"notes,omitempty"`
	AcknowledgedAt time.Time `json:"acknowledgedAt"`
}

// NotificationStatus is the derived, never-stored status of a notification.
type NotificationStatus string

const (
	NotificationAcknowledged NotificationStatus = "ACKNOWLEDGED"
	NotificationDelivered    NotificationStatus = "DELIVERED"
	NotificationSending      NotificationStatus = "SENDING"
	NotificationFailed       NotificationStatus = "FAILED"
	NotificationUnknown      NotificationStatus = "UNKNOWN"
)

// DeriveNotificationStatus folds attempt history and acknowledgments into
// the notification-level status. Acknowledgment always wins; otherwise any
// successful attempt means delivered, any in-flight attempt means sending,
// failed requires every attempt to be failed, and an empty history is
// unknown. Attempts must be ordered newest-first; the fallthrough is the
// newest attempt's raw status widened to the notification vocabulary, so a
// history ending in an expired attempt reads as expired, not failed.
func DeriveNotificationStatus(attempts []DeliveryAttempt, acknowledged bool) NotificationStatus {
	if acknowledged {
		return NotificationAcknowledged
	}
	if len(attempts) == 0 {
		return NotificationUnknown
	}

	anyInFlight := false
	allFailed := true
	for _, a := range attempts {
		if a.Status.IsSuccess() {
			return NotificationDelivered
		}
		if a.Status == AttemptPending || a.Status == AttemptSending {
			anyInFlight = true
		}
		if a.Status != AttemptFailed {
			allFailed = false
		}
	}
	if anyInFlight {
		return NotificationSending
	}
	if allFailed {
		return NotificationFailed
	}
	return NotificationStatus(attempts[0].Status)
}
