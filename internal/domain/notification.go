package domain

import (
	"fmt"
	"strings"
	"time"
)

// Severity represents the operational severity of a notification.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

func (s Severity) String() string { return string(s) }

func (s Severity) IsValid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}

// Rank orders severities from least (0) to most (3) severe.
func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 0
	case SeverityWarning:
		return 1
	case SeverityError:
		return 2
	case SeverityCritical:
		return 3
	}
	return -1
}

// AtLeast reports whether s is at least as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

func ParseSeverityFromString(s string) (Severity, error) {
	sev := Severity(strings.ToUpper(strings.TrimSpace(s)))
	if !sev.IsValid() {
		return "", fmt.Errorf("%w: invalid severity %q", ErrValidation, s)
	}
	return sev, nil
}

// Channel identifies a delivery channel (email, sms, voice, slack, push,
// webhook, ...). The set is open: adapters register by identifier, so the
// domain only normalizes and rejects the empty value.
type Channel string

func (c Channel) String() string { return string(c) }

func (c Channel) IsValid() bool { return strings.TrimSpace(string(c)) != "" }

func NormalizeChannel(s string) Channel {
	return Channel(strings.ToLower(strings.TrimSpace(s)))
}

// Priority is the dispatch priority: 1 is highest, 10 lowest.
type Priority int

const (
	PriorityHighest Priority = 1
	PriorityDefault Priority = 5
	PriorityLowest  Priority = 10
)

func (p Priority) IsValid() bool { return p >= PriorityHighest && p <= PriorityLowest }

// Clamp forces p into the valid 1..10 range, mapping zero to the default.
func (p Priority) Clamp() Priority {
	if p == 0 {
		return PriorityDefault
	}
	if p < PriorityHighest {
		return PriorityHighest
	}
	if p > PriorityLowest {
		return PriorityLowest
	}
	return p
}

// RecipientType distinguishes direct users from teams and on-call roles.
type RecipientType string

const (
	RecipientUser RecipientType = "USER"
	RecipientTeam RecipientType = "TEAM"
	RecipientRole RecipientType = "ROLE"
)

func (t RecipientType) IsValid() bool {
	switch t {
	case RecipientUser, RecipientTeam, RecipientRole:
		return true
	}
	return false
}

// ChannelPreference is one entry of a recipient's ordered channel list.
type ChannelPreference struct {
	Channel     Channel     `json:"channel" yaml:"channel"`
	Address     string      `json:"address" yaml:"address"`
	MinSeverity Severity    `json:"minSeverity" yaml:"minSeverity"`
	Enabled     bool        `json:"enabled" yaml:"enabled"`
	QuietHours  *QuietHours `json:"quietHours,omitempty" yaml:"quietHours,omitempty"`
}

// QuietHours suppresses a channel preference inside a daily window.
// Start and End are "HH:MM" in the recipient's timezone; a window that
// wraps midnight (Start > End) is honored.
type QuietHours struct {
	Start string `json:"start" yaml:"start"`
	End   string `json:"end" yaml:"end"`
}

// Recipient is a routing target with ordered channel preferences.
type Recipient struct {
	Type        RecipientType       `json:"type" yaml:"type"`
	ID          string              `json:"id" yaml:"id"`
	Name        string              `json:"name" yaml:"name"`
	Preferences []ChannelPreference `json:"preferences" yaml:"preferences"`
	Timezone    string              `json:"timezone,omitempty" yaml:"timezone,omitempty"`
	OnCallRef   string              `json:"onCallRef,omitempty" yaml:"onCallRef,omitempty"`
}

// EffectiveChannels returns the subset of the recipient's preferences that
// are enabled, whose minimum severity admits the notification's severity,
// and whose quiet hours (if any) do not cover now. Order is preserved.
func (r Recipient) EffectiveChannels(severity Severity, now time.Time) []ChannelPreference {
	var out []ChannelPreference
	for _, pref := range r.Preferences {
		if !pref.Enabled {
			continue
		}
		if !severity.AtLeast(pref.MinSeverity) {
			continue
		}
		if pref.QuietHours != nil && pref.QuietHours.covers(now, r.Timezone) {
			continue
		}
		out = append(out, pref)
	}
	return out
}

func (q *QuietHours) covers(now time.Time, timezone string) bool {
	if q == nil {
		return false
	}
	loc := time.UTC
	if timezone != "" {
		if l, err := time.LoadLocation(timezone); err == nil {
			loc = l
		}
	}
	local := now.In(loc)
	start, okStart := parseClock(q.Start)
	end, okEnd := parseClock(q.End)
	if !okStart || !okEnd {
		return false
	}
	minute := local.Hour()*60 + local.Minute()
	if start <= end {
		return minute >= start && minute < end
	}
	// window wraps midnight
	return minute >= start || minute < end
}

func parseClock(s string) (int, bool) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, false
	}
	return t.Hour()*60 + t.Minute(), true
}

// RetryPolicy bounds the orchestrator's retry loop for one notification.
type RetryPolicy struct {
	MaxAttempts       int           `json:"maxAttempts" yaml:"maxAttempts"`
	InitialDelay      time.Duration `json:"initialDelay" yaml:"initialDelay"`
	MaxDelay          time.Duration `json:"maxDelay" yaml:"maxDelay"`
	BackoffMultiplier float64       `json:"backoffMultiplier" yaml:"backoffMultiplier"`
	Jitter            float64       `json:"jitter" yaml:"jitter"`
}

// DefaultRetryPolicy mirrors the defaults applied when a notification
// carries no delivery config of its own.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       5,
		InitialDelay:      time.Second,
		MaxDelay:          60 * time.Second,
		BackoffMultiplier: 2,
		Jitter:            0.25,
	}
}

func (p RetryPolicy) Normalize() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = def.InitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	if p.BackoffMultiplier < 1 {
		p.BackoffMultiplier = def.BackoffMultiplier
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	return p
}

// DeliveryConfig is the per-notification dispatch tuning the router fills in.
type DeliveryConfig struct {
	Channels    []Channel     `json:"channels" yaml:"channels"`
	Retry       RetryPolicy   `json:"retry" yaml:"retry"`
	SendTimeout time.Duration `json:"sendTimeout" yaml:"sendTimeout"`
}

// Notification is the core entity flowing through the dispatch pipeline.
// Once dispatch begins it is immutable except for Delivery.Channels and
// Priority, which the router rewrites exactly once before dispatch.
type Notification struct {
	ID             string            `json:"id"`
	CorrelationID  string            `json:"correlationId"`
	IdempotencyKey *string           `json:"idempotencyKey,omitempty"`
	Title          string            `json:"title"`
	Message        string            `json:"message"`
	Severity       Severity          `json:"severity"`
	Priority       Priority          `json:"priority"`
	Category       string            `json:"category,omitempty"`
	Source         string            `json:"source,omitempty"`
	Tags           map[string]string `json:"tags,omitempty"`
	Metadata       map[string]any    `json:"metadata,omitempty"`
	Recipients     []Recipient       `json:"recipients"`
	Delivery       DeliveryConfig    `json:"delivery"`
	CreatedAt      time.Time         `json:"createdAt"`
	ExpiresAt      *time.Time        `json:"expiresAt,omitempty"`
}

func (n *Notification) Validate() error {
	if n == nil {
		return fmt.Errorf("%w: notification is nil", ErrValidation)
	}
	if strings.TrimSpace(n.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrValidation)
	}
	if strings.TrimSpace(n.Message) == "" {
		return fmt.Errorf("%w: message is required", ErrValidation)
	}
	if !n.Severity.IsValid() {
		return fmt.Errorf("%w: invalid severity %q", ErrValidation, n.Severity)
	}
	if n.Priority != 0 && !n.Priority.IsValid() {
		return fmt.Errorf("%w: priority %d out of range 1..10", ErrValidation, n.Priority)
	}
	for i, r := range n.Recipients {
		if !r.Type.IsValid() {
			return fmt.Errorf("%w: recipient %d has invalid type %q", ErrValidation, i, r.Type)
		}
		if strings.TrimSpace(r.ID) == "" {
			return fmt.Errorf("%w: recipient %d id is required", ErrValidation, i)
		}
	}
	if n.ExpiresAt != nil && !n.CreatedAt.IsZero() && !n.ExpiresAt.After(n.CreatedAt) {
		return fmt.Errorf("%w: expiresAt must be after createdAt", ErrValidation)
	}
	return nil
}

// Expired reports whether the notification's expiry has passed at now.
func (n *Notification) Expired(now time.Time) bool {
	return n != nil && n.ExpiresAt != nil && !now.Before(*n.ExpiresAt)
}

// Field resolves a dotted path against the notification for rule matching.
// Top-level fields are addressed by name (severity, priority, category,
// source, title, message); tags.x and metadata.x reach into the maps.
func (n *Notification) Field(path string) (any, bool) {
	if n == nil {
		return nil, false
	}
	head, rest, _ := strings.Cut(path, ".")
	switch strings.ToLower(strings.TrimSpace(head)) {
	case "severity":
		return strings.ToLower(n.Severity.String()), true
	case "priority":
		return int(n.Priority), true
	case "category":
		return n.Category, true
	case "source":
		return n.Source, true
	case "title":
		return n.Title, true
	case "message":
		return n.Message, true
	case "tags":
		if rest == "" {
			return nil, false
		}
		v, ok := n.Tags[rest]
		return v, ok
	case "metadata":
		if rest == "" {
			return nil, false
		}
		v, ok := n.Metadata[rest]
		return v, ok
	}
	return nil, false
}
