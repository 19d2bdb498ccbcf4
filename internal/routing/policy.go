package routing

import (
	"fmt"
	"strings"
	"time"

	"github.com/alertforge/notify-core/internal/domain"
)

// BusinessHours describes the window during which normal routing applies.
// Outside the window the out-of-hours channel override, when present,
// replaces whatever the rules and severity defaults produced.
type BusinessHours struct {
	Days               []string         `json:"days" yaml:"days"`
	Start              string           `json:"start" yaml:"start"`
	End                string           `json:"end" yaml:"end"`
	Timezone           string           `json:"timezone" yaml:"timezone"`
	OutOfHoursChannels []domain.Channel `json:"outOfHoursChannels" yaml:"outOfHoursChannels"`
}

// Contains reports whether now falls inside the configured window.
func (b *BusinessHours) Contains(now time.Time) bool {
	if b == nil {
		return true
	}
	loc := time.UTC
	if b.Timezone != "" {
		if l, err := time.LoadLocation(b.Timezone); err == nil {
			loc = l
		}
	}
	local := now.In(loc)

	if len(b.Days) > 0 {
		dayOK := false
		for _, d := range b.Days {
			if strings.EqualFold(strings.TrimSpace(d), local.Weekday().String()) {
				dayOK = true
				break
			}
		}
		if !dayOK {
			return false
		}
	}

	start, okStart := parseClockMinutes(b.Start)
	end, okEnd := parseClockMinutes(b.End)
	if !okStart || !okEnd {
		return true
	}
	minute := local.Hour()*60 + local.Minute()
	if start <= end {
		return minute >= start && minute < end
	}
	return minute >= start || minute < end
}

func parseClockMinutes(s string) (int, bool) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, false
	}
	return t.Hour()*60 + t.Minute(), true
}

// Policy is the router's hot-reloadable configuration.
type Policy struct {
	Rules             []domain.RoutingRule                 `json:"rules" yaml:"rules"`
	SeverityChannels  map[domain.Severity][]domain.Channel `json:"severityChannels" yaml:"severityChannels"`
	BusinessHours     *BusinessHours                       `json:"businessHours,omitempty" yaml:"businessHours,omitempty"`
	EmergencyContacts []domain.Recipient                   `json:"emergencyContacts" yaml:"emergencyContacts"`
	EmergencyChannels []domain.Channel                     `json:"emergencyChannels" yaml:"emergencyChannels"`
	DefaultRetry      domain.RetryPolicy                   `json:"defaultRetry" yaml:"defaultRetry"`
	EscalationEnabled bool                                 `json:"escalationEnabled" yaml:"escalationEnabled"`
}

// DefaultSeverityChannels is applied when a policy leaves the table empty.
func DefaultSeverityChannels() map[domain.Severity][]domain.Channel {
	return map[domain.Severity][]domain.Channel{
		domain.SeverityInfo:     {"email"},
		domain.SeverityWarning:  {"email", "slack"},
		domain.SeverityError:    {"email", "slack", "sms"},
		domain.SeverityCritical: {"voice", "sms", "email", "slack"},
	}
}

// DefaultPolicy is the deterministic backstop used when no policy file is
// loaded. Its emergency set is intentionally non-empty.
func DefaultPolicy() *Policy {
	return &Policy{
		SeverityChannels: DefaultSeverityChannels(),
		EmergencyContacts: []domain.Recipient{
			{
				Type: domain.RecipientRole,
				ID:   "on-call",
				Name: "On-call engineer",
				Preferences: []domain.ChannelPreference{
					{Channel: "voice", Address: "on-call", MinSeverity: domain.SeverityInfo, Enabled: true},
					{Channel: "sms", Address: "on-call", MinSeverity: domain.SeverityInfo, Enabled: true},
				},
			},
		},
		EmergencyChannels: []domain.Channel{"voice", "sms"},
		DefaultRetry:      domain.DefaultRetryPolicy(),
	}
}

func (p *Policy) Validate() error {
	if p == nil {
		return fmt.Errorf("%w: policy is nil", domain.ErrValidation)
	}
	for _, rule := range p.Rules {
		if err := rule.Validate(); err != nil {
			return err
		}
	}
	if len(p.EmergencyChannels) == 0 {
		return fmt.Errorf("%w: emergency channels must not be empty", domain.ErrValidation)
	}
	if len(p.EmergencyContacts) == 0 {
		return fmt.Errorf("%w: emergency contacts must not be empty", domain.ErrValidation)
	}
	return nil
}

// Normalize fills defaults so Route never sees a half-empty policy.
func (p *Policy) Normalize() *Policy {
	if p == nil {
		return DefaultPolicy()
	}
	if len(p.SeverityChannels) == 0 {
		p.SeverityChannels = DefaultSeverityChannels()
	}
	def := DefaultPolicy()
	if len(p.EmergencyChannels) == 0 {
		p.EmergencyChannels = def.EmergencyChannels
	}
	if len(p.EmergencyContacts) == 0 {
		p.EmergencyContacts = def.EmergencyContacts
	}
	p.DefaultRetry = p.DefaultRetry.Normalize()
	return p
}
