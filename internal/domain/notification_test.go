package domain

import (
	"testing"
	"time"
)

func TestSeverityAtLeast(t *testing.T) {
	t.Parallel()

	if !SeverityCritical.AtLeast(SeverityInfo) {
		t.Fatal("critical should be at least info")
	}
	if !SeverityWarning.AtLeast(SeverityWarning) {
		t.Fatal("warning should be at least warning")
	}
	if SeverityInfo.AtLeast(SeverityError) {
		t.Fatal("info should not be at least error")
	}
}

func TestNotificationValidate(t *testing.T) {
	t.Parallel()

	valid := &Notification{
		Title:    "disk full",
		Message:  "var partition above 95%",
		Severity: SeverityError,
		Priority: 3,
		Recipients: []Recipient{
			{Type: RecipientUser, ID: "u1"},
		},
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	cases := []struct {
		name   string
		mutate func(n *Notification)
	}{
		{"empty title", func(n *Notification) { n.Title = " " }},
		{"empty message", func(n *Notification) { n.Message = "" }},
		{"bad severity", func(n *Notification) { n.Severity = "PANIC" }},
		{"priority out of range", func(n *Notification) { n.Priority = 11 }},
		{"recipient without id", func(n *Notification) { n.Recipients[0].ID = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			n := *valid
			n.Recipients = []Recipient{{Type: RecipientUser, ID: "u1"}}
			tc.mutate(&n)
			if err := n.Validate(); err == nil {
				t.Fatal("Validate() should fail")
			}
		})
	}
}

func TestRecipientEffectiveChannels(t *testing.T) {
	t.Parallel()

	r := Recipient{
		Type: RecipientUser,
		ID:   "u1",
		Preferences: []ChannelPreference{
			{Channel: "email", Address: "a@b.c", MinSeverity: SeverityInfo, Enabled: true},
			{Channel: "sms", Address: "+100", MinSeverity: SeverityError, Enabled: true},
			{Channel: "slack", Address: "#ops", MinSeverity: SeverityInfo, Enabled: false},
		},
	}

	got := r.EffectiveChannels(SeverityWarning, time.Now())
	if len(got) != 1 || got[0].Channel != "email" {
		t.Fatalf("EffectiveChannels(warning) = %v, want only email", got)
	}

	got = r.EffectiveChannels(SeverityCritical, time.Now())
	if len(got) != 2 {
		t.Fatalf("EffectiveChannels(critical) returned %d channels, want 2", len(got))
	}
}

func TestQuietHoursSuppression(t *testing.T) {
	t.Parallel()

	r := Recipient{
		Type:     RecipientUser,
		ID:       "u1",
		Timezone: "UTC",
		Preferences: []ChannelPreference{
			{
				Channel:     "sms",
				Address:     "+100",
				MinSeverity: SeverityInfo,
				Enabled:     true,
				QuietHours:  &QuietHours{Start: "22:00", End: "07:00"},
			},
		},
	}

	night := time.Date(2025, 3, 1, 23, 30, 0, 0, time.UTC)
	if got := r.EffectiveChannels(SeverityError, night); len(got) != 0 {
		t.Fatalf("channels during quiet hours = %v, want none", got)
	}

	day := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	if got := r.EffectiveChannels(SeverityError, day); len(got) != 1 {
		t.Fatalf("channels outside quiet hours = %v, want sms", got)
	}
}

func TestNotificationFieldLookup(t *testing.T) {
	t.Parallel()

	n := &Notification{
		Severity: SeverityCritical,
		Priority: 2,
		Category: "infrastructure",
		Source:   "prometheus",
		Tags:     map[string]string{"region": "eu-west-1"},
		Metadata: map[string]any{"host": "db-3"},
	}

	cases := []struct {
		path string
		want any
	}{
		{"severity", "critical"},
		{"priority", 2},
		{"category", "infrastructure"},
		{"tags.region", "eu-west-1"},
		{"metadata.host", "db-3"},
	}
	for _, tc := range cases {
		got, ok := n.Field(tc.path)
		if !ok {
			t.Fatalf("Field(%q) not found", tc.path)
		}
		if got != tc.want {
			t.Fatalf("Field(%q) = %v, want %v", tc.path, got, tc.want)
		}
	}

	if _, ok := n.Field("tags.missing"); ok {
		t.Fatal("missing tag should not resolve")
	}
	if _, ok := n.Field("nope"); ok {
		t.Fatal("unknown field should not resolve")
	}
}

func TestAttemptStatusTransitions(t *testing.T) {
	t.Parallel()

	if !AttemptPending.CanTransitionTo(AttemptSending) {
		t.Fatal("pending -> sending should be allowed")
	}
	if !AttemptPending.CanTransitionTo(AttemptExpired) {
		t.Fatal("pending -> expired should be allowed")
	}
	if !AttemptSending.CanTransitionTo(AttemptFailed) {
		t.Fatal("sending -> failed should be allowed")
	}
	if !AttemptSent.CanTransitionTo(AttemptDelivered) {
		t.Fatal("sent -> delivered should be allowed for async receipts")
	}
	if AttemptFailed.CanTransitionTo(AttemptSending) {
		t.Fatal("failed is terminal")
	}
	if AttemptPending.CanTransitionTo(AttemptSent) {
		t.Fatal("pending cannot skip sending")
	}

	retryAt := time.Now().Add(time.Second)
	scheduled := &DeliveryAttempt{Status: AttemptFailed, NextRetryAt: &retryAt}
	if !scheduled.CanTransitionTo(AttemptExpired) {
		t.Fatal("failed with a scheduled retry should expire when the deadline cancels it")
	}
	if scheduled.CanTransitionTo(AttemptSending) {
		t.Fatal("a scheduled retry does not reopen the attempt for sending")
	}
	settled := &DeliveryAttempt{Status: AttemptFailed}
	if settled.CanTransitionTo(AttemptExpired) {
		t.Fatal("failed without a scheduled retry stays failed")
	}
}

func TestDeriveNotificationStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name         string
		attempts     []DeliveryAttempt
		acknowledged bool
		want         NotificationStatus
	}{
		{
			name:         "acknowledgment wins over everything",
			attempts:     []DeliveryAttempt{{Status: AttemptFailed}},
			acknowledged: true,
			want:         NotificationAcknowledged,
		},
		{
			name:     "any success means delivered",
			attempts: []DeliveryAttempt{{Status: AttemptFailed}, {Status: AttemptSent}},
			want:     NotificationDelivered,
		},
		{
			name:     "in flight means sending",
			attempts: []DeliveryAttempt{{Status: AttemptFailed}, {Status: AttemptPending}},
			want:     NotificationSending,
		},
		{
			name:     "all failed",
			attempts: []DeliveryAttempt{{Status: AttemptFailed}, {Status: AttemptFailed}},
			want:     NotificationFailed,
		},
		{
			name:     "expired retry reads as expired",
			attempts: []DeliveryAttempt{{Status: AttemptExpired}},
			want:     NotificationStatus(AttemptExpired),
		},
		{
			name:     "newest raw status wins on mixed terminal histories",
			attempts: []DeliveryAttempt{{Status: AttemptBounced}, {Status: AttemptFailed}},
			want:     NotificationStatus(AttemptBounced),
		},
		{
			name: "no attempts",
			want: NotificationUnknown,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := DeriveNotificationStatus(tc.attempts, tc.acknowledged)
			if got != tc.want {
				t.Fatalf("DeriveNotificationStatus() = %s, want %s", got, tc.want)
			}
		})
	}
}
