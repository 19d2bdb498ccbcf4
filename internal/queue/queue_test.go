package queue

import (
	"testing"

	"github.com/alertforge/notify-core/internal/domain"
)

func TestPriorityValue(t *testing.T) {
	tests := []struct {
		name     string
		priority domain.Priority
		want     uint8
	}{
		{name: "highest", priority: domain.PriorityHighest, want: 9},
		{name: "default", priority: domain.PriorityDefault, want: 5},
		{name: "lowest", priority: domain.PriorityLowest, want: 0},
		{name: "zero maps to default", priority: 0, want: 5},
		{name: "out of range clamps", priority: 42, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PriorityValue(tt.priority)
			if got != tt.want {
				t.Fatalf("PriorityValue(%d) = %d, want %d", tt.priority, got, tt.want)
			}
		})
	}
}

func TestDispatchMessageValidate(t *testing.T) {
	msg := DispatchMessage{
		NotificationID: "n1",
		Severity:       domain.SeverityError,
		Priority:       domain.PriorityDefault,
	}
	if err := msg.Validate(); err != nil {
		t.Fatalf("Validate() unexpected error: %v", err)
	}

	msg.NotificationID = ""
	if err := msg.Validate(); err == nil {
		t.Fatal("expected error for empty notification id")
	}

	msg.NotificationID = "n1"
	msg.Severity = domain.Severity("invalid")
	if err := msg.Validate(); err == nil {
		t.Fatal("expected error for invalid severity")
	}

	msg.Severity = domain.SeverityError
	msg.Priority = 42
	if err := msg.Validate(); err == nil {
		t.Fatal("expected error for out-of-range priority")
	}
}
