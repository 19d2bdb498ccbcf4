package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Operator is a routing rule condition operator.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
)

func (o Operator) IsValid() bool {
	switch o {
	case OpEquals, OpNotEquals, OpContains, OpNotContains,
		OpGreaterThan, OpLessThan, OpIn, OpNotIn:
		return true
	}
	return false
}

// Condition matches one dotted-path field of a notification.
type Condition struct {
	Field    string   `json:"field" yaml:"field"`
	Operator Operator `json:"operator" yaml:"operator"`
	Value    any      `json:"value" yaml:"value"`
}

// Matches evaluates the condition against the notification. An unknown
// field or operator never matches.
func (c Condition) Matches(n *Notification) bool {
	got, ok := n.Field(c.Field)
	if !ok {
		return false
	}

	switch c.Operator {
	case OpEquals:
		return looseEqual(got, c.Value)
	case OpNotEquals:
		return !looseEqual(got, c.Value)
	case OpContains:
		return strings.Contains(toString(got), toString(c.Value))
	case OpNotContains:
		return !strings.Contains(toString(got), toString(c.Value))
	case OpGreaterThan:
		a, okA := toFloat(got)
		b, okB := toFloat(c.Value)
		return okA && okB && a > b
	case OpLessThan:
		a, okA := toFloat(got)
		b, okB := toFloat(c.Value)
		return okA && okB && a < b
	case OpIn:
		return inList(got, c.Value)
	case OpNotIn:
		values, ok := toList(c.Value)
		return ok && !containsValue(values, got)
	}
	return false
}

func inList(got any, list any) bool {
	values, ok := toList(list)
	return ok && containsValue(values, got)
}

func containsValue(values []any, got any) bool {
	for _, v := range values {
		if looseEqual(got, v) {
			return true
		}
	}
	return false
}

func toList(v any) ([]any, bool) {
	switch t := v.(type) {
	case []any:
		return t, true
	case []string:
		out := make([]any, 0, len(t))
		for _, s := range t {
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}

// looseEqual compares string-to-string case-insensitively and numbers
// numerically; policy files and JSON payloads disagree on int vs float.
func looseEqual(a, b any) bool {
	if fa, okA := toFloat(a); okA {
		if fb, okB := toFloat(b); okB {
			return fa == fb
		}
	}
	return strings.EqualFold(toString(a), toString(b))
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	case nil:
		return ""
	}
	return fmt.Sprintf("%v", v)
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	case Priority:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	return 0, false
}

// ActionType enumerates what a matched rule may do to a notification.
type ActionType string

const (
	ActionRouteToChannel ActionType = "route_to_channel"
	ActionAddRecipient   ActionType = "add_recipient"
	ActionSetPriority    ActionType = "set_priority"
	ActionDelay          ActionType = "delay"
	ActionSuppress       ActionType = "suppress"
	ActionEscalate       ActionType = "escalate"
)

func (t ActionType) IsValid() bool {
	switch t {
	case ActionRouteToChannel, ActionAddRecipient, ActionSetPriority,
		ActionDelay, ActionSuppress, ActionEscalate:
		return true
	}
	return false
}

// Action is one effect of a matched routing rule. The fields used depend
// on Type: Channel for route_to_channel, Recipient for add_recipient,
// Priority for set_priority, Delay for delay.
type Action struct {
	Type      ActionType    `json:"type" yaml:"type"`
	Channel   Channel       `json:"channel,omitempty" yaml:"channel,omitempty"`
	Recipient *Recipient    `json:"recipient,omitempty" yaml:"recipient,omitempty"`
	Priority  Priority      `json:"priority,omitempty" yaml:"priority,omitempty"`
	Delay     time.Duration `json:"delay,omitempty" yaml:"delay,omitempty"`
}

// RoutingRule routes notifications whose every condition matches. Rules
// are evaluated highest Priority first; matching continues through lower
// rules (actions accumulate) unless a suppress action halts the chain.
type RoutingRule struct {
	ID         string      `json:"id" yaml:"id"`
	Name       string      `json:"name,omitempty" yaml:"name,omitempty"`
	Priority   int         `json:"priority" yaml:"priority"`
	Enabled    bool        `json:"enabled" yaml:"enabled"`
	Conditions []Condition `json:"conditions" yaml:"conditions"`
	Actions    []Action    `json:"actions" yaml:"actions"`
}

func (r RoutingRule) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("%w: rule id is required", ErrValidation)
	}
	for i, c := range r.Conditions {
		if strings.TrimSpace(c.Field) == "" {
			return fmt.Errorf("%w: rule %s condition %d field is required", ErrValidation, r.ID, i)
		}
		if !c.Operator.IsValid() {
			return fmt.Errorf("%w: rule %s condition %d has invalid operator %q", ErrValidation, r.ID, i, c.Operator)
		}
	}
	for i, a := range r.Actions {
		if !a.Type.IsValid() {
			return fmt.Errorf("%w: rule %s action %d has invalid type %q", ErrValidation, r.ID, i, a.Type)
		}
	}
	return nil
}

// Matches reports whether every condition holds. A rule with no
// conditions matches everything.
func (r RoutingRule) Matches(n *Notification) bool {
	for _, c := range r.Conditions {
		if !c.Matches(n) {
			return false
		}
	}
	return true
}
