package domain

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// parseYAMLDuration accepts "30s" style strings and bare integers
// (nanoseconds) so policy files stay human-editable.
func parseYAMLDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	return d, nil
}

func (p *RetryPolicy) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		MaxAttempts       int     `yaml:"maxAttempts"`
		InitialDelay      string  `yaml:"initialDelay"`
		MaxDelay          string  `yaml:"maxDelay"`
		BackoffMultiplier float64 `yaml:"backoffMultiplier"`
		Jitter            float64 `yaml:"jitter"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	initial, err := parseYAMLDuration(raw.InitialDelay)
	if err != nil {
		return fmt.Errorf("initialDelay: %w", err)
	}
	maxDelay, err := parseYAMLDuration(raw.MaxDelay)
	if err != nil {
		return fmt.Errorf("maxDelay: %w", err)
	}

	p.MaxAttempts = raw.MaxAttempts
	p.InitialDelay = initial
	p.MaxDelay = maxDelay
	p.BackoffMultiplier = raw.BackoffMultiplier
	p.Jitter = raw.Jitter
	return nil
}

func (a *Action) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Type      ActionType `yaml:"type"`
		Channel   Channel    `yaml:"channel"`
		Recipient *Recipient `yaml:"recipient"`
		Priority  Priority   `yaml:"priority"`
		Delay     string     `yaml:"delay"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	delay, err := parseYAMLDuration(raw.Delay)
	if err != nil {
		return fmt.Errorf("delay: %w", err)
	}

	a.Type = raw.Type
	a.Channel = raw.Channel
	a.Recipient = raw.Recipient
	a.Priority = raw.Priority
	a.Delay = delay
	return nil
}
