package ratelimit

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Algorithm   string  `yaml:"algorithm"`
		Capacity    int     `yaml:"capacity"`
		RefillRate  float64 `yaml:"refillRate"`
		WindowSize  string  `yaml:"windowSize"`
		MaxRequests int     `yaml:"maxRequests"`
		StateTTL    string  `yaml:"stateTtl"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	window, err := parseDurationField("windowSize", raw.WindowSize)
	if err != nil {
		return err
	}
	ttl, err := parseDurationField("stateTtl", raw.StateTTL)
	if err != nil {
		return err
	}

	c.Algorithm = Algorithm(strings.ToLower(strings.TrimSpace(raw.Algorithm)))
	c.Capacity = raw.Capacity
	c.RefillRate = raw.RefillRate
	c.WindowSize = window
	c.MaxRequests = raw.MaxRequests
	c.StateTTL = ttl
	return nil
}

func parseDurationField(name, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", name, raw, err)
	}
	return d, nil
}
