package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Algorithm selects the admission strategy for a channel.
type Algorithm string

const (
	AlgorithmTokenBucket   Algorithm = "token_bucket"
	AlgorithmSlidingWindow Algorithm = "sliding_window"
	AlgorithmFixedWindow   Algorithm = "fixed_window"
)

func (a Algorithm) IsValid() bool {
	switch a {
	case AlgorithmTokenBucket, AlgorithmSlidingWindow, AlgorithmFixedWindow:
		return true
	}
	return false
}

func ParseAlgorithmFromString(s string) (Algorithm, error) {
	a := Algorithm(strings.ToLower(strings.TrimSpace(s)))
	if !a.IsValid() {
		return "", fmt.Errorf("invalid rate limit algorithm %q", s)
	}
	return a, nil
}

// Config carries the parameters for one channel's limiter. Capacity and
// RefillRate drive the token bucket; WindowSize and MaxRequests drive both
// window algorithms. StateTTL bounds how long idle per-key state survives.
type Config struct {
	Algorithm   Algorithm     `json:"algorithm" yaml:"algorithm"`
	Capacity    int           `json:"capacity" yaml:"capacity"`
	RefillRate  float64       `json:"refillRate" yaml:"refillRate"`
	WindowSize  time.Duration `json:"windowSize" yaml:"windowSize"`
	MaxRequests int           `json:"maxRequests" yaml:"maxRequests"`
	StateTTL    time.Duration `json:"stateTtl" yaml:"stateTtl"`
}

const defaultStateTTL = 10 * time.Minute

func (c Config) Validate() error {
	if !c.Algorithm.IsValid() {
		return fmt.Errorf("invalid rate limit algorithm %q", c.Algorithm)
	}
	switch c.Algorithm {
	case AlgorithmTokenBucket:
		if c.Capacity <= 0 {
			return fmt.Errorf("token bucket capacity must be positive")
		}
		if c.RefillRate <= 0 {
			return fmt.Errorf("token bucket refill rate must be positive")
		}
	case AlgorithmSlidingWindow, AlgorithmFixedWindow:
		if c.WindowSize <= 0 {
			return fmt.Errorf("window size must be positive")
		}
		if c.MaxRequests <= 0 {
			return fmt.Errorf("max requests must be positive")
		}
	}
	return nil
}

func (c Config) stateTTL() time.Duration {
	if c.StateTTL > 0 {
		return c.StateTTL
	}
	return defaultStateTTL
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Remaining  int           `json:"remaining"`
	ResetAt    time.Time     `json:"resetAt"`
	RetryAfter time.Duration `json:"retryAfter,omitempty"`
}

// Limiter is a per-channel admission controller. Implementations must make
// the check and the state mutation a single atomic step; callers race on
// the same key from many dispatch workers.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// New builds an in-memory limiter for the configured algorithm.
func New(cfg Config) (Limiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Algorithm {
	case AlgorithmTokenBucket:
		return newTokenBucket(cfg), nil
	case AlgorithmSlidingWindow:
		return newSlidingWindow(cfg), nil
	case AlgorithmFixedWindow:
		return newFixedWindow(cfg), nil
	}
	return nil, fmt.Errorf("invalid rate limit algorithm %q", cfg.Algorithm)
}

// RateLimitError is the distinguished denial raised by the manager. It is
// not a failure: the orchestrator reschedules at RetryAfter without
// consuming a retry attempt.
type RateLimitError struct {
	Channel    string
	Key        string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("rate limit exceeded for channel %q key %q, retry after %s",
		e.Channel, e.Key, e.RetryAfter)
}
