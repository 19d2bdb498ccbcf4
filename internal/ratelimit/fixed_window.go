package ratelimit

import (
	"context"
	"sync"
	"time"
)

type counterState struct {
	windowStart time.Time
	count       int
	lastSeen    time.Time
}

// FixedWindow counts requests per aligned window and admits while the
// post-increment count stays within MaxRequests.
//
// At window boundaries a burst of up to 2x MaxRequests can pass (the tail
// of one window plus the head of the next). That looseness is documented
// behavior, not a bug: callers that want the tight guarantee pick the
// sliding window and pay for the timestamp log.
type FixedWindow struct {
	mu     sync.Mutex
	keys   map[string]*counterState
	cfg    Config
	now    func() time.Time
	sweeps int
}

func newFixedWindow(cfg Config) *FixedWindow {
	return &FixedWindow{
		keys: make(map[string]*counterState),
		cfg:  cfg,
		now:  time.Now,
	}
}

func (f *FixedWindow) Allow(ctx context.Context, key string) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	f.maybeSweep(now)

	windowStart := now.Truncate(f.cfg.WindowSize)

	state, ok := f.keys[key]
	if !ok {
		state = &counterState{windowStart: windowStart}
		f.keys[key] = state
	}
	if state.windowStart != windowStart {
		state.windowStart = windowStart
		state.count = 0
	}
	state.lastSeen = now

	resetAt := windowStart.Add(f.cfg.WindowSize)
	if state.count < f.cfg.MaxRequests {
		state.count++
		return Decision{
			Allowed:   true,
			Remaining: f.cfg.MaxRequests - state.count,
			ResetAt:   resetAt,
		}, nil
	}

	return Decision{
		Allowed:    false,
		Remaining:  0,
		ResetAt:    resetAt,
		RetryAfter: resetAt.Sub(now),
	}, nil
}

func (f *FixedWindow) maybeSweep(now time.Time) {
	f.sweeps++
	if f.sweeps < 1000 {
		return
	}
	f.sweeps = 0
	ttl := f.cfg.stateTTL()
	for key, state := range f.keys {
		if now.Sub(state.lastSeen) > ttl {
			delete(f.keys, key)
		}
	}
}
