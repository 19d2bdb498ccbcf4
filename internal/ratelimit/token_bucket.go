package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

type bucketState struct {
	tokens   float64
	lastSeen time.Time
}

// TokenBucket admits requests against a replenishing per-key token pool.
// tokens = min(capacity, stored + elapsed * refillRate); one token is
// consumed per admission.
type TokenBucket struct {
	mu     sync.Mutex
	keys   map[string]*bucketState
	cfg    Config
	now    func() time.Time
	sweeps int
}

func newTokenBucket(cfg Config) *TokenBucket {
	return &TokenBucket{
		keys: make(map[string]*bucketState),
		cfg:  cfg,
		now:  time.Now,
	}
}

func (b *TokenBucket) Allow(ctx context.Context, key string) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.maybeSweep(now)

	state, ok := b.keys[key]
	if !ok {
		state = &bucketState{tokens: float64(b.cfg.Capacity)}
		b.keys[key] = state
	} else {
		elapsed := now.Sub(state.lastSeen).Seconds()
		if elapsed > 0 {
			state.tokens = math.Min(float64(b.cfg.Capacity), state.tokens+elapsed*b.cfg.RefillRate)
		}
	}
	state.lastSeen = now

	if state.tokens >= 1 {
		state.tokens--
		return Decision{
			Allowed:   true,
			Remaining: int(state.tokens),
			ResetAt:   b.fullAt(now, state.tokens),
		}, nil
	}

	retryAfter := durationForTokens(1-state.tokens, b.cfg.RefillRate)
	return Decision{
		Allowed:    false,
		Remaining:  0,
		ResetAt:    now.Add(retryAfter),
		RetryAfter: retryAfter,
	}, nil
}

func (b *TokenBucket) fullAt(now time.Time, tokens float64) time.Time {
	missing := float64(b.cfg.Capacity) - tokens
	if missing <= 0 {
		return now
	}
	return now.Add(durationForTokens(missing, b.cfg.RefillRate))
}

func durationForTokens(tokens, refillRate float64) time.Duration {
	return time.Duration(tokens / refillRate * float64(time.Second))
}

// maybeSweep drops idle keys; called under the lock roughly once per 1000
// admission checks so hot paths stay cheap.
func (b *TokenBucket) maybeSweep(now time.Time) {
	b.sweeps++
	if b.sweeps < 1000 {
		return
	}
	b.sweeps = 0
	ttl := b.cfg.stateTTL()
	for key, state := range b.keys {
		if now.Sub(state.lastSeen) > ttl {
			delete(b.keys, key)
		}
	}
}
