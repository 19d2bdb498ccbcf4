package ratelimit

import (
	"context"
	"sync"
	"time"
)

type windowLog struct {
	stamps   []time.Time
	lastSeen time.Time
}

// SlidingWindow keeps a per-key log of request timestamps and admits while
// fewer than MaxRequests fall inside the trailing WindowSize interval.
type SlidingWindow struct {
	mu     sync.Mutex
	keys   map[string]*windowLog
	cfg    Config
	now    func() time.Time
	sweeps int
}

func newSlidingWindow(cfg Config) *SlidingWindow {
	return &SlidingWindow{
		keys: make(map[string]*windowLog),
		cfg:  cfg,
		now:  time.Now,
	}
}

func (w *SlidingWindow) Allow(ctx context.Context, key string) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.maybeSweep(now)

	log, ok := w.keys[key]
	if !ok {
		log = &windowLog{}
		w.keys[key] = log
	}
	log.lastSeen = now

	cutoff := now.Add(-w.cfg.WindowSize)
	kept := log.stamps[:0]
	for _, ts := range log.stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	log.stamps = kept

	if len(log.stamps) < w.cfg.MaxRequests {
		log.stamps = append(log.stamps, now)
		return Decision{
			Allowed:   true,
			Remaining: w.cfg.MaxRequests - len(log.stamps),
			ResetAt:   log.stamps[0].Add(w.cfg.WindowSize),
		}, nil
	}

	oldest := log.stamps[0]
	retryAfter := oldest.Add(w.cfg.WindowSize).Sub(now)
	if retryAfter < 0 {
		retryAfter = 0
	}
	return Decision{
		Allowed:    false,
		Remaining:  0,
		ResetAt:    oldest.Add(w.cfg.WindowSize),
		RetryAfter: retryAfter,
	}, nil
}

func (w *SlidingWindow) maybeSweep(now time.Time) {
	w.sweeps++
	if w.sweeps < 1000 {
		return
	}
	w.sweeps = 0
	ttl := w.cfg.stateTTL()
	for key, log := range w.keys {
		if now.Sub(log.lastSeen) > ttl {
			delete(w.keys, key)
		}
	}
}
