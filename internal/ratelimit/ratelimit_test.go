package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alertforge/notify-core/internal/domain"
)

func TestTokenBucketAdmissionBound(t *testing.T) {
	t.Parallel()

	cfg := Config{
		Algorithm:  AlgorithmTokenBucket,
		Capacity:   5,
		RefillRate: 2, // tokens per second
	}
	bucket := newTokenBucket(cfg)

	now := time.Unix(1_700_000_000, 0)
	bucket.now = func() time.Time { return now }

	// Over 4 simulated seconds at 10 checks/sec the bucket must never admit
	// more than capacity + elapsed*rate.
	admitted := 0
	start := now
	for i := 0; i < 40; i++ {
		d, err := bucket.Allow(context.Background(), "sms")
		if err != nil {
			t.Fatalf("Allow() error = %v", err)
		}
		if d.Allowed {
			admitted++
		}
		now = now.Add(100 * time.Millisecond)
	}

	elapsed := now.Sub(start).Seconds()
	bound := cfg.Capacity + int(elapsed*cfg.RefillRate) + 1
	if admitted > bound {
		t.Fatalf("admitted %d requests, bound is %d", admitted, bound)
	}
	if admitted < cfg.Capacity {
		t.Fatalf("admitted %d, should at least drain the initial capacity %d", admitted, cfg.Capacity)
	}
}

func TestTokenBucketRetryAfter(t *testing.T) {
	t.Parallel()

	bucket := newTokenBucket(Config{
		Algorithm:  AlgorithmTokenBucket,
		Capacity:   1,
		RefillRate: 0.5, // one token every 2s
	})
	now := time.Unix(1_700_000_000, 0)
	bucket.now = func() time.Time { return now }

	d, err := bucket.Allow(context.Background(), "k")
	if err != nil || !d.Allowed {
		t.Fatalf("first check: allowed=%v err=%v, want admission", d.Allowed, err)
	}

	d, err = bucket.Allow(context.Background(), "k")
	if err != nil {
		t.Fatalf("Allow() error = %v", err)
	}
	if d.Allowed {
		t.Fatal("empty bucket must deny")
	}
	if d.RetryAfter < 1900*time.Millisecond || d.RetryAfter > 2100*time.Millisecond {
		t.Fatalf("retryAfter = %s, want about 2s", d.RetryAfter)
	}

	now = now.Add(2 * time.Second)
	d, err = bucket.Allow(context.Background(), "k")
	if err != nil || !d.Allowed {
		t.Fatalf("after refill: allowed=%v err=%v, want admission", d.Allowed, err)
	}
}

func TestSlidingWindowAdmits(t *testing.T) {
	t.Parallel()

	window := newSlidingWindow(Config{
		Algorithm:   AlgorithmSlidingWindow,
		WindowSize:  10 * time.Second,
		MaxRequests: 3,
	})
	now := time.Unix(1_700_000_000, 0)
	window.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		d, err := window.Allow(context.Background(), "k")
		if err != nil || !d.Allowed {
			t.Fatalf("request %d: allowed=%v err=%v, want admission", i+1, d.Allowed, err)
		}
		now = now.Add(time.Second)
	}

	d, err := window.Allow(context.Background(), "k")
	if err != nil {
		t.Fatalf("Allow() error = %v", err)
	}
	if d.Allowed {
		t.Fatal("4th request inside window must be denied")
	}
	// Oldest stamp is 3s old; it leaves the window in 7s.
	if d.RetryAfter != 7*time.Second {
		t.Fatalf("retryAfter = %s, want 7s", d.RetryAfter)
	}

	// Sliding the clock past the oldest stamp frees exactly one slot.
	now = now.Add(7*time.Second + time.Millisecond)
	d, err = window.Allow(context.Background(), "k")
	if err != nil || !d.Allowed {
		t.Fatalf("after slide: allowed=%v err=%v, want admission", d.Allowed, err)
	}
}

func TestFixedWindowRollover(t *testing.T) {
	t.Parallel()

	window := newFixedWindow(Config{
		Algorithm:   AlgorithmFixedWindow,
		WindowSize:  60 * time.Second,
		MaxRequests: 2,
	})
	now := time.Unix(1_700_000_040, 0)
	window.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		d, err := window.Allow(context.Background(), "k")
		if err != nil || !d.Allowed {
			t.Fatalf("request %d: allowed=%v err=%v, want admission", i+1, d.Allowed, err)
		}
	}

	d, err := window.Allow(context.Background(), "k")
	if err != nil {
		t.Fatalf("Allow() error = %v", err)
	}
	if d.Allowed {
		t.Fatal("3rd request in the window must be denied")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > 60*time.Second {
		t.Fatalf("retryAfter = %s, want within the window", d.RetryAfter)
	}

	now = now.Add(d.RetryAfter)
	d, err = window.Allow(context.Background(), "k")
	if err != nil || !d.Allowed {
		t.Fatalf("after rollover: allowed=%v err=%v, want admission", d.Allowed, err)
	}
}

func TestFixedWindowKeysAreIndependent(t *testing.T) {
	t.Parallel()

	window := newFixedWindow(Config{
		Algorithm:   AlgorithmFixedWindow,
		WindowSize:  time.Minute,
		MaxRequests: 1,
	})
	now := time.Unix(1_700_000_000, 0)
	window.now = func() time.Time { return now }

	if d, _ := window.Allow(context.Background(), "a"); !d.Allowed {
		t.Fatal("key a first request should pass")
	}
	if d, _ := window.Allow(context.Background(), "b"); !d.Allowed {
		t.Fatal("key b must not share key a's counter")
	}
	if d, _ := window.Allow(context.Background(), "a"); d.Allowed {
		t.Fatal("key a second request should be denied")
	}
}

func TestLimiterConcurrentAdmissionIsAtomic(t *testing.T) {
	t.Parallel()

	limiter, err := New(Config{
		Algorithm:   AlgorithmFixedWindow,
		WindowSize:  time.Hour,
		MaxRequests: 50,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				d, err := limiter.Allow(context.Background(), "shared")
				if err != nil {
					t.Errorf("Allow() error = %v", err)
					return
				}
				if d.Allowed {
					mu.Lock()
					admitted++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	if admitted != 50 {
		t.Fatalf("admitted = %d under 200 concurrent checks, want exactly 50", admitted)
	}
}

func TestManagerCheck(t *testing.T) {
	t.Parallel()

	manager, err := NewManager(map[domain.Channel]Config{
		"sms": {
			Algorithm:   AlgorithmFixedWindow,
			WindowSize:  time.Minute,
			MaxRequests: 1,
		},
	}, nil, nil)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	d, err := manager.Check(context.Background(), "sms", "tenant-1")
	if err != nil || !d.Allowed {
		t.Fatalf("first check: allowed=%v err=%v, want admission", d.Allowed, err)
	}

	_, err = manager.Check(context.Background(), "sms", "tenant-1")
	var limitErr *RateLimitError
	if !errors.As(err, &limitErr) {
		t.Fatalf("second check error = %v, want *RateLimitError", err)
	}
	if limitErr.RetryAfter <= 0 {
		t.Fatalf("RetryAfter = %s, want positive", limitErr.RetryAfter)
	}

	// Unconfigured channels pass through.
	d, err = manager.Check(context.Background(), "carrier-pigeon", "tenant-1")
	if err != nil || !d.Allowed {
		t.Fatalf("unconfigured channel: allowed=%v err=%v, want admission", d.Allowed, err)
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid bucket", Config{Algorithm: AlgorithmTokenBucket, Capacity: 10, RefillRate: 1}, false},
		{"bucket without rate", Config{Algorithm: AlgorithmTokenBucket, Capacity: 10}, true},
		{"valid window", Config{Algorithm: AlgorithmSlidingWindow, WindowSize: time.Second, MaxRequests: 5}, false},
		{"window without size", Config{Algorithm: AlgorithmFixedWindow, MaxRequests: 5}, true},
		{"unknown algorithm", Config{Algorithm: "leaky_bucket"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}
