package ratelimit

import (
	"context"
	"sync"

	"github.com/alertforge/notify-core/internal/domain"
	"go.uber.org/zap"
)

// Factory builds a limiter for one channel's config. The default factory
// produces in-memory limiters; the redis infra package supplies one backed
// by the shared store.
type Factory func(cfg Config) (Limiter, error)

// Manager composes one limiter per channel. Channels without a configured
// limiter are admitted unconditionally.
type Manager struct {
	mu       sync.RWMutex
	limiters map[domain.Channel]Limiter
	logger   *zap.Logger
}

func NewManager(configs map[domain.Channel]Config, factory Factory, logger *zap.Logger) (*Manager, error) {
	if factory == nil {
		factory = New
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	limiters := make(map[domain.Channel]Limiter, len(configs))
	for channel, cfg := range configs {
		limiter, err := factory(cfg)
		if err != nil {
			return nil, err
		}
		limiters[domain.NormalizeChannel(channel.String())] = limiter
	}

	return &Manager{limiters: limiters, logger: logger}, nil
}

// Reconfigure swaps the limiter set; live dispatch workers pick up the new
// limiters on their next check.
func (m *Manager) Reconfigure(configs map[domain.Channel]Config, factory Factory) error {
	if factory == nil {
		factory = New
	}

	limiters := make(map[domain.Channel]Limiter, len(configs))
	for channel, cfg := range configs {
		limiter, err := factory(cfg)
		if err != nil {
			return err
		}
		limiters[domain.NormalizeChannel(channel.String())] = limiter
	}

	m.mu.Lock()
	m.limiters = limiters
	m.mu.Unlock()
	m.logger.Info("rate limiters reconfigured", zap.Int("channels", len(limiters)))
	return nil
}

// Check runs the channel's limiter for key. A denial comes back as a
// *RateLimitError carrying the retry-after hint; it is the only error shape
// a healthy limiter produces.
func (m *Manager) Check(ctx context.Context, channel domain.Channel, key string) (Decision, error) {
	m.mu.RLock()
	limiter, ok := m.limiters[domain.NormalizeChannel(channel.String())]
	m.mu.RUnlock()

	if !ok {
		return Decision{Allowed: true, Remaining: -1}, nil
	}

	decision, err := limiter.Allow(ctx, key)
	if err != nil {
		return Decision{}, err
	}
	if !decision.Allowed {
		return decision, &RateLimitError{
			Channel:    channel.String(),
			Key:        key,
			RetryAfter: decision.RetryAfter,
		}
	}
	return decision, nil
}
