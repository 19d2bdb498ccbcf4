package channel

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/alertforge/notify-core/internal/domain"
)

// Message is one delivery unit: a notification bound to a single channel
// and recipient address.
type Message struct {
	Notification  domain.Notification
	Channel       domain.Channel
	RecipientID   string
	RecipientName string
	Address       string
	AttemptNumber int
}

// SendResult stores provider call metadata for audit and persistence.
type SendResult struct {
	StatusCode int
	Body       string
	ProviderID string
}

// Sender is the outbound delivery port for one channel.
type Sender interface {
	Send(ctx context.Context, msg Message) (*SendResult, error)
}

// Registry maps channel names to their senders. Lookups after construction
// are safe from any goroutine.
type Registry struct {
	mu      sync.RWMutex
	senders map[domain.Channel]Sender
}

func NewRegistry() *Registry {
	return &Registry{senders: make(map[domain.Channel]Sender)}
}

// Register binds a sender to a channel, replacing any previous binding.
func (r *Registry) Register(ch domain.Channel, sender Sender) error {
	if !ch.IsValid() {
		return fmt.Errorf("channel name is required")
	}
	if sender == nil {
		return fmt.Errorf("sender is required for channel %q", ch)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.senders[domain.NormalizeChannel(ch.String())] = sender
	return nil
}

// Lookup returns the sender for a channel.
func (r *Registry) Lookup(ch domain.Channel) (Sender, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sender, ok := r.senders[domain.NormalizeChannel(ch.String())]
	if !ok {
		return nil, &SendError{
			Channel:   ch.String(),
			Message:   "no sender registered",
			Transient: false,
		}
	}
	return sender, nil
}

// Channels returns the registered channel names, sorted.
func (r *Registry) Channels() []domain.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Channel, 0, len(r.senders))
	for ch := range r.senders {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.Compare(out[i].String(), out[j].String()) < 0
	})
	return out
}
