package queue

import (
	"context"

	"github.com/alertforge/notify-core/internal/domain"
)

// Publisher publishes dispatch messages to a queue.
type Publisher interface {
	Publish(ctx context.Context, queue string, msg DispatchMessage) error
	Close() error
}

// MessageHandler handles a consumed queue message.
type MessageHandler func(ctx context.Context, msg DispatchMessage) error

// Consumer consumes dispatch messages from a queue.
type Consumer interface {
	Consume(ctx context.Context, queue string, handler MessageHandler) error
	Close() error
}

const (
	// DispatchQueue is the single ingress work queue: every accepted
	// notification is enqueued here and picked up by dispatch workers.
	DispatchQueue = "notify.dispatch"

	// DispatchDLQ collects messages rejected as unprocessable.
	DispatchDLQ = "dlq.notify.dispatch"

	// queueMaxPriority is the RabbitMQ x-max-priority value for the work
	// queue. Message priorities map into 0..queueMaxPriority-1.
	queueMaxPriority int32 = 10
)

// PriorityValue maps domain priority (1 highest .. 10 lowest) to RabbitMQ
// message priority, where larger means more urgent.
func PriorityValue(priority domain.Priority) uint8 {
	p := priority.Clamp()
	return uint8(10 - int(p))
}
