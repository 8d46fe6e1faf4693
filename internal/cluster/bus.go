// Package cluster holds the primitives shared across relay nodes: the
// address-based message bus, the shared key-value map and named advisory
// locks. Everything above this package talks to the cluster exclusively
// through these three contracts.
package cluster

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Bus publishes and consumes byte payloads on named addresses. A node
// subscribed to an address receives every payload published to it,
// regardless of the publishing node.
type Bus struct {
	pub    message.Publisher
	sub    message.Subscriber
	logger *slog.Logger
}

func NewBus(pub message.Publisher, sub message.Subscriber, logger *slog.Logger) *Bus {
	return &Bus{
		pub:    pub,
		sub:    sub,
		logger: logger.With("component", "bus"),
	}
}

// Publish sends payload to every current consumer of the address.
func (b *Bus) Publish(ctx context.Context, address string, payload []byte) error {
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)
	if err := b.pub.Publish(address, msg); err != nil {
		return fmt.Errorf("bus: publish to %s: %w", address, err)
	}
	return nil
}

// Consume registers fn for every payload arriving on the address and
// returns a cancel func that unregisters the consumer. fn runs on the
// consumer goroutine; it must not block for long.
func (b *Bus) Consume(address string, fn func(payload []byte)) (func(), error) {
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := b.sub.Subscribe(ctx, address)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("bus: subscribe to %s: %w", address, err)
	}
	go func() {
		for msg := range ch {
			fn(msg.Payload)
			msg.Ack()
		}
	}()
	return cancel, nil
}

// Close releases the underlying publisher and subscriber.
func (b *Bus) Close() error {
	if err := b.pub.Close(); err != nil {
		return err
	}
	return b.sub.Close()
}
