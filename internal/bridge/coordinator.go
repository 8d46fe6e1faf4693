// Package bridge connects channels to external chat services. At most
// one node in the cluster runs a given bridge: ownership is a named
// distributed lock, and nodes that lose the election retry on a timer so
// the bridge fails over when the owner dies.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/relaycore/chatrelay/internal/cluster"
	"github.com/relaycore/chatrelay/internal/domain/model"
)

const (
	defaultLockTimeout   = 10 * time.Second
	defaultRetryInterval = time.Minute
)

// Publisher is the inbound path back into the relay.
type Publisher interface {
	PublishToChannel(ctx context.Context, channel string, msgs []model.ChatMessage) error
}

// Service is one external chat integration. OutgoingChannels maps
// internal channel names to the service's remote channel names; the
// coordinator consumes the internal side and hands matched messages to
// SendOutside. ActivateIncoming is called once when this node wins the
// bridge lock and the service supports inbound traffic.
type Service interface {
	Name() string
	CanActivateOutgoing() bool
	CanActivateIncoming() bool
	OutgoingChannels() map[string]string
	SendOutside(ctx context.Context, remoteChannel string, msg model.ChatMessage) error
	ActivateIncoming(ctx context.Context, in *Inbound) error
}

// Coordinator runs the ownership protocol for one service.
type Coordinator struct {
	svc    Service
	locks  cluster.Locker
	bus    *cluster.Bus
	pub    Publisher
	logger *slog.Logger

	lockTimeout   time.Duration
	retryInterval time.Duration

	mu        sync.Mutex
	active    bool
	stopped   bool
	lease     cluster.Lease
	watchStop chan struct{}
	cancels   []func()
	retry     *time.Timer
}

func NewCoordinator(svc Service, locks cluster.Locker, bus *cluster.Bus, pub Publisher, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		svc:           svc,
		locks:         locks,
		bus:           bus,
		pub:           pub,
		logger:        logger.With("component", "bridge", "service", svc.Name()),
		lockTimeout:   defaultLockTimeout,
		retryInterval: defaultRetryInterval,
	}
}

// Activate tries to win the bridge lock. On success the outgoing
// consumers and the incoming path come up; on a lost election a single
// retry timer is armed. A service with neither direction configured
// never competes for the lock. Calling Activate while active or while a
// retry is already pending is a no-op.
func (c *Coordinator) Activate(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active || c.stopped {
		return
	}
	if !c.svc.CanActivateOutgoing() && !c.svc.CanActivateIncoming() {
		return
	}

	lease, err := c.locks.Acquire(ctx, "bridge."+c.svc.Name(), c.lockTimeout)
	if err != nil {
		if !errors.Is(err, cluster.ErrLockTimeout) {
			c.logger.Error("bridge lock acquire failed", "err", err)
		}
		c.armRetryLocked()
		return
	}
	c.lease = lease

	if err := c.activateLocked(ctx); err != nil {
		c.logger.Error("bridge activation failed", "err", err)
		c.teardownLocked()
		c.armRetryLocked()
		return
	}

	c.active = true
	c.watchStop = make(chan struct{})
	go c.watchLease(lease, c.watchStop)
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	c.logger.Info("bridge activated")
}

// watchLease stands the bridge down when the distributed lock can no
// longer be renewed: another node is free to win the next election, so
// this one must stop forwarding and rejoin via the retry timer.
func (c *Coordinator) watchLease(lease cluster.Lease, stop <-chan struct{}) {
	select {
	case <-stop:
		return
	case <-lease.Lost():
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lease != lease || !c.active {
		return
	}
	c.logger.Warn("bridge lock lease lost, deactivating")
	c.teardownLocked()
	c.armRetryLocked()
}

func (c *Coordinator) activateLocked(ctx context.Context) error {
	if c.svc.CanActivateOutgoing() {
		for internal, remote := range c.svc.OutgoingChannels() {
			cancel, err := c.bus.Consume(cluster.ChannelAddress(internal), func(payload []byte) {
				c.forward(remote, payload)
			})
			if err != nil {
				return err
			}
			c.cancels = append(c.cancels, cancel)
		}
	}
	if c.svc.CanActivateIncoming() {
		if err := c.svc.ActivateIncoming(ctx, newInbound(c)); err != nil {
			return err
		}
	}
	return nil
}

// forward pushes one channel message out to the remote service, unless
// the message originated there or carries no text.
func (c *Coordinator) forward(remoteChannel string, payload []byte) {
	var m model.ChatMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		c.logger.Warn("undecodable message on bridged channel", "err", err)
		return
	}
	if m.DataFlag(model.LoopMarker(c.svc.Name())) {
		return
	}
	if strings.TrimSpace(m.Text) == "" {
		return
	}
	if err := c.svc.SendOutside(context.Background(), remoteChannel, m); err != nil {
		c.logger.Error("bridge forward failed", "remote_channel", remoteChannel, "err", err)
	}
}

func (c *Coordinator) armRetryLocked() {
	if c.retry != nil || c.stopped {
		return
	}
	c.retry = time.AfterFunc(c.retryInterval, func() {
		c.mu.Lock()
		c.retry = nil
		c.mu.Unlock()
		c.Activate(context.Background())
	})
}

func (c *Coordinator) teardownLocked() {
	for _, cancel := range c.cancels {
		cancel()
	}
	c.cancels = nil
	if c.watchStop != nil {
		close(c.watchStop)
		c.watchStop = nil
	}
	if c.lease != nil {
		c.lease.Release()
		c.lease = nil
	}
	c.active = false
}

// IsActive reports whether this node currently owns the bridge.
func (c *Coordinator) IsActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Deactivate releases the lock and stops the retry timer; used on
// shutdown so another node can take over promptly.
func (c *Coordinator) Deactivate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	c.teardownLocked()
}

// Inbound is handed to a service on activation; it is the only way a
// service injects remote traffic into the cluster.
type Inbound struct {
	c        *Coordinator
	byRemote map[string]string
}

func newInbound(c *Coordinator) *Inbound {
	byRemote := make(map[string]string)
	for internal, remote := range c.svc.OutgoingChannels() {
		byRemote[remote] = internal
	}
	return &Inbound{c: c, byRemote: byRemote}
}

// Publish maps the remote channel back to its internal channel, tags the
// message with the service's loop marker and publishes it through the
// relay so it is fanned out and persisted like any other message.
// Unmapped remote channels are ignored. A zero timestamp means now.
func (in *Inbound) Publish(ctx context.Context, remoteChannel, senderName, text string, timestamp int64) error {
	internal, ok := in.byRemote[remoteChannel]
	if !ok {
		return nil
	}
	svc := in.c.svc.Name()
	m := model.ChatMessage{
		Channel:    internal,
		SenderID:   strings.ToLower(svc) + ":" + remoteChannel,
		SenderName: senderName,
		Text:       text,
		Timestamp:  timestamp,
	}
	m.SetData(model.LoopMarker(svc), true)
	return in.c.pub.PublishToChannel(ctx, internal, []model.ChatMessage{m})
}
