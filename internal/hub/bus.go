package hub

import (
	"log"

	"github.com/parlor/chat-service/internal/messaging"
)

// Bus carries broadcast frames to every registry holding members of a room.
// LocalBus loops frames back into its own registry; NATSBus publishes them so
// all server instances (this one included) deliver to their local members.
type Bus interface {
	// Publish sends a broadcast frame for the room.
	Publish(key string, data []byte) error
	// Joined is called when a room gains its first local member.
	Joined(key string) error
	// Left is called when a room loses its last local member.
	Left(key string) error
}

// LocalBus is the single-instance bus: publishes deliver straight to the
// local registry.
type LocalBus struct {
	reg *Registry
}

// NewLocalBus creates a bus that delivers only to the given registry.
func NewLocalBus(reg *Registry) *LocalBus {
	return &LocalBus{reg: reg}
}

func (b *LocalBus) Publish(key string, data []byte) error {
	b.reg.Deliver(key, data)
	return nil
}

func (b *LocalBus) Joined(key string) error { return nil }
func (b *LocalBus) Left(key string) error   { return nil }

// NATSBus fans broadcasts out through NATS room subjects. Every instance
// subscribed to a room's subject delivers inbound frames to its own registry,
// which includes the publishing instance, so local members are served by the
// same path as remote ones.
type NATSBus struct {
	client *messaging.NATSClient
	reg    *Registry
}

// NewNATSBus creates a bus backed by the given NATS client and local
// registry.
func NewNATSBus(client *messaging.NATSClient, reg *Registry) *NATSBus {
	return &NATSBus{client: client, reg: reg}
}

func (b *NATSBus) Publish(key string, data []byte) error {
	return b.client.PublishRoom(key, data)
}

func (b *NATSBus) Joined(key string) error {
	return b.client.SubscribeRoom(key, func(data []byte) {
		b.reg.Deliver(key, data)
	})
}

func (b *NATSBus) Left(key string) error {
	return b.client.UnsubscribeRoom(key)
}

// Hub ties the local registry to a broadcast bus. Sessions join and leave
// through the Hub so bus subscriptions track local membership.
type Hub struct {
	reg *Registry
	bus Bus
}

// New creates a Hub over the registry and bus. A nil bus gets a LocalBus.
func New(reg *Registry, bus Bus) *Hub {
	if bus == nil {
		bus = NewLocalBus(reg)
	}
	return &Hub{reg: reg, bus: bus}
}

// Join registers the member locally and, on the room's first local member,
// attaches the bus subscription. Subscription failures are logged, not
// fatal: local delivery still works.
func (h *Hub) Join(key string, m Member) {
	if first := h.reg.Join(key, m); first {
		if err := h.bus.Joined(key); err != nil {
			log.Printf("[hub] bus join for room %q: %v", key, err)
		}
	}
}

// Leave removes the member and detaches the bus subscription when the room
// empties.
func (h *Hub) Leave(key, memberID string) {
	if last := h.reg.Leave(key, memberID); last {
		if err := h.bus.Left(key); err != nil {
			log.Printf("[hub] bus leave for room %q: %v", key, err)
		}
	}
}

// Publish sends a broadcast frame for the room through the bus.
func (h *Hub) Publish(key string, data []byte) error {
	return h.bus.Publish(key, data)
}

// MemberCount reports the room's local member count.
func (h *Hub) MemberCount(key string) int { return h.reg.MemberCount(key) }

// RoomCount reports how many rooms have local members.
func (h *Hub) RoomCount() int { return h.reg.RoomCount() }
