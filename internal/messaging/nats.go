// Package messaging provides a NATS client wrapper used to fan chat
// broadcasts out across server instances. Each room maps to one subject
// (room.<key>) so every instance with members in that room receives the
// frame and delivers it to its local registry.
package messaging

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectRoomPrefix is the subject namespace for room broadcasts; the room's
// group key is appended (room.<key>).
const SubjectRoomPrefix = "room"

// NATSClient wraps the NATS connection with helper methods for room pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "chat-service",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// RoomSubject returns the subject for a room's group key.
func RoomSubject(key string) string {
	return SubjectRoomPrefix + "." + key
}

// PublishRoom publishes a broadcast frame to the room's subject.
func (c *NATSClient) PublishRoom(key string, data []byte) error {
	if err := c.conn.Publish(RoomSubject(key), data); err != nil {
		return fmt.Errorf("nats publish %s: %w", RoomSubject(key), err)
	}
	return nil
}

// SubscribeRoom registers a handler for a room's subject. At most one
// subscription per key is kept per client; the registry dedupes membership,
// so one subscription serves every local member of the room.
func (c *NATSClient) SubscribeRoom(key string, handler func(data []byte)) error {
	subject := RoomSubject(key)

	c.mu.Lock()
	if _, exists := c.subs[subject]; exists {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	if _, exists := c.subs[subject]; exists {
		// Lost the race to another subscriber for the same room.
		c.mu.Unlock()
		_ = sub.Unsubscribe()
		return nil
	}
	c.subs[subject] = sub
	c.mu.Unlock()

	return nil
}

// UnsubscribeRoom drops the subscription for a room's subject, if any.
func (c *NATSClient) UnsubscribeRoom(key string) error {
	subject := RoomSubject(key)

	c.mu.Lock()
	sub, ok := c.subs[subject]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	delete(c.subs, subject)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", subject, err)
	}
	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}
