// Package cache wraps the replicated Redis instance shared by every
// session server and command worker: a fast mirror of document state plus
// the publish/subscribe channels used for live fan-out.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const statePrefix = "crdt:state:"

// UpdateChannel names the fragment channel for one file.
func UpdateChannel(projectID, filePath string) string {
	return fmt.Sprintf("crdt:update:%s:%s", projectID, filePath)
}

// TerminalChannel names the output channel for one terminal.
func TerminalChannel(projectID, terminalID string) string {
	return fmt.Sprintf("terminal:%s:%s", projectID, terminalID)
}

type Cache struct {
	client *redis.Client
}

// New connects to Redis and verifies the connection.
func New(redisURL string) (*Cache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &Cache{client: client}, nil
}

// NewWithClient wraps an existing Redis client.
func NewWithClient(client *redis.Client) *Cache {
	return &Cache{client: client}
}

func (c *Cache) stateKey(projectID, filePath string) string {
	return statePrefix + projectID + ":" + filePath
}

// SetState mirrors a document's full serialized state.
func (c *Cache) SetState(ctx context.Context, projectID, filePath string, state []byte) error {
	if err := c.client.Set(ctx, c.stateKey(projectID, filePath), state, 0).Err(); err != nil {
		return fmt.Errorf("set state %s/%s: %w", projectID, filePath, err)
	}
	return nil
}

// GetState returns the mirrored state, reporting absence without error.
func (c *Cache) GetState(ctx context.Context, projectID, filePath string) ([]byte, bool, error) {
	data, err := c.client.Get(ctx, c.stateKey(projectID, filePath)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get state %s/%s: %w", projectID, filePath, err)
	}
	return data, true, nil
}

// DeleteState drops the mirrored state for one file.
func (c *Cache) DeleteState(ctx context.Context, projectID, filePath string) error {
	if err := c.client.Del(ctx, c.stateKey(projectID, filePath)).Err(); err != nil {
		return fmt.Errorf("delete state %s/%s: %w", projectID, filePath, err)
	}
	return nil
}

// Publish sends payload to every subscriber of channel, across processes.
func (c *Cache) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := c.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Subscription is a live channel subscription. It must be closed when the
// last local consumer goes away; leaked subscriptions pin Redis
// connections for the process lifetime.
type Subscription struct {
	pubsub *redis.PubSub
	done   chan struct{}
}

// Subscribe registers handler for every message published on channel. The
// handler runs on the subscription's own goroutine.
func (c *Cache) Subscribe(ctx context.Context, channel string, handler func(payload []byte)) (*Subscription, error) {
	pubsub := c.client.Subscribe(ctx, channel)
	// Force the subscription onto the wire before returning so callers
	// never miss messages published right after Subscribe.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	sub := &Subscription{pubsub: pubsub, done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		for msg := range pubsub.Channel() {
			handler([]byte(msg.Payload))
		}
	}()
	return sub, nil
}

// Close tears the subscription down and waits for the handler goroutine.
func (s *Subscription) Close() error {
	err := s.pubsub.Close()
	<-s.done
	return err
}

// Close releases the underlying Redis client.
func (c *Cache) Close() error {
	return c.client.Close()
}

// Ping checks if Redis is reachable.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
