// Package queue carries terminal commands from session servers to command
// workers over a Redis stream. A consumer group gives the at-least-once
// contract: a delivery stays pending until it is acked, and pending
// deliveries whose consumer went quiet are reclaimed by whoever polls
// next.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const payloadField = "payload"

// Command is one queued terminal command.
type Command struct {
	ProjectID  string `json:"projectId"`
	TerminalID string `json:"terminalId"`
	UserID     string `json:"userId"`
	Username   string `json:"username"`
	Command    string `json:"command"`
}

// Delivery is a received command plus the ack token that removes it.
type Delivery struct {
	ID      string
	Command Command
}

type Queue struct {
	client       *redis.Client
	stream       string
	group        string
	consumer     string
	claimMinIdle time.Duration
}

// New connects to Redis and ensures the stream and consumer group exist.
func New(redisURL, stream, group, consumer string) (*Queue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewWithClient(redis.NewClient(opts), stream, group, consumer)
}

// NewWithClient builds a queue on an existing Redis client.
func NewWithClient(client *redis.Client, stream, group, consumer string) (*Queue, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("create consumer group: %w", err)
	}

	return &Queue{
		client:       client,
		stream:       stream,
		group:        group,
		consumer:     consumer,
		claimMinIdle: 2 * time.Minute,
	}, nil
}

// SetClaimMinIdle overrides how long a pending delivery must sit idle
// before another consumer may reclaim it. It must exceed the longest
// command pipeline, or two workers will process the same command.
func (q *Queue) SetClaimMinIdle(d time.Duration) {
	q.claimMinIdle = d
}

// Send enqueues one command.
func (q *Queue) Send(ctx context.Context, cmd Command) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	err = q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{payloadField: string(payload)},
	}).Err()
	if err != nil {
		return fmt.Errorf("enqueue command: %w", err)
	}
	return nil
}

// Receive returns up to count deliveries, preferring stalled deliveries
// abandoned by dead consumers. block < 0 polls without waiting.
func (q *Queue) Receive(ctx context.Context, count int64, block time.Duration) ([]Delivery, error) {
	claimed, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: q.consumer,
		MinIdle:  q.claimMinIdle,
		Start:    "0",
		Count:    count,
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("claim pending: %w", err)
	}
	if len(claimed) > 0 {
		return q.decode(claimed)
	}

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{q.stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read group: %w", err)
	}

	var deliveries []Delivery
	for _, s := range streams {
		decoded, err := q.decode(s.Messages)
		if err != nil {
			return nil, err
		}
		deliveries = append(deliveries, decoded...)
	}
	return deliveries, nil
}

func (q *Queue) decode(messages []redis.XMessage) ([]Delivery, error) {
	deliveries := make([]Delivery, 0, len(messages))
	for _, msg := range messages {
		raw, ok := msg.Values[payloadField].(string)
		if !ok {
			// Malformed entry; ack it away rather than poisoning the group.
			_ = q.Ack(context.Background(), msg.ID)
			continue
		}
		var cmd Command
		if err := json.Unmarshal([]byte(raw), &cmd); err != nil {
			_ = q.Ack(context.Background(), msg.ID)
			continue
		}
		deliveries = append(deliveries, Delivery{ID: msg.ID, Command: cmd})
	}
	return deliveries, nil
}

// Ack removes a processed delivery from the group and the stream.
func (q *Queue) Ack(ctx context.Context, id string) error {
	if err := q.client.XAck(ctx, q.stream, q.group, id).Err(); err != nil {
		return fmt.Errorf("ack %s: %w", id, err)
	}
	if err := q.client.XDel(ctx, q.stream, id).Err(); err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	return nil
}

// Depth reports how many commands are waiting, including in-flight ones.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	depth, err := q.client.XLen(ctx, q.stream).Result()
	if err != nil {
		return 0, fmt.Errorf("stream length: %w", err)
	}
	return depth, nil
}

// Close releases the underlying Redis client.
func (q *Queue) Close() error {
	return q.client.Close()
}
