package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"paystream/internal/streaming"
)

// DefaultHistory is how many notifications RedisSink keeps in its list.
const DefaultHistory = 100

// RedisSink publishes notifications on a Redis channel and keeps the most
// recent ones in a capped list for clients that connect later.
type RedisSink struct {
	client  *redis.Client
	channel string
	key     string
	history int64
}

// NewRedisSink returns a sink publishing on channel. The history list is
// stored under channel+":recent".
func NewRedisSink(client *redis.Client, channel string) *RedisSink {
	return &RedisSink{
		client:  client,
		channel: channel,
		key:     channel + ":recent",
		history: DefaultHistory,
	}
}

// Connect dials Redis and checks the connection, like the other Redis
// repositories in this codebase.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// Notify implements streaming.Notifier.
func (s *RedisSink) Notify(ctx context.Context, n streaming.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, s.key, payload)
		p.LTrim(ctx, s.key, 0, s.history-1)
		p.Publish(ctx, s.channel, payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	return nil
}

// Recent returns up to limit notifications, newest first.
func (s *RedisSink) Recent(ctx context.Context, limit int) ([]streaming.Notification, error) {
	if limit <= 0 || int64(limit) > s.history {
		limit = int(s.history)
	}
	raw, err := s.client.LRange(ctx, s.key, 0, int64(limit)-1).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read notifications: %w", err)
	}
	out := make([]streaming.Notification, 0, len(raw))
	for _, r := range raw {
		var n streaming.Notification
		if err := json.Unmarshal([]byte(r), &n); err != nil {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}
