// Package eventbus publishes domain events to Redis pub/sub channels for
// other services (ops dashboards, analytics) to consume.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/go-redis/redis/v8"
)

// Publisher fans domain events out to subscribers. Publishing is best
// effort: failures are logged and never surface to the caller.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// RedisBus publishes events on Redis pub/sub.
type RedisBus struct {
	client *redis.Client
}

// NewRedisBus connects to the Redis server at url (redis://[:password@]host:port/db).
func NewRedisBus(ctx context.Context, url string) (*RedisBus, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	slog.Info("redis event bus connected", "addr", opts.Addr)
	return &RedisBus{client: client}, nil
}

// NewRedisBusFromClient wraps an existing client.
func NewRedisBusFromClient(client *redis.Client) *RedisBus {
	return &RedisBus{client: client}
}

// Publish sends ev on its channel as a flat JSON object with a "type" field.
func (b *RedisBus) Publish(ctx context.Context, ev Event) {
	msg, err := Encode(ev)
	if err != nil {
		slog.Error("failed to encode event", "type", ev.EventType(), "error", err)
		return
	}
	if err := b.client.Publish(ctx, ev.Channel(), msg).Err(); err != nil {
		slog.Warn("failed to publish event", "type", ev.EventType(), "channel", ev.Channel(), "error", err)
		return
	}
	slog.Debug("event published", "type", ev.EventType(), "channel", ev.Channel())
}

// Subscribe returns a subscription to channels. The caller closes it.
func (b *RedisBus) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return b.client.Subscribe(ctx, channels...)
}

// Close releases the Redis connection pool.
func (b *RedisBus) Close() error {
	return b.client.Close()
}

// Encode renders ev as JSON with its type name merged into the top level.
func Encode(ev Event) ([]byte, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	typ, err := json.Marshal(ev.EventType())
	if err != nil {
		return nil, err
	}
	fields["type"] = typ
	return json.Marshal(fields)
}

// NopBus drops every event. It is used when no Redis URL is configured.
type NopBus struct{}

// Publish implements Publisher.
func (NopBus) Publish(context.Context, Event) {}
