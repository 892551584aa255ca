package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"market_pulse/internal/domain"

	"github.com/redis/go-redis/v9"
)

const (
	latestKey    = "ticks:latest"
	ticksChannel = "ticks"
)

// TickPublisher mirrors every flush into Redis so out-of-process readers can
// follow prices: the latest tick per symbol in a hash and each batch on a channel.
type TickPublisher struct {
	client  *redis.Client
	hashKey string
	channel string
}

// NewClient creates a Redis client and checks it answers.
func NewClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return client, nil
}

// NewTickPublisher wraps client. prefix namespaces the keys ("" for the defaults).
func NewTickPublisher(client *redis.Client, prefix string) *TickPublisher {
	return &TickPublisher{
		client:  client,
		hashKey: prefix + latestKey,
		channel: prefix + ticksChannel,
	}
}

// Ping checks the connection to the Redis server.
func (p *TickPublisher) Ping(ctx context.Context) string {
	if err := p.client.Ping(ctx).Err(); err != nil {
		return fmt.Sprintf("down: %v", err)
	}
	return "up"
}

// Publish writes one flush batch in a single pipeline.
func (p *TickPublisher) Publish(ctx context.Context, batch map[string]domain.PriceTick) error {
	if len(batch) == 0 {
		return nil
	}

	ticks := make([]domain.PriceTick, 0, len(batch))
	fields := make(map[string]interface{}, len(batch))
	for sym, t := range batch {
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("marshal tick %s: %w", sym, err)
		}
		fields[sym] = string(b)
		ticks = append(ticks, t)
	}
	sort.Slice(ticks, func(i, j int) bool {
		return ticks[i].Symbol < ticks[j].Symbol
	})

	payload, err := json.Marshal(ticks)
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}

	pipe := p.client.Pipeline()
	pipe.HSet(ctx, p.hashKey, fields)
	pipe.Publish(ctx, p.channel, payload)

	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("Redis publish failed", slog.Int("ticks", len(batch)), slog.Any("error", err))
		return err
	}
	return nil
}

// Latest reads the last published tick of symbol.
func (p *TickPublisher) Latest(ctx context.Context, symbol string) (domain.PriceTick, bool, error) {
	raw, err := p.client.HGet(ctx, p.hashKey, domain.NormalizeSymbol(symbol)).Result()
	if errors.Is(err, redis.Nil) {
		return domain.PriceTick{}, false, nil
	}
	if err != nil {
		return domain.PriceTick{}, false, err
	}

	var t domain.PriceTick
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return domain.PriceTick{}, false, fmt.Errorf("decode tick %s: %w", symbol, err)
	}
	return t, true, nil
}

// Subscribe returns a subscription to the batch channel.
func (p *TickPublisher) Subscribe(ctx context.Context) *redis.PubSub {
	return p.client.Subscribe(ctx, p.channel)
}

// Clear removes the latest-tick hash.
func (p *TickPublisher) Clear(ctx context.Context) error {
	return p.client.Del(ctx, p.hashKey).Err()
}
