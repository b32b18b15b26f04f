// Package cache publishes dashboard snapshots to Redis so external readers
// (other dashboards, alerting scripts) can consume them without touching
// the engine.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alejandrodnm/polyarb/internal/domain"
	"github.com/alejandrodnm/polyarb/internal/ports"
	"github.com/redis/go-redis/v9"
)

var _ ports.Notifier = (*RedisPublisher)(nil)

// RedisPublisher writes each snapshot under fixed keys with a TTL and
// publishes it on a channel.
//
// Keys (prefix "polyarb" by default):
//
//	<prefix>:snapshot        full snapshot JSON
//	<prefix>:risk            risk section only
//	<prefix>:opportunities   active opportunities
//	<prefix>:snapshots       pub/sub channel
type RedisPublisher struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisPublisher parses a redis:// URL and creates a publisher.
func NewRedisPublisher(url, prefix string, ttl time.Duration) (*RedisPublisher, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("cache.NewRedisPublisher: parse url: %w", err)
	}
	return NewRedisPublisherClient(redis.NewClient(opt), prefix, ttl), nil
}

// NewRedisPublisherClient wraps an existing client.
func NewRedisPublisherClient(rdb *redis.Client, prefix string, ttl time.Duration) *RedisPublisher {
	if prefix == "" {
		prefix = "polyarb"
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisPublisher{rdb: rdb, prefix: prefix, ttl: ttl}
}

// Ping checks the connection.
func (p *RedisPublisher) Ping(ctx context.Context) error {
	if err := p.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("cache.Ping: %w", err)
	}
	return nil
}

// Notify implements ports.Notifier.
func (p *RedisPublisher) Notify(ctx context.Context, snap domain.DashboardSnapshot) error {
	full, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("cache.Notify: marshal snapshot: %w", err)
	}
	risk, err := json.Marshal(snap.Risk)
	if err != nil {
		return fmt.Errorf("cache.Notify: marshal risk: %w", err)
	}
	opps, err := json.Marshal(snap.Opportunities)
	if err != nil {
		return fmt.Errorf("cache.Notify: marshal opportunities: %w", err)
	}

	_, err = p.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, p.Key("snapshot"), full, p.ttl)
		pipe.Set(ctx, p.Key("risk"), risk, p.ttl)
		pipe.Set(ctx, p.Key("opportunities"), opps, p.ttl)
		pipe.Publish(ctx, p.Key("snapshots"), full)
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache.Notify: v%d: %w", snap.Version, err)
	}
	return nil
}

// Close cierra la conexión.
func (p *RedisPublisher) Close() error {
	return p.rdb.Close()
}

// Key returns the namespaced key for name.
func (p *RedisPublisher) Key(name string) string {
	return p.prefix + ":" + name
}
