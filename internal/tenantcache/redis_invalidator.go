package tenantcache

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisInvalidator broadcasts and receives purge signals across gateway
// replicas sharing one tenant cache topic, grounded on
// internal/session.RedisStore's PublishKill/listenForKillSignals pattern
// repurposed from session kill-switches to bundle-activation invalidation.
type RedisInvalidator struct {
	client *redis.Client
	topic  string
	cache  *Cache
}

// NewRedisInvalidator subscribes cache to purge broadcasts on topic over
// client, and returns the invalidator used to publish future activations.
func NewRedisInvalidator(client *redis.Client, topic string, cache *Cache) *RedisInvalidator {
	if topic == "" {
		topic = "promptgate:cache:purge"
	}
	inv := &RedisInvalidator{client: client, topic: topic, cache: cache}
	go inv.listen()
	return inv
}

// PublishPurge broadcasts that tenant's snapshots are stale on every replica.
// An empty tenant means "purge all" (used after global bundle activations).
func (inv *RedisInvalidator) PublishPurge(ctx context.Context, tenant string) error {
	return inv.client.Publish(ctx, inv.topic, tenant).Err()
}

func (inv *RedisInvalidator) listen() {
	ctx := context.Background()
	sub := inv.client.Subscribe(ctx, inv.topic)
	defer sub.Close()

	ch := sub.Channel()
	for msg := range ch {
		if msg.Payload == "" {
			inv.cache.PurgeAll()
			continue
		}
		inv.cache.Purge(msg.Payload)
	}
}

// Close releases the underlying Redis client.
func (inv *RedisInvalidator) Close() error {
	return inv.client.Close()
}

// NewRedisClient is a small convenience wrapper mirroring
// internal/session.NewRedisStore's connectivity check at startup.
func NewRedisClient(addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	slog.Info("redis tenant cache invalidator connected", "addr", addr)
	return client, nil
}
