// Package cache holds short-lived realtime snapshots in Redis so repeated
// quote lookups do not hit the upstream.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kjannette/trahn-marketdata/internal/models"
)

const DefaultTTL = 5 * time.Second

type SnapshotCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// New connects to Redis at addr and verifies the connection.
func New(ctx context.Context, addr, password string, db int, ttl time.Duration) (*SnapshotCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", addr, err)
	}

	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &SnapshotCache{client: client, ttl: ttl, prefix: "snapshot:"}, nil
}

// WithPrefix scopes keys, mainly so tests sharing a Redis do not collide.
func (c *SnapshotCache) WithPrefix(p string) *SnapshotCache {
	cp := *c
	cp.prefix = p
	return &cp
}

func (c *SnapshotCache) key(symbol string) string {
	return c.prefix + strings.ToUpper(symbol)
}

// Get returns nil, nil on a miss.
func (c *SnapshotCache) Get(ctx context.Context, symbol string) (*models.Snapshot, error) {
	data, err := c.client.Get(ctx, c.key(symbol)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", symbol, err)
	}

	var snap models.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode cached snapshot %s: %w", symbol, err)
	}
	return &snap, nil
}

func (c *SnapshotCache) Set(ctx context.Context, snap *models.Snapshot) error {
	if snap == nil || snap.Symbol == "" {
		return nil
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, c.key(snap.Symbol), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", snap.Symbol, err)
	}
	return nil
}

func (c *SnapshotCache) Delete(ctx context.Context, symbol string) error {
	return c.client.Del(ctx, c.key(symbol)).Err()
}

func (c *SnapshotCache) Close() error {
	return c.client.Close()
}
