package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	jsoniter "github.com/json-iterator/go"

	"github.com/ducminhle1904/signal-risk-engine/pkg/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// RedisMirror stores decisions in Redis so replicas behind a load balancer
// can reuse each other's answers for identical signals.
type RedisMirror struct {
	client redis.Cmdable
	prefix string
}

// NewRedisMirror wraps an existing client. Keys are namespaced by prefix.
func NewRedisMirror(client redis.Cmdable, prefix string) *RedisMirror {
	if prefix == "" {
		prefix = "risk:decision:"
	}
	return &RedisMirror{client: client, prefix: prefix}
}

// DialRedis opens a client and verifies connectivity.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return client, nil
}

func (m *RedisMirror) key(fingerprint string) string {
	return m.prefix + fingerprint
}

func (m *RedisMirror) Get(ctx context.Context, fingerprint string) (types.Decision, bool, error) {
	raw, err := m.client.Get(ctx, m.key(fingerprint)).Bytes()
	if errors.Is(err, redis.Nil) {
		return types.Decision{}, false, nil
	}
	if err != nil {
		return types.Decision{}, false, fmt.Errorf("redis get: %w", err)
	}
	var d types.Decision
	if err := json.Unmarshal(raw, &d); err != nil {
		return types.Decision{}, false, fmt.Errorf("decode mirrored decision: %w", err)
	}
	return d, true, nil
}

func (m *RedisMirror) Set(ctx context.Context, fingerprint string, d types.Decision, ttl time.Duration) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode decision: %w", err)
	}
	if err := m.client.Set(ctx, m.key(fingerprint), raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}
