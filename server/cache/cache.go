package cache

import (
	"context"
	"errors"
)

// Cache is a small key-value store. Values are JSON-encoded on Set and
// decoded into dest on Get, so every backend round-trips the same way.
type Cache interface {
	Set(ctx context.Context, key string, value any) error

	Get(ctx context.Context, key string, dest any) error

	Delete(ctx context.Context, key string) error

	GetStats(ctx context.Context) (*CacheStats, error)

	Close() error
}

type CacheStats struct {
	Backend   string `json:"backend"`
	Connected bool   `json:"connected"`
	Info      string `json:"info"`
}

var ErrCacheMiss = errors.New("cache miss")
