package source

import (
	"context"
	"errors"

	redisclient "github.com/christianpetri/kubernetes-maintenance-mode/pkg/redis"
	"k8s.io/klog/v2"
)

// FlagStore is the part of the Redis client the source needs
type FlagStore interface {
	GetString(ctx context.Context, key string) (string, error)
	SetFlag(ctx context.Context, key string, value bool) error
}

// RedisSource reads a "true"/"false" string key shared by all pods
type RedisSource struct {
	store FlagStore
	key   string
}

// NewRedisSource creates a source backed by the given Redis key
func NewRedisSource(store FlagStore, key string) *RedisSource {
	return &RedisSource{store: store, key: key}
}

func (s *RedisSource) Name() string { return "redis" }

func (s *RedisSource) Read(ctx context.Context) (bool, error) {
	val, err := s.store.GetString(ctx, s.key)
	if errors.Is(err, redisclient.ErrKeyNotFound) {
		return false, ErrNotSet
	}
	if err != nil {
		return false, err
	}
	return parseValue(s.Name(), val), nil
}

func (s *RedisSource) Write(ctx context.Context, enabled bool) error {
	return s.store.SetFlag(ctx, s.key, enabled)
}

// parseValue treats anything that is not a recognisable boolean as false
func parseValue(source, raw string) bool {
	enabled, ok := redisclient.ParseBool(raw)
	if !ok {
		klog.InfoS("Ignoring malformed maintenance flag value, treating as false", "source", source, "value", raw)
		return false
	}
	return enabled
}
