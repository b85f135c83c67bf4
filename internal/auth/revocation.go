package auth

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RevocationStore remembers logged-out token ids until they would expire anyway.
type RevocationStore interface {
	Revoke(ctx context.Context, jti string, until time.Time) error
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

// RedisRevocations keeps revoked token ids as expiring redis keys.
type RedisRevocations struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisRevocations constructs the store.
func NewRedisRevocations(client *redis.Client) *RedisRevocations {
	return &RedisRevocations{client: client, prefix: "auth:revoked:", now: time.Now}
}

// Revoke marks jti as unusable until the given instant.
func (s *RedisRevocations) Revoke(ctx context.Context, jti string, until time.Time) error {
	if s == nil || s.client == nil {
		return nil
	}
	ttl := until.Sub(s.now())
	if ttl <= 0 {
		return nil
	}
	return s.client.Set(ctx, s.prefix+jti, 1, ttl).Err()
}

// IsRevoked reports whether jti was revoked.
func (s *RedisRevocations) IsRevoked(ctx context.Context, jti string) (bool, error) {
	if s == nil || s.client == nil {
		return false, nil
	}
	n, err := s.client.Exists(ctx, s.prefix+jti).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
