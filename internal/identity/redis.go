package identity

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
)

const (
	fieldUserID   = "user_id"
	fieldTenantID = "tenant_id"
)

// RedisVerifier resolves opaque session tokens against a Redis hash
// written by the session service: token:<token> -> {user_id, tenant_id}.
type RedisVerifier struct {
	rdb *goredis.Client
}

func NewRedisVerifier(rdb *goredis.Client) *RedisVerifier {
	return &RedisVerifier{rdb: rdb}
}

func (v *RedisVerifier) VerifyToken(ctx context.Context, token string) (*Identity, error) {
	fields, err := v.rdb.HGetAll(ctx, tokenKey(token)).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, ErrTokenRejected
	}
	if err != nil {
		return nil, fmt.Errorf("token lookup: %w", err)
	}

	// HGetAll returns an empty map for a missing key.
	userID := fields[fieldUserID]
	if userID == "" {
		return nil, ErrTokenRejected
	}

	return &Identity{UserID: userID, TenantID: fields[fieldTenantID]}, nil
}

// Ping verifies the Redis connection, used by readiness checks and
// startup retry.
func (v *RedisVerifier) Ping(ctx context.Context) error {
	return v.rdb.Ping(ctx).Err()
}

func tokenKey(token string) string {
	return "token:" + token
}
