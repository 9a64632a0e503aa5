package middleware

import (
	"context"
	"fmt"

	"relaychat-backend/internal/database"
)

// RevocationChecker reports whether a token id was revoked before it expired
type RevocationChecker interface {
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

// RevokedKeyPrefix prefixes the Redis key the auth service sets when it
// revokes a token
const RevokedKeyPrefix = "revoked:"

// RedisRevocationChecker looks up revoked token ids in Redis
type RedisRevocationChecker struct {
	client *database.RedisClient
}

// NewRedisRevocationChecker creates a new RedisRevocationChecker
func NewRedisRevocationChecker(client *database.RedisClient) *RedisRevocationChecker {
	return &RedisRevocationChecker{client: client}
}

// IsRevoked checks the revocation list. Tokens without an id cannot be revoked.
func (r *RedisRevocationChecker) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	if tokenID == "" {
		return false, nil
	}
	n, err := r.client.SafeExists(ctx, RevokedKeyPrefix+tokenID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check revocation list: %w", err)
	}
	return n > 0, nil
}
