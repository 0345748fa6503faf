package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tradeport/sso-broker/internal/domain"
	"github.com/tradeport/sso-broker/internal/repository"
)

const pkcePrefix = "pkce:"

// RedisPKCEStore implements PKCEStore backed by Redis.
type RedisPKCEStore struct {
	client redis.UniversalClient
}

var _ repository.PKCEStore = (*RedisPKCEStore)(nil)

// NewRedisPKCEStore constructs a Redis-backed PKCE store.
func NewRedisPKCEStore(client redis.UniversalClient) *RedisPKCEStore {
	return &RedisPKCEStore{client: client}
}

// Save stores the code verifier under the login state with TTL.
func (s *RedisPKCEStore) Save(ctx context.Context, state, codeVerifier string, ttl time.Duration) error {
	if err := s.client.Set(ctx, buildKey(state), codeVerifier, ttl).Err(); err != nil {
		return fmt.Errorf("persist pkce verifier: %w", err)
	}
	return nil
}

// Consume returns the verifier and deletes it in one round trip. GETDEL keeps
// the read-then-delete atomic under concurrent callback retries.
func (s *RedisPKCEStore) Consume(ctx context.Context, state string) (string, error) {
	verifier, err := s.client.GetDel(ctx, buildKey(state)).Result()
	if err != nil {
		if err == redis.Nil {
			return "", domain.ErrStateNotFound
		}
		return "", fmt.Errorf("consume pkce verifier: %w", err)
	}
	return verifier, nil
}

func buildKey(state string) string {
	return pkcePrefix + strings.TrimSpace(state)
}
