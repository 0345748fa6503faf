package jwks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/tradeport/sso-broker/internal/adapter/upstream"
	"github.com/tradeport/sso-broker/internal/domain"
)

// Signature algorithms accepted on upstream tokens.
var allowedAlgorithms = []jose.SignatureAlgorithm{jose.RS256}

// Validator verifies upstream-issued tokens against the provider's published
// key set. Keys are cached for a fixed TTL; a stale cache or an unknown key
// id triggers exactly one synchronous refresh shared by all concurrent
// callers.
type Validator struct {
	client           upstream.Client
	ttl              time.Duration
	expectedIssuer   string
	expectedAudience string
	logger           *zap.Logger

	group singleflight.Group

	mu        sync.RWMutex
	keys      *jose.JSONWebKeySet
	fetchedAt time.Time
}

// NewValidator constructs a Validator with the given cache TTL.
func NewValidator(client upstream.Client, expectedIssuer, expectedAudience string, ttl time.Duration, logger *zap.Logger) *Validator {
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	if logger == nil {
		logger = zap.L()
	}
	return &Validator{
		client:           client,
		ttl:              ttl,
		expectedIssuer:   expectedIssuer,
		expectedAudience: expectedAudience,
		logger:           logger,
	}
}

// Validate parses token, resolves its signing key, verifies the signature,
// and checks issuer, audience, expiry, and issue time. Failures are reported
// as *domain.TokenValidationError with a reason code, except key-set fetch
// failures which surface domain.ErrJWKSFetch.
func (v *Validator) Validate(ctx context.Context, token string) (*jwt.Claims, error) {
	parsed, err := jwt.ParseSigned(token, allowedAlgorithms)
	if err != nil {
		return nil, domain.NewTokenValidationError(domain.ReasonMalformed, err)
	}
	if len(parsed.Headers) == 0 {
		return nil, domain.NewTokenValidationError(domain.ReasonMalformed, fmt.Errorf("missing jose header"))
	}
	kid := parsed.Headers[0].KeyID

	key, err := v.resolveKey(ctx, kid)
	if err != nil {
		return nil, err
	}

	var claims jwt.Claims
	if err := parsed.Claims(key.Key, &claims); err != nil {
		return nil, domain.NewTokenValidationError(domain.ReasonBadSignature, err)
	}

	if err := v.checkClaims(claims); err != nil {
		return nil, err
	}
	return &claims, nil
}

func (v *Validator) checkClaims(claims jwt.Claims) error {
	if claims.Issuer != v.expectedIssuer {
		return domain.NewTokenValidationError(domain.ReasonIssuerMismatch, fmt.Errorf("issuer %q", claims.Issuer))
	}
	if !claims.Audience.Contains(v.expectedAudience) {
		return domain.NewTokenValidationError(domain.ReasonAudienceMismatch, fmt.Errorf("audience %v", []string(claims.Audience)))
	}
	now := time.Now()
	if claims.Expiry == nil || claims.Expiry.Time().Before(now) {
		return domain.NewTokenValidationError(domain.ReasonExpired, nil)
	}
	if claims.IssuedAt != nil && claims.IssuedAt.Time().After(now) {
		return domain.NewTokenValidationError(domain.ReasonNotYetValid, nil)
	}
	return nil
}

// resolveKey finds kid in the cached key set, refreshing it when the cache
// is stale or the key id is absent. At most one retry after a refresh.
func (v *Validator) resolveKey(ctx context.Context, kid string) (jose.JSONWebKey, error) {
	if key, ok := v.lookup(kid, true); ok {
		return key, nil
	}

	// A fetch failure keeps the previous cache in place but still fails the
	// caller; a lapsed TTL never extends silently while the provider is down.
	if err := v.refresh(ctx); err != nil {
		return jose.JSONWebKey{}, err
	}

	if key, ok := v.lookup(kid, false); ok {
		return key, nil
	}
	return jose.JSONWebKey{}, domain.NewTokenValidationError(domain.ReasonUnknownKey, fmt.Errorf("kid %q", kid))
}

func (v *Validator) lookup(kid string, requireFresh bool) (jose.JSONWebKey, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.keys == nil {
		return jose.JSONWebKey{}, false
	}
	if requireFresh && time.Since(v.fetchedAt) > v.ttl {
		return jose.JSONWebKey{}, false
	}
	matches := v.keys.Key(kid)
	if len(matches) == 0 {
		return jose.JSONWebKey{}, false
	}
	return matches[0], true
}

// refresh fetches the full key set and atomically replaces the cache.
// Concurrent validators share one in-flight fetch.
func (v *Validator) refresh(ctx context.Context) error {
	_, err, _ := v.group.Do("jwks", func() (any, error) {
		keySet, err := v.client.FetchJWKS(ctx)
		if err != nil {
			return nil, err
		}
		v.mu.Lock()
		v.keys = keySet
		v.fetchedAt = time.Now()
		v.mu.Unlock()
		v.logger.Info("jwks refreshed", zap.Int("keys", len(keySet.Keys)))
		return nil, nil
	})
	return err
}
