package token

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/tradeport/sso-broker/internal/domain"
)

// Legacy token types predate the broker-minted format.
const (
	LegacyTypeAccess  = "ACCESS"
	LegacyTypeRefresh = "REFRESH"
)

// LegacyClaims is the payload on symmetric legacy tokens.
type LegacyClaims struct {
	TokenType string `json:"tokenType"`
	OrgID     string `json:"org_id,omitempty"`
	Roles     string `json:"roles,omitempty"`
}

// LegacyService handles the HS256 tokens still accepted for older clients.
// Only the authentication middleware uses it.
type LegacyService struct {
	secret     []byte
	signer     jose.Signer
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// NewLegacyService builds the legacy token util. An empty secret gets a
// random per-process one, which keeps the legacy path functional in
// deployments that never issued legacy tokens.
func NewLegacyService(secret string, accessTTL, refreshTTL time.Duration) (*LegacyService, error) {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate legacy secret: %w", err)
		}
	}
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: key}, (&jose.SignerOptions{}).WithType("JWT"))
	if err != nil {
		return nil, fmt.Errorf("new legacy signer: %w", err)
	}
	if accessTTL <= 0 {
		accessTTL = 15 * time.Minute
	}
	if refreshTTL <= 0 {
		refreshTTL = 24 * time.Hour
	}
	return &LegacyService{secret: key, signer: signer, accessTTL: accessTTL, refreshTTL: refreshTTL}, nil
}

// MintAccessToken issues a legacy access token for subject.
func (s *LegacyService) MintAccessToken(subject, orgID, roles string) (string, error) {
	return s.mint(subject, orgID, roles, LegacyTypeAccess, s.accessTTL)
}

// MintRefreshToken issues a legacy refresh token for subject.
func (s *LegacyService) MintRefreshToken(subject, orgID, roles string) (string, error) {
	return s.mint(subject, orgID, roles, LegacyTypeRefresh, s.refreshTTL)
}

func (s *LegacyService) mint(subject, orgID, roles, tokenType string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	std := jwt.Claims{
		Subject:  subject,
		IssuedAt: jwt.NewNumericDate(now),
		Expiry:   jwt.NewNumericDate(now.Add(ttl)),
	}
	custom := LegacyClaims{TokenType: tokenType, OrgID: orgID, Roles: roles}
	signed, err := jwt.Signed(s.signer).Claims(std).Claims(custom).Serialize()
	if err != nil {
		return "", fmt.Errorf("serialize legacy token: %w", err)
	}
	return signed, nil
}

// Subject extracts the subject without checking expiry, so an expired token
// can still locate its user. The signature is verified first.
func (s *LegacyService) Subject(token string) (string, error) {
	parsed, err := jwt.ParseSigned(token, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return "", domain.NewTokenValidationError(domain.ReasonMalformed, err)
	}
	var std jwt.Claims
	if err := parsed.Claims(s.secret, &std); err != nil {
		return "", domain.NewTokenValidationError(domain.ReasonBadSignature, err)
	}
	return std.Subject, nil
}

// Validate verifies the signature and expiry and returns both claim sets.
func (s *LegacyService) Validate(token string) (*jwt.Claims, *LegacyClaims, error) {
	parsed, err := jwt.ParseSigned(token, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return nil, nil, domain.NewTokenValidationError(domain.ReasonMalformed, err)
	}
	var std jwt.Claims
	var custom LegacyClaims
	if err := parsed.Claims(s.secret, &std, &custom); err != nil {
		return nil, nil, domain.NewTokenValidationError(domain.ReasonBadSignature, err)
	}
	now := time.Now()
	if std.Expiry == nil || std.Expiry.Time().Before(now) {
		return nil, nil, domain.NewTokenValidationError(domain.ReasonExpired, nil)
	}
	return &std, &custom, nil
}

// IsValidAccessToken reports whether token is a live legacy access token.
func (s *LegacyService) IsValidAccessToken(token string) bool {
	_, custom, err := s.Validate(token)
	return err == nil && custom.TokenType == LegacyTypeAccess
}

// IsValidRefreshToken reports whether token is a live legacy refresh token.
func (s *LegacyService) IsValidRefreshToken(token string) bool {
	_, custom, err := s.Validate(token)
	return err == nil && custom.TokenType == LegacyTypeRefresh
}
