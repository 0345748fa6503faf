package token

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tradeport/sso-broker/internal/config"
	"github.com/tradeport/sso-broker/internal/domain"
)

// Broker token types.
const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
)

// Claims is the custom claim payload on broker-minted tokens.
type Claims struct {
	OrgID         string         `json:"org_id,omitempty"`
	TokenType     string         `json:"token_type"`
	Registrations map[string]any `json:"registrations,omitempty"`
}

// Service mints and validates the broker's own RS256-signed tokens. It owns
// a single RSA key pair; no other component parses these signatures.
type Service struct {
	key    *rsa.PrivateKey
	kid    string
	signer jose.Signer

	issuer     string
	audience   string
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// NewService loads the signing key from configuration, or generates an
// ephemeral pair when none is configured. Ephemeral keys invalidate every
// previously issued token on restart, so the fallback is logged loudly.
func NewService(cfg config.Config, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.L()
	}

	key, err := loadSigningKey(cfg)
	if err != nil {
		return nil, err
	}
	if key == nil {
		key, err = rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, fmt.Errorf("generate signing key: %w", err)
		}
		logger.Warn("no signing key configured, generated ephemeral key pair; tokens will not survive a restart",
			zap.String("hint", "set SIGNING_KEY_PEM or SIGNING_KEY_FILE"))
	}

	kid, err := keyID(&key.PublicKey)
	if err != nil {
		return nil, err
	}

	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: key},
		(&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", kid),
	)
	if err != nil {
		return nil, fmt.Errorf("new signer: %w", err)
	}

	accessTTL := cfg.AccessTokenTTL
	if accessTTL <= 0 {
		accessTTL = 15 * time.Minute
	}
	refreshTTL := cfg.RefreshTokenTTL
	if refreshTTL <= 0 {
		refreshTTL = 24 * time.Hour
	}

	logger.Info("token service initialized", zap.String("kid", kid), zap.String("issuer", cfg.TokenIssuer))

	return &Service{
		key:        key,
		kid:        kid,
		signer:     signer,
		issuer:     cfg.TokenIssuer,
		audience:   cfg.TokenAudience,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
	}, nil
}

// MintAccessToken signs a short-lived access token embedding the
// registrations business claim.
func (s *Service) MintAccessToken(profileID, orgID string, registrations map[string]any) (string, error) {
	return s.mint(profileID, orgID, TypeAccess, s.accessTTL, registrations)
}

// MintRefreshToken signs a long-lived refresh token.
func (s *Service) MintRefreshToken(profileID, orgID string) (string, error) {
	return s.mint(profileID, orgID, TypeRefresh, s.refreshTTL, nil)
}

func (s *Service) mint(profileID, orgID, tokenType string, ttl time.Duration, registrations map[string]any) (string, error) {
	now := time.Now().UTC()
	std := jwt.Claims{
		Subject:  profileID,
		Issuer:   s.issuer,
		Audience: jwt.Audience{s.audience},
		IssuedAt: jwt.NewNumericDate(now),
		Expiry:   jwt.NewNumericDate(now.Add(ttl)),
		ID:       uuid.NewString(),
	}
	custom := Claims{
		OrgID:         orgID,
		TokenType:     tokenType,
		Registrations: registrations,
	}

	signed, err := jwt.Signed(s.signer).Claims(std).Claims(custom).Serialize()
	if err != nil {
		return "", fmt.Errorf("serialize token: %w", err)
	}
	return signed, nil
}

// Validate verifies the signature against the service's own public key and
// checks issuer, audience, expiry, issue time, and token type. Errors match
// both domain.ErrInvalidInternalToken and a TokenValidationError reason.
func (s *Service) Validate(token string) (*jwt.Claims, *Claims, error) {
	parsed, err := jwt.ParseSigned(token, []jose.SignatureAlgorithm{jose.RS256})
	if err != nil {
		return nil, nil, invalid(domain.ReasonMalformed)
	}

	var std jwt.Claims
	var custom Claims
	if err := parsed.Claims(&s.key.PublicKey, &std, &custom); err != nil {
		return nil, nil, invalid(domain.ReasonBadSignature)
	}

	if std.Issuer != s.issuer {
		return nil, nil, invalid(domain.ReasonIssuerMismatch)
	}
	if !std.Audience.Contains(s.audience) {
		return nil, nil, invalid(domain.ReasonAudienceMismatch)
	}
	now := time.Now()
	if std.Expiry == nil || std.Expiry.Time().Before(now) {
		return nil, nil, invalid(domain.ReasonExpired)
	}
	if std.IssuedAt != nil && std.IssuedAt.Time().After(now) {
		return nil, nil, invalid(domain.ReasonNotYetValid)
	}
	if custom.TokenType != TypeAccess && custom.TokenType != TypeRefresh {
		return nil, nil, invalid(domain.ReasonBadTokenType)
	}

	return &std, &custom, nil
}

// IsInternalToken reports whether token looks broker-minted: issuer,
// audience, and token type all present. No signature check; classification
// only, validation happens in Validate.
func (s *Service) IsInternalToken(token string) bool {
	parsed, err := jwt.ParseSigned(token, []jose.SignatureAlgorithm{jose.RS256})
	if err != nil {
		return false
	}
	var std jwt.Claims
	var custom Claims
	if err := parsed.UnsafeClaimsWithoutVerification(&std, &custom); err != nil {
		return false
	}
	return std.Issuer == s.issuer && std.Audience.Contains(s.audience) && custom.TokenType != ""
}

// JWKS exports the public half of the signing key as a key set.
func (s *Service) JWKS() jose.JSONWebKeySet {
	public := jose.JSONWebKey{
		Key:       &s.key.PublicKey,
		KeyID:     s.kid,
		Use:       "sig",
		Algorithm: string(jose.RS256),
	}
	return jose.JSONWebKeySet{Keys: []jose.JSONWebKey{public}}
}

func invalid(reason string) error {
	return domain.NewTokenValidationError(reason, domain.ErrInvalidInternalToken)
}

// loadSigningKey returns nil when no key material is configured.
func loadSigningKey(cfg config.Config) (*rsa.PrivateKey, error) {
	pemData := []byte(cfg.SigningKeyPEM)
	if len(pemData) == 0 && cfg.SigningKeyFile != "" {
		data, err := os.ReadFile(cfg.SigningKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read signing key file: %w", err)
		}
		pemData = data
	}
	if len(pemData) == 0 {
		return nil, nil
	}

	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("signing key: no PEM block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("signing key: not an RSA private key")
	}
	return key, nil
}

// keyID derives a stable key id from the public key so a reloaded key keeps
// its kid across restarts.
func keyID(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("derive key id: %w", err)
	}
	sum := sha256.Sum256(der)
	return base64.RawURLEncoding.EncodeToString(sum[:8]), nil
}
