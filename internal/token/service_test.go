package token

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tradeport/sso-broker/internal/config"
	"github.com/tradeport/sso-broker/internal/domain"
)

func testConfig() config.Config {
	return config.Config{
		TokenIssuer:     "https://exchange.test.local",
		TokenAudience:   "TRADE_EXCHANGE",
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: 24 * time.Hour,
	}
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(testConfig(), zap.NewNop())
	require.NoError(t, err)
	return svc
}

func TestService_MintAndValidateAccessToken(t *testing.T) {
	svc := newTestService(t)

	registrations := map[string]any{"status": "Active", "exchange_access": "allowed"}
	signed, err := svc.MintAccessToken("profile-1", "org-9", registrations)
	require.NoError(t, err)
	require.NotEmpty(t, signed)

	std, custom, err := svc.Validate(signed)
	require.NoError(t, err)
	require.Equal(t, "profile-1", std.Subject)
	require.Equal(t, "https://exchange.test.local", std.Issuer)
	require.True(t, std.Audience.Contains("TRADE_EXCHANGE"))
	require.NotEmpty(t, std.ID)
	require.Equal(t, "org-9", custom.OrgID)
	require.Equal(t, TypeAccess, custom.TokenType)
	require.Equal(t, "Active", custom.Registrations["status"])
}

func TestService_RefreshTokenCarriesNoRegistrations(t *testing.T) {
	svc := newTestService(t)

	signed, err := svc.MintRefreshToken("profile-1", "org-9")
	require.NoError(t, err)

	_, custom, err := svc.Validate(signed)
	require.NoError(t, err)
	require.Equal(t, TypeRefresh, custom.TokenType)
	require.Empty(t, custom.Registrations)
}

func TestService_ValidateRejectsExpired(t *testing.T) {
	svc := newTestService(t)

	signed, err := svc.mint("profile-1", "org-9", TypeAccess, -time.Minute, nil)
	require.NoError(t, err)

	_, _, err = svc.Validate(signed)
	require.Error(t, err)
	require.True(t, errors.Is(err, domain.ErrInvalidInternalToken))
	require.Equal(t, domain.ReasonExpired, domain.ValidationReason(err))
}

func TestService_ValidateRejectsForeignSignature(t *testing.T) {
	minter := newTestService(t)
	verifier := newTestService(t)

	signed, err := minter.MintAccessToken("profile-1", "org-9", nil)
	require.NoError(t, err)

	_, _, err = verifier.Validate(signed)
	require.Error(t, err)
	require.Equal(t, domain.ReasonBadSignature, domain.ValidationReason(err))
}

func TestService_ValidateRejectsUnknownTokenType(t *testing.T) {
	svc := newTestService(t)

	signed, err := svc.mint("profile-1", "org-9", "session", time.Minute, nil)
	require.NoError(t, err)

	_, _, err = svc.Validate(signed)
	require.Error(t, err)
	require.Equal(t, domain.ReasonBadTokenType, domain.ValidationReason(err))
}

func TestService_ValidateRejectsGarbage(t *testing.T) {
	svc := newTestService(t)

	_, _, err := svc.Validate("not-a-jwt")
	require.Error(t, err)
	require.Equal(t, domain.ReasonMalformed, domain.ValidationReason(err))
}

func TestService_IsInternalToken(t *testing.T) {
	svc := newTestService(t)

	signed, err := svc.MintAccessToken("profile-1", "org-9", nil)
	require.NoError(t, err)
	require.True(t, svc.IsInternalToken(signed))

	legacy, err := NewLegacyService("legacy-secret-legacy-secret-123456", time.Minute, time.Hour)
	require.NoError(t, err)
	legacyToken, err := legacy.MintAccessToken("profile-1", "org-9", "TRADER")
	require.NoError(t, err)
	require.False(t, svc.IsInternalToken(legacyToken))

	require.False(t, svc.IsInternalToken("junk"))
}

func TestService_SigningKeyLoadedFromPEMIsStable(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pemData := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})

	cfg := testConfig()
	cfg.SigningKeyPEM = string(pemData)

	first, err := NewService(cfg, zap.NewNop())
	require.NoError(t, err)
	require.True(t, first.key.Equal(key))
	second, err := NewService(cfg, zap.NewNop())
	require.NoError(t, err)

	// Same key material keeps both the kid and old signatures valid.
	require.Equal(t, first.kid, second.kid)

	signed, err := first.MintAccessToken("profile-1", "org-9", nil)
	require.NoError(t, err)
	_, _, err = second.Validate(signed)
	require.NoError(t, err)
}

func TestService_JWKSExportsSigningKey(t *testing.T) {
	svc := newTestService(t)

	set := svc.JWKS()
	require.Len(t, set.Keys, 1)
	require.Equal(t, svc.kid, set.Keys[0].KeyID)
	require.Equal(t, "sig", set.Keys[0].Use)
	require.Equal(t, "RS256", set.Keys[0].Algorithm)
	require.True(t, set.Keys[0].IsPublic())
}
