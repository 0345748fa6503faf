package token

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tradeport/sso-broker/internal/domain"
)

const legacyTestSecret = "0123456789abcdef0123456789abcdef"

func TestLegacyService_MintAndValidate(t *testing.T) {
	svc, err := NewLegacyService(legacyTestSecret, time.Minute, time.Hour)
	require.NoError(t, err)

	signed, err := svc.MintAccessToken("profile-1", "org-9", "TRADER")
	require.NoError(t, err)

	std, custom, err := svc.Validate(signed)
	require.NoError(t, err)
	require.Equal(t, "profile-1", std.Subject)
	require.Equal(t, LegacyTypeAccess, custom.TokenType)
	require.Equal(t, "org-9", custom.OrgID)
	require.Equal(t, "TRADER", custom.Roles)

	require.True(t, svc.IsValidAccessToken(signed))
	require.False(t, svc.IsValidRefreshToken(signed))
}

func TestLegacyService_SubjectSurvivesExpiry(t *testing.T) {
	svc, err := NewLegacyService(legacyTestSecret, time.Nanosecond, time.Hour)
	require.NoError(t, err)

	signed, err := svc.MintAccessToken("profile-1", "org-9", "")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	_, _, err = svc.Validate(signed)
	require.Error(t, err)
	require.Equal(t, domain.ReasonExpired, domain.ValidationReason(err))

	// Expiry does not hide the subject; renewal needs it.
	subject, err := svc.Subject(signed)
	require.NoError(t, err)
	require.Equal(t, "profile-1", subject)
}

func TestLegacyService_RejectsForeignSecret(t *testing.T) {
	minter, err := NewLegacyService(legacyTestSecret, time.Minute, time.Hour)
	require.NoError(t, err)
	verifier, err := NewLegacyService("another-secret-another-secret-12", time.Minute, time.Hour)
	require.NoError(t, err)

	signed, err := minter.MintAccessToken("profile-1", "", "")
	require.NoError(t, err)

	_, err = verifier.Subject(signed)
	require.Error(t, err)
	require.Equal(t, domain.ReasonBadSignature, domain.ValidationReason(err))
}

func TestLegacyService_RefreshTokenType(t *testing.T) {
	svc, err := NewLegacyService(legacyTestSecret, time.Minute, time.Hour)
	require.NoError(t, err)

	refresh, err := svc.MintRefreshToken("profile-1", "org-9", "TRADER")
	require.NoError(t, err)
	require.True(t, svc.IsValidRefreshToken(refresh))
	require.False(t, svc.IsValidAccessToken(refresh))
}

func TestLegacyService_EmptySecretStillFunctional(t *testing.T) {
	svc, err := NewLegacyService("", time.Minute, time.Hour)
	require.NoError(t, err)

	signed, err := svc.MintAccessToken("profile-1", "", "")
	require.NoError(t, err)
	require.True(t, svc.IsValidAccessToken(signed))
}
