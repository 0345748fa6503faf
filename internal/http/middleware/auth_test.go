package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tradeport/sso-broker/internal/config"
	"github.com/tradeport/sso-broker/internal/http/middleware"
	"github.com/tradeport/sso-broker/internal/token"
)

type authFixture struct {
	auth   *middleware.Auth
	tokens *token.Service
	legacy *token.LegacyService
	router *gin.Engine
}

const legacyTestSecret = "0123456789abcdef0123456789abcdef"

// expiredLegacyMinter signs with the fixture's secret but a one-nanosecond
// TTL, so its tokens are already expired when the middleware sees them.
func expiredLegacyMinter(t *testing.T) *token.LegacyService {
	t.Helper()
	minter, err := token.NewLegacyService(legacyTestSecret, time.Nanosecond, time.Nanosecond)
	require.NoError(t, err)
	return minter
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	tokens, err := token.NewService(config.Config{
		TokenIssuer:     "https://exchange.test.local",
		TokenAudience:   "TRADE_EXCHANGE",
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: 24 * time.Hour,
	}, zap.NewNop())
	require.NoError(t, err)

	legacy, err := token.NewLegacyService(legacyTestSecret, time.Minute, time.Hour)
	require.NoError(t, err)

	auth := &middleware.Auth{Tokens: tokens, Legacy: legacy, Logger: zap.NewNop()}

	router := gin.New()
	router.GET("/whoami", auth.Authenticate, func(c *gin.Context) {
		identity, ok := middleware.GetIdentity(c)
		if !ok {
			c.JSON(http.StatusOK, gin.H{"anonymous": true})
			return
		}
		c.JSON(http.StatusOK, gin.H{"profileId": identity.ProfileID, "orgId": identity.OrgID, "legacy": identity.Legacy})
	})
	router.GET("/private", auth.Authenticate, middleware.RequireIdentity, func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	return &authFixture{auth: auth, tokens: tokens, legacy: legacy, router: router}
}

func (f *authFixture) request(t *testing.T, path, accessToken, refreshToken string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
	if refreshToken != "" {
		req.Header.Set(middleware.HeaderRefreshToken, refreshToken)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestAuth_InternalToken(t *testing.T) {
	f := newAuthFixture(t)
	signed, err := f.tokens.MintAccessToken("profile-1", "org-9", map[string]any{"status": "Active"})
	require.NoError(t, err)

	w := f.request(t, "/whoami", signed, "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"profileId":"profile-1"`)
	require.Contains(t, w.Body.String(), `"orgId":"org-9"`)
	require.Contains(t, w.Body.String(), `"legacy":false`)
}

func TestAuth_MissingTokenIsAnonymous(t *testing.T) {
	f := newAuthFixture(t)

	w := f.request(t, "/whoami", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "anonymous")

	w = f.request(t, "/private", "", "")
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_GarbageTokenIsAnonymous(t *testing.T) {
	f := newAuthFixture(t)

	w := f.request(t, "/whoami", "garbage-token", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "anonymous")
}

func TestAuth_LegacyAccessToken(t *testing.T) {
	f := newAuthFixture(t)
	signed, err := f.legacy.MintAccessToken("profile-1", "org-9", "TRADER")
	require.NoError(t, err)

	w := f.request(t, "/whoami", signed, "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"profileId":"profile-1"`)
	require.Contains(t, w.Body.String(), `"legacy":true`)
	require.Empty(t, w.Header().Get(middleware.HeaderNewAccessToken))
}

func TestAuth_LegacyRefreshTokenRejectedAsAccess(t *testing.T) {
	f := newAuthFixture(t)
	refresh, err := f.legacy.MintRefreshToken("profile-1", "org-9", "")
	require.NoError(t, err)

	w := f.request(t, "/whoami", refresh, "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "anonymous")
}

func TestAuth_ExpiredLegacyAccessRenewedByRefresh(t *testing.T) {
	f := newAuthFixture(t)

	expired, err := expiredLegacyMinter(t).MintAccessToken("profile-1", "org-9", "TRADER")
	require.NoError(t, err)
	refresh, err := f.legacy.MintRefreshToken("profile-1", "org-9", "TRADER")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	w := f.request(t, "/whoami", expired, refresh)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"profileId":"profile-1"`)

	renewed := w.Header().Get(middleware.HeaderNewAccessToken)
	require.NotEmpty(t, renewed)
	require.True(t, f.legacy.IsValidAccessToken(renewed))

	subject, err := f.legacy.Subject(renewed)
	require.NoError(t, err)
	require.Equal(t, "profile-1", subject)
}

func TestAuth_ExpiredLegacyAccessWithoutRefreshIsAnonymous(t *testing.T) {
	f := newAuthFixture(t)

	expired, err := expiredLegacyMinter(t).MintAccessToken("profile-1", "org-9", "")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	w := f.request(t, "/whoami", expired, "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "anonymous")
	require.Empty(t, w.Header().Get(middleware.HeaderNewAccessToken))
}

func TestAuth_ExpiredLegacyAccessWithAccessTokenInRefreshHeader(t *testing.T) {
	f := newAuthFixture(t)

	expired, err := expiredLegacyMinter(t).MintAccessToken("profile-1", "org-9", "")
	require.NoError(t, err)
	liveAccess, err := f.legacy.MintAccessToken("profile-1", "org-9", "")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	// A live access token smuggled into the refresh header must not renew.
	w := f.request(t, "/whoami", expired, liveAccess)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "anonymous")
}
