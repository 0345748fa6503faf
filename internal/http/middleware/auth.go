package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tradeport/sso-broker/internal/token"
)

const (
	identityKey = "authIdentity"

	// HeaderRefreshToken carries a legacy refresh token alongside an expired
	// legacy access token.
	HeaderRefreshToken = "X-Refresh-Token"
	// HeaderNewAccessToken returns a renewed legacy access token to the caller.
	HeaderNewAccessToken = "X-New-Access-Token"
)

// Identity is the authenticated principal attached to the request context.
type Identity struct {
	ProfileID     string
	OrgID         string
	Registrations map[string]any
	Legacy        bool
}

// Auth resolves the caller's identity from either a broker-issued RSA token
// or a legacy HMAC token. Resolution is best effort: a missing or invalid
// token leaves the request anonymous and lets the handler decide.
type Auth struct {
	Tokens *token.Service
	Legacy *token.LegacyService
	Logger *zap.Logger
}

// Authenticate populates the request identity when a usable token is present.
func (m *Auth) Authenticate(c *gin.Context) {
	raw := BearerToken(c)
	if raw == "" {
		c.Next()
		return
	}

	if m.Tokens.IsInternalToken(raw) {
		std, custom, err := m.Tokens.Validate(raw)
		if err != nil {
			m.Logger.Debug("internal token rejected", zap.Error(err))
			c.Next()
			return
		}
		c.Set(identityKey, &Identity{
			ProfileID:     std.Subject,
			OrgID:         custom.OrgID,
			Registrations: custom.Registrations,
		})
		c.Next()
		return
	}

	m.authenticateLegacy(c, raw)
	c.Next()
}

// authenticateLegacy handles the HMAC token path, including silent renewal
// of an expired access token when the companion refresh token still holds.
func (m *Auth) authenticateLegacy(c *gin.Context, raw string) {
	subject, err := m.Legacy.Subject(raw)
	if err != nil || subject == "" {
		return
	}

	if _, claims, err := m.Legacy.Validate(raw); err == nil {
		if claims.TokenType != token.LegacyTypeAccess {
			return
		}
		c.Set(identityKey, &Identity{ProfileID: subject, OrgID: claims.OrgID, Legacy: true})
		return
	}

	refresh := c.GetHeader(HeaderRefreshToken)
	if refresh == "" {
		return
	}
	_, refreshClaims, err := m.Legacy.Validate(refresh)
	if err != nil || refreshClaims.TokenType != token.LegacyTypeRefresh {
		return
	}

	renewed, err := m.Legacy.MintAccessToken(subject, refreshClaims.OrgID, refreshClaims.Roles)
	if err != nil {
		m.Logger.Warn("legacy token renewal failed", zap.String("subject", subject), zap.Error(err))
		return
	}
	c.Header(HeaderNewAccessToken, renewed)
	c.Set(identityKey, &Identity{ProfileID: subject, OrgID: refreshClaims.OrgID, Legacy: true})
}

// RequireIdentity aborts with 401 when no identity was resolved upstream.
func RequireIdentity(c *gin.Context) {
	if _, ok := GetIdentity(c); !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token", "error_description": "Valid access token required."})
		return
	}
	c.Next()
}

// GetIdentity exposes the resolved identity to handlers.
func GetIdentity(c *gin.Context) (*Identity, bool) {
	value, ok := c.Get(identityKey)
	if !ok {
		return nil, false
	}
	identity, ok := value.(*Identity)
	return identity, ok
}

// BearerToken extracts the bare token from the Authorization header.
func BearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}
