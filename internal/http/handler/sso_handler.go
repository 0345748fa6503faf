package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tradeport/sso-broker/internal/domain"
	"github.com/tradeport/sso-broker/internal/http/middleware"
	"github.com/tradeport/sso-broker/internal/service/sso"
	"github.com/tradeport/sso-broker/internal/token"
)

// SSOHandler exposes the token-exchange endpoints.
type SSOHandler struct {
	Service sso.ExchangeService
	Tokens  *token.Service
	Logger  *zap.Logger
}

// NewSSOHandler creates the handler set.
func NewSSOHandler(service sso.ExchangeService, tokens *token.Service, logger *zap.Logger) *SSOHandler {
	return &SSOHandler{Service: service, Tokens: tokens, Logger: logger}
}

// Authorize starts a login by returning the upstream authorization URL.
func (h *SSOHandler) Authorize(c *gin.Context) {
	state := c.Query("state")
	if state == "" {
		state = uuid.NewString()
	}

	resp, err := h.Service.Authorize(c.Request.Context(), state)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Callback completes a login from the provider redirect.
func (h *SSOHandler) Callback(c *gin.Context) {
	var req struct {
		Code  string `json:"code" form:"code"`
		State string `json:"state" form:"state"`
	}
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "Invalid payload."})
		return
	}
	if req.Code == "" || req.State == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "code and state are required."})
		return
	}

	resp, err := h.Service.Callback(c.Request.Context(), req.Code, req.State)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Profile returns the session record bound to the presented access token.
func (h *SSOHandler) Profile(c *gin.Context) {
	raw := middleware.BearerToken(c)
	if raw == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_token", "error_description": "Authorization header missing or invalid."})
		return
	}

	record, err := h.Service.Profile(c.Request.Context(), raw)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

// Refresh rotates broker tokens, refreshing upstream tokens when they are
// close to expiry.
func (h *SSOHandler) Refresh(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refreshToken" form:"refreshToken"`
	}
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "Invalid payload."})
		return
	}
	if req.RefreshToken == "" {
		req.RefreshToken = c.GetHeader(middleware.HeaderRefreshToken)
	}
	if req.RefreshToken == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "refreshToken is required."})
		return
	}

	resp, err := h.Service.Refresh(c.Request.Context(), req.RefreshToken)
	if err != nil {
		if errors.Is(err, domain.ErrRecordNotFound) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_token", "error_description": "Refresh token is not bound to a session."})
			return
		}
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// OrgProfile fetches and persists an organization-scoped profile on behalf
// of a service caller.
func (h *SSOHandler) OrgProfile(c *gin.Context) {
	orgID := c.Param("orgId")
	if orgID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "orgId is required."})
		return
	}
	raw := middleware.BearerToken(c)
	if raw == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_token", "error_description": "Authorization header missing or invalid."})
		return
	}

	record, err := h.Service.OrgProfile(c.Request.Context(), orgID, raw)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

// OrgTradingStatus reports the organization's trading eligibility gate.
func (h *SSOHandler) OrgTradingStatus(c *gin.Context) {
	orgID := c.Param("orgId")
	if orgID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "orgId is required."})
		return
	}
	raw := middleware.BearerToken(c)
	if raw == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_token", "error_description": "Authorization header missing or invalid."})
		return
	}

	active, err := h.Service.OrgTradingStatus(c.Request.Context(), orgID, raw)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orgId": orgID, "activeForTrading": active})
}

// ValidateUpstreamToken inspects a provider-issued token. Failures are
// reported in-band so callers can branch on the verdict.
func (h *SSOHandler) ValidateUpstreamToken(c *gin.Context) {
	raw := middleware.BearerToken(c)
	if raw == "" {
		raw = c.Query("token")
	}
	if raw == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "token is required."})
		return
	}

	info, err := h.Service.ValidateUpstreamToken(c.Request.Context(), raw)
	if err != nil {
		reason := domain.ValidationReason(err)
		if reason == "" {
			reason = "invalid"
		}
		c.JSON(http.StatusOK, gin.H{"valid": false, "error": reason})
		return
	}
	c.JSON(http.StatusOK, info)
}

// Revoke drops the broker tokens of the authenticated session.
func (h *SSOHandler) Revoke(c *gin.Context) {
	profileID := ""
	if identity, ok := middleware.GetIdentity(c); ok {
		profileID = identity.ProfileID
	}
	if profileID == "" {
		var req struct {
			ProfileID string `json:"profileId" form:"profileId"`
		}
		if err := c.ShouldBind(&req); err == nil {
			profileID = req.ProfileID
		}
	}
	if profileID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "profileId is required."})
		return
	}

	if err := h.Service.Revoke(c.Request.Context(), profileID); err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Tokens revoked."})
}

// Health reports liveness.
func (h *SSOHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "UP", "service": "sso-broker"})
}

// JWKS publishes the broker's signing keys.
func (h *SSOHandler) JWKS(c *gin.Context) {
	c.JSON(http.StatusOK, h.Tokens.JWKS())
}

func (h *SSOHandler) writeServiceError(c *gin.Context, err error) {
	var validation *domain.TokenValidationError
	switch {
	case errors.As(err, &validation), errors.Is(err, domain.ErrInvalidInternalToken):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_token", "error_description": "Token could not be verified."})
	case errors.Is(err, domain.ErrStateNotFound):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "State is invalid or expired."})
	case errors.Is(err, domain.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "error_description": "Session record not found."})
	case errors.Is(err, domain.ErrUpstreamExchange), errors.Is(err, domain.ErrProfileFetch), errors.Is(err, domain.ErrJWKSFetch):
		h.Logger.Error("upstream call failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "upstream_error", "error_description": "Identity provider request failed."})
	default:
		h.Logger.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "Unexpected error."})
	}
}
