package sso

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4/jwt"
	"go.uber.org/zap"

	"github.com/tradeport/sso-broker/internal/adapter/upstream"
	"github.com/tradeport/sso-broker/internal/config"
	"github.com/tradeport/sso-broker/internal/domain"
	"github.com/tradeport/sso-broker/internal/repository"
	"github.com/tradeport/sso-broker/internal/token"
)

// UpstreamValidator verifies upstream-issued tokens. Satisfied by
// jwks.Validator.
type UpstreamValidator interface {
	Validate(ctx context.Context, token string) (*jwt.Claims, error)
}

// SyncOutcome classifies one record's result in a sync run.
type SyncOutcome int

const (
	SyncSynced SyncOutcome = iota
	SyncSkipped
	SyncFailed
)

// AuthorizationResponse is returned when a login is initiated.
type AuthorizationResponse struct {
	AuthorizationURL string `json:"authorizationUrl"`
	State            string `json:"state"`
	Message          string `json:"message"`
}

// LoginResponse carries freshly minted broker tokens back to the client.
type LoginResponse struct {
	AccessToken      string `json:"accessToken"`
	RefreshToken     string `json:"refreshToken"`
	IDToken          string `json:"idToken,omitempty"`
	TokenType        string `json:"tokenType"`
	ExpiresInSeconds int64  `json:"expiresInSeconds"`
	OrgID            string `json:"orgId"`
	ProfileID        string `json:"profileId"`
}

// UpstreamTokenInfo is the projection returned by upstream token validation.
type UpstreamTokenInfo struct {
	Valid     bool      `json:"valid"`
	ProfileID string    `json:"profileId,omitempty"`
	Issuer    string    `json:"issuer,omitempty"`
	Audience  []string  `json:"audience,omitempty"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

// ExchangeService orchestrates the broker's token-exchange and session
// lifecycle flows.
type ExchangeService interface {
	Authorize(ctx context.Context, state string) (*AuthorizationResponse, error)
	Callback(ctx context.Context, code, state string) (*LoginResponse, error)
	Profile(ctx context.Context, accessToken string) (*domain.SessionRecord, error)
	Refresh(ctx context.Context, refreshToken string) (*LoginResponse, error)
	OrgProfile(ctx context.Context, orgID, serviceToken string) (*domain.SessionRecord, error)
	OrgTradingStatus(ctx context.Context, orgID, serviceToken string) (bool, error)
	ValidateUpstreamToken(ctx context.Context, upstreamToken string) (*UpstreamTokenInfo, error)
	Revoke(ctx context.Context, profileID string) error
	SyncProfile(ctx context.Context, record domain.SessionRecord) (SyncOutcome, error)
	MarkExpiredTokens(ctx context.Context, now time.Time) (int64, error)
}

type exchangeService struct {
	pkce      repository.PKCEStore
	client    upstream.Client
	validator UpstreamValidator
	tokens    *token.Service
	repo      repository.SessionRepository
	cfg       config.Config
	logger    *zap.Logger
	locks     keyedMutex
}

// NewExchangeService wires the exchange service implementation.
func NewExchangeService(
	pkce repository.PKCEStore,
	client upstream.Client,
	validator UpstreamValidator,
	tokens *token.Service,
	repo repository.SessionRepository,
	cfg config.Config,
	logger *zap.Logger,
) ExchangeService {
	if logger == nil {
		logger = zap.L()
	}
	return &exchangeService{
		pkce:      pkce,
		client:    client,
		validator: validator,
		tokens:    tokens,
		repo:      repo,
		cfg:       cfg,
		logger:    logger,
	}
}

// Authorize generates the PKCE pair, stores the verifier under state, and
// builds the upstream authorization URL.
func (s *exchangeService) Authorize(ctx context.Context, state string) (*AuthorizationResponse, error) {
	state = strings.TrimSpace(state)
	if state == "" {
		return nil, fmt.Errorf("state is required")
	}

	codeVerifier, err := secureRandomString(32)
	if err != nil {
		return nil, fmt.Errorf("generate pkce verifier: %w", err)
	}
	codeChallenge := pkceChallenge(codeVerifier)

	if err := s.pkce.Save(ctx, state, codeVerifier, s.cfg.PKCETTL); err != nil {
		return nil, fmt.Errorf("persist pkce verifier: %w", err)
	}

	authURL, err := url.Parse(s.cfg.UpstreamAuthURL)
	if err != nil {
		return nil, fmt.Errorf("parse auth url: %w", err)
	}
	params := authURL.Query()
	params.Set("response_type", "code")
	params.Set("client_id", s.cfg.UpstreamClientID)
	params.Set("redirect_uri", s.cfg.RedirectURI)
	params.Set("scope", s.cfg.Scope)
	params.Set("state", state)
	params.Set("code_challenge", codeChallenge)
	params.Set("code_challenge_method", "S256")
	authURL.RawQuery = params.Encode()

	s.logger.Info("authorization url generated", zap.String("state", state))

	return &AuthorizationResponse{
		AuthorizationURL: authURL.String(),
		State:            state,
		Message:          "Redirect user to authorizationUrl to login via the identity provider",
	}, nil
}

// Callback consumes the PKCE state, exchanges the authorization code,
// validates the upstream ID token, persists the session record, and mints
// broker tokens.
func (s *exchangeService) Callback(ctx context.Context, code, state string) (*LoginResponse, error) {
	codeVerifier, err := s.pkce.Consume(ctx, state)
	if err != nil {
		if errors.Is(err, domain.ErrStateNotFound) {
			s.logger.Warn("pkce verifier not found or expired", zap.String("state", state))
			return nil, domain.ErrStateNotFound
		}
		return nil, fmt.Errorf("consume pkce verifier: %w", err)
	}

	tokenSet, err := s.client.ExchangeCode(ctx, code, codeVerifier)
	if err != nil {
		return nil, err
	}

	idClaims, err := s.validator.Validate(ctx, tokenSet.IDToken)
	if err != nil {
		s.logger.Error("id token validation failed", zap.Error(err))
		return nil, err
	}
	profileID := idClaims.Subject
	jti := idClaims.ID

	// Access tokens may be opaque; validation is best effort.
	if _, err := s.validator.Validate(ctx, tokenSet.AccessToken); err != nil {
		s.logger.Debug("access token validation skipped", zap.String("reason", domain.ValidationReason(err)))
	}

	profile, err := s.client.FetchProfile(ctx, tokenSet.AccessToken)
	if err != nil {
		return nil, err
	}
	normalizeIdentity(&profile, profileID)

	unlock := s.locks.Lock(profileID)
	defer unlock()

	record, err := s.repo.GetByProfileID(ctx, profileID)
	if err != nil {
		if !errors.Is(err, domain.ErrRecordNotFound) {
			return nil, fmt.Errorf("load session record: %w", err)
		}
		record = domain.SessionRecord{
			ProfileID:  profileID,
			OrgID:      profile.OrgID,
			Email:      profile.Email,
			SyncStatus: domain.SyncStatusPending,
		}
	}

	now := time.Now().UTC()
	record.ApplyProfile(profile, now)
	record.Upstream = tokenSet
	record.JTI = jti
	record.TokenStatus = domain.TokenStatusActive
	record.LastLoginOn = &now

	accessToken, refreshToken, err := s.mintTokens(record.ProfileID, record.OrgID, profile)
	if err != nil {
		return nil, err
	}
	record.CustomAccessToken = accessToken
	record.CustomRefreshToken = refreshToken

	if _, err := s.repo.Upsert(ctx, record); err != nil {
		return nil, fmt.Errorf("persist session record: %w", err)
	}

	s.logger.Info("token exchange completed", zap.String("profile_id", profileID), zap.String("org_id", record.OrgID))

	return s.loginResponse(accessToken, refreshToken, tokenSet.IDToken, record), nil
}

// Profile resolves the session record behind a broker access token. The
// lookup goes through the stored token, so a revoked session or a rotated
// access token stops resolving even while its signature is still valid.
func (s *exchangeService) Profile(ctx context.Context, accessToken string) (*domain.SessionRecord, error) {
	_, custom, err := s.tokens.Validate(accessToken)
	if err != nil {
		return nil, err
	}
	if custom.TokenType != token.TypeAccess {
		return nil, domain.NewTokenValidationError(domain.ReasonBadTokenType, domain.ErrInvalidInternalToken)
	}

	record, err := s.repo.GetByCustomAccessToken(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	// The stored ID token may have lapsed; a future login refreshes it.
	if record.Upstream.IDToken != "" {
		if _, err := s.validator.Validate(ctx, record.Upstream.IDToken); err != nil {
			s.logger.Warn("stored id token no longer valid",
				zap.String("profile_id", record.ProfileID),
				zap.String("reason", domain.ValidationReason(err)))
		}
	}
	return &record, nil
}

// Refresh validates a broker refresh token, refreshes the upstream token set
// when it is near expiry, re-syncs the profile, and mints a new token pair.
func (s *exchangeService) Refresh(ctx context.Context, refreshToken string) (*LoginResponse, error) {
	std, custom, err := s.tokens.Validate(refreshToken)
	if err != nil {
		return nil, err
	}
	if custom.TokenType != token.TypeRefresh {
		return nil, domain.NewTokenValidationError(domain.ReasonBadTokenType, domain.ErrInvalidInternalToken)
	}
	profileID := std.Subject

	unlock := s.locks.Lock(profileID)
	defer unlock()

	// Resolving through the stored token rejects rotated and revoked refresh
	// tokens even when their signature still verifies.
	record, err := s.repo.GetByCustomRefreshToken(ctx, refreshToken)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if record.Upstream.ExpiresWithin(s.cfg.UpstreamExpiryBuffer, now) {
		s.logger.Info("upstream token near expiry, refreshing", zap.String("profile_id", profileID))
		refreshed, err := s.client.Refresh(ctx, record.Upstream.RefreshToken)
		if err != nil {
			return nil, err
		}
		if refreshed.RefreshToken == "" {
			refreshed.RefreshToken = record.Upstream.RefreshToken
		}
		if _, err := s.validator.Validate(ctx, refreshed.IDToken); err != nil {
			s.logger.Error("refreshed id token validation failed", zap.Error(err))
			return nil, err
		}
		record.Upstream = refreshed
	}

	profile, err := s.client.FetchProfile(ctx, record.Upstream.AccessToken)
	if err != nil {
		return nil, err
	}
	normalizeIdentity(&profile, profileID)
	record.ApplyProfile(profile, now)

	accessToken, newRefreshToken, err := s.mintTokens(record.ProfileID, record.OrgID, profile)
	if err != nil {
		return nil, err
	}
	record.CustomAccessToken = accessToken
	record.CustomRefreshToken = newRefreshToken
	record.TokenStatus = domain.TokenStatusActive

	if _, err := s.repo.Upsert(ctx, record); err != nil {
		return nil, fmt.Errorf("persist session record: %w", err)
	}

	s.logger.Info("token refresh completed", zap.String("profile_id", profileID))

	return s.loginResponse(accessToken, newRefreshToken, record.Upstream.IDToken, record), nil
}

// OrgProfile refetches the organization-level profile and upserts its
// record. The caller authenticates with a broker service token.
func (s *exchangeService) OrgProfile(ctx context.Context, orgID, serviceToken string) (*domain.SessionRecord, error) {
	if _, _, err := s.tokens.Validate(serviceToken); err != nil {
		return nil, err
	}

	profile, err := s.client.FetchProfile(ctx, "")
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock("org:" + orgID)
	defer unlock()

	record, err := s.repo.GetByOrgID(ctx, orgID)
	if err != nil {
		if !errors.Is(err, domain.ErrRecordNotFound) {
			return nil, fmt.Errorf("load org record: %w", err)
		}
		record = domain.SessionRecord{OrgID: orgID, SyncStatus: domain.SyncStatusPending}
	}

	now := time.Now().UTC()
	record.ApplyProfile(profile, now)
	if record.OrgID == "" {
		record.OrgID = orgID
	}

	saved, err := s.repo.Upsert(ctx, record)
	if err != nil {
		return nil, fmt.Errorf("persist org record: %w", err)
	}

	s.logger.Info("organization profile updated", zap.String("org_id", orgID))
	return &saved, nil
}

// OrgTradingStatus reports whether any profile in the organization is
// cleared for trading. The caller authenticates with a broker service token.
func (s *exchangeService) OrgTradingStatus(ctx context.Context, orgID, serviceToken string) (bool, error) {
	if _, _, err := s.tokens.Validate(serviceToken); err != nil {
		return false, err
	}
	return s.repo.IsOrganizationActiveForTrading(ctx, orgID, time.Now().UTC())
}

// ValidateUpstreamToken inspects an upstream-issued token and reports its
// claims without failing the request on an invalid token.
func (s *exchangeService) ValidateUpstreamToken(ctx context.Context, upstreamToken string) (*UpstreamTokenInfo, error) {
	claims, err := s.validator.Validate(ctx, upstreamToken)
	if err != nil {
		return nil, err
	}
	info := &UpstreamTokenInfo{
		Valid:     true,
		ProfileID: claims.Subject,
		Issuer:    claims.Issuer,
		Audience:  claims.Audience,
	}
	if claims.Expiry != nil {
		info.ExpiresAt = claims.Expiry.Time()
	}
	return info, nil
}

// Revoke clears the broker tokens for a profile and marks it REVOKED.
func (s *exchangeService) Revoke(ctx context.Context, profileID string) error {
	unlock := s.locks.Lock(profileID)
	defer unlock()
	return s.repo.RevokeCustomTokens(ctx, profileID, time.Now().UTC())
}

// SyncProfile reconciles one session record with the upstream provider.
// A lapsed stored ID token skips the record untouched; fetch or persistence
// errors fail it. The caller records failures.
func (s *exchangeService) SyncProfile(ctx context.Context, record domain.SessionRecord) (SyncOutcome, error) {
	if _, err := s.validator.Validate(ctx, record.Upstream.IDToken); err != nil {
		s.logger.Warn("id token lapsed, skipping sync",
			zap.String("profile_id", record.ProfileID),
			zap.String("reason", domain.ValidationReason(err)))
		return SyncSkipped, nil
	}

	profile, err := s.client.FetchProfile(ctx, record.Upstream.AccessToken)
	if err != nil {
		return SyncFailed, err
	}

	unlock := s.locks.Lock(record.ProfileID)
	defer unlock()

	current, err := s.repo.GetByProfileID(ctx, record.ProfileID)
	if err != nil {
		return SyncFailed, err
	}

	now := time.Now().UTC()
	normalizeIdentity(&profile, current.ProfileID)
	current.ApplyProfile(profile, now)
	current.SyncStatus = domain.SyncStatusSuccess
	current.SyncErrorMessage = ""

	if _, err := s.repo.Upsert(ctx, current); err != nil {
		return SyncFailed, err
	}
	return SyncSynced, nil
}

// MarkExpiredTokens bulk-expires ACTIVE records whose upstream token expiry
// has passed.
func (s *exchangeService) MarkExpiredTokens(ctx context.Context, now time.Time) (int64, error) {
	return s.repo.MarkExpiredTokens(ctx, now)
}

func (s *exchangeService) mintTokens(profileID, orgID string, profile domain.ProfileAttributes) (string, string, error) {
	accessToken, err := s.tokens.MintAccessToken(profileID, orgID, profile.RegistrationsClaim())
	if err != nil {
		return "", "", fmt.Errorf("mint access token: %w", err)
	}
	refreshToken, err := s.tokens.MintRefreshToken(profileID, orgID)
	if err != nil {
		return "", "", fmt.Errorf("mint refresh token: %w", err)
	}
	return accessToken, refreshToken, nil
}

func (s *exchangeService) loginResponse(accessToken, refreshToken, idToken string, record domain.SessionRecord) *LoginResponse {
	return &LoginResponse{
		AccessToken:      accessToken,
		RefreshToken:     refreshToken,
		IDToken:          idToken,
		TokenType:        "Bearer",
		ExpiresInSeconds: int64(s.cfg.AccessTokenTTL.Seconds()),
		OrgID:            record.OrgID,
		ProfileID:        record.ProfileID,
	}
}

// normalizeIdentity fills the identity keys the upstream profile may omit.
func normalizeIdentity(profile *domain.ProfileAttributes, profileID string) {
	if profile.ProfileID == "" {
		profile.ProfileID = profileID
	}
	if profile.Email == "" {
		profile.Email = profile.ProfileID + "@exchange.local"
	}
	if profile.OrgID == "" {
		profile.OrgID = profile.ProfileID
	}
}

func secureRandomString(size int) (string, error) {
	if size <= 0 {
		size = 32
	}
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func pkceChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
