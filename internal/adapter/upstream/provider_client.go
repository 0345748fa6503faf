package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/tradeport/sso-broker/internal/config"
	"github.com/tradeport/sso-broker/internal/domain"
)

// Tokens issued without an expires_in hint default to this lifetime.
const defaultExpiresIn = 900 * time.Second

// Client encapsulates outbound HTTP calls to the upstream identity provider.
type Client interface {
	ExchangeCode(ctx context.Context, code, codeVerifier string) (domain.UpstreamTokenSet, error)
	Refresh(ctx context.Context, refreshToken string) (domain.UpstreamTokenSet, error)
	FetchProfile(ctx context.Context, accessToken string) (domain.ProfileAttributes, error)
	FetchJWKS(ctx context.Context) (*jose.JSONWebKeySet, error)
}

// HTTPClient is the default HTTP implementation of Client.
type HTTPClient struct {
	httpClient *http.Client
	cfg        config.Config
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient constructs the default provider client. A nil client gets a
// bounded-timeout default so no upstream call can hang a request or a sync
// worker indefinitely.
func NewHTTPClient(client *http.Client, cfg config.Config) *HTTPClient {
	if client == nil {
		timeout := cfg.UpstreamTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPClient{httpClient: client, cfg: cfg}
}

// ExchangeCode performs the authorization-code grant with the PKCE verifier.
func (c *HTTPClient) ExchangeCode(ctx context.Context, code, codeVerifier string) (domain.UpstreamTokenSet, error) {
	data := url.Values{}
	data.Set("grant_type", "authorization_code")
	data.Set("code", code)
	data.Set("redirect_uri", c.cfg.RedirectURI)
	data.Set("client_id", c.cfg.UpstreamClientID)
	if c.cfg.UpstreamClientSecret != "" {
		data.Set("client_secret", c.cfg.UpstreamClientSecret)
	}
	if strings.TrimSpace(codeVerifier) != "" {
		data.Set("code_verifier", codeVerifier)
	}
	return c.tokenRequest(ctx, data)
}

// Refresh performs the refresh-token grant.
func (c *HTTPClient) Refresh(ctx context.Context, refreshToken string) (domain.UpstreamTokenSet, error) {
	data := url.Values{}
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", refreshToken)
	data.Set("client_id", c.cfg.UpstreamClientID)
	if c.cfg.UpstreamClientSecret != "" {
		data.Set("client_secret", c.cfg.UpstreamClientSecret)
	}
	return c.tokenRequest(ctx, data)
}

func (c *HTTPClient) tokenRequest(ctx context.Context, data url.Values) (domain.UpstreamTokenSet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.UpstreamTokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return domain.UpstreamTokenSet{}, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.UpstreamTokenSet{}, fmt.Errorf("%w: %v", domain.ErrUpstreamExchange, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.UpstreamTokenSet{}, fmt.Errorf("%w: read response: %v", domain.ErrUpstreamExchange, err)
	}
	if resp.StatusCode >= 300 {
		return domain.UpstreamTokenSet{}, fmt.Errorf("%w: status=%d", domain.ErrUpstreamExchange, resp.StatusCode)
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return domain.UpstreamTokenSet{}, fmt.Errorf("%w: decode response: %v", domain.ErrUpstreamExchange, err)
	}

	accessToken := stringValue(raw["access_token"])
	if accessToken == "" {
		return domain.UpstreamTokenSet{}, fmt.Errorf("%w: missing access_token", domain.ErrUpstreamExchange)
	}

	tokenType := stringValue(raw["token_type"])
	if tokenType == "" {
		tokenType = "Bearer"
	}

	return domain.UpstreamTokenSet{
		AccessToken:  accessToken,
		RefreshToken: stringValue(raw["refresh_token"]),
		IDToken:      stringValue(raw["id_token"]),
		TokenType:    tokenType,
		Scope:        stringValue(raw["scope"]),
		ExpiresAt:    time.Now().UTC().Add(expiresIn(raw["expires_in"])),
	}, nil
}

// FetchProfile loads the upstream profile endpoint bearing the access token
// and maps provider-specific field variants onto the canonical attribute set.
func (c *HTTPClient) FetchProfile(ctx context.Context, accessToken string) (domain.ProfileAttributes, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.UpstreamProfileURL, nil)
	if err != nil {
		return domain.ProfileAttributes{}, fmt.Errorf("build profile request: %w", err)
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.ProfileAttributes{}, fmt.Errorf("%w: %v", domain.ErrProfileFetch, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.ProfileAttributes{}, fmt.Errorf("%w: read response: %v", domain.ErrProfileFetch, err)
	}
	if resp.StatusCode >= 300 {
		return domain.ProfileAttributes{}, fmt.Errorf("%w: status=%d", domain.ErrProfileFetch, resp.StatusCode)
	}

	profile, err := NormalizeProfile(body)
	if err != nil {
		return domain.ProfileAttributes{}, fmt.Errorf("%w: %v", domain.ErrProfileFetch, err)
	}
	return profile, nil
}

// FetchJWKS retrieves the provider's published key set.
func (c *HTTPClient) FetchJWKS(ctx context.Context) (*jose.JSONWebKeySet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.UpstreamJWKSURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build jwks request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrJWKSFetch, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", domain.ErrJWKSFetch, err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: status=%d", domain.ErrJWKSFetch, resp.StatusCode)
	}

	var keySet jose.JSONWebKeySet
	if err := json.Unmarshal(body, &keySet); err != nil {
		return nil, fmt.Errorf("%w: decode key set: %v", domain.ErrJWKSFetch, err)
	}
	return &keySet, nil
}

// NormalizeProfile maps a raw upstream profile document onto the canonical
// attribute struct, resolving field aliases in one place instead of fallback
// getters scattered across call sites.
func NormalizeProfile(body []byte) (domain.ProfileAttributes, error) {
	var profile domain.ProfileAttributes
	if err := json.Unmarshal(body, &profile); err != nil {
		return domain.ProfileAttributes{}, fmt.Errorf("decode profile: %w", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return domain.ProfileAttributes{}, fmt.Errorf("decode profile: %w", err)
	}

	if profile.ProfileID == "" {
		profile.ProfileID = stringValue(raw["sub"])
	}
	if profile.Email == "" {
		profile.Email = stringValue(coalesce(raw["preferred_username"], raw["mail"]))
	}
	if profile.OrgID == "" {
		profile.OrgID = stringValue(raw["organization"])
	}
	if profile.CompanyName == "" {
		profile.CompanyName = stringValue(coalesce(raw["name"], raw["displayName"]))
	}
	return profile, nil
}

func expiresIn(input any) time.Duration {
	switch v := input.(type) {
	case float64:
		if v > 0 {
			return time.Duration(v) * time.Second
		}
	case json.Number:
		if n, err := v.Int64(); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return defaultExpiresIn
}

func stringValue(input any) string {
	switch v := input.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

func coalesce(values ...any) any {
	for _, v := range values {
		switch val := v.(type) {
		case string:
			if strings.TrimSpace(val) != "" {
				return v
			}
		case nil:
			continue
		default:
			return v
		}
	}
	return nil
}
