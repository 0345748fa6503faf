package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrStateNotFound signals an expired or unknown PKCE state parameter.
	ErrStateNotFound = errors.New("sso: expired or unknown state")
	// ErrUpstreamExchange indicates the upstream token endpoint rejected the grant.
	ErrUpstreamExchange = errors.New("sso: upstream token exchange failed")
	// ErrProfileFetch indicates the upstream profile endpoint could not be read.
	ErrProfileFetch = errors.New("sso: upstream profile fetch failed")
	// ErrJWKSFetch indicates the upstream key set could not be fetched.
	ErrJWKSFetch = errors.New("sso: jwks fetch failed")
	// ErrInvalidInternalToken indicates a broker-minted token failed validation.
	ErrInvalidInternalToken = errors.New("sso: invalid internal token")
	// ErrRecordNotFound signals a missing session record.
	ErrRecordNotFound = errors.New("sso: session record not found")
)

// Validation reason codes attached to TokenValidationError.
const (
	ReasonMalformed        = "malformed"
	ReasonBadSignature     = "bad-signature"
	ReasonUnknownKey       = "unknown-key"
	ReasonIssuerMismatch   = "issuer-mismatch"
	ReasonAudienceMismatch = "audience-mismatch"
	ReasonExpired          = "expired"
	ReasonNotYetValid      = "not-yet-valid"
	ReasonBadTokenType     = "bad-token-type"
)

// TokenValidationError carries the reason a token was rejected.
type TokenValidationError struct {
	Reason string
	Err    error
}

func (e *TokenValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("sso: token validation failed (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("sso: token validation failed (%s)", e.Reason)
}

func (e *TokenValidationError) Unwrap() error { return e.Err }

// NewTokenValidationError builds a TokenValidationError with a reason code.
func NewTokenValidationError(reason string, err error) *TokenValidationError {
	return &TokenValidationError{Reason: reason, Err: err}
}

// ValidationReason extracts the reason code from err, or "" when err is not
// a TokenValidationError.
func ValidationReason(err error) string {
	var tve *TokenValidationError
	if errors.As(err, &tve) {
		return tve.Reason
	}
	return ""
}
