package domain

import (
	"encoding/json"
	"time"
)

// Token lifecycle states for a session record.
const (
	TokenStatusActive  = "ACTIVE"
	TokenStatusExpired = "EXPIRED"
	TokenStatusRevoked = "REVOKED"
	TokenStatusFailed  = "FAILED"
)

// Profile sync states for a session record.
const (
	SyncStatusPending = "PENDING"
	SyncStatusSuccess = "SUCCESS"
	SyncStatusFailed  = "FAILED"
)

// UpstreamTokenSet holds the tokens issued by the upstream identity provider.
// It is embedded in SessionRecord and never persisted on its own.
type UpstreamTokenSet struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	IDToken      string    `json:"idToken,omitempty"`
	TokenType    string    `json:"tokenType"`
	Scope        string    `json:"scope,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// ExpiresWithin reports whether the upstream access token expires inside the
// given buffer. A zero expiry counts as expired.
func (t UpstreamTokenSet) ExpiresWithin(buffer time.Duration, now time.Time) bool {
	if t.ExpiresAt.IsZero() {
		return true
	}
	return t.ExpiresAt.Before(now.Add(buffer))
}

// SessionRecord is the durable per-profile entity tracking upstream and
// broker token state. At most one non-deleted record exists per ProfileID;
// the core only performs soft status transitions, never hard deletes.
type SessionRecord struct {
	ID        int64  `json:"id"`
	ProfileID string `json:"profileId"`
	OrgID     string `json:"orgId"`
	Email     string `json:"email"`

	Profile       ProfileAttributes `json:"profile"`
	Registrations []Registration    `json:"registrations,omitempty"`
	RawProfile    json.RawMessage   `json:"-"`

	Upstream UpstreamTokenSet `json:"-"`
	JTI      string           `json:"-"`

	CustomAccessToken  string `json:"-"`
	CustomRefreshToken string `json:"-"`

	TokenStatus      string `json:"tokenStatus"`
	SyncStatus       string `json:"syncStatus"`
	SyncErrorMessage string `json:"syncErrorMessage,omitempty"`

	LastLoginOn *time.Time `json:"lastLoginOn,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// ApplyProfile overwrites the record's identity attributes from a freshly
// fetched upstream profile. Identity keys are only replaced when the profile
// actually carries them.
func (r *SessionRecord) ApplyProfile(p ProfileAttributes, now time.Time) {
	if p.ProfileID != "" {
		r.ProfileID = p.ProfileID
	}
	if p.OrgID != "" {
		r.OrgID = p.OrgID
	}
	if p.Email != "" {
		r.Email = p.Email
	}
	r.Profile = p
	if len(p.Registrations) > 0 {
		r.Registrations = p.Registrations
	}
	if raw, err := json.Marshal(p); err == nil {
		r.RawProfile = raw
	}
	r.UpdatedAt = now
}
