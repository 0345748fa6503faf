package repository

import (
	"context"
	"time"

	"github.com/tradeport/sso-broker/internal/domain"
)

// PKCEStore holds login state → code verifier pairs with a short TTL.
// Consume is an atomic read-and-delete; a verifier is handed out at most once.
type PKCEStore interface {
	Save(ctx context.Context, state, codeVerifier string, ttl time.Duration) error
	Consume(ctx context.Context, state string) (string, error)
}

// SessionRepository persists session records keyed by profile id.
type SessionRepository interface {
	GetByProfileID(ctx context.Context, profileID string) (domain.SessionRecord, error)
	GetByOrgID(ctx context.Context, orgID string) (domain.SessionRecord, error)
	GetByCustomAccessToken(ctx context.Context, token string) (domain.SessionRecord, error)
	GetByCustomRefreshToken(ctx context.Context, token string) (domain.SessionRecord, error)
	Upsert(ctx context.Context, record domain.SessionRecord) (domain.SessionRecord, error)
	ListActive(ctx context.Context) ([]domain.SessionRecord, error)
	UpdateSyncResult(ctx context.Context, profileID, syncStatus, syncError string, now time.Time) error
	RevokeCustomTokens(ctx context.Context, profileID string, now time.Time) error
	MarkExpiredTokens(ctx context.Context, now time.Time) (int64, error)
	IsOrganizationActiveForTrading(ctx context.Context, orgID string, now time.Time) (bool, error)
}
