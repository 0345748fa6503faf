package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tradeport/sso-broker/internal/domain"
)

// Compile-time interface assertion.
var _ SessionRepository = (*PostgresSessionRepo)(nil)

// PostgresSessionRepo implements SessionRepository on pgx.
type PostgresSessionRepo struct {
	pool *pgxpool.Pool
	node *snowflake.Node
}

// NewPostgresSessionRepo constructs the repository. The snowflake node
// assigns ids to newly inserted records.
func NewPostgresSessionRepo(pool *pgxpool.Pool, node *snowflake.Node) *PostgresSessionRepo {
	return &PostgresSessionRepo{pool: pool, node: node}
}

const sessionColumns = `id, profile_id, org_id, email, profile, registrations, raw_profile,
	access_token, refresh_token, id_token, token_type, scope, expires_at, jti,
	custom_access_token, custom_refresh_token,
	token_status, sync_status, sync_error_message,
	last_login_on, created_at, updated_at`

func (r *PostgresSessionRepo) GetByProfileID(ctx context.Context, profileID string) (domain.SessionRecord, error) {
	return r.getBy(ctx, "profile_id", profileID)
}

func (r *PostgresSessionRepo) GetByOrgID(ctx context.Context, orgID string) (domain.SessionRecord, error) {
	return r.getBy(ctx, "org_id", orgID)
}

func (r *PostgresSessionRepo) GetByCustomAccessToken(ctx context.Context, token string) (domain.SessionRecord, error) {
	return r.getBy(ctx, "custom_access_token", token)
}

func (r *PostgresSessionRepo) GetByCustomRefreshToken(ctx context.Context, token string) (domain.SessionRecord, error) {
	return r.getBy(ctx, "custom_refresh_token", token)
}

func (r *PostgresSessionRepo) getBy(ctx context.Context, column, value string) (domain.SessionRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM sso_session WHERE %s = $1`, sessionColumns, column)
	row := r.pool.QueryRow(ctx, query, value)
	record, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.SessionRecord{}, domain.ErrRecordNotFound
		}
		return domain.SessionRecord{}, fmt.Errorf("get session by %s: %w", column, err)
	}
	return record, nil
}

// Upsert creates or replaces the record for its profile id. Last writer wins
// per profile id; callers serialize read-modify-write cycles themselves.
func (r *PostgresSessionRepo) Upsert(ctx context.Context, record domain.SessionRecord) (domain.SessionRecord, error) {
	if record.ID == 0 {
		record.ID = r.node.Generate().Int64()
	}
	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	profileJSON, err := json.Marshal(record.Profile)
	if err != nil {
		return domain.SessionRecord{}, fmt.Errorf("encode profile: %w", err)
	}
	registrationsJSON, err := json.Marshal(record.Registrations)
	if err != nil {
		return domain.SessionRecord{}, fmt.Errorf("encode registrations: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO sso_session (
			id, profile_id, org_id, email, profile, registrations, raw_profile,
			access_token, refresh_token, id_token, token_type, scope, expires_at, jti,
			custom_access_token, custom_refresh_token,
			token_status, sync_status, sync_error_message,
			last_login_on, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
		ON CONFLICT (profile_id) DO UPDATE SET
			org_id = EXCLUDED.org_id,
			email = EXCLUDED.email,
			profile = EXCLUDED.profile,
			registrations = EXCLUDED.registrations,
			raw_profile = EXCLUDED.raw_profile,
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			id_token = EXCLUDED.id_token,
			token_type = EXCLUDED.token_type,
			scope = EXCLUDED.scope,
			expires_at = EXCLUDED.expires_at,
			jti = EXCLUDED.jti,
			custom_access_token = EXCLUDED.custom_access_token,
			custom_refresh_token = EXCLUDED.custom_refresh_token,
			token_status = EXCLUDED.token_status,
			sync_status = EXCLUDED.sync_status,
			sync_error_message = EXCLUDED.sync_error_message,
			last_login_on = EXCLUDED.last_login_on,
			updated_at = EXCLUDED.updated_at`,
		record.ID, record.ProfileID, record.OrgID, record.Email,
		profileJSON, registrationsJSON, []byte(record.RawProfile),
		record.Upstream.AccessToken, record.Upstream.RefreshToken, record.Upstream.IDToken,
		record.Upstream.TokenType, record.Upstream.Scope, nullableTime(record.Upstream.ExpiresAt), record.JTI,
		record.CustomAccessToken, record.CustomRefreshToken,
		record.TokenStatus, record.SyncStatus, record.SyncErrorMessage,
		record.LastLoginOn, record.CreatedAt, record.UpdatedAt,
	)
	if err != nil {
		return domain.SessionRecord{}, fmt.Errorf("upsert session: %w", err)
	}
	return record, nil
}

// ListActive returns records eligible for profile sync.
func (r *PostgresSessionRepo) ListActive(ctx context.Context) ([]domain.SessionRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM sso_session WHERE token_status = $1 AND access_token <> ''`, sessionColumns)
	rows, err := r.pool.Query(ctx, query, domain.TokenStatusActive)
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	defer rows.Close()

	var records []domain.SessionRecord
	for rows.Next() {
		record, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	return records, nil
}

// UpdateSyncResult records the outcome of one sync attempt without touching
// token state.
func (r *PostgresSessionRepo) UpdateSyncResult(ctx context.Context, profileID, syncStatus, syncError string, now time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE sso_session
		SET sync_status = $2, sync_error_message = $3, updated_at = $4
		WHERE profile_id = $1`,
		profileID, syncStatus, syncError, now.UTC())
	if err != nil {
		return fmt.Errorf("update sync result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrRecordNotFound
	}
	return nil
}

// RevokeCustomTokens clears broker tokens and marks the record REVOKED.
func (r *PostgresSessionRepo) RevokeCustomTokens(ctx context.Context, profileID string, now time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE sso_session
		SET custom_access_token = '', custom_refresh_token = '', token_status = $2, updated_at = $3
		WHERE profile_id = $1`,
		profileID, domain.TokenStatusRevoked, now.UTC())
	if err != nil {
		return fmt.Errorf("revoke custom tokens: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrRecordNotFound
	}
	return nil
}

// MarkExpiredTokens bulk-transitions ACTIVE records whose upstream expiry has
// passed into EXPIRED and reports how many changed.
func (r *PostgresSessionRepo) MarkExpiredTokens(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE sso_session
		SET token_status = $1, updated_at = $2
		WHERE expires_at < $2 AND token_status = $3`,
		domain.TokenStatusExpired, now.UTC(), domain.TokenStatusActive)
	if err != nil {
		return 0, fmt.Errorf("mark expired tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}

// IsOrganizationActiveForTrading checks the org-level trading gate.
func (r *PostgresSessionRepo) IsOrganizationActiveForTrading(ctx context.Context, orgID string, now time.Time) (bool, error) {
	var active bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM sso_session
			WHERE org_id = $1
			  AND profile->>'status' = 'Active'
			  AND profile->>'exchange_access' = 'allowed'
			  AND profile->>'compliance_status' = 'active'
			  AND (profile->>'valid_till' IS NULL OR (profile->>'valid_till')::timestamptz >= $2)
		)`,
		orgID, now.UTC()).Scan(&active)
	if err != nil {
		return false, fmt.Errorf("org trading check: %w", err)
	}
	return active, nil
}

func scanSession(row pgx.Row) (domain.SessionRecord, error) {
	var (
		record            domain.SessionRecord
		profileJSON       []byte
		registrationsJSON []byte
		rawProfile        []byte
		expiresAt         *time.Time
	)
	err := row.Scan(
		&record.ID, &record.ProfileID, &record.OrgID, &record.Email,
		&profileJSON, &registrationsJSON, &rawProfile,
		&record.Upstream.AccessToken, &record.Upstream.RefreshToken, &record.Upstream.IDToken,
		&record.Upstream.TokenType, &record.Upstream.Scope, &expiresAt, &record.JTI,
		&record.CustomAccessToken, &record.CustomRefreshToken,
		&record.TokenStatus, &record.SyncStatus, &record.SyncErrorMessage,
		&record.LastLoginOn, &record.CreatedAt, &record.UpdatedAt,
	)
	if err != nil {
		return domain.SessionRecord{}, err
	}
	if expiresAt != nil {
		record.Upstream.ExpiresAt = *expiresAt
	}
	if len(profileJSON) > 0 {
		if err := json.Unmarshal(profileJSON, &record.Profile); err != nil {
			return domain.SessionRecord{}, fmt.Errorf("decode profile: %w", err)
		}
	}
	if len(registrationsJSON) > 0 {
		if err := json.Unmarshal(registrationsJSON, &record.Registrations); err != nil {
			return domain.SessionRecord{}, fmt.Errorf("decode registrations: %w", err)
		}
	}
	record.RawProfile = rawProfile
	return record, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	utc := t.UTC()
	return &utc
}
