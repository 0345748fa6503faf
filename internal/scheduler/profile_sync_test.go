package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tradeport/sso-broker/internal/config"
	"github.com/tradeport/sso-broker/internal/domain"
	"github.com/tradeport/sso-broker/internal/service/sso"
)

type fakeSyncService struct {
	mu       sync.Mutex
	outcomes map[string]sso.SyncOutcome
	errs     map[string]error
	stall    map[string]bool
	seen     []string
}

func (f *fakeSyncService) SyncProfile(ctx context.Context, record domain.SessionRecord) (sso.SyncOutcome, error) {
	f.mu.Lock()
	f.seen = append(f.seen, record.ProfileID)
	err, hasErr := f.errs[record.ProfileID]
	outcome, hasOutcome := f.outcomes[record.ProfileID]
	stalled := f.stall[record.ProfileID]
	f.mu.Unlock()

	if stalled {
		<-ctx.Done()
		return sso.SyncFailed, ctx.Err()
	}
	if hasErr {
		return sso.SyncFailed, err
	}
	if hasOutcome {
		return outcome, nil
	}
	return sso.SyncSynced, nil
}

func (f *fakeSyncService) MarkExpiredTokens(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (f *fakeSyncService) Authorize(context.Context, string) (*sso.AuthorizationResponse, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeSyncService) Callback(context.Context, string, string) (*sso.LoginResponse, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeSyncService) Profile(context.Context, string) (*domain.SessionRecord, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeSyncService) Refresh(context.Context, string) (*sso.LoginResponse, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeSyncService) OrgProfile(context.Context, string, string) (*domain.SessionRecord, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeSyncService) OrgTradingStatus(context.Context, string, string) (bool, error) {
	return false, errors.New("not implemented")
}

func (f *fakeSyncService) ValidateUpstreamToken(context.Context, string) (*sso.UpstreamTokenInfo, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeSyncService) Revoke(context.Context, string) error {
	return errors.New("not implemented")
}

type fakeSyncRepo struct {
	mu      sync.Mutex
	active  []domain.SessionRecord
	listErr error
	updates map[string]string
}

func (f *fakeSyncRepo) ListActive(context.Context) ([]domain.SessionRecord, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.active, nil
}

func (f *fakeSyncRepo) UpdateSyncResult(ctx context.Context, profileID, syncStatus, syncError string, _ time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updates == nil {
		f.updates = map[string]string{}
	}
	f.updates[profileID] = syncStatus + ":" + syncError
	return nil
}

func (f *fakeSyncRepo) GetByProfileID(context.Context, string) (domain.SessionRecord, error) {
	return domain.SessionRecord{}, domain.ErrRecordNotFound
}

func (f *fakeSyncRepo) GetByOrgID(context.Context, string) (domain.SessionRecord, error) {
	return domain.SessionRecord{}, domain.ErrRecordNotFound
}

func (f *fakeSyncRepo) GetByCustomAccessToken(context.Context, string) (domain.SessionRecord, error) {
	return domain.SessionRecord{}, domain.ErrRecordNotFound
}

func (f *fakeSyncRepo) GetByCustomRefreshToken(context.Context, string) (domain.SessionRecord, error) {
	return domain.SessionRecord{}, domain.ErrRecordNotFound
}

func (f *fakeSyncRepo) Upsert(_ context.Context, record domain.SessionRecord) (domain.SessionRecord, error) {
	return record, nil
}

func (f *fakeSyncRepo) RevokeCustomTokens(context.Context, string, time.Time) error {
	return nil
}

func (f *fakeSyncRepo) MarkExpiredTokens(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (f *fakeSyncRepo) IsOrganizationActiveForTrading(context.Context, string, time.Time) (bool, error) {
	return false, nil
}

func activeRecord(profileID string) domain.SessionRecord {
	return domain.SessionRecord{
		ProfileID:   profileID,
		TokenStatus: domain.TokenStatusActive,
		Upstream:    domain.UpstreamTokenSet{AccessToken: "up-" + profileID, IDToken: "id-" + profileID},
	}
}

func syncConfig() config.Config {
	return config.Config{
		SyncSchedule:      "0 * * * *",
		SyncWorkers:       4,
		SyncRecordTimeout: 5 * time.Second,
	}
}

func TestProfileSync_RunOnceCounts(t *testing.T) {
	service := &fakeSyncService{
		outcomes: map[string]sso.SyncOutcome{
			"profile-2": sso.SyncSkipped,
		},
	}
	repo := &fakeSyncRepo{active: []domain.SessionRecord{
		activeRecord("profile-1"),
		activeRecord("profile-2"),
		activeRecord("profile-3"),
	}}

	syncer := NewProfileSync(service, repo, syncConfig(), zap.NewNop())
	summary := syncer.RunOnce(context.Background())

	require.Equal(t, 3, summary.Total)
	require.Equal(t, 2, summary.Synced)
	require.Equal(t, 1, summary.Skipped)
	require.Equal(t, 0, summary.Failed)
	require.ElementsMatch(t, []string{"profile-1", "profile-2", "profile-3"}, service.seen)
	require.Empty(t, repo.updates)
}

func TestProfileSync_FailureIsIsolatedAndPersisted(t *testing.T) {
	service := &fakeSyncService{
		errs: map[string]error{
			"profile-2": errors.New("profile endpoint returned 500"),
		},
	}
	repo := &fakeSyncRepo{active: []domain.SessionRecord{
		activeRecord("profile-1"),
		activeRecord("profile-2"),
		activeRecord("profile-3"),
	}}

	syncer := NewProfileSync(service, repo, syncConfig(), zap.NewNop())
	summary := syncer.RunOnce(context.Background())

	require.Equal(t, 2, summary.Synced)
	require.Equal(t, 1, summary.Failed)

	// The failing record carries its error message; siblings stay untouched.
	require.Len(t, repo.updates, 1)
	require.Equal(t, domain.SyncStatusFailed+":profile endpoint returned 500", repo.updates["profile-2"])
}

func TestProfileSync_TimeoutFailureIsPersisted(t *testing.T) {
	service := &fakeSyncService{stall: map[string]bool{"profile-1": true}}
	repo := &fakeSyncRepo{active: []domain.SessionRecord{activeRecord("profile-1")}}

	cfg := syncConfig()
	cfg.SyncRecordTimeout = 20 * time.Millisecond

	syncer := NewProfileSync(service, repo, cfg, zap.NewNop())
	summary := syncer.RunOnce(context.Background())

	require.Equal(t, 1, summary.Failed)

	// The record's own context expired; its FAILED outcome must still land.
	require.Len(t, repo.updates, 1)
	require.Contains(t, repo.updates["profile-1"], domain.SyncStatusFailed+":")
}

func TestProfileSync_EmptySnapshot(t *testing.T) {
	syncer := NewProfileSync(&fakeSyncService{}, &fakeSyncRepo{}, syncConfig(), zap.NewNop())
	summary := syncer.RunOnce(context.Background())
	require.Equal(t, Summary{}, summary)
}

func TestProfileSync_ListFailureAbortsRun(t *testing.T) {
	service := &fakeSyncService{}
	repo := &fakeSyncRepo{listErr: errors.New("connection refused")}

	syncer := NewProfileSync(service, repo, syncConfig(), zap.NewNop())
	summary := syncer.RunOnce(context.Background())

	require.Equal(t, Summary{}, summary)
	require.Empty(t, service.seen)
}

func TestProfileSync_StartAndStop(t *testing.T) {
	syncer := NewProfileSync(&fakeSyncService{}, &fakeSyncRepo{}, syncConfig(), zap.NewNop())
	require.NoError(t, syncer.Start())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, syncer.Stop(ctx))
}

func TestProfileSync_BadScheduleRejected(t *testing.T) {
	cfg := syncConfig()
	cfg.SyncSchedule = "not a cron spec"
	syncer := NewProfileSync(&fakeSyncService{}, &fakeSyncRepo{}, cfg, zap.NewNop())
	require.Error(t, syncer.Start())
}
