package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tradeport/sso-broker/internal/config"
	"github.com/tradeport/sso-broker/internal/domain"
	"github.com/tradeport/sso-broker/internal/repository"
	"github.com/tradeport/sso-broker/internal/service/sso"
)

// Summary aggregates one sync run for observability.
type Summary struct {
	Total   int
	Synced  int
	Skipped int
	Failed  int
}

// ProfileSync walks active session records on a schedule and reconciles
// their profile attributes with the upstream provider. Runs never overlap;
// a tick that fires while a run is in progress is skipped.
type ProfileSync struct {
	service sso.ExchangeService
	repo    repository.SessionRepository
	cfg     config.Config
	logger  *zap.Logger
	cron    *cron.Cron
}

// NewProfileSync constructs the scheduler without starting it.
func NewProfileSync(service sso.ExchangeService, repo repository.SessionRepository, cfg config.Config, logger *zap.Logger) *ProfileSync {
	if logger == nil {
		logger = zap.L()
	}
	return &ProfileSync{service: service, repo: repo, cfg: cfg, logger: logger}
}

// Start registers the cron entries and launches the scheduler.
func (p *ProfileSync) Start() error {
	cronLogger := &zapCronLogger{logger: p.logger}
	p.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cronLogger),
		cron.Recover(cronLogger),
	))

	if _, err := p.cron.AddFunc(p.cfg.SyncSchedule, func() {
		summary := p.RunOnce(context.Background())
		p.logger.Info("profile sync completed",
			zap.Int("total", summary.Total),
			zap.Int("synced", summary.Synced),
			zap.Int("skipped", summary.Skipped),
			zap.Int("failed", summary.Failed))
	}); err != nil {
		return err
	}

	if _, err := p.cron.AddFunc("@every 15m", func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		count, err := p.service.MarkExpiredTokens(ctx, time.Now().UTC())
		if err != nil {
			p.logger.Error("expiry sweep failed", zap.Error(err))
			return
		}
		if count > 0 {
			p.logger.Info("expired sessions marked", zap.Int64("count", count))
		}
	}); err != nil {
		return err
	}

	p.cron.Start()
	p.logger.Info("profile sync scheduler started", zap.String("schedule", p.cfg.SyncSchedule))
	return nil
}

// Stop halts the scheduler and waits for a running job to finish.
func (p *ProfileSync) Stop(ctx context.Context) error {
	if p.cron == nil {
		return nil
	}
	select {
	case <-p.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce executes a single sync pass over a snapshot of eligible records.
// Each record is processed in isolation under its own timeout; one record's
// failure never reaches its siblings.
func (p *ProfileSync) RunOnce(ctx context.Context) Summary {
	records, err := p.repo.ListActive(ctx)
	if err != nil {
		p.logger.Error("list active sessions failed", zap.Error(err))
		return Summary{}
	}

	var (
		mu      sync.Mutex
		summary = Summary{Total: len(records)}
	)

	workers := p.cfg.SyncWorkers
	if workers <= 0 {
		workers = 1
	}

	g := &errgroup.Group{}
	g.SetLimit(workers)
	for _, record := range records {
		record := record
		g.Go(func() error {
			outcome := p.syncOne(ctx, record)
			mu.Lock()
			switch outcome {
			case sso.SyncSynced:
				summary.Synced++
			case sso.SyncSkipped:
				summary.Skipped++
			default:
				summary.Failed++
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return summary
}

func (p *ProfileSync) syncOne(ctx context.Context, record domain.SessionRecord) sso.SyncOutcome {
	timeout := p.cfg.SyncRecordTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	recordCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	outcome, err := p.service.SyncProfile(recordCtx, record)
	if outcome != sso.SyncFailed {
		return outcome
	}

	message := "sync failed"
	if err != nil {
		message = err.Error()
	}
	p.logger.Error("profile sync failed", zap.String("profile_id", record.ProfileID), zap.Error(err))

	// The record context may be the reason the sync failed; the failure is
	// persisted under its own deadline so a timed-out record still gets its
	// FAILED status written.
	persistCtx, persistCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer persistCancel()
	if updateErr := p.repo.UpdateSyncResult(persistCtx, record.ProfileID, domain.SyncStatusFailed, message, time.Now().UTC()); updateErr != nil {
		p.logger.Error("record sync failure not persisted", zap.String("profile_id", record.ProfileID), zap.Error(updateErr))
	}
	return sso.SyncFailed
}

// zapCronLogger adapts zap to the cron.Logger interface.
type zapCronLogger struct {
	logger *zap.Logger
}

func (l *zapCronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Sugar().Infow(msg, keysAndValues...)
}

func (l *zapCronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
