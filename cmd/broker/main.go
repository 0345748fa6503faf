package main

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	cacheadapter "github.com/tradeport/sso-broker/internal/adapter/cache"
	"github.com/tradeport/sso-broker/internal/adapter/upstream"
	"github.com/tradeport/sso-broker/internal/config"
	httptransport "github.com/tradeport/sso-broker/internal/http"
	"github.com/tradeport/sso-broker/internal/http/handler"
	httpmiddleware "github.com/tradeport/sso-broker/internal/http/middleware"
	"github.com/tradeport/sso-broker/internal/jwks"
	apimiddleware "github.com/tradeport/sso-broker/internal/middleware"
	"github.com/tradeport/sso-broker/internal/repository"
	"github.com/tradeport/sso-broker/internal/scheduler"
	"github.com/tradeport/sso-broker/internal/server"
	"github.com/tradeport/sso-broker/internal/service/sso"
	"github.com/tradeport/sso-broker/internal/telemetry"
	"github.com/tradeport/sso-broker/internal/token"
)

func main() {
	app := fx.New(
		fx.Provide(
			newConfig,
			newLogger,
			newTelemetry,
			newSnowflake,
			newPGXPool,
			newRedisClient,
			newPKCEStore,
			newUpstreamClient,
			newJWKSValidator,
			newTokenService,
			newLegacyTokenService,
			newSessionRepository,
			newExchangeService,
			newProfileSync,
			handler.NewSSOHandler,
			newAuthMiddleware,
			newRateLimiter,
			httptransport.NewRouter,
			server.NewHTTPServer,
		),
		fx.Invoke(useTelemetry, startScheduler, startHTTPServer),
	)

	app.Run()
}

func newConfig() (config.Config, error) {
	return config.Load()
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Environment == "development" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}

func newTelemetry(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (*telemetry.Provider, error) {
	provider, err := telemetry.New(context.Background(), cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("telemetry init: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return provider.Shutdown(stopCtx)
		},
	})

	return provider, nil
}

func newSnowflake() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}

func newPGXPool(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			pool.Close()
			return nil
		},
	})

	return pool, nil
}

func newRedisClient(lc fx.Lifecycle, cfg config.Config) (redis.UniversalClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client, nil
}

func newPKCEStore(client redis.UniversalClient) repository.PKCEStore {
	return cacheadapter.NewRedisPKCEStore(client)
}

func newUpstreamClient(cfg config.Config) upstream.Client {
	return upstream.NewHTTPClient(nil, cfg)
}

func newJWKSValidator(client upstream.Client, cfg config.Config, logger *zap.Logger) *jwks.Validator {
	return jwks.NewValidator(client, cfg.UpstreamIssuer, cfg.UpstreamClientID, cfg.JWKSCacheTTL, logger)
}

func newTokenService(cfg config.Config, logger *zap.Logger) (*token.Service, error) {
	return token.NewService(cfg, logger)
}

func newLegacyTokenService(cfg config.Config) (*token.LegacyService, error) {
	return token.NewLegacyService(cfg.LegacySecret, cfg.AccessTokenTTL, cfg.RefreshTokenTTL)
}

func newSessionRepository(pool *pgxpool.Pool, node *snowflake.Node) repository.SessionRepository {
	return repository.NewPostgresSessionRepo(pool, node)
}

func newExchangeService(
	pkce repository.PKCEStore,
	client upstream.Client,
	validator *jwks.Validator,
	tokens *token.Service,
	repo repository.SessionRepository,
	cfg config.Config,
	logger *zap.Logger,
) sso.ExchangeService {
	return sso.NewExchangeService(pkce, client, validator, tokens, repo, cfg, logger)
}

func newProfileSync(service sso.ExchangeService, repo repository.SessionRepository, cfg config.Config, logger *zap.Logger) *scheduler.ProfileSync {
	return scheduler.NewProfileSync(service, repo, cfg, logger)
}

func newAuthMiddleware(tokens *token.Service, legacy *token.LegacyService, logger *zap.Logger) *httpmiddleware.Auth {
	return &httpmiddleware.Auth{Tokens: tokens, Legacy: legacy, Logger: logger}
}

func newRateLimiter(cfg config.Config) *apimiddleware.RateLimiter {
	return apimiddleware.NewRateLimiter(cfg.RateLimitRPM)
}

func startScheduler(lc fx.Lifecycle, sync *scheduler.ProfileSync) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return sync.Start()
		},
		OnStop: func(ctx context.Context) error {
			return sync.Stop(ctx)
		},
	})
}

func startHTTPServer(lc fx.Lifecycle, srv *server.HTTPServer, cfg config.Config, logger *zap.Logger) {
	addr := ":" + cfg.HTTPPort
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			runCtx, stop := context.WithCancel(context.Background())
			cancel = stop
			done = make(chan struct{})

			go func() {
				if err := srv.Run(runCtx, addr); err != nil {
					logger.Error("http server stopped", zap.Error(err))
				}
				close(done)
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			if done == nil {
				return nil
			}
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}

func useTelemetry(*telemetry.Provider) {}
