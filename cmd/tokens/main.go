package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/smallbiznis/smallbiznis-tokens/database"
	"github.com/smallbiznis/smallbiznis-tokens/internal/config"
	httptransport "github.com/smallbiznis/smallbiznis-tokens/internal/http"
	"github.com/smallbiznis/smallbiznis-tokens/internal/http/handler"
	"github.com/smallbiznis/smallbiznis-tokens/internal/http/middleware"
	"github.com/smallbiznis/smallbiznis-tokens/internal/keys"
	"github.com/smallbiznis/smallbiznis-tokens/internal/nonce"
	"github.com/smallbiznis/smallbiznis-tokens/internal/ratelimit"
	"github.com/smallbiznis/smallbiznis-tokens/internal/repository"
	"github.com/smallbiznis/smallbiznis-tokens/internal/server"
	"github.com/smallbiznis/smallbiznis-tokens/internal/service"
	"github.com/smallbiznis/smallbiznis-tokens/internal/signing"
	"github.com/smallbiznis/smallbiznis-tokens/internal/telemetry"
	"github.com/smallbiznis/smallbiznis-tokens/internal/tokencache"
)

func main() {
	app := fx.New(
		fx.Provide(
			newConfig,
			newLogger,
			newTelemetry,
			newPGXPool,
			newRedisClient,
			newKeyStore,
			newKeySet,
			signing.NewSigner,
			newNonceStore,
			newLimiter,
			newTokenCache,
			newTokenRepository,
			newTokenService,
			handler.NewTokenHandler,
			newReplayGuard,
			httptransport.NewRouter,
			server.NewHTTPServer,
		),
		fx.Invoke(useTelemetry, startHTTPServer),
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

func newPGXPool(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := database.Migrate(ctx, cfg.DatabaseURL); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

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
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})

	return client, nil
}

func newKeyStore(cfg config.Config, pool *pgxpool.Pool) (keys.Store, error) {
	switch cfg.KeystoreBackend {
	case config.KeystoreFile:
		return keys.NewFileStore(cfg.KeystorePath), nil
	case config.KeystoreDatabase:
		return keys.NewDatabaseStore(pool), nil
	default:
		return nil, fmt.Errorf("unsupported keystore backend %q", cfg.KeystoreBackend)
	}
}

func newKeySet(cfg config.Config, store keys.Store, logger *zap.Logger) (*keys.Set, error) {
	set := keys.NewSet(store, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := set.Load(ctx)
	switch {
	case err == nil:
		return set, nil
	case errors.Is(err, keys.ErrSnapshotNotFound):
		if !cfg.KeystoreBootstrap {
			return nil, fmt.Errorf("no signing keyset found; set KEYSTORE_BOOTSTRAP=true to generate one")
		}
		if err := set.Bootstrap(ctx); err != nil {
			return nil, fmt.Errorf("bootstrap keyset: %w", err)
		}
		return set, nil
	default:
		return nil, fmt.Errorf("load keyset: %w", err)
	}
}

func newNonceStore(client redis.UniversalClient) nonce.Store {
	return nonce.NewRedisStore(client)
}

func newLimiter(client redis.UniversalClient, logger *zap.Logger) *ratelimit.Limiter {
	return ratelimit.New(client, logger)
}

func newTokenCache(client redis.UniversalClient) tokencache.Cache {
	return tokencache.NewRedisCache(client)
}

func newTokenRepository(pool *pgxpool.Pool) repository.TokenRepository {
	return repository.NewPostgresTokenRepo(pool)
}

func newTokenService(
	repo repository.TokenRepository,
	cache tokencache.Cache,
	limiter *ratelimit.Limiter,
	signer *signing.Signer,
	cfg config.Config,
	logger *zap.Logger,
) *service.TokenService {
	policy := service.Policy{
		DefaultTTL:    cfg.RefreshTokenTTL,
		MaxTTL:        cfg.MaxRefreshTokenTTL,
		RequireTenant: cfg.RequireTenant,
		IssueQuota: ratelimit.Quota{
			Name:   "token_issue",
			Limit:  cfg.IssueRateLimit,
			Window: cfg.IssueRateWindow,
			Scope:  "account",
		},
	}
	return service.NewTokenService(repo, cache, limiter, signer, cfg.Issuer, policy, logger)
}

func newReplayGuard(cfg config.Config, store nonce.Store, logger *zap.Logger) gin.HandlerFunc {
	return middleware.ReplayGuard(store, cfg.NonceTTL, logger)
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
