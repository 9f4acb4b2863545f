package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/fx"

	"github.com/mind-engage/mindengage-quiz/internal/analytics"
	api "github.com/mind-engage/mindengage-quiz/internal/api/http"
	"github.com/mind-engage/mindengage-quiz/internal/attempt"
	auth "github.com/mind-engage/mindengage-quiz/internal/auth/middleware"
	"github.com/mind-engage/mindengage-quiz/internal/cache"
	"github.com/mind-engage/mindengage-quiz/internal/config"
	"github.com/mind-engage/mindengage-quiz/internal/db"
	"github.com/mind-engage/mindengage-quiz/internal/exam"
	"github.com/mind-engage/mindengage-quiz/internal/logger"
	"github.com/mind-engage/mindengage-quiz/internal/publication"
	"github.com/mind-engage/mindengage-quiz/internal/retry"
	"github.com/mind-engage/mindengage-quiz/internal/sweep"
	syncx "github.com/mind-engage/mindengage-quiz/internal/sync"
)

func main() {
	app := fx.New(
		fx.NopLogger,
		fx.Provide(
			loadConfig,
			newLogger,
			openDB,
			newStore,
			newRedis,
			newCache,
			newCodeRegistry,
			newEvents,
			newRetryPolicy,
			newPublication,
			newAttempts,
			newAnalytics,
			newRouter,
			newSweeper,
		),
		fx.Invoke(serveHTTP, runSweeper),
	)
	app.Run()
}

func loadConfig() (config.Config, error) {
	return config.Load(".")
}

func newLogger(cfg config.Config) zerolog.Logger {
	return logger.Init(cfg.LogLevel, cfg.LogPretty)
}

func openDB(lc fx.Lifecycle, cfg config.Config) (*sql.DB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	dbh, err := db.Open(ctx, db.Driver(cfg.DBDriver), cfg.DBDSN)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{OnStop: func(context.Context) error { return dbh.Close() }})
	return dbh, nil
}

func newStore(dbh *sql.DB, cfg config.Config) exam.Store {
	return exam.NewSQLStore(dbh, cfg.DBDriver)
}

// newRedis returns nil when no Redis address is configured; the cache and
// code registry then stay in-process.
func newRedis(lc fx.Lifecycle, cfg config.Config) *redis.Client {
	if cfg.RedisAddr == "" {
		return nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		OnStop:  func(context.Context) error { return rdb.Close() },
	})
	return rdb
}

func newCache(rdb *redis.Client) cache.Cache {
	if rdb == nil {
		return cache.NewMemoryCache()
	}
	return cache.NewRedisCache(rdb, "quiz:")
}

func newCodeRegistry(rdb *redis.Client) cache.CodeRegistry {
	if rdb == nil {
		return cache.NewMemoryRegistry()
	}
	return cache.NewRedisRegistry(rdb)
}

func newEvents(dbh *sql.DB, cfg config.Config) syncx.Appender {
	return syncx.NewEventRepo(dbh, cfg.SiteID)
}

func newRetryPolicy(cfg config.Config) retry.Policy {
	return retry.Policy{Attempts: cfg.RetryAttempts, BaseDelay: cfg.RetryBaseDelay, MaxDelay: time.Second}
}

func newPublication(store exam.Store, codes cache.CodeRegistry, events syncx.Appender, p retry.Policy, cfg config.Config) *publication.Manager {
	return publication.NewManager(store,
		publication.WithCodeRegistry(codes),
		publication.WithEvents(events),
		publication.WithRetry(p),
		publication.WithCodeTTL(cfg.AccessCodeTTL),
	)
}

func newAttempts(store exam.Store, pub *publication.Manager, events syncx.Appender, p retry.Policy, an *analytics.Service, cfg config.Config) *attempt.Service {
	svc := attempt.NewService(store, pub,
		attempt.WithEvents(events),
		attempt.WithRetry(p),
		attempt.WithSweepBatch(cfg.SweepBatch),
	)
	svc.OnGraded(an.Invalidate)
	svc.OnSessionChange(an.SessionChanged)
	return svc
}

func newAnalytics(store exam.Store, c cache.Cache, cfg config.Config) *analytics.Service {
	return analytics.NewService(store, c, cfg.AnalyticsCacheTTL)
}

func newRouter(cfg config.Config, lg zerolog.Logger, store exam.Store, dbh *sql.DB, pub *publication.Manager, attempts *attempt.Service, an *analytics.Service) http.Handler {
	return api.NewRouter(api.Deps{
		Logger:    lg,
		Store:     store,
		Pub:       pub,
		Attempts:  attempts,
		Analytics: an,
		Auth:      auth.NewAuthService(cfg.AuthHMACSecret),
		Login: auth.LoginPolicy{
			LocalAuth:     cfg.EnableLocalAuth,
			AdminUser:     cfg.AdminUser,
			AdminPassHash: cfg.AdminPassHash,
		},
		CORSOrigins: cfg.CORSOrigins(),
		Ready:       dbh.PingContext,
	})
}

func newSweeper(attempts *attempt.Service, pub *publication.Manager, cfg config.Config) (*sweep.Runner, error) {
	return sweep.NewRunner(attempts, pub, cfg.SweepInterval)
}

func serveHTTP(lc fx.Lifecycle, cfg config.Config, h http.Handler) {
	server := &http.Server{Addr: cfg.HTTPAddr, Handler: h, ReadHeaderTimeout: 10 * time.Second}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info().Str("addr", cfg.HTTPAddr).Str("mode", string(cfg.Mode)).Str("db", cfg.DBDriver).
				Bool("redis", cfg.RedisAddr != "").Msg("quizd listening")
			go func() {
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal().Err(err).Msg("http server failed")
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Info().Msg("http server shutting down")
			return server.Shutdown(ctx)
		},
	})
}

func runSweeper(lc fx.Lifecycle, r *sweep.Runner) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			r.Start()
			return nil
		},
		OnStop: r.Stop,
	})
}
