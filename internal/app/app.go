package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/tapcoin/wallet/internal/api"
	"github.com/tapcoin/wallet/internal/auth"
	"github.com/tapcoin/wallet/internal/config"
	"github.com/tapcoin/wallet/internal/db"
	"github.com/tapcoin/wallet/internal/domain"
	"github.com/tapcoin/wallet/internal/eventsource"
	"github.com/tapcoin/wallet/internal/idempotency"
	"github.com/tapcoin/wallet/internal/memstore"
	"github.com/tapcoin/wallet/internal/models"
	"github.com/tapcoin/wallet/internal/observability"
	"github.com/tapcoin/wallet/internal/repository"
	"github.com/tapcoin/wallet/internal/service"
	"github.com/tapcoin/wallet/internal/worker"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/crypto/bcrypt"
)

const (
	replayWorkers   = 4
	eventBufferSize = 64
	shutdownTimeout = 30 * time.Second
)

// storage is the driver-specific half of the wiring.
type storage struct {
	accounts    service.AccountStore
	ledger      service.EventLedger
	idempotency idempotency.Store
	pool        *pgxpool.Pool
}

// Run bootstraps storage, the HTTP server, the event source and background workers,
// blocking until shutdown.
func Run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)
	observability.Init()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		redisClient *redis.Client
		cache       redis.Cmdable
	)
	if cfg.RedisURL != "" {
		redisClient, err = newRedisClient(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer redisClient.Close()
		cache = redisClient
	}

	st, err := openStorage(ctx, cfg, cache)
	if err != nil {
		return err
	}
	if st.pool != nil {
		defer st.pool.Close()
	}
	logger.Info("storage ready", zap.String("driver", cfg.StorageDriver), zap.Bool("redis", cache != nil))

	retry := service.DefaultRetryPolicy
	accounts := service.NewAccountService(st.accounts, auth.NewBcryptHasher(bcrypt.DefaultCost))
	engine := service.NewEngine(st.accounts, retry)
	coordinator := service.NewIngestionCoordinator(st.ledger, accounts, engine, retry)

	var riverClient *river.Client[pgx.Tx]
	if st.pool != nil {
		riverClient, err = newRiverClient(cfg, st.pool, coordinator)
		if err != nil {
			return err
		}
		coordinator.SetReplayer(worker.NewRiverReplayer(riverClient, cfg.ReplayMaxAttempts))
		if err := riverClient.Start(ctx); err != nil {
			return fmt.Errorf("start river: %w", err)
		}
		logger.Info("credit replay queue started", zap.Int("workers", replayWorkers))
	} else {
		logger.Warn("memory driver: failed credits are not replayed")
	}

	stopReconciliation := worker.NewReconciliationWorker(service.NewReconciliationService(st.accounts)).
		WithInterval(cfg.ReconciliationInterval).
		Run(ctx)
	stopRetention := worker.NewRetentionWorker(
		worker.Retention{Name: "events", Purger: st.ledger, Keep: cfg.EventRetention},
		worker.Retention{Name: "idempotency", Purger: st.idempotency, Keep: cfg.IdempotencyTTL},
	).WithInterval(cfg.RetentionInterval).Run(ctx)
	stopClaimRecovery := worker.NewClaimRecoveryWorker(coordinator, cfg.StaleClaimAfter).
		WithInterval(cfg.StaleClaimInterval).
		Run(ctx)

	ingestDone := startEventSource(ctx, cfg, logger, coordinator)

	deps := api.Deps{
		Idempotency: st.idempotency,
		Tokens:      auth.NewTokens(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience, cfg.JWTTTL),
		Accounts:    accounts,
		Engine:      engine,
	}
	if st.pool != nil {
		deps.DB = st.pool
	}
	if cache != nil {
		deps.Redis = cache
	}
	if cfg.TelegramBotToken != "" {
		deps.Telegram = auth.NewTelegramVerifier(cfg.TelegramBotToken, cfg.TelegramAuthMaxAge)
	}
	router := api.NewRouter(cfg, logger, deps)

	server := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("http server starting", zap.String("port", cfg.HTTPPort))
		serverErr <- server.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", zap.Error(err))
	}

	logger.Info("stopping event source and workers")
	cancel()
	select {
	case <-ingestDone:
	case <-shutdownCtx.Done():
		logger.Error("event ingestion did not drain before shutdown timeout")
	}
	stopReconciliation()
	stopRetention()
	stopClaimRecovery()
	if riverClient != nil {
		if err := riverClient.Stop(shutdownCtx); err != nil {
			logger.Error("river shutdown failed", zap.Error(err))
		}
	}

	logger.Info("shutdown complete")
	return runErr
}

func openStorage(ctx context.Context, cfg *config.Config, cache redis.Cmdable) (*storage, error) {
	if cfg.StorageDriver == domain.DriverMemory {
		accounts := memstore.NewAccountStore()
		return &storage{
			accounts:    accounts,
			ledger:      memstore.NewCreditingLedger(accounts),
			idempotency: idempotency.NewMemoryStore(),
		}, nil
	}

	if cfg.AutoMigrate {
		if err := db.Migrate(cfg.DatabaseURL); err != nil {
			return nil, fmt.Errorf("migrate database: %w", err)
		}
	}
	pool, err := db.Connect(ctx, cfg.DatabaseURL, db.PoolOptions{MaxConns: cfg.DBMaxConns})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if cfg.AutoMigrate {
		migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("init river migrator: %w", err)
		}
		if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
			pool.Close()
			return nil, fmt.Errorf("migrate river: %w", err)
		}
	}

	store := repository.NewStore(pool, cfg.StoreTimeout)
	return &storage{
		accounts:    repository.NewAccountStore(store),
		ledger:      repository.NewEventLedger(store, cache, cfg.EventRetention),
		idempotency: idempotency.NewPGStore(cache, pool, cfg.IdempotencyTTL),
		pool:        pool,
	}, nil
}

func newRiverClient(cfg *config.Config, pool *pgxpool.Pool, replayer worker.CreditReplayer) (*river.Client[pgx.Tx], error) {
	workers := river.NewWorkers()
	river.AddWorker(workers, worker.NewCreditReplayWorker(replayer))
	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: replayWorkers},
		},
		Workers:     workers,
		MaxAttempts: cfg.ReplayMaxAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("init river client: %w", err)
	}
	return client, nil
}

// startEventSource runs the supervisor and the ingestion coordinator. The returned
// channel closes once every received event has been handled.
func startEventSource(ctx context.Context, cfg *config.Config, logger *zap.Logger, coordinator *service.IngestionCoordinator) <-chan struct{} {
	done := make(chan struct{})
	if !cfg.EventSourceEnabled {
		close(done)
		return done
	}

	esLogger := logger.Named("eventsource")
	client := eventsource.NewClient(cfg.EventSourceURL,
		eventsource.WebSocketDialer{HandshakeTimeout: cfg.EventSourceDialTimeout},
		eventsource.WithLogger(esLogger),
		eventsource.WithConverter(service.NewStaticCoinRates(cfg.CoinRates)),
	)
	tokens := eventsource.StaticTokens{Connection: cfg.EventSourceConnectToken, Channels: cfg.EventSourceChannels}
	supervisor := eventsource.NewSupervisor(client, tokens, eventsource.SupervisorConfig{
		Channels:         tokens.ChannelNames(),
		OperationTimeout: cfg.EventSourceDialTimeout,
		MinBackoff:       cfg.EventSourceReconnectMin,
		MaxBackoff:       cfg.EventSourceReconnectMax,
	}, esLogger)

	events := make(chan models.CreditEvent, eventBufferSize)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer close(events)
		supervisor.Run(ctx, events)
	}()
	// The coordinator drains events already received after ctx ends.
	go func() {
		defer wg.Done()
		coordinator.Run(context.WithoutCancel(ctx), events)
	}()
	go func() {
		wg.Wait()
		close(done)
	}()

	logger.Info("event source started", zap.String("url", cfg.EventSourceURL), zap.Strings("channels", tokens.ChannelNames()))
	return done
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	lvl, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || level == "" {
		lvl = zapcore.InfoLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

func newRedisClient(url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}
