package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ayush/bookshelf/internal/auth"
	"github.com/ayush/bookshelf/internal/catalog"
	"github.com/ayush/bookshelf/internal/config"
	"github.com/ayush/bookshelf/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── MongoDB ──────────────────────────────────────────────
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	mongoClient, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return fmt.Errorf("mongo connect: %w", err)
	}
	defer func() {
		disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := mongoClient.Disconnect(disconnectCtx); err != nil {
			logger.Warn("mongo disconnect", slog.String("error", err.Error()))
		}
	}()
	if err := mongoClient.Ping(connectCtx, nil); err != nil {
		return fmt.Errorf("mongo ping: %w", err)
	}
	mongoDB := mongoClient.Database(cfg.MongoDB)
	bookStore := store.NewMongoStore(mongoDB)
	if err := bookStore.EnsureIndexes(connectCtx); err != nil {
		return err
	}

	// ── Users: MongoDB or PostgreSQL ─────────────────────────
	var users auth.UserStore
	switch cfg.UserStore {
	case config.UserStorePostgres:
		pgPool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("postgres connect: %w", err)
		}
		defer pgPool.Close()
		pgStore := store.NewPostgresStore(pgPool)
		if err := pgStore.Migrate(connectCtx); err != nil {
			return err
		}
		users = pgStore
	default:
		mongoUsers := store.NewMongoUserStore(mongoDB)
		if err := mongoUsers.EnsureIndexes(connectCtx); err != nil {
			return err
		}
		users = mongoUsers
	}

	// ── Redis (optional, token revocation) ───────────────────
	var revocations revocationStore
	if cfg.RedisAddr != "" {
		rdb, err := store.NewRedisClient(connectCtx, cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			return err
		}
		defer rdb.Close()
		revocations = auth.NewRevocationStore(rdb)
	} else {
		logger.Warn("REDIS_ADDR not set, logout will not revoke tokens")
	}

	// ── MinIO (optional, book covers) ────────────────────────
	var covers catalog.CoverStore
	if cfg.MinioEndpoint != "" {
		minioStore, err := store.NewMinioStore(connectCtx,
			cfg.MinioEndpoint, cfg.MinioAccessKey,
			cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL,
		)
		if err != nil {
			return err
		}
		covers = minioStore
	} else {
		logger.Warn("MINIO_ENDPOINT not set, cover uploads are disabled")
	}

	tokens, err := auth.NewTokenIssuer(cfg.TokenSecret, cfg.TokenTTL)
	if err != nil {
		return err
	}

	app := &application{
		corsOrigins:    cfg.CORSOrigins,
		rateLimitRPS:   cfg.RateLimitRPS,
		rateLimitBurst: cfg.RateLimitBurst,
		tokens:         tokens,
		revocations:    revocations,
		users:          auth.NewService(users, tokens),
		books:          catalog.NewService(bookStore, covers),
	}

	// ── Server ───────────────────────────────────────────────
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      app.routes(ctx),
		IdleTimeout:  time.Minute,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		ErrorLog:     slog.NewLogLogger(logger.Handler(), slog.LevelError),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", slog.String("addr", srv.Addr), slog.String("env", cfg.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("stopped server")
	return nil
}
