// Command bookshelfctl runs maintenance tasks against the bookshelf
// databases: index and table setup, seeding books, creating users, and
// listing the top-rated books.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ayush/bookshelf/internal/auth"
	"github.com/ayush/bookshelf/internal/config"
	"github.com/ayush/bookshelf/internal/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config.Load()

	root := &cobra.Command{
		Use:          "bookshelfctl",
		Short:        "Maintenance commands for the bookshelf service",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&cfg.MongoURI, "mongo-uri", cfg.MongoURI, "MongoDB connection string (MONGO_URI)")
	root.PersistentFlags().StringVar(&cfg.MongoDB, "mongo-db", cfg.MongoDB, "MongoDB database name (MONGO_DB)")
	root.PersistentFlags().StringVar(&cfg.UserStore, "user-store", cfg.UserStore, "user backend: mongo or postgres (USER_STORE)")
	root.PersistentFlags().StringVar(&cfg.PostgresDSN, "postgres-dsn", cfg.PostgresDSN, "PostgreSQL connection string (POSTGRES_DSN)")

	root.AddCommand(
		newIndexesCmd(cfg),
		newMigrateCmd(cfg),
		newSeedCmd(cfg),
		newUserCmd(cfg),
		newTopCmd(cfg),
	)
	return root
}

// withMongo connects to MongoDB for the duration of fn.
func withMongo(ctx context.Context, cfg *config.Config, fn func(db *mongo.Database) error) error {
	if cfg.MongoURI == "" {
		return errors.New("MONGO_URI (or --mongo-uri) is required")
	}
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return fmt.Errorf("mongo connect: %w", err)
	}
	defer client.Disconnect(context.Background())
	if err := client.Ping(connectCtx, nil); err != nil {
		return fmt.Errorf("mongo ping: %w", err)
	}
	return fn(client.Database(cfg.MongoDB))
}

// withPostgres connects to PostgreSQL for the duration of fn.
func withPostgres(ctx context.Context, cfg *config.Config, fn func(s *store.PostgresStore) error) error {
	if cfg.PostgresDSN == "" {
		return errors.New("POSTGRES_DSN (or --postgres-dsn) is required")
	}
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("postgres connect: %w", err)
	}
	defer pool.Close()
	return fn(store.NewPostgresStore(pool))
}

// withUsers opens the configured user store.
func withUsers(ctx context.Context, cfg *config.Config, fn func(users auth.UserStore) error) error {
	switch cfg.UserStore {
	case config.UserStorePostgres:
		return withPostgres(ctx, cfg, func(s *store.PostgresStore) error { return fn(s) })
	case config.UserStoreMongo:
		return withMongo(ctx, cfg, func(db *mongo.Database) error { return fn(store.NewMongoUserStore(db)) })
	}
	return fmt.Errorf("unknown user store %q", cfg.UserStore)
}
