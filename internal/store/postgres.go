package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres" // dialect registration
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ayush/bookshelf/internal/models"
)

const (
	usersTable      = "users"
	uniqueViolation = "23505"
)

var pg = goqu.Dialect("postgres")

// PostgresStore keeps user accounts in PostgreSQL. It is the alternative
// to MongoUserStore selected with USER_STORE=postgres.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the users table if it doesn't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS users (
			id         UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			email      VARCHAR(255) UNIQUE NOT NULL,
			password   VARCHAR(255) NOT NULL,
			name       VARCHAR(100) NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ  NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}

func insertUserSQL(email, passwordHash, name string) (string, []any, error) {
	return pg.Insert(usersTable).
		Rows(goqu.Record{"email": email, "password": passwordHash, "name": name}).
		Returning("id", "email", "password", "name", "created_at").
		Prepared(true).
		ToSQL()
}

func selectUserSQL(column string, value any) (string, []any, error) {
	return pg.From(usersTable).
		Select("id", "email", "password", "name", "created_at").
		Where(goqu.C(column).Eq(value)).
		Limit(1).
		Prepared(true).
		ToSQL()
}

func (s *PostgresStore) CreateUser(ctx context.Context, email, passwordHash, name string) (*models.User, error) {
	query, args, err := insertUserSQL(email, passwordHash, name)
	if err != nil {
		return nil, fmt.Errorf("build insert user: %w", err)
	}

	u, err := scanUser(s.pool.QueryRow(ctx, query, args...))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, fmt.Errorf("%w: email %s", models.ErrConflict, email)
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	return u, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return s.getUser(ctx, "email", email)
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: user %s", models.ErrNotFound, id)
	}
	return s.getUser(ctx, "id", id)
}

func (s *PostgresStore) getUser(ctx context.Context, column, value string) (*models.User, error) {
	query, args, err := selectUserSQL(column, value)
	if err != nil {
		return nil, fmt.Errorf("build select user: %w", err)
	}

	u, err := scanUser(s.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: user %s", models.ErrNotFound, value)
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func scanUser(row pgx.Row) (*models.User, error) {
	var u models.User
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Name, &u.CreatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}
