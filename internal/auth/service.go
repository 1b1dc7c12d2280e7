package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/ayush/bookshelf/internal/models"
	"github.com/ayush/bookshelf/internal/validator"
)

// UserStore defines the interface for user persistence. Lookups return
// models.ErrNotFound when nothing matches; CreateUser returns
// models.ErrConflict when the email is taken.
type UserStore interface {
	CreateUser(ctx context.Context, email, passwordHash, name string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	GetUserByID(ctx context.Context, id string) (*models.User, error)
}

var errInvalidCredentials = fmt.Errorf("%w: invalid email or password", models.ErrUnauthorized)

// Service registers and authenticates users.
type Service struct {
	users      UserStore
	tokens     *TokenIssuer
	bcryptCost int

	dummyOnce sync.Once
	dummyHash []byte
}

// Option configures a Service.
type Option func(*Service)

// WithBcryptCost overrides bcrypt.DefaultCost.
func WithBcryptCost(cost int) Option {
	return func(s *Service) { s.bcryptCost = cost }
}

// NewService wires the user store and token issuer. tokens may be nil for
// callers that only register users.
func NewService(users UserStore, tokens *TokenIssuer, opts ...Option) *Service {
	s := &Service{users: users, tokens: tokens, bcryptCost: bcrypt.DefaultCost}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register validates the request, hashes the password and stores the user.
func (s *Service) Register(ctx context.Context, req models.RegisterRequest) (*models.User, error) {
	if err := validator.Validate(req); err != nil {
		return nil, err
	}

	_, err := s.users.GetUserByEmail(ctx, req.Email)
	switch {
	case err == nil:
		return nil, fmt.Errorf("%w: email %s is already registered", models.ErrConflict, req.Email)
	case !errors.Is(err, models.ErrNotFound):
		return nil, fmt.Errorf("lookup user: %w", err)
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user, err := s.users.CreateUser(ctx, req.Email, string(hashed), req.Name)
	if err != nil {
		if errors.Is(err, models.ErrConflict) {
			return nil, fmt.Errorf("%w: email %s is already registered", models.ErrConflict, req.Email)
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

// Login checks the credentials and issues a token. Unknown emails and
// wrong passwords produce the same error.
func (s *Service) Login(ctx context.Context, req models.LoginRequest) (*models.LoginResponse, error) {
	if err := validator.Validate(req); err != nil {
		return nil, err
	}
	if s.tokens == nil {
		return nil, errors.New("login: no token issuer configured")
	}

	user, err := s.users.GetUserByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			// Spend the same bcrypt work as a real comparison.
			_ = bcrypt.CompareHashAndPassword(s.dummy(), []byte(req.Password))
			return nil, errInvalidCredentials
		}
		return nil, fmt.Errorf("lookup user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return nil, errInvalidCredentials
	}

	token, _, err := s.tokens.Issue(user.ID, user.Email)
	if err != nil {
		return nil, err
	}
	return &models.LoginResponse{User: user.Public(), Token: token}, nil
}

// Me returns the user behind a verified token.
func (s *Service) Me(ctx context.Context, userID string) (*models.User, error) {
	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("lookup user %s: %w", userID, err)
	}
	return user, nil
}

func (s *Service) dummy() []byte {
	s.dummyOnce.Do(func() {
		s.dummyHash, _ = bcrypt.GenerateFromPassword([]byte("not-a-real-password"), s.bcryptCost)
	})
	return s.dummyHash
}
