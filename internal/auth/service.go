package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/caja-rds/caja-rds/internal/shared"
	"github.com/caja-rds/caja-rds/internal/users"
)

// UserDirectory is the subset of the user store authentication needs.
type UserDirectory interface {
	FindByUsername(ctx context.Context, username string) (users.User, error)
	Get(ctx context.Context, id int64) (users.User, error)
}

// Service wraps authentication business rules.
type Service struct {
	users       UserDirectory
	tokens      *TokenManager
	revocations RevocationStore
	logger      *slog.Logger
}

// NewService constructs a new Service.
func NewService(directory UserDirectory, tokens *TokenManager, revocations RevocationStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{users: directory, tokens: tokens, revocations: revocations, logger: logger}
}

// Authenticate validates username/password credentials.
func (s *Service) Authenticate(ctx context.Context, username, password string) (users.User, error) {
	user, err := s.users.FindByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return users.User{}, shared.ErrInvalidCredentials
		}
		return users.User{}, err
	}
	if !user.IsActive {
		return users.User{}, shared.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return users.User{}, shared.ErrInvalidCredentials
	}
	return user, nil
}

// Login authenticates and issues a bearer token.
func (s *Service) Login(ctx context.Context, username, password string) (Session, error) {
	user, err := s.Authenticate(ctx, username, password)
	if err != nil {
		return Session{}, err
	}
	token, claims, err := s.tokens.Issue(user)
	if err != nil {
		return Session{}, err
	}
	return Session{Token: token, TokenType: "bearer", ExpiresAt: claims.ExpiresAt.Time, User: user}, nil
}

// Logout revokes the token described by claims.
func (s *Service) Logout(ctx context.Context, claims *Claims) error {
	if claims == nil || s.revocations == nil {
		return nil
	}
	return s.revocations.Revoke(ctx, claims.ID, claims.ExpiresAt.Time)
}

// Resolve verifies a raw bearer token and loads its active user. Role
// changes and deactivation take effect on the next request.
func (s *Service) Resolve(ctx context.Context, raw string) (users.User, *Claims, error) {
	claims, err := s.tokens.Parse(raw)
	if err != nil {
		return users.User{}, nil, err
	}
	if s.revocations != nil {
		revoked, err := s.revocations.IsRevoked(ctx, claims.ID)
		if err != nil {
			s.logger.Warn("token revocation lookup", slog.Any("error", err))
			return users.User{}, nil, fmt.Errorf("auth: revocation lookup: %w", err)
		}
		if revoked {
			return users.User{}, nil, fmt.Errorf("%w: token revoked", shared.ErrUnauthorized)
		}
	}
	user, err := s.users.Get(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return users.User{}, nil, fmt.Errorf("%w: unknown user", shared.ErrUnauthorized)
		}
		return users.User{}, nil, err
	}
	if !user.IsActive {
		return users.User{}, nil, fmt.Errorf("%w: user inactive", shared.ErrUnauthorized)
	}
	return user, claims, nil
}
