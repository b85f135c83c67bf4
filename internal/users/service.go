package users

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/caja-rds/caja-rds/internal/rbac"
	"github.com/caja-rds/caja-rds/internal/shared"
)

// Service handles user business logic.
type Service struct {
	repo     Repository
	logger   *slog.Logger
	hashCost int
	now      func() time.Time
}

// NewService builds Service instance.
func NewService(repo Repository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, logger: logger, hashCost: bcrypt.DefaultCost, now: time.Now}
}

// WithHashCost overrides the bcrypt cost, mainly for tests.
func (s *Service) WithHashCost(cost int) {
	if cost >= bcrypt.MinCost && cost <= bcrypt.MaxCost {
		s.hashCost = cost
	}
}

// WithNow overrides the clock.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Get returns a single user.
func (s *Service) Get(ctx context.Context, id int64) (User, error) {
	return s.repo.FindByID(ctx, id)
}

// FindByUsername returns the user holding username.
func (s *Service) FindByUsername(ctx context.Context, username string) (User, error) {
	return s.repo.FindByUsername(ctx, strings.TrimSpace(username))
}

// ListUsers returns all users.
func (s *Service) ListUsers(ctx context.Context, actor shared.Actor) ([]User, error) {
	if err := rbac.Authorize(actor, rbac.PermUsersManage); err != nil {
		return nil, err
	}
	return s.repo.List(ctx)
}

// CreateUser registers a new operator account.
func (s *Service) CreateUser(ctx context.Context, actor shared.Actor, in CreateInput) (User, error) {
	if err := rbac.Authorize(actor, rbac.PermUsersManage); err != nil {
		return User{}, err
	}
	role, err := rbac.ParseRole(in.Role)
	if err != nil {
		return User{}, err
	}
	hash, err := s.hash(in.Password)
	if err != nil {
		return User{}, err
	}
	var created User
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		created, err = tx.InsertUser(ctx, User{
			Username:     strings.TrimSpace(in.Username),
			Email:        strings.ToLower(strings.TrimSpace(in.Email)),
			FullName:     strings.TrimSpace(in.FullName),
			Role:         role,
			IsActive:     true,
			PasswordHash: hash,
		})
		if err != nil {
			return err
		}
		return tx.RecordAudit(ctx, shared.NewAuditLog(actor, "user.create", "user", created.ID, map[string]any{
			"new": map[string]any{"username": created.Username, "email": created.Email, "role": created.Role},
		}, s.now()))
	})
	if err != nil {
		return User{}, err
	}
	return created, nil
}

// UpdateUser changes name, role, active flag or password of a user.
func (s *Service) UpdateUser(ctx context.Context, actor shared.Actor, id int64, in UpdateInput) (User, error) {
	if err := rbac.Authorize(actor, rbac.PermUsersManage); err != nil {
		return User{}, err
	}
	var role rbac.Role
	if in.Role != nil {
		parsed, err := rbac.ParseRole(*in.Role)
		if err != nil {
			return User{}, err
		}
		role = parsed
	}
	var hash string
	if in.Password != nil {
		h, err := s.hash(*in.Password)
		if err != nil {
			return User{}, err
		}
		hash = h
	}
	if actor.UserID == id && ((in.IsActive != nil && !*in.IsActive) || (role != "" && role != rbac.RoleAdmin)) {
		return User{}, fmt.Errorf("%w: administrators cannot demote or deactivate themselves", shared.ErrValidation)
	}

	var updated User
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetUserForUpdate(ctx, id)
		if err != nil {
			return err
		}
		next := current
		if in.FullName != nil {
			next.FullName = strings.TrimSpace(*in.FullName)
		}
		if role != "" {
			next.Role = role
		}
		if in.IsActive != nil {
			next.IsActive = *in.IsActive
		}
		if hash != "" {
			next.PasswordHash = hash
		}
		updated, err = tx.UpdateUser(ctx, next)
		if err != nil {
			return err
		}
		return tx.RecordAudit(ctx, shared.NewAuditLog(actor, "user.update", "user", id, map[string]any{
			"old":              map[string]any{"full_name": current.FullName, "role": current.Role, "is_active": current.IsActive},
			"new":              map[string]any{"full_name": updated.FullName, "role": updated.Role, "is_active": updated.IsActive},
			"password_changed": hash != "",
		}, s.now()))
	})
	if err != nil {
		return User{}, err
	}
	return updated, nil
}

// EnsureAdmin creates the bootstrap administrator when the username is free.
// It reports whether a user was created.
func (s *Service) EnsureAdmin(ctx context.Context, admin BootstrapAdmin) (bool, error) {
	if strings.TrimSpace(admin.Username) == "" || admin.Password == "" {
		return false, errors.New("users: bootstrap admin requires username and password")
	}
	_, err := s.repo.FindByUsername(ctx, admin.Username)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, shared.ErrNotFound) {
		return false, err
	}
	_, err = s.CreateUser(ctx, rbac.SystemActor(), CreateInput{
		Username: admin.Username,
		Email:    admin.Email,
		FullName: "Administrator",
		Role:     string(rbac.RoleAdmin),
		Password: admin.Password,
	})
	if err != nil {
		return false, err
	}
	s.logger.Info("bootstrap admin created", slog.String("username", admin.Username))
	return true, nil
}

func (s *Service) hash(password string) (string, error) {
	if len(password) < 8 {
		return "", fmt.Errorf("%w: password must have at least 8 characters", shared.ErrValidation)
	}
	out, err := bcrypt.GenerateFromPassword([]byte(password), s.hashCost)
	if err != nil {
		return "", fmt.Errorf("users: hash password: %w", err)
	}
	return string(out), nil
}
