package users

import (
	"time"

	"github.com/caja-rds/caja-rds/internal/rbac"
)

// User represents an operator account of the cooperative back office.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	FullName     string    `json:"full_name"`
	Role         rbac.Role `json:"role"`
	IsActive     bool      `json:"is_active"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// CreateInput carries the fields needed to create a user.
type CreateInput struct {
	Username string `json:"username" validate:"required,min=3,max=50,alphanum"`
	Email    string `json:"email" validate:"required,email,max=254"`
	FullName string `json:"full_name" validate:"required,max=120"`
	Role     string `json:"role" validate:"required,oneof=ADMIN SUPERVISOR CAJERO AUDITOR"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

// UpdateInput carries optional changes; nil fields are left untouched.
type UpdateInput struct {
	FullName *string `json:"full_name,omitempty" validate:"omitempty,max=120"`
	Role     *string `json:"role,omitempty" validate:"omitempty,oneof=ADMIN SUPERVISOR CAJERO AUDITOR"`
	IsActive *bool   `json:"is_active,omitempty"`
	Password *string `json:"password,omitempty" validate:"omitempty,min=8,max=72"`
}

// BootstrapAdmin describes the administrator created on first start.
type BootstrapAdmin struct {
	Username string
	Email    string
	Password string
}
