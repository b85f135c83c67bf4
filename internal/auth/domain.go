package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/caja-rds/caja-rds/internal/users"
)

// Claims is the bearer token payload.
type Claims struct {
	UserID int64  `json:"uid"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// Session is the outcome of a successful login.
type Session struct {
	Token     string     `json:"access_token"`
	TokenType string     `json:"token_type"`
	ExpiresAt time.Time  `json:"expires_at"`
	User      users.User `json:"user"`
}
