package users

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/caja-rds/caja-rds/internal/platform/db"
	"github.com/caja-rds/caja-rds/internal/shared"
)

// Repository defines persistence operations for users.
type Repository interface {
	FindByUsername(ctx context.Context, username string) (User, error)
	FindByID(ctx context.Context, id int64) (User, error)
	List(ctx context.Context) ([]User, error)
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// TxRepository exposes methods available within a transaction.
type TxRepository interface {
	InsertUser(ctx context.Context, u User) (User, error)
	GetUserForUpdate(ctx context.Context, id int64) (User, error)
	UpdateUser(ctx context.Context, u User) (User, error)
	RecordAudit(ctx context.Context, log shared.AuditLog) error
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const userColumns = `id, username, email, full_name, role, is_active, password_hash, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.FullName, &u.Role, &u.IsActive, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, fmt.Errorf("user: %w", shared.ErrNotFound)
	}
	return u, err
}

// FindByUsername fetches a user by username, case-insensitively.
func (r *PGRepository) FindByUsername(ctx context.Context, username string) (User, error) {
	return scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE lower(username) = lower($1)`, username))
}

// FindByID fetches a user by id.
func (r *PGRepository) FindByID(ctx context.Context, id int64) (User, error) {
	return scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

// List returns every user ordered by id.
func (r *PGRepository) List(ctx context.Context) ([]User, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+userColumns+` FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// WithTx runs fn inside a database transaction.
func (r *PGRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

type txRepository struct {
	tx pgx.Tx
}

func (t *txRepository) InsertUser(ctx context.Context, u User) (User, error) {
	created, err := scanUser(t.tx.QueryRow(ctx, `INSERT INTO users (username, email, full_name, role, is_active, password_hash)
VALUES ($1, $2, $3, $4, $5, $6) RETURNING `+userColumns, u.Username, u.Email, u.FullName, u.Role, u.IsActive, u.PasswordHash))
	if shared.IsUniqueViolation(err) {
		return User{}, fmt.Errorf("%w: username or email already registered", shared.ErrValidation)
	}
	return created, err
}

func (t *txRepository) GetUserForUpdate(ctx context.Context, id int64) (User, error) {
	return scanUser(t.tx.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1 FOR UPDATE`, id))
}

func (t *txRepository) UpdateUser(ctx context.Context, u User) (User, error) {
	return scanUser(t.tx.QueryRow(ctx, `UPDATE users SET full_name = $2, role = $3, is_active = $4, password_hash = $5, updated_at = NOW()
WHERE id = $1 RETURNING `+userColumns, u.ID, u.FullName, u.Role, u.IsActive, u.PasswordHash))
}

func (t *txRepository) RecordAudit(ctx context.Context, log shared.AuditLog) error {
	return shared.InsertAuditLog(ctx, t.tx, log)
}
