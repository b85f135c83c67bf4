package dashboard

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository computes dashboard figures.
type Repository interface {
	Stats(ctx context.Context, dayStart, dayEnd time.Time) (Stats, error)
}

type pgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository builds the Postgres-backed repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &pgRepository{pool: pool}
}

func (r *pgRepository) Stats(ctx context.Context, dayStart, dayEnd time.Time) (Stats, error) {
	var s Stats
	err := r.pool.QueryRow(ctx, `SELECT
    (SELECT COUNT(*) FROM members WHERE status = 'ACTIVE'),
    (SELECT COUNT(*) FROM accounts),
    (SELECT COALESCE(SUM(balance), 0) FROM accounts),
    (SELECT COUNT(*) FROM transactions WHERE created_at >= $1 AND created_at < $2),
    (SELECT COUNT(*) FROM mutual_aid_requests WHERE status = 'PENDING')`, dayStart, dayEnd).
		Scan(&s.ActiveMembers, &s.TotalAccounts, &s.TotalBalance, &s.TodayTransactions, &s.PendingAidRequests)
	return s, err
}
