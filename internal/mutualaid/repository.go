package mutualaid

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/caja-rds/caja-rds/internal/ledger"
	"github.com/caja-rds/caja-rds/internal/platform/db"
	"github.com/caja-rds/caja-rds/internal/shared"
)

// Repository persists aid requests and contributions.
type Repository interface {
	GetRequest(ctx context.Context, id int64) (Request, error)
	ListRequests(ctx context.Context, f RequestFilter) ([]Request, int, error)
	ListContributions(ctx context.Context, memberID int64, page, pageSize int) ([]Contribution, int, error)
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// TxRepository extends the ledger statements with request and contribution
// writes so approvals and contributions post in the same transaction.
type TxRepository interface {
	ledger.TxRepository
	InsertRequest(ctx context.Context, r Request) (Request, error)
	GetRequestForUpdate(ctx context.Context, id int64) (Request, error)
	UpdateRequestDecision(ctx context.Context, r Request) (Request, error)
	InsertContribution(ctx context.Context, c Contribution) (Contribution, error)
}

type repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs the postgres repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{pool: pool}
}

const (
	requestColumns      = `id, member_id, amount, reason, status, requested_by, requested_at, decided_by, decided_at, notes, transaction_id`
	contributionColumns = `id, member_id, account_id, transaction_id, amount, period_month, period_year, created_by, created_at`
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner, extra ...any) (Request, error) {
	var r Request
	dest := []any{&r.ID, &r.MemberID, &r.Amount, &r.Reason, &r.Status, &r.RequestedBy, &r.RequestedAt, &r.DecidedBy, &r.DecidedAt, &r.Notes, &r.TransactionID}
	err := row.Scan(append(dest, extra...)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return Request{}, fmt.Errorf("mutual aid request: %w", shared.ErrNotFound)
	}
	return r, err
}

func scanContribution(row rowScanner, extra ...any) (Contribution, error) {
	var c Contribution
	dest := []any{&c.ID, &c.MemberID, &c.AccountID, &c.TransactionID, &c.Amount, &c.PeriodMonth, &c.PeriodYear, &c.CreatedBy, &c.CreatedAt}
	err := row.Scan(append(dest, extra...)...)
	return c, err
}

func (r *repository) GetRequest(ctx context.Context, id int64) (Request, error) {
	return scanRequest(r.pool.QueryRow(ctx, `SELECT `+requestColumns+` FROM mutual_aid_requests WHERE id = $1`, id))
}

func (r *repository) ListRequests(ctx context.Context, f RequestFilter) ([]Request, int, error) {
	page, size := shared.NormalizePage(f.Page, f.PageSize)
	rows, err := r.pool.Query(ctx, `SELECT `+requestColumns+`, COUNT(*) OVER()
FROM mutual_aid_requests
WHERE ($1 = '' OR status = $1) AND ($2 = 0 OR member_id = $2)
ORDER BY requested_at DESC, id DESC
LIMIT $3 OFFSET $4`, string(f.Status), f.MemberID, size, shared.Offset(page, size))
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var (
		out   []Request
		total int
	)
	for rows.Next() {
		req, err := scanRequest(rows, &total)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, req)
	}
	return out, total, rows.Err()
}

func (r *repository) ListContributions(ctx context.Context, memberID int64, page, pageSize int) ([]Contribution, int, error) {
	page, pageSize = shared.NormalizePage(page, pageSize)
	rows, err := r.pool.Query(ctx, `SELECT `+contributionColumns+`, COUNT(*) OVER()
FROM mutual_aid_contributions
WHERE ($1 = 0 OR member_id = $1)
ORDER BY created_at DESC, id DESC
LIMIT $2 OFFSET $3`, memberID, pageSize, shared.Offset(page, pageSize))
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var (
		out   []Contribution
		total int
	)
	for rows.Next() {
		c, err := scanContribution(rows, &total)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, c)
	}
	return out, total, rows.Err()
}

func (r *repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTxOptions(ctx, r.pool, db.PostingTxOptions, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{TxRepository: ledger.NewTxRepository(tx), tx: tx})
	})
}

type txRepository struct {
	ledger.TxRepository
	tx pgx.Tx
}

func (t *txRepository) InsertRequest(ctx context.Context, r Request) (Request, error) {
	return scanRequest(t.tx.QueryRow(ctx, `INSERT INTO mutual_aid_requests (member_id, amount, reason, status, requested_by, requested_at)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING `+requestColumns, r.MemberID, r.Amount, r.Reason, r.Status, r.RequestedBy, r.RequestedAt))
}

func (t *txRepository) GetRequestForUpdate(ctx context.Context, id int64) (Request, error) {
	return scanRequest(t.tx.QueryRow(ctx, `SELECT `+requestColumns+` FROM mutual_aid_requests WHERE id = $1 FOR UPDATE`, id))
}

func (t *txRepository) UpdateRequestDecision(ctx context.Context, r Request) (Request, error) {
	return scanRequest(t.tx.QueryRow(ctx, `UPDATE mutual_aid_requests
SET status = $2, decided_by = $3, decided_at = $4, notes = $5, transaction_id = $6
WHERE id = $1 AND status = 'PENDING'
RETURNING `+requestColumns, r.ID, r.Status, r.DecidedBy, r.DecidedAt, r.Notes, r.TransactionID))
}

func (t *txRepository) InsertContribution(ctx context.Context, c Contribution) (Contribution, error) {
	return scanContribution(t.tx.QueryRow(ctx, `INSERT INTO mutual_aid_contributions
(member_id, account_id, transaction_id, amount, period_month, period_year, created_by, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING `+contributionColumns, c.MemberID, c.AccountID, c.TransactionID, c.Amount, c.PeriodMonth, c.PeriodYear, c.CreatedBy, c.CreatedAt))
}
