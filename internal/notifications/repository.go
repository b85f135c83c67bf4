package notifications

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/caja-rds/caja-rds/internal/platform/db"
	"github.com/caja-rds/caja-rds/internal/shared"
)

// Repository persists notifications.
type Repository interface {
	Insert(ctx context.Context, recipientID int64, msg Message, at time.Time) (Notification, error)
	ActiveUserIDs(ctx context.Context) ([]int64, error)
	List(ctx context.Context, recipientID int64, unreadOnly bool, page, pageSize int) ([]Notification, int, error)
	UnreadCount(ctx context.Context, recipientID int64) (int, error)
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// TxRepository exposes methods available within a transaction.
type TxRepository interface {
	Insert(ctx context.Context, recipientID int64, msg Message, at time.Time) (Notification, error)
	GetForUpdate(ctx context.Context, id int64) (Notification, error)
	MarkRead(ctx context.Context, id int64, at time.Time) (Notification, error)
	RecordAudit(ctx context.Context, log shared.AuditLog) error
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs the postgres repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{pool: pool}
}

const notificationColumns = `id, recipient_id, title, message, type, status, created_at, read_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNotification(row rowScanner, extra ...any) (Notification, error) {
	var n Notification
	dest := []any{&n.ID, &n.RecipientID, &n.Title, &n.Message, &n.Type, &n.Status, &n.CreatedAt, &n.ReadAt}
	err := row.Scan(append(dest, extra...)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return Notification{}, fmt.Errorf("notification: %w", shared.ErrNotFound)
	}
	return n, err
}

func insert(ctx context.Context, q querier, recipientID int64, msg Message, at time.Time) (Notification, error) {
	n, err := scanNotification(q.QueryRow(ctx, `INSERT INTO notifications (recipient_id, title, message, type, status, created_at)
VALUES ($1, $2, $3, $4, 'UNREAD', $5)
RETURNING `+notificationColumns, recipientID, msg.Title, msg.Body, msg.Type, at))
	if shared.IsForeignKeyViolation(err) {
		return Notification{}, fmt.Errorf("user %d: %w", recipientID, shared.ErrNotFound)
	}
	return n, err
}

func (r *repository) Insert(ctx context.Context, recipientID int64, msg Message, at time.Time) (Notification, error) {
	return insert(ctx, r.pool, recipientID, msg, at)
}

func (r *repository) ActiveUserIDs(ctx context.Context) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM users WHERE is_active ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

func (r *repository) List(ctx context.Context, recipientID int64, unreadOnly bool, page, pageSize int) ([]Notification, int, error) {
	page, pageSize = shared.NormalizePage(page, pageSize)
	rows, err := r.pool.Query(ctx, `SELECT `+notificationColumns+`, COUNT(*) OVER()
FROM notifications
WHERE recipient_id = $1 AND (NOT $2 OR status = 'UNREAD')
ORDER BY created_at DESC, id DESC
LIMIT $3 OFFSET $4`, recipientID, unreadOnly, pageSize, shared.Offset(page, pageSize))
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var (
		out   []Notification
		total int
	)
	for rows.Next() {
		n, err := scanNotification(rows, &total)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, n)
	}
	return out, total, rows.Err()
}

func (r *repository) UnreadCount(ctx context.Context, recipientID int64) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM notifications WHERE recipient_id = $1 AND status = 'UNREAD'`, recipientID).Scan(&count)
	return count, err
}

func (r *repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

type txRepository struct {
	tx pgx.Tx
}

func (t *txRepository) Insert(ctx context.Context, recipientID int64, msg Message, at time.Time) (Notification, error) {
	return insert(ctx, t.tx, recipientID, msg, at)
}

func (t *txRepository) GetForUpdate(ctx context.Context, id int64) (Notification, error) {
	return scanNotification(t.tx.QueryRow(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE id = $1 FOR UPDATE`, id))
}

func (t *txRepository) MarkRead(ctx context.Context, id int64, at time.Time) (Notification, error) {
	return scanNotification(t.tx.QueryRow(ctx, `UPDATE notifications SET status = 'READ', read_at = $2 WHERE id = $1 RETURNING `+notificationColumns, id, at))
}

func (t *txRepository) RecordAudit(ctx context.Context, log shared.AuditLog) error {
	return shared.InsertAuditLog(ctx, t.tx, log)
}
