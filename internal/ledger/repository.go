package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/caja-rds/caja-rds/internal/platform/db"
	"github.com/caja-rds/caja-rds/internal/shared"
)

// Repository exposes ledger reads and the posting transaction boundary.
type Repository interface {
	GetAccount(ctx context.Context, id int64) (Account, error)
	FindAccountByMemberAndType(ctx context.Context, memberID int64, t AccountType) (Account, error)
	ListAccounts(ctx context.Context, memberID int64) ([]Account, error)
	LastTransactionID(ctx context.Context, accountID int64) (int64, error)
	TransactionsAfter(ctx context.Context, accountID int64, f HistoryFilter, after Cursor, untilID int64, limit int) ([]Transaction, error)
	ListTransactions(ctx context.Context, f TransactionFilter) ([]Transaction, int, error)
	IntegrityReport(ctx context.Context) ([]Drift, error)
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// TxRepository exposes the statements a posting runs inside one transaction.
type TxRepository interface {
	GetMemberRef(ctx context.Context, memberID int64) (MemberRef, error)
	FindAccountByMemberAndType(ctx context.Context, memberID int64, t AccountType) (Account, error)
	NextAccountSeq(ctx context.Context) (int64, error)
	InsertAccount(ctx context.Context, a Account) (Account, error)
	GetAccountForUpdate(ctx context.Context, id int64) (Account, error)
	UpdateAccountBalance(ctx context.Context, id int64, balance decimal.Decimal, at time.Time) error
	SetAccountBlocked(ctx context.Context, id int64, blocked bool, at time.Time) (Account, error)
	NextReferenceSeq(ctx context.Context) (int64, error)
	InsertTransaction(ctx context.Context, t Transaction) (Transaction, error)
	RecordAudit(ctx context.Context, log shared.AuditLog) error
}

type repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs the postgres ledger repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{pool: pool}
}

const (
	accountColumns     = `id, member_id, account_number, account_type, balance, is_blocked, created_at, updated_at`
	transactionColumns = `id, account_id, member_id, reference, transaction_type, amount, balance_before, balance_after, description, created_by, created_at`
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (Account, error) {
	var a Account
	err := row.Scan(&a.ID, &a.MemberID, &a.Number, &a.Type, &a.Balance, &a.IsBlocked, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Account{}, fmt.Errorf("account: %w", shared.ErrNotFound)
	}
	return a, err
}

func scanTransaction(row rowScanner, extra ...any) (Transaction, error) {
	var t Transaction
	dest := []any{&t.ID, &t.AccountID, &t.MemberID, &t.Reference, &t.Type, &t.Amount, &t.BalanceBefore, &t.BalanceAfter, &t.Description, &t.CreatedBy, &t.CreatedAt}
	err := row.Scan(append(dest, extra...)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return Transaction{}, fmt.Errorf("transaction: %w", shared.ErrNotFound)
	}
	return t, err
}

func (r *repository) GetAccount(ctx context.Context, id int64) (Account, error) {
	return scanAccount(r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
}

func (r *repository) FindAccountByMemberAndType(ctx context.Context, memberID int64, t AccountType) (Account, error) {
	return scanAccount(r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE member_id = $1 AND account_type = $2`, memberID, t))
}

func (r *repository) ListAccounts(ctx context.Context, memberID int64) ([]Account, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+accountColumns+` FROM accounts
WHERE ($1 = 0 OR member_id = $1)
ORDER BY account_number`, memberID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *repository) LastTransactionID(ctx context.Context, accountID int64) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(MAX(id), 0) FROM transactions WHERE account_id = $1`, accountID).Scan(&id)
	return id, err
}

func (r *repository) TransactionsAfter(ctx context.Context, accountID int64, f HistoryFilter, after Cursor, untilID int64, limit int) ([]Transaction, error) {
	args := []any{accountID, untilID}
	where := []string{"account_id = $1", "id <= $2"}
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.Type != "" {
		add("transaction_type = $%d", f.Type)
	}
	if !f.From.IsZero() {
		add("created_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("created_at < $%d", f.To)
	}
	if after.ID > 0 {
		args = append(args, after.CreatedAt, after.ID)
		where = append(where, fmt.Sprintf("(created_at, id) > ($%d, $%d)", len(args)-1, len(args)))
	}
	args = append(args, limit)
	query := fmt.Sprintf(`SELECT %s FROM transactions WHERE %s ORDER BY created_at ASC, id ASC LIMIT $%d`,
		transactionColumns, strings.Join(where, " AND "), len(args))
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *repository) ListTransactions(ctx context.Context, f TransactionFilter) ([]Transaction, int, error) {
	page, size := shared.NormalizePage(f.Page, f.PageSize)
	var (
		args  []any
		where = []string{"TRUE"}
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.AccountID > 0 {
		add("account_id = $%d", f.AccountID)
	}
	if f.MemberID > 0 {
		add("member_id = $%d", f.MemberID)
	}
	if f.Type != "" {
		add("transaction_type = $%d", f.Type)
	}
	if !f.From.IsZero() {
		add("created_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("created_at < $%d", f.To)
	}
	args = append(args, size, shared.Offset(page, size))
	query := fmt.Sprintf(`SELECT %s, COUNT(*) OVER() FROM transactions WHERE %s
ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		transactionColumns, strings.Join(where, " AND "), len(args)-1, len(args))
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var (
		out   []Transaction
		total int
	)
	for rows.Next() {
		t, err := scanTransaction(rows, &total)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, t)
	}
	return out, total, rows.Err()
}

func (r *repository) IntegrityReport(ctx context.Context) ([]Drift, error) {
	rows, err := r.pool.Query(ctx, `WITH sums AS (
    SELECT account_id,
           SUM(CASE WHEN transaction_type = 'DEPOSIT' THEN amount ELSE -amount END) AS ledger_sum
    FROM transactions
    GROUP BY account_id
), last AS (
    SELECT DISTINCT ON (account_id) account_id, balance_after
    FROM transactions
    ORDER BY account_id, created_at DESC, id DESC
)
SELECT a.id, a.account_number, a.balance, COALESCE(s.ledger_sum, 0), COALESCE(l.balance_after, 0)
FROM accounts a
LEFT JOIN sums s ON s.account_id = a.id
LEFT JOIN last l ON l.account_id = a.id
WHERE a.balance <> COALESCE(s.ledger_sum, 0) OR a.balance <> COALESCE(l.balance_after, 0)
ORDER BY a.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Drift
	for rows.Next() {
		var d Drift
		if err := rows.Scan(&d.AccountID, &d.AccountNumber, &d.Balance, &d.LedgerSum, &d.LastBalanceAfter); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// WithTx runs fn in a read committed transaction so row locks observe the
// latest committed balance.
func (r *repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTxOptions(ctx, r.pool, db.PostingTxOptions, func(tx pgx.Tx) error {
		return fn(ctx, NewTxRepository(tx))
	})
}

// NewTxRepository binds the ledger statements to an open transaction. Other
// modules use it to post within their own unit of work.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &txRepository{tx: tx}
}

type txRepository struct {
	tx pgx.Tx
}

func (t *txRepository) GetMemberRef(ctx context.Context, memberID int64) (MemberRef, error) {
	var m MemberRef
	err := t.tx.QueryRow(ctx, `SELECT id, user_id, status, registered_at FROM members WHERE id = $1`, memberID).
		Scan(&m.ID, &m.UserID, &m.Status, &m.RegisteredAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return MemberRef{}, fmt.Errorf("member %d: %w", memberID, shared.ErrNotFound)
	}
	return m, err
}

func (t *txRepository) FindAccountByMemberAndType(ctx context.Context, memberID int64, at AccountType) (Account, error) {
	return scanAccount(t.tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE member_id = $1 AND account_type = $2 FOR UPDATE`, memberID, at))
}

func (t *txRepository) NextAccountSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := t.tx.QueryRow(ctx, `SELECT nextval('account_number_seq')`).Scan(&seq)
	return seq, err
}

func (t *txRepository) InsertAccount(ctx context.Context, a Account) (Account, error) {
	created, err := scanAccount(t.tx.QueryRow(ctx, `INSERT INTO accounts (member_id, account_number, account_type, balance, is_blocked, created_at, updated_at)
VALUES ($1, $2, $3, $4, FALSE, $5, $5)
RETURNING `+accountColumns, a.MemberID, a.Number, a.Type, a.Balance, a.CreatedAt))
	if shared.IsUniqueViolation(err) {
		return Account{}, fmt.Errorf("%w: member already holds a %s account", shared.ErrValidation, a.Type)
	}
	return created, err
}

func (t *txRepository) GetAccountForUpdate(ctx context.Context, id int64) (Account, error) {
	return scanAccount(t.tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, id))
}

func (t *txRepository) UpdateAccountBalance(ctx context.Context, id int64, balance decimal.Decimal, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `UPDATE accounts SET balance = $2, updated_at = $3 WHERE id = $1`, id, balance, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account %d: %w", id, shared.ErrNotFound)
	}
	return nil
}

func (t *txRepository) SetAccountBlocked(ctx context.Context, id int64, blocked bool, at time.Time) (Account, error) {
	return scanAccount(t.tx.QueryRow(ctx, `UPDATE accounts SET is_blocked = $2, updated_at = $3 WHERE id = $1 RETURNING `+accountColumns, id, blocked, at))
}

func (t *txRepository) NextReferenceSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := t.tx.QueryRow(ctx, `SELECT nextval('transaction_ref_seq')`).Scan(&seq)
	return seq, err
}

func (t *txRepository) InsertTransaction(ctx context.Context, tr Transaction) (Transaction, error) {
	return scanTransaction(t.tx.QueryRow(ctx, `INSERT INTO transactions
(account_id, member_id, reference, transaction_type, amount, balance_before, balance_after, description, created_by, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
RETURNING `+transactionColumns,
		tr.AccountID, tr.MemberID, tr.Reference, tr.Type, tr.Amount, tr.BalanceBefore, tr.BalanceAfter, tr.Description, tr.CreatedBy, tr.CreatedAt))
}

func (t *txRepository) RecordAudit(ctx context.Context, log shared.AuditLog) error {
	return shared.InsertAuditLog(ctx, t.tx, log)
}
