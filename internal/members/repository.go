package members

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/caja-rds/caja-rds/internal/platform/db"
	"github.com/caja-rds/caja-rds/internal/shared"
)

// Repository encapsulates DB operations for members.
type Repository interface {
	Get(ctx context.Context, id int64) (Member, error)
	FindByIdentityDocument(ctx context.Context, document string) (Member, error)
	Search(ctx context.Context, q SearchQuery) ([]Member, int, error)
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// TxRepository exposes methods available within a transaction.
type TxRepository interface {
	NextMemberSeq(ctx context.Context) (int64, error)
	IdentityDocumentTaken(ctx context.Context, document string, excludeID int64) (bool, error)
	UserExists(ctx context.Context, userID int64) (bool, error)
	InsertMember(ctx context.Context, m Member) (Member, error)
	GetMemberForUpdate(ctx context.Context, id int64) (Member, error)
	UpdateMember(ctx context.Context, m Member) (Member, error)
	RecordAudit(ctx context.Context, log shared.AuditLog) error
}

type repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs the postgres repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{pool: pool}
}

const memberColumns = `id, member_seq, member_number, identity_document, first_name, last_name, email, phone, address, birth_date, status, user_id, registered_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMember(row rowScanner, extra ...any) (Member, error) {
	var m Member
	dest := []any{&m.ID, &m.Seq, &m.Number, &m.IdentityDocument, &m.FirstName, &m.LastName, &m.Email, &m.Phone, &m.Address, &m.BirthDate, &m.Status, &m.UserID, &m.RegisteredAt, &m.UpdatedAt}
	err := row.Scan(append(dest, extra...)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return Member{}, fmt.Errorf("member: %w", shared.ErrNotFound)
	}
	return m, err
}

func (r *repository) Get(ctx context.Context, id int64) (Member, error) {
	return scanMember(r.pool.QueryRow(ctx, `SELECT `+memberColumns+` FROM members WHERE id = $1`, id))
}

func (r *repository) FindByIdentityDocument(ctx context.Context, document string) (Member, error) {
	return scanMember(r.pool.QueryRow(ctx, `SELECT `+memberColumns+` FROM members WHERE identity_document = $1`, document))
}

func (r *repository) Search(ctx context.Context, q SearchQuery) ([]Member, int, error) {
	page, size := shared.NormalizePage(q.Page, q.PageSize)
	rows, err := r.pool.Query(ctx, `SELECT `+memberColumns+`, COUNT(*) OVER()
FROM members
WHERE ($1 = '' OR member_number ILIKE $2 OR identity_document ILIKE $2 OR first_name ILIKE $2 OR last_name ILIKE $2)
  AND ($3 = '' OR status = $3)
ORDER BY member_seq ASC
LIMIT $4 OFFSET $5`, q.Query, likePattern(q.Query), string(q.Status), size, shared.Offset(page, size))
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var (
		out   []Member
		total int
	)
	for rows.Next() {
		m, err := scanMember(rows, &total)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, m)
	}
	return out, total, rows.Err()
}

func likePattern(q string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(q)
	return "%" + escaped + "%"
}

func (r *repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

type txRepository struct {
	tx pgx.Tx
}

func (t *txRepository) NextMemberSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := t.tx.QueryRow(ctx, `SELECT nextval('member_number_seq')`).Scan(&seq)
	return seq, err
}

func (t *txRepository) IdentityDocumentTaken(ctx context.Context, document string, excludeID int64) (bool, error) {
	var taken bool
	err := t.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM members WHERE identity_document = $1 AND id <> $2)`, document, excludeID).Scan(&taken)
	return taken, err
}

func (t *txRepository) UserExists(ctx context.Context, userID int64) (bool, error) {
	var ok bool
	err := t.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, userID).Scan(&ok)
	return ok, err
}

func (t *txRepository) InsertMember(ctx context.Context, m Member) (Member, error) {
	created, err := scanMember(t.tx.QueryRow(ctx, `INSERT INTO members
(member_seq, member_number, identity_document, first_name, last_name, email, phone, address, birth_date, status, user_id, registered_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
RETURNING `+memberColumns,
		m.Seq, m.Number, m.IdentityDocument, m.FirstName, m.LastName, m.Email, m.Phone, m.Address, m.BirthDate, m.Status, m.UserID, m.RegisteredAt))
	if shared.IsUniqueViolation(err) {
		return Member{}, fmt.Errorf("%w: identity document already registered", shared.ErrValidation)
	}
	return created, err
}

func (t *txRepository) GetMemberForUpdate(ctx context.Context, id int64) (Member, error) {
	return scanMember(t.tx.QueryRow(ctx, `SELECT `+memberColumns+` FROM members WHERE id = $1 FOR UPDATE`, id))
}

func (t *txRepository) UpdateMember(ctx context.Context, m Member) (Member, error) {
	updated, err := scanMember(t.tx.QueryRow(ctx, `UPDATE members SET identity_document=$2, first_name=$3, last_name=$4, email=$5, phone=$6, address=$7, birth_date=$8, status=$9, user_id=$10, updated_at=NOW()
WHERE id = $1 RETURNING `+memberColumns,
		m.ID, m.IdentityDocument, m.FirstName, m.LastName, m.Email, m.Phone, m.Address, m.BirthDate, m.Status, m.UserID))
	if shared.IsUniqueViolation(err) {
		return Member{}, fmt.Errorf("%w: identity document already registered", shared.ErrValidation)
	}
	return updated, err
}

func (t *txRepository) RecordAudit(ctx context.Context, log shared.AuditLog) error {
	return shared.InsertAuditLog(ctx, t.tx, log)
}
