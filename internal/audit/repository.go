package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/caja-rds/caja-rds/internal/shared"
)

// Repository reads the audit trail. Writes happen inside each module's own
// transaction via shared.InsertAuditLog.
type Repository interface {
	List(ctx context.Context, f Filters) ([]Entry, int, error)
	Each(ctx context.Context, f Filters, limit int, fn func(Entry) error) error
}

type pgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository builds the Postgres-backed repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &pgRepository{pool: pool}
}

const entryColumns = `id, actor_id, action, entity, entity_id, ip, meta, occurred_at`

func whereClause(f Filters) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if !f.From.IsZero() {
		add("occurred_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("occurred_at < $%d", f.To)
	}
	if f.ActorID > 0 {
		add("actor_id = $%d", f.ActorID)
	}
	if f.Action != "" {
		add("action = $%d", f.Action)
	}
	if f.Entity != "" {
		add("entity = $%d", f.Entity)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func scanEntry(row pgx.CollectableRow) (Entry, error) {
	var (
		e    Entry
		meta []byte
	)
	if err := row.Scan(&e.ID, &e.ActorID, &e.Action, &e.Entity, &e.EntityID, &e.IP, &meta, &e.OccurredAt); err != nil {
		return Entry{}, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &e.Details); err != nil {
			return Entry{}, fmt.Errorf("audit %d: decode meta: %w", e.ID, err)
		}
	}
	return e, nil
}

func (r *pgRepository) List(ctx context.Context, f Filters) ([]Entry, int, error) {
	where, args := whereClause(f)
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM audit_logs`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	args = append(args, f.PageSize, shared.Offset(f.Page, f.PageSize))
	sql := fmt.Sprintf(`SELECT %s FROM audit_logs%s ORDER BY occurred_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		entryColumns, where, len(args)-1, len(args))
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, 0, err
	}
	list, err := pgx.CollectRows(rows, scanEntry)
	if err != nil {
		return nil, 0, err
	}
	return list, total, nil
}

func (r *pgRepository) Each(ctx context.Context, f Filters, limit int, fn func(Entry) error) error {
	where, args := whereClause(f)
	args = append(args, limit)
	sql := fmt.Sprintf(`SELECT %s FROM audit_logs%s ORDER BY occurred_at DESC, id DESC LIMIT $%d`, entryColumns, where, len(args))
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return rows.Err()
}
