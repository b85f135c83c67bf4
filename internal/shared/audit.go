package shared

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// AuditLog represents a record stored in audit_logs.
type AuditLog struct {
	ActorID  int64
	Action   string
	Entity   string
	EntityID string
	IP       string
	Meta     map[string]any
	At       time.Time
}

// NewAuditLog builds an entry for actor acting on entity/id.
func NewAuditLog(actor Actor, action, entity string, entityID int64, meta map[string]any, at time.Time) AuditLog {
	return AuditLog{
		ActorID:  actor.UserID,
		Action:   action,
		Entity:   entity,
		EntityID: strconv.FormatInt(entityID, 10),
		IP:       actor.IP,
		Meta:     meta,
		At:       at,
	}
}

// Validate checks the mandatory fields.
func (l AuditLog) Validate() error {
	if l.Action == "" || l.Entity == "" || l.EntityID == "" {
		return errors.New("audit log requires action/entity/entity_id")
	}
	return nil
}

// Execer is satisfied by pgx.Tx, *pgxpool.Pool and *pgx.Conn.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// InsertAuditLog persists the entry through db. Passing a pgx.Tx makes the
// entry commit or roll back together with the surrounding mutation.
func InsertAuditLog(ctx context.Context, db Execer, log AuditLog) error {
	if db == nil {
		return errors.New("audit log: no database handle")
	}
	if err := log.Validate(); err != nil {
		return err
	}
	metaJSON, err := json.Marshal(log.Meta)
	if err != nil {
		return err
	}
	var at any
	if !log.At.IsZero() {
		at = log.At
	}
	_, err = db.Exec(ctx, `INSERT INTO audit_logs (actor_id, action, entity, entity_id, ip, meta, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7, NOW()))`, log.ActorID, log.Action, log.Entity, log.EntityID, log.IP, metaJSON, at)
	return err
}
