// Package audit writes the portal audit trail. Logging is fire-and-forget:
// callers invoke it after a guarded transition or confirmed mutation and do
// not handle failures.
package audit

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"siteline/internal/domain"
)

type Writer struct {
	DB  *sql.DB
	Now    func() time.Time
	Logger *slog.Logger
}

// Log appends an entry. Errors are logged and swallowed.
func (w Writer) Log(ctx context.Context, e domain.AuditEntry) {
	if e.TS == "" {
		now := time.Now
		if w.Now != nil {
			now = w.Now
		}
		e.TS = now().UTC().Format(time.RFC3339)
	}
	_, err := w.DB.ExecContext(ctx, `INSERT INTO audit_log(action,entity,entity_id,field,before,after,details,actor_id,ts) VALUES (?,?,?,?,?,?,?,?,?)`,
		e.Action, e.Entity, nullableID(e.EntityID), nullable(e.Field), nullable(e.Before), nullable(e.After), nullable(e.Details), e.ActorID, e.TS)
	if err != nil {
		log := w.Logger
		if log == nil {
			log = slog.Default()
		}
		log.Warn("audit write failed", "action", e.Action, "entity", e.Entity, "error", err)
	}
}

// Latest returns the newest n entries, optionally filtered by entity.
func (w Writer) Latest(ctx context.Context, n int, entity string) ([]domain.AuditEntry, error) {
	q := `SELECT id,action,entity,COALESCE(entity_id,0),COALESCE(field,''),COALESCE(before,''),COALESCE(after,''),COALESCE(details,''),actor_id,ts FROM audit_log`
	var args []any
	if entity != "" {
		q += ` WHERE entity=?`
		args = append(args, entity)
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, n)
	rows, err := w.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		if err := rows.Scan(&e.ID, &e.Action, &e.Entity, &e.EntityID, &e.Field, &e.Before, &e.After, &e.Details, &e.ActorID, &e.TS); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableID(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}
