package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Entry is one row of the task activity feed. TaskID is nil for entries
// that summarize a whole business transaction.
type Entry struct {
	ProjectID             uuid.UUID
	TaskID                *uuid.UUID
	TaskVersion           *uint64
	Kind                  string
	ActorID               uuid.UUID
	Summary               string
	TransactionIdentifier *uuid.UUID
	OccurredAt            time.Time
}

// Querier is satisfied by *db.Pool and pgx.Tx.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type ActivityRepository struct{}

func NewActivityRepository() *ActivityRepository { return &ActivityRepository{} }

// Add inserts e unless the same entry was recorded before, so redelivered
// messages leave a single row.
func (r *ActivityRepository) Add(ctx context.Context, tx pgx.Tx, e Entry) error {
	var version *int64
	if e.TaskVersion != nil {
		v := int64(*e.TaskVersion)
		version = &v
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO task_activity (project_id, task_id, task_version, kind, actor_id, summary, transaction_identifier, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT DO NOTHING
	`, e.ProjectID, e.TaskID, version, e.Kind, e.ActorID, e.Summary, e.TransactionIdentifier, e.OccurredAt)
	return err
}

// Forget removes every entry of a task.
func (r *ActivityRepository) Forget(ctx context.Context, tx pgx.Tx, taskID uuid.UUID) error {
	_, err := tx.Exec(ctx, `DELETE FROM task_activity WHERE task_id = $1`, taskID)
	return err
}

// Recent lists the newest entries of a project.
func (r *ActivityRepository) Recent(ctx context.Context, q Querier, projectID uuid.UUID, limit int) ([]Entry, error) {
	rows, err := q.Query(ctx, `
		SELECT project_id, task_id, task_version, kind, actor_id, summary, transaction_identifier, occurred_at
		FROM task_activity
		WHERE project_id = $1
		ORDER BY occurred_at DESC, id DESC
		LIMIT $2
	`, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			version *int64
		)
		if err := rows.Scan(&e.ProjectID, &e.TaskID, &version, &e.Kind, &e.ActorID, &e.Summary, &e.TransactionIdentifier, &e.OccurredAt); err != nil {
			return nil, err
		}
		if version != nil {
			v := uint64(*version)
			e.TaskVersion = &v
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
