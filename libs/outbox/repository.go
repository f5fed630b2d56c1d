package outbox

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/eventcore/libs/db"
)

type Repository struct {
	pool db.Beginner
}

// NewRepository needs the pool only for draining. Inserts always use the
// caller's transaction.
func NewRepository(pool db.Beginner) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, table string, rows ...Row) error {
	if len(rows) == 0 {
		return nil
	}
	query := `
		INSERT INTO ` + db.Table(table) + ` (event_key, event, partition_number, trace_header_key, trace_header_value, transaction_identifier)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	batch := &pgx.Batch{}
	for _, row := range rows {
		batch.Queue(query, row.EventKey, row.Event, row.PartitionNumber,
			nullString(row.TraceHeaderKey), nullString(row.TraceHeaderValue), nullUUID(row.TransactionIdentifier))
	}
	br := tx.SendBatch(ctx, batch)
	for range rows {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("insert into %s: %w", table, err)
		}
	}
	return br.Close()
}

// Oldest locks and returns up to limit rows in insertion order. The lock
// makes a second relay on the same table wait instead of overtaking.
func (r *Repository) Oldest(ctx context.Context, tx pgx.Tx, table string, limit int) ([]Row, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, event_key, event, partition_number,
		       coalesce(trace_header_key, ''), coalesce(trace_header_value, ''), transaction_identifier
		FROM `+db.Table(table)+`
		ORDER BY id
		LIMIT $1
		FOR UPDATE
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var (
			row  Row
			txID uuid.NullUUID
		)
		if err := rows.Scan(&row.ID, &row.EventKey, &row.Event, &row.PartitionNumber,
			&row.TraceHeaderKey, &row.TraceHeaderValue, &txID); err != nil {
			return nil, err
		}
		if txID.Valid {
			row.TransactionIdentifier = txID.UUID
		}
		out = append(out, row)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func (r *Repository) Delete(ctx context.Context, tx pgx.Tx, table string, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	tag, err := tx.Exec(ctx, `DELETE FROM `+db.Table(table)+` WHERE id = ANY($1)`, ids)
	if err != nil {
		return err
	}
	if int(tag.RowsAffected()) != len(ids) {
		return fmt.Errorf("delete from %s: removed %d of %d rows", table, tag.RowsAffected(), len(ids))
	}
	return nil
}

func (r *Repository) Drain(ctx context.Context, table string, limit int, publish func(context.Context, []Row) error) (int, error) {
	var n int
	err := db.InTx(ctx, r.pool, func(tx pgx.Tx) error {
		rows, err := r.Oldest(ctx, tx, table, limit)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		if err := publish(ctx, rows); err != nil {
			return err
		}
		ids := make([]int64, len(rows))
		for i, row := range rows {
			ids[i] = row.ID
		}
		if err := r.Delete(ctx, tx, table, ids); err != nil {
			return err
		}
		n = len(rows)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullUUID(id uuid.UUID) uuid.NullUUID {
	return uuid.NullUUID{UUID: id, Valid: id != uuid.Nil}
}
