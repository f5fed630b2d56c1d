package businesstx

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/eventcore/libs/db"
	"github.com/md-rashed-zaman/eventcore/libs/eventkey"
)

// DefaultTable is the buffer table of a consuming service.
const DefaultTable = "event_of_business_transaction"

// Manager is the Postgres Buffer. Rows live in the consuming service's own
// database and are written in the transaction that processes the record.
type Manager struct {
	table string
}

func NewManager(table string) *Manager {
	if table == "" {
		table = DefaultTable
	}
	return &Manager{table: db.Table(table)}
}

func (m *Manager) Read(ctx context.Context, tx pgx.Tx, txID uuid.UUID, processor string) ([]EventRecord, error) {
	rows, err := tx.Query(ctx, `
		SELECT event_key, event_value, message_date
		FROM `+m.table+`
		WHERE transaction_identifier = $1 AND event_processor_name = $2
		ORDER BY id
	`, txID, processor)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []EventRecord
	for rows.Next() {
		var (
			rawKey []byte
			rec    EventRecord
		)
		if err := rows.Scan(&rawKey, &rec.Value, &rec.Timestamp); err != nil {
			return nil, err
		}
		if rec.Key, err = eventkey.Unmarshal(rawKey); err != nil {
			return nil, fmt.Errorf("%w: buffered key of %s: %v", ErrBufferCorrupted, txID, err)
		}
		rec.TransactionIdentifier = txID
		rec.Timestamp = rec.Timestamp.UTC()
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return dedupe(records), nil
}

func (m *Manager) Append(ctx context.Context, tx pgx.Tx, txID uuid.UUID, processor string, rec EventRecord) error {
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO `+m.table+` (transaction_identifier, event_processor_name, event_key, event_value, message_date)
		VALUES ($1, $2, $3, $4, $5)
	`, txID, processor, eventkey.Marshal(rec.Key), rec.Value, ts)
	return err
}

func (m *Manager) Clear(ctx context.Context, tx pgx.Tx, txID uuid.UUID, processor string) error {
	_, err := tx.Exec(ctx, `
		DELETE FROM `+m.table+`
		WHERE transaction_identifier = $1 AND event_processor_name = $2
	`, txID, processor)
	return err
}
