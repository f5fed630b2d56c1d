// Package outbox stores messages in the producer's database inside the local
// transaction that caused them, and relays them to Kafka afterwards.
package outbox

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Row is one pending message. A nil Event is a tombstone.
type Row struct {
	ID                    int64
	EventKey              []byte
	Event                 []byte
	PartitionNumber       int
	TraceHeaderKey        string
	TraceHeaderValue      string
	TransactionIdentifier uuid.UUID
}

func (r Row) IsTombstone() bool { return r.Event == nil }

// Writer appends rows to an outbox table within tx. Rows of one call keep
// their order.
type Writer interface {
	Insert(ctx context.Context, tx pgx.Tx, table string, rows ...Row) error
}

// Drainer hands the oldest pending rows of table to publish and removes them
// once publish returns nil. Rows stay pending when publish fails.
type Drainer interface {
	Drain(ctx context.Context, table string, limit int, publish func(ctx context.Context, rows []Row) error) (int, error)
}
