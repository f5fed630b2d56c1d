package businesstx

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// Processor receives the records of one consumer, already grouped into
// business transactions. Every callback runs inside the local transaction
// that processes the current record.
type Processor interface {
	// Name scopes the buffer. Two processors on one topic buffer independently.
	Name() string
	OnTransactionStarted(ctx context.Context, tx pgx.Tx, started EventRecord) error
	OnTransactionalEvent(ctx context.Context, tx pgx.Tx, rec EventRecord) error
	// OnTransactionFinished gets the distinct records between the brackets in delivery order.
	OnTransactionFinished(ctx context.Context, tx pgx.Tx, started EventRecord, events []EventRecord, finished EventRecord) error
	OnNonTransactionalEvent(ctx context.Context, tx pgx.Tx, rec EventRecord) error
}

// NopProcessor implements every callback as a no-op. Embed it and override
// what is needed.
type NopProcessor struct{}

func (NopProcessor) OnTransactionStarted(context.Context, pgx.Tx, EventRecord) error { return nil }
func (NopProcessor) OnTransactionalEvent(context.Context, pgx.Tx, EventRecord) error { return nil }
func (NopProcessor) OnTransactionFinished(context.Context, pgx.Tx, EventRecord, []EventRecord, EventRecord) error {
	return nil
}
func (NopProcessor) OnNonTransactionalEvent(context.Context, pgx.Tx, EventRecord) error { return nil }
