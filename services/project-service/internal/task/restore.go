package task

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/eventcore/libs/businesstx"
	"github.com/md-rashed-zaman/eventcore/libs/eventkey"
	"github.com/md-rashed-zaman/eventcore/libs/snapshot"
	"github.com/segmentio/kafka-go"
)

// Restorer rebuilds task snapshots from the project topic. Redelivered and
// already applied messages are skipped by the store.
type Restorer struct {
	store  *snapshot.Store[State]
	logger *slog.Logger
}

func NewRestorer(store *snapshot.Store[State], logger *slog.Logger) *Restorer {
	return &Restorer{store: store, logger: logger.With("component", "task_restorer")}
}

// Handle has the shape of consumer.Handler.
func (r *Restorer) Handle(ctx context.Context, tx pgx.Tx, msg kafka.Message) error {
	rec, err := businesstx.RecordFromMessage(msg)
	if err != nil {
		return err
	}
	return r.Apply(ctx, tx, rec)
}

func (r *Restorer) Apply(ctx context.Context, tx pgx.Tx, rec businesstx.EventRecord) error {
	key := rec.Key
	if key.Kind != eventkey.KindAggregateEvent || key.Aggregate.Type != AggregateType {
		return nil
	}

	var ev Event
	if rec.Value == nil {
		// Tombstones arrive for versions 0..V. Only the one matching the
		// stored version removes the snapshot; the store skips the rest.
		ev = Erased{Header: Header{Aggregate: key.Aggregate, Project: key.RootContextIdentifier, At: rec.Timestamp}}
	} else {
		var err error
		if ev, err = (Mapper{}).Decode(key, rec.Value); err != nil {
			return fmt.Errorf("%w: %w", businesstx.ErrMalformedPayload, err)
		}
	}

	out, err := r.store.ApplyEvent(ctx, tx, ev, snapshot.SourceRestore)
	if err != nil {
		return err
	}
	if out.Applied {
		r.logger.DebugContext(ctx, "snapshot restored", "aggregate", out.Identifier, "op", out.Op.String())
	}
	return nil
}
