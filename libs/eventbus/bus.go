package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/eventcore/libs/businesstx"
	"github.com/md-rashed-zaman/eventcore/libs/eventkey"
	"github.com/md-rashed-zaman/eventcore/libs/kafkax"
	"github.com/md-rashed-zaman/eventcore/libs/metrics"
	otelx "github.com/md-rashed-zaman/eventcore/libs/otel"
	"github.com/md-rashed-zaman/eventcore/libs/outbox"
	"github.com/md-rashed-zaman/eventcore/libs/snapshot"
)

// Emitted describes the rows written for one event.
type Emitted struct {
	Table     string
	Partition int
	Keys      []eventkey.MessageKey
	Outcome   snapshot.Outcome
}

// Bus is the local event bus. It never opens or commits transactions; a
// failed Emit leaves the caller to roll back, which discards the snapshot
// change and the outbox rows together.
type Bus struct {
	registry *Registry
	outbox   outbox.Writer
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

func New(registry *Registry, writer outbox.Writer, logger *slog.Logger, m *metrics.Metrics) *Bus {
	return &Bus{
		registry: registry,
		outbox:   writer,
		logger:   logger.With("component", "event_bus"),
		metrics:  m,
	}
}

// Emit applies ev to its snapshot store and queues its message.
func (b *Bus) Emit(ctx context.Context, tx pgx.Tx, ev Event) (Emitted, error) {
	reg, ok := b.registry.Lookup(ev.EventType())
	if !ok {
		return Emitted{}, fmt.Errorf("%w: %s", ErrUnmappableEvent, ev.EventType())
	}
	emitted := Emitted{Table: reg.Channel.Table}

	var aggregate snapshot.Event
	if reg.Store != nil {
		se, ok := ev.(snapshot.Event)
		if !ok {
			return Emitted{}, fmt.Errorf("%w: %s carries no aggregate identifier", ErrUnmappableEvent, ev.EventType())
		}
		out, err := reg.Store.ApplyEvent(ctx, tx, se, snapshot.SourceOnline)
		if err != nil {
			return Emitted{}, err
		}
		aggregate = se
		emitted.Outcome = out
	}

	keys, values, err := b.messages(reg, ev, aggregate)
	if err != nil {
		return Emitted{}, err
	}
	emitted.Keys = keys
	emitted.Partition = kafkax.PartitionFor(keys[0].PartitioningKey(), reg.Channel.Partitions)

	txID, _ := businesstx.FromContext(ctx)
	traceKey, traceValue := otelx.TraceHeader(ctx)
	rows := make([]outbox.Row, len(keys))
	for i, k := range keys {
		rows[i] = outbox.Row{
			EventKey:              eventkey.Marshal(k),
			Event:                 values[i],
			PartitionNumber:       emitted.Partition,
			TraceHeaderKey:        traceKey,
			TraceHeaderValue:      traceValue,
			TransactionIdentifier: txID,
		}
	}
	if err := b.outbox.Insert(ctx, tx, reg.Channel.Table, rows...); err != nil {
		return Emitted{}, fmt.Errorf("write outbox %s: %w", reg.Channel.Table, err)
	}
	b.metrics.OutboxRowsWritten(reg.Channel.Table, reg.Tombstone, len(rows))

	b.logger.DebugContext(ctx, "event emitted",
		"event_type", ev.EventType(),
		"table", reg.Channel.Table,
		"partition", emitted.Partition,
		"rows", len(rows),
		"transaction_identifier", txID.String(),
	)
	return emitted, nil
}

func (b *Bus) messages(reg Registration, ev Event, aggregate snapshot.Event) ([]eventkey.MessageKey, [][]byte, error) {
	if reg.Tombstone {
		keys := eventkey.TombstoneKeys(aggregate.AggregateIdentifier(), ev.RootContextIdentifier())
		return keys, make([][]byte, len(keys)), nil
	}

	key, value, err := reg.Mapper.ToMessage(ev)
	if err != nil {
		return nil, nil, fmt.Errorf("map %s: %w", ev.EventType(), err)
	}
	if value == nil {
		return nil, nil, fmt.Errorf("map %s: mapper returned no value", ev.EventType())
	}
	if key.RootContextIdentifier != ev.RootContextIdentifier() {
		return nil, nil, fmt.Errorf("map %s: key root context %s differs from event root context %s",
			ev.EventType(), key.RootContextIdentifier, ev.RootContextIdentifier())
	}
	if aggregate != nil && key.Aggregate != aggregate.AggregateIdentifier() {
		return nil, nil, fmt.Errorf("map %s: key aggregate %s differs from event aggregate %s",
			ev.EventType(), key.Aggregate, aggregate.AggregateIdentifier())
	}
	return []eventkey.MessageKey{key}, [][]byte{value}, nil
}

// Bracket builds the started and finished events of a business transaction.
type Bracket struct {
	Started  func(txID uuid.UUID) Event
	Finished func(txID uuid.UUID) Event
}

// ErrInvalidBracket is returned for a Bracket missing one of its builders.
var ErrInvalidBracket = errors.New("business transaction bracket needs started and finished events")

// InBusinessTransaction runs fn as one business transaction: a started
// event, everything fn emits, then a finished event, all carrying the same
// transaction id. When ctx already belongs to a business transaction, fn
// joins it and no further brackets are emitted.
func (b *Bus) InBusinessTransaction(ctx context.Context, tx pgx.Tx, bracket Bracket, fn func(ctx context.Context) error) (uuid.UUID, error) {
	if id, ok := businesstx.FromContext(ctx); ok {
		return id, fn(ctx)
	}
	if bracket.Started == nil || bracket.Finished == nil {
		return uuid.Nil, ErrInvalidBracket
	}

	id := uuid.New()
	ctx = businesstx.WithTransaction(ctx, id)
	if _, err := b.Emit(ctx, tx, bracket.Started(id)); err != nil {
		return id, fmt.Errorf("start business transaction %s: %w", id, err)
	}
	if err := fn(ctx); err != nil {
		return id, err
	}
	if _, err := b.Emit(ctx, tx, bracket.Finished(id)); err != nil {
		return id, fmt.Errorf("finish business transaction %s: %w", id, err)
	}
	return id, nil
}
