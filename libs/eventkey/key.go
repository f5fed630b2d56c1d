// Package eventkey defines the message keys written to the outbox and the
// binary encoding used for them on the log.
package eventkey

import (
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// AggregateIdentifier names one version of one aggregate instance.
// Versions start at 0 and grow by exactly one per accepted event.
type AggregateIdentifier struct {
	Type    string
	ID      uuid.UUID
	Version uint64
}

func (a AggregateIdentifier) String() string {
	return fmt.Sprintf("%s/%s@%d", a.Type, a.ID, a.Version)
}

func (a AggregateIdentifier) WithVersion(v uint64) AggregateIdentifier {
	a.Version = v
	return a
}

func (a AggregateIdentifier) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("type", a.Type),
		slog.String("id", a.ID.String()),
		slog.Uint64("version", a.Version),
	)
}

type Kind uint8

const (
	KindAggregateEvent Kind = iota + 1
	KindTransactionStarted
	KindTransactionFinished
)

func (k Kind) String() string {
	switch k {
	case KindAggregateEvent:
		return "aggregate_event"
	case KindTransactionStarted:
		return "transaction_started"
	case KindTransactionFinished:
		return "transaction_finished"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// MessageKey is the key of one message on the log. Aggregate event keys
// identify a single aggregate version; the transaction bracket keys carry
// the business transaction id instead. The root context id decides the
// partition in both cases.
//
// MessageKey is comparable and is used directly as a map key.
type MessageKey struct {
	Kind                  Kind
	Aggregate             AggregateIdentifier
	TransactionIdentifier uuid.UUID
	RootContextIdentifier uuid.UUID
}

func AggregateEventKey(aggregate AggregateIdentifier, rootContext uuid.UUID) MessageKey {
	return MessageKey{Kind: KindAggregateEvent, Aggregate: aggregate, RootContextIdentifier: rootContext}
}

func TransactionStartedKey(tx, rootContext uuid.UUID) MessageKey {
	return MessageKey{Kind: KindTransactionStarted, TransactionIdentifier: tx, RootContextIdentifier: rootContext}
}

func TransactionFinishedKey(tx, rootContext uuid.UUID) MessageKey {
	return MessageKey{Kind: KindTransactionFinished, TransactionIdentifier: tx, RootContextIdentifier: rootContext}
}

func (k MessageKey) IsTransactionStarted() bool  { return k.Kind == KindTransactionStarted }
func (k MessageKey) IsTransactionFinished() bool { return k.Kind == KindTransactionFinished }

// PartitioningKey is the byte form of the root context id fed to the partitioner.
func (k MessageKey) PartitioningKey() []byte {
	return []byte(k.RootContextIdentifier.String())
}

func (k MessageKey) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("kind", k.Kind.String()),
		slog.String("root_context_identifier", k.RootContextIdentifier.String()),
	}
	if k.Kind == KindAggregateEvent {
		attrs = append(attrs, slog.Any("aggregate", k.Aggregate))
	} else {
		attrs = append(attrs, slog.String("transaction_identifier", k.TransactionIdentifier.String()))
	}
	return slog.GroupValue(attrs...)
}

// TombstoneKeys returns the keys of every historical version 0..latest of
// the aggregate, oldest first. Writing a nil value for each of them removes
// the aggregate from a compacted topic.
func TombstoneKeys(latest AggregateIdentifier, rootContext uuid.UUID) []MessageKey {
	keys := make([]MessageKey, 0, latest.Version+1)
	for v := uint64(0); v <= latest.Version; v++ {
		keys = append(keys, AggregateEventKey(latest.WithVersion(v), rootContext))
	}
	return keys
}
