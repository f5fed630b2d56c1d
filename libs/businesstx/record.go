package businesstx

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/eventcore/libs/eventkey"
	"github.com/md-rashed-zaman/eventcore/libs/kafkax"
	"github.com/segmentio/kafka-go"
)

// EventRecord is one delivered message. A nil Value is a tombstone.
type EventRecord struct {
	Key                   eventkey.MessageKey
	Value                 []byte
	TransactionIdentifier uuid.UUID
	Timestamp             time.Time
}

// InTransaction reports whether the record belongs to a business transaction.
func (r EventRecord) InTransaction() bool { return r.TransactionIdentifier != uuid.Nil }

func (r EventRecord) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Any("key", r.Key),
		slog.String("transaction_identifier", r.TransactionIdentifier.String()),
		slog.Bool("tombstone", r.Value == nil),
	)
}

// RecordFromMessage decodes a consumed message. Bracket records take the
// transaction id from their key, all others from the transaction header.
func RecordFromMessage(msg kafka.Message) (EventRecord, error) {
	key, err := eventkey.Unmarshal(msg.Key)
	if err != nil {
		return EventRecord{}, fmt.Errorf("%s/%d@%d: %w", msg.Topic, msg.Partition, msg.Offset, err)
	}
	rec := EventRecord{Key: key, Value: msg.Value, Timestamp: msg.Time.UTC()}

	if key.Kind != eventkey.KindAggregateEvent {
		rec.TransactionIdentifier = key.TransactionIdentifier
		return rec, nil
	}
	if raw := kafkax.HeaderValue(msg.Headers, kafkax.TransactionIdentifierHeader); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return EventRecord{}, fmt.Errorf("%s/%d@%d: %w: transaction header %q", msg.Topic, msg.Partition, msg.Offset, eventkey.ErrMalformedKey, raw)
		}
		rec.TransactionIdentifier = id
	}
	return rec, nil
}

type dedupeKey struct {
	key       eventkey.MessageKey
	value     string
	tombstone bool
}

// dedupe drops records whose (key, value) already occurred, keeping the
// first occurrence and the original order.
func dedupe(records []EventRecord) []EventRecord {
	seen := make(map[dedupeKey]struct{}, len(records))
	out := make([]EventRecord, 0, len(records))
	for _, r := range records {
		k := dedupeKey{key: r.Key, value: string(r.Value), tombstone: r.Value == nil}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, r)
	}
	return out
}
