package businesstx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/eventcore/libs/eventkey"
	"github.com/md-rashed-zaman/eventcore/libs/metrics"
	"github.com/md-rashed-zaman/eventcore/libs/snapshot"
)

// ErrBufferCorrupted means a buffered business transaction does not begin
// with its started record. Processing cannot continue safely.
var ErrBufferCorrupted = errors.New("business transaction buffer corrupted")

// ErrMalformedPayload wraps message values a handler cannot decode.
var ErrMalformedPayload = errors.New("malformed message payload")

// IsFatal reports errors that redelivery cannot fix. The consumer stops on them.
func IsFatal(err error) bool {
	return errors.Is(err, ErrBufferCorrupted) ||
		errors.Is(err, eventkey.ErrMalformedKey) ||
		errors.Is(err, ErrMalformedPayload) ||
		snapshot.IsIntegrityError(err)
}

// Classification of a record by the listener.
const (
	ClassStarted       = "started"
	ClassFinished      = "finished"
	ClassTransactional = "transactional"
	ClassNone          = "none"
)

// Classify returns the role of rec in its business transaction. Bracket
// records are recognized before the transaction id is looked at.
func Classify(rec EventRecord) string {
	switch {
	case rec.Key.IsTransactionStarted():
		return ClassStarted
	case rec.Key.IsTransactionFinished():
		return ClassFinished
	case rec.InTransaction():
		return ClassTransactional
	default:
		return ClassNone
	}
}

// Listener dispatches delivered records to a Processor and maintains the
// processor's business transaction buffer.
type Listener struct {
	buffer    Buffer
	processor Processor
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

func NewListener(buffer Buffer, processor Processor, logger *slog.Logger, m *metrics.Metrics) *Listener {
	return &Listener{
		buffer:    buffer,
		processor: processor,
		logger:    logger.With("component", "business_transaction_listener", "processor", processor.Name()),
		metrics:   m,
	}
}

// Process handles one record inside the caller's open transaction. The
// caller commits tx and only then acknowledges the record.
func (l *Listener) Process(ctx context.Context, tx pgx.Tx, rec EventRecord) error {
	class := Classify(rec)
	l.metrics.ListenerRecord(l.processor.Name(), class)

	switch class {
	case ClassStarted:
		return l.started(ctx, tx, rec)
	case ClassFinished:
		return l.finished(ctx, tx, rec)
	case ClassTransactional:
		if err := l.buffer.Append(ctx, tx, rec.TransactionIdentifier, l.processor.Name(), rec); err != nil {
			return fmt.Errorf("buffer record of %s: %w", rec.TransactionIdentifier, err)
		}
		return l.processor.OnTransactionalEvent(ctx, tx, rec)
	default:
		return l.processor.OnNonTransactionalEvent(ctx, tx, rec)
	}
}

func (l *Listener) started(ctx context.Context, tx pgx.Tx, rec EventRecord) error {
	txID := rec.Key.TransactionIdentifier
	buffered, err := l.buffer.Read(ctx, tx, txID, l.processor.Name())
	if err != nil {
		return fmt.Errorf("read buffer of %s: %w", txID, err)
	}

	if len(buffered) > 0 {
		if buffered[0].Key.IsTransactionStarted() {
			l.metrics.DuplicateSentinel(l.processor.Name(), ClassStarted)
			l.logger.WarnContext(ctx, "business transaction already started, skipping duplicate started record",
				"transaction_identifier", txID.String(), "buffered", len(buffered))
			return nil
		}
		return fmt.Errorf("%w: transaction %s for processor %s has %d buffered records before its started record",
			ErrBufferCorrupted, txID, l.processor.Name(), len(buffered))
	}

	if err := l.buffer.Append(ctx, tx, txID, l.processor.Name(), rec); err != nil {
		return fmt.Errorf("buffer started record of %s: %w", txID, err)
	}
	return l.processor.OnTransactionStarted(ctx, tx, rec)
}

func (l *Listener) finished(ctx context.Context, tx pgx.Tx, rec EventRecord) error {
	txID := rec.Key.TransactionIdentifier
	buffered, err := l.buffer.Read(ctx, tx, txID, l.processor.Name())
	if err != nil {
		return fmt.Errorf("read buffer of %s: %w", txID, err)
	}

	if len(buffered) > 0 && buffered[0].Key.IsTransactionStarted() {
		events := make([]EventRecord, 0, len(buffered)-1)
		for _, r := range buffered[1:] {
			if r.Key.Kind == eventkey.KindAggregateEvent {
				events = append(events, r)
			}
		}
		if err := l.processor.OnTransactionFinished(ctx, tx, buffered[0], events, rec); err != nil {
			return err
		}
	} else {
		l.metrics.DuplicateSentinel(l.processor.Name(), ClassFinished)
		l.logger.WarnContext(ctx, "business transaction finished without started record, discarding buffered records",
			"transaction_identifier", txID.String(), "discarded", len(buffered))
	}

	if err := l.buffer.Clear(ctx, tx, txID, l.processor.Name()); err != nil {
		return fmt.Errorf("clear buffer of %s: %w", txID, err)
	}
	return nil
}
