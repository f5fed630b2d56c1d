package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/md-rashed-zaman/eventcore/libs/kafkax"
	"github.com/md-rashed-zaman/eventcore/libs/metrics"
	otelx "github.com/md-rashed-zaman/eventcore/libs/otel"
	"github.com/segmentio/kafka-go"
)

// Publisher is satisfied by *kafka.Writer.
type Publisher interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// NewKafkaWriter returns a writer that keeps the partition computed when the
// row was written and waits for all in-sync replicas.
func NewKafkaWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               kafkax.ExplicitPartition,
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: false,
	}
}

type RelayConfig struct {
	Table      string
	Topic      string
	PollEvery  time.Duration
	BatchSize  int
	MaxBackoff time.Duration
}

// Relay moves rows of one outbox table to one topic. Rows are removed only
// after Kafka acknowledged them.
type Relay struct {
	drainer   Drainer
	publisher Publisher
	lease     Lease
	logger    *slog.Logger
	metrics   *metrics.Metrics
	cfg       RelayConfig
}

// NewRelay accepts a nil lease for single-instance deployments.
func NewRelay(drainer Drainer, publisher Publisher, lease Lease, logger *slog.Logger, m *metrics.Metrics, cfg RelayConfig) *Relay {
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	return &Relay{
		drainer:   drainer,
		publisher: publisher,
		lease:     lease,
		logger:    logger.With("component", "outbox_relay", "table", cfg.Table, "topic", cfg.Topic),
		metrics:   m,
		cfg:       cfg,
	}
}

// Run relays until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.cfg.PollEvery
	bo.MaxInterval = r.cfg.MaxBackoff

	var holding bool
	defer func() {
		if holding && r.lease != nil {
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			defer cancel()
			if err := r.lease.Release(releaseCtx); err != nil {
				r.logger.Warn("outbox relay lease release failed", "err", err)
			}
		}
	}()

	wait := time.Duration(0)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}

		var err error
		holding, err = r.holdLease(ctx, holding)
		if err != nil {
			r.logger.Error("outbox relay lease failed", "err", err)
			wait = bo.NextBackOff()
			continue
		}
		if !holding {
			wait = r.cfg.PollEvery
			continue
		}

		if _, err := r.DrainAll(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.metrics.RelayFailed(r.cfg.Table)
			wait = bo.NextBackOff()
			r.logger.Error("outbox relay failed", "err", err, "retry_in", wait.String())
			continue
		}
		bo.Reset()
		wait = r.cfg.PollEvery
	}
}

func (r *Relay) holdLease(ctx context.Context, holding bool) (bool, error) {
	if r.lease == nil {
		return true, nil
	}
	if holding {
		ok, err := r.lease.Renew(ctx)
		if err == nil && !ok {
			r.logger.Warn("outbox relay lease lost")
		}
		return ok, err
	}
	ok, err := r.lease.Acquire(ctx)
	if ok {
		r.logger.Info("outbox relay lease acquired")
	}
	return ok, err
}

// DrainAll relays batches until the table is empty or a batch fails.
func (r *Relay) DrainAll(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := r.drainer.Drain(ctx, r.cfg.Table, r.cfg.BatchSize, r.publish)
		total += n
		if err != nil {
			return total, err
		}
		if n < r.cfg.BatchSize {
			return total, nil
		}
	}
}

func (r *Relay) publish(ctx context.Context, rows []Row) error {
	msgs := make([]kafka.Message, len(rows))
	for i, row := range rows {
		msgs[i] = r.message(ctx, row)
	}
	if err := r.publisher.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publish %d rows to %s: %w", len(rows), r.cfg.Topic, err)
	}
	r.metrics.RelayPublished(r.cfg.Table, len(rows))
	r.logger.Debug("outbox rows relayed", "count", len(rows), "last_id", rows[len(rows)-1].ID)
	return nil
}

func (r *Relay) message(ctx context.Context, row Row) kafka.Message {
	msg := kafka.Message{
		Topic:     r.cfg.Topic,
		Partition: row.PartitionNumber,
		Key:       row.EventKey,
		Value:     row.Event,
	}
	if row.TransactionIdentifier != uuid.Nil {
		msg.Headers = kafkax.SetHeader(msg.Headers, kafkax.TransactionIdentifierHeader, row.TransactionIdentifier.String())
	}
	if row.TraceHeaderKey == otelx.TraceparentHeader && row.TraceHeaderValue != "" {
		msgCtx := otelx.ContextWithTraceContext(ctx, row.TraceHeaderValue, "")
		msg.Headers = kafkax.InjectTraceHeaders(msgCtx, msg.Headers)
	} else if row.TraceHeaderKey != "" {
		msg.Headers = kafkax.SetHeader(msg.Headers, row.TraceHeaderKey, row.TraceHeaderValue)
	}
	return msg
}
