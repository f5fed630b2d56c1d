// Package consumer reads a topic with one worker per partition and commits
// each offset only after the local transaction of its message committed.
package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/eventcore/libs/businesstx"
	"github.com/md-rashed-zaman/eventcore/libs/db"
	"github.com/md-rashed-zaman/eventcore/libs/kafkax"
	"github.com/md-rashed-zaman/eventcore/libs/metrics"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Handler processes one message inside tx.
type Handler func(ctx context.Context, tx pgx.Tx, msg kafka.Message) error

// ListenerHandler feeds decoded records to a business transaction aware listener.
func ListenerHandler(l *businesstx.Listener) Handler {
	return func(ctx context.Context, tx pgx.Tx, msg kafka.Message) error {
		rec, err := businesstx.RecordFromMessage(msg)
		if err != nil {
			return err
		}
		return l.Process(ctx, tx, rec)
	}
}

// Reader is satisfied by *kafka.Reader.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Config struct {
	Brokers []string
	GroupID string
	Topic   string
	// RetryInitial and RetryMax bound the backoff between attempts at a
	// message that failed with a transient error.
	RetryInitial time.Duration
	RetryMax     time.Duration
	// IsFatal decides which handler errors stop the consumer. Defaults to businesstx.IsFatal.
	IsFatal func(error) bool
}

func NewReader(cfg Config) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
}

type Consumer struct {
	reader  Reader
	pool    db.Beginner
	handler Handler
	logger  *slog.Logger
	metrics *metrics.Metrics
	cfg     Config
}

func New(reader Reader, pool db.Beginner, handler Handler, logger *slog.Logger, m *metrics.Metrics, cfg Config) *Consumer {
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = 500 * time.Millisecond
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 30 * time.Second
	}
	if cfg.IsFatal == nil {
		cfg.IsFatal = businesstx.IsFatal
	}
	return &Consumer{
		reader:  reader,
		pool:    pool,
		handler: handler,
		logger:  logger.With("component", "consumer", "topic", cfg.Topic, "group_id", cfg.GroupID),
		metrics: m,
		cfg:     cfg,
	}
}

// Run consumes until ctx is done or a handler returns a fatal error, which
// is returned. Messages of one partition are handled strictly in order.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.reader.Close()

	g, ctx := errgroup.WithContext(ctx)
	workers := make(map[int]chan kafka.Message)

	g.Go(func() error {
		defer func() {
			for _, ch := range workers {
				close(ch)
			}
		}()

		bo := c.newBackOff()
		for {
			msg, err := c.reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				wait := bo.NextBackOff()
				c.logger.Error("kafka fetch error", "err", err, "retry_in", wait.String())
				if !sleep(ctx, wait) {
					return nil
				}
				continue
			}
			bo.Reset()

			// One group reader feeds every partition. A partition stuck in
			// retry fills its channel and then stalls the others too.
			ch, ok := workers[msg.Partition]
			if !ok {
				ch = make(chan kafka.Message, 64)
				workers[msg.Partition] = ch
				partition := msg.Partition
				g.Go(func() error { return c.work(ctx, partition, ch) })
			}
			select {
			case ch <- msg:
			case <-ctx.Done():
				return nil
			}
		}
	})

	err := g.Wait()
	if err != nil {
		c.logger.Error("consumer stopped", "err", err)
	}
	return err
}

func (c *Consumer) work(ctx context.Context, partition int, msgs <-chan kafka.Message) error {
	logger := c.logger.With("partition", partition)
	for msg := range msgs {
		if err := c.processWithRetry(ctx, logger, msg); err != nil {
			if ctx.Err() != nil && !c.cfg.IsFatal(err) {
				return nil
			}
			return err
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// The local transaction is committed; redelivery after a failed
			// commit is absorbed by the idempotent handlers.
			logger.Warn("kafka offset commit failed", "err", err, "offset", msg.Offset)
		}
	}
	return nil
}

func (c *Consumer) processWithRetry(ctx context.Context, logger *slog.Logger, msg kafka.Message) error {
	bo := c.newBackOff()
	for attempt := 1; ; attempt++ {
		err := c.process(ctx, msg)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if c.cfg.IsFatal(err) {
			return fmt.Errorf("fatal error at %s/%d@%d: %w", msg.Topic, msg.Partition, msg.Offset, err)
		}
		wait := bo.NextBackOff()
		logger.Error("handler error, retrying", "err", err, "offset", msg.Offset, "attempt", attempt, "retry_in", wait.String())
		if !sleep(ctx, wait) {
			return ctx.Err()
		}
	}
}

func (c *Consumer) process(ctx context.Context, msg kafka.Message) error {
	start := time.Now()
	meta := kafkax.ExtractMeta(msg)

	ctxMsg := kafkax.ExtractTraceContext(ctx, msg)
	ctxSpan, span := otel.Tracer("kafka").Start(ctxMsg, "kafka.consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", meta.Topic),
			attribute.Int("messaging.kafka.partition", meta.Partition),
			attribute.Int64("messaging.kafka.offset", meta.Offset),
		),
	)
	defer span.End()

	err := db.InTx(ctxSpan, c.pool, func(tx pgx.Tx) error {
		return c.handler(ctxSpan, tx, msg)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	c.metrics.ConsumerObserve(meta.Topic, time.Since(start))
	return nil
}

func (c *Consumer) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.RetryInitial
	bo.MaxInterval = c.cfg.RetryMax
	return bo
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
