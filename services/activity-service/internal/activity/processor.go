// Package activity projects task messages into a per-project activity feed.
package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/eventcore/libs/businesstx"
	"github.com/md-rashed-zaman/eventcore/libs/eventkey"
	"github.com/md-rashed-zaman/eventcore/services/activity-service/internal/storage"
)

const (
	taskAggregateType = "TASK"
	KindImport        = "project.import"
)

// Feed stores activity entries.
type Feed interface {
	Add(ctx context.Context, tx pgx.Tx, e storage.Entry) error
	Forget(ctx context.Context, tx pgx.Tx, taskID uuid.UUID) error
}

// payload is the subset of the task message the feed needs.
type payload struct {
	Type      string    `json:"type"`
	Project   uuid.UUID `json:"project"`
	Actor     uuid.UUID `json:"actor"`
	At        time.Time `json:"at"`
	Title     string    `json:"title"`
	Assignee  uuid.UUID `json:"assignee"`
	TaskCount int       `json:"task_count"`
}

// Processor writes one entry per standalone task event and one summary entry
// per import.
type Processor struct {
	businesstx.NopProcessor
	feed   Feed
	logger *slog.Logger
}

func NewProcessor(feed Feed, logger *slog.Logger) *Processor {
	return &Processor{feed: feed, logger: logger.With("component", "activity_processor")}
}

func (p *Processor) Name() string { return "task-activity" }

func (p *Processor) OnNonTransactionalEvent(ctx context.Context, tx pgx.Tx, rec businesstx.EventRecord) error {
	key := rec.Key
	if key.Kind != eventkey.KindAggregateEvent || key.Aggregate.Type != taskAggregateType {
		return nil
	}
	if rec.Value == nil {
		return p.feed.Forget(ctx, tx, key.Aggregate.ID)
	}
	msg, err := decode(rec)
	if err != nil {
		p.logger.ErrorContext(ctx, "invalid task payload", "record", rec, "err", err)
		return nil
	}
	taskID, version := key.Aggregate.ID, key.Aggregate.Version
	return p.feed.Add(ctx, tx, storage.Entry{
		ProjectID:   key.RootContextIdentifier,
		TaskID:      &taskID,
		TaskVersion: &version,
		Kind:        msg.Type,
		ActorID:     msg.Actor,
		Summary:     describe(msg),
		OccurredAt:  occurredAt(msg, rec),
	})
}

func (p *Processor) OnTransactionFinished(ctx context.Context, tx pgx.Tx, started businesstx.EventRecord, events []businesstx.EventRecord, finished businesstx.EventRecord) error {
	head, err := decode(started)
	if err != nil {
		return fmt.Errorf("%w: started record of %s: %v", businesstx.ErrMalformedPayload, started.TransactionIdentifier, err)
	}

	var titles []string
	for _, rec := range events {
		if rec.Value == nil || rec.Key.Aggregate.Type != taskAggregateType {
			continue
		}
		msg, err := decode(rec)
		if err != nil {
			p.logger.ErrorContext(ctx, "invalid task payload", "record", rec, "err", err)
			continue
		}
		if msg.Title != "" {
			titles = append(titles, msg.Title)
		}
	}
	if head.TaskCount > 0 && head.TaskCount != len(events) {
		p.logger.WarnContext(ctx, "import delivered fewer events than announced",
			"transaction_identifier", started.TransactionIdentifier.String(),
			"announced", head.TaskCount, "received", len(events))
	}

	txID := started.TransactionIdentifier
	summary := fmt.Sprintf("imported %d tasks", len(titles))
	if len(titles) > 0 {
		summary += ": " + strings.Join(titles, ", ")
	}
	return p.feed.Add(ctx, tx, storage.Entry{
		ProjectID:             started.Key.RootContextIdentifier,
		Kind:                  KindImport,
		ActorID:               head.Actor,
		Summary:               summary,
		TransactionIdentifier: &txID,
		OccurredAt:            occurredAt(head, finished),
	})
}

func decode(rec businesstx.EventRecord) (payload, error) {
	var msg payload
	if err := json.Unmarshal(rec.Value, &msg); err != nil {
		return payload{}, err
	}
	return msg, nil
}

func occurredAt(msg payload, rec businesstx.EventRecord) time.Time {
	if !msg.At.IsZero() {
		return msg.At.UTC()
	}
	return rec.Timestamp
}

func describe(msg payload) string {
	switch msg.Type {
	case "task.created":
		return "created " + msg.Title
	case "task.renamed":
		return "renamed to " + msg.Title
	case "task.assigned":
		if msg.Assignee == uuid.Nil {
			return "unassigned"
		}
		return "assigned to " + msg.Assignee.String()
	case "task.closed":
		return "closed"
	case "task.deleted":
		return "deleted"
	default:
		return msg.Type
	}
}
