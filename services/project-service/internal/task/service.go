package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/eventcore/libs/db"
	"github.com/md-rashed-zaman/eventcore/libs/eventbus"
	"github.com/md-rashed-zaman/eventcore/libs/eventkey"
	"github.com/md-rashed-zaman/eventcore/libs/snapshot"
)

var (
	ErrInvalidCommand = errors.New("invalid task command")
	// ErrEntityOutdated means the caller's expected version is not the current one.
	ErrEntityOutdated = errors.New("task was modified in the meantime")
	ErrTaskClosed     = errors.New("task is closed")
	ErrTaskNotFound   = errors.New("task not found")
)

// Emitter is the part of the event bus the service uses.
type Emitter interface {
	Emit(ctx context.Context, tx pgx.Tx, ev eventbus.Event) (eventbus.Emitted, error)
	InBusinessTransaction(ctx context.Context, tx pgx.Tx, bracket eventbus.Bracket, fn func(ctx context.Context) error) (uuid.UUID, error)
}

// Service handles task commands. Each command is one local transaction.
type Service struct {
	pool   db.Beginner
	bus    Emitter
	store  *snapshot.Store[State]
	logger *slog.Logger
	now    func() time.Time
}

func NewService(pool db.Beginner, bus Emitter, store *snapshot.Store[State], logger *slog.Logger) *Service {
	return &Service{
		pool:   pool,
		bus:    bus,
		store:  store,
		logger: logger.With("component", "task_service"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

type CreateTask struct {
	Project     uuid.UUID
	Actor       uuid.UUID
	Title       string
	Description string
}

func (c CreateTask) validate() error {
	if c.Project == uuid.Nil {
		return fmt.Errorf("%w: project is required", ErrInvalidCommand)
	}
	if strings.TrimSpace(c.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidCommand)
	}
	return nil
}

// Change targets an existing task. A nil ExpectedVersion skips the
// caller-side version check; the snapshot store still rejects concurrent writes.
type Change struct {
	Task            uuid.UUID
	Actor           uuid.UUID
	ExpectedVersion *uint64
}

func (s *Service) Create(ctx context.Context, cmd CreateTask) (eventkey.AggregateIdentifier, error) {
	if err := cmd.validate(); err != nil {
		return eventkey.AggregateIdentifier{}, err
	}
	var id eventkey.AggregateIdentifier
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		id, err = s.create(ctx, tx, cmd)
		return err
	})
	return id, err
}

func (s *Service) create(ctx context.Context, tx pgx.Tx, cmd CreateTask) (eventkey.AggregateIdentifier, error) {
	id := eventkey.AggregateIdentifier{Type: AggregateType, ID: uuid.New(), Version: 0}
	ev := Created{
		Header:      Header{Aggregate: id, Project: cmd.Project, Actor: cmd.Actor, At: s.now()},
		Title:       strings.TrimSpace(cmd.Title),
		Description: strings.TrimSpace(cmd.Description),
	}
	if _, err := s.bus.Emit(ctx, tx, ev); err != nil {
		return eventkey.AggregateIdentifier{}, err
	}
	return id, nil
}

func (s *Service) Rename(ctx context.Context, c Change, title string) (eventkey.AggregateIdentifier, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return eventkey.AggregateIdentifier{}, fmt.Errorf("%w: title is required", ErrInvalidCommand)
	}
	return s.change(ctx, c, true, func(h Header, _ Snapshot) Event {
		return Renamed{Header: h, Title: title}
	})
}

func (s *Service) Assign(ctx context.Context, c Change, assignee uuid.UUID) (eventkey.AggregateIdentifier, error) {
	return s.change(ctx, c, true, func(h Header, _ Snapshot) Event {
		return Assigned{Header: h, Assignee: assignee}
	})
}

func (s *Service) Close(ctx context.Context, c Change) (eventkey.AggregateIdentifier, error) {
	return s.change(ctx, c, true, func(h Header, _ Snapshot) Event {
		return Closed{Header: h}
	})
}

// Delete marks the task deleted. Its messages stay on the log.
func (s *Service) Delete(ctx context.Context, c Change) (eventkey.AggregateIdentifier, error) {
	return s.change(ctx, c, false, func(h Header, _ Snapshot) Event {
		return Deleted{Header: h}
	})
}

// Erase removes the task and tombstones all its messages.
func (s *Service) Erase(ctx context.Context, c Change) (eventkey.AggregateIdentifier, error) {
	var id eventkey.AggregateIdentifier
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		snap, err := s.load(ctx, tx, c)
		if err != nil {
			return err
		}
		// Tombstones carry the current version, not the next one.
		id = snap.Identifier
		ev := Erased{Header: Header{Aggregate: id, Project: snap.RootContextIdentifier, Actor: c.Actor, At: s.now()}}
		_, err = s.bus.Emit(ctx, tx, ev)
		return err
	})
	return id, err
}

func (s *Service) change(ctx context.Context, c Change, requireOpen bool, build func(Header, Snapshot) Event) (eventkey.AggregateIdentifier, error) {
	var id eventkey.AggregateIdentifier
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		snap, err := s.load(ctx, tx, c)
		if err != nil {
			return err
		}
		if requireOpen && snap.State.Status == StatusClosed {
			return fmt.Errorf("%w: %s", ErrTaskClosed, c.Task)
		}
		id = snap.Identifier.WithVersion(snap.Version() + 1)
		ev := build(Header{Aggregate: id, Project: snap.RootContextIdentifier, Actor: c.Actor, At: s.now()}, snap)
		_, err = s.bus.Emit(ctx, tx, ev)
		return err
	})
	return id, err
}

func (s *Service) load(ctx context.Context, tx pgx.Tx, c Change) (Snapshot, error) {
	snap, err := s.store.Find(ctx, tx, c.Task)
	if errors.Is(err, snapshot.ErrSnapshotNotFound) {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrTaskNotFound, c.Task)
	}
	if err != nil {
		return Snapshot{}, err
	}
	if c.ExpectedVersion != nil && *c.ExpectedVersion != snap.Version() {
		return Snapshot{}, fmt.Errorf("%w: expected version %d, current %d", ErrEntityOutdated, *c.ExpectedVersion, snap.Version())
	}
	return snap, nil
}

// Get returns the current task.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Snapshot, error) {
	var snap Snapshot
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		snap, err = s.load(ctx, tx, Change{Task: id})
		return err
	})
	return snap, err
}

// ImportResult lists the created tasks of an import.
type ImportResult struct {
	TransactionIdentifier uuid.UUID
	Tasks                 []eventkey.AggregateIdentifier
}

// Import creates all tasks inside one business transaction, so consumers
// see them as one unit.
func (s *Service) Import(ctx context.Context, project, actor uuid.UUID, tasks []CreateTask) (ImportResult, error) {
	if len(tasks) == 0 {
		return ImportResult{}, fmt.Errorf("%w: nothing to import", ErrInvalidCommand)
	}
	tasks = append([]CreateTask(nil), tasks...)
	for i := range tasks {
		tasks[i].Project, tasks[i].Actor = project, actor
		if err := tasks[i].validate(); err != nil {
			return ImportResult{}, fmt.Errorf("task %d: %w", i, err)
		}
	}

	var res ImportResult
	bracket := eventbus.Bracket{
		Started: func(txID uuid.UUID) eventbus.Event {
			return ImportStarted{TransactionIdentifier: txID, Project: project, Actor: actor, At: s.now(), TaskCount: len(tasks)}
		},
		Finished: func(txID uuid.UUID) eventbus.Event {
			return ImportFinished{TransactionIdentifier: txID, Project: project, Actor: actor, At: s.now()}
		},
	}
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		res = ImportResult{}
		txID, err := s.bus.InBusinessTransaction(ctx, tx, bracket, func(ctx context.Context) error {
			for _, t := range tasks {
				id, err := s.create(ctx, tx, t)
				if err != nil {
					return err
				}
				res.Tasks = append(res.Tasks, id)
			}
			return nil
		})
		res.TransactionIdentifier = txID
		return err
	})
	if err != nil {
		return ImportResult{}, err
	}
	s.logger.InfoContext(ctx, "tasks imported",
		"project", project.String(), "transaction_identifier", res.TransactionIdentifier.String(), "tasks", len(res.Tasks))
	return res, nil
}
