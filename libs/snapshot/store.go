package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/eventcore/libs/eventkey"
	"github.com/md-rashed-zaman/eventcore/libs/metrics"
)

// Record is the persisted form of a snapshot. State is JSON.
type Record struct {
	Identifier            eventkey.AggregateIdentifier
	RootContextIdentifier uuid.UUID
	State                 []byte
	Deleted               bool
	Created               Audit
	LastModified          Audit
}

// Repository persists snapshot records inside the caller's transaction.
// Update and Delete must only touch the row whose version equals expected
// and return ErrStaleVersion when no such row exists.
type Repository interface {
	Find(ctx context.Context, tx pgx.Tx, aggregateType string, id uuid.UUID) (Record, bool, error)
	Insert(ctx context.Context, tx pgx.Tx, rec Record) error
	Update(ctx context.Context, tx pgx.Tx, rec Record, expected uint64) error
	Delete(ctx context.Context, tx pgx.Tx, aggregateType string, id uuid.UUID, expected uint64) error
}

// Outcome summarizes one Apply call.
type Outcome struct {
	Identifier eventkey.AggregateIdentifier
	Op         Op
	Applied    bool
}

type Store[S any] struct {
	repo    Repository
	folder  Folder[S]
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewStore[S any](repo Repository, folder Folder[S], logger *slog.Logger, m *metrics.Metrics) *Store[S] {
	return &Store[S]{
		repo:    repo,
		folder:  folder,
		logger:  logger.With("component", "snapshot_store", "aggregate_type", folder.AggregateType()),
		metrics: m,
	}
}

func (s *Store[S]) AggregateType() string { return s.folder.AggregateType() }

// Find returns the live snapshot of id. Missing and deleted snapshots both
// yield ErrSnapshotNotFound.
func (s *Store[S]) Find(ctx context.Context, tx pgx.Tx, id uuid.UUID) (Snapshot[S], error) {
	rec, found, err := s.repo.Find(ctx, tx, s.folder.AggregateType(), id)
	if err != nil {
		return Snapshot[S]{}, err
	}
	if !found || rec.Deleted {
		return Snapshot[S]{}, fmt.Errorf("%w: %s %s", ErrSnapshotNotFound, s.folder.AggregateType(), id)
	}
	return s.decode(rec)
}

// ApplyEvent is Apply without the typed snapshot, for callers that only
// know the event.
func (s *Store[S]) ApplyEvent(ctx context.Context, tx pgx.Tx, ev Event, source Source) (Outcome, error) {
	_, out, err := s.Apply(ctx, tx, ev, source)
	return out, err
}

// Apply advances the snapshot of ev's aggregate by one event.
func (s *Store[S]) Apply(ctx context.Context, tx pgx.Tx, ev Event, source Source) (Snapshot[S], Outcome, error) {
	id := ev.AggregateIdentifier()
	if id.Type != s.folder.AggregateType() {
		return Snapshot[S]{}, Outcome{}, fmt.Errorf("snapshot store %s cannot apply event of %s", s.folder.AggregateType(), id.Type)
	}
	op := s.folder.Operation(ev)
	out := Outcome{Identifier: id, Op: op}

	rec, found, err := s.repo.Find(ctx, tx, id.Type, id.ID)
	if err != nil {
		return Snapshot[S]{}, out, fmt.Errorf("load snapshot %s: %w", id, err)
	}

	var current Snapshot[S]
	if found {
		if current, err = s.decode(rec); err != nil {
			return Snapshot[S]{}, out, err
		}
	}

	skip, err := s.validate(op, id, found, rec, source)
	if err != nil {
		if errors.Is(err, ErrStaleVersion) {
			s.metrics.SnapshotConflict(id.Type)
		}
		return Snapshot[S]{}, out, err
	}
	if skip {
		s.logger.InfoContext(ctx, "skipping update of snapshot store for current event",
			"aggregate", id, "op", op.String(), "source", source.String())
		return current, out, nil
	}

	next, err := s.fold(op, current, ev)
	if err != nil {
		return Snapshot[S]{}, out, err
	}

	switch op {
	case OpCreate:
		err = s.persistInsert(ctx, tx, next)
	case OpUpdate, OpMarkDeleted:
		err = s.persistUpdate(ctx, tx, next, rec.Identifier.Version)
	case OpRemove:
		err = s.repo.Delete(ctx, tx, id.Type, id.ID, rec.Identifier.Version)
	}
	if err != nil {
		if errors.Is(err, ErrStaleVersion) {
			s.metrics.SnapshotConflict(id.Type)
		}
		return Snapshot[S]{}, out, err
	}
	out.Applied = true
	return next, out, nil
}

// validate decides whether ev may be applied to the stored record. A true
// skip means the event is already reflected and must be ignored.
func (s *Store[S]) validate(op Op, id eventkey.AggregateIdentifier, found bool, rec Record, source Source) (bool, error) {
	restore := source == SourceRestore

	switch op {
	case OpCreate:
		if found {
			if restore && id.Version <= rec.Identifier.Version {
				return true, nil
			}
			return false, fmt.Errorf("%w: %s", ErrSnapshotExists, id)
		}
		if id.Version != 0 {
			return false, fmt.Errorf("%w: creation of %s must have version 0", ErrUnexpectedVersion, id)
		}
		return false, nil

	case OpUpdate, OpMarkDeleted:
		if !found {
			if restore && op == OpMarkDeleted {
				return true, nil
			}
			return false, fmt.Errorf("%w: %s", ErrSnapshotMissing, id)
		}
		if restore && id.Version <= rec.Identifier.Version {
			return true, nil
		}
		if rec.Deleted {
			return false, fmt.Errorf("%w: %s is deleted", ErrSnapshotMissing, id)
		}
		return false, checkNext(rec.Identifier.Version, id)

	case OpRemove:
		if !found {
			if restore {
				return true, nil
			}
			return false, fmt.Errorf("%w: %s", ErrSnapshotMissing, id)
		}
		if restore && id.Version < rec.Identifier.Version {
			return true, nil
		}
		switch {
		case id.Version < rec.Identifier.Version:
			return false, fmt.Errorf("%w: remove %s, stored version %d", ErrStaleVersion, id, rec.Identifier.Version)
		case id.Version > rec.Identifier.Version:
			return false, fmt.Errorf("%w: remove %s, stored version %d", ErrUnexpectedVersion, id, rec.Identifier.Version)
		}
		return false, nil
	}
	return false, fmt.Errorf("snapshot store %s: unsupported operation %d", s.folder.AggregateType(), op)
}

func checkNext(current uint64, id eventkey.AggregateIdentifier) error {
	switch {
	case id.Version <= current:
		return fmt.Errorf("%w: %s, stored version %d", ErrStaleVersion, id, current)
	case id.Version > current+1:
		return fmt.Errorf("%w: %s, stored version %d", ErrUnexpectedVersion, id, current)
	}
	return nil
}

func (s *Store[S]) fold(op Op, current Snapshot[S], ev Event) (Snapshot[S], error) {
	id := ev.AggregateIdentifier()
	audit := ev.Audit()

	if op == OpRemove {
		current.Deleted = true
		current.LastModified = audit
		return current, nil
	}

	state, err := s.folder.Fold(current.State, ev)
	if err != nil {
		return Snapshot[S]{}, fmt.Errorf("fold %s: %w", id, err)
	}
	next := Snapshot[S]{
		Identifier:            id,
		RootContextIdentifier: ev.RootContextIdentifier(),
		State:                 state,
		Deleted:               op == OpMarkDeleted,
		Created:               current.Created,
		LastModified:          audit,
	}
	if op == OpCreate {
		next.Created = audit
	}
	return next, nil
}

func (s *Store[S]) persistInsert(ctx context.Context, tx pgx.Tx, snap Snapshot[S]) error {
	rec, err := s.encode(snap)
	if err != nil {
		return err
	}
	return s.repo.Insert(ctx, tx, rec)
}

func (s *Store[S]) persistUpdate(ctx context.Context, tx pgx.Tx, snap Snapshot[S], expected uint64) error {
	rec, err := s.encode(snap)
	if err != nil {
		return err
	}
	return s.repo.Update(ctx, tx, rec, expected)
}

func (s *Store[S]) encode(snap Snapshot[S]) (Record, error) {
	state, err := json.Marshal(snap.State)
	if err != nil {
		return Record{}, fmt.Errorf("encode snapshot %s: %w", snap.Identifier, err)
	}
	return Record{
		Identifier:            snap.Identifier,
		RootContextIdentifier: snap.RootContextIdentifier,
		State:                 state,
		Deleted:               snap.Deleted,
		Created:               snap.Created,
		LastModified:          snap.LastModified,
	}, nil
}

func (s *Store[S]) decode(rec Record) (Snapshot[S], error) {
	snap := Snapshot[S]{
		Identifier:            rec.Identifier,
		RootContextIdentifier: rec.RootContextIdentifier,
		Deleted:               rec.Deleted,
		Created:               rec.Created,
		LastModified:          rec.LastModified,
	}
	if len(rec.State) > 0 {
		if err := json.Unmarshal(rec.State, &snap.State); err != nil {
			return Snapshot[S]{}, fmt.Errorf("decode snapshot %s: %w", rec.Identifier, err)
		}
	}
	return snap, nil
}
