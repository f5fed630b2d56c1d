// Package snapshot keeps the current state of each aggregate instance and
// advances it one event at a time under optimistic concurrency control.
package snapshot

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/eventcore/libs/eventkey"
)

var (
	// ErrStaleVersion means another writer advanced the snapshot first.
	// Reload and retry the command.
	ErrStaleVersion = errors.New("snapshot version is stale")
	// ErrSnapshotExists is returned for a creation event of an existing aggregate.
	ErrSnapshotExists = errors.New("currentSnapshot cannot exist already on create")
	// ErrSnapshotMissing is returned for an update or delete of an unknown aggregate.
	ErrSnapshotMissing = errors.New("currentSnapshot cannot be null on update / delete")
	// ErrUnexpectedVersion is returned when an event skips versions.
	ErrUnexpectedVersion = errors.New("unexpected aggregate version")
	// ErrSnapshotNotFound is returned by lookups of missing or deleted aggregates.
	ErrSnapshotNotFound = errors.New("snapshot not found")
)

// IsIntegrityError reports errors that retrying cannot fix.
func IsIntegrityError(err error) bool {
	return errors.Is(err, ErrSnapshotExists) ||
		errors.Is(err, ErrSnapshotMissing) ||
		errors.Is(err, ErrUnexpectedVersion)
}

// Source tells the store where an event comes from.
type Source int

const (
	// SourceOnline is the command path. Versions are checked strictly.
	SourceOnline Source = iota
	// SourceRestore rebuilds snapshots from the log. Events already reflected
	// in the snapshot are skipped, so redelivery is harmless.
	SourceRestore
)

func (s Source) String() string {
	if s == SourceRestore {
		return "restore"
	}
	return "online"
}

// Op is what an event does to its snapshot.
type Op int

const (
	OpCreate Op = iota + 1
	OpUpdate
	// OpMarkDeleted advances the version and keeps the snapshot flagged as deleted.
	OpMarkDeleted
	// OpRemove drops the snapshot without advancing the version. It pairs
	// with tombstone emission.
	OpRemove
)

func (o Op) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpUpdate:
		return "update"
	case OpMarkDeleted:
		return "mark_deleted"
	case OpRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// Audit records who changed an aggregate and when.
type Audit struct {
	By uuid.UUID
	At time.Time
}

// Event is the part of a domain event the store needs.
type Event interface {
	AggregateIdentifier() eventkey.AggregateIdentifier
	RootContextIdentifier() uuid.UUID
	Audit() Audit
}

// Snapshot is the versioned state of one aggregate instance.
type Snapshot[S any] struct {
	Identifier            eventkey.AggregateIdentifier
	RootContextIdentifier uuid.UUID
	State                 S
	Deleted               bool
	Created               Audit
	LastModified          Audit
}

func (s Snapshot[S]) Version() uint64 { return s.Identifier.Version }

// Folder describes one aggregate type: how each event affects the snapshot
// and how state evolves.
type Folder[S any] interface {
	AggregateType() string
	Operation(ev Event) Op
	Fold(state S, ev Event) (S, error)
}
