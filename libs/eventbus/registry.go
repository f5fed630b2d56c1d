// Package eventbus couples a snapshot mutation to the outbox row describing
// it, both inside the caller's local transaction.
package eventbus

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/eventcore/libs/eventkey"
	"github.com/md-rashed-zaman/eventcore/libs/snapshot"
)

// ErrUnmappableEvent is returned for events without a registration.
var ErrUnmappableEvent = errors.New("no mapper registered for event")

// Event is anything the bus can emit.
type Event interface {
	// EventType selects the registration, e.g. "task.created".
	EventType() string
	RootContextIdentifier() uuid.UUID
}

// Mapper translates an event into the key and value written to the outbox.
// Mappers are pure.
type Mapper interface {
	ToMessage(ev Event) (eventkey.MessageKey, []byte, error)
}

// MapperFunc adapts a function to Mapper.
type MapperFunc func(ev Event) (eventkey.MessageKey, []byte, error)

func (f MapperFunc) ToMessage(ev Event) (eventkey.MessageKey, []byte, error) { return f(ev) }

// Applier advances a snapshot. *snapshot.Store[S] implements it.
type Applier interface {
	ApplyEvent(ctx context.Context, tx pgx.Tx, ev snapshot.Event, source snapshot.Source) (snapshot.Outcome, error)
}

// Channel is one outbox table and the partition count of its topic.
type Channel struct {
	Table      string
	Partitions int
}

// Registration binds one event type to its channel, snapshot store and mapper.
type Registration struct {
	EventType string
	Channel   Channel
	// Store is nil for events that do not belong to an aggregate, such as
	// business transaction brackets.
	Store  Applier
	Mapper Mapper
	// Tombstone makes the bus write null values for every historical key of
	// the aggregate instead of the event itself.
	Tombstone bool
}

// Registry is the fixed set of registrations of one service.
type Registry struct {
	byType map[string]Registration
}

// NewRegistry fails on duplicates and on incomplete registrations.
func NewRegistry(regs ...Registration) (*Registry, error) {
	byType := make(map[string]Registration, len(regs))
	for _, r := range regs {
		switch {
		case r.EventType == "":
			return nil, errors.New("registration without event type")
		case r.Channel.Table == "":
			return nil, fmt.Errorf("registration %s: channel table is required", r.EventType)
		case r.Channel.Partitions <= 0:
			return nil, fmt.Errorf("registration %s: channel partitions must be positive", r.EventType)
		case r.Mapper == nil && !r.Tombstone:
			return nil, fmt.Errorf("registration %s: mapper is required", r.EventType)
		case r.Tombstone && r.Store == nil:
			return nil, fmt.Errorf("registration %s: tombstones require a snapshot store", r.EventType)
		}
		if _, dup := byType[r.EventType]; dup {
			return nil, fmt.Errorf("registration %s: registered twice", r.EventType)
		}
		byType[r.EventType] = r
	}
	return &Registry{byType: byType}, nil
}

func (r *Registry) Lookup(eventType string) (Registration, bool) {
	reg, ok := r.byType[eventType]
	return reg, ok
}
