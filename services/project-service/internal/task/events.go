package task

import (
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/eventcore/libs/eventbus"
	"github.com/md-rashed-zaman/eventcore/libs/eventkey"
	"github.com/md-rashed-zaman/eventcore/libs/snapshot"
)

// AggregateType names task snapshots and message keys.
const AggregateType = "TASK"

// Event types, also used as registry keys and the "type" of the wire message.
const (
	TypeCreated  = "task.created"
	TypeRenamed  = "task.renamed"
	TypeAssigned = "task.assigned"
	TypeClosed   = "task.closed"
	TypeDeleted  = "task.deleted"
	TypeErased   = "task.erased"

	TypeImportStarted  = "project.import.started"
	TypeImportFinished = "project.import.finished"
)

// Event is the closed set of task events. Adding a variant means adding a
// Visitor method, so every visitor has to handle it.
type Event interface {
	eventbus.Event
	snapshot.Event
	Accept(v Visitor) error
}

type Visitor interface {
	VisitCreated(Created) error
	VisitRenamed(Renamed) error
	VisitAssigned(Assigned) error
	VisitClosed(Closed) error
	VisitDeleted(Deleted) error
	VisitErased(Erased) error
}

// Header is shared by all task events. The project is the root context, so
// all tasks of one project share a partition.
type Header struct {
	Aggregate eventkey.AggregateIdentifier
	Project   uuid.UUID
	Actor     uuid.UUID
	At        time.Time
}

func (h Header) AggregateIdentifier() eventkey.AggregateIdentifier { return h.Aggregate }
func (h Header) RootContextIdentifier() uuid.UUID                  { return h.Project }
func (h Header) Audit() snapshot.Audit                             { return snapshot.Audit{By: h.Actor, At: h.At} }

type Created struct {
	Header
	Title       string
	Description string
}

type Renamed struct {
	Header
	Title string
}

type Assigned struct {
	Header
	Assignee uuid.UUID
}

type Closed struct {
	Header
}

// Deleted keeps the snapshot, flagged as deleted.
type Deleted struct {
	Header
}

// Erased removes the task and tombstones every one of its messages.
type Erased struct {
	Header
}

func (Created) EventType() string  { return TypeCreated }
func (Renamed) EventType() string  { return TypeRenamed }
func (Assigned) EventType() string { return TypeAssigned }
func (Closed) EventType() string   { return TypeClosed }
func (Deleted) EventType() string  { return TypeDeleted }
func (Erased) EventType() string   { return TypeErased }

func (e Created) Accept(v Visitor) error  { return v.VisitCreated(e) }
func (e Renamed) Accept(v Visitor) error  { return v.VisitRenamed(e) }
func (e Assigned) Accept(v Visitor) error { return v.VisitAssigned(e) }
func (e Closed) Accept(v Visitor) error   { return v.VisitClosed(e) }
func (e Deleted) Accept(v Visitor) error  { return v.VisitDeleted(e) }
func (e Erased) Accept(v Visitor) error   { return v.VisitErased(e) }

// ImportStarted and ImportFinished bracket a task import as one business
// transaction.
type ImportStarted struct {
	TransactionIdentifier uuid.UUID
	Project               uuid.UUID
	Actor                 uuid.UUID
	At                    time.Time
	TaskCount             int
}

type ImportFinished struct {
	TransactionIdentifier uuid.UUID
	Project               uuid.UUID
	Actor                 uuid.UUID
	At                    time.Time
}

func (ImportStarted) EventType() string                  { return TypeImportStarted }
func (e ImportStarted) RootContextIdentifier() uuid.UUID { return e.Project }

func (ImportFinished) EventType() string                  { return TypeImportFinished }
func (e ImportFinished) RootContextIdentifier() uuid.UUID { return e.Project }
