package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/eventcore/libs/eventbus"
	"github.com/md-rashed-zaman/eventcore/libs/eventkey"
)

// Message is the JSON value of every message on the project topic.
type Message struct {
	Type                  string     `json:"type"`
	Aggregate             *Aggregate `json:"aggregate,omitempty"`
	TransactionIdentifier *uuid.UUID `json:"transaction_identifier,omitempty"`
	Project               uuid.UUID  `json:"project"`
	Actor                 uuid.UUID  `json:"actor"`
	At                    time.Time  `json:"at"`
	Title                 string     `json:"title,omitempty"`
	Description           string     `json:"description,omitempty"`
	Assignee              *uuid.UUID `json:"assignee,omitempty"`
	TaskCount             int        `json:"task_count,omitempty"`
}

type Aggregate struct {
	Type       string    `json:"type"`
	Identifier uuid.UUID `json:"identifier"`
	Version    uint64    `json:"version"`
}

var ErrUnknownMessage = errors.New("unknown task message")

// Mapper translates task and import events to messages and back.
type Mapper struct{}

var _ eventbus.Mapper = Mapper{}

func (Mapper) ToMessage(ev eventbus.Event) (eventkey.MessageKey, []byte, error) {
	var msg Message
	var key eventkey.MessageKey

	switch e := ev.(type) {
	case Event:
		v := messageVisitor{}
		if err := e.Accept(&v); err != nil {
			return key, nil, err
		}
		msg = v.msg
		id := e.AggregateIdentifier()
		msg.Aggregate = &Aggregate{Type: id.Type, Identifier: id.ID, Version: id.Version}
		key = eventkey.AggregateEventKey(id, e.RootContextIdentifier())
	case ImportStarted:
		msg = Message{Type: TypeImportStarted, Project: e.Project, Actor: e.Actor, At: e.At, TaskCount: e.TaskCount}
		msg.TransactionIdentifier = &e.TransactionIdentifier
		key = eventkey.TransactionStartedKey(e.TransactionIdentifier, e.Project)
	case ImportFinished:
		msg = Message{Type: TypeImportFinished, Project: e.Project, Actor: e.Actor, At: e.At}
		msg.TransactionIdentifier = &e.TransactionIdentifier
		key = eventkey.TransactionFinishedKey(e.TransactionIdentifier, e.Project)
	default:
		return key, nil, fmt.Errorf("%w: %T", ErrUnknownMessage, ev)
	}

	value, err := json.Marshal(msg)
	if err != nil {
		return key, nil, err
	}
	return key, value, nil
}

// Decode turns a task message back into its event. Bracket messages are
// not task events and yield ErrUnknownMessage.
func (Mapper) Decode(key eventkey.MessageKey, value []byte) (Event, error) {
	var msg Message
	if err := json.Unmarshal(value, &msg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key.Aggregate, err)
	}
	if key.Kind != eventkey.KindAggregateEvent || key.Aggregate.Type != AggregateType {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessage, msg.Type)
	}
	h := Header{Aggregate: key.Aggregate, Project: key.RootContextIdentifier, Actor: msg.Actor, At: msg.At}

	switch msg.Type {
	case TypeCreated:
		return Created{Header: h, Title: msg.Title, Description: msg.Description}, nil
	case TypeRenamed:
		return Renamed{Header: h, Title: msg.Title}, nil
	case TypeAssigned:
		var assignee uuid.UUID
		if msg.Assignee != nil {
			assignee = *msg.Assignee
		}
		return Assigned{Header: h, Assignee: assignee}, nil
	case TypeClosed:
		return Closed{Header: h}, nil
	case TypeDeleted:
		return Deleted{Header: h}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessage, msg.Type)
	}
}

type messageVisitor struct {
	msg Message
}

func (v *messageVisitor) header(typ string, h Header) {
	v.msg.Type = typ
	v.msg.Project = h.Project
	v.msg.Actor = h.Actor
	v.msg.At = h.At
}

func (v *messageVisitor) VisitCreated(e Created) error {
	v.header(TypeCreated, e.Header)
	v.msg.Title = e.Title
	v.msg.Description = e.Description
	return nil
}

func (v *messageVisitor) VisitRenamed(e Renamed) error {
	v.header(TypeRenamed, e.Header)
	v.msg.Title = e.Title
	return nil
}

func (v *messageVisitor) VisitAssigned(e Assigned) error {
	v.header(TypeAssigned, e.Header)
	v.msg.Assignee = &e.Assignee
	return nil
}

func (v *messageVisitor) VisitClosed(e Closed) error {
	v.header(TypeClosed, e.Header)
	return nil
}

func (v *messageVisitor) VisitDeleted(e Deleted) error {
	v.header(TypeDeleted, e.Header)
	return nil
}

// Erased is emitted as tombstones only.
func (v *messageVisitor) VisitErased(Erased) error {
	return fmt.Errorf("%w: %s has no message value", ErrUnknownMessage, TypeErased)
}

// Registrations lists every event the project service emits.
func Registrations(store eventbus.Applier, channel eventbus.Channel) []eventbus.Registration {
	m := Mapper{}
	return []eventbus.Registration{
		{EventType: TypeCreated, Channel: channel, Store: store, Mapper: m},
		{EventType: TypeRenamed, Channel: channel, Store: store, Mapper: m},
		{EventType: TypeAssigned, Channel: channel, Store: store, Mapper: m},
		{EventType: TypeClosed, Channel: channel, Store: store, Mapper: m},
		{EventType: TypeDeleted, Channel: channel, Store: store, Mapper: m},
		{EventType: TypeErased, Channel: channel, Store: store, Tombstone: true},
		{EventType: TypeImportStarted, Channel: channel, Mapper: m},
		{EventType: TypeImportFinished, Channel: channel, Mapper: m},
	}
}
