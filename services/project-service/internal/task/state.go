package task

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/eventcore/libs/snapshot"
)

const (
	StatusOpen   = "OPEN"
	StatusClosed = "CLOSED"
)

// State is the snapshot state of a task.
type State struct {
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Assignee    uuid.UUID `json:"assignee"`
	Status      string    `json:"status"`
}

type Snapshot = snapshot.Snapshot[State]

// Folder implements snapshot.Folder for tasks.
type Folder struct{}

func (Folder) AggregateType() string { return AggregateType }

func (Folder) Operation(ev snapshot.Event) snapshot.Op {
	e, ok := ev.(Event)
	if !ok {
		return 0
	}
	var v opVisitor
	_ = e.Accept(&v)
	return v.op
}

func (Folder) Fold(s State, ev snapshot.Event) (State, error) {
	e, ok := ev.(Event)
	if !ok {
		return s, fmt.Errorf("not a task event: %T", ev)
	}
	v := foldVisitor{state: s}
	if err := e.Accept(&v); err != nil {
		return s, err
	}
	return v.state, nil
}

type opVisitor struct {
	op snapshot.Op
}

func (v *opVisitor) VisitCreated(Created) error   { v.op = snapshot.OpCreate; return nil }
func (v *opVisitor) VisitRenamed(Renamed) error   { v.op = snapshot.OpUpdate; return nil }
func (v *opVisitor) VisitAssigned(Assigned) error { v.op = snapshot.OpUpdate; return nil }
func (v *opVisitor) VisitClosed(Closed) error     { v.op = snapshot.OpUpdate; return nil }
func (v *opVisitor) VisitDeleted(Deleted) error   { v.op = snapshot.OpMarkDeleted; return nil }
func (v *opVisitor) VisitErased(Erased) error     { v.op = snapshot.OpRemove; return nil }

var errEmptyTitle = errors.New("task title must not be empty")

type foldVisitor struct {
	state State
}

func (v *foldVisitor) VisitCreated(e Created) error {
	if e.Title == "" {
		return errEmptyTitle
	}
	v.state = State{Title: e.Title, Description: e.Description, Status: StatusOpen}
	return nil
}

func (v *foldVisitor) VisitRenamed(e Renamed) error {
	if e.Title == "" {
		return errEmptyTitle
	}
	v.state.Title = e.Title
	return nil
}

func (v *foldVisitor) VisitAssigned(e Assigned) error {
	v.state.Assignee = e.Assignee
	return nil
}

func (v *foldVisitor) VisitClosed(Closed) error {
	v.state.Status = StatusClosed
	return nil
}

func (v *foldVisitor) VisitDeleted(Deleted) error { return nil }
func (v *foldVisitor) VisitErased(Erased) error   { return nil }
