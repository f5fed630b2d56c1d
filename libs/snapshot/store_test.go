package snapshot

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/eventcore/libs/eventkey"
	"github.com/stretchr/testify/require"
)

type counterState struct {
	Value int `json:"value"`
}

type counterEvent struct {
	id    eventkey.AggregateIdentifier
	root  uuid.UUID
	op    Op
	delta int
}

func (e counterEvent) AggregateIdentifier() eventkey.AggregateIdentifier { return e.id }
func (e counterEvent) RootContextIdentifier() uuid.UUID                  { return e.root }
func (e counterEvent) Audit() Audit {
	return Audit{By: uuid.MustParse("00000000-0000-0000-0000-00000000000a"), At: time.Unix(1700000000, 0).UTC()}
}

type counterFolder struct{}

func (counterFolder) AggregateType() string { return "COUNTER" }
func (counterFolder) Operation(ev Event) Op  { return ev.(counterEvent).op }
func (counterFolder) Fold(s counterState, ev Event) (counterState, error) {
	e := ev.(counterEvent)
	if e.delta < 0 {
		return s, errors.New("negative delta")
	}
	s.Value += e.delta
	return s, nil
}

type fixture struct {
	store *Store[counterState]
	repo  *MemoryRepository
	id    uuid.UUID
	root  uuid.UUID
}

func newFixture() fixture {
	repo := NewMemoryRepository()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return fixture{
		store: NewStore[counterState](repo, counterFolder{}, logger, nil),
		repo:  repo,
		id:    uuid.New(),
		root:  uuid.New(),
	}
}

func (f fixture) event(op Op, version uint64, delta int) counterEvent {
	return counterEvent{
		id:    eventkey.AggregateIdentifier{Type: "COUNTER", ID: f.id, Version: version},
		root:  f.root,
		op:    op,
		delta: delta,
	}
}

func TestApplyCreateAndUpdate(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	snap, out, err := f.store.Apply(ctx, nil, f.event(OpCreate, 0, 2), SourceOnline)
	require.NoError(t, err)
	require.True(t, out.Applied)
	require.Equal(t, uint64(0), snap.Version())
	require.Equal(t, 2, snap.State.Value)

	snap, _, err = f.store.Apply(ctx, nil, f.event(OpUpdate, 1, 3), SourceOnline)
	require.NoError(t, err)
	require.Equal(t, uint64(1), snap.Version())
	require.Equal(t, 5, snap.State.Value)
	require.Equal(t, f.root, snap.RootContextIdentifier)

	found, err := f.store.Find(ctx, nil, f.id)
	require.NoError(t, err)
	require.Equal(t, snap, found)
}

func TestApplyOnlineRejectsOutOfOrderVersions(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	_, _, err := f.store.Apply(ctx, nil, f.event(OpCreate, 0, 1), SourceOnline)
	require.NoError(t, err)

	_, _, err = f.store.Apply(ctx, nil, f.event(OpCreate, 0, 1), SourceOnline)
	require.ErrorIs(t, err, ErrSnapshotExists)
	require.True(t, IsIntegrityError(err))

	_, _, err = f.store.Apply(ctx, nil, f.event(OpUpdate, 0, 1), SourceOnline)
	require.ErrorIs(t, err, ErrStaleVersion)
	require.False(t, IsIntegrityError(err))

	_, _, err = f.store.Apply(ctx, nil, f.event(OpUpdate, 2, 1), SourceOnline)
	require.ErrorIs(t, err, ErrUnexpectedVersion)

	_, _, err = f.store.Apply(ctx, nil, counterEvent{
		id: eventkey.AggregateIdentifier{Type: "COUNTER", ID: uuid.New(), Version: 1}, op: OpUpdate,
	}, SourceOnline)
	require.ErrorIs(t, err, ErrSnapshotMissing)
}

func TestApplyCreateMustStartAtZero(t *testing.T) {
	f := newFixture()
	_, _, err := f.store.Apply(context.Background(), nil, f.event(OpCreate, 1, 1), SourceOnline)
	require.ErrorIs(t, err, ErrUnexpectedVersion)
}

func TestApplyRestoreIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	events := []counterEvent{
		f.event(OpCreate, 0, 1),
		f.event(OpUpdate, 1, 10),
		f.event(OpUpdate, 2, 100),
	}

	for _, ev := range events {
		_, _, err := f.store.Apply(ctx, nil, ev, SourceRestore)
		require.NoError(t, err)
	}
	once, err := f.store.Find(ctx, nil, f.id)
	require.NoError(t, err)

	// Redeliver everything.
	for _, ev := range events {
		_, out, err := f.store.Apply(ctx, nil, ev, SourceRestore)
		require.NoError(t, err)
		require.False(t, out.Applied)
	}
	twice, err := f.store.Find(ctx, nil, f.id)
	require.NoError(t, err)
	require.Equal(t, once, twice)
	require.Equal(t, 111, twice.State.Value)
}

func TestMarkDeleted(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	_, _, err := f.store.Apply(ctx, nil, f.event(OpCreate, 0, 1), SourceOnline)
	require.NoError(t, err)
	snap, _, err := f.store.Apply(ctx, nil, f.event(OpMarkDeleted, 1, 0), SourceOnline)
	require.NoError(t, err)
	require.True(t, snap.Deleted)
	require.Equal(t, uint64(1), snap.Version())

	_, err = f.store.Find(ctx, nil, f.id)
	require.ErrorIs(t, err, ErrSnapshotNotFound)
	require.Equal(t, 1, f.repo.Len())

	_, _, err = f.store.Apply(ctx, nil, f.event(OpUpdate, 2, 1), SourceOnline)
	require.ErrorIs(t, err, ErrSnapshotMissing)

	// Redelivered delete during restore is skipped.
	_, out, err := f.store.Apply(ctx, nil, f.event(OpMarkDeleted, 1, 0), SourceRestore)
	require.NoError(t, err)
	require.False(t, out.Applied)
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	_, _, err := f.store.Apply(ctx, nil, f.event(OpCreate, 0, 1), SourceOnline)
	require.NoError(t, err)
	_, _, err = f.store.Apply(ctx, nil, f.event(OpUpdate, 1, 1), SourceOnline)
	require.NoError(t, err)

	_, _, err = f.store.Apply(ctx, nil, f.event(OpRemove, 0, 0), SourceOnline)
	require.ErrorIs(t, err, ErrStaleVersion)

	_, out, err := f.store.Apply(ctx, nil, f.event(OpRemove, 1, 0), SourceOnline)
	require.NoError(t, err)
	require.True(t, out.Applied)
	require.Equal(t, 0, f.repo.Len())

	_, _, err = f.store.Apply(ctx, nil, f.event(OpRemove, 1, 0), SourceOnline)
	require.ErrorIs(t, err, ErrSnapshotMissing)

	_, out, err = f.store.Apply(ctx, nil, f.event(OpRemove, 1, 0), SourceRestore)
	require.NoError(t, err)
	require.False(t, out.Applied)
}

func TestApplyRejectsForeignAggregate(t *testing.T) {
	f := newFixture()
	ev := f.event(OpCreate, 0, 1)
	ev.id.Type = "OTHER"
	_, _, err := f.store.Apply(context.Background(), nil, ev, SourceOnline)
	require.Error(t, err)
	require.Equal(t, 0, f.repo.Len())
}

func TestFoldErrorLeavesSnapshotUntouched(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	_, _, err := f.store.Apply(ctx, nil, f.event(OpCreate, 0, 1), SourceOnline)
	require.NoError(t, err)

	_, _, err = f.store.Apply(ctx, nil, f.event(OpUpdate, 1, -1), SourceOnline)
	require.Error(t, err)

	snap, err := f.store.Find(ctx, nil, f.id)
	require.NoError(t, err)
	require.Equal(t, uint64(0), snap.Version())
}
