package task

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/eventcore/libs/eventbus"
	"github.com/md-rashed-zaman/eventcore/libs/eventkey"
	"github.com/md-rashed-zaman/eventcore/libs/outbox"
	"github.com/md-rashed-zaman/eventcore/libs/snapshot"
	"github.com/stretchr/testify/require"
)

const table = "project_events"

type fakeTx struct{ pgx.Tx }

func (fakeTx) Commit(context.Context) error   { return nil }
func (fakeTx) Rollback(context.Context) error { return nil }

type fakePool struct{}

func (fakePool) Begin(context.Context) (pgx.Tx, error) { return fakeTx{}, nil }

type fixture struct {
	svc   *Service
	rows  *outbox.MemoryStore
	repo  *snapshot.MemoryRepository
	store *snapshot.Store[State]
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := snapshot.NewMemoryRepository()
	store := snapshot.NewStore[State](repo, Folder{}, logger, nil)
	reg, err := eventbus.NewRegistry(Registrations(store, eventbus.Channel{Table: table, Partitions: 12})...)
	require.NoError(t, err)
	rows := outbox.NewMemoryStore()
	bus := eventbus.New(reg, rows, logger, nil)
	return fixture{svc: NewService(fakePool{}, bus, store, logger), rows: rows, repo: repo, store: store}
}

func version(v uint64) *uint64 { return &v }

func decodeRow(t *testing.T, row outbox.Row) (eventkey.MessageKey, Message) {
	t.Helper()
	key, err := eventkey.Unmarshal(row.EventKey)
	require.NoError(t, err)
	var msg Message
	if row.Event != nil {
		require.NoError(t, json.Unmarshal(row.Event, &msg))
	}
	return key, msg
}

func TestCreateWritesSnapshotAndMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	project, actor := uuid.New(), uuid.New()

	id, err := f.svc.Create(ctx, CreateTask{Project: project, Actor: actor, Title: "  Write docs ", Description: "all of them"})
	require.NoError(t, err)
	require.Equal(t, uint64(0), id.Version)

	snap, err := f.svc.Get(ctx, id.ID)
	require.NoError(t, err)
	require.Equal(t, "Write docs", snap.State.Title)
	require.Equal(t, StatusOpen, snap.State.Status)
	require.Equal(t, project, snap.RootContextIdentifier)
	require.Equal(t, actor, snap.Created.By)

	rows := f.rows.Rows(table)
	require.Len(t, rows, 1)
	key, msg := decodeRow(t, rows[0])
	require.Equal(t, id, key.Aggregate)
	require.Equal(t, project, key.RootContextIdentifier)
	require.Equal(t, TypeCreated, msg.Type)
	require.Equal(t, "Write docs", msg.Title)
	require.Equal(t, uuid.Nil, rows[0].TransactionIdentifier)
}

func TestCreateRejectsInvalidCommand(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Create(context.Background(), CreateTask{Project: uuid.New(), Title: "  "})
	require.ErrorIs(t, err, ErrInvalidCommand)
	_, err = f.svc.Create(context.Background(), CreateTask{Title: "x"})
	require.ErrorIs(t, err, ErrInvalidCommand)
	require.Empty(t, f.rows.Rows(table))
}

func TestChangesAdvanceVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, err := f.svc.Create(ctx, CreateTask{Project: uuid.New(), Title: "a"})
	require.NoError(t, err)

	assignee := uuid.New()
	id1, err := f.svc.Rename(ctx, Change{Task: id.ID, ExpectedVersion: version(0)}, "b")
	require.NoError(t, err)
	require.Equal(t, uint64(1), id1.Version)
	id2, err := f.svc.Assign(ctx, Change{Task: id.ID}, assignee)
	require.NoError(t, err)
	require.Equal(t, uint64(2), id2.Version)
	id3, err := f.svc.Close(ctx, Change{Task: id.ID, ExpectedVersion: version(2)})
	require.NoError(t, err)
	require.Equal(t, uint64(3), id3.Version)

	snap, err := f.svc.Get(ctx, id.ID)
	require.NoError(t, err)
	require.Equal(t, State{Title: "b", Assignee: assignee, Status: StatusClosed}, snap.State)

	rows := f.rows.Rows(table)
	require.Len(t, rows, 4)
	partition := rows[0].PartitionNumber
	for i, row := range rows {
		key, _ := decodeRow(t, row)
		require.Equal(t, uint64(i), key.Aggregate.Version)
		require.Equal(t, partition, row.PartitionNumber)
	}
}

func TestChangeWithOutdatedVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, err := f.svc.Create(ctx, CreateTask{Project: uuid.New(), Title: "a"})
	require.NoError(t, err)
	_, err = f.svc.Rename(ctx, Change{Task: id.ID}, "b")
	require.NoError(t, err)

	_, err = f.svc.Rename(ctx, Change{Task: id.ID, ExpectedVersion: version(0)}, "c")
	require.ErrorIs(t, err, ErrEntityOutdated)
	require.Len(t, f.rows.Rows(table), 2)
}

func TestClosedTaskRejectsChanges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, err := f.svc.Create(ctx, CreateTask{Project: uuid.New(), Title: "a"})
	require.NoError(t, err)
	_, err = f.svc.Close(ctx, Change{Task: id.ID})
	require.NoError(t, err)

	_, err = f.svc.Rename(ctx, Change{Task: id.ID}, "b")
	require.ErrorIs(t, err, ErrTaskClosed)

	// Closed tasks can still be deleted.
	_, err = f.svc.Delete(ctx, Change{Task: id.ID})
	require.NoError(t, err)
}

func TestUnknownTask(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Rename(context.Background(), Change{Task: uuid.New()}, "b")
	require.ErrorIs(t, err, ErrTaskNotFound)
}

func TestDeleteKeepsFlaggedSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, err := f.svc.Create(ctx, CreateTask{Project: uuid.New(), Title: "a"})
	require.NoError(t, err)

	deleted, err := f.svc.Delete(ctx, Change{Task: id.ID})
	require.NoError(t, err)
	require.Equal(t, uint64(1), deleted.Version)
	require.Equal(t, 1, f.repo.Len())

	_, err = f.svc.Get(ctx, id.ID)
	require.ErrorIs(t, err, ErrTaskNotFound)

	rows := f.rows.Rows(table)
	require.Len(t, rows, 2)
	_, msg := decodeRow(t, rows[1])
	require.Equal(t, TypeDeleted, msg.Type)
}

func TestEraseTombstonesEveryVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, err := f.svc.Create(ctx, CreateTask{Project: uuid.New(), Title: "a"})
	require.NoError(t, err)
	_, err = f.svc.Rename(ctx, Change{Task: id.ID}, "b")
	require.NoError(t, err)
	_, err = f.svc.Rename(ctx, Change{Task: id.ID}, "c")
	require.NoError(t, err)

	erased, err := f.svc.Erase(ctx, Change{Task: id.ID, ExpectedVersion: version(2)})
	require.NoError(t, err)
	require.Equal(t, uint64(2), erased.Version)
	require.Zero(t, f.repo.Len())

	rows := f.rows.Rows(table)
	require.Len(t, rows, 6)
	for v, row := range rows[3:] {
		require.True(t, row.IsTombstone())
		// Tombstones must reuse the original keys byte for byte.
		require.Equal(t, rows[v].EventKey, row.EventKey)
		require.Equal(t, rows[v].PartitionNumber, row.PartitionNumber)
	}
}

func TestImportIsOneBusinessTransaction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	project := uuid.New()

	res, err := f.svc.Import(ctx, project, uuid.New(), []CreateTask{{Title: "a"}, {Title: "b"}, {Title: "c"}})
	require.NoError(t, err)
	require.Len(t, res.Tasks, 3)
	require.NotEqual(t, uuid.Nil, res.TransactionIdentifier)
	require.Equal(t, 3, f.repo.Len())

	rows := f.rows.Rows(table)
	require.Len(t, rows, 5)
	first, started := decodeRow(t, rows[0])
	require.True(t, first.IsTransactionStarted())
	require.Equal(t, 3, started.TaskCount)
	last, _ := decodeRow(t, rows[4])
	require.True(t, last.IsTransactionFinished())
	for _, row := range rows {
		require.Equal(t, res.TransactionIdentifier, row.TransactionIdentifier)
		require.Equal(t, rows[0].PartitionNumber, row.PartitionNumber)
	}
}

func TestImportLeavesInputUntouched(t *testing.T) {
	f := newFixture(t)
	in := []CreateTask{{Title: "a"}, {Title: "b"}}
	_, err := f.svc.Import(context.Background(), uuid.New(), uuid.New(), in)
	require.NoError(t, err)
	require.Equal(t, []CreateTask{{Title: "a"}, {Title: "b"}}, in)
}

func TestImportValidatesEveryTask(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Import(context.Background(), uuid.New(), uuid.New(), []CreateTask{{Title: "a"}, {Title: ""}})
	require.ErrorIs(t, err, ErrInvalidCommand)
	require.Empty(t, f.rows.Rows(table))

	_, err = f.svc.Import(context.Background(), uuid.New(), uuid.New(), nil)
	require.ErrorIs(t, err, ErrInvalidCommand)
}
