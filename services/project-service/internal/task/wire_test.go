package task

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/eventcore/libs/eventkey"
	"github.com/md-rashed-zaman/eventcore/libs/snapshot"
	"github.com/stretchr/testify/require"
)

func header(version uint64) Header {
	return Header{
		Aggregate: eventkey.AggregateIdentifier{Type: AggregateType, ID: uuid.New(), Version: version},
		Project:   uuid.New(),
		Actor:     uuid.New(),
		At:        time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestMapperDecodesWhatItEncodes(t *testing.T) {
	events := []Event{
		Created{Header: header(0), Title: "a", Description: "d"},
		Renamed{Header: header(1), Title: "b"},
		Assigned{Header: header(2), Assignee: uuid.New()},
		Closed{Header: header(3)},
		Deleted{Header: header(4)},
	}
	var m Mapper
	for _, ev := range events {
		t.Run(ev.EventType(), func(t *testing.T) {
			key, value, err := m.ToMessage(ev)
			require.NoError(t, err)
			require.Equal(t, ev.AggregateIdentifier(), key.Aggregate)

			raw, err := eventkey.Unmarshal(eventkey.Marshal(key))
			require.NoError(t, err)
			got, err := m.Decode(raw, value)
			require.NoError(t, err)
			require.Equal(t, ev, got)
		})
	}
}

func TestMapperRejectsErased(t *testing.T) {
	_, _, err := Mapper{}.ToMessage(Erased{Header: header(1)})
	require.ErrorIs(t, err, ErrUnknownMessage)
}

func TestMapperImportBrackets(t *testing.T) {
	txID, project := uuid.New(), uuid.New()
	key, _, err := Mapper{}.ToMessage(ImportStarted{TransactionIdentifier: txID, Project: project, TaskCount: 2})
	require.NoError(t, err)
	require.True(t, key.IsTransactionStarted())
	require.Equal(t, txID, key.TransactionIdentifier)
	require.Equal(t, project, key.RootContextIdentifier)

	key, value, err := Mapper{}.ToMessage(ImportFinished{TransactionIdentifier: txID, Project: project})
	require.NoError(t, err)
	require.True(t, key.IsTransactionFinished())
	_, err = Mapper{}.Decode(key, value)
	require.ErrorIs(t, err, ErrUnknownMessage)
}

func TestFolderOperations(t *testing.T) {
	cases := map[snapshot.Op]Event{
		snapshot.OpCreate:      Created{Header: header(0), Title: "a"},
		snapshot.OpUpdate:      Renamed{Header: header(1), Title: "b"},
		snapshot.OpMarkDeleted: Deleted{Header: header(2)},
		snapshot.OpRemove:      Erased{Header: header(2)},
	}
	for op, ev := range cases {
		require.Equal(t, op, Folder{}.Operation(ev), ev.EventType())
	}
}

func TestFolderRejectsEmptyTitle(t *testing.T) {
	_, err := Folder{}.Fold(State{}, Created{Header: header(0)})
	require.ErrorIs(t, err, errEmptyTitle)
	_, err = Folder{}.Fold(State{Title: "a"}, Renamed{Header: header(1)})
	require.ErrorIs(t, err, errEmptyTitle)
}
