package eventkey

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestCodecPreservesKeys(t *testing.T) {
	root := uuid.New()
	keys := []MessageKey{
		AggregateEventKey(AggregateIdentifier{Type: "TASK", ID: uuid.New(), Version: 0}, root),
		AggregateEventKey(AggregateIdentifier{Type: "TASK", ID: uuid.New(), Version: 1 << 40}, root),
		TransactionStartedKey(uuid.New(), root),
		TransactionFinishedKey(uuid.New(), root),
	}
	for _, k := range keys {
		got, err := Unmarshal(Marshal(k))
		require.NoError(t, err)
		require.Equal(t, k, got)
	}
}

func TestMarshalIsDeterministic(t *testing.T) {
	k := AggregateEventKey(AggregateIdentifier{Type: "TASK", ID: uuid.New(), Version: 3}, uuid.New())
	require.Equal(t, Marshal(k), Marshal(k))
	require.NotEqual(t, Marshal(k), Marshal(AggregateEventKey(k.Aggregate.WithVersion(4), k.RootContextIdentifier)))
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	_, err := Unmarshal([]byte{0xff, 0xff})
	require.ErrorIs(t, err, ErrMalformedKey)

	_, err = Unmarshal(nil)
	require.ErrorIs(t, err, ErrMalformedKey)

	// Aggregate kind without identifier.
	_, err = Unmarshal([]byte{0x08, 0x01})
	require.ErrorIs(t, err, ErrMalformedKey)
}

func TestTombstoneKeysCoverEveryVersion(t *testing.T) {
	root := uuid.New()
	latest := AggregateIdentifier{Type: "TASK", ID: uuid.New(), Version: 4}

	keys := TombstoneKeys(latest, root)
	require.Len(t, keys, 5)
	for v, k := range keys {
		require.Equal(t, uint64(v), k.Aggregate.Version)
		require.Equal(t, latest.ID, k.Aggregate.ID)
		require.Equal(t, root, k.RootContextIdentifier)
	}

	require.Len(t, TombstoneKeys(latest.WithVersion(0), root), 1)
}
