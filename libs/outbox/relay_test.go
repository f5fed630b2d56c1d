package outbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/eventcore/libs/kafkax"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	mu       sync.Mutex
	failures int
	written  []kafka.Message
}

func (p *fakePublisher) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures > 0 {
		p.failures--
		return errors.New("broker unavailable")
	}
	p.written = append(p.written, msgs...)
	return nil
}

func (p *fakePublisher) messages() []kafka.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]kafka.Message(nil), p.written...)
}

type fakeLease struct {
	held bool
}

func (l *fakeLease) Acquire(context.Context) (bool, error) { return l.held, nil }
func (l *fakeLease) Renew(context.Context) (bool, error)   { return l.held, nil }
func (l *fakeLease) Release(context.Context) error         { return nil }

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func seed(t *testing.T, store *MemoryStore, n int) {
	t.Helper()
	rows := make([]Row, n)
	for i := range rows {
		rows[i] = Row{EventKey: []byte{byte(i)}, Event: []byte("v"), PartitionNumber: i % 3}
	}
	require.NoError(t, store.Insert(context.Background(), nil, "project_events", rows...))
}

func TestRelayKeepsRowsWhenPublishFails(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	seed(t, store, 3)
	pub := &fakePublisher{failures: 1}
	relay := NewRelay(store, pub, nil, discardLogger(), nil, RelayConfig{Table: "project_events", Topic: "project", BatchSize: 10})

	_, err := relay.DrainAll(ctx)
	require.Error(t, err)
	require.Len(t, store.Rows("project_events"), 3)
	require.Empty(t, pub.messages())

	n, err := relay.DrainAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Empty(t, store.Rows("project_events"))
	require.Len(t, pub.messages(), 3)
}

func TestRelayPreservesOrderAcrossBatches(t *testing.T) {
	store := NewMemoryStore()
	seed(t, store, 7)
	pub := &fakePublisher{}
	relay := NewRelay(store, pub, nil, discardLogger(), nil, RelayConfig{Table: "project_events", Topic: "project", BatchSize: 3})

	n, err := relay.DrainAll(context.Background())
	require.NoError(t, err)
	require.Equal(t, 7, n)
	for i, msg := range pub.messages() {
		require.Equal(t, []byte{byte(i)}, msg.Key)
		require.Equal(t, i%3, msg.Partition)
		require.Equal(t, "project", msg.Topic)
	}
}

func TestRelayMessageHeaders(t *testing.T) {
	store := NewMemoryStore()
	txID := uuid.New()
	require.NoError(t, store.Insert(context.Background(), nil, "project_events",
		Row{EventKey: []byte("k1"), Event: nil, PartitionNumber: 1, TransactionIdentifier: txID},
		Row{EventKey: []byte("k2"), Event: []byte("v"), TraceHeaderKey: "x-correlation", TraceHeaderValue: "abc"},
	))
	pub := &fakePublisher{}
	relay := NewRelay(store, pub, nil, discardLogger(), nil, RelayConfig{Table: "project_events", Topic: "project"})

	_, err := relay.DrainAll(context.Background())
	require.NoError(t, err)

	msgs := pub.messages()
	require.Len(t, msgs, 2)
	require.Nil(t, msgs[0].Value)
	require.Equal(t, txID.String(), kafkax.HeaderValue(msgs[0].Headers, kafkax.TransactionIdentifierHeader))
	require.Empty(t, kafkax.HeaderValue(msgs[1].Headers, kafkax.TransactionIdentifierHeader))
	require.Equal(t, "abc", kafkax.HeaderValue(msgs[1].Headers, "x-correlation"))
}

func TestRelayRunWaitsForLease(t *testing.T) {
	store := NewMemoryStore()
	seed(t, store, 2)
	pub := &fakePublisher{}
	lease := &fakeLease{held: false}
	relay := NewRelay(store, pub, lease, discardLogger(), nil, RelayConfig{
		Table: "project_events", Topic: "project", PollEvery: 5 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, relay.Run(ctx))
	require.Len(t, store.Rows("project_events"), 2)
	require.Empty(t, pub.messages())
}

func TestRelayRunDrainsAndRetries(t *testing.T) {
	store := NewMemoryStore()
	seed(t, store, 4)
	pub := &fakePublisher{failures: 2}
	relay := NewRelay(store, pub, &fakeLease{held: true}, discardLogger(), nil, RelayConfig{
		Table: "project_events", Topic: "project", PollEvery: 5 * time.Millisecond, MaxBackoff: 20 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	require.Eventually(t, func() bool { return len(store.Rows("project_events")) == 0 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	require.Len(t, pub.messages(), 4)
}
