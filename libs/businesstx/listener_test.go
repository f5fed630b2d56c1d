package businesstx

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/eventcore/libs/eventkey"
	"github.com/md-rashed-zaman/eventcore/libs/snapshot"
	"github.com/stretchr/testify/require"
)

type call struct {
	method   string
	records  []EventRecord
	finished *EventRecord
}

type recordingProcessor struct {
	NopProcessor
	calls []call
}

func (p *recordingProcessor) Name() string { return "test-processor" }

func (p *recordingProcessor) OnTransactionStarted(_ context.Context, _ pgx.Tx, started EventRecord) error {
	p.calls = append(p.calls, call{method: "started", records: []EventRecord{started}})
	return nil
}

func (p *recordingProcessor) OnTransactionalEvent(_ context.Context, _ pgx.Tx, rec EventRecord) error {
	p.calls = append(p.calls, call{method: "transactional", records: []EventRecord{rec}})
	return nil
}

func (p *recordingProcessor) OnTransactionFinished(_ context.Context, _ pgx.Tx, started EventRecord, events []EventRecord, finished EventRecord) error {
	p.calls = append(p.calls, call{method: "finished", records: append([]EventRecord{started}, events...), finished: &finished})
	return nil
}

func (p *recordingProcessor) OnNonTransactionalEvent(_ context.Context, _ pgx.Tx, rec EventRecord) error {
	p.calls = append(p.calls, call{method: "none", records: []EventRecord{rec}})
	return nil
}

func (p *recordingProcessor) methods() []string {
	out := make([]string, len(p.calls))
	for i, c := range p.calls {
		out[i] = c.method
	}
	return out
}

type scenario struct {
	buffer    *MemoryBuffer
	processor *recordingProcessor
	listener  *Listener
	logs      *bytes.Buffer
	txID      uuid.UUID
	root      uuid.UUID
	offset    int64
}

func newScenario() *scenario {
	b := NewMemoryBuffer()
	p := &recordingProcessor{}
	logs := &bytes.Buffer{}
	return &scenario{
		buffer:    b,
		processor: p,
		listener:  NewListener(b, p, slog.New(slog.NewTextHandler(logs, nil)), nil),
		logs:      logs,
		txID:      uuid.New(),
		root:      uuid.New(),
	}
}

func (s *scenario) at() time.Time {
	s.offset++
	return time.Unix(1700000000+s.offset, 0).UTC()
}

func (s *scenario) started() EventRecord {
	return EventRecord{Key: eventkey.TransactionStartedKey(s.txID, s.root), Value: []byte("started"), TransactionIdentifier: s.txID, Timestamp: s.at()}
}

func (s *scenario) finished() EventRecord {
	return EventRecord{Key: eventkey.TransactionFinishedKey(s.txID, s.root), Value: []byte("finished"), TransactionIdentifier: s.txID, Timestamp: s.at()}
}

func (s *scenario) middle(version uint64) EventRecord {
	return EventRecord{
		Key:                   eventkey.AggregateEventKey(eventkey.AggregateIdentifier{Type: "TASK", ID: s.root, Version: version}, s.root),
		Value:                 []byte(fmt.Sprintf("task-v%d", version)),
		TransactionIdentifier: s.txID,
		Timestamp:             s.at(),
	}
}

func (s *scenario) process(t *testing.T, records ...EventRecord) {
	t.Helper()
	for _, r := range records {
		require.NoError(t, s.listener.Process(context.Background(), nil, r))
	}
}

func TestStartedIsDispatched(t *testing.T) {
	s := newScenario()
	started := s.started()
	s.process(t, started)

	require.Equal(t, []string{"started"}, s.processor.methods())
	require.Equal(t, started, s.processor.calls[0].records[0])
	require.Equal(t, 1, s.buffer.Len(s.txID, "test-processor"))
}

func TestStartedAndFinishedAreDispatched(t *testing.T) {
	s := newScenario()
	started, finished := s.started(), s.finished()
	s.process(t, started, finished)

	require.Equal(t, []string{"started", "finished"}, s.processor.methods())
	last := s.processor.calls[1]
	require.Equal(t, []EventRecord{started}, last.records)
	require.Equal(t, finished, *last.finished)
	require.Equal(t, 0, s.buffer.Len(s.txID, "test-processor"))
}

func TestBusinessTransactionIsAssembled(t *testing.T) {
	s := newScenario()
	started, m1, m2, finished := s.started(), s.middle(0), s.middle(1), s.finished()
	s.process(t, started, m1, m2, finished)

	require.Equal(t, []string{"started", "transactional", "transactional", "finished"}, s.processor.methods())
	require.Equal(t, []EventRecord{started, m1, m2}, s.processor.calls[3].records)
	require.Equal(t, finished, *s.processor.calls[3].finished)
}

func TestDuplicateStartedIsSkipped(t *testing.T) {
	s := newScenario()
	started, middle, finished := s.started(), s.middle(0), s.finished()
	s.process(t, started, middle, started, finished)

	require.Equal(t, []string{"started", "transactional", "finished"}, s.processor.methods())
	require.Equal(t, []EventRecord{started, middle}, s.processor.calls[2].records)
}

func (s *scenario) warnings() int { return strings.Count(s.logs.String(), "level=WARN") }

func TestDuplicateStartedBeforeEventsLogsOneWarning(t *testing.T) {
	s := newScenario()
	started, middle, finished := s.started(), s.middle(0), s.finished()
	s.process(t, started, started, middle, finished)

	require.Equal(t, []string{"started", "transactional", "finished"}, s.processor.methods())
	require.Equal(t, []EventRecord{started, middle}, s.processor.calls[2].records)
	require.Equal(t, 1, s.warnings())
	require.Equal(t, 0, s.buffer.Len(s.txID, "test-processor"))
}

func TestLoneFinishedLogsWarning(t *testing.T) {
	s := newScenario()
	s.process(t, s.finished())

	require.Empty(t, s.processor.calls)
	require.Equal(t, 1, s.warnings())
	require.Contains(t, s.logs.String(), "discarded=0")
	require.Equal(t, 0, s.buffer.Len(s.txID, "test-processor"))
}

func TestDuplicateFinishedIsSkipped(t *testing.T) {
	s := newScenario()
	started, middle, finished := s.started(), s.middle(0), s.finished()
	s.process(t, started, middle, finished, finished)

	require.Equal(t, []string{"started", "transactional", "finished"}, s.processor.methods())
	require.Equal(t, 0, s.buffer.Len(s.txID, "test-processor"))
}

func TestOrphanFinishedClearsBuffer(t *testing.T) {
	s := newScenario()
	s.process(t, s.middle(0), s.finished())

	require.Equal(t, []string{"transactional"}, s.processor.methods())
	require.Equal(t, 0, s.buffer.Len(s.txID, "test-processor"))
}

func TestDuplicateMiddleEventsAreDeduplicatedOnFinish(t *testing.T) {
	s := newScenario()
	started, middle, finished := s.started(), s.middle(0), s.finished()
	s.process(t, started, middle, middle, finished)

	require.Equal(t, []string{"started", "transactional", "transactional", "finished"}, s.processor.methods())
	require.Equal(t, []EventRecord{started, middle}, s.processor.calls[3].records)
}

func TestTransactionalEventIsDispatched(t *testing.T) {
	s := newScenario()
	middle := s.middle(0)
	s.process(t, middle)

	require.Equal(t, []string{"transactional"}, s.processor.methods())
	require.Equal(t, 1, s.buffer.Len(s.txID, "test-processor"))
}

func TestNonTransactionalEventIsDispatched(t *testing.T) {
	s := newScenario()
	rec := s.middle(0)
	rec.TransactionIdentifier = uuid.Nil
	s.process(t, rec)

	require.Equal(t, []string{"none"}, s.processor.methods())
	require.Equal(t, 0, s.buffer.Len(s.txID, "test-processor"))
}

func TestStartedAfterBufferedEventsIsFatal(t *testing.T) {
	s := newScenario()
	s.process(t, s.middle(0))

	err := s.listener.Process(context.Background(), nil, s.started())
	require.ErrorIs(t, err, ErrBufferCorrupted)
	require.True(t, IsFatal(err))
	require.Equal(t, []string{"transactional"}, s.processor.methods())
}

func TestInterleavedTransactionsAreIndependent(t *testing.T) {
	a, b := newScenario(), newScenario()
	b.buffer, b.listener = a.buffer, a.listener
	b.processor = a.processor

	aStarted, bStarted := a.started(), b.started()
	aMiddle, bMiddle := a.middle(0), b.middle(0)
	aFinished, bFinished := a.finished(), b.finished()
	a.process(t, aStarted, bStarted, bMiddle, aMiddle, bFinished, aFinished)

	calls := a.processor.calls
	require.Len(t, calls, 6)
	require.Equal(t, []EventRecord{bStarted, bMiddle}, calls[4].records)
	require.Equal(t, []EventRecord{aStarted, aMiddle}, calls[5].records)
}

func TestProcessorsBufferIndependently(t *testing.T) {
	s := newScenario()
	other := &namedProcessor{name: "other-processor"}
	otherListener := NewListener(s.buffer, other, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)

	started := s.started()
	s.process(t, started)
	require.NoError(t, otherListener.Process(context.Background(), nil, started))

	require.Equal(t, 1, s.buffer.Len(s.txID, "test-processor"))
	require.Equal(t, 1, s.buffer.Len(s.txID, "other-processor"))
}

type namedProcessor struct {
	NopProcessor
	name string
}

func (p *namedProcessor) Name() string { return p.name }

func TestIsFatal(t *testing.T) {
	require.True(t, IsFatal(fmt.Errorf("x: %w", snapshot.ErrSnapshotExists)))
	require.True(t, IsFatal(eventkey.ErrMalformedKey))
	require.True(t, IsFatal(fmt.Errorf("%w: %w", ErrMalformedPayload, io.ErrUnexpectedEOF)))
	require.False(t, IsFatal(snapshot.ErrStaleVersion))
	require.False(t, IsFatal(context.DeadlineExceeded))
}
