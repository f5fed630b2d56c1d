package outbox

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5"
)

// MemoryStore is a Writer and Drainer for tests. It ignores transactions.
type MemoryStore struct {
	mu     sync.Mutex
	nextID int64
	tables map[string][]Row
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tables: make(map[string][]Row)}
}

func (s *MemoryStore) Insert(_ context.Context, _ pgx.Tx, table string, rows ...Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range rows {
		s.nextID++
		row.ID = s.nextID
		s.tables[table] = append(s.tables[table], row)
	}
	return nil
}

// Rows returns a copy of the pending rows of table in insertion order.
func (s *MemoryStore) Rows(table string) []Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Row(nil), s.tables[table]...)
}

func (s *MemoryStore) Drain(ctx context.Context, table string, limit int, publish func(context.Context, []Row) error) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := s.tables[table]
	if len(pending) > limit {
		pending = pending[:limit]
	}
	if len(pending) == 0 {
		return 0, nil
	}
	batch := append([]Row(nil), pending...)
	if err := publish(ctx, batch); err != nil {
		return 0, err
	}
	s.tables[table] = s.tables[table][len(batch):]
	return len(batch), nil
}
