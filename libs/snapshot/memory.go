package snapshot

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type memoryKey struct {
	aggregateType string
	id            uuid.UUID
}

// MemoryRepository is a Repository for tests. It ignores the transaction.
type MemoryRepository struct {
	mu      sync.Mutex
	records map[memoryKey]Record
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: make(map[memoryKey]Record)}
}

func (r *MemoryRepository) Find(_ context.Context, _ pgx.Tx, aggregateType string, id uuid.UUID) (Record, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[memoryKey{aggregateType, id}]
	if ok {
		rec.State = append([]byte(nil), rec.State...)
	}
	return rec, ok, nil
}

func (r *MemoryRepository) Insert(_ context.Context, _ pgx.Tx, rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := memoryKey{rec.Identifier.Type, rec.Identifier.ID}
	if _, ok := r.records[k]; ok {
		return fmt.Errorf("%w: %s created concurrently", ErrStaleVersion, rec.Identifier)
	}
	r.records[k] = rec
	return nil
}

func (r *MemoryRepository) Update(_ context.Context, _ pgx.Tx, rec Record, expected uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := memoryKey{rec.Identifier.Type, rec.Identifier.ID}
	cur, ok := r.records[k]
	if !ok || cur.Identifier.Version != expected {
		return fmt.Errorf("%w: %s expected stored version %d", ErrStaleVersion, rec.Identifier, expected)
	}
	rec.Created = cur.Created
	r.records[k] = rec
	return nil
}

func (r *MemoryRepository) Delete(_ context.Context, _ pgx.Tx, aggregateType string, id uuid.UUID, expected uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := memoryKey{aggregateType, id}
	cur, ok := r.records[k]
	if !ok || cur.Identifier.Version != expected {
		return fmt.Errorf("%w: %s/%s expected stored version %d", ErrStaleVersion, aggregateType, id, expected)
	}
	delete(r.records, k)
	return nil
}

// Len returns the number of stored snapshots.
func (r *MemoryRepository) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}
