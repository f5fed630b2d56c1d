package businesstx

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Buffer holds the records of open business transactions per processor.
// Read returns records in append order without (key, value) duplicates.
type Buffer interface {
	Read(ctx context.Context, tx pgx.Tx, txID uuid.UUID, processor string) ([]EventRecord, error)
	Append(ctx context.Context, tx pgx.Tx, txID uuid.UUID, processor string, rec EventRecord) error
	Clear(ctx context.Context, tx pgx.Tx, txID uuid.UUID, processor string) error
}

type bufferKey struct {
	txID      uuid.UUID
	processor string
}

// MemoryBuffer is a Buffer for tests. It ignores transactions.
type MemoryBuffer struct {
	mu      sync.Mutex
	entries map[bufferKey][]EventRecord
}

func NewMemoryBuffer() *MemoryBuffer {
	return &MemoryBuffer{entries: make(map[bufferKey][]EventRecord)}
}

func (b *MemoryBuffer) Read(_ context.Context, _ pgx.Tx, txID uuid.UUID, processor string) ([]EventRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return dedupe(b.entries[bufferKey{txID, processor}]), nil
}

func (b *MemoryBuffer) Append(_ context.Context, _ pgx.Tx, txID uuid.UUID, processor string, rec EventRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := bufferKey{txID, processor}
	b.entries[k] = append(b.entries[k], rec)
	return nil
}

func (b *MemoryBuffer) Clear(_ context.Context, _ pgx.Tx, txID uuid.UUID, processor string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, bufferKey{txID, processor})
	return nil
}

// Len counts the raw buffered records of one transaction, duplicates included.
func (b *MemoryBuffer) Len(txID uuid.UUID, processor string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries[bufferKey{txID, processor}])
}
