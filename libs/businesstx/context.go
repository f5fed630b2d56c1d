// Package businesstx groups messages into business transactions: a started
// record, any number of records carrying the transaction id, and a finished
// record, all on the partition of one root context.
package businesstx

import (
	"context"

	"github.com/google/uuid"
)

type ctxKey struct{}

// WithTransaction scopes ctx to the business transaction id.
func WithTransaction(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the business transaction ctx is scoped to.
func FromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(ctxKey{}).(uuid.UUID)
	return id, ok && id != uuid.Nil
}
