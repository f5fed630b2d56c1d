package httpx

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

type ctxKey int

const (
	ctxKeyRequestID ctxKey = iota
	ctxKeyActor
)

const (
	RequestIDHeader = "X-Request-Id"
	// ActorHeader carries the id of the user issuing a command.
	ActorHeader = "X-User-Id"
)

func RequestIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyRequestID).(string)
	return v
}

func WithRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		ctx := context.WithValue(r.Context(), ctxKeyRequestID, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ActorFromContext returns the actor set by WithActor, or uuid.Nil.
func ActorFromContext(ctx context.Context) uuid.UUID {
	v, _ := ctx.Value(ctxKeyActor).(uuid.UUID)
	return v
}

// WithActor parses ActorHeader. Requests with a malformed header are rejected;
// requests without one run as uuid.Nil.
func WithActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get(ActorHeader)
		if raw == "" {
			next.ServeHTTP(w, r)
			return
		}
		actor, err := uuid.Parse(raw)
		if err != nil {
			http.Error(w, "invalid "+ActorHeader, http.StatusBadRequest)
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyActor, actor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
