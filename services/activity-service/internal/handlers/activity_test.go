package handlers

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/eventcore/services/activity-service/internal/storage"
	"github.com/stretchr/testify/require"
)

func TestListValidatesQuery(t *testing.T) {
	h := NewActivityHandler(storage.NewActivityRepository(), nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	cases := []struct {
		method, url string
		want        int
	}{
		{http.MethodPost, "/api/v1/projects/activity", http.StatusMethodNotAllowed},
		{http.MethodGet, "/api/v1/projects/activity?project_id=nope", http.StatusBadRequest},
		{http.MethodGet, "/api/v1/projects/activity?project_id=" + uuid.NewString() + "&limit=0", http.StatusBadRequest},
		{http.MethodGet, "/api/v1/projects/activity?project_id=" + uuid.NewString() + "&limit=1000", http.StatusBadRequest},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		h.List(rec, httptest.NewRequest(tc.method, tc.url, nil))
		require.Equal(t, tc.want, rec.Code, tc.url)
	}
}
