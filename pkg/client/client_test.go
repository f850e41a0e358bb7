package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recallio/kermem/pkg/errdefs"
)

func TestErrorClassificationByStatus(t *testing.T) {
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"error":"something went wrong"}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	ctx := context.Background()

	status = http.StatusBadRequest
	_, err := c.Search(ctx, "default", "q", nil, 10, 0)
	require.Error(t, err)
	assert.True(t, errdefs.IsValidation(err))
	assert.Contains(t, err.Error(), "something went wrong")

	status = http.StatusNotFound
	_, err = c.UploadStatus(ctx, "default", "missing", false)
	require.Error(t, err)
	assert.True(t, errdefs.IsNotFound(err))

	status = http.StatusInternalServerError
	_, err = c.ListIndexes(ctx)
	require.Error(t, err)
	assert.False(t, errdefs.IsValidation(err))
	assert.False(t, errdefs.IsNotFound(err))
}

func TestListIndexes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/indexes", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"indexes":["default","docs"]}`))
	}))
	defer srv.Close()

	names, err := New(srv.URL).ListIndexes(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"default", "docs"}, names)
}
