package imagery_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verdantlabs/yardgen/internal/imagery"
)

func TestFetchReturnsImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/imagery", r.URL.Path)
		assert.Equal(t, "12 Alder Ln", r.URL.Query().Get("address"))
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write([]byte("jpeg-bytes"))
	}))
	defer srv.Close()

	data, contentType, err := imagery.NewClient(srv.URL, "key").Fetch(context.Background(), "12 Alder Ln")
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg-bytes"), data)
	assert.Equal(t, "image/jpeg", contentType)
}

func TestFetchNoImageryForAddress(t *testing.T) {
	for _, status := range []int{http.StatusNotFound, http.StatusUnprocessableEntity, http.StatusBadGateway} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))
		_, _, err := imagery.NewClient(srv.URL, "key").Fetch(context.Background(), "nowhere")
		srv.Close()
		require.ErrorIs(t, err, imagery.ErrUnavailable, "status %d", status)
	}
}

func TestFetchEmptyBodyUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	_, _, err := imagery.NewClient(srv.URL, "key").Fetch(context.Background(), "12 Alder Ln")
	require.ErrorIs(t, err, imagery.ErrUnavailable)
}

func TestFetchRequiresAddress(t *testing.T) {
	_, _, err := imagery.NewClient("http://example.invalid", "key").Fetch(context.Background(), "  ")
	require.Error(t, err)
}
