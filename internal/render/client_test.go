package render_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verdantlabs/yardgen/internal/render"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newClient(baseURL string) *render.Client {
	return render.NewClient(render.Options{
		APIKey:       "test-key",
		BaseURL:      baseURL,
		Timeout:      5 * time.Second,
		PollInterval: 5 * time.Millisecond,
	}, testLogger())
}

func TestGenerateCreatePollDownload(t *testing.T) {
	var polls atomic.Int32
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("POST /v1/renders", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		var payload struct {
			Model string         `json:"model"`
			Input map[string]any `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "landscape-v2", payload.Model)
		assert.Equal(t, "front_yard", payload.Input["area"])
		json.NewEncoder(w).Encode(map[string]string{"id": "task-1"})
	})
	mux.HandleFunc("GET /v1/renders/task-1", func(w http.ResponseWriter, r *http.Request) {
		switch polls.Add(1) {
		case 1:
			json.NewEncoder(w).Encode(map[string]any{"id": "task-1", "state": "processing", "progress": 40})
		default:
			json.NewEncoder(w).Encode(map[string]any{
				"id": "task-1", "state": "succeeded",
				"result": map[string]string{"url": srv.URL + "/result.png"},
			})
		}
	})
	mux.HandleFunc("GET /result.png", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("png-bytes"))
	})

	var progress []int
	img, err := newClient(srv.URL).Generate(context.Background(), render.Spec{
		AreaType: "front_yard",
		Style:    "modern",
	}, func(p int) { progress = append(progress, p) })
	require.NoError(t, err)

	assert.Equal(t, srv.URL+"/result.png", img.URL)
	assert.Equal(t, []byte("png-bytes"), img.Bytes)
	assert.Equal(t, "image/png", img.Mime)
	assert.Equal(t, []int{40, 100}, progress)
}

func TestGenerateFailedState(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("POST /v1/renders", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"id": "task-2"})
	})
	mux.HandleFunc("GET /v1/renders/task-2", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"id": "task-2", "state": "failed", "error": "nsfw prompt rejected",
		})
	})

	_, err := newClient(srv.URL).Generate(context.Background(), render.Spec{AreaType: "patio"}, nil)
	require.ErrorIs(t, err, render.ErrRenderFailed)
	assert.Contains(t, err.Error(), "nsfw prompt rejected")
}

func TestGenerateContextCancelDuringPoll(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("POST /v1/renders", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"id": "task-3"})
	})
	mux.HandleFunc("GET /v1/renders/task-3", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"id": "task-3", "state": "queued"})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := newClient(srv.URL).Generate(ctx, render.Spec{AreaType: "patio"}, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGenerateCreateTaskError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid api key"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := newClient(srv.URL).Generate(context.Background(), render.Spec{AreaType: "patio"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=401")
}

func TestGenerateSucceededWithoutDownloadKeepsURL(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("POST /v1/renders", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"id": "task-4"})
	})
	mux.HandleFunc("GET /v1/renders/task-4", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"id": "task-4", "state": "succeeded",
			"result": map[string]string{"url": srv.URL + "/gone.png"},
		})
	})
	mux.HandleFunc("GET /gone.png", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "expired", http.StatusGone)
	})

	img, err := newClient(srv.URL).Generate(context.Background(), render.Spec{AreaType: "patio"}, nil)
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/gone.png", img.URL)
	assert.Empty(t, img.Bytes)
}
