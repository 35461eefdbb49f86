package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nanogen/backend/internal/apperrors"
)

func TestSubmit_Image(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/images/generations", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"data":[{"url":"https://cdn.example/img.png"}]}`))
	}))
	defer srv.Close()

	c := NewAIMLClient(srv.URL+"/", "key", zap.NewNop())
	sub, err := c.Submit(context.Background(), Request{
		Model:          "flux-pro/v1.1-ultra",
		Type:           "image",
		Prompt:         "a cat",
		NegativePrompt: "blur",
		Params:         json.RawMessage(`{"num_images":1}`),
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, sub.Status)
	assert.Equal(t, "https://cdn.example/img.png", sub.ResultURL)

	assert.Equal(t, "flux-pro/v1.1-ultra", got["model"])
	assert.Equal(t, "a cat", got["prompt"])
	assert.Equal(t, "blur", got["negative_prompt"])
	assert.Equal(t, float64(1), got["num_images"])
}

func TestSubmit_ImageWithoutURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	sub, err := NewAIMLClient(srv.URL, "key", zap.NewNop()).Submit(context.Background(), Request{Type: "image", Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, sub.Status)
}

func TestSubmit_VideoReturnsHandle(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"id", `{"id":"gen-1","status":"queued"}`, "gen-1"},
		{"task id", `{"task_id":"task-9"}`, "task-9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/videos/generations", r.URL.Path)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			sub, err := NewAIMLClient(srv.URL, "key", zap.NewNop()).Submit(context.Background(), Request{Type: "video", Prompt: "x"})
			require.NoError(t, err)
			assert.Equal(t, StatusPending, sub.Status)
			assert.Equal(t, tt.want, sub.Handle)
		})
	}
}

func TestSubmit_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"model overloaded"}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewAIMLClient(srv.URL, "key", zap.NewNop()).Submit(context.Background(), Request{Type: "video", Prompt: "x"})
	assert.ErrorIs(t, err, apperrors.ErrModelUnavailable)
}

func TestPoll(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		status  Status
		url     string
		errText string
	}{
		{"processing", `{"status":"processing"}`, StatusPending, "", ""},
		{"completed video.url", `{"status":"completed","video":{"url":"https://v/1.mp4"}}`, StatusCompleted, "https://v/1.mp4", ""},
		{"succeeded output", `{"status":"succeeded","output":{"video_url":"https://v/2.mp4"}}`, StatusCompleted, "https://v/2.mp4", ""},
		{"result_url", `{"status":"completed","result_url":"https://v/3.mp4"}`, StatusCompleted, "https://v/3.mp4", ""},
		{"failed", `{"status":"failed","error":"nsfw"}`, StatusFailed, "", "nsfw"},
		{"error without text", `{"status":"error"}`, StatusFailed, "", "provider reported failure"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodGet, r.Method)
				assert.Equal(t, "/videos/generations/task-1", r.URL.Path)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			res, err := NewAIMLClient(srv.URL, "key", zap.NewNop()).Poll(context.Background(), "task-1")
			require.NoError(t, err)
			assert.Equal(t, tt.status, res.Status)
			assert.Equal(t, tt.url, res.ResultURL)
			assert.Equal(t, tt.errText, res.Error)
		})
	}
}
