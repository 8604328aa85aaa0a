package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makeastudio/api/internal/config"
)

func TestGroqClient_TextCompletion(t *testing.T) {
	var captured ChatCompletionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer gsk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.Write([]byte(`{"choices":[{"index":0,"message":{"role":"assistant","content":"a fox in snow"}}]}`))
	}))
	defer srv.Close()

	c := NewGroqClient(&config.GroqConfig{APIKey: "gsk-test", BaseURL: srv.URL, Model: "text-model", VisionModel: "vision-model"}, zerolog.Nop())
	out, err := c.Complete(context.Background(), CompletionRequest{System: "be brief", User: "fox"})
	require.NoError(t, err)

	assert.Equal(t, "a fox in snow", out)
	assert.Equal(t, "text-model", captured.Model)
	require.Len(t, captured.Messages, 2)
	assert.Equal(t, "system", captured.Messages[0].Role)
	assert.Equal(t, "fox", captured.Messages[1].Content)
}

func TestGroqClient_VisionUsesContentParts(t *testing.T) {
	var raw map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
		w.Write([]byte(`{"choices":[{"message":{"content":"a tabby cat"}}]}`))
	}))
	defer srv.Close()

	c := NewGroqClient(&config.GroqConfig{BaseURL: srv.URL, Model: "text-model", VisionModel: "vision-model"}, zerolog.Nop())
	out, err := c.Complete(context.Background(), CompletionRequest{User: "describe", Images: []string{"https://img/cat.png"}})
	require.NoError(t, err)
	assert.Equal(t, "a tabby cat", out)

	assert.Equal(t, "vision-model", raw["model"])
	messages := raw["messages"].([]interface{})
	require.Len(t, messages, 1)
	parts := messages[0].(map[string]interface{})["content"].([]interface{})
	require.Len(t, parts, 2)
	assert.Equal(t, "image_url", parts[1].(map[string]interface{})["type"])
}

func TestGroqClient_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"slow down"}`))
	}))
	defer srv.Close()

	c := NewGroqClient(&config.GroqConfig{BaseURL: srv.URL}, zerolog.Nop())
	_, err := c.Complete(context.Background(), CompletionRequest{User: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
	assert.False(t, c.IsConfigured())
}

func TestReplicateClient_SubmitGetCancel(t *testing.T) {
	var (
		mu    sync.Mutex
		paths []string
		body  map[string]interface{}
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.Method+" "+r.URL.Path)
		mu.Unlock()
		assert.Equal(t, "Bearer r8-test", r.Header.Get("Authorization"))

		switch {
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/cancel"):
			w.Write([]byte(`{"id":"p-1","status":"canceled"}`))
		case r.Method == http.MethodPost:
			b, _ := io.ReadAll(r.Body)
			json.Unmarshal(b, &body)
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"id":"p-1","status":"starting"}`))
		default:
			w.Write([]byte(`{"id":"p-1","status":"succeeded","output":["https://replicate.delivery/out.png"]}`))
		}
	}))
	defer srv.Close()

	c := NewReplicateClient(&config.ReplicateConfig{APIKey: "r8-test", BaseURL: srv.URL, RequestsPerSecond: 100, Burst: 10}, zerolog.Nop())
	ctx := context.Background()

	pred, err := c.Submit(ctx, "black-forest-labs/flux-schnell", map[string]interface{}{"prompt": "fox"})
	require.NoError(t, err)
	assert.Equal(t, "p-1", pred.ID)
	assert.Equal(t, map[string]interface{}{"prompt": "fox"}, body["input"])

	pred, err = c.Get(ctx, "p-1")
	require.NoError(t, err)
	assert.True(t, pred.IsTerminal())
	assert.Equal(t, "https://replicate.delivery/out.png", pred.OutputURL())

	require.NoError(t, c.Cancel(ctx, "p-1"))

	_, err = c.Submit(ctx, "owner/model:abc123", map[string]interface{}{"prompt": "fox"})
	require.NoError(t, err)
	assert.Equal(t, "abc123", body["version"])

	assert.Equal(t, []string{
		"POST /models/black-forest-labs/flux-schnell/predictions",
		"GET /predictions/p-1",
		"POST /predictions/p-1/cancel",
		"POST /predictions",
	}, paths)
}

func TestReplicateClient_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewReplicateClient(&config.ReplicateConfig{BaseURL: srv.URL}, zerolog.Nop())
	_, err := c.Get(context.Background(), "p-1")

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.True(t, apiErr.Temporary())
}

func TestPrediction_OutputAndDiagnostic(t *testing.T) {
	p := &Prediction{Output: json.RawMessage(`"https://x/video.mp4"`)}
	assert.Equal(t, "https://x/video.mp4", p.OutputURL())

	p = &Prediction{Output: json.RawMessage(`{"unexpected":true}`)}
	assert.Empty(t, p.OutputURL())

	p = &Prediction{Error: "NSFW content detected", Logs: "step 1\nstep 2\nstep 3\nstep 4"}
	assert.Equal(t, "NSFW content detected; step 2 | step 3 | step 4", p.Diagnostic())
}

func TestStorageOwnership(t *testing.T) {
	r2 := &R2Client{bucketName: "gen", publicURL: "https://cdn.example.com"}
	assert.Equal(t, "https://cdn.example.com/jobs/a.png", r2.GetPublicURL("jobs/a.png"))
	assert.True(t, r2.Owns("https://cdn.example.com/jobs/a.png"))
	assert.False(t, r2.Owns("https://cdn.example.com.evil.net/a.png"))

	sb, err := NewSupabaseStorage(&config.SupabaseConfig{URL: "https://proj.supabase.co/", ServiceRoleKey: "k", Bucket: "generations"})
	require.NoError(t, err)
	assert.Equal(t, "https://proj.supabase.co/storage/v1/object/public/generations/jobs/a.png", sb.GetPublicURL("jobs/a.png"))
	assert.True(t, sb.Owns(sb.GetPublicURL("jobs/a.png")))
	assert.False(t, sb.Owns("https://replicate.delivery/a.png"))
}

func TestNewStorage_Unconfigured(t *testing.T) {
	s, err := NewStorage(&config.Config{Storage: config.StorageConfig{Backend: "r2"}})
	require.NoError(t, err)
	assert.Nil(t, s)

	_, err = NewStorage(&config.Config{Storage: config.StorageConfig{Backend: "ftp"}})
	assert.Error(t, err)
}
