package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipforge/clipforge/pkg/core/tasks"
	"github.com/clipforge/clipforge/pkg/core/workers"
	"github.com/clipforge/clipforge/pkg/infrastructure/logging"
	"github.com/clipforge/clipforge/pkg/orchestrator"
)

func testServer(t *testing.T) (*apiServer, *orchestrator.Orchestrator) {
	t.Helper()
	orch := orchestrator.New(orchestrator.Options{}, nil)
	orch.RegisterExecutor(tasks.TypeVideoProcessing, func(ctx context.Context, p tasks.TaskPayload, report func(int)) (tasks.TaskResult, error) {
		return tasks.VideoResult{OutputPath: "/out/a.mp4"}, nil
	})
	require.NoError(t, orch.CreatePool("video", tasks.TypeVideoProcessing, workers.PoolConfig{
		MinWorkers:   1,
		MaxWorkers:   2,
		MaxQueueSize: 8,
	}))

	api := newAPIServer(orch, logging.New(nil), time.Hour)
	t.Cleanup(func() {
		api.close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		orch.Shutdown(ctx)
	})
	return api, orch
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) (*httptest.ResponseRecorder, APIResponse) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var resp APIResponse
	if rec.Header().Get("Content-Type") == "application/json" && rec.Body.Len() > 0 {
		json.Unmarshal(rec.Body.Bytes(), &resp)
	}
	return rec, resp
}

func TestAPISubmitAndQueryTask(t *testing.T) {
	api, orch := testServer(t)
	router := api.router()

	rec, resp := doJSON(t, router, "POST", "/api/tasks", submitRequest{
		Type:     "video_processing",
		Payload:  json.RawMessage(`{"source_path":"/in/a.mov","target_format":"mp4"}`),
		Priority: "high",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.True(t, resp.Success)

	id := resp.Data.(map[string]any)["task_id"].(string)
	require.NotEmpty(t, id)

	deadline := time.Now().Add(3 * time.Second)
	for {
		if snap, ok := orch.QueryStatus(id); ok && snap.Status == tasks.StatusCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("task never completed")
		}
		time.Sleep(2 * time.Millisecond)
	}

	rec, resp = doJSON(t, router, "GET", "/api/tasks/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	task := resp.Data.(map[string]any)
	assert.Equal(t, "completed", task["status"])
}

func TestAPISubmitRejectsBadRequests(t *testing.T) {
	api, _ := testServer(t)
	router := api.router()

	// Missing payload.
	rec, _ := doJSON(t, router, "POST", "/api/tasks", submitRequest{Type: "video_processing"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Unknown priority.
	rec, _ = doJSON(t, router, "POST", "/api/tasks", submitRequest{
		Type:     "video_processing",
		Payload:  json.RawMessage(`{"source_path":"/in/a.mov"}`),
		Priority: "urgent",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// No pool for the type.
	rec, _ = doJSON(t, router, "POST", "/api/tasks", submitRequest{
		Type:    "analysis",
		Payload: json.RawMessage(`{"source_path":"/in/a.wav"}`),
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPIQueueFullMapsTo429(t *testing.T) {
	orch := orchestrator.New(orchestrator.Options{}, nil)
	gate := make(chan struct{})
	defer close(gate)
	orch.RegisterExecutor(tasks.TypeVideoProcessing, func(ctx context.Context, p tasks.TaskPayload, report func(int)) (tasks.TaskResult, error) {
		select {
		case <-gate:
			return tasks.VideoResult{}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	require.NoError(t, orch.CreatePool("video", tasks.TypeVideoProcessing, workers.PoolConfig{
		MinWorkers:   1,
		MaxWorkers:   1,
		MaxQueueSize: 1,
	}))
	api := newAPIServer(orch, logging.New(nil), time.Hour)
	t.Cleanup(func() {
		api.close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		orch.Shutdown(ctx)
	})
	router := api.router()

	submit := func() *httptest.ResponseRecorder {
		rec, _ := doJSON(t, router, "POST", "/api/tasks", submitRequest{
			Type:    "video_processing",
			Payload: json.RawMessage(`{"source_path":"/in/a.mov"}`),
		})
		return rec
	}

	require.Equal(t, http.StatusAccepted, submit().Code)

	// Once the task occupies the only worker the capacity bound is
	// reached and the next submission bounces.
	deadline := time.Now().Add(3 * time.Second)
	for orch.PoolSnapshots()[0].Busy != 1 {
		if time.Now().After(deadline) {
			t.Fatal("task never dispatched")
		}
		time.Sleep(2 * time.Millisecond)
	}
	assert.Equal(t, http.StatusTooManyRequests, submit().Code)
}

func TestAPITaskNotFound(t *testing.T) {
	api, _ := testServer(t)
	rec, _ := doJSON(t, api.router(), "GET", "/api/tasks/unknown", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPIPoolLifecycle(t *testing.T) {
	api, orch := testServer(t)
	router := api.router()
	orch.RegisterExecutor(tasks.TypeImageProcessing, func(ctx context.Context, p tasks.TaskPayload, report func(int)) (tasks.TaskResult, error) {
		return tasks.ImageResult{}, nil
	})

	rec, _ := doJSON(t, router, "POST", "/api/pools", map[string]any{
		"name":        "image",
		"task_type":   "image_processing",
		"min_workers": 1,
		"max_workers": 2,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec, resp := doJSON(t, router, "GET", "/api/pools", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, resp.Data.([]any), 2)

	rec, resp = doJSON(t, router, "POST", "/api/pools/image/scale", map[string]int{"target_size": 2})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), resp.Data.(map[string]any)["size"])

	rec, _ = doJSON(t, router, "DELETE", "/api/pools/image", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = doJSON(t, router, "DELETE", "/api/pools/image", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPIStatsAndEvents(t *testing.T) {
	api, _ := testServer(t)
	router := api.router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var stats map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Contains(t, stats, "success_rate")

	rec, resp := doJSON(t, router, "GET", "/api/events?n=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, resp.Data, "pool creation events are retained")

	rec, resp = doJSON(t, router, "GET", "/api/report", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	report := resp.Data.(map[string]any)
	assert.Contains(t, report, "workers")
	assert.Contains(t, report, "events")
}

func TestDecodePayloadPerType(t *testing.T) {
	cases := []struct {
		taskType tasks.TaskType
		raw      string
	}{
		{tasks.TypeVideoProcessing, `{"source_path":"/a","target_format":"mp4"}`},
		{tasks.TypeImageProcessing, `{"source_path":"/a","quality":90}`},
		{tasks.TypeCompression, `{"source_path":"/a","level":6}`},
		{tasks.TypeAnalysis, `{"source_path":"/a"}`},
	}
	for _, tc := range cases {
		t.Run(string(tc.taskType), func(t *testing.T) {
			p, err := decodePayload(tc.taskType, json.RawMessage(tc.raw))
			require.NoError(t, err)
			assert.Equal(t, tc.taskType, p.Kind())
		})
	}

	_, err := decodePayload("bogus", json.RawMessage(`{}`))
	assert.Error(t, err)
	_, err = decodePayload(tasks.TypeVideoProcessing, nil)
	assert.Error(t, err)
}
