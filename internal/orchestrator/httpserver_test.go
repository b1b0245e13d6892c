package orchestrator

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neutrino-sh/neutrino-go/internal/metrics"
)

func TestHandleCapacityAggregatesAcrossWorkers(t *testing.T) {
	a := cpuWorker("cpu-a")
	a.Allocation.CPUs = 1
	b := gpuWorker("gpu-b")
	o := newTestOrchestrator(a, b)

	srv := NewServer(o, metrics.New(), time.Second, nil)

	req := httptest.NewRequest(http.MethodGet, "/capacity", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Available map[string]float64 `json:"available"`
		Total     map[string]float64 `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	assert.Equal(t, 8.0, body.Total["cpus"]) // 4 (cpu pool) + 4 (gpu pool)
	assert.Equal(t, 1.0, body.Total["gpus"])
	assert.Equal(t, 7.0, body.Available["cpus"]) // 8 total minus 1 allocated
}

func TestHandleStatusListsEveryWorker(t *testing.T) {
	a := cpuWorker("cpu-a")
	o := newTestOrchestrator(a)
	srv := NewServer(o, metrics.New(), time.Second, nil)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Workers []map[string]interface{} `json:"workers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Workers, 1)
	assert.Equal(t, "cpu-a", body.Workers[0]["id"])
	assert.Equal(t, "idle", body.Workers[0]["lifecycle"])
}

func TestHandleTaskRejectsNonPost(t *testing.T) {
	o := newTestOrchestrator(cpuWorker("cpu-a"))
	srv := NewServer(o, metrics.New(), time.Second, nil)

	req := httptest.NewRequest(http.MethodGet, "/tasks/abc", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleTaskRejectsInvalidJSON(t *testing.T) {
	o := newTestOrchestrator(cpuWorker("cpu-a"))
	srv := NewServer(o, metrics.New(), time.Second, nil)

	req := httptest.NewRequest(http.MethodPost, "/tasks/abc", bytes.NewBufferString("not json"))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleTaskReturns503WhenNoWorkerMatches(t *testing.T) {
	o := newTestOrchestrator(cpuWorker("cpu-a"))
	srv := NewServer(o, metrics.New(), time.Second, nil)

	payload, _ := json.Marshal(map[string]interface{}{
		"function_name": "run",
		"args":          map[string]interface{}{},
		"resources":     map[string]float64{"num_gpus": 1},
	})
	req := httptest.NewRequest(http.MethodPost, "/tasks/task-1", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
