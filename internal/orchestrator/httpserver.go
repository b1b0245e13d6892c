package orchestrator

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/neutrino-sh/neutrino-go/internal/metrics"
	"github.com/neutrino-sh/neutrino-go/internal/rpc"
)

// Server is the HTTP input adapter in front of an Orchestrator: it turns
// task submissions into Dispatch calls and exposes the debug/capacity
// endpoints the gateway and operators poll.
type Server struct {
	orch    *Orchestrator
	metrics *metrics.Metrics
	mux     *http.ServeMux

	defaultTimeout time.Duration
	fallback       http.Handler // ASGI fallback proxy, may be nil
}

// NewServer wires routes for task submission, capacity, status, and
// metrics. fallback, if non-nil, receives any request matching no other
// route (the ASGI proxy path).
func NewServer(orch *Orchestrator, m *metrics.Metrics, defaultTimeout time.Duration, fallback http.Handler) *Server {
	s := &Server{orch: orch, metrics: m, mux: http.NewServeMux(), defaultTimeout: defaultTimeout, fallback: fallback}
	s.mux.HandleFunc("/tasks/", s.handleTask)
	s.mux.HandleFunc("/capacity", s.handleCapacity)
	s.mux.HandleFunc("/status", s.handleStatus)
	s.mux.Handle("/metrics", metrics.Handler())
	if fallback != nil {
		s.mux.Handle("/", fallback)
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type taskRequest struct {
	FunctionName string      `json:"function_name"`
	Args         interface{} `json:"args"`
	Resources    *struct {
		NumCPUs  float64 `json:"num_cpus"`
		NumGPUs  float64 `json:"num_gpus"`
		MemoryGB float64 `json:"memory_gb"`
	} `json:"resources"`
}

type taskResponse struct {
	TaskID  string      `json:"task_id"`
	Success bool        `json:"success"`
	Result  interface{} `json:"result,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// handleTask decodes a JSON task request, converts its args to the Value
// tree, dispatches it, and converts the result back to JSON.
func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	resources := rpc.DefaultResourceRequirements()
	if req.Resources != nil {
		resources = rpc.ResourceRequirements{
			NumCPUs:  req.Resources.NumCPUs,
			NumGPUs:  req.Resources.NumGPUs,
			MemoryGB: req.Resources.MemoryGB,
		}
	}

	taskID := r.URL.Path[len("/tasks/"):]
	args := rpc.FromJSON(req.Args)

	start := time.Now()
	result, err := s.orch.Dispatch(taskID, req.FunctionName, args, resources, s.defaultTimeout)
	duration := time.Since(start).Seconds()

	status := "success"
	if err != nil {
		status = "error"
	}
	if s.metrics != nil {
		s.metrics.RecordTask(req.FunctionName, status, "", duration)
	}

	if err != nil {
		log.Warn().Err(err).Str("task_id", taskID).Str("function_name", req.FunctionName).Msg("task dispatch failed")
		writeJSON(w, statusCodeForError(err), taskResponse{TaskID: taskID, Success: false, Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, taskResponse{TaskID: taskID, Success: true, Result: result.ToJSON()})
}

func statusCodeForError(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	default:
		switch {
		case isErr(err, ErrInsufficientResources):
			return http.StatusServiceUnavailable
		case isErr(err, ErrWorkerCommunication), isErr(err, ErrProtocol):
			return http.StatusBadGateway
		default:
			return http.StatusInternalServerError
		}
	}
}

func isErr(err, target error) bool {
	for err != nil {
		if err == target {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// handleCapacity reports aggregate available/total resources across every
// worker, for the gateway's backend poller.
func (s *Server) handleCapacity(w http.ResponseWriter, r *http.Request) {
	var availCPUs, availGPUs, availMem, totalCPUs, totalGPUs, totalMem float64
	for _, h := range s.orch.Workers() {
		rec := s.orch.Snapshot(h)
		totalCPUs += rec.Capabilities.NumCPUs
		totalGPUs += rec.Capabilities.NumGPUs
		totalMem += rec.Capabilities.MemoryGB
		availCPUs += rec.Capabilities.NumCPUs - rec.Allocation.CPUs
		availGPUs += rec.Capabilities.NumGPUs - rec.Allocation.GPUs
		availMem += rec.Capabilities.MemoryGB - rec.Allocation.MemoryGB
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"available": map[string]float64{"cpus": availCPUs, "gpus": availGPUs, "memory_gb": availMem},
		"total":     map[string]float64{"cpus": totalCPUs, "gpus": totalGPUs, "memory_gb": totalMem},
	})
}

// handleStatus is the reinstated debug endpoint: pool composition,
// per-worker lifecycle, capabilities, allocation, tasks completed, memory,
// and circuit state. It reports no recycle counters.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	workers := s.orch.Workers()
	out := make([]map[string]interface{}, 0, len(workers))
	for _, h := range workers {
		rec := s.orch.Snapshot(h)
		out = append(out, map[string]interface{}{
			"id":                rec.ID,
			"pid":               rec.PID,
			"pool":              rec.Pool,
			"lifecycle":         rec.Lifecycle.String(),
			"capabilities":      rec.Capabilities,
			"allocation":        rec.Allocation,
			"tasks_completed":   rec.TasksCompleted,
			"current_memory_mb": rec.CurrentMemoryMB,
			"spawn_time":        rec.SpawnTime.UTC().Format(time.RFC3339),
			"circuit_state":     s.orch.circuits.GetState(rec.ID),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"workers": out})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
