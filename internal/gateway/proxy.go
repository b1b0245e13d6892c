package gateway

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	bodyTruncateLimit = 10000
	backendTimeout    = 300 * time.Second
)

// ProxyError distinguishes the stream-level faults the proxy can hit, so
// the HTTP layer can map each to the right status code.
type ProxyError struct {
	Kind    string // body_read, backend, response_build
	Message string
}

func (e *ProxyError) Error() string { return e.Message }

// Proxy forwards unmatched requests to a selected backend and logs every
// attempt, successful or not, to a DBLogger. It carries no per-request
// state of its own — backend selection happens once per call via Pool.
type Proxy struct {
	Pool   *BackendPool
	Logger *DBLogger
	Client *http.Client
}

// NewProxy builds a Proxy with a long client timeout, generous enough for
// slow user handlers without hanging forever on a wedged backend.
func NewProxy(pool *BackendPool, logger *DBLogger) *Proxy {
	return &Proxy{
		Pool:   pool,
		Logger: logger,
		Client: &http.Client{Timeout: backendTimeout},
	}
}

// ServeHTTP implements a stateless pass-through: pick a backend, stream the
// request through, log start/completion, and copy the backend's response
// back verbatim.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	taskID := uuid.NewString()
	functionName := extractFunctionName(r.URL.Path)
	createdAt := time.Now().UTC().Format(time.RFC3339)

	log.Info().Str("method", r.Method).Str("path", r.URL.Path).Str("task_id", taskID).Msg("proxying request")

	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		log.Error().Err(err).Msg("failed to read request body")
		writeProxyError(w, http.StatusBadRequest, fmt.Sprintf("failed to read request body: %v", err))
		return
	}
	requestBody := truncateBody(string(bodyBytes), bodyTruncateLimit)

	p.Logger.Log(LogEntry{
		ID:           taskID,
		FunctionName: functionName,
		Method:       r.Method,
		Path:         r.URL.Path,
		Status:       "started",
		CreatedAt:    createdAt,
		RequestBody:  requestBody,
	})

	backend := p.Pool.FindBackendWithResources(0, 0, 0)
	if backend == nil {
		p.Logger.Log(LogEntry{
			ID: taskID, FunctionName: functionName, Method: r.Method, Path: r.URL.Path,
			Status: "failed", CreatedAt: createdAt, CompletedAt: time.Now().UTC().Format(time.RFC3339),
			RequestBody: requestBody, Error: "no healthy backend with capacity",
		})
		writeProxyError(w, http.StatusServiceUnavailable, "no healthy backend with capacity")
		return
	}

	start := time.Now()
	targetURL := backend.URL + r.URL.Path
	if r.URL.RawQuery != "" {
		targetURL += "?" + r.URL.RawQuery
	}

	proxyReq, err := http.NewRequestWithContext(r.Context(), r.Method, targetURL, strings.NewReader(string(bodyBytes)))
	if err != nil {
		writeProxyError(w, http.StatusInternalServerError, fmt.Sprintf("failed to build backend request: %v", err))
		return
	}
	for key, values := range r.Header {
		lower := strings.ToLower(key)
		if lower == "host" || lower == "content-length" {
			continue
		}
		for _, v := range values {
			proxyReq.Header.Add(key, v)
		}
	}

	resp, err := p.Client.Do(proxyReq)
	if err != nil {
		durationMS := float64(time.Since(start).Microseconds()) / 1000.0
		log.Error().Err(err).Str("task_id", taskID).Msg("backend request failed")
		p.Logger.Log(LogEntry{
			ID: taskID, FunctionName: functionName, Method: r.Method, Path: r.URL.Path,
			Status: "failed", CreatedAt: createdAt, CompletedAt: time.Now().UTC().Format(time.RFC3339),
			DurationMS: durationMS, RequestBody: requestBody,
			Error: fmt.Sprintf("backend error: %v", err),
		})
		writeProxyError(w, http.StatusBadGateway, fmt.Sprintf("backend error: %v", err))
		return
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Error().Err(err).Str("task_id", taskID).Msg("failed to read response body")
		writeProxyError(w, http.StatusBadRequest, fmt.Sprintf("failed to read response body: %v", err))
		return
	}
	durationMS := float64(time.Since(start).Microseconds()) / 1000.0

	status := "completed"
	var logErr string
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		status = "failed"
		logErr = fmt.Sprintf("http %d", resp.StatusCode)
	}

	p.Logger.Log(LogEntry{
		ID: taskID, FunctionName: functionName, Method: r.Method, Path: r.URL.Path,
		Status: status, CreatedAt: createdAt, CompletedAt: time.Now().UTC().Format(time.RFC3339),
		DurationMS: durationMS, StatusCode: resp.StatusCode,
		RequestBody: requestBody, ResponseBody: truncateBody(string(respBytes), bodyTruncateLimit),
		Error: logErr,
	})

	log.Info().Str("task_id", taskID).Int("status_code", resp.StatusCode).Float64("duration_ms", durationMS).Msg("request completed")

	for key, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	w.Write(respBytes)
}

func extractFunctionName(path string) string {
	trimmed := strings.TrimPrefix(path, "/")
	segments := strings.Split(trimmed, "/")
	last := segments[len(segments)-1]
	if last == "" {
		return "unknown"
	}
	return last
}

func truncateBody(body string, maxLen int) string {
	if len(body) > maxLen {
		return body[:maxLen] + "... (truncated)"
	}
	return body
}

func writeProxyError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":%q}`, message)
}
