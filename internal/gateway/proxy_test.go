package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProxy(t *testing.T, backendURL string) *Proxy {
	t.Helper()
	pool := NewStatic(nil, time.Second, time.Second)
	if backendURL != "" {
		pool.backends[backendURL] = &Backend{URL: backendURL, Healthy: true, TotalCPUs: 1, AvailableCPUs: 1, TotalMemoryGB: 1, AvailableMemoryGB: 1}
	}

	dbPath := filepath.Join(t.TempDir(), "tasks.db")
	logger, err := NewDBLogger(context.Background(), dbPath)
	require.NoError(t, err)

	return NewProxy(pool, logger)
}

func TestProxyForwardsRequestAndResponse(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/predict", r.URL.Path)
		w.Header().Set("X-From-Backend", "yes")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer backend.Close()

	proxy := newTestProxy(t, backend.URL)

	req := httptest.NewRequest(http.MethodPost, "/predict", strings.NewReader(`{"x":1}`))
	rec := httptest.NewRecorder()
	proxy.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "yes", rec.Header().Get("X-From-Backend"))
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
}

func TestProxyReturnsServiceUnavailableWhenNoBackend(t *testing.T) {
	proxy := newTestProxy(t, "")

	req := httptest.NewRequest(http.MethodPost, "/predict", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	proxy.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestProxyReturnsBadGatewayOnBackendConnectionFailure(t *testing.T) {
	proxy := newTestProxy(t, "http://127.0.0.1:1") // nothing listens here

	req := httptest.NewRequest(http.MethodPost, "/predict", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	proxy.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestExtractFunctionName(t *testing.T) {
	assert.Equal(t, "predict", extractFunctionName("/v1/predict"))
	assert.Equal(t, "unknown", extractFunctionName("/"))
	assert.Equal(t, "unknown", extractFunctionName(""))
}

func TestTruncateBody(t *testing.T) {
	short := "hello"
	assert.Equal(t, short, truncateBody(short, 10))

	long := strings.Repeat("x", 20)
	truncated := truncateBody(long, 10)
	assert.True(t, strings.HasPrefix(truncated, strings.Repeat("x", 10)))
	assert.Contains(t, truncated, "truncated")
}
