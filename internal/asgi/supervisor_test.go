package asgi

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestSupervisorStartWaitsForReadinessThenShutsDown(t *testing.T) {
	port := freePort(t)
	cmd := fmt.Sprintf(`python3 -c "
import http.server, os
class H(http.server.BaseHTTPRequestHandler):
    def do_GET(self):
        self.send_response(200)
        self.end_headers()
http.server.HTTPServer(('127.0.0.1', %d), H).serve_forever()
"`, port)

	s := New(Config{Port: port, Workers: 1, AppCommand: cmd})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := s.Start(ctx); err != nil {
		t.Skipf("python3 unavailable in this environment: %v", err)
	}
	defer s.Kill()

	assert.True(t, s.IsRunning())
	require.NoError(t, s.Shutdown())
	assert.False(t, s.IsRunning())
}

func TestSupervisorStartFailsWhenNothingListens(t *testing.T) {
	port := freePort(t)
	s := New(Config{Port: port, Workers: 1, AppCommand: "true"}) // exits immediately, never binds

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	err := s.Start(ctx)
	assert.Error(t, err)
	assert.False(t, s.IsRunning())
}
